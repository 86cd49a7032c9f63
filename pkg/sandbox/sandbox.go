// Package sandbox abstracts the ephemeral remote execution environment a
// build runs in. The provider exposes a narrow RPC surface: exec, file
// read/write, workspace download, destroy, timeout extension, and a
// per-port public hostname.
package sandbox

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Provider.Get for unknown sandbox IDs.
var ErrNotFound = errors.New("sandbox: not found")

// ErrFileNotFound is returned by ReadFile when the path does not exist.
var ErrFileNotFound = errors.New("sandbox: file not found")

// CreateParams configures a new sandbox.
type CreateParams struct {
	Template       string
	TimeoutSeconds int
	Env            map[string]string
}

// ExecResult is the outcome of a command execution.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Sandbox is a handle to one live execution environment. The handle is
// exclusively owned by the build controller; subagents share it through
// the controller.
type Sandbox interface {
	ID() string
	Exec(ctx context.Context, cmd string) (*ExecResult, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	// DownloadDir returns the directory as a tar archive, possibly gzipped.
	DownloadDir(ctx context.Context, path string) ([]byte, error)
	Destroy(ctx context.Context) error
	SetTimeout(ctx context.Context, d time.Duration) error
	GetHost(ctx context.Context, port int) (string, error)
}

// Provider creates and resolves sandboxes.
type Provider interface {
	Create(ctx context.Context, params CreateParams) (Sandbox, error)
	Get(ctx context.Context, id string) (Sandbox, error)
}

// Package bridge executes LLM tool calls against the sandbox and emits the
// structured events that make agent activity observable.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/forgebuild/forge/pkg/events"
	"github.com/forgebuild/forge/pkg/llm"
	"github.com/forgebuild/forge/pkg/manifest"
	"github.com/forgebuild/forge/pkg/models"
	"github.com/forgebuild/forge/pkg/sandbox"
)

// outputLimit caps tool output fed back to the model and into events.
const outputLimit = 10 * 1024

// Guidance appended to tool results after repeated malformed calls during
// planning.
const formatGuidance = "\n\nTool input format reminder: bash takes " +
	`{"command": "..."}; read_file takes {"path": "..."}; write_file takes ` +
	`{"path": "...", "content": "..."}. All fields are required strings.`

const (
	ToolBash      = "bash"
	ToolReadFile  = "read_file"
	ToolWriteFile = "write_file"
)

// Call is one tool invocation from the model.
type Call struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// Result goes back to the model as the tool result.
type Result struct {
	Output  string
	IsError bool
}

// Bridge runs tool calls for one conversation. It is not safe for
// concurrent use; each subagent owns its own Bridge over the shared
// sandbox.
type Bridge struct {
	sb  sandbox.Sandbox
	pub *events.Publisher

	// Inject format guidance after repeated validation failures (planning
	// writes the manifest, where malformed calls are most damaging).
	guidanceEnabled    bool
	validationFailures int
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithFormatGuidance enables the repeated-validation-failure guidance used
// during the planning phase.
func WithFormatGuidance() Option {
	return func(b *Bridge) { b.guidanceEnabled = true }
}

// New creates a bridge over the sandbox, emitting through pub.
func New(sb sandbox.Sandbox, pub *events.Publisher, opts ...Option) *Bridge {
	b := &Bridge{sb: sb, pub: pub}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Definitions returns the tool list advertised to the model.
func Definitions() []llm.ToolDefinition {
	stringProp := func(desc string) map[string]any {
		return map[string]any{"type": "string", "description": desc}
	}
	return []llm.ToolDefinition{
		{
			Name:        ToolBash,
			Description: "Run a shell command in the project workspace and return stdout, stderr, and the exit code.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command": stringProp("The shell command to run."),
				},
				"required": []string{"command"},
			},
		},
		{
			Name:        ToolReadFile,
			Description: "Read a file from the workspace and return its contents.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": stringProp("Absolute path of the file to read."),
				},
				"required": []string{"path"},
			},
		},
		{
			Name:        ToolWriteFile,
			Description: "Write a file in the workspace, creating it or replacing its contents.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":    stringProp("Absolute path of the file to write."),
					"content": stringProp("Full file contents."),
				},
				"required": []string{"path", "content"},
			},
		},
	}
}

// Execute runs one tool call and returns the model-facing result. Execution
// errors are reported in the result, never as a Go error; only context
// cancellation aborts.
func (b *Bridge) Execute(ctx context.Context, call Call) Result {
	switch call.Name {
	case ToolBash:
		return b.execBash(ctx, call)
	case ToolReadFile:
		return b.execReadFile(ctx, call)
	case ToolWriteFile:
		return b.execWriteFile(ctx, call)
	default:
		return b.validationFailure(call, fmt.Sprintf("unknown tool %q", call.Name))
	}
}

type bashInput struct {
	Command string `json:"command"`
}

func (b *Bridge) execBash(ctx context.Context, call Call) Result {
	var input bashInput
	if err := json.Unmarshal(call.Input, &input); err != nil {
		return b.validationFailure(call, fmt.Sprintf("bash: invalid input: %v", err))
	}
	if strings.TrimSpace(input.Command) == "" {
		return b.validationFailure(call, "bash: 'command' is required and must be a non-empty string")
	}
	b.validationFailures = 0

	b.pub.Event(models.Event{Type: models.EventToolStart, ToolUseID: call.ID, Tool: ToolBash, Description: input.Command})
	b.pub.Log(models.LogTool, "$ "+input.Command)

	start := time.Now()
	res, err := b.sb.Exec(ctx, input.Command)
	duration := time.Since(start)
	if err != nil {
		msg := fmt.Sprintf("command failed to execute: %v", err)
		b.pub.Event(models.Event{
			Type: models.EventError, Severity: "warning", Message: msg, Recoverable: boolPtr(true),
		})
		b.endTool(call, false, msg)
		return Result{Output: msg, IsError: true}
	}

	stdout := truncate(res.Stdout)
	stderr := truncate(res.Stderr)
	exitCode := res.ExitCode
	b.pub.Event(models.Event{
		Type:       models.EventCommand,
		Command:    input.Command,
		ExitCode:   &exitCode,
		Stdout:     stdout,
		Stderr:     stderr,
		DurationMs: duration.Milliseconds(),
	})

	success := exitCode == 0
	output := formatExecOutput(stdout, stderr, exitCode)
	b.endTool(call, success, output)
	return Result{Output: output, IsError: !success}
}

type readFileInput struct {
	Path string `json:"path"`
}

func (b *Bridge) execReadFile(ctx context.Context, call Call) Result {
	var input readFileInput
	if err := json.Unmarshal(call.Input, &input); err != nil {
		return b.validationFailure(call, fmt.Sprintf("read_file: invalid input: %v", err))
	}
	if input.Path == "" {
		return b.validationFailure(call, "read_file: 'path' is required and must be a non-empty string")
	}
	b.validationFailures = 0

	b.pub.Event(models.Event{Type: models.EventToolStart, ToolUseID: call.ID, Tool: ToolReadFile, Description: input.Path})

	data, err := b.sb.ReadFile(ctx, input.Path)
	if err != nil {
		msg := fmt.Sprintf("failed to read %s: %v", input.Path, err)
		if errors.Is(err, sandbox.ErrFileNotFound) {
			msg = fmt.Sprintf("file not found: %s", input.Path)
		}
		b.endTool(call, false, msg)
		return Result{Output: msg, IsError: true}
	}
	content := truncate(string(data))
	b.endTool(call, true, content)
	return Result{Output: content}
}

type writeFileInput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (b *Bridge) execWriteFile(ctx context.Context, call Call) Result {
	var input writeFileInput
	if err := json.Unmarshal(call.Input, &input); err != nil {
		return b.validationFailure(call, fmt.Sprintf("write_file: invalid input: %v", err))
	}
	if input.Path == "" {
		return b.validationFailure(call, "write_file: 'path' is required and must be a non-empty string")
	}
	b.validationFailures = 0

	b.pub.Event(models.Event{Type: models.EventToolStart, ToolUseID: call.ID, Tool: ToolWriteFile, Description: input.Path})

	// Classify create vs modify before writing.
	existed := true
	if _, err := b.sb.ReadFile(ctx, input.Path); errors.Is(err, sandbox.ErrFileNotFound) {
		existed = false
	}

	if err := b.sb.WriteFile(ctx, input.Path, []byte(input.Content)); err != nil {
		msg := fmt.Sprintf("failed to write %s: %v", input.Path, err)
		b.pub.Event(models.Event{
			Type: models.EventError, Severity: "warning", Message: msg, Recoverable: boolPtr(true),
		})
		b.endTool(call, false, msg)
		return Result{Output: msg, IsError: true}
	}

	fileEvent := models.EventFileModified
	if !existed {
		fileEvent = models.EventFileCreated
	}
	b.pub.Event(models.Event{
		Type:     fileEvent,
		Path:     input.Path,
		Bytes:    len(input.Content),
		Language: inferLanguage(input.Path),
		Lines:    strings.Count(input.Content, "\n") + 1,
	})

	if strings.HasSuffix(input.Path, manifest.FileName) {
		b.emitManifest([]byte(input.Content))
	}

	output := fmt.Sprintf("File written: %s (%d bytes)", input.Path, len(input.Content))
	b.endTool(call, true, output)
	return Result{Output: output}
}

// emitManifest publishes a feature_list event for a manifest write. Parse
// failures are ignored; the agent often writes the file incrementally.
func (b *Bridge) emitManifest(content []byte) {
	features, err := manifest.Parse(content)
	if err != nil {
		return
	}
	progress := manifest.Progress(features)
	b.pub.Event(models.Event{
		Type:     models.EventFeatureList,
		Features: features,
		Progress: &progress,
	})
}

func (b *Bridge) endTool(call Call, success bool, output string) {
	b.pub.Event(models.Event{
		Type:      models.EventToolEnd,
		ToolUseID: call.ID,
		Tool:      call.Name,
		Success:   &success,
		Output:    truncate(output),
	})
}

func (b *Bridge) validationFailure(call Call, msg string) Result {
	b.validationFailures++
	b.pub.Event(models.Event{
		Type: models.EventError, Severity: "warning", Message: msg, Recoverable: boolPtr(true),
	})
	b.endTool(call, false, msg)
	if b.guidanceEnabled && b.validationFailures >= 3 {
		msg += formatGuidance
	}
	return Result{Output: msg, IsError: true}
}

func formatExecOutput(stdout, stderr string, exitCode int) string {
	var sb strings.Builder
	sb.WriteString(stdout)
	if stderr != "" {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("stderr:\n")
		sb.WriteString(stderr)
	}
	if exitCode != 0 {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "exit code: %d", exitCode)
	}
	if sb.Len() == 0 {
		return "(no output)"
	}
	return truncate(sb.String())
}

func truncate(s string) string {
	if len(s) <= outputLimit {
		return s
	}
	return s[:outputLimit] + "\n... (output truncated)"
}

func boolPtr(v bool) *bool { return &v }

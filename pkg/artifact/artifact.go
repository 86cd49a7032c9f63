// Package artifact captures a build's sandbox workspace and publishes it to
// the object store as a zip archive.
package artifact

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/forgebuild/forge/pkg/objectstore"
	"github.com/forgebuild/forge/pkg/sandbox"
)

// WorkspacePath is the sandbox directory captured into the artifact.
const WorkspacePath = "/home/user"

// ErrEmptyArchive is returned when the workspace download contains no
// regular files.
var ErrEmptyArchive = errors.New("artifact: archive contains no files")

// Key returns the object-store key for a build's artifact.
func Key(buildID string) string {
	return fmt.Sprintf("builds/%s/artifacts.zip", buildID)
}

// Pipeline converts workspace downloads and uploads them.
type Pipeline struct {
	store objectstore.Store
}

// NewPipeline creates a pipeline over the given store.
func NewPipeline(store objectstore.Store) *Pipeline {
	return &Pipeline{store: store}
}

// Capture downloads the workspace from the sandbox, converts it to a zip,
// and uploads it under the build's artifact key. Returns the key.
func (p *Pipeline) Capture(ctx context.Context, buildID string, sb sandbox.Sandbox) (string, error) {
	data, err := sb.DownloadDir(ctx, WorkspacePath)
	if err != nil {
		return "", fmt.Errorf("download workspace: %w", err)
	}
	zipped, err := TarToZip(data)
	if err != nil {
		return "", fmt.Errorf("convert workspace archive: %w", err)
	}

	key := Key(buildID)
	err = p.store.Upload(ctx, key, zipped, objectstore.PutOptions{
		ContentType: "application/zip",
		Metadata: map[string]string{
			"buildId":      buildID,
			"originalPath": WorkspacePath,
			"createdAt":    time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return "", fmt.Errorf("upload artifact: %w", err)
	}
	return key, nil
}

// TarToZip converts a tar archive, gzipped or not, into a zip. Only regular
// files are carried over; entry names lose any leading "./".
func TarToZip(data []byte) ([]byte, error) {
	var src io.Reader = bytes.NewReader(data)
	if len(data) >= 2 && data[0] == 0x1F && data[1] == 0x8B {
		gz, err := gzip.NewReader(src)
		if err != nil {
			return nil, fmt.Errorf("open gzip stream: %w", err)
		}
		defer gz.Close()
		src = gz
	}

	var out bytes.Buffer
	zw := zip.NewWriter(&out)
	files := 0

	tr := tar.NewReader(src)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := strings.TrimPrefix(hdr.Name, "./")
		if name == "" {
			continue
		}
		w, err := zw.Create(name)
		if err != nil {
			return nil, fmt.Errorf("create zip entry %s: %w", name, err)
		}
		if _, err := io.Copy(w, tr); err != nil {
			return nil, fmt.Errorf("copy zip entry %s: %w", name, err)
		}
		files++
	}
	if files == 0 {
		return nil, ErrEmptyArchive
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalize zip: %w", err)
	}
	return out.Bytes(), nil
}

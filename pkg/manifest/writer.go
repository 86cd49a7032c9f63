package manifest

import (
	"context"
	"fmt"

	"github.com/forgebuild/forge/pkg/models"
)

// FileStore is the slice of the sandbox surface the writer needs.
// Satisfied by sandbox.Sandbox.
type FileStore interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
}

// Writer serializes all manifest mutations for one build through a single
// worker goroutine. Every mutation reads the latest file, applies the change,
// and writes the result back, so readers always observe a consistent
// manifest and updates are naturally ordered without an explicit lock.
type Writer struct {
	fs   FileStore
	path string

	reqCh  chan request
	doneCh chan struct{}
}

type request struct {
	ctx   context.Context
	apply func([]models.Feature) error // nil apply = read-only load
	reply chan result
}

type result struct {
	features []models.Feature
	err      error
}

// NewWriter creates a Writer for the manifest at path and starts its worker.
func NewWriter(fs FileStore, path string) *Writer {
	if path == "" {
		path = DefaultPath
	}
	w := &Writer{
		fs:     fs,
		path:   path,
		reqCh:  make(chan request),
		doneCh: make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *Writer) run() {
	for req := range w.reqCh {
		req.reply <- w.handle(req)
	}
	close(w.doneCh)
}

func (w *Writer) handle(req request) result {
	data, err := w.fs.ReadFile(req.ctx, w.path)
	if err != nil {
		return result{err: fmt.Errorf("manifest: read %s: %w", w.path, err)}
	}
	features, err := Parse(data)
	if err != nil {
		return result{err: err}
	}
	if req.apply == nil {
		return result{features: features}
	}
	if err := req.apply(features); err != nil {
		return result{err: err}
	}
	encoded, err := Encode(features)
	if err != nil {
		return result{err: err}
	}
	if err := w.fs.WriteFile(req.ctx, w.path, encoded); err != nil {
		return result{err: fmt.Errorf("manifest: write %s: %w", w.path, err)}
	}
	return result{features: features}
}

func (w *Writer) submit(ctx context.Context, apply func([]models.Feature) error) ([]models.Feature, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	req := request{ctx: ctx, apply: apply, reply: make(chan result, 1)}
	select {
	case w.reqCh <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-req.reply:
		return res.features, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Load returns the current manifest. Serialized with mutations, so a Load
// never observes a half-applied update.
func (w *Writer) Load(ctx context.Context) ([]models.Feature, error) {
	return w.submit(ctx, nil)
}

// MarkPassed sets passes=true on the feature with the given description and
// returns the updated manifest. Passes is monotonic: a feature that already
// passes is left untouched.
func (w *Writer) MarkPassed(ctx context.Context, description string) ([]models.Feature, error) {
	return w.submit(ctx, func(features []models.Feature) error {
		for i := range features {
			if features[i].Description == description {
				features[i].Passes = true
				return nil
			}
		}
		return fmt.Errorf("manifest: unknown feature %q", description)
	})
}

// Close stops the worker. Pending submissions complete first.
func (w *Writer) Close() {
	close(w.reqCh)
	<-w.doneCh
}

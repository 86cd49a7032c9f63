package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Fake is an in-memory Sandbox for tests. Files live in a map; Exec is
// routed to a configurable handler. Safe for concurrent use.
type Fake struct {
	id string

	mu    sync.Mutex
	files map[string][]byte

	// ExecFunc handles Exec calls. Defaults to exit 0 with empty output.
	ExecFunc func(ctx context.Context, cmd string) (*ExecResult, error)

	destroyed bool
	timeouts  []time.Duration
}

// NewFake creates a fake sandbox with the given ID.
func NewFake(id string) *Fake {
	return &Fake{id: id, files: make(map[string][]byte)}
}

func (f *Fake) ID() string { return f.id }

func (f *Fake) Exec(ctx context.Context, cmd string) (*ExecResult, error) {
	if f.ExecFunc != nil {
		return f.ExecFunc(ctx, cmd)
	}
	return &ExecResult{}, nil
}

func (f *Fake) ReadFile(_ context.Context, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (f *Fake) WriteFile(_ context.Context, path string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)
	f.files[path] = stored
	return nil
}

// DownloadDir returns a tar archive of all files under the given prefix,
// with entry names relative to it.
func (f *Fake) DownloadDir(_ context.Context, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prefix := path
	if prefix != "" && prefix[len(prefix)-1] != '/' {
		prefix += "/"
	}

	names := make([]string, 0, len(f.files))
	for name := range f.files {
		if len(name) > len(prefix) && name[:len(prefix)] == prefix {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, name := range names {
		data := f.files[name]
		hdr := &tar.Header{
			Name: "./" + name[len(prefix):],
			Mode: 0o644,
			Size: int64(len(data)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := tw.Write(data); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (f *Fake) Destroy(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = true
	return nil
}

func (f *Fake) SetTimeout(_ context.Context, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timeouts = append(f.timeouts, d)
	return nil
}

func (f *Fake) GetHost(_ context.Context, port int) (string, error) {
	return fmt.Sprintf("%d-%s.fake.dev", port, f.id), nil
}

// Destroyed reports whether Destroy was called.
func (f *Fake) Destroyed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

// HasFile reports whether the fake filesystem contains path.
func (f *Fake) HasFile(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.files[path]
	return ok
}

// FakeProvider is an in-memory Provider for tests.
type FakeProvider struct {
	mu        sync.Mutex
	sandboxes map[string]*Fake
	nextID    int

	// CreateErr, when set, is returned by Create.
	CreateErr error
}

// NewFakeProvider creates an empty provider.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{sandboxes: make(map[string]*Fake)}
}

func (p *FakeProvider) Create(_ context.Context, _ CreateParams) (Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CreateErr != nil {
		return nil, p.CreateErr
	}
	p.nextID++
	sb := NewFake(fmt.Sprintf("sbx-%d", p.nextID))
	p.sandboxes[sb.ID()] = sb
	return sb, nil
}

func (p *FakeProvider) Get(_ context.Context, id string) (Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sb, ok := p.sandboxes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sb, nil
}

// Sandbox returns the fake with the given ID for test assertions.
func (p *FakeProvider) Sandbox(id string) *Fake {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sandboxes[id]
}

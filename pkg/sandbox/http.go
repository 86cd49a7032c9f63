package sandbox

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPProvider talks to a sandbox provider's REST API. The provider is
// expected to expose create/get/destroy for sandboxes and per-sandbox
// exec, file, download, timeout, and host endpoints.
type HTTPProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPProvider creates a provider client. baseURL has no trailing slash.
func NewHTTPProvider(baseURL, apiKey string) *HTTPProvider {
	return &HTTPProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		// Long default: exec and download calls can take minutes.
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

type createRequest struct {
	Template       string            `json:"template"`
	TimeoutSeconds int               `json:"timeoutSeconds"`
	Env            map[string]string `json:"env,omitempty"`
}

type sandboxInfo struct {
	ID string `json:"id"`
}

// Create provisions a new sandbox.
func (p *HTTPProvider) Create(ctx context.Context, params CreateParams) (Sandbox, error) {
	var info sandboxInfo
	err := p.doJSON(ctx, http.MethodPost, "/sandboxes", createRequest{
		Template:       params.Template,
		TimeoutSeconds: params.TimeoutSeconds,
		Env:            params.Env,
	}, &info)
	if err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}
	return &httpSandbox{provider: p, id: info.ID}, nil
}

// Get resolves an existing sandbox by ID.
func (p *HTTPProvider) Get(ctx context.Context, id string) (Sandbox, error) {
	var info sandboxInfo
	err := p.doJSON(ctx, http.MethodGet, "/sandboxes/"+url.PathEscape(id), nil, &info)
	if err != nil {
		return nil, err
	}
	return &httpSandbox{provider: p, id: info.ID}, nil
}

// doJSON issues a JSON request and decodes the response into out (if non-nil).
func (p *HTTPProvider) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-API-Key", p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: HTTP %d: %s", method, path, resp.StatusCode, msg)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// doRaw issues a request and returns the raw response body.
func (p *HTTPProvider) doRaw(ctx context.Context, method, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-API-Key", p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%s %s: HTTP %d: %s", method, path, resp.StatusCode, msg)
	}

	return io.ReadAll(resp.Body)
}

// httpSandbox is a Sandbox backed by the provider's REST API.
type httpSandbox struct {
	provider *HTTPProvider
	id       string
}

func (s *httpSandbox) ID() string { return s.id }

func (s *httpSandbox) path(suffix string) string {
	return "/sandboxes/" + url.PathEscape(s.id) + suffix
}

func (s *httpSandbox) Exec(ctx context.Context, cmd string) (*ExecResult, error) {
	var out struct {
		Stdout   string `json:"stdout"`
		Stderr   string `json:"stderr"`
		ExitCode int    `json:"exitCode"`
	}
	err := s.provider.doJSON(ctx, http.MethodPost, s.path("/exec"),
		map[string]string{"cmd": cmd}, &out)
	if err != nil {
		return nil, fmt.Errorf("exec: %w", err)
	}
	return &ExecResult{Stdout: out.Stdout, Stderr: out.Stderr, ExitCode: out.ExitCode}, nil
}

func (s *httpSandbox) ReadFile(ctx context.Context, path string) ([]byte, error) {
	var out struct {
		Content string `json:"content"` // base64
	}
	err := s.provider.doJSON(ctx, http.MethodGet,
		s.path("/files?path="+url.QueryEscape(path)), nil, &out)
	if err != nil {
		if err == ErrNotFound {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	data, err := base64.StdEncoding.DecodeString(out.Content)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return data, nil
}

func (s *httpSandbox) WriteFile(ctx context.Context, path string, data []byte) error {
	err := s.provider.doJSON(ctx, http.MethodPut, s.path("/files"), map[string]string{
		"path":    path,
		"content": base64.StdEncoding.EncodeToString(data),
	}, nil)
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (s *httpSandbox) DownloadDir(ctx context.Context, path string) ([]byte, error) {
	data, err := s.provider.doRaw(ctx, http.MethodGet,
		s.path("/download?path="+url.QueryEscape(path)))
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", path, err)
	}
	return data, nil
}

func (s *httpSandbox) Destroy(ctx context.Context) error {
	if err := s.provider.doJSON(ctx, http.MethodDelete, s.path(""), nil, nil); err != nil {
		return fmt.Errorf("destroy: %w", err)
	}
	return nil
}

func (s *httpSandbox) SetTimeout(ctx context.Context, d time.Duration) error {
	err := s.provider.doJSON(ctx, http.MethodPost, s.path("/timeout"),
		map[string]int64{"timeoutMs": d.Milliseconds()}, nil)
	if err != nil {
		return fmt.Errorf("set timeout: %w", err)
	}
	return nil
}

func (s *httpSandbox) GetHost(ctx context.Context, port int) (string, error) {
	var out struct {
		Host string `json:"host"`
	}
	err := s.provider.doJSON(ctx, http.MethodGet,
		s.path(fmt.Sprintf("/host?port=%d", port)), nil, &out)
	if err != nil {
		return "", fmt.Errorf("get host: %w", err)
	}
	return out.Host, nil
}

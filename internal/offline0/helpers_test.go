package offline0

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testOrigin = "https://blog.example.com"

var errOffline = errors.New("network unreachable")

// fakeNetwork serves canned responses keyed by absolute URL and can be
// switched offline.
type fakeNetwork struct {
	mu      sync.Mutex
	pages   map[string]*Response
	offline bool
	failing map[string]bool
	calls   []string
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{pages: map[string]*Response{}, failing: map[string]bool{}}
}

func (n *fakeNetwork) set(path, contentType, body string) {
	n.setStatus(path, http.StatusOK, contentType, body)
}

func (n *fakeNetwork) setStatus(path string, status int, contentType, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	h := make(http.Header)
	h.Set("Content-Type", contentType)
	n.pages[testOrigin+path] = newResponse(status, h, []byte(body), testOrigin+path)
}

func (n *fakeNetwork) setOffline(v bool) {
	n.mu.Lock()
	n.offline = v
	n.mu.Unlock()
}

func (n *fakeNetwork) fail(path string) {
	n.mu.Lock()
	n.failing[testOrigin+path] = true
	n.mu.Unlock()
}

func (n *fakeNetwork) requested() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.calls...)
}

func (n *fakeNetwork) Fetch(ctx context.Context, req *http.Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	u := *req.URL
	u.Fragment = ""
	key := u.String()
	n.calls = append(n.calls, key)
	if n.offline || n.failing[key] {
		return nil, errOffline
	}
	if r, ok := n.pages[key]; ok {
		return r.Clone(), nil
	}
	h := make(http.Header)
	h.Set("Content-Type", "text/html; charset=utf-8")
	return newResponse(http.StatusNotFound, h, []byte("not found"), key), nil
}

// fakeForwarder answers every passthrough request with a fixed body.
type fakeForwarder struct {
	mu     sync.Mutex
	got    []string
	err    error
	body   string
	header http.Header
}

func (f *fakeForwarder) Forward(_ context.Context, req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	f.got = append(f.got, req.Method+" "+req.URL.String())
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	h := f.header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	h.Set("Content-Type", "text/plain")
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(f.body)),
	}, nil
}

func (f *fakeForwarder) forwarded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.got...)
}

// blogNetwork has every default precache asset plus a post.
func blogNetwork() *fakeNetwork {
	n := newFakeNetwork()
	n.set("/", "text/html; charset=utf-8", "<html>home</html>")
	n.set("/index.html", "text/html; charset=utf-8", "<html>home</html>")
	n.set("/manifest.json", "application/json", `{"name":"blog"}`)
	n.set("/css/index.css", "text/css", "body{margin:0}")
	n.set("/img/butterfly-icon.png", "image/png", "\x89PNG-icon")
	n.set("/img/favicon.png", "image/png", "\x89PNG-favicon")
	n.set("/posts/hello/", "text/html; charset=utf-8", "<html>hello</html>")
	return n
}

func testSettings(t *testing.T, version string) Settings {
	t.Helper()
	cfg := Config{Version: version}
	cfg.Server.Origin = testOrigin
	require.NoError(t, cfg.compile())
	return cfg.Settings()
}

func newTestStorage(t *testing.T) *CacheStorage {
	t.Helper()
	s, err := NewMemCacheStorage(StorageOptions{}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func getRequest(t *testing.T, rawURL string, accept string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	require.NoError(t, err)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	return req
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func syncStorage(t *testing.T, s *CacheStorage) {
	t.Helper()
	require.NoError(t, s.Sync(context.Background()))
}

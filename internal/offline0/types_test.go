package offline0

import (
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestKey(t *testing.T) {
	cases := map[string]string{
		"https://Blog.Example.com/posts/#top": "https://blog.example.com/posts/",
		"HTTPS://blog.example.com":            "https://blog.example.com/",
		"https://blog.example.com/a?b=1":      "https://blog.example.com/a?b=1",
	}
	for in, want := range cases {
		assert.Equal(t, want, requestKey(mustURL(t, in)), in)
	}
}

func TestNewResponseDropsContentLength(t *testing.T) {
	h := make(http.Header)
	h.Set("Content-Length", "999")
	h.Set("ETag", `"abc"`)
	r := newResponse(http.StatusOK, h, []byte("abc"), "u")

	assert.Empty(t, r.Header.Get("Content-Length"))
	assert.Equal(t, `"abc"`, r.Header.Get("ETag"))
	assert.Equal(t, "999", h.Get("Content-Length"), "caller's header is not modified")
}

func TestResponseHTTPResponse(t *testing.T) {
	r := offlineResponse("https://blog.example.com/x.png")
	req := getRequest(t, "https://blog.example.com/x.png", "")

	hr := r.HTTPResponse(req)
	assert.Equal(t, http.StatusServiceUnavailable, hr.StatusCode)
	assert.Equal(t, "503 Service Unavailable", hr.Status)
	assert.Equal(t, "7", hr.Header.Get("Content-Length"))
	assert.Same(t, req, hr.Request)
	b, err := io.ReadAll(hr.Body)
	require.NoError(t, err)
	assert.Equal(t, "Offline", string(b))
}

func TestResponseContentType(t *testing.T) {
	h := make(http.Header)
	h.Set("Content-Type", "Text/HTML; charset=utf-8")
	assert.Equal(t, "text/html", newResponse(200, h, nil, "").contentType())
	assert.Equal(t, "", newResponse(200, nil, nil, "").contentType())
}

func TestRemoveHopHeaders(t *testing.T) {
	h := make(http.Header)
	h.Set("Connection", "Upgrade, X-Private")
	h.Set("Upgrade", "websocket")
	h.Set("X-Private", "1")
	h.Set("Te", "trailers")
	h.Set("Content-Type", "text/plain")

	removeHopHeaders(h)
	assert.Equal(t, http.Header{"Content-Type": {"text/plain"}}, h)
}

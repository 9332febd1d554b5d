package offline0

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOriginNetworkFetchRewritesToUpstream(t *testing.T) {
	seen := make(chan [3]string, 1)
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- [3]string{r.URL.Path, r.Header.Get("Accept"), r.Header.Get("Accept-Encoding")}
		w.Header().Set("Content-Type", "text/css")
		_, _ = io.WriteString(w, "body{}")
	}))
	defer up.Close()

	n := NewOriginNetwork(mustURL(t, testOrigin+"/"), mustURL(t, up.URL), 5*time.Second)
	defer n.CloseIdleConnections()

	req := getRequest(t, testOrigin+"/css/index.css#x", "text/css")
	resp, err := n.Fetch(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "body{}", string(resp.Body))
	assert.Equal(t, [3]string{"/css/index.css", "text/css", "identity"}, <-seen)
	assert.Empty(t, resp.Header.Get("Content-Length"))
}

func TestOriginNetworkDoesNotFollowRedirects(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer up.Close()

	n := NewOriginNetwork(mustURL(t, testOrigin), mustURL(t, up.URL), 5*time.Second)
	defer n.CloseIdleConnections()

	resp, err := n.Fetch(context.Background(), getRequest(t, testOrigin+"/old", ""))
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, resp.Status)
	assert.False(t, resp.OK())
	assert.Equal(t, "/elsewhere", resp.Header.Get("Location"))
}

func TestOriginNetworkFetchFailsWhenUnreachable(t *testing.T) {
	up := httptest.NewServer(http.NotFoundHandler())
	addr := up.URL
	up.Close()

	n := NewOriginNetwork(mustURL(t, testOrigin), mustURL(t, addr), time.Second)
	_, err := n.Fetch(context.Background(), getRequest(t, testOrigin+"/", ""))
	assert.Error(t, err)
}

func TestOriginNetworkForwardKeepsMethodAndBody(t *testing.T) {
	seen := make(chan string, 1)
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen <- r.Method + " " + string(b)
		w.WriteHeader(http.StatusCreated)
	}))
	defer up.Close()

	n := NewOriginNetwork(mustURL(t, testOrigin), mustURL(t, up.URL), 5*time.Second)
	defer n.CloseIdleConnections()

	req, err := http.NewRequest(http.MethodPost, testOrigin+"/comments", strings.NewReader("hello"))
	require.NoError(t, err)
	resp, err := n.Forward(context.Background(), req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "POST hello", <-seen)
}

func TestOriginNetworkFetchAsksForFullRepresentation(t *testing.T) {
	seen := make(chan http.Header, 1)
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Clone()
		_, _ = io.WriteString(w, "full")
	}))
	defer up.Close()

	n := NewOriginNetwork(mustURL(t, testOrigin), mustURL(t, up.URL), 5*time.Second)
	defer n.CloseIdleConnections()

	req := getRequest(t, testOrigin+"/a.css", "text/css")
	for _, h := range partialHeaders {
		req.Header.Set(h, "x")
	}
	_, err := n.Fetch(context.Background(), req)
	require.NoError(t, err)

	got := <-seen
	for _, h := range partialHeaders {
		assert.Empty(t, got.Get(h), h)
	}
	assert.Equal(t, "text/css", got.Get("Accept"))
}

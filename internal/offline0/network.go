package offline0

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Network is what a worker fetches through. A returned error means the
// network failed (connection refused, timeout, offline); any HTTP status,
// including 5xx, is a successful fetch.
type Network interface {
	Fetch(ctx context.Context, req *http.Request) (*Response, error)
}

// Forwarder carries requests the worker does not intercept, unmodified.
type Forwarder interface {
	Forward(ctx context.Context, req *http.Request) (*http.Response, error)
}

// partialHeaders would turn the origin's answer into a 206 or 304; a worker
// fetch always asks for the full representation so it can be stored.
var partialHeaders = []string{
	"Range",
	"If-Range",
	"If-Match",
	"If-None-Match",
	"If-Modified-Since",
	"If-Unmodified-Since",
}

// OriginNetwork reaches the blog's origin over HTTP. Requests for the scope
// origin are sent to the upstream; anything else goes where its URL says.
type OriginNetwork struct {
	scope    *url.URL
	upstream *url.URL
	client   *http.Client
}

func NewOriginNetwork(scope, upstream *url.URL, timeout time.Duration) *OriginNetwork {
	return &OriginNetwork{
		scope:    scope,
		upstream: upstream,
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// CloseIdleConnections releases pooled connections.
func (n *OriginNetwork) CloseIdleConnections() { n.client.CloseIdleConnections() }

func (n *OriginNetwork) target(u *url.URL) *url.URL {
	out := *u
	if strings.EqualFold(u.Scheme, n.scope.Scheme) && strings.EqualFold(u.Host, n.scope.Host) {
		out.Scheme = n.upstream.Scheme
		out.Host = n.upstream.Host
	}
	out.Fragment = ""
	out.RawFragment = ""
	return &out
}

func (n *OriginNetwork) Fetch(ctx context.Context, r *http.Request) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.target(r.URL).String(), nil)
	if err != nil {
		return nil, err
	}
	copyHeaders(req.Header, r.Header)
	for _, h := range partialHeaders {
		req.Header.Del(h)
	}
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return newResponse(resp.StatusCode, resp.Header, body, r.URL.String()), nil
}

func (n *OriginNetwork) Forward(ctx context.Context, r *http.Request) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, r.Method, n.target(r.URL).String(), r.Body)
	if err != nil {
		return nil, err
	}
	req.ContentLength = r.ContentLength
	copyHeaders(req.Header, r.Header)
	removeHopHeaders(req.Header)
	return n.client.Do(req)
}

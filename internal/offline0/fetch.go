package offline0

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"go.uber.org/zap"
)

// FetchResult is the terminal state of one fetch event and the response
// chosen for it. Response is nil for OutcomePassthrough: the caller handles
// the request as if no worker existed.
type FetchResult struct {
	Outcome  Outcome
	Response *Response
}

func (w *Worker) fetch(ctx context.Context, ev Event) (Result, error) {
	return Result{Fetch: w.handleFetch(ctx, ev.Request)}, nil
}

// eligible reports whether req is the worker's to answer: a GET over
// http(s) for the scope origin, under the scope path, not bypassed by a rule.
func (w *Worker) eligible(req *http.Request) bool {
	if req == nil || req.URL == nil || req.Method != http.MethodGet {
		return false
	}
	u := req.URL
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	if !w.settings.sameOrigin(u) || !w.settings.inScope(u) {
		return false
	}
	if r := w.pickRule(u.Path); r != nil && r.bypasses(req) {
		return false
	}
	return true
}

func (w *Worker) pickRule(path string) *Rule {
	for i := range w.settings.Rules {
		r := &w.settings.Rules[i]
		if r.Matches(path) {
			return r
		}
	}
	return nil
}

// handleFetch is network-first: the live response wins and is copied into
// the cache in the background; on a network error the cache answers, then
// the offline document for page loads, then a 503.
func (w *Worker) handleFetch(ctx context.Context, req *http.Request) FetchResult {
	if !w.eligible(req) {
		return FetchResult{Outcome: OutcomePassthrough}
	}
	key := requestKey(req.URL)
	cache := w.caches.Cache(w.settings.Version)

	resp, err := w.network.Fetch(ctx, req)
	if err == nil {
		if w.cacheable(resp) {
			cache.PutAsync(key, resp)
		}
		return FetchResult{Outcome: OutcomeNetwork, Response: resp}
	}
	w.log.Debug("network failed, trying cache", zap.String("url", key), zap.Error(err))

	if cached, ok := w.match(cache, key); ok {
		return FetchResult{Outcome: OutcomeCache, Response: cached}
	}

	if acceptsHTML(req) {
		if doc, err := w.settings.scopeURL(w.settings.OfflineDocument); err == nil {
			if cached, ok := w.match(cache, requestKey(doc)); ok {
				return FetchResult{Outcome: OutcomeOffline, Response: cached}
			}
		}
		w.log.Warn("offline document not cached", zap.String("document", w.settings.OfflineDocument))
	}
	return FetchResult{Outcome: OutcomeUnavailable, Response: offlineResponse(key)}
}

func (w *Worker) match(cache *Cache, key string) (*Response, bool) {
	resp, ok, err := cache.Match(key)
	if err != nil {
		w.log.Warn("cache lookup failed", zap.String("url", key), zap.Error(err))
		return nil, false
	}
	return resp, ok
}

// cacheable reports whether a network response may be stored: a complete 2xx
// of an allowed content type. Partial content never is.
func (w *Worker) cacheable(resp *Response) bool {
	if !resp.OK() || resp.Status == http.StatusPartialContent {
		return false
	}
	if len(w.settings.CacheableTypes) == 0 {
		return true
	}
	return slices.Contains(w.settings.CacheableTypes, resp.contentType())
}

func acceptsHTML(req *http.Request) bool {
	for _, v := range req.Header.Values("Accept") {
		if strings.Contains(strings.ToLower(v), "text/html") {
			return true
		}
	}
	return false
}

package offline0

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// discoverSitemapURLs walks the configured sitemaps (following sitemap
// indexes) and returns the in-scope page paths they list, at most limit of
// them. Sitemaps are fetched through the worker's own network. A sitemap that
// cannot be read is logged and skipped; an error comes back only when none
// could be read.
func (w *Worker) discoverSitemapURLs(ctx context.Context) ([]string, error) {
	set := w.settings
	if len(set.Sitemaps) == 0 {
		return nil, nil
	}

	var (
		fetched, failed int
		lastErr         error
	)
	seenSitemaps := map[string]struct{}{}
	seenURLs := map[string]struct{}{}
	var out []string

	queue := make([]string, 0, len(set.Sitemaps))
	queue = append(queue, set.Sitemaps...)

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		u, err := set.scopeURL(strings.TrimSpace(queue[0]))
		queue = queue[1:]
		if err != nil {
			continue
		}
		smURL := u.String()
		if _, ok := seenSitemaps[smURL]; ok {
			continue
		}
		seenSitemaps[smURL] = struct{}{}

		doc, err := w.fetchSitemap(ctx, smURL)
		if err != nil {
			if ctx.Err() != nil {
				return out, err
			}
			failed++
			lastErr = fmt.Errorf("fetch sitemap %q: %w", smURL, err)
			w.log.Warn("sitemap skipped", zap.String("sitemap", smURL), zap.Error(err))
			continue
		}
		fetched++
		queue = append(queue, doc.Sitemaps...)

		kept := 0
		for _, loc := range doc.URLs {
			lu, err := set.scopeURL(strings.TrimSpace(loc))
			if err != nil || !set.sameOrigin(lu) || !set.inScope(lu) {
				continue
			}
			p := lu.RequestURI()
			if _, ok := seenURLs[p]; ok {
				continue
			}
			seenURLs[p] = struct{}{}
			out = append(out, p)
			kept++
			if set.SitemapLimit > 0 && len(out) >= set.SitemapLimit {
				w.log.Info("sitemap limit reached", zap.Int("limit", set.SitemapLimit))
				return out, nil
			}
		}
		w.log.Debug("sitemap read",
			zap.String("sitemap", smURL),
			zap.Int("urls", len(doc.URLs)),
			zap.Int("kept", kept))
	}
	if fetched == 0 && failed > 0 {
		return out, lastErr
	}
	return out, nil
}

func (w *Worker) fetchSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return sitemapDoc{}, err
	}
	req.Header.Set("Accept", "application/xml, text/xml")

	resp, err := w.network.Fetch(ctx, req)
	if err != nil {
		return sitemapDoc{}, err
	}
	if !resp.OK() {
		b := resp.Body
		if len(b) > 2048 {
			b = b[:2048]
		}
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", resp.Status, strings.TrimSpace(string(b)))
	}

	body := resp.Body
	// .gz sitemaps may or may not also carry Content-Encoding; sniff the magic.
	if strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b) {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			_ = gz.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	return doc, nil
}

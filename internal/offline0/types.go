package offline0

import (
	"bytes"
	"hash/crc32"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Response is an immutable snapshot of an HTTP response. It is what the
// network hands to the interceptor and what a cache generation stores.
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	URL      string
	StoredAt int64 // unix seconds
	Hash32   uint32
}

func newResponse(status int, header http.Header, body []byte, u string) *Response {
	h := cloneHeader(header)
	h.Del("Content-Length")
	return &Response{
		Status:   status,
		Header:   h,
		Body:     body,
		URL:      u,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(body),
	}
}

// offlineResponse is returned when neither the network nor the cache can
// answer a non-document request.
func offlineResponse(u string) *Response {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return newResponse(http.StatusServiceUnavailable, h, []byte("Offline"), u)
}

// OK reports whether the status is in the 2xx range.
func (r *Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

func (r *Response) Clone() *Response {
	out := *r
	out.Header = cloneHeader(r.Header)
	out.Body = bytes.Clone(r.Body)
	return &out
}

func (r *Response) contentType() string {
	ct := r.Header.Get("Content-Type")
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// HTTPResponse materialises the snapshot as an *http.Response for req.
func (r *Response) HTTPResponse(req *http.Request) *http.Response {
	h := cloneHeader(r.Header)
	h.Set("Content-Length", strconv.Itoa(len(r.Body)))
	return &http.Response{
		Status:        strconv.Itoa(r.Status) + " " + http.StatusText(r.Status),
		StatusCode:    r.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(r.Body)),
		ContentLength: int64(len(r.Body)),
		Request:       req,
	}
}

// requestKey normalises a request URL into a cache key. Fragments never
// reach the network and are dropped.
func requestKey(u *url.URL) string {
	k := *u
	k.Fragment = ""
	k.RawFragment = ""
	k.Scheme = strings.ToLower(k.Scheme)
	k.Host = strings.ToLower(k.Host)
	if k.Path == "" {
		k.Path = "/"
	}
	return k.String()
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return make(http.Header)
	}
	return h.Clone()
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

// hopHeaders apply to a single connection and are not forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, f := range strings.Split(v, ",") {
			if f = strings.TrimSpace(f); f != "" {
				h.Del(f)
			}
		}
	}
	for _, k := range hopHeaders {
		h.Del(k)
	}
}

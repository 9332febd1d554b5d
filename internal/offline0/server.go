package offline0

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

const (
	ControlPrefix  = "/_offline0"
	outcomeHeader  = "X-Offline0"
	outcomeRefused = "passthrough-refused"
)

// ServerOptions configures the HTTP front door.
type ServerOptions struct {
	// Scope resolves origin-form requests into absolute URLs.
	Scope          *url.URL
	AllowedOrigins []string
	Log            *zap.Logger
}

// Server turns inbound HTTP requests into fetch events.
type Server struct {
	reg    *Registration
	fwd    Forwarder
	scope  *url.URL
	log    *zap.Logger
	router chi.Router
}

func NewServer(reg *Registration, fwd Forwarder, opts ServerOptions) *Server {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{reg: reg, fwd: fwd, scope: opts.Scope, log: log}
	s.router = s.buildRouter(opts.AllowedOrigins)
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter(allowedOrigins []string) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if len(allowedOrigins) == 0 && s.scope != nil {
		allowedOrigins = []string{s.scope.Scheme + "://" + s.scope.Host}
	}
	r.Route(ControlPrefix, func(cr chi.Router) {
		cr.Use(cors.Handler(cors.Options{
			AllowedOrigins: allowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
		cr.Get("/status", s.serveStatus)
		cr.Post("/message", s.serveMessage)
	})

	r.HandleFunc("/*", s.intercept)
	return r
}

func (s *Server) serveStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(s.reg.Status())
}

// serveMessage accepts the message either as a bare text body
// ("skipWaiting") or as JSON {"data": "skipWaiting"}.
func (s *Server) serveMessage(w http.ResponseWriter, r *http.Request) {
	b, err := io.ReadAll(io.LimitReader(r.Body, 4096))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	data := strings.TrimSpace(string(b))
	if strings.HasPrefix(data, "{") {
		var msg struct {
			Data string `json:"data"`
		}
		if err := json.Unmarshal(b, &msg); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		data = msg.Data
	}
	if data == "" {
		http.Error(w, "empty message", http.StatusBadRequest)
		return
	}
	if err := s.reg.PostMessage(r.Context(), data); err != nil {
		s.log.Warn("message failed", zap.String("data", data), zap.Error(err))
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) intercept(w http.ResponseWriter, r *http.Request) {
	req := s.absolute(r)
	res := s.reg.Fetch(r.Context(), req)
	if res.Outcome == OutcomePassthrough {
		s.passthrough(w, req)
		return
	}
	writeResponse(w, res.Response, string(res.Outcome))
}

// absolute gives origin-form requests the scope's scheme and host; requests
// that arrived in absolute form (proxy style) keep their own URL.
func (s *Server) absolute(r *http.Request) *http.Request {
	if r.URL.IsAbs() || s.scope == nil {
		return r
	}
	u := *r.URL
	u.Scheme = s.scope.Scheme
	u.Host = s.scope.Host
	out := r.Clone(r.Context())
	out.URL = &u
	return out
}

// passthrough forwards requests the worker leaves alone. Only the scope
// origin is reachable this way; the front door is not a forward proxy.
func (s *Server) passthrough(w http.ResponseWriter, r *http.Request) {
	if s.scope == nil || !strings.EqualFold(r.URL.Scheme, s.scope.Scheme) || !strings.EqualFold(r.URL.Host, s.scope.Host) {
		s.log.Debug("cross-origin passthrough refused", zap.String("url", r.URL.String()))
		setOutcomeHeader(w.Header(), outcomeRefused)
		http.Error(w, "cross-origin request refused", http.StatusForbidden)
		return
	}
	resp, err := s.fwd.Forward(r.Context(), r)
	if err != nil {
		s.log.Debug("passthrough failed", zap.String("url", r.URL.String()), zap.Error(err))
		setOutcomeHeader(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	removeHopHeaders(resp.Header)
	for k, vs := range resp.Header {
		if strings.EqualFold(k, outcomeHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setOutcomeHeader(w.Header(), string(OutcomePassthrough))
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func writeResponse(w http.ResponseWriter, resp *Response, outcome string) {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, outcomeHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setOutcomeHeader(w.Header(), outcome)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func setOutcomeHeader(h http.Header, outcome string) {
	if outcome != "" {
		h.Set(outcomeHeader, outcome)
	}
	// Custom headers are invisible to page scripts in a CORS context unless exposed.
	ensureExposedHeader(h, outcomeHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.String("outcome", ww.Header().Get(outcomeHeader)),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

package offline0

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrUnknownEvent = errors.New("unknown event kind")

// MessageSkipWaiting asks a waiting worker to activate immediately.
const MessageSkipWaiting = "skipWaiting"

type EventKind int

const (
	EventInstall EventKind = iota
	EventActivate
	EventFetch
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventInstall:
		return "install"
	case EventActivate:
		return "activate"
	case EventFetch:
		return "fetch"
	case EventMessage:
		return "message"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is one lifecycle event delivered to a worker.
type Event struct {
	Kind    EventKind
	Request *http.Request // EventFetch; URL must be absolute
	Data    string        // EventMessage
}

// Result is what a handler hands back to the registration.
type Result struct {
	Fetch FetchResult

	// SkipWaiting asks the registration to activate this worker without
	// waiting for the previous version to let go.
	SkipWaiting bool

	// Purged lists the cache generations an activation deleted.
	Purged []string
}

type State int32

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	}
	return "unknown"
}

type handlerFunc func(ctx context.Context, ev Event) (Result, error)

// Worker is one version of the request-handling logic.
type Worker struct {
	id       uuid.UUID
	settings Settings
	caches   *CacheStorage
	network  Network
	log      *zap.Logger

	state    atomic.Int32
	handlers map[EventKind]handlerFunc
}

func NewWorker(settings Settings, caches *CacheStorage, network Network, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	id := uuid.New()
	w := &Worker{
		id:       id,
		settings: settings,
		caches:   caches,
		network:  network,
		log:      log.With(zap.String("worker", id.String()), zap.String("version", settings.Version)),
	}
	w.handlers = map[EventKind]handlerFunc{
		EventInstall:  w.install,
		EventActivate: w.activate,
		EventFetch:    w.fetch,
		EventMessage:  w.message,
	}
	return w
}

func (w *Worker) ID() uuid.UUID      { return w.id }
func (w *Worker) Settings() Settings { return w.settings }
func (w *Worker) State() State       { return State(w.state.Load()) }

func (w *Worker) setState(s State) {
	old := State(w.state.Swap(int32(s)))
	if old != s {
		w.log.Debug("worker state", zap.Stringer("from", old), zap.Stringer("to", s))
	}
}

// Dispatch runs the handler bound to ev.Kind.
func (w *Worker) Dispatch(ctx context.Context, ev Event) (Result, error) {
	h, ok := w.handlers[ev.Kind]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownEvent, ev.Kind)
	}
	return h(ctx, ev)
}

// install opens this version's cache generation and precaches the manifest.
// Individual asset failures are logged and skipped; the handler returns once
// every attempt has settled.
func (w *Worker) install(ctx context.Context, _ Event) (Result, error) {
	start := time.Now()
	w.log.Info("installing")

	cache, err := w.caches.Open(w.settings.Version)
	if err != nil {
		return Result{}, fmt.Errorf("open cache %q: %w", w.settings.Version, err)
	}

	manifest := w.manifest(ctx)

	var cached atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(w.settings.Concurrency, 1))
	for _, ref := range manifest {
		g.Go(func() error {
			if err := w.precache(gctx, cache, ref); err != nil {
				w.log.Warn("precache failed", zap.String("url", ref), zap.Error(err))
				return nil
			}
			cached.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	w.log.Info("installed",
		zap.Int64("precached", cached.Load()),
		zap.Int("manifest", len(manifest)),
		zap.Duration("took", time.Since(start)))
	return Result{SkipWaiting: w.settings.SkipWaiting}, nil
}

// manifest is the precache list plus sitemap discoveries, de-duplicated in
// order of first appearance.
func (w *Worker) manifest(ctx context.Context) []string {
	refs := append([]string(nil), w.settings.Precache...)
	discovered, err := w.discoverSitemapURLs(ctx)
	if err != nil {
		w.log.Warn("sitemap discovery failed", zap.Error(err))
	}
	refs = append(refs, discovered...)

	seen := make(map[string]struct{}, len(refs))
	out := refs[:0]
	for _, ref := range refs {
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		out = append(out, ref)
	}
	return out
}

func (w *Worker) precache(ctx context.Context, cache *Cache, ref string) error {
	u, err := w.settings.scopeURL(ref)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := w.network.Fetch(ctx, req)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("unexpected status %d", resp.Status)
	}
	return cache.Put(requestKey(u), resp)
}

// activate deletes every cache generation except the current one.
func (w *Worker) activate(ctx context.Context, _ Event) (Result, error) {
	w.log.Info("activating")

	var stale []string
	for _, name := range w.caches.Keys() {
		if name != w.settings.Version {
			stale = append(stale, name)
		}
	}

	purged := make([]bool, len(stale))
	g, _ := errgroup.WithContext(ctx)
	for i, name := range stale {
		g.Go(func() error {
			ok, err := w.caches.Delete(name)
			if err != nil {
				w.log.Warn("delete old cache failed", zap.String("cache", name), zap.Error(err))
				return nil
			}
			if ok {
				w.log.Info("deleted old cache", zap.String("cache", name))
			}
			purged[i] = ok
			return nil
		})
	}
	_ = g.Wait()

	var res Result
	for i, ok := range purged {
		if ok {
			res.Purged = append(res.Purged, stale[i])
		}
	}
	return res, nil
}

func (w *Worker) message(_ context.Context, ev Event) (Result, error) {
	if ev.Data == MessageSkipWaiting {
		w.log.Info("skipWaiting requested")
		return Result{SkipWaiting: true}, nil
	}
	w.log.Debug("ignoring message", zap.String("data", ev.Data))
	return Result{}, nil
}

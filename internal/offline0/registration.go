package offline0

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Registration binds worker versions to a scope. At most one worker is
// installing, one waiting and one active; the active one is the controller
// that fetch events go to.
type Registration struct {
	caches  *CacheStorage
	network Network
	log     *zap.Logger
	stats   *statsCollector

	// lifecycle serialises Register and PostMessage. Fetches never take it.
	lifecycle sync.Mutex

	installing atomic.Pointer[Worker]
	waiting    atomic.Pointer[Worker]
	active     atomic.Pointer[Worker]
}

func NewRegistration(caches *CacheStorage, network Network, log *zap.Logger) *Registration {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registration{
		caches:  caches,
		network: network,
		log:     log,
		stats:   newStatsCollector(),
	}
}

func (r *Registration) Active() *Worker  { return r.active.Load() }
func (r *Registration) Waiting() *Worker { return r.waiting.Load() }

// Register installs a worker built from settings. When the active worker
// already runs the same settings nothing happens and it is returned. The new
// worker is activated straight away if its installer asked to skip waiting
// or if nothing is active yet; otherwise it waits for a skipWaiting message.
func (r *Registration) Register(ctx context.Context, settings Settings) (*Worker, error) {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	if cur := r.active.Load(); cur != nil && cur.settings.Equal(settings) && r.waiting.Load() == nil {
		r.log.Debug("worker unchanged", zap.String("version", settings.Version))
		return cur, nil
	}

	w := NewWorker(settings, r.caches, r.network, r.log)
	r.installing.Store(w)
	w.setState(StateInstalling)

	res, err := w.Dispatch(ctx, Event{Kind: EventInstall})
	r.installing.Store(nil)
	if err != nil {
		w.setState(StateRedundant)
		return nil, fmt.Errorf("install %s: %w", settings.Version, err)
	}
	w.setState(StateInstalled)

	if old := r.waiting.Swap(w); old != nil {
		old.setState(StateRedundant)
	}

	if res.SkipWaiting || r.active.Load() == nil {
		r.activateWaiting(ctx)
	} else {
		r.log.Info("worker waiting", zap.String("version", settings.Version))
	}
	return w, nil
}

// activateWaiting promotes the waiting worker, runs its activation and makes
// it the controller. Callers hold r.lifecycle.
func (r *Registration) activateWaiting(ctx context.Context) {
	w := r.waiting.Swap(nil)
	if w == nil {
		return
	}
	w.setState(StateActivating)
	if _, err := w.Dispatch(ctx, Event{Kind: EventActivate}); err != nil {
		// The worker still takes over; stale caches are retried next activation.
		r.log.Warn("activate failed", zap.String("version", w.settings.Version), zap.Error(err))
	}
	w.setState(StateActivated)

	old := r.active.Swap(w)
	if old != nil && old != w {
		old.setState(StateRedundant)
	}
	r.log.Info("worker activated, clients claimed",
		zap.String("worker", w.id.String()),
		zap.String("version", w.settings.Version))
}

// PostMessage delivers data to the waiting worker, or to the active one if
// nothing is waiting.
func (r *Registration) PostMessage(ctx context.Context, data string) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	w := r.waiting.Load()
	if w == nil {
		w = r.active.Load()
	}
	if w == nil {
		return fmt.Errorf("no worker registered")
	}
	res, err := w.Dispatch(ctx, Event{Kind: EventMessage, Data: data})
	if err != nil {
		return err
	}
	if res.SkipWaiting && w == r.waiting.Load() {
		r.activateWaiting(ctx)
	}
	return nil
}

// Fetch hands req to the controlling worker. Without one the request passes
// through.
func (r *Registration) Fetch(ctx context.Context, req *http.Request) FetchResult {
	out := FetchResult{Outcome: OutcomePassthrough}
	if w := r.active.Load(); w != nil {
		res, err := w.Dispatch(ctx, Event{Kind: EventFetch, Request: req})
		if err != nil {
			r.log.Error("fetch dispatch failed", zap.Error(err))
		} else {
			out = res.Fetch
		}
	}

	n := 0
	if out.Response != nil {
		n = len(out.Response.Body)
	}
	r.stats.Observe(out.Outcome, n)
	return out
}

// WorkerStatus describes one worker slot.
type WorkerStatus struct {
	ID      string `json:"id"`
	Version string `json:"version"`
	State   string `json:"state"`
}

// Status is the registration as reported by the control API.
type Status struct {
	Scope      string        `json:"scope"`
	Installing *WorkerStatus `json:"installing,omitempty"`
	Waiting    *WorkerStatus `json:"waiting,omitempty"`
	Active     *WorkerStatus `json:"active,omitempty"`
	Caches     []Usage       `json:"caches"`
	Writes     WriteStats    `json:"writes"`
	Stats      StatsSnapshot `json:"stats"`
}

func workerStatus(w *Worker) *WorkerStatus {
	if w == nil {
		return nil
	}
	return &WorkerStatus{ID: w.id.String(), Version: w.settings.Version, State: w.State().String()}
}

func (r *Registration) Status() Status {
	st := Status{
		Installing: workerStatus(r.installing.Load()),
		Waiting:    workerStatus(r.waiting.Load()),
		Active:     workerStatus(r.active.Load()),
		Caches:     r.caches.Usage(),
		Writes:     r.caches.WriteStats(),
		Stats:      r.stats.Snapshot(),
	}
	if a := r.active.Load(); a != nil {
		st.Scope = a.settings.Scope.String()
	}
	return st
}

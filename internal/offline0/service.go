package offline0

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Service wires storage, network, registration and the HTTP front door for
// one configured scope.
type Service struct {
	cfg Config
	log *zap.Logger

	caches  *CacheStorage
	network *OriginNetwork
	reg     *Registration
	server  *Server

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewService opens the cache storage and registers the configured worker
// version, which installs (precaches) and activates it before returning.
func NewService(ctx context.Context, cfg Config, log *zap.Logger) (*Service, error) {
	caches, err := OpenCacheStorage(cfg.Storage.Path, cfg.StorageOptions(), log)
	if err != nil {
		return nil, err
	}
	return newService(ctx, cfg, caches, log)
}

func newService(ctx context.Context, cfg Config, caches *CacheStorage, log *zap.Logger) (*Service, error) {
	if log == nil {
		log = zap.NewNop()
	}
	settings := cfg.Settings()
	network := NewOriginNetwork(settings.Scope, settings.Upstream, cfg.NetworkTimeout())
	reg := NewRegistration(caches, network, log)

	s := &Service{
		cfg:     cfg,
		log:     log,
		caches:  caches,
		network: network,
		reg:     reg,
		stopCh:  make(chan struct{}),
	}
	s.server = NewServer(reg, network, ServerOptions{
		Scope:          settings.Scope,
		AllowedOrigins: cfg.Control.AllowedOrigins,
		Log:            log,
	})

	if _, err := reg.Register(ctx, settings); err != nil {
		_ = caches.Close()
		return nil, err
	}

	if every := cfg.StatsEvery(); every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}
	return s, nil
}

func (s *Service) Handler() http.Handler       { return s.server.Handler() }
func (s *Service) Registration() *Registration { return s.reg }

// Reload registers the worker described by cfg. Scope, upstream and storage
// are fixed for the life of the process.
func (s *Service) Reload(ctx context.Context, cfg Config) error {
	next := cfg.Settings()
	cur := s.cfg.Settings()
	if next.Scope.String() != cur.Scope.String() || next.Upstream.String() != cur.Upstream.String() {
		return fmt.Errorf("scope or origin changed, restart required")
	}
	if cfg.Storage != s.cfg.Storage {
		return fmt.Errorf("storage settings changed, restart required")
	}
	if _, err := s.reg.Register(ctx, next); err != nil {
		return err
	}
	s.cfg = cfg
	return nil
}

// Close stops background loops, flushes pending cache writes and closes
// the storage.
func (s *Service) Close() error {
	close(s.stopCh)
	s.wg.Wait()
	s.network.CloseIdleConnections()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.caches.Sync(ctx); err != nil {
		s.log.Warn("flush pending cache writes", zap.Error(err))
	}
	return s.caches.Close()
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			st := s.reg.Status()
			fields := []zap.Field{
				zap.Uint64("responses", st.Stats.Responses),
				zap.Stringer("respMin", ByteSize(st.Stats.MinRespBytes)),
				zap.Stringer("respAvg", ByteSize(st.Stats.AvgRespBytes)),
				zap.Stringer("respMax", ByteSize(st.Stats.MaxRespBytes)),
				zap.Uint64("written", st.Writes.Written),
				zap.Uint64("dropped", st.Writes.Dropped),
			}
			for _, o := range outcomes {
				fields = append(fields, zap.Uint64(string(o), st.Stats.Outcomes[o]))
			}
			for _, u := range st.Caches {
				fields = append(fields, zap.String("cache."+u.Name,
					fmt.Sprintf("%d entries, %s", u.Entries, u.Bytes)))
			}
			s.log.Info("stats", fields...)
		}
	}
}

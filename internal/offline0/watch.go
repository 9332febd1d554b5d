package offline0

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ConfigWatcher reloads the config file when it changes on disk and hands
// the result to onChange. The directory is watched rather than the file so
// editors that save by rename are seen too.
type ConfigWatcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func(context.Context, Config) error
	log      *zap.Logger
	debounce time.Duration

	done chan struct{}
}

func NewConfigWatcher(path string, onChange func(context.Context, Config) error, log *zap.Logger) (*ConfigWatcher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, err
	}
	return &ConfigWatcher{
		path:     abs,
		watcher:  w,
		onChange: onChange,
		log:      log,
		debounce: 500 * time.Millisecond,
		done:     make(chan struct{}),
	}, nil
}

// Run blocks until ctx is cancelled or the watcher is closed.
func (cw *ConfigWatcher) Run(ctx context.Context) {
	defer close(cw.done)

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != cw.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(cw.debounce)
			} else {
				timer.Reset(cw.debounce)
			}
			pending = timer.C

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.log.Warn("config watcher error", zap.Error(err))

		case <-pending:
			pending = nil
			cw.reload(ctx)
		}
	}
}

func (cw *ConfigWatcher) reload(ctx context.Context) {
	cfg, err := LoadConfig(cw.path)
	if err != nil {
		cw.log.Warn("config reload failed", zap.String("path", cw.path), zap.Error(err))
		return
	}
	if err := cw.onChange(ctx, cfg); err != nil {
		cw.log.Warn("config change rejected", zap.String("version", cfg.Version), zap.Error(err))
		return
	}
	cw.log.Info("config reloaded", zap.String("version", cfg.Version))
}

// Close stops the watcher; a running Run returns once the event channels close.
func (cw *ConfigWatcher) Close() error {
	return cw.watcher.Close()
}

// Done is closed when Run returns.
func (cw *ConfigWatcher) Done() <-chan struct{} { return cw.done }

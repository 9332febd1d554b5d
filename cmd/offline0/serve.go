package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"offline0/internal/offline0"
)

var watchConfig bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Install the configured version and serve requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		svc, err := offline0.NewService(ctx, cfg, log)
		if err != nil {
			return fmt.Errorf("init service: %w", err)
		}
		defer func() {
			if err := svc.Close(); err != nil {
				log.Warn("close", zap.Error(err))
			}
		}()

		if watchConfig {
			cw, err := offline0.NewConfigWatcher(cfgFile, svc.Reload, log)
			if err != nil {
				return fmt.Errorf("watch config: %w", err)
			}
			go cw.Run(ctx)
			defer func() {
				_ = cw.Close()
				<-cw.Done()
			}()
		}

		addr := fmt.Sprintf(":%d", cfg.Port())
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", addr, err)
		}

		srv := &http.Server{
			Handler:           svc.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			log.Info("offline0 listening",
				zap.String("addr", addr),
				zap.String("origin", cfg.Server.Origin),
				zap.String("scope", cfg.Scope.Origin+cfg.Scope.Path),
				zap.String("version", cfg.Version))
			err := srv.Serve(ln)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("server error", zap.Error(err))
				stop()
			}
		}()

		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	},
}

func init() {
	serveCmd.Flags().BoolVar(&watchConfig, "watch", false, "re-register the worker when the config file changes")
	rootCmd.AddCommand(serveCmd)
}

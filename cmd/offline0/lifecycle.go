package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"offline0/internal/offline0"
)

// runEvent dispatches one lifecycle event to a worker built from the config,
// against the on-disk cache storage, without serving traffic.
func runEvent(kind offline0.EventKind) (offline0.Result, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return offline0.Result{}, err
	}
	defer func() { _ = log.Sync() }()

	caches, err := offline0.OpenCacheStorage(cfg.Storage.Path, cfg.StorageOptions(), log)
	if err != nil {
		return offline0.Result{}, err
	}
	defer func() {
		if err := caches.Close(); err != nil {
			log.Warn("close storage", zap.Error(err))
		}
	}()

	settings := cfg.Settings()
	network := offline0.NewOriginNetwork(settings.Scope, settings.Upstream, cfg.NetworkTimeout())
	defer network.CloseIdleConnections()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w := offline0.NewWorker(settings, caches, network, log)
	return w.Dispatch(ctx, offline0.Event{Kind: kind})
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Precache the manifest into the configured version's cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := runEvent(offline0.EventInstall); err != nil {
			return fmt.Errorf("install: %w", err)
		}
		return nil
	},
}

var activateCmd = &cobra.Command{
	Use:   "activate",
	Short: "Delete every cache generation but the configured version",
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := runEvent(offline0.EventActivate)
		if err != nil {
			return fmt.Errorf("activate: %w", err)
		}
		for _, name := range res.Purged {
			fmt.Fprintf(os.Stdout, "deleted %s\n", name)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(activateCmd)
}

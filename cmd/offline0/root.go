package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"offline0/internal/offline0"
)

var (
	cfgFile  string
	logLevel string
	devLog   bool
)

var rootCmd = &cobra.Command{
	Use:   "offline0",
	Short: "Network-first offline cache in front of a static blog",
	Long: `offline0 sits in front of a static site and answers every request
network-first. Successful responses are copied into a versioned cache; when the
origin is unreachable the cache answers, then the offline page, then a 503.
Bumping the configured version installs a new cache generation and purges the
old ones.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", getenvDefault("OFFLINE0_CONFIG", offline0.DefaultConfigPath), "path to offline0.yaml")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level")
	rootCmd.PersistentFlags().BoolVar(&devLog, "dev", false, "human-readable development logging")
}

// loadConfig reads the config and builds the logger it asks for.
func loadConfig() (offline0.Config, *zap.Logger, error) {
	cfg, err := offline0.LoadConfig(cfgFile)
	if err != nil {
		return offline0.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	log, err := offline0.NewLogger(level, devLog)
	if err != nil {
		return offline0.Config{}, nil, err
	}
	return cfg, log, nil
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}

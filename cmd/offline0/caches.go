package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"offline0/internal/offline0"
)

var showKeys bool

var cachesCmd = &cobra.Command{
	Use:   "caches",
	Short: "List cache generations and their usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		caches, err := offline0.OpenCacheStorage(cfg.Storage.Path, cfg.StorageOptions(), log)
		if err != nil {
			return err
		}
		defer caches.Close()

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tENTRIES\tSIZE\tCURRENT")
		for _, u := range caches.Usage() {
			current := ""
			if u.Name == cfg.Version {
				current = "*"
			}
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", u.Name, u.Entries, u.Bytes, current)
		}
		if err := tw.Flush(); err != nil {
			return err
		}

		if showKeys {
			for _, name := range caches.Keys() {
				fmt.Fprintf(os.Stdout, "\n[%s]\n", name)
				for _, k := range caches.Cache(name).Keys() {
					fmt.Fprintln(os.Stdout, k)
				}
			}
		}
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration (file, env overrides and defaults)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := offline0.LoadConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(cfg)
	},
}

func init() {
	cachesCmd.Flags().BoolVar(&showKeys, "keys", false, "also list the request keys in every generation")
	rootCmd.AddCommand(cachesCmd)
	rootCmd.AddCommand(configCmd)
}

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/abelbrown/photoframe/internal/config"
	"github.com/abelbrown/photoframe/internal/store"
)

// dataDir returns the data directory, creating it if needed.
func dataDir(cmd *cobra.Command) (string, error) {
	dir, _ := cmd.Flags().GetString("data-dir")
	if dir == "" {
		dir = config.DataDir()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return dir, nil
}

// configPath returns the --config value or the default location.
func configPath(cmd *cobra.Command) string {
	if p, _ := cmd.Flags().GetString("config"); p != "" {
		return p
	}
	return config.ConfigPath()
}

// loadConfig reads the configuration, falling back to defaults when absent.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath(cmd))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// logLevel parses --log-level.
func logLevel(cmd *cobra.Command) (log.Level, error) {
	s, _ := cmd.Flags().GetString("log-level")
	lvl, err := log.ParseLevel(s)
	if err != nil {
		return log.InfoLevel, fmt.Errorf("invalid --log-level: %w", err)
	}
	return lvl, nil
}

// cachePath returns the configured store path, or cache.db in dir.
func cachePath(cfg *config.Config, dir string) string {
	if cfg.Cache.Path != "" {
		return cfg.Cache.Path
	}
	return filepath.Join(dir, "cache.db")
}

// openStore opens the media store for cfg.
func openStore(cfg *config.Config, dir string, opts ...store.Option) (*store.Store, error) {
	st, err := store.Open(cachePath(cfg, dir), cfg.Cache.MaxBytes(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	return st, nil
}

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/abelbrown/photoframe/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Create and inspect the configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter configuration",
	Long: `Write a starter configuration with one disabled Immich source.

Example:
  photoframe config init
  photoframe config init --config ~/.photoframe/config.yaml --server http://immich.lan:2283 --api-key KEY --album ALBUM_ID`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath(cmd)
		force, _ := cmd.Flags().GetBool("force")
		if _, err := os.Stat(path); err == nil && !force {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}

		server, _ := cmd.Flags().GetString("server")
		apiKey, _ := cmd.Flags().GetString("api-key")
		albums, _ := cmd.Flags().GetStringSlice("album")

		cfg := config.DefaultConfig()
		cfg.Sources = append(cfg.Sources, config.SourceConfig{
			ID:      "immich",
			Name:    "Immich",
			Type:    config.SourceImmich,
			Enabled: apiKey != "" && len(albums) > 0,
			Immich: &config.ImmichSource{
				ServerURL: server,
				APIKey:    apiKey,
				AlbumIDs:  albums,
			},
		})
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := cfg.Save(path); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		for i := range cfg.Sources {
			if im := cfg.Sources[i].Immich; im != nil && im.APIKey != "" {
				redacted := *im
				redacted.APIKey = "********"
				cfg.Sources[i].Immich = &redacted
			}
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	},
}

func init() {
	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")
	configInitCmd.Flags().String("server", "http://immich.local:2283", "Immich server URL")
	configInitCmd.Flags().String("api-key", "", "Immich API key")
	configInitCmd.Flags().StringSlice("album", nil, "album id to show (repeatable)")
	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}

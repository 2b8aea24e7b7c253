// Command photoframe runs the photo frame media service and its maintenance tools.
//
// Usage:
//
//	photoframe run [--tui]                          Serve the slideshow API
//	photoframe cache stats                          Cache occupancy and recent entries
//	photoframe cache clear                          Delete every cached photo
//	photoframe cache recache <source-id> <asset-id> Fetch and store one asset now
//	photoframe config init                          Write a starter config
package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "photoframe",
	Short: "Offline-capable photo frame backed by Immich",
	Long: strings.TrimSpace(`
Shows photos from one or more Immich servers and keeps a local cache so the
slideshow keeps running while the servers or the network are down.
`),
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file, .json or .yaml (default ~/.photoframe/config.json)")
	rootCmd.PersistentFlags().String("data-dir", "", "directory for the cache, logs and event log (default ~/.photoframe)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
}

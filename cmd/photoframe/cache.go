package main

import (
	"fmt"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/abelbrown/photoframe/internal/coord"
	"github.com/abelbrown/photoframe/internal/logging"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and manage the local photo cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache occupancy and the most recently shown photos",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		dir, err := dataDir(cmd)
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")

		st, err := openStore(cfg, dir)
		if err != nil {
			return err
		}
		defer st.Close()

		stats, err := st.Stats(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Cache:     %s\n", cachePath(cfg, dir))
		fmt.Fprintf(out, "Photos:    %s\n", humanize.Comma(int64(stats.EntryCount)))
		fmt.Fprintf(out, "Used:      %s of %s", humanize.Bytes(uint64(stats.TotalBytes)), humanize.Bytes(uint64(stats.CapacityBytes)))
		if stats.CapacityBytes > 0 {
			fmt.Fprintf(out, " (%.1f%%)", float64(stats.TotalBytes)/float64(stats.CapacityBytes)*100)
		}
		fmt.Fprintln(out)

		if limit <= 0 || stats.EntryCount == 0 {
			return nil
		}
		entries, err := st.Entries(cmd.Context(), limit)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "\nMost recently shown (%d):\n", len(entries))
		for _, e := range entries {
			fmt.Fprintf(out, "  %-38s %-12s %9s  %s\n",
				e.ItemID, e.SourceID, humanize.Bytes(uint64(e.ByteSize)), humanize.Time(e.LastAccessedAt))
		}
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every cached photo",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		dir, err := dataDir(cmd)
		if err != nil {
			return err
		}
		st, err := openStore(cfg, dir)
		if err != nil {
			return err
		}
		defer st.Close()

		before, err := st.Stats(cmd.Context())
		if err != nil {
			return err
		}
		if err := st.Clear(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d photos (%s)\n", before.EntryCount, humanize.Bytes(uint64(before.TotalBytes)))
		return nil
	},
}

var cacheRecacheCmd = &cobra.Command{
	Use:   "recache <source-id> <asset-id>",
	Short: "Fetch one asset from its source and store it now",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		dir, err := dataDir(cmd)
		if err != nil {
			return err
		}
		level, err := logLevel(cmd)
		if err != nil {
			return err
		}
		logging.InitWriter(cmd.ErrOrStderr(), level)

		st, err := openStore(cfg, dir)
		if err != nil {
			return err
		}
		defer st.Close()

		c, err := coord.New(cfg, coord.Deps{Store: st})
		if err != nil {
			return err
		}
		defer c.Dispose()

		start := time.Now()
		if err := c.Recache(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cached %s from %s in %s\n", args[1], args[0], time.Since(start).Round(time.Millisecond))
		return nil
	},
}

func init() {
	cacheStatsCmd.Flags().Int("limit", 10, "number of recent entries to list (0 for none)")
	cacheCmd.AddCommand(cacheStatsCmd, cacheClearCmd, cacheRecacheCmd)
	rootCmd.AddCommand(cacheCmd)
}

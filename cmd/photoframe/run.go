package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/abelbrown/photoframe/internal/coord"
	"github.com/abelbrown/photoframe/internal/httpapi"
	"github.com/abelbrown/photoframe/internal/logging"
	"github.com/abelbrown/photoframe/internal/otel"
	"github.com/abelbrown/photoframe/internal/store"
	"github.com/abelbrown/photoframe/internal/ui"
)

// eventRingSize is how many recent events the dashboard overlay can show.
const eventRingSize = 512

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the slideshow service",
	Long: `Run the slideshow service: refresh item lists, prefetch upcoming photos,
cache them locally and serve them to the display over HTTP.

With --tui a status dashboard is shown in the terminal and logs go to
<data dir>/logs instead of stderr. SIGHUP reloads the config file and
applies the changes: a new quality clears the cache, and removed or
disabled sources lose their cached photos.`,
	Args: cobra.NoArgs,
	RunE: runService,
}

func init() {
	runCmd.Flags().Bool("tui", false, "show the terminal status dashboard")
	runCmd.Flags().String("addr", "", "HTTP listen address (overrides http.addr)")
	runCmd.Flags().Bool("trace", false, "log per-photo cache and prefetch events (also PHOTOFRAME_TRACE)")
	rootCmd.AddCommand(runCmd)
}

func runService(cmd *cobra.Command, args []string) error {
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
	tui, _ := cmd.Flags().GetBool("tui")
	if trace, _ := cmd.Flags().GetBool("trace"); trace {
		otel.SetTraceEnabled(true)
	}
	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = cfg.HTTP.Addr
	}

	// The dashboard owns the terminal, so logs go to a file.
	if tui {
		if err := logging.Init(dir, level); err != nil {
			return err
		}
	} else {
		logging.InitWriter(os.Stderr, level)
	}
	defer logging.Close()

	eventFile, err := os.OpenFile(filepath.Join(dir, "photoframe.events.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	defer eventFile.Close()
	events := otel.NewLogger(eventFile)
	defer events.Close()
	ring := otel.NewRingBuffer(eventRingSize)
	events.SetRingBuffer(ring)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	st, err := openStore(cfg, dir, store.WithLogger(events), store.WithMetrics(reg))
	if err != nil {
		return err
	}
	defer st.Close()

	c, err := coord.New(cfg, coord.Deps{Store: st, Logger: events})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logging.Info("Starting photoframe", "sources", len(cfg.EnabledSources()), "cache", cachePath(cfg, dir), "addr", addr)
	c.Start(ctx)
	go reloadOnHangup(ctx, cmd, c)

	api := httpapi.New(c, reg)
	api.Start(addr)

	if tui {
		err = runDashboard(ctx, c, ring)
	} else {
		<-ctx.Done()
	}

	// Graceful shutdown
	stop()
	api.Stop()
	c.Wait()
	c.Dispose()
	return err
}

// reloadOnHangup re-reads the config file on SIGHUP and applies it.
func reloadOnHangup(ctx context.Context, cmd *cobra.Command, c *coord.Coordinator) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			next, err := loadConfig(cmd)
			if err != nil {
				logging.Error("Config reload failed", "error", err)
				continue
			}
			if err := c.ApplyConfig(ctx, next); err != nil {
				logging.Error("Config apply failed", "error", err)
				continue
			}
			logging.Info("Config reloaded", "sources", len(next.EnabledSources()))
		}
	}
}

// runDashboard blocks until the dashboard quits or ctx is cancelled.
func runDashboard(ctx context.Context, c *coord.Coordinator, ring *otel.RingBuffer) error {
	app := ui.NewApp(ui.Commands{
		LoadStatus: func() tea.Cmd {
			return func() tea.Msg {
				return ui.StatusLoaded{Status: c.Status(ctx)}
			}
		},
		Advance: func() tea.Cmd {
			return func() tea.Msg {
				item, ok := c.Advance()
				return ui.SlideAdvanced{Item: item, OK: ok}
			}
		},
		Refresh: func() tea.Cmd {
			return func() tea.Msg {
				c.Refresh(ctx)
				return ui.StatusLoaded{Status: c.Status(ctx)}
			}
		},
		ClearCache: func() tea.Cmd {
			return func() tea.Msg {
				return ui.CacheCleared{Err: c.ClearCache(ctx)}
			}
		},
	}, ring, time.Second)

	program := tea.NewProgram(app, tea.WithAltScreen(), tea.WithContext(ctx))
	sub := c.Tracker().Subscribe(func(sourceID string, online bool) {
		program.Send(ui.HealthChanged{SourceID: sourceID, Online: online})
	})
	defer c.Tracker().Unsubscribe(sub)

	if _, err := program.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

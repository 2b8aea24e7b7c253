package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/abelbrown/photoframe/internal/otel"
)

// debugPanelChrome is the number of terminal lines consumed by DebugPanel's
// border (top + bottom = 2) and vertical padding (top + bottom = 2).
// Must be updated if DebugPanel style changes.
const debugPanelChrome = 4

// failureRows caps the failures section so recent events stay visible.
const failureRows = 3

// debugOverlay renders cache and health counters and the most recent events.
// Pure function with no side effects. Returns empty string if ring is nil.
func debugOverlay(ring *otel.RingBuffer, width, height int) string {
	if ring == nil {
		return ""
	}

	stats := ring.Stats()
	recent := ring.Last(20)

	var lines []string
	lines = append(lines, DebugHeaderStyle.Render("Cache Stats"))
	lines = append(lines, fmt.Sprintf("  Fetches:    %d complete, %d errors",
		stats[otel.KindFetchComplete], stats[otel.KindFetchError]))
	lines = append(lines, fmt.Sprintf("  Cache:      %d hits, %d misses, %d puts, %d evicted",
		stats[otel.KindCacheHit], stats[otel.KindCacheMiss], stats[otel.KindCachePut], stats[otel.KindCacheEvict]))
	lines = append(lines, fmt.Sprintf("  Fallbacks:  %d served, %d unavailable",
		stats[otel.KindResolveFallback], stats[otel.KindResolveFailed]))
	lines = append(lines, fmt.Sprintf("  Health:     %d transitions, %d network",
		stats[otel.KindHealthTransition], stats[otel.KindNetworkChange]))
	lines = append(lines, fmt.Sprintf("  Buffer:     %d / %d events", ring.Len(), ring.Cap()))
	lines = append(lines, "")

	if failures := ring.Filter(otel.KindFetchError, otel.KindResolveFailed, otel.KindCacheError); len(failures) > 0 {
		lines = append(lines, DebugHeaderStyle.Render("Recent Failures"))
		for _, e := range failures[max(len(failures)-failureRows, 0):] {
			lines = append(lines, fmt.Sprintf("  %6s  %-12s %s",
				formatAge(time.Since(e.Time)), truncateRunes(e.Source, 12), truncateRunes(e.ItemID+" "+e.Err, 48)))
		}
		lines = append(lines, "")
	}

	lines = append(lines, DebugHeaderStyle.Render("Recent Events"))
	for _, e := range recent {
		line := fmt.Sprintf("  %6s  %-18s", formatAge(time.Since(e.Time)), string(e.Kind))
		if e.ItemID != "" {
			line += "  " + truncateRunes(e.ItemID, 16)
		}
		if e.Msg != "" {
			line += "  " + truncateRunes(e.Msg, 40)
		}
		if e.Err != "" {
			line += "  ERR:" + truncateRunes(e.Err, 30)
		}
		lines = append(lines, line)
	}

	maxHeight := height - debugPanelChrome
	if maxHeight < 1 {
		maxHeight = 1
	}
	if len(lines) > maxHeight {
		lines = lines[:maxHeight]
	}

	panelWidth := 76
	if panelWidth > width-4 {
		panelWidth = width - 4
	}
	if panelWidth < 20 {
		panelWidth = 20
	}

	return DebugPanel.Width(panelWidth).Render(strings.Join(lines, "\n"))
}

// formatAge formats a duration as a compact human string.
// Handles negative durations from clock skew by clamping to "0ms".
func formatAge(d time.Duration) string {
	if d < 0 {
		return "0ms"
	}
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return fmt.Sprintf("%.0fm", d.Minutes())
	}
}

// debugStatusBar renders the status bar for the debug overlay.
func debugStatusBar(width int) string {
	keys := StatusBarKey.Render("D") + StatusBarText.Render(":close")
	return StatusBar.Width(width).Render("  [EVENTS]  " + keys)
}

package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	humanize "github.com/dustin/go-humanize"

	"github.com/abelbrown/photoframe/internal/coord"
)

// renderDashboard draws the status snapshot. Pure function.
func renderDashboard(st coord.Status, bar progress.Model, width int) string {
	var lines []string

	title := TitleStyle.Render("photoframe")
	if st.Offline {
		title += " " + OfflineBanner.Render("OFFLINE: "+strings.Join(st.OfflineSources, ", "))
	} else {
		title += " " + OnlineBadge.Render("online")
	}
	if !st.NetworkOnline {
		title += " " + OfflineBadge.Render("no network")
	}
	lines = append(lines, title)

	// Slideshow
	lines = append(lines, SectionHeader.Render("Slideshow"))
	if st.Current != nil {
		name := st.Current.Metadata.FileName
		if name == "" {
			name = st.Current.ID
		}
		lines = append(lines, fmt.Sprintf("  %s %d/%d  %s", LabelStyle.Render("showing"), st.Index+1, st.ItemCount, truncateRunes(name, 40)))
		if place := placeOf(st.Current.Metadata.City, st.Current.Metadata.Country); place != "" {
			lines = append(lines, "  "+MutedStyle.Render(place))
		}
	} else {
		lines = append(lines, "  "+MutedStyle.Render("no items"))
	}
	if !st.LastRefresh.IsZero() {
		lines = append(lines, fmt.Sprintf("  %s %s", LabelStyle.Render("refreshed"), humanize.Time(st.LastRefresh)))
	}

	// Sources
	lines = append(lines, SectionHeader.Render("Sources"))
	if len(st.Sources) == 0 {
		lines = append(lines, "  "+MutedStyle.Render("none configured"))
	}
	for _, s := range st.Sources {
		var badge string
		switch {
		case !s.Enabled:
			badge = MutedStyle.Render("disabled")
		case s.Online:
			badge = OnlineBadge.Render("online ")
		default:
			badge = OfflineBadge.Render("offline")
		}
		line := fmt.Sprintf("  %-18s %s  %4d items", truncateRunes(s.Name, 18), badge, s.Items)
		if s.ConsecutiveFailures > 0 {
			line += MutedStyle.Render(fmt.Sprintf("  %d failures", s.ConsecutiveFailures))
		}
		if s.LastError != "" && !s.Online {
			line += "  " + ErrorStyle.Render(truncateRunes(s.LastError, 40))
		}
		lines = append(lines, line)
	}

	// Cache
	lines = append(lines, SectionHeader.Render("Cache"))
	frac := 0.0
	if st.Cache.CapacityBytes > 0 {
		frac = float64(st.Cache.TotalBytes) / float64(st.Cache.CapacityBytes)
	}
	bar.Width = max(min(width-8, 50), 10)
	lines = append(lines, "  "+bar.ViewAs(frac))
	lines = append(lines, fmt.Sprintf("  %s / %s  %s",
		humanize.Bytes(uint64(st.Cache.TotalBytes)),
		humanize.Bytes(uint64(st.Cache.CapacityBytes)),
		MutedStyle.Render(humanize.Comma(int64(st.Cache.EntryCount))+" photos")))

	// Prefetch and background writes
	lines = append(lines, SectionHeader.Render("Prefetch"))
	lines = append(lines, fmt.Sprintf("  %s %s", LabelStyle.Render("window"), strings.Join(st.Window, " ")))
	lines = append(lines, fmt.Sprintf("  %s %d live, %d fetched, %d failed, %d stale",
		LabelStyle.Render("handles"), st.Prefetch.Live, st.Prefetch.Fetched, st.Prefetch.Failed, st.Prefetch.Stale))
	lines = append(lines, fmt.Sprintf("  %s %d pending, %d done, %d dropped",
		LabelStyle.Render("writes"), st.Work.PendingCount, st.Work.TotalCompleted, st.Work.TotalDropped))

	return strings.Join(lines, "\n")
}

func placeOf(city, country string) string {
	switch {
	case city != "" && country != "":
		return city + ", " + country
	case city != "":
		return city
	default:
		return country
	}
}

// renderStatusBar renders key hints and the last poll time.
func renderStatusBar(width int, polled time.Time, loading bool) string {
	keys := []string{
		StatusBarKey.Render("n") + StatusBarText.Render(":next"),
		StatusBarKey.Render("r") + StatusBarText.Render(":refresh"),
		StatusBarKey.Render("c") + StatusBarText.Render(":clear cache"),
		StatusBarKey.Render("D") + StatusBarText.Render(":events"),
		StatusBarKey.Render("q") + StatusBarText.Render(":quit"),
	}
	text := strings.Join(keys, "  ")
	if loading {
		text = "  loading...  " + text
	} else if !polled.IsZero() {
		text = "  " + polled.Format("15:04:05") + "  " + text
	}
	return StatusBar.Width(width).Render(text)
}

// truncateRunes shortens s to at most n runes, adding an ellipsis.
func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}

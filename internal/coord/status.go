package coord

import (
	"context"
	"time"

	"github.com/abelbrown/photoframe/internal/media"
	"github.com/abelbrown/photoframe/internal/offline"
	"github.com/abelbrown/photoframe/internal/prefetch"
	"github.com/abelbrown/photoframe/internal/store"
	"github.com/abelbrown/photoframe/internal/work"
)

// SourceStatus is the health row of one configured source.
type SourceStatus struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	Enabled             bool      `json:"enabled"`
	Online              bool      `json:"online"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	LastCheckedAt       time.Time `json:"last_checked_at,omitempty"`
	Items               int       `json:"items"`
}

// Status is everything the display layer polls.
type Status struct {
	offline.Status
	Sources     []SourceStatus `json:"sources"`
	Current     *media.Item    `json:"current,omitempty"`
	Index       int            `json:"index"`
	ItemCount   int            `json:"item_count"`
	Window      []string       `json:"window"`
	LastRefresh time.Time      `json:"last_refresh,omitempty"`
	Cache       store.Stats    `json:"cache"`
	Prefetch    prefetch.Stats `json:"prefetch"`
	Work        work.Stats     `json:"work"`
}

// Status snapshots health, slideshow position and cache usage.
// A store error leaves Cache zeroed.
func (c *Coordinator) Status(ctx context.Context) Status {
	st := Status{
		Status:   c.orch.Status(),
		Window:   c.pipeline.WindowIDs(),
		Prefetch: c.pipeline.Stats(),
		Work:     c.pool.Stats(),
	}
	if cs, err := c.store.Stats(ctx); err == nil {
		st.Cache = cs
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	st.ItemCount = len(c.items)
	st.LastRefresh = c.lastRefresh
	if len(c.items) > 0 {
		cur := c.items[c.index]
		st.Current = &cur
		st.Index = c.index
	}
	for _, sc := range c.cfg.Sources {
		row := SourceStatus{
			ID:      sc.ID,
			Name:    sc.DisplayName(),
			Enabled: sc.Enabled,
			Items:   len(c.lists[sc.ID]),
		}
		if h, ok := c.tracker.Health(sc.ID); ok {
			row.Online = h.IsOnline
			row.ConsecutiveFailures = h.ConsecutiveFailures
			row.LastError = h.LastError
			row.LastCheckedAt = h.LastCheckedAt
		}
		st.Sources = append(st.Sources, row)
	}
	return st
}

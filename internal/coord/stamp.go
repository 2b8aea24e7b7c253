package coord

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/abelbrown/photoframe/internal/config"
	"github.com/abelbrown/photoframe/internal/logging"
)

// appliedKey is the store meta key holding the stamp of the configuration
// the cache was last filled under.
const appliedKey = "applied_config"

// cacheStamp is the part of a configuration that decides what cached bytes
// mean. API keys are reduced to a digest before they reach the store.
type cacheStamp struct {
	Quality config.Quality        `json:"quality"`
	Sources []config.SourceConfig `json:"sources"`
}

func stampOf(cfg *config.Config) cacheStamp {
	st := cacheStamp{Quality: cfg.Quality, Sources: []config.SourceConfig{}}
	for _, sc := range cfg.Sources {
		if sc.Immich != nil {
			im := *sc.Immich
			im.AlbumIDs = slices.Clone(im.AlbumIDs)
			if im.APIKey != "" {
				sum := sha256.Sum256([]byte(im.APIKey))
				im.APIKey = hex.EncodeToString(sum[:8])
			}
			sc.Immich = &im
		}
		st.Sources = append(st.Sources, sc)
	}
	return st
}

func (s cacheStamp) config() *config.Config {
	return &config.Config{Quality: s.Quality, Sources: s.Sources}
}

func (c *Coordinator) saveStamp(ctx context.Context, cfg *config.Config) error {
	data, err := json.Marshal(stampOf(cfg))
	if err != nil {
		return fmt.Errorf("encode cache stamp: %w", err)
	}
	return c.store.SetMeta(ctx, appliedKey, string(data))
}

// reconcileCache drops cached entries that the previous run stored under a
// different quality or for sources that are gone, disabled or re-pointed.
// A non-empty cache without a stamp has unknown provenance and is cleared.
func (c *Coordinator) reconcileCache(ctx context.Context) error {
	raw, ok, err := c.store.Meta(ctx, appliedKey)
	if err != nil {
		return err
	}
	cur := stampOf(c.cfg)

	if !ok {
		st, err := c.store.Stats(ctx)
		if err != nil {
			return err
		}
		if st.EntryCount > 0 {
			logging.Warn("cache has no recorded configuration, clearing", "entries", st.EntryCount)
			if err := c.store.Clear(ctx); err != nil {
				return err
			}
		}
		return c.saveStamp(ctx, c.cfg)
	}

	var prev cacheStamp
	if err := json.Unmarshal([]byte(raw), &prev); err != nil {
		logging.Warn("unreadable cache stamp, clearing", "err", err)
		if err := c.store.Clear(ctx); err != nil {
			return err
		}
		return c.saveStamp(ctx, c.cfg)
	}

	ch := config.Diff(prev.config(), cur.config())
	if ch.QualityChanged {
		logging.Info("quality changed since last run, clearing cache", "from", prev.Quality, "to", cur.Quality)
		if err := c.store.Clear(ctx); err != nil {
			return err
		}
	} else {
		for _, id := range ch.Invalidated {
			n, err := c.store.RemoveBySource(ctx, id)
			if err != nil {
				return err
			}
			logging.Info("dropped cache of changed source", "source", id, "entries", n)
		}
	}
	return c.saveStamp(ctx, c.cfg)
}

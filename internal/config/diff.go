package config

import "slices"

// Changes lists the cache and health triggers implied by a config edit.
type Changes struct {
	// Registered: sources that are now enabled and were not before.
	Registered []string
	// Unregistered: sources that were enabled and are now removed or disabled.
	Unregistered []string
	// Invalidated: sources whose cached entries must be dropped.
	Invalidated []string
	// Rebuilt: sources whose adapter must be recreated (connection details changed).
	Rebuilt []string

	QualityChanged  bool
	CapacityChanged bool
	WindowChanged   bool
	RefreshChanged  bool
	SlideChanged    bool
}

// ItemsAffected reports whether the item list must be re-resolved.
func (c Changes) ItemsAffected() bool {
	return len(c.Registered) > 0 || len(c.Unregistered) > 0 || len(c.Invalidated) > 0 ||
		len(c.Rebuilt) > 0 || c.QualityChanged
}

// Diff compares two configurations. A nil old config means every enabled
// source in next is new.
func Diff(old, next *Config) Changes {
	var ch Changes
	prev := map[string]SourceConfig{}
	if old != nil {
		for _, s := range old.Sources {
			prev[s.ID] = s
		}
	}
	cur := map[string]SourceConfig{}
	for _, s := range next.Sources {
		cur[s.ID] = s
	}

	for _, s := range next.Sources {
		p, existed := prev[s.ID]
		switch {
		case s.Enabled && (!existed || !p.Enabled):
			ch.Registered = append(ch.Registered, s.ID)
		case !s.Enabled && existed && p.Enabled:
			ch.Unregistered = append(ch.Unregistered, s.ID)
			ch.Invalidated = append(ch.Invalidated, s.ID)
		case s.Enabled && existed:
			if connectionChanged(p, s) {
				ch.Rebuilt = append(ch.Rebuilt, s.ID)
				ch.Invalidated = append(ch.Invalidated, s.ID)
			} else if albumsChanged(p, s) {
				ch.Invalidated = append(ch.Invalidated, s.ID)
			}
		}
	}
	if old != nil {
		for _, p := range old.Sources {
			if _, ok := cur[p.ID]; ok {
				continue
			}
			if p.Enabled {
				ch.Unregistered = append(ch.Unregistered, p.ID)
			}
			ch.Invalidated = append(ch.Invalidated, p.ID)
		}
		ch.QualityChanged = old.Quality != next.Quality
		ch.CapacityChanged = old.Cache.MaxMB != next.Cache.MaxMB
		ch.WindowChanged = old.Prefetch.WindowSize != next.Prefetch.WindowSize
		ch.RefreshChanged = old.RefreshMinutes != next.RefreshMinutes ||
			old.Slideshow.Shuffle != next.Slideshow.Shuffle
		ch.SlideChanged = old.Slideshow.IntervalSeconds != next.Slideshow.IntervalSeconds
	}
	return ch
}

func connectionChanged(a, b SourceConfig) bool {
	if a.Type != b.Type {
		return true
	}
	if (a.Immich == nil) != (b.Immich == nil) {
		return true
	}
	if a.Immich == nil {
		return false
	}
	return a.Immich.ServerURL != b.Immich.ServerURL || a.Immich.APIKey != b.Immich.APIKey
}

func albumsChanged(a, b SourceConfig) bool {
	if a.Immich == nil || b.Immich == nil {
		return false
	}
	x := slices.Clone(a.Immich.AlbumIDs)
	y := slices.Clone(b.Immich.AlbumIDs)
	slices.Sort(x)
	slices.Sort(y)
	return !slices.Equal(x, y)
}

// Package ui provides the Bubble Tea status dashboard for the photo frame.
package ui

import (
	"github.com/abelbrown/photoframe/internal/coord"
	"github.com/abelbrown/photoframe/internal/media"
)

// StatusLoaded is sent when a status snapshot has been taken.
type StatusLoaded struct {
	Status coord.Status
	Err    error
}

// SlideAdvanced is sent after the slideshow moved on.
type SlideAdvanced struct {
	Item media.Item
	OK   bool
}

// CacheCleared is sent when the cache clear command finishes.
type CacheCleared struct {
	Err error
}

// HealthChanged is sent from the tracker listener on every online/offline edge.
type HealthChanged struct {
	SourceID string
	Online   bool
}

// StatusTick triggers periodic status polling.
type StatusTick struct{}

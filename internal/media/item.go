// Package media defines the items that flow from sources through the cache
// and prefetch layers to the display.
package media

import (
	"fmt"
	"time"
)

// Kind distinguishes photos from videos. Only images are cached or prefetched.
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// ParseKind maps a stored or wire value to a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindImage, KindVideo:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown media kind %q", s)
	}
}

// Metadata is descriptive data passed through untouched.
type Metadata struct {
	TakenAt     time.Time `json:"taken_at,omitempty"`
	Width       int       `json:"width,omitempty"`
	Height      int       `json:"height,omitempty"`
	City        string    `json:"city,omitempty"`
	Country     string    `json:"country,omitempty"`
	Description string    `json:"description,omitempty"`
	FileName    string    `json:"file_name,omitempty"`
}

// Item is one photo or video exposed by a source. Immutable after listing.
type Item struct {
	ID        string   `json:"id"`
	RemoteURI string   `json:"remote_uri"`
	SourceID  string   `json:"source_id"`
	Kind      Kind     `json:"kind"`
	Metadata  Metadata `json:"metadata"`
}

// IsVideo reports whether the item is streamed rather than cached.
func (i Item) IsVideo() bool {
	return i.Kind == KindVideo
}

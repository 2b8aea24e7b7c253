// Package otel provides structured observability for the photo frame.
//
// Events are typed structs serialized as JSONL lines. The Logger writes
// events asynchronously via a buffered channel and background drain goroutine.
// An optional RingBuffer keeps recent events in memory for the status dashboard.
package otel

import (
	"encoding/json"
	"time"
)

// Level defines event severity for filtering.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// EventKind identifies the category of an observability event.
// Dot-delimited: "<subsystem>.<action>".
type EventKind string

const (
	// Source fetches
	KindFetchStart    EventKind = "fetch.start"
	KindFetchComplete EventKind = "fetch.complete"
	KindFetchError    EventKind = "fetch.error"

	// Persistent media store
	KindCacheHit   EventKind = "cache.hit"
	KindCacheMiss  EventKind = "cache.miss"
	KindCachePut   EventKind = "cache.put"
	KindCacheEvict EventKind = "cache.evict"
	KindCacheClear EventKind = "cache.clear"
	KindCacheError EventKind = "cache.error"

	// Offline fallback
	KindResolveFallback EventKind = "resolve.fallback"
	KindResolveFailed   EventKind = "resolve.failed"

	// Source health
	KindHealthTransition EventKind = "health.transition"
	KindNetworkChange    EventKind = "health.network"

	// Prefetch pipeline
	KindPrefetchPass  EventKind = "prefetch.pass"
	KindPrefetchStale EventKind = "prefetch.stale"
	KindPrefetchItem  EventKind = "prefetch.item"

	// Item list refresh
	KindRefreshComplete EventKind = "refresh.complete"
	KindConfigApplied   EventKind = "config.applied"

	// System events
	KindStartup  EventKind = "sys.startup"
	KindShutdown EventKind = "sys.shutdown"
	KindError    EventKind = "sys.error"
)

// Event is the universal observability record. Every field except Kind and
// Time is optional. Serialized as a single JSONL line.
type Event struct {
	Time      time.Time      `json:"t"`
	Level     Level          `json:"level,omitempty"`
	Kind      EventKind      `json:"kind"`
	Comp      string         `json:"comp,omitempty"`       // component: "store", "health", "prefetch", "offline", "coord"
	SessionID string         `json:"session_id,omitempty"` // random hex, same for entire run
	ItemID    string         `json:"item,omitempty"`
	Source    string         `json:"source,omitempty"`
	Dur       time.Duration  `json:"-"` // not serialized directly
	DurMs     float64        `json:"dur_ms,omitempty"`
	Count     int            `json:"count,omitempty"`
	Bytes     int64          `json:"bytes,omitempty"`
	Err       string         `json:"err,omitempty"`
	Msg       string         `json:"msg,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// MarshalJSON implements json.Marshaler, converting Dur to DurMs.
func (e Event) MarshalJSON() ([]byte, error) {
	type Alias Event
	a := struct {
		Alias
	}{Alias: Alias(e)}
	if e.Dur > 0 {
		a.DurMs = float64(e.Dur) / float64(time.Millisecond)
	}
	return json.Marshal(a)
}

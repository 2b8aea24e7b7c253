// Package work runs background jobs off the display path.
//
// Cache writes after a successful fetch and explicit recaches are submitted
// here. Write-behind callers never wait on the media store; recaches run at
// high priority so they overtake queued writes.
package work

import (
	"context"
	"fmt"
	"time"

	"github.com/abelbrown/photoframe/internal/logging"
)

// LogEvent logs a job state change.
func LogEvent(event Event) {
	item := event.Item
	switch event.Change {
	case "started":
		logging.Debug("Work started",
			"id", item.ID,
			"type", item.Type,
			"desc", item.Description)
	case "completed":
		logging.Debug("Work completed",
			"id", item.ID,
			"type", item.Type,
			"desc", item.Description,
			"duration", item.Duration())
	case "failed":
		logging.Warn("Work failed",
			"id", item.ID,
			"type", item.Type,
			"desc", item.Description,
			"error", item.Error,
			"duration", item.Duration())
	case "dropped":
		logging.Warn("Work dropped",
			"type", item.Type,
			"desc", item.Description)
	}
}

// Type categorizes jobs for logs and stats.
type Type string

const (
	TypeCacheWrite Type = "cache-write" // Store a freshly fetched blob
	TypeRecache    Type = "recache"     // User-requested refetch
	TypeOther      Type = "other"
)

// Status represents the lifecycle state of a job.
type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// Priorities. Higher runs first.
const (
	PriorityNormal = 0
	PriorityHigh   = 10
)

// Item is one queued job.
type Item struct {
	ID          string
	Type        Type
	Status      Status
	Description string
	Source      string
	Priority    int

	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	Error      error

	fn        func(ctx context.Context) error
	seq       int64
	heapIndex int
}

// Duration returns how long the job took (or has been running).
func (i *Item) Duration() time.Duration {
	if i.FinishedAt.IsZero() {
		if i.StartedAt.IsZero() {
			return 0
		}
		return time.Since(i.StartedAt)
	}
	return i.FinishedAt.Sub(i.StartedAt)
}

// Event describes a job state change.
type Event struct {
	Item   *Item
	Change string // "started", "completed", "failed", "dropped"
}

// Stats tracks pool counters.
type Stats struct {
	TotalCreated   int64 `json:"total_created"`
	TotalCompleted int64 `json:"total_completed"`
	TotalFailed    int64 `json:"total_failed"`
	TotalDropped   int64 `json:"total_dropped"`
	WorkersActive  int   `json:"workers_active"`
	WorkersTotal   int   `json:"workers_total"`
	PendingCount   int   `json:"pending_count"`
}

// String returns a summary string for stats.
func (s Stats) String() string {
	return fmt.Sprintf("Active: %d  Pending: %d  Done: %d  Failed: %d  Dropped: %d",
		s.WorkersActive, s.PendingCount, s.TotalCompleted, s.TotalFailed, s.TotalDropped)
}

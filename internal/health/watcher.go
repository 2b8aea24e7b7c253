package health

import (
	"context"
	"time"

	"github.com/abelbrown/photoframe/internal/logging"
)

// ReachFunc checks host connectivity. A nil error means the network is up.
type ReachFunc func(ctx context.Context) error

// NetworkWatcher feeds host connectivity edges into a Tracker.
type NetworkWatcher struct {
	tracker  *Tracker
	reach    ReachFunc
	interval time.Duration
}

// NewNetworkWatcher creates a watcher that runs reach every interval.
func NewNetworkWatcher(t *Tracker, reach ReachFunc, interval time.Duration) *NetworkWatcher {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &NetworkWatcher{tracker: t, reach: reach, interval: interval}
}

// Check runs the reachability check once and reports the result to the tracker.
// Only network-classified errors count as offline.
func (w *NetworkWatcher) Check(ctx context.Context) bool {
	err := w.reach(ctx)
	online := err == nil || !Classify(err).IsNetwork()
	if ctx.Err() != nil {
		return w.tracker.NetworkOnline()
	}
	if online != w.tracker.NetworkOnline() {
		logging.Info("network connectivity changed", "online", online, "err", err)
	}
	w.tracker.SetNetworkOnline(online)
	return online
}

// Run checks reachability until ctx is cancelled.
func (w *NetworkWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Check(ctx)
		}
	}
}

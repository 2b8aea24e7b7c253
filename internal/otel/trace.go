package otel

import (
	"os"
	"sync/atomic"
)

// traceEnabled gates per-item events (cache hit/miss, prefetched item),
// which fire on every slide and would drown the default event log.
var traceEnabled atomic.Bool

func init() {
	traceEnabled.Store(os.Getenv("PHOTOFRAME_TRACE") != "")
}

// TraceEnabled reports whether per-item events are emitted. It starts from
// PHOTOFRAME_TRACE.
func TraceEnabled() bool {
	return traceEnabled.Load()
}

// SetTraceEnabled turns per-item events on or off.
func SetTraceEnabled(v bool) {
	traceEnabled.Store(v)
}

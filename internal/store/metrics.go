package store

import "github.com/prometheus/client_golang/prometheus"

// storeMetrics holds Prometheus metrics for cache operations.
// A nil *storeMetrics records nothing.
type storeMetrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	puts      prometheus.Counter
	evictions prometheus.Counter

	bytes    prometheus.Gauge
	entries  prometheus.Gauge
	capacity prometheus.Gauge
}

func newStoreMetrics(reg prometheus.Registerer) (*storeMetrics, error) {
	m := &storeMetrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "photoframe",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total number of cache hits",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "photoframe",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total number of cache misses",
		}),
		puts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "photoframe",
			Subsystem: "cache",
			Name:      "puts_total",
			Help:      "Total number of blobs written to the cache",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "photoframe",
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Total number of entries evicted to stay under capacity",
		}),
		bytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "photoframe",
			Subsystem: "cache",
			Name:      "bytes",
			Help:      "Bytes currently stored",
		}),
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "photoframe",
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Entries currently stored",
		}),
		capacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "photoframe",
			Subsystem: "cache",
			Name:      "capacity_bytes",
			Help:      "Configured cache capacity",
		}),
	}

	for _, c := range []prometheus.Collector{m.hits, m.misses, m.puts, m.evictions, m.bytes, m.entries, m.capacity} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *storeMetrics) hit() {
	if m != nil {
		m.hits.Inc()
	}
}

func (m *storeMetrics) miss() {
	if m != nil {
		m.misses.Inc()
	}
}

func (m *storeMetrics) put() {
	if m != nil {
		m.puts.Inc()
	}
}

func (m *storeMetrics) evict() {
	if m != nil {
		m.evictions.Inc()
	}
}

func (m *storeMetrics) set(st Stats) {
	if m == nil {
		return
	}
	m.bytes.Set(float64(st.TotalBytes))
	m.entries.Set(float64(st.EntryCount))
	m.capacity.Set(float64(st.CapacityBytes))
}

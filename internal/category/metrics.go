package category

import "github.com/prometheus/client_golang/prometheus"

// CacheMetrics instruments a DescendantCache.
type CacheMetrics struct {
	Hits           prometheus.Counter
	Misses         prometheus.Counter
	Resets         prometheus.Counter
	Entries        prometheus.Gauge
	ComputeSeconds prometheus.Histogram
}

func NewCacheMetrics(reg *prometheus.Registry) *CacheMetrics {
	m := &CacheMetrics{
		Hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "descendant_cache_hits_total",
			Help: "Lookups served from memoized entries",
		}),
		Misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "descendant_cache_misses_total",
			Help: "Lookups that computed an entry from the store",
		}),
		Resets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "descendant_cache_resets_total",
			Help: "Explicit invalidations",
		}),
		Entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "descendant_cache_entries",
			Help: "Memoized entries held",
		}),
		ComputeSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "descendant_cache_compute_duration_seconds",
			Help: "Descendant list computation latency",
		}),
	}

	reg.MustRegister(m.Hits, m.Misses, m.Resets, m.Entries, m.ComputeSeconds)
	return m
}

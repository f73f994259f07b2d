package cache

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits (fresh and stale)
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "swr_cache_hits_total",
			Help: "Total number of cache hits",
		},
	)

	// CacheMisses tracks cache misses
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "swr_cache_misses_total",
			Help: "Total number of cache misses",
		},
	)

	// CacheRevalidations tracks background revalidations
	CacheRevalidations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "swr_cache_revalidations_total",
			Help: "Total number of stale-while-revalidate refreshes started",
		},
	)

	// CacheBytesSaved tracks payload bytes served from cache instead of the network
	CacheBytesSaved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "swr_cache_bytes_saved_total",
			Help: "Total payload bytes served from cache",
		},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swr_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "open", "get", "set", "delete", "invalidate", "purge", "clear", "destroy"
	)
)

// MetricsSnapshot is a point-in-time view of the cache counters.
type MetricsSnapshot struct {
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	Revalidations int64   `json:"revalidations"`
	Total         int64   `json:"total"`
	HitRate       float64 `json:"hitRate"`
	BytesSaved    int64   `json:"bytesSaved"`
}

// Metrics holds passive per-session counters. They have no effect on control
// flow. Every record call is mirrored to the Prometheus counters above.
type Metrics struct {
	hits          atomic.Int64
	misses        atomic.Int64
	revalidations atomic.Int64
	bytesSaved    atomic.Int64
}

// NewMetrics returns zeroed counters.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordHit counts a hit and the payload bytes it saved.
func (m *Metrics) RecordHit(bytes int) {
	m.hits.Add(1)
	CacheHits.Inc()
	if bytes > 0 {
		m.bytesSaved.Add(int64(bytes))
		CacheBytesSaved.Add(float64(bytes))
	}
}

// RecordMiss counts a miss.
func (m *Metrics) RecordMiss() {
	m.misses.Add(1)
	CacheMisses.Inc()
}

// RecordRevalidation counts a background revalidation. Revalidations are not
// part of Total or HitRate.
func (m *Metrics) RecordRevalidation() {
	m.revalidations.Add(1)
	CacheRevalidations.Inc()
}

// Snapshot returns the current counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		Hits:          m.hits.Load(),
		Misses:        m.misses.Load(),
		Revalidations: m.revalidations.Load(),
		BytesSaved:    m.bytesSaved.Load(),
	}
	s.Total = s.Hits + s.Misses
	if s.Total > 0 {
		s.HitRate = float64(s.Hits) / float64(s.Total)
	}
	return s
}

// Reset zeroes the per-session counters. Prometheus counters keep counting.
func (m *Metrics) Reset() {
	m.hits.Store(0)
	m.misses.Store(0)
	m.revalidations.Store(0)
	m.bytesSaved.Store(0)
}

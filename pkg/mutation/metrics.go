package mutation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MutationsTotal tracks locked mutations by outcome
	MutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swr_mutations_total",
			Help: "Total number of locked mutations by result",
		},
		[]string{"result"}, // "success", "failure", "queued", "cancelled"
	)

	// LockWait tracks how long mutations waited for their lock chain
	LockWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "swr_lock_wait_seconds",
			Help:    "Time spent waiting for earlier mutations on the same lock key",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
	)
)

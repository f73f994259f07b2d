package replay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueLength tracks the number of queued mutations
	QueueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "swr_replay_queue_length",
			Help: "Number of mutations waiting for replay",
		},
	)

	// ReplayResults tracks replay attempts by outcome
	ReplayResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swr_replay_results_total",
			Help: "Total number of replay attempts by result",
		},
		[]string{"result"}, // "success", "failure", "skipped"
	)

	// PersistErrors tracks failures to write the queue to durable storage
	PersistErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "swr_replay_persist_errors_total",
			Help: "Total number of failed replay queue writes",
		},
	)
)

package swr

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DedupJoins tracks callers that joined an in-flight fetch instead of starting one
	DedupJoins = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "swr_dedup_joins_total",
			Help: "Total number of fetches served by joining an in-flight request",
		},
	)

	// SupersededFetches tracks fetch results discarded because an invalidation arrived mid-flight
	SupersededFetches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "swr_superseded_fetches_total",
			Help: "Total number of fetch results not cached because they were superseded",
		},
	)
)

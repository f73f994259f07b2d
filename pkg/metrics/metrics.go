// Package metrics exposes the Prometheus metrics of the cache layer.
// All metrics are defined in their respective packages (cache, swr, mutation,
// replay, broadcast, client, connectivity) and registered via promauto, so
// this package only provides the registry, the HTTP handler and the catalogue.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the cache layer.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Metrics Documentation
//
// Cache Metrics (pkg/cache):
//   - swr_cache_hits_total (Counter): Fresh and stale cache hits
//   - swr_cache_misses_total (Counter): Reads that went to the network
//   - swr_cache_revalidations_total (Counter): Background revalidations started
//   - swr_cache_bytes_saved_total (Counter): Payload bytes served from cache
//   - swr_cache_errors_total{operation} (Counter): Store errors by operation
//
// SWR Metrics (pkg/swr):
//   - swr_dedup_joins_total (Counter): Reads that joined an in-flight fetch
//   - swr_superseded_fetches_total (Counter): Fetch results dropped after a concurrent invalidation
//
// Mutation Metrics (pkg/mutation):
//   - swr_mutations_total{result} (Counter): Locked mutations by result (success, failure, queued, cancelled)
//   - swr_lock_wait_seconds (Histogram): Time spent waiting behind earlier mutations
//
// Replay Metrics (pkg/replay):
//   - swr_replay_queue_length (Gauge): Mutations waiting for replay
//   - swr_replay_results_total{result} (Counter): Replay attempts (success, failure, skipped)
//   - swr_replay_persist_errors_total (Counter): Failed queue writes
//
// Broadcast Metrics (pkg/broadcast):
//   - swr_broadcast_messages_total{direction} (Counter): sent, received, ignored, failed
//
// Request Metrics (pkg/client):
//   - swr_api_requests_total{method, status} (Counter): API requests by method and status
//   - swr_api_request_duration_seconds{method} (Histogram): Request duration by method
//   - swr_api_errors_total{class} (Counter): Errors by class (client, server, network)
//
// Connectivity Metrics (pkg/connectivity):
//   - swr_connectivity_online (Gauge): 1 while the API is reachable
//   - swr_connectivity_transitions_total{status} (Counter): Status changes
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(swr_cache_hits_total[5m])) /
//   (sum(rate(swr_cache_hits_total[5m])) + sum(rate(swr_cache_misses_total[5m])))
//
//   # Replay backlog
//   swr_replay_queue_length > 0
//
//   # Offline time
//   1 - avg_over_time(swr_connectivity_online[1h])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(swr_api_request_duration_seconds_bucket[5m]))

// Package metrics exposes the Prometheus registry used by the collector.
// Metrics are declared next to the code that updates them (client, cache,
// ratelimit, transport, collector, pipeline, sink) and registered through
// promauto on the default registerer; this package only serves them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer every package registers its metrics with.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the matching gatherer used by Handler.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the /metrics exposition handler.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Catalogue
//
// Request executor (pkg/client):
//   - ghstars_requests_total{endpoint, status} (Counter)
//   - ghstars_request_duration_seconds{endpoint} (Histogram)
//   - ghstars_errors_total{class} (Counter): network, upstream, malformed, cancelled
//   - ghstars_retries_total{error_class} (Counter)
//   - ghstars_retry_backoff_seconds{error_class} (Histogram)
//   - ghstars_retry_exhausted_total{error_class} (Counter)
//
// Rate limiting (pkg/ratelimit, pkg/transport):
//   - ghstars_rate_limit_wait_seconds (Histogram): time spent in Acquire
//   - ghstars_quota_remaining{resource} (Gauge): last X-RateLimit-Remaining seen
//   - ghstars_quota_waits_total{resource} (Counter): waits for a quota reset
//   - ghstars_inflight_requests (Gauge): slots held in the bounded transport
//
// Cache (pkg/cache):
//   - ghstars_cache_hits_total, ghstars_cache_misses_total
//   - ghstars_cache_not_modified_total, ghstars_cache_errors_total{operation}
//
// Collector and pipeline:
//   - ghstars_enrichments_total{result} (Counter): success, failure, cancelled
//   - ghstars_batches_total (Counter)
//   - ghstars_sink_rows_total{table} (Counter)
//
// Example queries:
//
//   # retry pressure
//   sum(rate(ghstars_retries_total[5m])) by (error_class)
//
//   # share of the run spent waiting on the limiter
//   sum(ghstars_rate_limit_wait_seconds_sum) / sum(ghstars_request_duration_seconds_sum)

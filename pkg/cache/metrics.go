package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits counts entries found in Redis.
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ghstars_cache_hits_total",
			Help: "Total number of cached responses found",
		},
	)

	// CacheMisses counts lookups that found nothing.
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ghstars_cache_misses_total",
			Help: "Total number of response cache misses",
		},
	)

	// NotModified counts 304 responses answered from the cache.
	NotModified = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ghstars_cache_not_modified_total",
			Help: "Total number of 304 Not Modified responses served from cache",
		},
	)

	// CacheErrors counts failed cache operations.
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ghstars_cache_errors_total",
			Help: "Total number of response cache operation errors",
		},
		[]string{"operation"}, // "get", "set", "touch", "delete"
	)
)

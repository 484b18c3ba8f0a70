// Package cache stores GitHub API responses in Redis for conditional requests.
//
// Every cached response is revalidated: the request executor sends the stored
// ETag in If-None-Match and GitHub answers 304 Not Modified when nothing
// changed. A 304 does not count against the primary quota, so repeated
// collection runs over the same listing and commit pages stay cheap.
//
// The commit window's since parameter moves on every run, so it is not part
// of the key (see VolatileParams). Such responses are only stored when they
// carry an ETag; a Last-Modified date alone cannot tell two windows apart.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	manager, err := cache.NewManager(redisClient, cache.DefaultRetention)
//
//	key := cache.Key{
//		Endpoint: "repos/golang/go/commits",
//		Query:    url.Values{"per_page": []string{"30"}},
//	}
//
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// plain request
//	}
//	cache.AddConditionalHeaders(req, entry)
//
// # Metrics
//
//   - ghstars_cache_hits_total - entries found
//   - ghstars_cache_misses_total - entries not found
//   - ghstars_cache_not_modified_total - 304 responses served from cache
//   - ghstars_cache_errors_total{operation} - Redis failures
package cache

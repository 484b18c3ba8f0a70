// Package ratelimit paces outbound GitHub API calls.
//
// Two mechanisms live here: Limiter, a local requests-per-second ceiling
// shared by every caller in the process, and Tracker, which follows the
// upstream quota advertised in the X-RateLimit-* response headers and holds
// requests back once the quota is spent. GitHub meters resources separately
// (search is 30 requests per minute, core 5000 per hour), so the tracker
// keeps one state per resource.
package ratelimit

import (
	"strings"
	"time"
)

// RedisKeyPrefix namespaces the shared quota state; see RedisKey.
const RedisKeyPrefix = "ghstars:quota"

// Fields of the shared quota state of one resource.
const (
	FieldRemaining  = "remaining"
	FieldLimit      = "limit"
	FieldResetAt    = "reset_at"
	FieldLastUpdate = "last_update"
)

// RedisKey returns the key holding field of resource's shared state,
// e.g. "ghstars:quota:search:remaining".
func RedisKey(resource, field string) string {
	return RedisKeyPrefix + ":" + resource + ":" + field
}

// Response headers carrying the upstream quota.
const (
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderReset     = "X-RateLimit-Reset"
	HeaderResource  = "X-RateLimit-Resource"
)

// Rate limit resources. Responses without a resource header count as core.
const (
	ResourceCore   = "core"
	ResourceSearch = "search"
)

// ResourceFor returns the resource a request to endpoint is metered against.
func ResourceFor(endpoint string) string {
	if strings.HasPrefix(strings.TrimLeft(endpoint, "/"), "search/") {
		return ResourceSearch
	}
	return ResourceCore
}

// QuotaThresholdLow marks the point below which quota updates are logged as
// warnings. Resources with a small window use a tenth of their limit instead.
const QuotaThresholdLow = 100

// RateLimitState is the last known quota of one resource.
type RateLimitState struct {
	// Resource is the metered bucket (X-RateLimit-Resource).
	Resource string `json:"resource"`

	// Remaining requests in the current window (X-RateLimit-Remaining).
	Remaining int `json:"remaining"`

	// Limit is the window size (X-RateLimit-Limit); 0 if not reported.
	Limit int `json:"limit"`

	// ResetAt is when the window resets (X-RateLimit-Reset, epoch seconds).
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when the headers were observed.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is true while Remaining is at or above the warning threshold.
	IsHealthy bool `json:"is_healthy"`
}

// Exhausted returns true when no requests remain in the window.
func (s *RateLimitState) Exhausted() bool {
	return s.Remaining <= 0
}

// NeedsWait returns true if the quota is spent and the window has not reset yet at now.
func (s *RateLimitState) NeedsWait(now time.Time) bool {
	return s.Exhausted() && s.ResetAt.After(now)
}

// TimeUntilReset returns the duration until the window resets, or 0 if it already has.
func (s *RateLimitState) TimeUntilReset() time.Duration {
	duration := time.Until(s.ResetAt)
	if duration < 0 {
		return 0
	}
	return duration
}

// UpdateHealth updates IsHealthy from Remaining and Limit.
func (s *RateLimitState) UpdateHealth() {
	threshold := QuotaThresholdLow
	if s.Limit > 0 && s.Limit/10 < threshold {
		threshold = s.Limit / 10
	}
	s.IsHealthy = s.Remaining > 0 && s.Remaining >= threshold
}

package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var rateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "ghstars_rate_limit_wait_seconds",
	Help:    "Time callers spent waiting for the request rate limiter",
	Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
})

// Limiter caps the outbound request rate across all callers.
//
// It is a token bucket with a burst of one, so B acquisitions at R req/s are
// spaced at least (B-1)/R seconds apart. A zero, negative or infinite rate
// disables limiting. A nil *Limiter is valid and never blocks.
type Limiter struct {
	limiter *rate.Limiter
}

// NewLimiter creates a limiter allowing maxRequestsPerSecond requests per second.
func NewLimiter(maxRequestsPerSecond float64) *Limiter {
	limit := rate.Inf
	if maxRequestsPerSecond > 0 && !math.IsInf(maxRequestsPerSecond, 1) {
		limit = rate.Limit(maxRequestsPerSecond)
	}
	return &Limiter{limiter: rate.NewLimiter(limit, 1)}
}

// Unbounded reports whether the limiter lets every request through.
func (l *Limiter) Unbounded() bool {
	return l == nil || l.limiter.Limit() == rate.Inf
}

// Limit returns the configured ceiling in requests per second (+Inf if unbounded).
func (l *Limiter) Limit() float64 {
	if l.Unbounded() {
		return math.Inf(1)
	}
	return float64(l.limiter.Limit())
}

// Acquire blocks until one more request may be issued or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.Unbounded() {
		return nil
	}

	start := time.Now()
	err := l.limiter.Wait(ctx)
	rateLimitWaitSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return nil
}

package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ghstars_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ghstars_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ghstars_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	// 1 disables retries.
	MaxAttempts int

	// InitialBackoff is the delay before the second attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps the delay between attempts.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64

	// Jitter is the relative random spread applied to each delay (0.2 = ±20%).
	Jitter float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.2,
	}
}

// NoRetryConfig returns the legacy single-attempt configuration.
func NoRetryConfig() RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.MaxAttempts = 1
	return cfg
}

// Backoff returns the delay after the given failed attempt (1-based) before
// jitter is applied.
func (c RetryConfig) Backoff(attempt int) time.Duration {
	backoff := c.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * c.BackoffMultiplier)
		if c.MaxBackoff > 0 && backoff >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	if c.MaxBackoff > 0 && backoff > c.MaxBackoff {
		return c.MaxBackoff
	}
	return backoff
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retrier runs one logical request under a RetryConfig.
type retrier struct {
	config RetryConfig
	sleep  Sleeper
	random func() float64
	logger zerolog.Logger
}

func newRetrier(cfg RetryConfig, sleep Sleeper, logger zerolog.Logger) *retrier {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if sleep == nil {
		sleep = sleepContext
	}
	return &retrier{
		config: cfg,
		sleep:  sleep,
		random: rand.Float64,
		logger: logger,
	}
}

// do calls fn until it succeeds, fails with a non-retryable class, or the
// attempts run out. It returns the number of attempts made, the class of the
// last failure and the error to surface.
func (r *retrier) do(ctx context.Context, endpoint string, fn func(ctx context.Context) error) (int, ErrorClass, error) {
	var lastErr error
	var errClass ErrorClass

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				r.logger.Info().
					Str("endpoint", endpoint).
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return attempt, "", nil
		}

		lastErr = err
		errClass = classify(ctx, err)

		if errClass == ErrorClassCancelled {
			if !errors.Is(err, ErrContextCancelled) {
				err = fmt.Errorf("%w: %w", ErrContextCancelled, err)
			}
			return attempt, errClass, err
		}
		if !shouldRetry(errClass) {
			return attempt, errClass, lastErr
		}
		if attempt >= r.config.MaxAttempts {
			break
		}

		retriesTotal.WithLabelValues(string(errClass)).Inc()

		delay := r.jitter(r.config.Backoff(attempt))
		retryBackoffSeconds.WithLabelValues(string(errClass)).Observe(delay.Seconds())

		r.logger.Warn().
			Err(err).
			Str("endpoint", endpoint).
			Str("error_class", string(errClass)).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Retrying request after backoff")

		if err := r.sleep(ctx, delay); err != nil {
			r.logger.Info().
				Str("endpoint", endpoint).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return attempt, ErrorClassCancelled, fmt.Errorf("%w: %w", ErrContextCancelled, err)
		}
	}

	if r.config.MaxAttempts == 1 {
		return 1, errClass, lastErr
	}

	retryExhaustedTotal.WithLabelValues(string(errClass)).Inc()
	r.logger.Warn().
		Str("endpoint", endpoint).
		Str("error_class", string(errClass)).
		Int("max_attempts", r.config.MaxAttempts).
		Msg("Retry attempts exhausted")

	return r.config.MaxAttempts, errClass, fmt.Errorf("%w: %w", ErrRetryExhausted, lastErr)
}

func (r *retrier) jitter(d time.Duration) time.Duration {
	if r.config.Jitter <= 0 {
		return d
	}
	spread := 1 - r.config.Jitter + r.random()*2*r.config.Jitter
	return time.Duration(float64(d) * spread)
}

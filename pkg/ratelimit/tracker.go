package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultQuota is assumed for core until the first response reports the real quota.
const DefaultQuota = 5000

// resetSlack is added to the advertised reset so we do not wake up a hair early.
const resetSlack = time.Second

var (
	quotaRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ghstars_quota_remaining",
		Help: "Last X-RateLimit-Remaining value reported by the upstream API",
	}, []string{"resource"})

	quotaWaitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ghstars_quota_waits_total",
		Help: "Number of requests held back until the upstream quota reset",
	}, []string{"resource"})
)

// Tracker follows the upstream quota per resource and gates requests once
// the quota of their resource is spent.
//
// State is kept in memory. When a Redis client is supplied the state is also
// mirrored there, and the newest of the local and shared views wins, so
// several collectors running against one token see the same quota.
type Tracker struct {
	redis  *redis.Client
	logger zerolog.Logger

	mu     sync.RWMutex
	states map[string]*RateLimitState

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewTracker creates a quota tracker. redisClient may be nil.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:  redisClient,
		logger: logger,
		states: make(map[string]*RateLimitState),
		now:    time.Now,
		sleep:  sleepContext,
	}
}

// GetState returns the freshest known quota state of resource, or a healthy
// default if nothing has been observed yet.
func (t *Tracker) GetState(ctx context.Context, resource string) (*RateLimitState, error) {
	t.mu.RLock()
	var local *RateLimitState
	if s := t.states[resource]; s != nil {
		copied := *s
		local = &copied
	}
	t.mu.RUnlock()

	var shared *RateLimitState
	if t.redis != nil {
		var err error
		shared, err = t.loadShared(ctx, resource)
		if err != nil {
			return local, err
		}
	}

	switch {
	case local == nil && shared == nil:
		state := &RateLimitState{
			Resource:   resource,
			Remaining:  DefaultQuota,
			Limit:      DefaultQuota,
			LastUpdate: t.now(),
		}
		state.UpdateHealth()
		return state, nil
	case shared == nil:
		return local, nil
	case local == nil || shared.LastUpdate.After(local.LastUpdate):
		return shared, nil
	default:
		return local, nil
	}
}

func (t *Tracker) loadShared(ctx context.Context, resource string) (*RateLimitState, error) {
	remaining, err := t.redis.Get(ctx, RedisKey(resource, FieldRemaining)).Int()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s quota remaining: %w", resource, err)
	}

	resetAt, err := t.redis.Get(ctx, RedisKey(resource, FieldResetAt)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get %s quota reset: %w", resource, err)
	}

	limit, err := t.redis.Get(ctx, RedisKey(resource, FieldLimit)).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get %s quota limit: %w", resource, err)
	}

	lastUpdate, err := t.redis.Get(ctx, RedisKey(resource, FieldLastUpdate)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get %s quota last update: %w", resource, err)
	}

	state := &RateLimitState{
		Resource:   resource,
		Remaining:  remaining,
		Limit:      limit,
		ResetAt:    time.Unix(resetAt, 0),
		LastUpdate: time.Unix(0, lastUpdate),
	}
	state.UpdateHealth()
	return state, nil
}

// UpdateFromHeaders records the quota advertised by a response under its
// X-RateLimit-Resource (core when absent). Responses without quota headers
// are ignored.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, headers http.Header) error {
	if t == nil {
		return nil
	}

	remainStr := headers.Get(HeaderRemaining)
	if remainStr == "" {
		return nil
	}

	remaining, err := strconv.Atoi(remainStr)
	if err != nil {
		return fmt.Errorf("parse %s header: %w", HeaderRemaining, err)
	}

	resetStr := headers.Get(HeaderReset)
	if resetStr == "" {
		return fmt.Errorf("%s header missing", HeaderReset)
	}
	resetEpoch, err := strconv.ParseInt(resetStr, 10, 64)
	if err != nil {
		return fmt.Errorf("parse %s header: %w", HeaderReset, err)
	}

	limit := 0
	if limitStr := headers.Get(HeaderLimit); limitStr != "" {
		if limit, err = strconv.Atoi(limitStr); err != nil {
			return fmt.Errorf("parse %s header: %w", HeaderLimit, err)
		}
	}

	resource := headers.Get(HeaderResource)
	if resource == "" {
		resource = ResourceCore
	}

	state := &RateLimitState{
		Resource:   resource,
		Remaining:  remaining,
		Limit:      limit,
		ResetAt:    time.Unix(resetEpoch, 0),
		LastUpdate: t.now(),
	}
	state.UpdateHealth()

	t.mu.Lock()
	t.states[resource] = state
	t.mu.Unlock()

	quotaRemaining.WithLabelValues(resource).Set(float64(remaining))

	if t.redis != nil {
		pipe := t.redis.Pipeline()
		pipe.Set(ctx, RedisKey(resource, FieldRemaining), remaining, 0)
		pipe.Set(ctx, RedisKey(resource, FieldLimit), limit, 0)
		pipe.Set(ctx, RedisKey(resource, FieldResetAt), resetEpoch, 0)
		pipe.Set(ctx, RedisKey(resource, FieldLastUpdate), state.LastUpdate.UnixNano(), 0)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("store quota state in redis: %w", err)
		}
	}

	event := t.logger.Debug()
	if !state.IsHealthy {
		event = t.logger.Warn()
	}
	event.
		Str("resource", resource).
		Int("remaining", remaining).
		Int("limit", limit).
		Time("reset_at", state.ResetAt).
		Msg("Upstream quota updated")

	return nil
}

// Wait blocks while the quota of resource is exhausted, until the advertised
// reset time or ctx cancellation.
func (t *Tracker) Wait(ctx context.Context, resource string) error {
	if t == nil {
		return nil
	}

	state, err := t.GetState(ctx, resource)
	if err != nil {
		t.logger.Warn().Err(err).Str("resource", resource).Msg("Shared quota state unavailable, using local view")
		if state == nil {
			return nil
		}
	}

	now := t.now()
	if !state.NeedsWait(now) {
		return nil
	}

	wait := state.ResetAt.Sub(now) + resetSlack
	quotaWaitsTotal.WithLabelValues(resource).Inc()
	t.logger.Warn().
		Str("resource", resource).
		Int("remaining", state.Remaining).
		Time("reset_at", state.ResetAt).
		Dur("until_reset", state.TimeUntilReset()).
		Dur("wait", wait).
		Msg("Upstream quota exhausted, waiting for reset")

	return t.sleep(ctx, wait)
}

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

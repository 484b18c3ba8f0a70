package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quotaHeaders(remaining, limit int, resetAt time.Time) http.Header {
	return resourceHeaders(ResourceCore, remaining, limit, resetAt)
}

func resourceHeaders(resource string, remaining, limit int, resetAt time.Time) http.Header {
	h := http.Header{}
	h.Set(HeaderResource, resource)
	h.Set(HeaderRemaining, strconv.Itoa(remaining))
	h.Set(HeaderLimit, strconv.Itoa(limit))
	h.Set(HeaderReset, strconv.FormatInt(resetAt.Unix(), 10))
	return h
}

func TestTracker_DefaultState(t *testing.T) {
	tracker := NewTracker(nil, zerolog.Nop())

	state, err := tracker.GetState(context.Background(), ResourceCore)
	require.NoError(t, err)
	assert.Equal(t, DefaultQuota, state.Remaining)
	assert.True(t, state.IsHealthy)
}

func TestTracker_UpdateFromHeaders(t *testing.T) {
	tracker := NewTracker(nil, zerolog.Nop())
	resetAt := time.Now().Add(time.Hour).Truncate(time.Second)

	require.NoError(t, tracker.UpdateFromHeaders(context.Background(), quotaHeaders(42, 5000, resetAt)))

	state, err := tracker.GetState(context.Background(), ResourceCore)
	require.NoError(t, err)
	assert.Equal(t, ResourceCore, state.Resource)
	assert.Equal(t, 42, state.Remaining)
	assert.Equal(t, 5000, state.Limit)
	assert.True(t, state.ResetAt.Equal(resetAt))
	assert.False(t, state.IsHealthy)
}

func TestTracker_UpdateFromHeaders_Invalid(t *testing.T) {
	tracker := NewTracker(nil, zerolog.Nop())

	tests := []struct {
		name        string
		remaining   string
		reset       string
		shouldError bool
	}{
		{"missing remaining header is ignored", "", "1700000000", false},
		{"both missing", "", "", false},
		{"invalid remaining", "lots", "1700000000", true},
		{"missing reset", "10", "", true},
		{"invalid reset", "10", "soon", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.remaining != "" {
				h.Set(HeaderRemaining, tt.remaining)
			}
			if tt.reset != "" {
				h.Set(HeaderReset, tt.reset)
			}

			err := tracker.UpdateFromHeaders(context.Background(), h)
			if tt.shouldError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTracker_WaitWhenExhausted(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	tracker := NewTracker(nil, zerolog.Nop())
	tracker.now = func() time.Time { return now }

	var slept []time.Duration
	tracker.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	ctx := context.Background()

	// quota left: no wait
	require.NoError(t, tracker.UpdateFromHeaders(ctx, quotaHeaders(3, 5000, now.Add(time.Minute))))
	require.NoError(t, tracker.Wait(ctx, ResourceCore))
	assert.Empty(t, slept)

	// exhausted: wait until reset plus slack
	require.NoError(t, tracker.UpdateFromHeaders(ctx, quotaHeaders(0, 5000, now.Add(time.Minute))))
	require.NoError(t, tracker.Wait(ctx, ResourceCore))
	require.Len(t, slept, 1)
	assert.Equal(t, time.Minute+resetSlack, slept[0])
}

func TestTracker_WaitCancelled(t *testing.T) {
	tracker := NewTracker(nil, zerolog.Nop())
	ctx := context.Background()
	require.NoError(t, tracker.UpdateFromHeaders(ctx, quotaHeaders(0, 5000, time.Now().Add(time.Hour))))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	err := tracker.Wait(cancelled, ResourceCore)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTracker_NilIsNoop(t *testing.T) {
	var tracker *Tracker
	assert.NoError(t, tracker.Wait(context.Background(), ResourceCore))
	assert.NoError(t, tracker.UpdateFromHeaders(context.Background(), quotaHeaders(0, 1, time.Now())))
}

func TestTracker_SharedStateViaRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	ctx := context.Background()
	writer := NewTracker(client, zerolog.Nop())
	reader := NewTracker(client, zerolog.Nop())

	resetAt := time.Now().Add(10 * time.Minute).Truncate(time.Second)
	require.NoError(t, writer.UpdateFromHeaders(ctx, quotaHeaders(7, 5000, resetAt)))

	remaining, err := mr.Get(RedisKey(ResourceCore, FieldRemaining))
	require.NoError(t, err)
	assert.Equal(t, "7", remaining)

	// reader never saw a response, so it adopts the shared view
	state, err := reader.GetState(ctx, ResourceCore)
	require.NoError(t, err)
	assert.Equal(t, 7, state.Remaining)
	assert.Equal(t, 5000, state.Limit)
	assert.True(t, state.ResetAt.Equal(resetAt))

	// a newer local observation wins over the older shared one
	require.NoError(t, reader.UpdateFromHeaders(ctx, quotaHeaders(6, 5000, resetAt)))
	mr.Set(RedisKey(ResourceCore, FieldLastUpdate), "0")
	state, err = reader.GetState(ctx, ResourceCore)
	require.NoError(t, err)
	assert.Equal(t, 6, state.Remaining)
}

func TestTracker_RedisUnavailableFallsBackToLocal(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })

	tracker := NewTracker(client, zerolog.Nop())
	mr.Close()

	// GetState fails, Wait must still let the request through
	assert.NoError(t, tracker.Wait(context.Background(), ResourceCore))
}

func TestTracker_MissingResourceHeaderCountsAsCore(t *testing.T) {
	tracker := NewTracker(nil, zerolog.Nop())
	h := quotaHeaders(17, 5000, time.Now().Add(time.Hour))
	h.Del(HeaderResource)

	require.NoError(t, tracker.UpdateFromHeaders(context.Background(), h))

	state, err := tracker.GetState(context.Background(), ResourceCore)
	require.NoError(t, err)
	assert.Equal(t, 17, state.Remaining)
}

func TestTracker_ResourcesAreIndependent(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	tracker := NewTracker(nil, zerolog.Nop())
	tracker.now = func() time.Time { return now }

	var slept []time.Duration
	tracker.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	ctx := context.Background()
	require.NoError(t, tracker.UpdateFromHeaders(ctx, resourceHeaders(ResourceCore, 4000, 5000, now.Add(time.Hour))))
	require.NoError(t, tracker.UpdateFromHeaders(ctx, resourceHeaders(ResourceSearch, 0, 30, now.Add(50*time.Second))))

	// a spent search quota does not hold back commit calls
	require.NoError(t, tracker.Wait(ctx, ResourceCore))
	assert.Empty(t, slept)

	require.NoError(t, tracker.Wait(ctx, ResourceSearch))
	require.Len(t, slept, 1)
	assert.Equal(t, 50*time.Second+resetSlack, slept[0])

	core, err := tracker.GetState(ctx, ResourceCore)
	require.NoError(t, err)
	assert.Equal(t, 4000, core.Remaining)
	assert.True(t, core.IsHealthy)
}

func TestTracker_SearchQuotaIsHealthyAtItsOwnScale(t *testing.T) {
	tracker := NewTracker(nil, zerolog.Nop())
	ctx := context.Background()
	require.NoError(t, tracker.UpdateFromHeaders(ctx, resourceHeaders(ResourceSearch, 29, 30, time.Now().Add(time.Minute))))

	state, err := tracker.GetState(ctx, ResourceSearch)
	require.NoError(t, err)
	assert.Equal(t, ResourceSearch, state.Resource)
	assert.True(t, state.IsHealthy)
}

func TestTracker_SharedStateIsKeyedByResource(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	ctx := context.Background()
	writer := NewTracker(client, zerolog.Nop())
	reader := NewTracker(client, zerolog.Nop())
	reader.sleep = func(ctx context.Context, d time.Duration) error {
		t.Fatalf("core request held back for %v by a spent search quota", d)
		return nil
	}

	require.NoError(t, writer.UpdateFromHeaders(ctx, resourceHeaders(ResourceSearch, 0, 30, time.Now().Add(time.Minute))))

	remaining, err := mr.Get(RedisKey(ResourceSearch, FieldRemaining))
	require.NoError(t, err)
	assert.Equal(t, "0", remaining)
	assert.False(t, mr.Exists(RedisKey(ResourceCore, FieldRemaining)))

	assert.NoError(t, reader.Wait(ctx, ResourceCore))
}

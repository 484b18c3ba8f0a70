package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/gh-star-collector/pkg/cache"
	"github.com/Sternrassler/gh-star-collector/pkg/ratelimit"
	"github.com/Sternrassler/gh-star-collector/pkg/transport"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newTestClient(t *testing.T, baseURL string, mutate func(*Config)) (*Client, *recordingSleeper) {
	t.Helper()

	sleeper := &recordingSleeper{}
	cfg := DefaultConfig(http.DefaultClient)
	cfg.BaseURL = baseURL
	cfg.Sleep = sleeper.sleep
	if mutate != nil {
		mutate(&cfg)
	}

	c, err := New(cfg)
	require.NoError(t, err)
	return c, sleeper
}

// sequenceServer answers the n-th request with statuses[n] (the last status
// repeats) and counts requests.
func sequenceServer(t *testing.T, statuses []int, body string) (*httptest.Server, *int32) {
	t.Helper()

	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(&calls, 1)) - 1
		if n >= len(statuses) {
			n = len(statuses) - 1
		}
		w.WriteHeader(statuses[n])
		if statuses[n] < 300 {
			_, _ = w.Write([]byte(body))
		} else {
			_, _ = w.Write([]byte(`{"message":"try again"}`))
		}
	}))
	t.Cleanup(server.Close)
	return server, &calls
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err, "missing http client")

	_, err = New(Config{HTTPClient: http.DefaultClient, Retry: RetryConfig{MaxAttempts: -1}})
	assert.Error(t, err, "negative attempts")

	c, err := New(Config{HTTPClient: http.DefaultClient})
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseURL, c.baseURL)
	assert.Equal(t, 3, c.retry.config.MaxAttempts)
}

func TestClient_Get_HeadersAndQuery(t *testing.T) {
	var got *http.Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		_, _ = w.Write([]byte(`{"total_count":1}`))
	}))
	defer server.Close()

	c, _ := newTestClient(t, server.URL+"/", nil)

	var out struct {
		TotalCount int `json:"total_count"`
	}
	params := url.Values{"q": {"stars:>1"}, "per_page": {"5"}}
	require.NoError(t, c.Get(context.Background(), "/search/repositories", params, &out))

	assert.Equal(t, 1, out.TotalCount)
	require.NotNil(t, got)
	assert.Equal(t, "/search/repositories", got.URL.Path)
	assert.Equal(t, "stars:>1", got.URL.Query().Get("q"))
	assert.Equal(t, "5", got.URL.Query().Get("per_page"))
	assert.Equal(t, AcceptHeader, got.Header.Get("Accept"))
	assert.Equal(t, DefaultAPIVersion, got.Header.Get("X-GitHub-Api-Version"))
	assert.Equal(t, DefaultUserAgent, got.Header.Get("User-Agent"))
}

func TestClient_TwoFailuresThenSuccess(t *testing.T) {
	server, calls := sequenceServer(t, []int{500, 502, 200}, `{"ok":true}`)
	c, sleeper := newTestClient(t, server.URL, nil)

	var out struct {
		OK bool `json:"ok"`
	}
	require.NoError(t, c.Get(context.Background(), "x", nil, &out))

	assert.True(t, out.OK)
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
	require.Len(t, sleeper.delays, 2)
	assert.InDelta(t, float64(time.Second), float64(sleeper.delays[0]), float64(200*time.Millisecond))
	assert.InDelta(t, float64(2*time.Second), float64(sleeper.delays[1]), float64(400*time.Millisecond))
}

func TestClient_ThreeFailures(t *testing.T) {
	server, calls := sequenceServer(t, []int{500, 500, 503}, "")
	c, _ := newTestClient(t, server.URL, nil)

	err := c.Get(context.Background(), "search/repositories", nil, nil)
	require.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(calls), "no 4th call")

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, 3, reqErr.Attempts)
	assert.Equal(t, "search/repositories", reqErr.Endpoint)
	assert.Equal(t, http.MethodGet, reqErr.Method)
	assert.Equal(t, ErrorClassUpstream, reqErr.Class)
	assert.ErrorIs(t, err, ErrRetryExhausted)

	// the last observed failure is surfaced
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 503, statusErr.StatusCode)
	assert.Equal(t, "try again", statusErr.Message)
}

func TestClient_ClientErrorsAreRetried(t *testing.T) {
	server, calls := sequenceServer(t, []int{404}, "")
	c, _ := newTestClient(t, server.URL, nil)

	err := c.Get(context.Background(), "repos/a/b/commits", nil, nil)
	require.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
	assert.Equal(t, ErrorClassUpstream, ClassOf(err))
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestClient_NetworkErrors(t *testing.T) {
	var calls int32
	boom := errors.New("connection reset by peer")
	httpClient := &http.Client{Transport: roundTripperFunc(func(*http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return nil, boom
	})}

	c, _ := newTestClient(t, "http://upstream.test", func(cfg *Config) { cfg.HTTPClient = httpClient })

	err := c.Get(context.Background(), "x", nil, nil)
	require.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, ErrorClassNetwork, ClassOf(err))
	assert.ErrorIs(t, err, boom)
}

func TestClient_MalformedNotRetried(t *testing.T) {
	server, calls := sequenceServer(t, []int{200}, `{"items": [`)
	c, sleeper := newTestClient(t, server.URL, nil)

	var out map[string]any
	err := c.Get(context.Background(), "search/repositories", nil, &out)
	require.Error(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
	assert.Empty(t, sleeper.delays)

	var malformed *MalformedResponseError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, ErrorClassMalformed, ClassOf(err))
	assert.NotErrorIs(t, err, ErrRetryExhausted)
}

func TestClient_NilOutStillValidatesJSON(t *testing.T) {
	server, _ := sequenceServer(t, []int{200}, `not json`)
	c, _ := newTestClient(t, server.URL, nil)

	err := c.Get(context.Background(), "x", nil, nil)
	assert.Equal(t, ErrorClassMalformed, ClassOf(err))
}

func TestClient_CancelledDuringBackoff(t *testing.T) {
	server, calls := sequenceServer(t, []int{500}, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, _ := newTestClient(t, server.URL, func(cfg *Config) {
		cfg.Sleep = func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		}
	})

	err := c.Get(ctx, "x", nil, nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
	assert.Equal(t, ErrorClassCancelled, ClassOf(err))
	assert.ErrorIs(t, err, ErrContextCancelled)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClient_CancelledBeforeStart(t *testing.T) {
	server, calls := sequenceServer(t, []int{200}, `{}`)
	c, _ := newTestClient(t, server.URL, func(cfg *Config) { cfg.Gate = transport.NewGate(1) })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Get(ctx, "x", nil, nil)
	assert.Equal(t, ErrorClassCancelled, ClassOf(err))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(0), atomic.LoadInt32(calls))
}

func TestClient_LegacyNoRetry(t *testing.T) {
	server, calls := sequenceServer(t, []int{500, 200}, `{}`)
	c, sleeper := newTestClient(t, server.URL, func(cfg *Config) { cfg.Retry = NoRetryConfig() })

	err := c.Get(context.Background(), "x", nil, nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
	assert.Empty(t, sleeper.delays)
	assert.NotErrorIs(t, err, ErrRetryExhausted)

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, 1, reqErr.Attempts)
}

func TestClient_GateReleasedOnFailure(t *testing.T) {
	server, _ := sequenceServer(t, []int{500, 500, 500, 200}, `{}`)
	gate := transport.NewGate(1)
	c, _ := newTestClient(t, server.URL, func(cfg *Config) { cfg.Gate = gate })

	require.Error(t, c.Get(context.Background(), "x", nil, nil))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Get(ctx, "x", nil, nil), "slot must be free after failures")
}

func TestClient_BoundedConcurrency(t *testing.T) {
	var current, peak int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&current, 1)
		defer atomic.AddInt32(&current, -1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	c, _ := newTestClient(t, server.URL, func(cfg *Config) { cfg.Gate = transport.NewGate(2) })

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Get(context.Background(), "x", nil, nil))
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestClient_ConditionalRequests(t *testing.T) {
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })

	manager, err := cache.NewManager(redisClient, time.Hour)
	require.NoError(t, err)

	var calls, conditional int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			atomic.AddInt32(&conditional, 1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(`{"name":"go"}`))
	}))
	defer server.Close()

	c, _ := newTestClient(t, server.URL, func(cfg *Config) {
		cfg.Cache = manager
		cfg.CacheScope = "test"
	})

	for i := 0; i < 2; i++ {
		var out struct {
			Name string `json:"name"`
		}
		require.NoError(t, c.Get(context.Background(), "repos/golang/go", url.Values{"a": {"1"}}, &out))
		assert.Equal(t, "go", out.Name)
	}

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&conditional))
}

func TestClient_SinceWindowRequiresETag(t *testing.T) {
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })

	manager, err := cache.NewManager(redisClient, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name            string
		header          string
		value           string
		wantConditional int32
	}{
		{"last-modified only", "Last-Modified", "Sun, 18 Oct 2026 09:00:00 GMT", 0},
		{"etag", "ETag", `"page-v1"`, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mr.FlushAll()

			var conditional int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("If-None-Match") != "" || r.Header.Get("If-Modified-Since") != "" {
					atomic.AddInt32(&conditional, 1)
					w.WriteHeader(http.StatusNotModified)
					return
				}
				w.Header().Set(tt.header, tt.value)
				_, _ = w.Write([]byte(`[]`))
			}))
			defer server.Close()

			c, _ := newTestClient(t, server.URL, func(cfg *Config) { cfg.Cache = manager })

			for _, since := range []string{"2026-10-18T12:00:00Z", "2026-10-19T12:00:00Z"} {
				params := url.Values{"per_page": {"100"}, "since": {since}}
				require.NoError(t, c.Get(context.Background(), "repos/golang/go/commits", params, nil))
			}

			assert.Equal(t, tt.wantConditional, atomic.LoadInt32(&conditional))
		})
	}
}

func TestClient_SpentSearchQuotaDoesNotDelayCommits(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	tracker := ratelimit.NewTracker(nil, zerolog.Nop())
	require.NoError(t, tracker.UpdateFromHeaders(context.Background(), http.Header{
		"X-Ratelimit-Resource":  {ratelimit.ResourceSearch},
		"X-Ratelimit-Limit":     {"30"},
		"X-Ratelimit-Remaining": {"0"},
		"X-Ratelimit-Reset":     {"4102444800"},
	}))

	c, _ := newTestClient(t, server.URL, func(cfg *Config) { cfg.Tracker = tracker })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Get(ctx, "repos/golang/go/commits", nil, nil))

	searchCtx, searchCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer searchCancel()
	err := c.Get(searchCtx, "search/repositories", nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrContextCancelled))
}

func TestClient_QuotaHeadersTracked(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "4999")
		w.Header().Set("X-RateLimit-Reset", "4102444800")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	tracker := ratelimit.NewTracker(nil, zerolog.Nop())
	c, _ := newTestClient(t, server.URL, func(cfg *Config) { cfg.Tracker = tracker })

	require.NoError(t, c.Get(context.Background(), "x", nil, nil))

	state, err := tracker.GetState(context.Background(), ratelimit.ResourceCore)
	require.NoError(t, err)
	assert.Equal(t, 4999, state.Remaining)
}

func TestEndpointKind(t *testing.T) {
	tests := map[string]string{
		"search/repositories":      "search/repositories",
		"/repos/golang/go/commits": "repos/commits",
		"repos/golang/go":          "repos/golang/go",
	}
	for in, want := range tests {
		assert.Equal(t, want, endpointKind(in), in)
	}
}

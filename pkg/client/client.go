// Package client provides the retrying GitHub API request executor.
//
// Every attempt of a logical request acquires the shared rate limiter, waits
// out an exhausted upstream quota, takes a bounded transport slot, performs
// the HTTP exchange and releases the slot again. Failed attempts are retried
// with exponential backoff; the backoff itself holds no slot.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/gh-star-collector/pkg/cache"
	"github.com/Sternrassler/gh-star-collector/pkg/logging"
	"github.com/Sternrassler/gh-star-collector/pkg/ratelimit"
	"github.com/Sternrassler/gh-star-collector/pkg/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

const (
	// DefaultBaseURL is the public GitHub REST API.
	DefaultBaseURL = "https://api.github.com"

	// DefaultAPIVersion is sent as X-GitHub-Api-Version.
	DefaultAPIVersion = "2022-11-28"

	// AcceptHeader selects the v3 JSON media type.
	AcceptHeader = "application/vnd.github.v3+json"

	// DefaultUserAgent identifies the collector to GitHub.
	DefaultUserAgent = "gh-star-collector/1.0"

	// maxErrorBody bounds how much of an error response is kept for diagnostics.
	maxErrorBody = 4 << 10
)

// Prometheus metrics for request operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ghstars_requests_total",
		Help: "Total upstream requests by endpoint kind and status",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ghstars_request_duration_seconds",
		Help:    "Duration of one logical request including retries",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"endpoint"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ghstars_errors_total",
		Help: "Total failed logical requests by error class",
	}, []string{"class"})
)

// Request is one logical API call.
type Request struct {
	// Method defaults to GET.
	Method string

	// Endpoint is the path relative to the base URL, e.g. "search/repositories".
	Endpoint string

	// Params are sent as the query string.
	Params url.Values
}

// Config holds the client configuration.
type Config struct {
	// BaseURL of the API (DefaultBaseURL if empty).
	BaseURL string

	// HTTPClient performs the exchanges; see transport.NewHTTPClient.
	HTTPClient *http.Client

	// UserAgent header (DefaultUserAgent if empty).
	UserAgent string

	// APIVersion sent as X-GitHub-Api-Version (DefaultAPIVersion if empty).
	APIVersion string

	// Limiter caps the request rate. nil means unbounded.
	Limiter *ratelimit.Limiter

	// Gate caps in-flight requests. nil means unbounded.
	Gate *transport.Gate

	// Tracker follows the upstream quota. nil disables quota waits.
	Tracker *ratelimit.Tracker

	// Cache enables conditional GET requests. nil disables caching.
	Cache *cache.Manager

	// CacheScope separates cached responses of different credentials.
	CacheScope string

	// Retry policy; DefaultRetryConfig if MaxAttempts is 0.
	Retry RetryConfig

	// Sleep replaces the backoff sleeper (tests).
	Sleep Sleeper
}

// DefaultConfig returns a configuration with the retrying policy and no
// shared limiters.
func DefaultConfig(httpClient *http.Client) Config {
	return Config{
		BaseURL:    DefaultBaseURL,
		HTTPClient: httpClient,
		UserAgent:  DefaultUserAgent,
		APIVersion: DefaultAPIVersion,
		Retry:      DefaultRetryConfig(),
	}
}

// Client is the request executor.
type Client struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
	apiVersion string
	limiter    *ratelimit.Limiter
	gate       *transport.Gate
	tracker    *ratelimit.Tracker
	cache      *cache.Manager
	cacheScope string
	retry      *retrier
	logger     zerolog.Logger
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	if cfg.HTTPClient == nil {
		return nil, errors.New("http client is required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", baseURL, err)
	}

	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.Retry.MaxAttempts < 0 {
		return nil, fmt.Errorf("retry max attempts must be >= 0 (got %d)", cfg.Retry.MaxAttempts)
	}

	logger := logging.NewLogger(logging.ComponentExecutor)
	logger.Debug().
		Float64("max_requests_per_second", cfg.Limiter.Limit()).
		Int("max_inflight", cfg.Gate.Capacity()).
		Int("max_attempts", cfg.Retry.MaxAttempts).
		Bool("cache", cfg.Cache != nil).
		Msg("Request executor ready")

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: cfg.HTTPClient,
		userAgent:  cfg.UserAgent,
		apiVersion: cfg.APIVersion,
		limiter:    cfg.Limiter,
		gate:       cfg.Gate,
		tracker:    cfg.Tracker,
		cache:      cfg.Cache,
		cacheScope: cfg.CacheScope,
		retry:      newRetrier(cfg.Retry, cfg.Sleep, logger),
		logger:     logger,
	}, nil
}

// Get performs a GET request and decodes the JSON body into out.
func (c *Client) Get(ctx context.Context, endpoint string, params url.Values, out any) error {
	return c.Do(ctx, Request{Method: http.MethodGet, Endpoint: endpoint, Params: params}, out)
}

// Do executes req with retries and decodes the JSON body into out. A nil out
// still requires the body to be valid JSON.
//
// The returned error is always a *RequestError.
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	kind := endpointKind(req.Endpoint)

	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(kind).Observe(time.Since(startTime).Seconds())
	}()

	var cacheKey *cache.Key
	if c.cache != nil && req.Method == http.MethodGet {
		cacheKey = &cache.Key{Endpoint: req.Endpoint, Query: req.Params, Scope: c.cacheScope}
	}

	attempts, errClass, err := c.retry.do(ctx, req.Endpoint, func(ctx context.Context) error {
		var cached *cache.Entry
		if cacheKey != nil {
			cached = c.lookup(ctx, *cacheKey)
		}

		body, err := c.attempt(ctx, req, kind, cacheKey, cached)
		if err != nil {
			return err
		}

		var target any = out
		if target == nil {
			target = &json.RawMessage{}
		}
		if err := json.Unmarshal(body, target); err != nil {
			if cacheKey != nil {
				_ = c.cache.Delete(ctx, *cacheKey)
			}
			return &MalformedResponseError{Endpoint: req.Endpoint, Err: err}
		}
		return nil
	})
	if err != nil {
		if errClass != ErrorClassCancelled {
			errorsTotal.WithLabelValues(string(errClass)).Inc()
		}
		return &RequestError{
			Method:   req.Method,
			Endpoint: req.Endpoint,
			Attempts: attempts,
			Class:    errClass,
			Err:      err,
		}
	}

	return nil
}

// attempt performs exactly one HTTP exchange and returns the response body
// of a 2xx (or a cache-served 304). The transport slot is held only for the
// exchange itself.
func (c *Client) attempt(ctx context.Context, req Request, kind string, key *cache.Key, cached *cache.Entry) ([]byte, error) {
	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrContextCancelled, err)
	}
	if err := c.tracker.Wait(ctx, ratelimit.ResourceFor(req.Endpoint)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrContextCancelled, err)
	}

	var body []byte
	admitted := false
	err := c.gate.Do(ctx, func() error {
		admitted = true
		var err error
		body, err = c.exchange(ctx, req, kind, key, cached)
		return err
	})
	if err != nil && !admitted {
		return nil, fmt.Errorf("%w: %w", ErrContextCancelled, err)
	}
	return body, err
}

func (c *Client) exchange(ctx context.Context, req Request, kind string, key *cache.Key, cached *cache.Entry) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.url(req.Endpoint, req.Params), nil)
	if err != nil {
		return nil, &MalformedResponseError{Endpoint: req.Endpoint, Err: fmt.Errorf("build request: %w", err)}
	}
	httpReq.Header.Set("Accept", AcceptHeader)
	httpReq.Header.Set("X-GitHub-Api-Version", c.apiVersion)
	httpReq.Header.Set("User-Agent", c.userAgent)
	cache.AddConditionalHeaders(httpReq, cached)

	c.logger.Debug().
		Str("method", req.Method).
		Str("endpoint", req.Endpoint).
		Str("params", req.Params.Encode()).
		Bool("conditional", cached != nil).
		Msg("Executing request")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		requestsTotal.WithLabelValues(kind, "network_error").Inc()
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		requestsTotal.WithLabelValues(kind, "network_error").Inc()
		return nil, fmt.Errorf("read response body: %w", err)
	}
	requestsTotal.WithLabelValues(kind, strconv.Itoa(resp.StatusCode)).Inc()

	if err := c.tracker.UpdateFromHeaders(ctx, resp.Header); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to update quota from headers")
	}

	if resp.StatusCode == http.StatusNotModified && cached != nil && key != nil {
		cache.NotModified.Inc()
		if err := c.cache.Touch(ctx, *key, cached); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to refresh cached response")
		}
		c.logger.Debug().
			Str("endpoint", req.Endpoint).
			Dur("age", cached.Age(time.Now())).
			Msg("304 Not Modified, using cache")
		return cached.Body, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newStatusError(resp, body)
	}

	if key != nil {
		if entry := cache.EntryFromResponse(resp, body); entry != nil && key.Storable(entry) {
			if err := c.cache.Set(ctx, *key, entry); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to cache response")
			}
		}
	}

	return body, nil
}

func (c *Client) lookup(ctx context.Context, key cache.Key) *cache.Entry {
	entry, err := c.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			c.logger.Warn().Err(err).Str("key", key.String()).Msg("Cache get error")
		}
		return nil
	}
	return entry
}

func (c *Client) url(endpoint string, params url.Values) string {
	u := c.baseURL + "/" + strings.TrimLeft(endpoint, "/")
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

func newStatusError(resp *http.Response, body []byte) *StatusError {
	statusErr := &StatusError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
	}

	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	var doc struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &doc) == nil {
		statusErr.Message = doc.Message
	}
	return statusErr
}

// endpointKind collapses an endpoint into a low-cardinality metric label:
// "repos/golang/go/commits" becomes "repos/commits".
func endpointKind(endpoint string) string {
	parts := strings.Split(strings.Trim(endpoint, "/"), "/")
	if len(parts) == 4 && parts[0] == "repos" {
		return parts[0] + "/" + parts[3]
	}
	return strings.Join(parts, "/")
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/Sternrassler/gh-star-collector/internal/config"
	"github.com/Sternrassler/gh-star-collector/pkg/cache"
	"github.com/Sternrassler/gh-star-collector/pkg/client"
	"github.com/Sternrassler/gh-star-collector/pkg/collector"
	"github.com/Sternrassler/gh-star-collector/pkg/githubapi"
	"github.com/Sternrassler/gh-star-collector/pkg/logging"
	"github.com/Sternrassler/gh-star-collector/pkg/ratelimit"
	"github.com/Sternrassler/gh-star-collector/pkg/transport"
	"github.com/redis/go-redis/v9"
)

// components is the wired collection stack of one process.
type components struct {
	redis        *redis.Client
	tracker      *ratelimit.Tracker
	client       *client.Client
	orchestrator *collector.Orchestrator
}

func (c *components) Close() {
	if c.client != nil {
		_ = c.client.Close()
	}
	if c.redis != nil {
		_ = c.redis.Close()
	}
}

// openRedis connects to REDIS_URL, or returns nil when it is not set.
func openRedis(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, nil
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", config.KeyRedisURL, err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

// buildComponents wires config -> transport -> executor -> API -> orchestrator.
func buildComponents(ctx context.Context, cfg *config.Config) (*components, error) {
	c := &components{}

	rdb, err := openRedis(ctx, cfg.Cache.RedisURL)
	if err != nil {
		return nil, err
	}
	c.redis = rdb
	c.tracker = ratelimit.NewTracker(rdb, logging.NewLogger(logging.ComponentTracker))

	httpClient, err := transport.NewHTTPClient(transport.Options{
		Token:                      cfg.GitHub.Token,
		MaxConcurrentRequests:      cfg.Limits.MaxConcurrentRequests,
		Timeout:                    cfg.GitHub.RequestTimeout,
		SecondaryRateLimitMaxSleep: cfg.GitHub.SecondaryRateLimitMaxSleep,
	})
	if err != nil {
		c.Close()
		return nil, err
	}

	clientCfg := client.DefaultConfig(httpClient)
	clientCfg.BaseURL = cfg.GitHub.APIURL
	clientCfg.Limiter = ratelimit.NewLimiter(cfg.Limits.MaxRequestsPerSecond)
	clientCfg.Gate = transport.NewGate(cfg.Limits.MaxConcurrentRequests)
	clientCfg.Tracker = c.tracker
	clientCfg.Retry = retryConfig(cfg)

	if rdb != nil {
		manager, err := cache.NewManager(rdb, cfg.Cache.Retention)
		if err != nil {
			c.Close()
			return nil, err
		}
		clientCfg.Cache = manager
		clientCfg.CacheScope = cacheScope(cfg.GitHub.Token)
		logger := logging.NewLogger(logging.ComponentExecutor)
		logger.Debug().
			Dur("retention", manager.Retention()).
			Msg("Response cache enabled")
	}

	c.client, err = client.New(clientCfg)
	if err != nil {
		c.Close()
		return nil, err
	}

	api := githubapi.New(c.client)
	enricher := collector.NewEnricher(api, cfg.GitHub.CommitsWindow)
	c.orchestrator = collector.NewOrchestrator(api, enricher, cfg.GitHub.TopRepositoriesLimit)

	return c, nil
}

// retryConfig maps the retry settings onto the executor policy. Legacy mode
// is a single attempt with no backoff.
func retryConfig(cfg *config.Config) client.RetryConfig {
	if cfg.Retry.Disabled {
		return client.NoRetryConfig()
	}
	retry := client.DefaultRetryConfig()
	retry.MaxAttempts = cfg.RetryAttempts()
	retry.InitialBackoff = cfg.Retry.InitialBackoff
	retry.MaxBackoff = cfg.Retry.MaxBackoff
	return retry
}

// cacheScope derives a short, non-reversible scope from the credential so
// different tokens never share cached responses.
func cacheScope(token string) string {
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:6])
}

package transport

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gofri/go-github-ratelimit/github_ratelimit"
	"golang.org/x/oauth2"
)

// Options configures the HTTP client chain.
type Options struct {
	// Token is sent as "Authorization: Bearer <token>" on every request.
	Token string

	// MaxConcurrentRequests caps connections per host (0 = unbounded).
	MaxConcurrentRequests int

	// Timeout bounds a single HTTP exchange.
	Timeout time.Duration

	// SecondaryRateLimitMaxSleep is the longest single sleep the secondary
	// rate limit waiter may take; 0 disables the waiter.
	SecondaryRateLimitMaxSleep time.Duration

	// Base replaces the default *http.Transport (tests).
	Base http.RoundTripper
}

// NewHTTPClient builds: oauth2 bearer transport -> secondary rate limit
// waiter -> base transport with a per-host connection cap.
func NewHTTPClient(opts Options) (*http.Client, error) {
	base := opts.Base
	if base == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		if opts.MaxConcurrentRequests > 0 {
			t.MaxConnsPerHost = opts.MaxConcurrentRequests
			t.MaxIdleConnsPerHost = opts.MaxConcurrentRequests
		}
		base = t
	}

	if opts.SecondaryRateLimitMaxSleep > 0 {
		waiter, err := github_ratelimit.NewRateLimitWaiter(base,
			github_ratelimit.WithSingleSleepLimit(opts.SecondaryRateLimitMaxSleep, nil))
		if err != nil {
			return nil, fmt.Errorf("create secondary rate limit waiter: %w", err)
		}
		base = waiter
	}

	rt := base
	if opts.Token != "" {
		rt = &oauth2.Transport{
			Base:   base,
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token}),
		}
	}

	return &http.Client{
		Transport: rt,
		Timeout:   opts.Timeout,
	}, nil
}

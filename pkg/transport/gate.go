// Package transport bounds how many upstream requests are physically in
// flight and builds the HTTP client chain used by the request executor.
package transport

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/semaphore"
)

var inflightRequests = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "ghstars_inflight_requests",
	Help: "Requests currently holding a bounded transport slot",
})

// Gate is a counting admission gate. A Gate built with a capacity of 0 (or a
// nil *Gate) admits everything.
type Gate struct {
	sem      *semaphore.Weighted
	capacity int
}

// NewGate creates a gate admitting at most maxConcurrent holders at once.
func NewGate(maxConcurrent int) *Gate {
	g := &Gate{capacity: maxConcurrent}
	if maxConcurrent > 0 {
		g.sem = semaphore.NewWeighted(int64(maxConcurrent))
	}
	return g
}

// Capacity returns the configured bound, 0 meaning unbounded.
func (g *Gate) Capacity() int {
	if g == nil {
		return 0
	}
	return g.capacity
}

// Acquire takes a slot, blocking until one is free or ctx is done.
// Every successful Acquire must be paired with exactly one Release.
func (g *Gate) Acquire(ctx context.Context) error {
	if g == nil || g.sem == nil {
		inflightRequests.Inc()
		return nil
	}
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("transport slot: %w", err)
	}
	inflightRequests.Inc()
	return nil
}

// Release returns a slot taken by Acquire.
func (g *Gate) Release() {
	inflightRequests.Dec()
	if g == nil || g.sem == nil {
		return
	}
	g.sem.Release(1)
}

// Do runs fn while holding a slot. The slot is released on every exit path,
// including a panic in fn.
func (g *Gate) Do(ctx context.Context, fn func() error) error {
	if err := g.Acquire(ctx); err != nil {
		return err
	}
	defer g.Release()

	return fn()
}

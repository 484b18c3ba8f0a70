// Package batch groups a stream of items into fixed-size batches.
package batch

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var batchesTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ghstars_batches_total",
	Help: "Batches emitted to the sink",
})

// Batches reads in until it is closed and emits batches of exactly size items,
// followed by one final partial batch if items remain. An empty input emits
// nothing. Items keep the order they were received in. A size below 1 is
// treated as 1.
//
// The returned channel is closed once in is drained or ctx is done.
func Batches[T any](ctx context.Context, in <-chan T, size int) <-chan []T {
	if size < 1 {
		size = 1
	}

	out := make(chan []T)
	go func() {
		defer close(out)

		emit := func(b []T) bool {
			select {
			case out <- b:
				batchesTotal.Inc()
				return true
			case <-ctx.Done():
				return false
			}
		}

		current := make([]T, 0, size)
		for {
			select {
			case <-ctx.Done():
				return
			case item, ok := <-in:
				if !ok {
					if len(current) > 0 {
						emit(current)
					}
					return
				}
				current = append(current, item)
				if len(current) == size {
					if !emit(current) {
						return
					}
					current = make([]T, 0, size)
				}
			}
		}
	}()

	return out
}

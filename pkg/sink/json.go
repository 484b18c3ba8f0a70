package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Sternrassler/gh-star-collector/pkg/collector"
)

// JSON writes one JSON document per batch to an io.Writer. It is the dry-run
// sink.
type JSON struct {
	mu  sync.Mutex
	enc *json.Encoder
	now func() time.Time
}

// NewJSON creates a sink writing to w.
func NewJSON(w io.Writer) *JSON {
	return &JSON{
		enc: json.NewEncoder(w),
		now: time.Now,
	}
}

// Insert implements Sink.
func (j *JSON) Insert(ctx context.Context, repos []collector.Repository) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	rows := Flatten(repos, Timestamp(j.now()))

	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.enc.Encode(rows); err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}

	countRows(rows)
	return nil
}

// Close implements Sink.
func (j *JSON) Close() error {
	return nil
}

// Package sink persists batches of enriched repositories.
//
// Every batch is flattened into three row sets sharing one timestamp taken at
// insert time: repository snapshots, per-author commit counts and listing
// positions.
package sink

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Sternrassler/gh-star-collector/pkg/collector"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Table names.
const (
	TableRepositories  = "repositories"
	TableAuthorCommits = "repositories_authors_commits"
	TablePositions     = "repositories_positions"
)

// Sink kinds.
const (
	KindClickHouse = "clickhouse"
	KindKafka      = "kafka"
	KindStdout     = "stdout"
)

var sinkRowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ghstars_sink_rows_total",
	Help: "Rows handed to the sink by table",
}, []string{"table"})

// Sink accepts batches of repositories.
type Sink interface {
	// Insert persists one batch in full or returns an error.
	Insert(ctx context.Context, repos []collector.Repository) error

	// Close releases the sink's connections.
	Close() error
}

// Config selects and configures a sink.
type Config struct {
	Kind       string
	ClickHouse ClickHouseConfig
	Kafka      KafkaConfig
	// Output receives stdout sink documents (os.Stdout if nil).
	Output io.Writer
}

// Open creates the sink selected by cfg.Kind.
func Open(ctx context.Context, cfg Config) (Sink, error) {
	switch cfg.Kind {
	case KindClickHouse, "":
		return OpenClickHouse(ctx, cfg.ClickHouse)
	case KindKafka:
		return NewKafka(cfg.Kafka)
	case KindStdout:
		out := cfg.Output
		if out == nil {
			out = os.Stdout
		}
		return NewJSON(out), nil
	default:
		return nil, fmt.Errorf("unknown sink %q", cfg.Kind)
	}
}

// Timestamp returns the insert timestamp: UTC, truncated to whole seconds.
func Timestamp(now time.Time) time.Time {
	return now.UTC().Truncate(time.Second)
}

func countRows(rows Rows) {
	sinkRowsTotal.WithLabelValues(TableRepositories).Add(float64(len(rows.Repositories)))
	sinkRowsTotal.WithLabelValues(TableAuthorCommits).Add(float64(len(rows.AuthorCommits)))
	sinkRowsTotal.WithLabelValues(TablePositions).Add(float64(len(rows.Positions)))
}

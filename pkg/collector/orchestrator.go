package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/gh-star-collector/pkg/client"
	"github.com/Sternrassler/gh-star-collector/pkg/logging"
	"github.com/google/go-github/v62/github"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var enrichmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ghstars_enrichments_total",
	Help: "Repository enrichments by result",
}, []string{"result"}) // "success", "failure", "cancelled"

// RepositorySource lists the top repositories by stars.
type RepositorySource interface {
	SearchTopRepositories(ctx context.Context, limit int) ([]*github.Repository, error)
}

// Orchestrator lists the top repositories and enriches all of them
// concurrently. It launches every enrichment at once; request concurrency is
// bounded further down, by the executor's rate limiter and transport gate.
type Orchestrator struct {
	source   RepositorySource
	enricher *Enricher
	limit    int
	logger   zerolog.Logger
}

// NewOrchestrator creates an orchestrator for the top limit repositories.
func NewOrchestrator(source RepositorySource, enricher *Enricher, limit int) *Orchestrator {
	return &Orchestrator{
		source:   source,
		enricher: enricher,
		limit:    limit,
		logger:   logging.NewLogger(logging.ComponentCollector),
	}
}

func (o *Orchestrator) list(ctx context.Context) ([]*github.Repository, error) {
	repos, err := o.source.SearchTopRepositories(ctx, o.limit)
	if err != nil {
		return nil, err
	}
	o.logger.Info().
		Int("repositories", len(repos)).
		Dur("window", o.enricher.Window()).
		Msg("Listing fetched, enriching")
	return repos, nil
}

// Collect enriches every listed repository and returns them ordered by rank.
// It is all-or-nothing: the first failed enrichment cancels the others and is
// returned.
func (o *Orchestrator) Collect(ctx context.Context) ([]Repository, error) {
	repos, err := o.list(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	records := make([]Repository, len(repos))
	g, gctx := errgroup.WithContext(ctx)

	for rank, repo := range repos {
		rank, repo := rank, repo
		g.Go(func() error {
			record, err := o.enricher.Enrich(gctx, rank, repo)
			observeEnrichment(gctx, err)
			if err != nil {
				return err
			}
			records[rank] = record
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	o.logger.Info().
		Int("repositories", len(records)).
		Dur("duration", time.Since(start)).
		Msg("Collection complete")

	return records, nil
}

// Result is one item of a Stream. When Err is set, Repository carries only
// the listing fields (no commit counts).
type Result struct {
	Repository Repository
	Err        error
}

// Stream delivers enrichment results in completion order.
type Stream struct {
	// Total is the number of results C will deliver.
	Total int

	// C yields exactly Total results and is then closed.
	C <-chan Result

	cancel context.CancelFunc
	done   chan struct{}
}

// Close cancels outstanding enrichments and waits until all of them have
// returned. Results still buffered in C may be discarded.
func (s *Stream) Close() {
	s.cancel()
	<-s.done
}

// Stream lists the top repositories, then enriches them concurrently and
// yields each result as soon as its enrichment finishes, in completion order.
//
// A failed enrichment is delivered as a Result with Err set; its siblings
// keep running. Cancelling ctx or calling Close cancels all outstanding
// enrichments. The listing call itself failing is returned directly.
func (o *Orchestrator) Stream(ctx context.Context) (*Stream, error) {
	repos, err := o.list(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan Result, len(repos))
	stream := &Stream{
		Total:  len(repos),
		C:      out,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	var wg sync.WaitGroup
	for rank, repo := range repos {
		rank, repo := rank, repo
		wg.Add(1)
		go func() {
			defer wg.Done()

			record, err := o.enricher.Enrich(ctx, rank, repo)
			observeEnrichment(ctx, err)
			if err != nil && ctx.Err() == nil {
				o.logger.Warn().
					Err(err).
					Str("repository", record.FullName()).
					Int("rank", rank).
					Str("error_class", string(client.ClassOf(err))).
					Msg("Enrichment failed")
			}

			// never blocks: out holds one slot per repository
			out <- Result{Repository: record, Err: err}
		}()
	}

	go func() {
		wg.Wait()
		close(out)
		cancel()
		close(stream.done)
	}()

	return stream, nil
}

func observeEnrichment(ctx context.Context, err error) {
	switch {
	case err == nil:
		enrichmentsTotal.WithLabelValues("success").Inc()
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		enrichmentsTotal.WithLabelValues("cancelled").Inc()
	default:
		enrichmentsTotal.WithLabelValues("failure").Inc()
	}
}

// FailedRepositoryError names the repository whose enrichment failed.
type FailedRepositoryError struct {
	Repository string
	Rank       int
	Err        error
}

// Error implements the error interface.
func (e *FailedRepositoryError) Error() string {
	return fmt.Sprintf("repository %s (rank %d): %v", e.Repository, e.Rank, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FailedRepositoryError) Unwrap() error {
	return e.Err
}

// AsError wraps a failed result's error with the repository it belongs to.
// It returns nil for a successful result.
func (r Result) AsError() error {
	if r.Err == nil {
		return nil
	}
	return &FailedRepositoryError{
		Repository: r.Repository.FullName(),
		Rank:       r.Repository.Rank,
		Err:        r.Err,
	}
}

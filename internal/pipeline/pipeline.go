// Package pipeline drives one collection run: it consumes the enrichment
// stream as results complete, groups successful records into fixed-size
// batches and hands each batch to a sink.
//
// Failed enrichments are logged and skipped; the run keeps going and reports
// them together at the end. A sink failure stops the run immediately.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/gh-star-collector/pkg/batch"
	"github.com/Sternrassler/gh-star-collector/pkg/collector"
	"github.com/Sternrassler/gh-star-collector/pkg/logging"
	"github.com/rs/zerolog"
)

// Source opens the completion-order enrichment stream.
type Source interface {
	Stream(ctx context.Context) (*collector.Stream, error)
}

// Sink accepts batches of repositories.
type Sink interface {
	Insert(ctx context.Context, repos []collector.Repository) error
}

// ProgressReporter is told how many results to expect and when each arrives.
type ProgressReporter interface {
	Start(total int)
	Increment()
	Finish()
}

type noProgress struct{}

func (noProgress) Start(int)  {}
func (noProgress) Increment() {}
func (noProgress) Finish()    {}

// Pipeline connects a Source to a Sink through a batcher.
type Pipeline struct {
	source    Source
	sink      Sink
	batchSize int
	progress  ProgressReporter
	logger    zerolog.Logger
}

// New creates a pipeline writing batches of batchSize records to sink.
func New(source Source, sink Sink, batchSize int) *Pipeline {
	return &Pipeline{
		source:    source,
		sink:      sink,
		batchSize: batchSize,
		progress:  noProgress{},
		logger:    logging.NewLogger(logging.ComponentPipeline),
	}
}

// WithProgress sets the reporter notified as results arrive.
func (p *Pipeline) WithProgress(r ProgressReporter) *Pipeline {
	if r != nil {
		p.progress = r
	}
	return p
}

// Run executes one collection. The returned summary is valid even when an
// error is returned; it describes whatever was handed to the sink.
//
// Errors: a listing failure or a sink failure is returned as is (wrapped). If
// only enrichments failed, every batch of successful records has already been
// inserted and the error joins one *collector.FailedRepositoryError per
// failed repository.
func (p *Pipeline) Run(parent context.Context) (*Summary, error) {
	start := time.Now()
	summary := &Summary{}

	stream, err := p.source.Stream(parent)
	if err != nil {
		return summary, fmt.Errorf("list repositories: %w", err)
	}
	defer stream.Close()

	summary.Listed = stream.Total
	p.progress.Start(stream.Total)
	defer p.progress.Finish()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	records := make(chan collector.Repository)
	var failures []error
	filtered := make(chan struct{})

	go func() {
		defer close(filtered)
		defer close(records)

		for result := range stream.C {
			p.progress.Increment()
			if err := result.AsError(); err != nil {
				if ctx.Err() == nil {
					failures = append(failures, err)
				}
				continue
			}
			select {
			case records <- result.Repository:
			case <-ctx.Done():
				return
			}
		}
	}()

	var commits []int
	var sinkErr error
	for b := range batch.Batches(ctx, records, p.batchSize) {
		if err := p.sink.Insert(ctx, b); err != nil {
			sinkErr = fmt.Errorf("insert batch %d (%d repositories): %w", summary.Batches+1, len(b), err)
			break
		}
		summary.Batches++
		summary.Inserted += len(b)
		for _, repo := range b {
			commits = append(commits, repo.TotalCommits())
		}
		p.logger.Debug().
			Int("batch", summary.Batches).
			Int("size", len(b)).
			Msg("Batch inserted")
	}

	cancel()
	stream.Close()
	<-filtered

	summary.Failed = len(failures)
	summary.Duration = time.Since(start)
	summary.Commits = summarizeCommits(commits)

	switch {
	case sinkErr != nil:
		p.logger.Error().Err(sinkErr).Msg("Sink failed, run aborted")
		return summary, sinkErr
	case parent.Err() != nil:
		return summary, fmt.Errorf("collection interrupted: %w", parent.Err())
	}

	p.logSummary(summary)

	if len(failures) > 0 {
		return summary, fmt.Errorf("%d of %d repositories failed: %w", len(failures), summary.Listed, errors.Join(failures...))
	}
	return summary, nil
}

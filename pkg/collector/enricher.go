package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/gh-star-collector/pkg/githubapi"
	"github.com/Sternrassler/gh-star-collector/pkg/logging"
	"github.com/google/go-github/v62/github"
	"github.com/rs/zerolog"
)

// DefaultWindow is the trailing period commits are counted over.
const DefaultWindow = 24 * time.Hour

// CommitLister lists the commits of a repository made since a point in time.
type CommitLister interface {
	ListCommits(ctx context.Context, owner, repo string, since time.Time) ([]*github.RepositoryCommit, error)
}

// Enricher turns a listed repository into a Repository with commit counts.
type Enricher struct {
	commits CommitLister
	window  time.Duration
	now     func() time.Time
	logger  zerolog.Logger
}

// NewEnricher creates an enricher counting commits over window
// (DefaultWindow if window <= 0).
func NewEnricher(commits CommitLister, window time.Duration) *Enricher {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Enricher{
		commits: commits,
		window:  window,
		now:     time.Now,
		logger:  logging.NewLogger(logging.ComponentCollector),
	}
}

// Window returns the trailing period commits are counted over.
func (e *Enricher) Window() time.Duration {
	return e.window
}

// Enrich fetches the commits of repo made within the window ending now and
// aggregates them per author.
func (e *Enricher) Enrich(ctx context.Context, rank int, repo *github.Repository) (Repository, error) {
	if repo == nil {
		return Repository{}, fmt.Errorf("enrich rank %d: nil repository", rank)
	}
	record := newRepository(rank, repo)

	since := e.now().UTC().Add(-e.window)
	commits, err := e.commits.ListCommits(ctx, record.Owner, record.Name, since)
	if err != nil {
		return record, fmt.Errorf("enrich %s: %w", record.FullName(), err)
	}

	record.AuthorCommitCounts = AggregateAuthors(commits)

	e.logger.Debug().
		Str("repository", record.FullName()).
		Int("rank", rank).
		Int("commits", len(commits)).
		Int("authors", len(record.AuthorCommitCounts)).
		Msg("Repository enriched")

	return record, nil
}

// AggregateAuthors counts commits per author login. Commits without a linked
// author are skipped. Authors appear in the order they are first seen.
func AggregateAuthors(commits []*github.RepositoryCommit) []AuthorCommitCount {
	counts := []AuthorCommitCount{}
	index := make(map[string]int)

	for _, commit := range commits {
		login, ok := githubapi.AuthorLogin(commit)
		if !ok {
			continue
		}
		if i, seen := index[login]; seen {
			counts[i].Commits++
			continue
		}
		index[login] = len(counts)
		counts = append(counts, AuthorCommitCount{Author: login, Commits: 1})
	}

	return counts
}

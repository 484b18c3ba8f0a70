package collector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/google/go-github/v62/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	repos []*github.Repository
	err   error
	limit int
}

func (f *fakeSource) SearchTopRepositories(_ context.Context, limit int) ([]*github.Repository, error) {
	f.limit = limit
	if f.err != nil {
		return nil, f.err
	}
	return f.repos, nil
}

// threeRepos builds the listing of the end-to-end scenario: rank 1 has two
// commits by alice and one by bob, the others none.
func threeRepos() (*fakeSource, *fakeLister) {
	source := &fakeSource{repos: []*github.Repository{
		repository("o", "r0", 300, github.String("Go")),
		repository("o", "r1", 200, nil),
		repository("o", "r2", 100, github.String("Rust")),
	}}
	lister := &fakeLister{commits: map[string][]*github.RepositoryCommit{
		"o/r1": {commitBy("alice"), commitBy("bob"), commitBy("alice")},
	}}
	return source, lister
}

func TestOrchestrator_Collect(t *testing.T) {
	source, lister := threeRepos()
	// finish in reverse rank order
	lister.delays = map[string]time.Duration{"o/r0": 30 * time.Millisecond, "o/r1": 15 * time.Millisecond}

	o := NewOrchestrator(source, NewEnricher(lister, 0), 3)

	records, err := o.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, 3, source.limit)

	for i, record := range records {
		assert.Equal(t, i, record.Rank, "collect output is sorted by rank")
	}
	assert.Equal(t, "r1", records[1].Name)
	assert.Equal(t, UndefinedLanguage, records[1].Language)
	assert.ElementsMatch(t, []AuthorCommitCount{{"alice", 2}, {"bob", 1}}, records[1].AuthorCommitCounts)
	assert.Empty(t, records[0].AuthorCommitCounts)
	assert.Empty(t, records[2].AuthorCommitCounts)
}

func TestOrchestrator_CollectAllOrNothing(t *testing.T) {
	source, lister := threeRepos()
	boom := errors.New("boom")
	lister.errs = map[string]error{"o/r2": boom}
	lister.delays = map[string]time.Duration{"o/r0": 5 * time.Second}

	o := NewOrchestrator(source, NewEnricher(lister, 0), 3)

	start := time.Now()
	records, err := o.Collect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, records)
	assert.Less(t, time.Since(start), 2*time.Second, "first failure cancels the siblings")
}

func TestOrchestrator_ListingFailure(t *testing.T) {
	boom := errors.New("listing down")
	o := NewOrchestrator(&fakeSource{err: boom}, NewEnricher(&fakeLister{}, 0), 10)

	_, err := o.Collect(context.Background())
	assert.ErrorIs(t, err, boom)

	_, err = o.Stream(context.Background())
	assert.ErrorIs(t, err, boom)
}

func drain(s *Stream) []Result {
	var results []Result
	for r := range s.C {
		results = append(results, r)
	}
	return results
}

func TestOrchestrator_StreamCompletionOrder(t *testing.T) {
	source, lister := threeRepos()
	lister.delays = map[string]time.Duration{"o/r0": 60 * time.Millisecond, "o/r1": 30 * time.Millisecond}

	o := NewOrchestrator(source, NewEnricher(lister, 0), 3)
	stream, err := o.Stream(context.Background())
	require.NoError(t, err)
	defer stream.Close()

	assert.Equal(t, 3, stream.Total)

	results := drain(stream)
	require.Len(t, results, 3)

	var ranks []int
	for _, r := range results {
		require.NoError(t, r.Err)
		ranks = append(ranks, r.Repository.Rank)
	}
	assert.Equal(t, []int{2, 1, 0}, ranks, "stream yields in completion order")
}

func TestOrchestrator_StreamExactlyOnce(t *testing.T) {
	const n = 50

	source := &fakeSource{}
	lister := &fakeLister{delays: map[string]time.Duration{}}
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("r%d", i)
		source.repos = append(source.repos, repository("o", name, n-i, nil))
		lister.delays["o/"+name] = time.Duration((i*7)%11) * time.Millisecond
	}

	stream, err := NewOrchestrator(source, NewEnricher(lister, 0), n).Stream(context.Background())
	require.NoError(t, err)
	defer stream.Close()

	results := drain(stream)
	require.Len(t, results, n)

	var ranks []int
	for _, r := range results {
		require.NoError(t, r.Err)
		ranks = append(ranks, r.Repository.Rank)
	}
	sort.Ints(ranks)
	for i := range ranks {
		assert.Equal(t, i, ranks[i], "every rank delivered exactly once")
	}
}

func TestOrchestrator_StreamIsolatesFailures(t *testing.T) {
	source, lister := threeRepos()
	boom := errors.New("boom")
	lister.errs = map[string]error{"o/r0": boom}
	lister.delays = map[string]time.Duration{"o/r2": 20 * time.Millisecond}

	stream, err := NewOrchestrator(source, NewEnricher(lister, 0), 3).Stream(context.Background())
	require.NoError(t, err)
	defer stream.Close()

	results := drain(stream)
	require.Len(t, results, 3, "a failure does not halt its siblings")

	var failed []Result
	for _, r := range results {
		if r.Err != nil {
			failed = append(failed, r)
		}
	}
	require.Len(t, failed, 1)
	assert.ErrorIs(t, failed[0].Err, boom)
	assert.Equal(t, "o/r0", failed[0].Repository.FullName())

	var repoErr *FailedRepositoryError
	require.ErrorAs(t, failed[0].AsError(), &repoErr)
	assert.Equal(t, 0, repoErr.Rank)
	assert.ErrorIs(t, repoErr, boom)
}

func TestOrchestrator_StreamCloseCancels(t *testing.T) {
	source, lister := threeRepos()
	lister.delays = map[string]time.Duration{"o/r0": time.Minute, "o/r1": time.Minute, "o/r2": time.Minute}

	stream, err := NewOrchestrator(source, NewEnricher(lister, 0), 3).Stream(context.Background())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		stream.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not cancel outstanding enrichments")
	}

	for r := range stream.C {
		assert.ErrorIs(t, r.Err, context.Canceled)
	}
}

func TestOrchestrator_StreamParentCancel(t *testing.T) {
	source, lister := threeRepos()
	lister.delays = map[string]time.Duration{"o/r0": time.Minute, "o/r1": time.Minute, "o/r2": time.Minute}

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := NewOrchestrator(source, NewEnricher(lister, 0), 3).Stream(ctx)
	require.NoError(t, err)
	defer stream.Close()

	cancel()

	results := drain(stream)
	assert.Len(t, results, 3)
	for _, r := range results {
		assert.ErrorIs(t, r.Err, context.Canceled)
	}
}

func TestResult_AsError(t *testing.T) {
	assert.NoError(t, Result{}.AsError())
}

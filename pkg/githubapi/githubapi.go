// Package githubapi wraps the two GitHub REST calls the collector makes: the
// top-starred repository search and a repository's commit listing.
//
// Responses are decoded once into go-github schemas and checked for the
// fields the collector reads. A response missing one of them is reported as
// a *client.MalformedResponseError.
package githubapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Sternrassler/gh-star-collector/pkg/client"
	"github.com/Sternrassler/gh-star-collector/pkg/pagination"
	"github.com/google/go-github/v62/github"
	"github.com/rs/zerolog/log"
)

const (
	// SearchEndpoint is the repository search.
	SearchEndpoint = "search/repositories"

	// SearchQuery selects every repository with at least two stars.
	SearchQuery = "stars:>1"

	// DefaultLimit is how many top repositories are listed by default.
	DefaultLimit = 100

	// MaxLimit is the largest page the search endpoint returns in one call.
	MaxLimit = 100

	// CommitsPageSize is the page size used for commit listings.
	CommitsPageSize = 30
)

// API issues listing and commit calls through a request executor.
type API struct {
	fetcher pagination.PageFetcher
}

// New creates an API on top of fetcher (normally a *client.Client).
func New(fetcher pagination.PageFetcher) *API {
	return &API{fetcher: fetcher}
}

// CommitsEndpoint returns the commit listing path of owner/repo.
func CommitsEndpoint(owner, repo string) string {
	return "repos/" + url.PathEscape(owner) + "/" + url.PathEscape(repo) + "/commits"
}

// SearchTopRepositories returns the limit most-starred repositories in
// descending star order, in a single call.
func (a *API) SearchTopRepositories(ctx context.Context, limit int) ([]*github.Repository, error) {
	if limit < 1 || limit > MaxLimit {
		return nil, fmt.Errorf("listing limit must be within 1..%d (got %d)", MaxLimit, limit)
	}

	params := url.Values{
		"q":        {SearchQuery},
		"sort":     {"stars"},
		"order":    {"desc"},
		"per_page": {strconv.Itoa(limit)},
	}

	var result github.RepositoriesSearchResult
	if err := a.fetcher.Get(ctx, SearchEndpoint, params, &result); err != nil {
		return nil, fmt.Errorf("search top repositories: %w", err)
	}

	if result.Repositories == nil {
		return nil, malformed(SearchEndpoint, errors.New(`missing "items"`))
	}
	if result.GetIncompleteResults() {
		log.Warn().Int("limit", limit).Msg("Search results reported as incomplete")
	}

	repos := result.Repositories
	if len(repos) > limit {
		repos = repos[:limit]
	}
	for i, repo := range repos {
		if err := validateRepository(repo); err != nil {
			return nil, malformed(SearchEndpoint, fmt.Errorf("item %d: %w", i, err))
		}
	}

	return repos, nil
}

// ListCommits returns every commit on the default branch of owner/repo made
// at or after since. A zero since lists the full history.
func (a *API) ListCommits(ctx context.Context, owner, repo string, since time.Time) ([]*github.RepositoryCommit, error) {
	endpoint := CommitsEndpoint(owner, repo)

	params := url.Values{}
	if !since.IsZero() {
		params.Set("since", since.UTC().Format(time.RFC3339))
	}

	commits, err := pagination.FetchAll[*github.RepositoryCommit](ctx, a.fetcher, endpoint, params, CommitsPageSize)
	if err != nil {
		return nil, fmt.Errorf("list commits of %s/%s: %w", owner, repo, err)
	}
	return commits, nil
}

// AuthorLogin returns the GitHub login a commit is attributed to. Commits by
// an email that is not linked to an account have no author and return false.
func AuthorLogin(commit *github.RepositoryCommit) (string, bool) {
	if commit == nil || commit.Author == nil {
		return "", false
	}
	login := commit.Author.GetLogin()
	return login, login != ""
}

func validateRepository(repo *github.Repository) error {
	switch {
	case repo == nil:
		return errors.New("null repository")
	case repo.GetOwner().GetLogin() == "":
		return errors.New(`missing "owner.login"`)
	case repo.GetName() == "":
		return errors.New(`missing "name"`)
	case repo.StargazersCount == nil:
		return errors.New(`missing "stargazers_count"`)
	case repo.WatchersCount == nil:
		return errors.New(`missing "watchers_count"`)
	case repo.ForksCount == nil:
		return errors.New(`missing "forks_count"`)
	}
	return nil
}

// malformed reports a decoded response that lacks required fields. It has
// the same shape as a decode failure inside the client: one attempt, no retry.
func malformed(endpoint string, err error) error {
	return &client.RequestError{
		Method:   http.MethodGet,
		Endpoint: endpoint,
		Attempts: 1,
		Class:    client.ErrorClassMalformed,
		Err:      &client.MalformedResponseError{Endpoint: endpoint, Err: err},
	}
}

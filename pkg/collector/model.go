// Package collector builds enriched repository records: it lists the most
// starred repositories and, for each, counts commits per author over a
// trailing window.
package collector

import (
	"github.com/google/go-github/v62/github"
)

// UndefinedLanguage replaces a missing primary language.
const UndefinedLanguage = "Undefined"

// AuthorCommitCount is the number of commits one author made in the window.
type AuthorCommitCount struct {
	Author  string `json:"author"`
	Commits int    `json:"commits"`
}

// Repository is one enriched entry of the top-starred listing. Once built it
// is never mutated; whoever receives it owns it.
type Repository struct {
	Name  string `json:"name"`
	Owner string `json:"owner"`
	// Rank is the 0-based position in the listing snapshot.
	Rank     int    `json:"rank"`
	Stars    int    `json:"stars"`
	Watchers int    `json:"watchers"`
	Forks    int    `json:"forks"`
	Language string `json:"language"`

	// AuthorCommitCounts holds one entry per author, in first-seen order.
	AuthorCommitCounts []AuthorCommitCount `json:"author_commit_counts"`
}

// FullName returns "owner/name".
func (r Repository) FullName() string {
	return r.Owner + "/" + r.Name
}

// TotalCommits sums the per-author counts.
func (r Repository) TotalCommits() int {
	total := 0
	for _, a := range r.AuthorCommitCounts {
		total += a.Commits
	}
	return total
}

// newRepository maps the listing fields of repo; commit counts are left empty.
func newRepository(rank int, repo *github.Repository) Repository {
	language := repo.GetLanguage()
	if language == "" {
		language = UndefinedLanguage
	}

	return Repository{
		Name:     repo.GetName(),
		Owner:    repo.GetOwner().GetLogin(),
		Rank:     rank,
		Stars:    repo.GetStargazersCount(),
		Watchers: repo.GetWatchersCount(),
		Forks:    repo.GetForksCount(),
		Language: language,
	}
}

package sink

import (
	"time"

	"github.com/Sternrassler/gh-star-collector/pkg/collector"
)

// RepositoryRow is one repository snapshot.
type RepositoryRow struct {
	Name     string    `json:"name"`
	Owner    string    `json:"owner"`
	Stars    uint32    `json:"stars"`
	Watchers uint32    `json:"watchers"`
	Forks    uint32    `json:"forks"`
	Language string    `json:"language"`
	Updated  time.Time `json:"updated"`
}

// AuthorCommitsRow is one author's commit count on a repository.
type AuthorCommitsRow struct {
	Date       time.Time `json:"date"`
	Repo       string    `json:"repo"`
	Author     string    `json:"author"`
	CommitsNum uint32    `json:"commits_num"`
}

// PositionRow is a repository's position in the listing.
type PositionRow struct {
	Date     time.Time `json:"date"`
	Repo     string    `json:"repo"`
	Position uint32    `json:"position"`
}

// Rows are the three flattened row sets of one batch.
type Rows struct {
	Repositories  []RepositoryRow    `json:"repositories"`
	AuthorCommits []AuthorCommitsRow `json:"repositories_authors_commits"`
	Positions     []PositionRow      `json:"repositories_positions"`
}

// Len returns the total number of rows.
func (r Rows) Len() int {
	return len(r.Repositories) + len(r.AuthorCommits) + len(r.Positions)
}

// Flatten turns a batch into rows stamped with at.
func Flatten(repos []collector.Repository, at time.Time) Rows {
	rows := Rows{
		Repositories: make([]RepositoryRow, 0, len(repos)),
		Positions:    make([]PositionRow, 0, len(repos)),
	}

	for _, repo := range repos {
		rows.Repositories = append(rows.Repositories, RepositoryRow{
			Name:     repo.Name,
			Owner:    repo.Owner,
			Stars:    clampUint32(repo.Stars),
			Watchers: clampUint32(repo.Watchers),
			Forks:    clampUint32(repo.Forks),
			Language: repo.Language,
			Updated:  at,
		})

		for _, author := range repo.AuthorCommitCounts {
			rows.AuthorCommits = append(rows.AuthorCommits, AuthorCommitsRow{
				Date:       at,
				Repo:       repo.Name,
				Author:     author.Author,
				CommitsNum: clampUint32(author.Commits),
			})
		}

		rows.Positions = append(rows.Positions, PositionRow{
			Date:     at,
			Repo:     repo.Name,
			Position: clampUint32(repo.Rank),
		})
	}

	return rows
}

func clampUint32(v int) uint32 {
	switch {
	case v < 0:
		return 0
	case uint64(v) > uint64(^uint32(0)):
		return ^uint32(0)
	default:
		return uint32(v)
	}
}

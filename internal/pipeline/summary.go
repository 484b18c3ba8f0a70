package pipeline

import (
	"time"

	"github.com/montanaflynn/stats"
)

// Summary describes one run.
type Summary struct {
	// Listed is the number of repositories returned by the listing.
	Listed int
	// Inserted is the number of repositories handed to the sink.
	Inserted int
	// Failed is the number of enrichments that failed.
	Failed  int
	Batches int
	// Commits describes the commits-in-window distribution over inserted
	// repositories.
	Commits  CommitStats
	Duration time.Duration
}

// CommitStats are computed over the per-repository commit totals.
type CommitStats struct {
	Median float64
	P90    float64
	Max    float64
}

func summarizeCommits(totals []int) CommitStats {
	if len(totals) == 0 {
		return CommitStats{}
	}

	data := stats.LoadRawData(totals)
	// errors only occur on empty input
	median, _ := stats.Median(data)
	p90, _ := stats.Percentile(data, 90)
	maximum, _ := stats.Max(data)

	return CommitStats{Median: median, P90: p90, Max: maximum}
}

func (p *Pipeline) logSummary(s *Summary) {
	p.logger.Info().
		Int("listed", s.Listed).
		Int("inserted", s.Inserted).
		Int("failed", s.Failed).
		Int("batches", s.Batches).
		Float64("commits_median", s.Commits.Median).
		Float64("commits_p90", s.Commits.P90).
		Float64("commits_max", s.Commits.Max).
		Dur("duration", s.Duration).
		Msg("Collection run finished")
}

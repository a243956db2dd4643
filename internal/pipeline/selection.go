package pipeline

import (
	"context"

	"github.com/driftline/driftline/internal/store"
)

// runSelection ranks the run-account's triage rows and queues the
// highest-scoring posts for deep scrape. The read order is score
// descending with post id ascending as the tie-break, so repeated runs
// assign identical ranks.
func (c *Coordinator) runSelection(ctx context.Context, ra *store.RunAccount, cfg Config, result *Result) {
	if ctx.Err() != nil {
		return
	}

	topN := cfg.TopN
	if topN <= 0 {
		topN = 20
	}
	readLimit := cfg.TriageReadLimit
	if readLimit <= 0 {
		readLimit = 200
	}

	triages, err := c.store.ListTriageByScore(ra.ID, readLimit)
	if err != nil {
		result.addError(StageSelection, 0, err)
		return
	}

	for i, t := range triages {
		if i >= topN {
			break
		}
		rank := i + 1
		selected := t.Score >= cfg.ScoreThreshold

		if err := c.store.SetTriageSelection(t.ID, rank, true, selected); err != nil {
			result.addError(StageSelection, t.PostID, err)
			continue
		}
		if !selected {
			continue
		}
		if err := c.store.CreateDeepScrapeTask(ra.ID, t.PostID); err != nil {
			result.addError(StageSelection, t.PostID, err)
			continue
		}
		result.Selected++
	}
}

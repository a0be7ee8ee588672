// Package progress derives completion statistics for a set of ITP items.
// Everything here is pure: identical inputs always yield identical outputs.
package progress

import (
	"math"

	"github.com/sells-group/siteqa/internal/model"
)

// Stats aggregates item verdicts. Completed + Pending == Total.
type Stats struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Passed    int `json:"passed"`
	Failed    int `json:"failed"`
	NA        int `json:"na"`
	Pending   int `json:"pending"`
	Percent   int `json:"percent"`
}

// Compute classifies every item by its record, if any. Records for items
// outside the set are ignored. An item whose record has no verdict counts as
// pending, never as failed.
func Compute(items []model.Item, records []model.ConformanceRecord) Stats {
	byItem := make(map[string]model.Result, len(records))
	for _, r := range records {
		byItem[r.ItemID] = r.ResultPassFail
	}
	return Tally(items, func(itemID string) model.Result {
		return byItem[itemID]
	})
}

// Tally classifies every item with statusOf.
func Tally(items []model.Item, statusOf func(itemID string) model.Result) Stats {
	s := Stats{Total: len(items)}
	for _, it := range items {
		switch statusOf(it.ID) {
		case model.ResultPass:
			s.Passed++
		case model.ResultFail:
			s.Failed++
		case model.ResultNA:
			s.NA++
		default:
			s.Pending++
		}
	}
	s.Completed = s.Total - s.Pending
	s.Percent = Percent(s.Completed, s.Total)
	return s
}

// Percent returns round(100*completed/total), or 0 when total is 0.
func Percent(completed, total int) int {
	if total <= 0 {
		return 0
	}
	p := int(math.Round(100 * float64(completed) / float64(total)))
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

// Add sums two stats and recomputes the percentage.
func (s Stats) Add(o Stats) Stats {
	out := Stats{
		Total:     s.Total + o.Total,
		Completed: s.Completed + o.Completed,
		Passed:    s.Passed + o.Passed,
		Failed:    s.Failed + o.Failed,
		NA:        s.NA + o.NA,
		Pending:   s.Pending + o.Pending,
	}
	out.Percent = Percent(out.Completed, out.Total)
	return out
}

// IsComplete reports whether every item has a verdict.
func (s Stats) IsComplete() bool {
	return s.Total > 0 && s.Pending == 0
}

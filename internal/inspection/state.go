// Package inspection composes assignments, templates and conformance records
// into the per-lot inspection state, and reconciles batches of local edits
// against the store.
package inspection

import (
	"github.com/sells-group/siteqa/internal/model"
	"github.com/sells-group/siteqa/internal/progress"
)

// State is the read model of one lot: its active assignments, the templates
// they reference (in assignment order, items sorted), the flattened items and
// the committed records.
type State struct {
	Lot         model.Lot                 `json:"lot"`
	Assignments []model.Assignment        `json:"assignments"`
	Templates   []model.Template          `json:"templates"`
	Items       []model.Item              `json:"items"`
	Records     []model.ConformanceRecord `json:"records"`
	Summaries   []TemplateSummary         `json:"summaries"`
	Overall     progress.Stats            `json:"overall"`
}

// TemplateSummary is the progress of one assigned template.
type TemplateSummary struct {
	AssignmentID string         `json:"assignment_id"`
	TemplateID   string         `json:"template_id"`
	Name         string         `json:"name"`
	Version      string         `json:"version"`
	Stats        progress.Stats `json:"stats"`
}

// newState derives the flattened items, per-template summaries and overall
// stats. templates must be in the same order as assignments.
func newState(lot model.Lot, assignments []model.Assignment, templates []model.Template, records []model.ConformanceRecord) *State {
	s := &State{
		Lot:         lot,
		Assignments: assignments,
		Templates:   templates,
		Records:     records,
		Items:       []model.Item{},
		Summaries:   []TemplateSummary{},
	}
	if s.Assignments == nil {
		s.Assignments = []model.Assignment{}
	}
	if s.Templates == nil {
		s.Templates = []model.Template{}
	}
	if s.Records == nil {
		s.Records = []model.ConformanceRecord{}
	}

	for i, t := range templates {
		s.Items = append(s.Items, t.Items...)
		s.Summaries = append(s.Summaries, TemplateSummary{
			AssignmentID: assignments[i].ID,
			TemplateID:   t.ID,
			Name:         t.Name,
			Version:      t.Version,
			Stats:        progress.Compute(t.Items, records),
		})
	}
	s.Overall = progress.Compute(s.Items, records)
	return s
}

// Summary returns the summary of templateID.
func (s *State) Summary(templateID string) (TemplateSummary, bool) {
	for _, sum := range s.Summaries {
		if sum.TemplateID == templateID {
			return sum, true
		}
	}
	return TemplateSummary{}, false
}

// Record returns the committed record of itemID.
func (s *State) Record(itemID string) (model.ConformanceRecord, bool) {
	for _, r := range s.Records {
		if r.ItemID == itemID {
			return r, true
		}
	}
	return model.ConformanceRecord{}, false
}

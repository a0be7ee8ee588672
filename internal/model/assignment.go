package model

import (
	"sort"
	"time"
)

// Assignment records that a template is active on a lot.
type Assignment struct {
	ID         string     `json:"id"`
	LotID      string     `json:"lot_id"`
	TemplateID string     `json:"template_id"`
	AssignedAt time.Time  `json:"assigned_at"`
	Active     bool       `json:"active"`
	RemovedAt  *time.Time `json:"removed_at,omitempty"`
}

// SortAssignments puts assignments in stable display order: assignment time,
// then id.
func SortAssignments(as []Assignment) {
	sort.SliceStable(as, func(i, j int) bool {
		if !as[i].AssignedAt.Equal(as[j].AssignedAt) {
			return as[i].AssignedAt.Before(as[j].AssignedAt)
		}
		return as[i].ID < as[j].ID
	})
}

package model

import "time"

// Result is the verdict discriminator of a conformance record.
type Result string

const (
	ResultPass    Result = "PASS"
	ResultFail    Result = "FAIL"
	ResultNA      Result = "N/A"
	ResultPending Result = "pending"
)

// Valid reports whether r is a known verdict. The empty string is accepted
// and means no verdict yet.
func (r Result) Valid() bool {
	switch r {
	case "", ResultPass, ResultFail, ResultNA, ResultPending:
		return true
	}
	return false
}

// IsVerdict reports whether r is a concrete PASS, FAIL or N/A result.
func (r Result) IsVerdict() bool {
	return r == ResultPass || r == ResultFail || r == ResultNA
}

// Normalize maps the empty result to ResultPending.
func (r Result) Normalize() Result {
	if r == "" {
		return ResultPending
	}
	return r
}

// ConformanceRecord is the inspection result for one (lot, item) pair.
type ConformanceRecord struct {
	ID               string     `json:"id"`
	LotID            string     `json:"lot_id"`
	ItemID           string     `json:"item_id"`
	TemplateID       string     `json:"template_id"`
	ResultPassFail   Result     `json:"result_pass_fail,omitempty"`
	ResultNumeric    *float64   `json:"result_numeric,omitempty"`
	ResultText       *string    `json:"result_text,omitempty"`
	Comments         string     `json:"comments,omitempty"`
	IsNonConformance bool       `json:"is_non_conformance"`
	CorrectiveAction *string    `json:"corrective_action,omitempty"`
	InspectedBy      string     `json:"inspected_by,omitempty"`
	InspectedAt      time.Time  `json:"inspected_at"`
	ApprovedBy       string     `json:"approved_by,omitempty"`
	ApprovedAt       *time.Time `json:"approved_at,omitempty"`
	Version          int        `json:"version"`
}

// DeriveNonConformance recomputes IsNonConformance from the verdict.
func (r *ConformanceRecord) DeriveNonConformance() {
	r.IsNonConformance = r.ResultPassFail == ResultFail
}

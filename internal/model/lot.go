package model

import "time"

// LotStatus is the lifecycle status of a lot.
type LotStatus string

const (
	LotStatusPending    LotStatus = "pending"
	LotStatusInProgress LotStatus = "in_progress"
	LotStatusCompleted  LotStatus = "completed"
	LotStatusApproved   LotStatus = "approved"
	LotStatusRejected   LotStatus = "rejected"
)

// Valid reports whether s is a known lot status.
func (s LotStatus) Valid() bool {
	switch s {
	case LotStatusPending, LotStatusInProgress, LotStatusCompleted, LotStatusApproved, LotStatusRejected:
		return true
	}
	return false
}

// Lot is a unit of inspectable work within a project. A lot exclusively
// owns its assignments and conformance records.
type Lot struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	LotNumber   string    `json:"lot_number"`
	Description string    `json:"description,omitempty"`
	Status      LotStatus `json:"status"`
	CreatedBy   string    `json:"created_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

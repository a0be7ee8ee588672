package store

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/siteqa/internal/model"
)

// Sentinel errors returned (wrapped) by every backend.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool { return eris.Is(err, ErrNotFound) }

// IsConflict reports whether err wraps ErrConflict.
func IsConflict(err error) bool { return eris.Is(err, ErrConflict) }

// LotFilter specifies criteria for listing lots.
type LotFilter struct {
	ProjectID string          `json:"project_id,omitempty"`
	Status    model.LotStatus `json:"status,omitempty"`
	Limit     int             `json:"limit,omitempty"`
	Offset    int             `json:"offset,omitempty"`
}

// Store is the persistence port of the inspection engine: four keyed
// collections (assignments, templates, items, conformance records) plus the
// lots that own them.
type Store interface {
	// Lots
	CreateLot(ctx context.Context, lot *model.Lot) error
	GetLot(ctx context.Context, lotID string) (*model.Lot, error)
	ListLots(ctx context.Context, filter LotFilter) ([]model.Lot, error)
	// DeleteLot removes the lot with all of its assignments and records.
	DeleteLot(ctx context.Context, lotID string) error

	// Templates. SaveTemplate replaces the template and its item list.
	SaveTemplate(ctx context.Context, tpl *model.Template) error
	GetTemplate(ctx context.Context, templateID string) (*model.Template, error)
	// ListTemplates returns templates without their items, optionally
	// restricted to one organization.
	ListTemplates(ctx context.Context, organizationID string) ([]model.Template, error)

	// Assignments. CreateAssignment returns ErrConflict when an active
	// assignment already exists for the (lot, template) pair.
	CreateAssignment(ctx context.Context, a *model.Assignment) error
	// ListAssignments returns the active assignments of a lot ordered by
	// assigned_at, then id.
	ListAssignments(ctx context.Context, lotID string) ([]model.Assignment, error)
	// DeactivateAssignment marks the assignment inactive and deletes every
	// conformance record of its (lot, template) in the same unit of work.
	// It returns the number of deleted records.
	DeactivateAssignment(ctx context.Context, assignmentID string, removedAt time.Time) (int, error)

	// Conformance records, keyed by (lot, item).
	GetRecord(ctx context.Context, lotID, itemID string) (*model.ConformanceRecord, error)
	ListRecords(ctx context.Context, lotID string) ([]model.ConformanceRecord, error)
	// SaveRecord inserts rec when prevVersion is 0, otherwise updates the
	// stored record only if its version is still prevVersion. Both paths
	// return ErrConflict when the version precondition does not hold, and
	// ErrNotFound unless (rec.LotID, rec.TemplateID) has an active
	// assignment at the moment of the write.
	SaveRecord(ctx context.Context, rec *model.ConformanceRecord, prevVersion int) error

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

func notFound(entity, id string) error {
	return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
}

func conflict(format string, args ...any) error {
	return eris.Wrapf(ErrConflict, format, args...)
}

func defaultLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

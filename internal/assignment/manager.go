// Package assignment manages which ITP templates are active on a lot.
package assignment

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/siteqa/internal/apperr"
	"github.com/sells-group/siteqa/internal/model"
	"github.com/sells-group/siteqa/internal/resilience"
	"github.com/sells-group/siteqa/internal/store"
)

// Manager owns the lot-to-template relation.
type Manager struct {
	store  store.Store
	policy resilience.Policy
	now    func() time.Time
}

// NewManager creates a Manager backed by st.
func NewManager(st store.Store, policy resilience.Policy) *Manager {
	return &Manager{
		store:  st,
		policy: policy,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Failure describes one template that could not be assigned.
type Failure struct {
	TemplateID string      `json:"template_id"`
	Code       apperr.Code `json:"code"`
	Error      string      `json:"error"`
}

// BulkResult reports the outcome of AssignMany per template.
type BulkResult struct {
	Assigned []model.Assignment `json:"assigned"`
	Failures []Failure          `json:"failures,omitempty"`
}

// OK reports whether every template was assigned.
func (r *BulkResult) OK() bool { return len(r.Failures) == 0 }

// Assign makes templateID active on lotID. An existing active assignment is
// returned unchanged.
func (m *Manager) Assign(ctx context.Context, lotID, templateID string) (*model.Assignment, error) {
	if lotID == "" || templateID == "" {
		return nil, apperr.Validation("lot id and template id are required")
	}
	if existing, err := m.findActive(ctx, lotID, templateID); err != nil || existing != nil {
		return existing, err
	}

	a := &model.Assignment{
		ID:         uuid.NewString(),
		LotID:      lotID,
		TemplateID: templateID,
		AssignedAt: m.now(),
		Active:     true,
	}
	err := resilience.Do(ctx, m.policy, "create assignment", func(ctx context.Context) error {
		return m.store.CreateAssignment(ctx, a)
	})
	switch {
	case err == nil:
		zap.L().Info("template assigned",
			zap.String("lot_id", lotID),
			zap.String("template_id", templateID),
			zap.String("assignment_id", a.ID),
		)
		return a, nil
	case store.IsConflict(err):
		// Lost a race with a concurrent assign; the winner is the result.
		winner, ferr := m.findActive(ctx, lotID, templateID)
		if ferr != nil {
			return nil, ferr
		}
		if winner != nil {
			return winner, nil
		}
		return nil, apperr.Wrap(err, apperr.CodeConflict, "assign template %s to lot %s", templateID, lotID)
	case store.IsNotFound(err):
		return nil, apperr.Wrap(err, apperr.CodeNotFound, "lot %s or template %s does not exist", lotID, templateID)
	default:
		return nil, apperr.Persistence(err, "assign template %s to lot %s", templateID, lotID)
	}
}

// AssignMany assigns every template in templateIDs, attempting all of them.
// Repeated ids are collapsed.
func (m *Manager) AssignMany(ctx context.Context, lotID string, templateIDs []string) *BulkResult {
	res := &BulkResult{}
	seen := make(map[string]bool, len(templateIDs))
	for _, id := range templateIDs {
		if seen[id] {
			continue
		}
		seen[id] = true

		a, err := m.Assign(ctx, lotID, id)
		if err != nil {
			res.Failures = append(res.Failures, Failure{
				TemplateID: id,
				Code:       apperr.CodeOf(err),
				Error:      apperr.Message(err),
			})
			continue
		}
		res.Assigned = append(res.Assigned, *a)
	}
	if len(res.Failures) > 0 {
		zap.L().Warn("some templates could not be assigned",
			zap.String("lot_id", lotID),
			zap.Int("assigned", len(res.Assigned)),
			zap.Int("failed", len(res.Failures)),
		)
	}
	return res
}

// Remove deactivates the assignment identified by ref, which is either an
// assignment id or a template id, and deletes the lot's records for that
// template. It returns the number of deleted records.
func (m *Manager) Remove(ctx context.Context, lotID, ref string) (int, error) {
	if lotID == "" || ref == "" {
		return 0, apperr.Validation("lot id and assignment or template id are required")
	}
	assignments, err := m.List(ctx, lotID)
	if err != nil {
		return 0, err
	}

	var target *model.Assignment
	for i := range assignments {
		if assignments[i].ID == ref || assignments[i].TemplateID == ref {
			target = &assignments[i]
			break
		}
	}
	if target == nil {
		return 0, apperr.NotFound("no active assignment %s on lot %s", ref, lotID)
	}

	deleted, err := resilience.DoVal(ctx, m.policy, "deactivate assignment", func(ctx context.Context) (int, error) {
		return m.store.DeactivateAssignment(ctx, target.ID, m.now())
	})
	if err != nil {
		if store.IsNotFound(err) {
			return 0, apperr.Wrap(err, apperr.CodeNotFound, "assignment %s already removed", target.ID)
		}
		return 0, apperr.Persistence(err, "remove assignment %s", target.ID)
	}

	zap.L().Info("template unassigned",
		zap.String("lot_id", lotID),
		zap.String("template_id", target.TemplateID),
		zap.String("assignment_id", target.ID),
		zap.Int("records_deleted", deleted),
	)
	return deleted, nil
}

// List returns the active assignments of lotID ordered by assignment time,
// then id.
func (m *Manager) List(ctx context.Context, lotID string) ([]model.Assignment, error) {
	if lotID == "" {
		return nil, apperr.Validation("lot id is required")
	}
	if _, err := m.store.GetLot(ctx, lotID); err != nil {
		if store.IsNotFound(err) {
			return nil, apperr.Wrap(err, apperr.CodeNotFound, "lot %s not found", lotID)
		}
		return nil, apperr.Persistence(err, "load lot %s", lotID)
	}
	assignments, err := m.store.ListAssignments(ctx, lotID)
	if err != nil {
		return nil, apperr.Persistence(err, "list assignments of lot %s", lotID)
	}
	model.SortAssignments(assignments)
	return assignments, nil
}

func (m *Manager) findActive(ctx context.Context, lotID, templateID string) (*model.Assignment, error) {
	assignments, err := m.List(ctx, lotID)
	if err != nil {
		return nil, err
	}
	for i := range assignments {
		if assignments[i].TemplateID == templateID {
			return &assignments[i], nil
		}
	}
	return nil, nil
}

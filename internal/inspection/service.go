package inspection

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/siteqa/internal/apperr"
	"github.com/sells-group/siteqa/internal/assignment"
	"github.com/sells-group/siteqa/internal/conformance"
	"github.com/sells-group/siteqa/internal/metrics"
	"github.com/sells-group/siteqa/internal/model"
	"github.com/sells-group/siteqa/internal/progress"
	"github.com/sells-group/siteqa/internal/resilience"
	"github.com/sells-group/siteqa/internal/store"
)

// Options configures a Service.
type Options struct {
	Batch   BatchOptions
	Retry   resilience.Policy
	Metrics *metrics.Metrics
}

// Service is the operation facade consumed by the HTTP API and the CLI.
type Service struct {
	store       store.Store
	records     *conformance.Service
	assignments *assignment.Manager
	batch       BatchOptions
	metrics     *metrics.Metrics
}

// NewService wires the engine components over st.
func NewService(st store.Store, opts Options) *Service {
	return &Service{
		store:       st,
		records:     conformance.NewService(st, conformance.WithRetryPolicy(opts.Retry)),
		assignments: assignment.NewManager(st, opts.Retry),
		batch:       opts.Batch,
		metrics:     opts.Metrics,
	}
}

// --- Assignments ---

// AssignTemplates assigns every template in templateIDs to the lot. Failures
// are reported per template in the result, not as an error.
func (s *Service) AssignTemplates(ctx context.Context, lotID string, templateIDs []string) (*assignment.BulkResult, error) {
	if len(templateIDs) == 0 {
		return nil, apperr.Validation("at least one template id is required")
	}
	if _, err := s.GetLot(ctx, lotID); err != nil {
		return nil, err
	}
	res := s.assignments.AssignMany(ctx, lotID, templateIDs)
	for range res.Assigned {
		s.metrics.Assignment("assign", true)
	}
	for range res.Failures {
		s.metrics.Assignment("assign", false)
	}
	return res, nil
}

// RemoveAssignment removes the assignment identified by an assignment id or
// template id, deleting the lot's records for that template.
func (s *Service) RemoveAssignment(ctx context.Context, lotID, ref string) error {
	_, err := s.assignments.Remove(ctx, lotID, ref)
	s.metrics.Assignment("remove", err == nil)
	return err
}

// ListAssignments returns the active assignments of the lot.
func (s *Service) ListAssignments(ctx context.Context, lotID string) ([]model.Assignment, error) {
	return s.assignments.List(ctx, lotID)
}

// --- Conformance ---

// SaveConformance upserts one record.
func (s *Service) SaveConformance(ctx context.Context, lotID, itemID string, f conformance.Fields) (*model.ConformanceRecord, error) {
	rec, err := s.records.Upsert(ctx, lotID, itemID, f)
	if err != nil {
		s.metrics.SaveFailed(string(apperr.CodeOf(err)))
		return nil, err
	}
	s.metrics.RecordSaved(string(rec.ResultPassFail))
	return rec, nil
}

// Upsert lets the Service act as the Saver of a batch so every save is
// counted.
func (s *Service) Upsert(ctx context.Context, lotID, itemID string, f conformance.Fields) (*model.ConformanceRecord, error) {
	return s.SaveConformance(ctx, lotID, itemID, f)
}

// SaveConformanceBatch upserts many records in one concurrent wave.
func (s *Service) SaveConformanceBatch(ctx context.Context, lotID string, reqs []SaveRequest) (BatchResult, error) {
	if lotID == "" {
		return BatchResult{}, apperr.Validation("lot id is required")
	}
	if _, err := s.GetLot(ctx, lotID); err != nil {
		return BatchResult{}, err
	}

	start := time.Now()
	res := SaveBatch(ctx, s, lotID, reqs, s.batch)
	s.metrics.Batch(string(res.Outcome), time.Since(start))
	zap.L().Info("batch save finished",
		zap.String("lot_id", lotID),
		zap.String("outcome", string(res.Outcome)),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

// ApproveConformance stamps approval metadata on a record.
func (s *Service) ApproveConformance(ctx context.Context, lotID, itemID, approver string) (*model.ConformanceRecord, error) {
	return s.records.Approve(ctx, lotID, itemID, approver)
}

// Records returns the lot's committed records in display order.
func (s *Service) Records(ctx context.Context, lotID string) ([]model.ConformanceRecord, error) {
	records, err := s.records.FindByLot(ctx, lotID)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []model.ConformanceRecord{}
	}
	return records, nil
}

// --- Read model ---

// GetLotInspectionState loads the read model of the lot.
func (s *Service) GetLotInspectionState(ctx context.Context, lotID string) (*State, error) {
	if lotID == "" {
		return nil, apperr.Validation("lot id is required")
	}
	lot, err := s.GetLot(ctx, lotID)
	if err != nil {
		return nil, err
	}
	assignments, err := s.assignments.List(ctx, lotID)
	if err != nil {
		return nil, err
	}
	templates := make([]model.Template, 0, len(assignments))
	for _, a := range assignments {
		t, err := s.GetTemplate(ctx, a.TemplateID)
		if err != nil {
			return nil, err
		}
		templates = append(templates, *t)
	}
	records, err := s.store.ListRecords(ctx, lotID)
	if err != nil {
		return nil, apperr.Persistence(err, "list conformance records of lot %s", lotID)
	}
	conformance.OrderRecords(records, templates)
	return newState(*lot, assignments, templates, records), nil
}

// LotSummary is the per-template and overall progress of a lot.
type LotSummary struct {
	LotID     string            `json:"lot_id"`
	Mode      Mode              `json:"mode"`
	Templates []TemplateSummary `json:"templates"`
	Overall   progress.Stats    `json:"overall"`
}

// Summary returns the progress of the lot without the item detail.
func (s *Service) Summary(ctx context.Context, lotID string) (*LotSummary, error) {
	state, err := s.GetLotInspectionState(ctx, lotID)
	if err != nil {
		return nil, err
	}
	return &LotSummary{
		LotID:     lotID,
		Mode:      modeFor(len(state.Templates)),
		Templates: state.Summaries,
		Overall:   state.Overall,
	}, nil
}

// OpenView loads the lot and returns an editable view saving through the
// Service.
func (s *Service) OpenView(ctx context.Context, lotID string) (*View, error) {
	state, err := s.GetLotInspectionState(ctx, lotID)
	if err != nil {
		return nil, err
	}
	return NewView(state, s, s.batch), nil
}

// --- Lots ---

// NewLot is the input of CreateLot.
type NewLot struct {
	ProjectID   string `json:"project_id"`
	LotNumber   string `json:"lot_number"`
	Description string `json:"description"`
	CreatedBy   string `json:"created_by"`
}

// CreateLot creates a pending lot.
func (s *Service) CreateLot(ctx context.Context, in NewLot) (*model.Lot, error) {
	in.ProjectID = strings.TrimSpace(in.ProjectID)
	in.LotNumber = strings.TrimSpace(in.LotNumber)
	if in.ProjectID == "" || in.LotNumber == "" {
		return nil, apperr.Validation("project id and lot number are required")
	}
	now := time.Now().UTC()
	lot := &model.Lot{
		ID:          uuid.NewString(),
		ProjectID:   in.ProjectID,
		LotNumber:   in.LotNumber,
		Description: in.Description,
		Status:      model.LotStatusPending,
		CreatedBy:   in.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateLot(ctx, lot); err != nil {
		return nil, storeErr(err, "create lot %s", in.LotNumber)
	}
	zap.L().Info("lot created",
		zap.String("lot_id", lot.ID),
		zap.String("project_id", lot.ProjectID),
		zap.String("lot_number", lot.LotNumber),
	)
	return lot, nil
}

// GetLot returns one lot.
func (s *Service) GetLot(ctx context.Context, lotID string) (*model.Lot, error) {
	if lotID == "" {
		return nil, apperr.Validation("lot id is required")
	}
	lot, err := s.store.GetLot(ctx, lotID)
	if err != nil {
		return nil, storeErr(err, "lot %s", lotID)
	}
	return lot, nil
}

// ListLots returns lots matching filter.
func (s *Service) ListLots(ctx context.Context, filter store.LotFilter) ([]model.Lot, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, apperr.Validation("unknown lot status %q", filter.Status)
	}
	lots, err := s.store.ListLots(ctx, filter)
	if err != nil {
		return nil, apperr.Persistence(err, "list lots")
	}
	if lots == nil {
		lots = []model.Lot{}
	}
	return lots, nil
}

// DeleteLot deletes the lot with its assignments and records.
func (s *Service) DeleteLot(ctx context.Context, lotID string) error {
	if lotID == "" {
		return apperr.Validation("lot id is required")
	}
	if err := s.store.DeleteLot(ctx, lotID); err != nil {
		return storeErr(err, "delete lot %s", lotID)
	}
	zap.L().Info("lot deleted", zap.String("lot_id", lotID))
	return nil
}

// --- Templates ---

// ImportTemplates stores templates, replacing any with the same id. Missing
// template ids derive from organization, name and version; missing item ids
// from the template id and item number.
func (s *Service) ImportTemplates(ctx context.Context, templates []model.Template) ([]model.Template, error) {
	out := make([]model.Template, 0, len(templates))
	for _, t := range templates {
		if strings.TrimSpace(t.Name) == "" {
			return out, apperr.Validation("template name is required")
		}
		if t.ID == "" {
			t.ID = derivedID("template", t.OrganizationID, t.Name, t.Version)
		}
		t.Items = append([]model.Item(nil), t.Items...)
		used := make(map[string]bool, len(t.Items))
		for i := range t.Items {
			if t.Items[i].ID == "" {
				key := t.Items[i].ItemNumber
				if key == "" || used[key] {
					key = fmt.Sprintf("#%d", i)
				}
				used[key] = true
				t.Items[i].ID = derivedID("item", t.ID, key)
			}
			t.Items[i].TemplateID = t.ID
		}
		model.SortItems(t.Items)
		if err := s.store.SaveTemplate(ctx, &t); err != nil {
			return out, storeErr(err, "save template %s", t.Name)
		}
		zap.L().Info("template imported",
			zap.String("template_id", t.ID),
			zap.String("name", t.Name),
			zap.Int("items", len(t.Items)),
		)
		out = append(out, t)
	}
	return out, nil
}

// importNamespace seeds the name-based ids of imported templates.
var importNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:siteqa:itp-template"))

// derivedID returns a name-based UUID for parts, so re-importing the same
// file replaces templates instead of duplicating them.
func derivedID(parts ...string) string {
	return uuid.NewSHA1(importNamespace, []byte(strings.Join(parts, "\x00"))).String()
}

// GetTemplate returns a template with its items in display order.
func (s *Service) GetTemplate(ctx context.Context, templateID string) (*model.Template, error) {
	t, err := s.store.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, storeErr(err, "template %s", templateID)
	}
	model.SortItems(t.Items)
	return t, nil
}

// ListTemplates returns templates without items.
func (s *Service) ListTemplates(ctx context.Context, organizationID string) ([]model.Template, error) {
	ts, err := s.store.ListTemplates(ctx, organizationID)
	if err != nil {
		return nil, apperr.Persistence(err, "list templates")
	}
	if ts == nil {
		ts = []model.Template{}
	}
	return ts, nil
}

// Ping checks the store.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return apperr.Persistence(err, "store unreachable")
	}
	return nil
}

func storeErr(err error, format string, args ...any) error {
	switch {
	case store.IsNotFound(err):
		return apperr.Wrap(err, apperr.CodeNotFound, format+": not found", args...)
	case store.IsConflict(err):
		return apperr.Wrap(err, apperr.CodeConflict, format+": already exists", args...)
	}
	return apperr.Persistence(err, format, args...)
}

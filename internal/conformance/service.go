// Package conformance records one inspection result per (lot, item) pair.
package conformance

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/siteqa/internal/apperr"
	"github.com/sells-group/siteqa/internal/model"
	"github.com/sells-group/siteqa/internal/resilience"
	"github.com/sells-group/siteqa/internal/store"
)

// maxMergeAttempts bounds how often an unconditional upsert re-reads and
// re-merges after losing a version race.
const maxMergeAttempts = 5

// Service owns create and update of conformance records.
type Service struct {
	store  store.Store
	policy resilience.Policy
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithRetryPolicy sets the policy used for transient store failures.
func WithRetryPolicy(p resilience.Policy) Option {
	return func(s *Service) { s.policy = p }
}

// WithClock overrides the inspection timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a conformance Service backed by st.
func NewService(st store.Store, opts ...Option) *Service {
	s := &Service{
		store:  st,
		policy: resilience.DefaultPolicy(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Upsert creates or merges the record for (lotID, itemID). Supplied fields
// overwrite, unsupplied fields are preserved, the inspection timestamp is
// refreshed and the non-conformance flag is recomputed.
func (s *Service) Upsert(ctx context.Context, lotID, itemID string, f Fields) (*model.ConformanceRecord, error) {
	if lotID == "" || itemID == "" {
		return nil, apperr.Validation("lot id and item id are required")
	}
	if f.ResultPassFail != nil && !f.ResultPassFail.Valid() {
		return nil, apperr.Validation("unknown result %q", *f.ResultPassFail)
	}

	for attempt := 1; ; attempt++ {
		// Resolved on every pass: the template may have been removed from
		// the lot while the previous attempt raced.
		item, err := s.resolveItem(ctx, lotID, itemID)
		if err != nil {
			return nil, err
		}
		rec, err := s.upsertOnce(ctx, lotID, item, f)
		if err == nil {
			zap.L().Debug("conformance record saved",
				zap.String("lot_id", lotID),
				zap.String("item_id", itemID),
				zap.String("result", string(rec.ResultPassFail)),
				zap.Int("version", rec.Version),
			)
			return rec, nil
		}
		if f.ExpectedVersion != 0 || !store.IsConflict(err) || attempt >= maxMergeAttempts {
			return nil, mapStoreErr(err, "save conformance record %s/%s", lotID, itemID)
		}
		zap.L().Debug("conformance record changed concurrently, re-merging",
			zap.String("lot_id", lotID),
			zap.String("item_id", itemID),
			zap.Int("attempt", attempt),
		)
	}
}

func (s *Service) upsertOnce(ctx context.Context, lotID string, item model.Item, f Fields) (*model.ConformanceRecord, error) {
	existing, err := resilience.DoVal(ctx, s.policy, "get record", func(ctx context.Context) (*model.ConformanceRecord, error) {
		return s.store.GetRecord(ctx, lotID, item.ID)
	})
	if err != nil && !store.IsNotFound(err) {
		return nil, err
	}

	var rec model.ConformanceRecord
	prevVersion := 0
	if existing != nil {
		rec = *existing
		prevVersion = existing.Version
	} else {
		rec = model.ConformanceRecord{
			ID:     uuid.NewString(),
			LotID:  lotID,
			ItemID: item.ID,
		}
	}
	if f.ExpectedVersion != 0 && f.ExpectedVersion != prevVersion {
		return nil, apperr.Conflict("record %s/%s is at version %d, expected %d",
			lotID, item.ID, prevVersion, f.ExpectedVersion)
	}

	f.apply(&rec)
	rec.TemplateID = item.TemplateID
	rec.InspectedAt = s.now()
	rec.Version = prevVersion + 1

	err = resilience.Do(ctx, s.policy, "save record", func(ctx context.Context) error {
		return s.store.SaveRecord(ctx, &rec, prevVersion)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Approve stamps approval metadata on an existing record.
func (s *Service) Approve(ctx context.Context, lotID, itemID, approver string) (*model.ConformanceRecord, error) {
	if lotID == "" || itemID == "" || approver == "" {
		return nil, apperr.Validation("lot id, item id and approver are required")
	}

	for attempt := 1; ; attempt++ {
		rec, err := s.store.GetRecord(ctx, lotID, itemID)
		if err != nil {
			return nil, mapStoreErr(err, "load conformance record %s/%s", lotID, itemID)
		}
		prev := rec.Version
		at := s.now()
		rec.ApprovedBy = approver
		rec.ApprovedAt = &at
		rec.Version = prev + 1

		err = resilience.Do(ctx, s.policy, "approve record", func(ctx context.Context) error {
			return s.store.SaveRecord(ctx, rec, prev)
		})
		if err == nil {
			zap.L().Info("conformance record approved",
				zap.String("lot_id", lotID),
				zap.String("item_id", itemID),
				zap.String("approved_by", approver),
			)
			return rec, nil
		}
		if !store.IsConflict(err) || attempt >= maxMergeAttempts {
			return nil, mapStoreErr(err, "approve conformance record %s/%s", lotID, itemID)
		}
	}
}

// FindByLotAndItem returns the record for (lotID, itemID).
func (s *Service) FindByLotAndItem(ctx context.Context, lotID, itemID string) (*model.ConformanceRecord, error) {
	if lotID == "" || itemID == "" {
		return nil, apperr.Validation("lot id and item id are required")
	}
	rec, err := s.store.GetRecord(ctx, lotID, itemID)
	if err != nil {
		return nil, mapStoreErr(err, "load conformance record %s/%s", lotID, itemID)
	}
	return rec, nil
}

// FindByLot returns every record of the lot ordered by assignment order, then
// item order index, then item id. Records whose item is not on an active
// template come last, ordered by item id.
func (s *Service) FindByLot(ctx context.Context, lotID string) ([]model.ConformanceRecord, error) {
	if lotID == "" {
		return nil, apperr.Validation("lot id is required")
	}
	templates, err := s.ActiveTemplates(ctx, lotID)
	if err != nil {
		return nil, err
	}
	records, err := s.store.ListRecords(ctx, lotID)
	if err != nil {
		return nil, apperr.Persistence(err, "list conformance records of lot %s", lotID)
	}
	OrderRecords(records, templates)
	return records, nil
}

// ActiveTemplates loads the templates actively assigned to lotID, with their
// items, in assignment order.
func (s *Service) ActiveTemplates(ctx context.Context, lotID string) ([]model.Template, error) {
	if _, err := s.store.GetLot(ctx, lotID); err != nil {
		return nil, mapStoreErr(err, "load lot %s", lotID)
	}
	assignments, err := s.store.ListAssignments(ctx, lotID)
	if err != nil {
		return nil, apperr.Persistence(err, "list assignments of lot %s", lotID)
	}
	templates := make([]model.Template, 0, len(assignments))
	for _, a := range assignments {
		t, err := s.store.GetTemplate(ctx, a.TemplateID)
		if err != nil {
			return nil, mapStoreErr(err, "load template %s", a.TemplateID)
		}
		model.SortItems(t.Items)
		templates = append(templates, *t)
	}
	return templates, nil
}

func (s *Service) resolveItem(ctx context.Context, lotID, itemID string) (model.Item, error) {
	templates, err := s.ActiveTemplates(ctx, lotID)
	if err != nil {
		return model.Item{}, err
	}
	for i := range templates {
		if it, ok := templates[i].ItemByID(itemID); ok {
			it.TemplateID = templates[i].ID
			return it, nil
		}
	}
	return model.Item{}, apperr.NotFound("item %s is not on any template assigned to lot %s", itemID, lotID)
}

// OrderRecords sorts records in place by the position of their item in
// templates (already in assignment order). Unknown items go last by id.
func OrderRecords(records []model.ConformanceRecord, templates []model.Template) {
	type pos struct{ tpl, idx int }
	position := make(map[string]pos)
	for ti, t := range templates {
		for ii, it := range t.Items {
			if _, seen := position[it.ID]; !seen {
				position[it.ID] = pos{ti, ii}
			}
		}
	}
	sort.SliceStable(records, func(i, j int) bool {
		pi, iok := position[records[i].ItemID]
		pj, jok := position[records[j].ItemID]
		switch {
		case iok && jok:
			if pi.tpl != pj.tpl {
				return pi.tpl < pj.tpl
			}
			if pi.idx != pj.idx {
				return pi.idx < pj.idx
			}
		case iok != jok:
			return iok
		}
		return records[i].ItemID < records[j].ItemID
	})
}

// mapStoreErr converts store sentinels to taxonomy codes and wraps anything
// else as a persistence failure. Typed errors pass through.
func mapStoreErr(err error, format string, args ...any) error {
	var typed *apperr.Error
	if errors.As(err, &typed) {
		return err
	}
	switch {
	case store.IsNotFound(err):
		return apperr.Wrap(err, apperr.CodeNotFound, format+": not found", args...)
	case store.IsConflict(err):
		return apperr.Wrap(err, apperr.CodeConflict, format+": changed concurrently", args...)
	}
	return apperr.Persistence(err, format, args...)
}

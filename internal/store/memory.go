package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sells-group/siteqa/internal/model"
)

type recordKey struct {
	lotID  string
	itemID string
}

// MemoryStore is a process-local Store guarded by a single RWMutex. State is
// lost when the process exits; it is meant for tests and local runs.
type MemoryStore struct {
	mu          sync.RWMutex
	lots        map[string]model.Lot
	templates   map[string]model.Template
	assignments map[string]model.Assignment
	records     map[recordKey]model.ConformanceRecord
}

// NewMemory returns an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		lots:        map[string]model.Lot{},
		templates:   map[string]model.Template{},
		assignments: map[string]model.Assignment{},
		records:     map[recordKey]model.ConformanceRecord{},
	}
}

func (s *MemoryStore) Ping(context.Context) error    { return nil }
func (s *MemoryStore) Migrate(context.Context) error { return nil }
func (s *MemoryStore) Close() error                  { return nil }

func (s *MemoryStore) CreateLot(_ context.Context, lot *model.Lot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lots[lot.ID]; ok {
		return conflict("lot %s already exists", lot.ID)
	}
	for _, l := range s.lots {
		if l.ProjectID == lot.ProjectID && l.LotNumber == lot.LotNumber {
			return conflict("lot number %s already exists in project %s", lot.LotNumber, lot.ProjectID)
		}
	}
	s.lots[lot.ID] = *lot
	return nil
}

func (s *MemoryStore) GetLot(_ context.Context, lotID string) (*model.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.lots[lotID]
	if !ok {
		return nil, notFound("lot", lotID)
	}
	return &l, nil
}

func (s *MemoryStore) ListLots(_ context.Context, filter LotFilter) ([]model.Lot, error) {
	s.mu.RLock()
	var lots []model.Lot
	for _, l := range s.lots {
		if filter.ProjectID != "" && l.ProjectID != filter.ProjectID {
			continue
		}
		if filter.Status != "" && l.Status != filter.Status {
			continue
		}
		lots = append(lots, l)
	}
	s.mu.RUnlock()

	sort.Slice(lots, func(i, j int) bool {
		if !lots[i].CreatedAt.Equal(lots[j].CreatedAt) {
			return lots[i].CreatedAt.After(lots[j].CreatedAt)
		}
		return lots[i].ID < lots[j].ID
	})
	if filter.Offset >= len(lots) {
		return nil, nil
	}
	lots = lots[filter.Offset:]
	if limit := defaultLimit(filter.Limit); len(lots) > limit {
		lots = lots[:limit]
	}
	return lots, nil
}

func (s *MemoryStore) DeleteLot(_ context.Context, lotID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lots[lotID]; !ok {
		return notFound("lot", lotID)
	}
	delete(s.lots, lotID)
	for id, a := range s.assignments {
		if a.LotID == lotID {
			delete(s.assignments, id)
		}
	}
	for k := range s.records {
		if k.lotID == lotID {
			delete(s.records, k)
		}
	}
	return nil
}

func (s *MemoryStore) SaveTemplate(_ context.Context, tpl *model.Template) error {
	t := cloneTemplate(*tpl)
	for i := range t.Items {
		t.Items[i].TemplateID = t.ID
	}
	model.SortItems(t.Items)

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.templates {
		if id == t.ID {
			continue
		}
		for _, old := range existing.Items {
			for _, it := range t.Items {
				if old.ID == it.ID {
					return conflict("item %s already belongs to template %s", it.ID, id)
				}
			}
		}
	}
	s.templates[t.ID] = t
	return nil
}

func (s *MemoryStore) GetTemplate(_ context.Context, templateID string) (*model.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[templateID]
	if !ok {
		return nil, notFound("template", templateID)
	}
	t = cloneTemplate(t)
	return &t, nil
}

func (s *MemoryStore) ListTemplates(_ context.Context, organizationID string) ([]model.Template, error) {
	s.mu.RLock()
	var out []model.Template
	for _, t := range s.templates {
		if organizationID != "" && t.OrganizationID != organizationID {
			continue
		}
		t.Items = nil
		out = append(out, t)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) CreateAssignment(_ context.Context, a *model.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lots[a.LotID]; !ok {
		return notFound("lot", a.LotID)
	}
	if _, ok := s.templates[a.TemplateID]; !ok {
		return notFound("template", a.TemplateID)
	}
	for _, existing := range s.assignments {
		if existing.Active && existing.LotID == a.LotID && existing.TemplateID == a.TemplateID {
			return conflict("template %s already active on lot %s", a.TemplateID, a.LotID)
		}
	}
	s.assignments[a.ID] = *a
	return nil
}

func (s *MemoryStore) ListAssignments(_ context.Context, lotID string) ([]model.Assignment, error) {
	s.mu.RLock()
	var out []model.Assignment
	for _, a := range s.assignments {
		if a.LotID == lotID && a.Active {
			out = append(out, a)
		}
	}
	s.mu.RUnlock()

	model.SortAssignments(out)
	return out, nil
}

func (s *MemoryStore) DeactivateAssignment(_ context.Context, assignmentID string, removedAt time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assignments[assignmentID]
	if !ok || !a.Active {
		return 0, notFound("assignment", assignmentID)
	}
	a.Active = false
	a.RemovedAt = &removedAt
	s.assignments[assignmentID] = a

	deleted := 0
	for k, r := range s.records {
		if r.LotID == a.LotID && r.TemplateID == a.TemplateID {
			delete(s.records, k)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryStore) GetRecord(_ context.Context, lotID, itemID string) (*model.ConformanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[recordKey{lotID, itemID}]
	if !ok {
		return nil, notFound("conformance record", lotID+"/"+itemID)
	}
	r = cloneRecord(r)
	return &r, nil
}

func (s *MemoryStore) ListRecords(_ context.Context, lotID string) ([]model.ConformanceRecord, error) {
	s.mu.RLock()
	var out []model.ConformanceRecord
	for k, r := range s.records {
		if k.lotID == lotID {
			out = append(out, cloneRecord(r))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out, nil
}

func (s *MemoryStore) SaveRecord(_ context.Context, rec *model.ConformanceRecord, prevVersion int) error {
	key := recordKey{rec.LotID, rec.ItemID}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lots[rec.LotID]; !ok {
		return notFound("lot", rec.LotID)
	}
	if !s.assignedLocked(rec.LotID, rec.TemplateID) {
		return notFound("active assignment", rec.LotID+"/"+rec.TemplateID)
	}
	existing, exists := s.records[key]
	switch {
	case prevVersion == 0 && exists:
		return conflict("conformance record %s/%s already exists", rec.LotID, rec.ItemID)
	case prevVersion != 0 && !exists:
		return conflict("conformance record %s/%s was removed", rec.LotID, rec.ItemID)
	case prevVersion != 0 && existing.Version != prevVersion:
		return conflict("conformance record %s/%s is at version %d, not %d",
			rec.LotID, rec.ItemID, existing.Version, prevVersion)
	}
	s.records[key] = cloneRecord(*rec)
	return nil
}

func (s *MemoryStore) assignedLocked(lotID, templateID string) bool {
	for _, a := range s.assignments {
		if a.Active && a.LotID == lotID && a.TemplateID == templateID {
			return true
		}
	}
	return false
}

func cloneTemplate(t model.Template) model.Template {
	t.Items = append([]model.Item(nil), t.Items...)
	return t
}

func cloneRecord(r model.ConformanceRecord) model.ConformanceRecord {
	if r.ResultNumeric != nil {
		v := *r.ResultNumeric
		r.ResultNumeric = &v
	}
	if r.ResultText != nil {
		v := *r.ResultText
		r.ResultText = &v
	}
	if r.CorrectiveAction != nil {
		v := *r.CorrectiveAction
		r.CorrectiveAction = &v
	}
	if r.ApprovedAt != nil {
		v := *r.ApprovedAt
		r.ApprovedAt = &v
	}
	return r
}

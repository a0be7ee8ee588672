package inspection

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/siteqa/internal/apperr"
	"github.com/sells-group/siteqa/internal/conformance"
	"github.com/sells-group/siteqa/internal/metrics"
	"github.com/sells-group/siteqa/internal/model"
	"github.com/sells-group/siteqa/internal/resilience"
	"github.com/sells-group/siteqa/internal/store"
)

var fixedNow = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

// newFixture stores lot L and templates T1 (2 items) and T2 (3 items),
// none assigned yet.
func newFixture(t *testing.T) *store.MemoryStore {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()
	require.NoError(t, st.CreateLot(ctx, &model.Lot{ID: "L", ProjectID: "P", LotNumber: "1", CreatedAt: fixedNow, UpdatedAt: fixedNow}))
	require.NoError(t, st.SaveTemplate(ctx, &model.Template{ID: "T1", Name: "Subgrade", Items: []model.Item{
		{ID: "T1-a", ItemNumber: "1", InspectionMethod: model.MethodPassFail, OrderIndex: 0},
		{ID: "T1-b", ItemNumber: "2", InspectionMethod: model.MethodNumeric, OrderIndex: 1},
	}}))
	require.NoError(t, st.SaveTemplate(ctx, &model.Template{ID: "T2", Name: "Pavement", Items: []model.Item{
		{ID: "T2-a", ItemNumber: "1", InspectionMethod: model.MethodPassFail, OrderIndex: 0},
		{ID: "T2-b", ItemNumber: "2", InspectionMethod: model.MethodVisual, OrderIndex: 1},
		{ID: "T2-c", ItemNumber: "3", InspectionMethod: model.MethodText, OrderIndex: 2},
	}}))
	return st
}

func newTestService(st store.Store) *Service {
	return NewService(st, Options{
		Batch: BatchOptions{MaxConcurrent: 4},
		Retry: resilience.Policy{Attempts: 1},
	})
}

func assignAll(t *testing.T, svc *Service, templateIDs ...string) {
	t.Helper()
	for _, id := range templateIDs {
		res, err := svc.AssignTemplates(context.Background(), "L", []string{id})
		require.NoError(t, err)
		require.True(t, res.OK())
		time.Sleep(time.Millisecond)
	}
}

func TestService_TwoTemplatesThenRemoveOne(t *testing.T) {
	st := newFixture(t)
	svc := newTestService(st)
	ctx := context.Background()
	assignAll(t, svc, "T1", "T2")

	_, err := svc.SaveConformance(ctx, "L", "T1-a", conformance.Verdict(model.ResultPass))
	require.NoError(t, err)
	_, err = svc.SaveConformance(ctx, "L", "T2-a", conformance.Verdict(model.ResultFail))
	require.NoError(t, err)
	_, err = svc.SaveConformance(ctx, "L", "T2-b", conformance.Verdict(model.ResultNA))
	require.NoError(t, err)

	state, err := svc.GetLotInspectionState(ctx, "L")
	require.NoError(t, err)
	require.Len(t, state.Summaries, 2)
	assert.Len(t, state.Items, 5)
	assert.Len(t, state.Records, 3)

	t1, ok := state.Summary("T1")
	require.True(t, ok)
	assert.Equal(t, 2, t1.Stats.Total)
	assert.Equal(t, 1, t1.Stats.Passed)
	assert.Equal(t, 50, t1.Stats.Percent)

	t2, ok := state.Summary("T2")
	require.True(t, ok)
	assert.Equal(t, 3, t2.Stats.Total)
	assert.Equal(t, 1, t2.Stats.Failed)
	assert.Equal(t, 1, t2.Stats.NA)
	assert.Equal(t, 1, t2.Stats.Pending)
	assert.Equal(t, 67, t2.Stats.Percent)

	assert.Equal(t, 5, state.Overall.Total)
	assert.Equal(t, 3, state.Overall.Completed)

	require.NoError(t, svc.RemoveAssignment(ctx, "L", "T1"))

	state, err = svc.GetLotInspectionState(ctx, "L")
	require.NoError(t, err)
	require.Len(t, state.Assignments, 1)
	assert.Equal(t, "T2", state.Assignments[0].TemplateID)
	assert.Len(t, state.Items, 3)
	for _, r := range state.Records {
		assert.Equal(t, "T2", r.TemplateID)
	}
	assert.Len(t, state.Records, 2)
}

func TestService_AssignTemplatesValidation(t *testing.T) {
	svc := newTestService(newFixture(t))
	ctx := context.Background()

	_, err := svc.AssignTemplates(ctx, "L", nil)
	assert.True(t, apperr.Is(err, apperr.CodeValidation))

	_, err = svc.AssignTemplates(ctx, "missing", []string{"T1"})
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))

	res, err := svc.AssignTemplates(ctx, "L", []string{"T1", "nope"})
	require.NoError(t, err)
	assert.Len(t, res.Assigned, 1)
	assert.Len(t, res.Failures, 1)
}

func TestService_EmptyLotState(t *testing.T) {
	svc := newTestService(newFixture(t))
	state, err := svc.GetLotInspectionState(context.Background(), "L")
	require.NoError(t, err)
	assert.Empty(t, state.Assignments)
	assert.Empty(t, state.Items)
	assert.Equal(t, 0, state.Overall.Percent)

	sum, err := svc.Summary(context.Background(), "L")
	require.NoError(t, err)
	assert.Equal(t, ModeNeedsAssignment, sum.Mode)
}

func TestService_SaveConformanceBatch(t *testing.T) {
	svc := newTestService(newFixture(t))
	ctx := context.Background()
	assignAll(t, svc, "T2")

	res, err := svc.SaveConformanceBatch(ctx, "L", []SaveRequest{
		{ItemID: "T2-a", Fields: conformance.Verdict(model.ResultPass)},
		{ItemID: "T2-b", Fields: conformance.Fields{ResultText: ptr("no cracks")}},
		{ItemID: "T1-a", Fields: conformance.Verdict(model.ResultPass)},
	})
	require.NoError(t, err)
	assert.Equal(t, PartialFailure, res.Outcome)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, apperr.CodeNotFound, res.Items[2].Code)

	_, err = svc.SaveConformanceBatch(ctx, "missing", nil)
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
}

func TestService_Lots(t *testing.T) {
	svc := newTestService(store.NewMemory())
	ctx := context.Background()

	lot, err := svc.CreateLot(ctx, NewLot{ProjectID: "P", LotNumber: " 42 ", Description: "Footings"})
	require.NoError(t, err)
	assert.Equal(t, "42", lot.LotNumber)
	assert.Equal(t, model.LotStatusPending, lot.Status)

	_, err = svc.CreateLot(ctx, NewLot{ProjectID: "P", LotNumber: "42"})
	assert.True(t, apperr.Is(err, apperr.CodeConflict))

	_, err = svc.CreateLot(ctx, NewLot{ProjectID: "P"})
	assert.True(t, apperr.Is(err, apperr.CodeValidation))

	lots, err := svc.ListLots(ctx, store.LotFilter{ProjectID: "P"})
	require.NoError(t, err)
	assert.Len(t, lots, 1)

	_, err = svc.ListLots(ctx, store.LotFilter{Status: "bogus"})
	assert.True(t, apperr.Is(err, apperr.CodeValidation))

	require.NoError(t, svc.DeleteLot(ctx, lot.ID))
	_, err = svc.GetLot(ctx, lot.ID)
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
}

func TestService_ImportTemplatesGeneratesIDs(t *testing.T) {
	svc := newTestService(store.NewMemory())
	ctx := context.Background()

	out, err := svc.ImportTemplates(ctx, []model.Template{{
		Name: "Concrete",
		Items: []model.Item{
			{ItemNumber: "2", Description: "Slump", OrderIndex: 1},
			{ItemNumber: "1", Description: "Formwork", OrderIndex: 0},
		},
	}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.NotEmpty(t, out[0].ID)

	got, err := svc.GetTemplate(ctx, out[0].ID)
	require.NoError(t, err)
	require.Len(t, got.Items, 2)
	assert.Equal(t, "Formwork", got.Items[0].Description)
	assert.NotEmpty(t, got.Items[0].ID)
	assert.Equal(t, out[0].ID, got.Items[0].TemplateID)

	_, err = svc.ImportTemplates(ctx, []model.Template{{Name: " "}})
	assert.True(t, apperr.Is(err, apperr.CodeValidation))
}

func TestService_ReimportReplacesTemplate(t *testing.T) {
	svc := newTestService(store.NewMemory())
	ctx := context.Background()

	file := func(slump string) []model.Template {
		return []model.Template{{
			OrganizationID: "org-1",
			Name:           "Concrete",
			Version:        "2",
			Items: []model.Item{
				{ItemNumber: "1", Description: "Formwork"},
				{ItemNumber: "2", Description: slump, OrderIndex: 1},
				{ItemNumber: "2", Description: "Cover", OrderIndex: 2},
			},
		}}
	}

	first, err := svc.ImportTemplates(ctx, file("Slump"))
	require.NoError(t, err)
	second, err := svc.ImportTemplates(ctx, file("Slump test"))
	require.NoError(t, err)

	assert.Equal(t, first[0].ID, second[0].ID)
	for i := range first[0].Items {
		assert.Equal(t, first[0].Items[i].ID, second[0].Items[i].ID)
	}
	assert.NotEqual(t, second[0].Items[1].ID, second[0].Items[2].ID)

	list, err := svc.ListTemplates(ctx, "org-1")
	require.NoError(t, err)
	require.Len(t, list, 1)

	got, err := svc.GetTemplate(ctx, first[0].ID)
	require.NoError(t, err)
	require.Len(t, got.Items, 3)
	assert.Equal(t, "Slump test", got.Items[1].Description)

	// A new version is a separate template.
	next := file("Slump")
	next[0].Version = "3"
	third, err := svc.ImportTemplates(ctx, next)
	require.NoError(t, err)
	assert.NotEqual(t, first[0].ID, third[0].ID)
}

func TestService_RecordsMetrics(t *testing.T) {
	m := metrics.New()
	st := newFixture(t)
	svc := NewService(st, Options{Metrics: m, Retry: resilience.Policy{Attempts: 1}})
	ctx := context.Background()

	_, err := svc.AssignTemplates(ctx, "L", []string{"T1"})
	require.NoError(t, err)
	_, err = svc.SaveConformance(ctx, "L", "T1-a", conformance.Verdict(model.ResultPass))
	require.NoError(t, err)
	_, err = svc.SaveConformance(ctx, "L", "nope", conformance.Verdict(model.ResultPass))
	require.Error(t, err)

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["siteqa_conformance_records_saved_total"])
	assert.True(t, names["siteqa_conformance_save_failures_total"])
	assert.True(t, names["siteqa_assignment_operations_total"])
}

// failingStore fails SaveRecord for the listed items until healed.
type failingStore struct {
	store.Store
	mu    sync.Mutex
	fail  map[string]bool
	calls map[string]int
}

func newFailingStore(inner store.Store, items ...string) *failingStore {
	f := &failingStore{Store: inner, fail: map[string]bool{}, calls: map[string]int{}}
	for _, id := range items {
		f.fail[id] = true
	}
	return f
}

func (f *failingStore) SaveRecord(ctx context.Context, rec *model.ConformanceRecord, prevVersion int) error {
	f.mu.Lock()
	f.calls[rec.ItemID]++
	fail := f.fail[rec.ItemID]
	f.mu.Unlock()
	if fail {
		return assert.AnError
	}
	return f.Store.SaveRecord(ctx, rec, prevVersion)
}

func (f *failingStore) heal() {
	f.mu.Lock()
	f.fail = map[string]bool{}
	f.mu.Unlock()
}

func (f *failingStore) callCount(itemID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[itemID]
}

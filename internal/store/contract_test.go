package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/siteqa/internal/model"
)

// backends returns every Store implementation that runs without external
// services.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": newTestSQLiteStore(t),
	}
}

var baseTime = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

func seedLot(t *testing.T, st Store, id string) *model.Lot {
	t.Helper()
	lot := &model.Lot{
		ID:        id,
		ProjectID: "proj-1",
		LotNumber: "LOT-" + id,
		Status:    model.LotStatusInProgress,
		CreatedAt: baseTime,
		UpdatedAt: baseTime,
	}
	require.NoError(t, st.CreateLot(context.Background(), lot))
	return lot
}

func seedTemplate(t *testing.T, st Store, id string, itemIDs ...string) *model.Template {
	t.Helper()
	tpl := &model.Template{ID: id, OrganizationID: "org-1", Name: "Template " + id, Version: "1"}
	for i, itemID := range itemIDs {
		tpl.Items = append(tpl.Items, model.Item{
			ID:               itemID,
			TemplateID:       id,
			ItemNumber:       fmt.Sprintf("%d.0", i+1),
			Description:      "check " + itemID,
			InspectionMethod: model.MethodPassFail,
			OrderIndex:       i,
		})
	}
	require.NoError(t, st.SaveTemplate(context.Background(), tpl))
	return tpl
}

func seedAssignment(t *testing.T, st Store, id, lotID, templateID string) {
	t.Helper()
	require.NoError(t, st.CreateAssignment(context.Background(), &model.Assignment{
		ID: id, LotID: lotID, TemplateID: templateID, AssignedAt: baseTime, Active: true,
	}))
}

func seedRecord(t *testing.T, st Store, lotID, templateID, itemID string, result model.Result) {
	t.Helper()
	rec := &model.ConformanceRecord{
		ID:             "rec-" + lotID + "-" + itemID,
		LotID:          lotID,
		ItemID:         itemID,
		TemplateID:     templateID,
		ResultPassFail: result,
		InspectedAt:    baseTime,
		Version:        1,
	}
	require.NoError(t, st.SaveRecord(context.Background(), rec, 0))
}

func TestStore_Lots(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedLot(t, st, "lot-a")
			seedLot(t, st, "lot-b")

			got, err := st.GetLot(ctx, "lot-a")
			require.NoError(t, err)
			assert.Equal(t, "LOT-lot-a", got.LotNumber)
			assert.Equal(t, model.LotStatusInProgress, got.Status)
			assert.True(t, baseTime.Equal(got.CreatedAt))

			_, err = st.GetLot(ctx, "missing")
			assert.True(t, IsNotFound(err))

			dup := &model.Lot{ID: "lot-c", ProjectID: "proj-1", LotNumber: "LOT-lot-a", CreatedAt: baseTime, UpdatedAt: baseTime}
			assert.True(t, IsConflict(st.CreateLot(ctx, dup)))

			lots, err := st.ListLots(ctx, LotFilter{ProjectID: "proj-1"})
			require.NoError(t, err)
			assert.Len(t, lots, 2)

			lots, err = st.ListLots(ctx, LotFilter{ProjectID: "other"})
			require.NoError(t, err)
			assert.Empty(t, lots)
		})
	}
}

func TestStore_DeleteLotCascades(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedLot(t, st, "lot-a")
			seedTemplate(t, st, "tpl-1", "item-1")
			require.NoError(t, st.CreateAssignment(ctx, &model.Assignment{
				ID: "asg-1", LotID: "lot-a", TemplateID: "tpl-1", AssignedAt: baseTime, Active: true,
			}))
			seedRecord(t, st, "lot-a", "tpl-1", "item-1", model.ResultPass)

			require.NoError(t, st.DeleteLot(ctx, "lot-a"))

			assignments, err := st.ListAssignments(ctx, "lot-a")
			require.NoError(t, err)
			assert.Empty(t, assignments)
			records, err := st.ListRecords(ctx, "lot-a")
			require.NoError(t, err)
			assert.Empty(t, records)

			assert.True(t, IsNotFound(st.DeleteLot(ctx, "lot-a")))
		})
	}
}

func TestStore_Templates(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedTemplate(t, st, "tpl-1", "item-1", "item-2", "item-3")

			got, err := st.GetTemplate(ctx, "tpl-1")
			require.NoError(t, err)
			require.Len(t, got.Items, 3)
			assert.Equal(t, "item-1", got.Items[0].ID)
			assert.Equal(t, "tpl-1", got.Items[2].TemplateID)

			// Saving again replaces the item list.
			got.Items = got.Items[:1]
			got.Name = "Renamed"
			require.NoError(t, st.SaveTemplate(ctx, got))
			again, err := st.GetTemplate(ctx, "tpl-1")
			require.NoError(t, err)
			assert.Equal(t, "Renamed", again.Name)
			assert.Len(t, again.Items, 1)

			list, err := st.ListTemplates(ctx, "org-1")
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Empty(t, list[0].Items)

			_, err = st.GetTemplate(ctx, "missing")
			assert.True(t, IsNotFound(err))
		})
	}
}

func TestStore_TemplateItemOwnership(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			seedTemplate(t, st, "tpl-1", "item-1")
			err := st.SaveTemplate(context.Background(), &model.Template{
				ID: "tpl-2", Name: "Other", Items: []model.Item{{ID: "item-1"}},
			})
			assert.True(t, IsConflict(err))
		})
	}
}

func TestStore_Assignments(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedLot(t, st, "lot-a")
			seedTemplate(t, st, "tpl-1", "item-1")
			seedTemplate(t, st, "tpl-2", "item-2")

			require.NoError(t, st.CreateAssignment(ctx, &model.Assignment{
				ID: "asg-2", LotID: "lot-a", TemplateID: "tpl-2", AssignedAt: baseTime.Add(time.Minute), Active: true,
			}))
			require.NoError(t, st.CreateAssignment(ctx, &model.Assignment{
				ID: "asg-1", LotID: "lot-a", TemplateID: "tpl-1", AssignedAt: baseTime, Active: true,
			}))

			err := st.CreateAssignment(ctx, &model.Assignment{
				ID: "asg-3", LotID: "lot-a", TemplateID: "tpl-1", AssignedAt: baseTime, Active: true,
			})
			assert.True(t, IsConflict(err))

			err = st.CreateAssignment(ctx, &model.Assignment{
				ID: "asg-4", LotID: "missing", TemplateID: "tpl-1", AssignedAt: baseTime, Active: true,
			})
			assert.True(t, IsNotFound(err))

			list, err := st.ListAssignments(ctx, "lot-a")
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "asg-1", list[0].ID)
			assert.Equal(t, "asg-2", list[1].ID)
			assert.True(t, list[0].Active)
		})
	}
}

func TestStore_DeactivateAssignmentCascadesScopedToTemplate(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedLot(t, st, "lot-a")
			seedTemplate(t, st, "tpl-1", "item-1", "item-2")
			seedTemplate(t, st, "tpl-2", "item-3")
			for _, a := range []model.Assignment{
				{ID: "asg-1", LotID: "lot-a", TemplateID: "tpl-1", AssignedAt: baseTime, Active: true},
				{ID: "asg-2", LotID: "lot-a", TemplateID: "tpl-2", AssignedAt: baseTime, Active: true},
			} {
				require.NoError(t, st.CreateAssignment(ctx, &a))
			}
			seedRecord(t, st, "lot-a", "tpl-1", "item-1", model.ResultPass)
			seedRecord(t, st, "lot-a", "tpl-1", "item-2", model.ResultFail)
			seedRecord(t, st, "lot-a", "tpl-2", "item-3", model.ResultNA)

			deleted, err := st.DeactivateAssignment(ctx, "asg-1", baseTime.Add(time.Hour))
			require.NoError(t, err)
			assert.Equal(t, 2, deleted)

			records, err := st.ListRecords(ctx, "lot-a")
			require.NoError(t, err)
			require.Len(t, records, 1)
			assert.Equal(t, "item-3", records[0].ItemID)

			list, err := st.ListAssignments(ctx, "lot-a")
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, "asg-2", list[0].ID)

			_, err = st.DeactivateAssignment(ctx, "asg-1", baseTime)
			assert.True(t, IsNotFound(err))

			// The template can be assigned again once the old assignment is inactive.
			require.NoError(t, st.CreateAssignment(ctx, &model.Assignment{
				ID: "asg-5", LotID: "lot-a", TemplateID: "tpl-1", AssignedAt: baseTime.Add(2 * time.Hour), Active: true,
			}))
		})
	}
}

func TestStore_RecordVersioning(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedLot(t, st, "lot-a")
			seedTemplate(t, st, "tpl-1", "item-1")
			seedAssignment(t, st, "asg-1", "lot-a", "tpl-1")

			reading := 2450.5
			text := "ok"
			rec := &model.ConformanceRecord{
				ID: "rec-1", LotID: "lot-a", ItemID: "item-1", TemplateID: "tpl-1",
				ResultNumeric: &reading, ResultText: &text, InspectedAt: baseTime, Version: 1,
			}
			require.NoError(t, st.SaveRecord(ctx, rec, 0))
			assert.True(t, IsConflict(st.SaveRecord(ctx, rec, 0)))

			got, err := st.GetRecord(ctx, "lot-a", "item-1")
			require.NoError(t, err)
			require.NotNil(t, got.ResultNumeric)
			assert.InDelta(t, 2450.5, *got.ResultNumeric, 1e-9)
			require.NotNil(t, got.ResultText)
			assert.Equal(t, "ok", *got.ResultText)
			assert.Nil(t, got.CorrectiveAction)
			assert.Nil(t, got.ApprovedAt)
			assert.Equal(t, 1, got.Version)

			got.ResultPassFail = model.ResultFail
			got.DeriveNonConformance()
			got.Version = 2
			require.NoError(t, st.SaveRecord(ctx, got, 1))

			stale := *got
			stale.Version = 2
			assert.True(t, IsConflict(st.SaveRecord(ctx, &stale, 1)))

			final, err := st.GetRecord(ctx, "lot-a", "item-1")
			require.NoError(t, err)
			assert.Equal(t, model.ResultFail, final.ResultPassFail)
			assert.True(t, final.IsNonConformance)
			assert.Equal(t, 2, final.Version)

			_, err = st.GetRecord(ctx, "lot-a", "missing")
			assert.True(t, IsNotFound(err))

			orphan := &model.ConformanceRecord{ID: "rec-x", LotID: "missing", ItemID: "item-1", TemplateID: "tpl-1", InspectedAt: baseTime, Version: 1}
			assert.True(t, IsNotFound(st.SaveRecord(ctx, orphan, 0)))
		})
	}
}

func TestStore_SaveRecordRequiresActiveAssignment(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedLot(t, st, "lot-a")
			seedTemplate(t, st, "tpl-1", "item-1", "item-2")

			rec := &model.ConformanceRecord{
				ID: "rec-1", LotID: "lot-a", ItemID: "item-1", TemplateID: "tpl-1",
				ResultPassFail: model.ResultPass, InspectedAt: baseTime, Version: 1,
			}
			assert.True(t, IsNotFound(st.SaveRecord(ctx, rec, 0)), "never assigned")

			seedAssignment(t, st, "asg-1", "lot-a", "tpl-1")
			require.NoError(t, st.SaveRecord(ctx, rec, 0))

			_, err := st.DeactivateAssignment(ctx, "asg-1", baseTime.Add(time.Hour))
			require.NoError(t, err)

			// An update based on the cascaded record must not bring it back.
			edit := *rec
			edit.Comments = "late edit"
			edit.Version = 2
			assert.True(t, IsNotFound(st.SaveRecord(ctx, &edit, 1)), "update after removal")

			// Neither may a fresh insert for the removed template.
			fresh := &model.ConformanceRecord{
				ID: "rec-2", LotID: "lot-a", ItemID: "item-2", TemplateID: "tpl-1",
				ResultPassFail: model.ResultFail, InspectedAt: baseTime, Version: 1,
			}
			assert.True(t, IsNotFound(st.SaveRecord(ctx, fresh, 0)), "insert after removal")

			records, err := st.ListRecords(ctx, "lot-a")
			require.NoError(t, err)
			assert.Empty(t, records)
		})
	}
}

func TestMemory_ConcurrentInsertOnlyOneWins(t *testing.T) {
	st := NewMemory()
	seedLot(t, st, "lot-a")
	seedTemplate(t, st, "tpl-1", "item-1")
	seedAssignment(t, st, "asg-1", "lot-a", "tpl-1")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := &model.ConformanceRecord{
				ID: fmt.Sprintf("rec-%d", i), LotID: "lot-a", ItemID: "item-1", TemplateID: "tpl-1", InspectedAt: baseTime, Version: 1,
			}
			if err := st.SaveRecord(context.Background(), rec, 0); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, successes)
}

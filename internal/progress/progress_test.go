package progress

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/siteqa/internal/model"
)

func items(ids ...string) []model.Item {
	out := make([]model.Item, len(ids))
	for i, id := range ids {
		out[i] = model.Item{ID: id, OrderIndex: i}
	}
	return out
}

func rec(itemID string, r model.Result) model.ConformanceRecord {
	return model.ConformanceRecord{ItemID: itemID, ResultPassFail: r}
}

func TestCompute_Scenario(t *testing.T) {
	s := Compute(items("I1", "I2", "I3"), []model.ConformanceRecord{
		rec("I1", model.ResultPass),
		rec("I2", model.ResultFail),
	})

	assert.Equal(t, Stats{Total: 3, Completed: 2, Passed: 1, Failed: 1, NA: 0, Pending: 1, Percent: 67}, s)
}

func TestCompute_Empty(t *testing.T) {
	s := Compute(nil, nil)
	assert.Equal(t, Stats{}, s)
	assert.False(t, s.IsComplete())
}

func TestCompute_MissingVerdictIsPending(t *testing.T) {
	s := Compute(items("I1", "I2"), []model.ConformanceRecord{
		rec("I1", ""),
		rec("I2", model.ResultPending),
	})
	assert.Equal(t, 2, s.Pending)
	assert.Equal(t, 0, s.Failed)
	assert.Equal(t, 0, s.Percent)
}

func TestCompute_IgnoresForeignRecords(t *testing.T) {
	s := Compute(items("I1"), []model.ConformanceRecord{
		rec("I1", model.ResultNA),
		rec("other", model.ResultFail),
	})
	assert.Equal(t, Stats{Total: 1, Completed: 1, NA: 1, Percent: 100}, s)
	assert.True(t, s.IsComplete())
}

func TestCompute_Idempotent(t *testing.T) {
	its := items("a", "b", "c", "d")
	recs := []model.ConformanceRecord{rec("a", model.ResultPass), rec("c", model.ResultNA)}
	first := Compute(its, recs)
	for range 5 {
		assert.Equal(t, first, Compute(its, recs))
	}
}

func TestCompute_TotalsInvariant(t *testing.T) {
	verdicts := []model.Result{model.ResultPass, model.ResultFail, model.ResultNA, model.ResultPending, ""}
	for n := 0; n <= 12; n++ {
		ids := make([]string, n)
		var recs []model.ConformanceRecord
		for i := range ids {
			ids[i] = fmt.Sprintf("I%d", i)
			if i%4 != 3 {
				recs = append(recs, rec(ids[i], verdicts[(i*7+n)%len(verdicts)]))
			}
		}
		s := Compute(items(ids...), recs)
		assert.Equal(t, n, s.Total)
		assert.Equal(t, s.Total, s.Completed+s.Pending)
		assert.Equal(t, s.Completed, s.Passed+s.Failed+s.NA)
		assert.GreaterOrEqual(t, s.Percent, 0)
		assert.LessOrEqual(t, s.Percent, 100)
	}
}

func TestPercent(t *testing.T) {
	tests := []struct {
		completed, total, want int
	}{
		{0, 0, 0},
		{1, 3, 33},
		{2, 3, 67},
		{1, 2, 50},
		{1, 200, 1},
		{5, 5, 100},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Percent(tt.completed, tt.total), "%d/%d", tt.completed, tt.total)
	}
}

func TestStats_Add(t *testing.T) {
	a := Stats{Total: 2, Completed: 2, Passed: 2, Percent: 100}
	b := Stats{Total: 3, Completed: 1, Failed: 1, Pending: 2, Percent: 33}
	assert.Equal(t, Stats{Total: 5, Completed: 3, Passed: 2, Failed: 1, Pending: 2, Percent: 60}, a.Add(b))
}

func TestTally(t *testing.T) {
	status := map[string]model.Result{"a": model.ResultFail}
	s := Tally(items("a", "b"), func(id string) model.Result { return status[id] })
	assert.Equal(t, Stats{Total: 2, Completed: 1, Failed: 1, Pending: 1, Percent: 50}, s)
}

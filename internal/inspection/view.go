package inspection

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/sells-group/siteqa/internal/apperr"
	"github.com/sells-group/siteqa/internal/conformance"
	"github.com/sells-group/siteqa/internal/model"
	"github.com/sells-group/siteqa/internal/progress"
)

// Mode is how a lot is presented given its number of assigned templates.
type Mode string

const (
	ModeNeedsAssignment Mode = "needs_assignment"
	ModeSingle          Mode = "single"
	ModeTabbed          Mode = "tabbed"
)

// Tab is the navigation summary of one assigned template.
type Tab struct {
	TemplateID   string         `json:"template_id"`
	AssignmentID string         `json:"assignment_id"`
	Name         string         `json:"name"`
	Stats        progress.Stats `json:"stats"`
	Unsaved      int            `json:"unsaved"`
	Active       bool           `json:"active"`
}

// ItemView is one checklist line with its effective status.
type ItemView struct {
	Item    model.Item               `json:"item"`
	Record  *model.ConformanceRecord `json:"record,omitempty"`
	Status  model.Result             `json:"status"`
	Unsaved bool                     `json:"unsaved"`
	Error   string                   `json:"error,omitempty"`
}

// Detail is the full item list and stats of the active template.
type Detail struct {
	TemplateID string         `json:"template_id"`
	Name       string         `json:"name"`
	Items      []ItemView     `json:"items"`
	Stats      progress.Stats `json:"stats"`
}

// View layers local, unsaved verdicts over the committed records of one lot.
// It is safe for concurrent use.
type View struct {
	mu sync.Mutex

	lotID       string
	saver       Saver
	opts        BatchOptions
	assignments []model.Assignment
	templates   []model.Template
	itemOwner   map[string]int

	committed map[string]model.ConformanceRecord
	pending   map[string]model.Result
	inflight  map[string]bool
	itemErrs  map[string]string
	active    int
	closed    bool
}

// NewView builds a view over state. Saves go through saver.
func NewView(state *State, saver Saver, opts BatchOptions) *View {
	v := &View{
		lotID:       state.Lot.ID,
		saver:       saver,
		opts:        opts,
		assignments: state.Assignments,
		templates:   state.Templates,
		itemOwner:   make(map[string]int),
		committed:   make(map[string]model.ConformanceRecord, len(state.Records)),
		pending:     make(map[string]model.Result),
		inflight:    make(map[string]bool),
		itemErrs:    make(map[string]string),
	}
	for ti, t := range v.templates {
		for _, it := range t.Items {
			if _, ok := v.itemOwner[it.ID]; !ok {
				v.itemOwner[it.ID] = ti
			}
		}
	}
	for _, r := range state.Records {
		v.committed[r.ItemID] = r
	}
	return v
}

// Mode reports how the lot should be presented.
func (v *View) Mode() Mode {
	return modeFor(len(v.templates))
}

func modeFor(n int) Mode {
	switch n {
	case 0:
		return ModeNeedsAssignment
	case 1:
		return ModeSingle
	default:
		return ModeTabbed
	}
}

// Tabs returns one summary per assigned template in assignment order. It is
// empty unless the view is tabbed.
func (v *View) Tabs() []Tab {
	if v.Mode() != ModeTabbed {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	tabs := make([]Tab, len(v.templates))
	for i, t := range v.templates {
		unsaved := 0
		for _, it := range t.Items {
			if _, ok := v.pending[it.ID]; ok {
				unsaved++
			}
		}
		tabs[i] = Tab{
			TemplateID:   t.ID,
			AssignmentID: v.assignments[i].ID,
			Name:         t.Name,
			Stats:        progress.Tally(t.Items, v.statusLocked),
			Unsaved:      unsaved,
			Active:       i == v.active,
		}
	}
	return tabs
}

// Active returns the detail of the active template, or nil when the lot has
// no assignment.
func (v *View) Active() *Detail {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.templates) == 0 {
		return nil
	}

	t := v.templates[v.active]
	d := &Detail{
		TemplateID: t.ID,
		Name:       t.Name,
		Items:      make([]ItemView, len(t.Items)),
		Stats:      progress.Tally(t.Items, v.statusLocked),
	}
	for i, it := range t.Items {
		iv := ItemView{Item: it, Status: v.statusLocked(it.ID), Error: v.itemErrs[it.ID]}
		if r, ok := v.committed[it.ID]; ok {
			iv.Record = &r
		}
		_, iv.Unsaved = v.pending[it.ID]
		d.Items[i] = iv
	}
	return d
}

// SetActive switches the active template.
func (v *View) SetActive(templateID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, t := range v.templates {
		if t.ID == templateID {
			v.active = i
			return nil
		}
	}
	return apperr.NotFound("template %s is not assigned to lot %s", templateID, v.lotID)
}

// Overall returns the stats across every assigned template, counting local
// edits.
func (v *View) Overall() progress.Stats {
	v.mu.Lock()
	defer v.mu.Unlock()
	var all []model.Item
	for _, t := range v.templates {
		all = append(all, t.Items...)
	}
	return progress.Tally(all, v.statusLocked)
}

// SetLocalResult records an unsaved verdict for itemID. Setting pending, or
// the verdict already committed, discards the local edit.
func (v *View) SetLocalResult(itemID string, verdict model.Result) error {
	if !verdict.Valid() {
		return apperr.Validation("unknown result %q", verdict)
	}
	verdict = verdict.Normalize()

	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.itemOwner[itemID]; !ok {
		return apperr.NotFound("item %s is not on any template assigned to lot %s", itemID, v.lotID)
	}

	delete(v.itemErrs, itemID)
	committed, hasCommitted := v.committed[itemID]
	if verdict == model.ResultPending || (hasCommitted && committed.ResultPassFail == verdict) {
		delete(v.pending, itemID)
		return nil
	}
	v.pending[itemID] = verdict
	return nil
}

// EffectiveStatus is the local edit if any, else the committed verdict,
// else pending.
func (v *View) EffectiveStatus(itemID string) model.Result {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.statusLocked(itemID)
}

func (v *View) statusLocked(itemID string) model.Result {
	if r, ok := v.pending[itemID]; ok {
		return r
	}
	if rec, ok := v.committed[itemID]; ok {
		return rec.ResultPassFail.Normalize()
	}
	return model.ResultPending
}

// HasUnsavedChanges reports whether any local edit awaits saving.
func (v *View) HasUnsavedChanges() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.pending) > 0
}

// UnsavedItems returns the ids of items with local edits in display order.
func (v *View) UnsavedItems() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.unsavedLocked()
}

func (v *View) unsavedLocked() []string {
	var ids []string
	for _, t := range v.templates {
		for _, it := range t.Items {
			if _, ok := v.pending[it.ID]; ok {
				ids = append(ids, it.ID)
			}
		}
	}
	return ids
}

// SaveAll persists every local edit in one concurrent wave. Saved edits are
// folded into the committed layer; failed edits stay pending for a retry
// that re-submits only them. Edits already submitted by an overlapping
// SaveAll are skipped. After Close the result is returned but the view is
// left untouched.
func (v *View) SaveAll(ctx context.Context) BatchResult {
	v.mu.Lock()
	var reqs []SaveRequest
	for _, id := range v.unsavedLocked() {
		if v.inflight[id] {
			continue
		}
		v.inflight[id] = true
		reqs = append(reqs, SaveRequest{ItemID: id, Fields: conformance.Verdict(v.pending[id])})
	}
	v.mu.Unlock()

	res := SaveBatch(ctx, v.saver, v.lotID, reqs, v.opts)
	if res.Outcome == NothingToSave {
		return res
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	for _, r := range reqs {
		delete(v.inflight, r.ItemID)
	}
	if v.closed {
		zap.L().Debug("batch save finished after view closed",
			zap.String("lot_id", v.lotID),
			zap.Int("succeeded", res.Succeeded),
			zap.Int("failed", res.Failed),
		)
		return res
	}

	for i, out := range res.Items {
		if !out.OK() {
			v.itemErrs[out.ItemID] = out.Error
			continue
		}
		delete(v.itemErrs, out.ItemID)
		v.committed[out.ItemID] = *out.Record
		// An edit made while the wave was in flight stays pending.
		if v.pending[out.ItemID] == reqs[i].verdict() {
			delete(v.pending, out.ItemID)
		}
	}
	return res
}

// Close detaches the view; in-flight saves complete but no longer update it.
func (v *View) Close() {
	v.mu.Lock()
	v.closed = true
	v.mu.Unlock()
}

func (r SaveRequest) verdict() model.Result {
	if r.Fields.ResultPassFail == nil {
		return ""
	}
	return *r.Fields.ResultPassFail
}

package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/siteqa/internal/apperr"
	"github.com/sells-group/siteqa/internal/conformance"
	"github.com/sells-group/siteqa/internal/inspection"
	"github.com/sells-group/siteqa/internal/model"
	"github.com/sells-group/siteqa/internal/store"
)

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Ping(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Lots ---

func (h *handler) createLot(w http.ResponseWriter, r *http.Request) {
	var in inspection.NewLot
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	lot, err := h.engine.CreateLot(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, lot)
}

func (h *handler) listLots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.LotFilter{
		ProjectID: q.Get("project_id"),
		Status:    model.LotStatus(q.Get("status")),
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, r, err)
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, r, err)
		return
	}

	lots, err := h.engine.ListLots(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, lots)
}

func (h *handler) getLot(w http.ResponseWriter, r *http.Request) {
	lot, err := h.engine.GetLot(r.Context(), chi.URLParam(r, "lotID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, lot)
}

func (h *handler) deleteLot(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DeleteLot(r.Context(), chi.URLParam(r, "lotID")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true})
}

func (h *handler) summary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.engine.Summary(r.Context(), chi.URLParam(r, "lotID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, sum)
}

func (h *handler) inspectionState(w http.ResponseWriter, r *http.Request) {
	state, err := h.engine.GetLotInspectionState(r.Context(), chi.URLParam(r, "lotID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, state)
}

// --- Templates ---

func (h *handler) listTemplates(w http.ResponseWriter, r *http.Request) {
	ts, err := h.engine.ListTemplates(r.Context(), r.URL.Query().Get("organization_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, ts)
}

func (h *handler) getTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := h.engine.GetTemplate(r.Context(), chi.URLParam(r, "templateID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, t)
}

func (h *handler) importTemplates(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Templates []model.Template `json:"templates"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if len(body.Templates) == 0 {
		writeError(w, r, apperr.Validation("at least one template is required"))
		return
	}
	out, err := h.engine.ImportTemplates(r.Context(), body.Templates)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, out)
}

// --- Assignments ---

func (h *handler) listAssignments(w http.ResponseWriter, r *http.Request) {
	as, err := h.engine.ListAssignments(r.Context(), chi.URLParam(r, "lotID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if as == nil {
		as = []model.Assignment{}
	}
	writeData(w, http.StatusOK, as)
}

func (h *handler) assignTemplates(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TemplateIDs []string `json:"template_ids"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.engine.AssignTemplates(r.Context(), chi.URLParam(r, "lotID"), body.TemplateIDs)
	if err != nil {
		writeError(w, r, err)
		return
	}

	switch {
	case res.OK():
		writeData(w, http.StatusOK, res)
	case len(res.Assigned) > 0:
		writeJSON(w, http.StatusMultiStatus, envelope{
			Data:  res,
			Error: strconv.Itoa(len(res.Failures)) + " template(s) could not be assigned",
			Code:  apperr.CodePartialBatchFailure,
		})
	default:
		code := res.Failures[0].Code
		writeJSON(w, code.HTTPStatus(), envelope{Data: res, Error: res.Failures[0].Error, Code: code})
	}
}

func (h *handler) removeAssignment(w http.ResponseWriter, r *http.Request) {
	err := h.engine.RemoveAssignment(r.Context(), chi.URLParam(r, "lotID"), chi.URLParam(r, "ref"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true})
}

// --- Conformance ---

func (h *handler) listConformance(w http.ResponseWriter, r *http.Request) {
	records, err := h.engine.Records(r.Context(), chi.URLParam(r, "lotID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, records)
}

func (h *handler) saveConformance(w http.ResponseWriter, r *http.Request) {
	var f conformance.Fields
	if err := decodeJSON(w, r, &f); err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := h.engine.SaveConformance(r.Context(), chi.URLParam(r, "lotID"), chi.URLParam(r, "itemID"), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, rec)
}

func (h *handler) saveConformanceBatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Items []inspection.SaveRequest `json:"items"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.engine.SaveConformanceBatch(r.Context(), chi.URLParam(r, "lotID"), body.Items)
	if err != nil {
		writeError(w, r, err)
		return
	}

	batchErr := res.Err()
	if batchErr == nil {
		writeData(w, http.StatusOK, res)
		return
	}
	code := apperr.CodeOf(batchErr)
	writeJSON(w, code.HTTPStatus(), envelope{Data: res, Error: res.Message, Code: code})
}

func (h *handler) approveConformance(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ApprovedBy string `json:"approved_by"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := h.engine.ApproveConformance(r.Context(), chi.URLParam(r, "lotID"), chi.URLParam(r, "itemID"), body.ApprovedBy)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, rec)
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, apperr.Validation("invalid integer parameter %q", s)
	}
	return n, nil
}

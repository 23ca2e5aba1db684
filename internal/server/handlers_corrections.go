package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/den1s0v/vstu-schedule/internal/model"
	"github.com/den1s0v/vstu-schedule/internal/storage"
)

// HandleApplyCorrection handles POST /v1/corrections/apply — the hot path.
// The response's correct_object is null when a standing veto blocks synthesis.
func (h *Handlers) HandleApplyCorrection(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)

	var req model.ApplyCorrectionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}

	result, err := h.engine.ApplyCorrection(r.Context(), req.Value, req.Context, req.ScopeID, req.Hypotheses)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.ApplyCorrectionResponse{
		CorrectObject: result.CorrectObject,
		OccurrenceID:  result.OccurrenceID,
	})
}

// HandleListCorrections handles GET /corrections/ — the review list backing
// the moderation UI. Supported query parameters: scope_id, search_occurrence,
// search_correct, status (repeatable: pending|approved|invalid), conflicts_only,
// sort (score, created_at, updated_at, occurrence_value, correct_value;
// "-" prefix for descending), page.
func (h *Handlers) HandleListCorrections(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	scopeID, ok := h.queryInt64(w, r, "scope_id")
	if !ok {
		return
	}
	filters := storage.ResolutionFilters{
		ScopeID:          scopeID,
		SearchOccurrence: strings.TrimSpace(q.Get("search_occurrence")),
		SearchCorrect:    strings.TrimSpace(q.Get("search_correct")),
		SortBy:           q.Get("sort"),
		PerPage:          h.pageSize,
	}
	for _, s := range q["status"] {
		switch s {
		case "pending":
			filters.Statuses = append(filters.Statuses, model.StatusPending)
		case "approved":
			filters.Statuses = append(filters.Statuses, model.StatusApproved)
		case "invalid":
			filters.Statuses = append(filters.Statuses, model.StatusInvalid)
		}
	}
	switch q.Get("conflicts_only") {
	case "1", "true", "on":
		filters.ConflictsOnly = true
	}
	if page, err := strconv.Atoi(q.Get("page")); err == nil && page > 0 {
		filters.Page = page
	}

	resolutions, total, err := h.db.ListResolutions(r.Context(), filters)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	stats, err := h.db.CountResolutionStats(r.Context(), filters.ScopeID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	scopes, err := h.db.ListScopes(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	page := filters.Page
	if page < 1 {
		page = 1
	}
	pageCount := (total + h.pageSize - 1) / h.pageSize
	if pageCount < 1 {
		pageCount = 1
	}
	if resolutions == nil {
		resolutions = []model.Resolution{}
	}
	if scopes == nil {
		scopes = []model.Scope{}
	}

	writeJSON(w, r, http.StatusOK, model.ResolutionListResponse{
		Resolutions: resolutions,
		Stats:       stats,
		Scopes:      scopes,
		Page:        page,
		PageCount:   pageCount,
		Total:       total,
	})
}

// HandleGetCorrectionEdit handles GET /corrections/{id}/edit/ — one resolution
// with its endpoints plus the sibling resolutions of the same occurrence.
func (h *Handlers) HandleGetCorrectionEdit(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	resolution, err := h.db.GetResolution(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	related, err := h.db.ListResolutionsByOccurrence(r.Context(), resolution.OccurrenceID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if related == nil {
		related = []model.Resolution{}
	}

	writeJSON(w, r, http.StatusOK, model.ResolutionDetailResponse{
		Resolution: resolution,
		Related:    related,
	})
}

// HandlePostCorrectionEdit handles POST /corrections/{id}/edit/ — the review
// actions. The body is a form with an "action" field:
//
//	approve       — mark approved (demotes any other approved row)
//	invalidate    — mark invalid (manual veto, survives pruning)
//	delete        — remove the resolution
//	change_status — set "status" explicitly (pending|approved|invalid)
//
// Successful actions redirect back into the form-driven moderation flow:
// change_status returns to the edit page, everything else to the list.
func (h *Handlers) HandlePostCorrectionEdit(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid form body")
		return
	}

	var err error
	redirect := "/corrections/"
	switch action := r.PostFormValue("action"); action {
	case "approve":
		_, err = h.db.SetResolutionStatus(r.Context(), id, model.StatusApproved)
	case "invalidate":
		_, err = h.db.SetResolutionStatus(r.Context(), id, model.StatusInvalid)
	case "delete":
		err = h.db.DeleteResolution(r.Context(), id)
	case "change_status":
		redirect = fmt.Sprintf("/corrections/%d/edit/", id)
		var status model.ResolutionStatus
		switch r.PostFormValue("status") {
		case "pending":
			status = model.StatusPending
		case "approved":
			status = model.StatusApproved
		case "invalid":
			status = model.StatusInvalid
		default:
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown status")
			return
		}
		_, err = h.db.SetResolutionStatus(r.Context(), id, status)
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown action "+strconv.Quote(action))
		return
	}
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	http.Redirect(w, r, redirect, http.StatusFound)
}

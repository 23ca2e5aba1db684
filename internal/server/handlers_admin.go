package server

import (
	"net/http"

	"github.com/den1s0v/vstu-schedule/internal/model"
	"github.com/den1s0v/vstu-schedule/internal/storage"
)

// HandleCreateCorrectObject handles POST /v1/correct-objects (find-or-create).
// Returns 201 when this call created the entity, 200 when it already existed.
func (h *Handlers) HandleCreateCorrectObject(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)

	var req model.CorrectObjectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}

	co, created, err := h.engine.FindOrCreateCorrectObject(r.Context(), req)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, r, status, co)
}

// HandleGetCorrectObject handles GET /v1/correct-objects/{id}.
func (h *Handlers) HandleGetCorrectObject(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	co, err := storage.GetCorrectObject(r.Context(), h.db.Pool(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, co)
}

// HandleUpdateCorrectObject handles PATCH /v1/correct-objects/{id}. The
// update invalidates every occurrence cache in the scope.
func (h *Handlers) HandleUpdateCorrectObject(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)

	var patch model.CorrectObjectPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if patch.Value != nil {
		if err := model.ValidateValue(*patch.Value); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
	}
	if patch.Context != nil {
		if err := model.ValidateContext(*patch.Context); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
	}

	co, err := h.db.UpdateCorrectObject(r.Context(), id, patch)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, co)
}

// HandleDeleteCorrectObject handles DELETE /v1/correct-objects/{id}.
// Resolutions referencing the entity cascade away; cached occurrence
// references are nulled.
func (h *Handlers) HandleDeleteCorrectObject(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.db.DeleteCorrectObject(r.Context(), id); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleListCorrectObjects handles GET /v1/correct-objects?scope_id=N.
func (h *Handlers) HandleListCorrectObjects(w http.ResponseWriter, r *http.Request) {
	scopeID, ok := h.queryInt64(w, r, "scope_id")
	if !ok {
		return
	}
	if scopeID == nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "scope_id is required")
		return
	}
	objects, err := storage.ListCorrectObjectsByScope(r.Context(), h.db.Pool(), *scopeID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if objects == nil {
		objects = []model.CorrectObject{}
	}
	writeJSON(w, r, http.StatusOK, objects)
}

// HandleCreateScope handles POST /v1/scopes.
func (h *Handlers) HandleCreateScope(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)

	var req model.CreateScopeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	scope, err := h.db.CreateScope(r.Context(), req.Description)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, scope)
}

// HandleListScopes handles GET /v1/scopes.
func (h *Handlers) HandleListScopes(w http.ResponseWriter, r *http.Request) {
	scopes, err := h.db.ListScopes(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if scopes == nil {
		scopes = []model.Scope{}
	}
	writeJSON(w, r, http.StatusOK, scopes)
}

// HandleListScopeOccurrences handles GET /v1/scopes/{id}/occurrences.
func (h *Handlers) HandleListScopeOccurrences(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	if _, err := storage.GetScope(r.Context(), h.db.Pool(), id); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	occurrences, err := h.db.ListOccurrencesByScope(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if occurrences == nil {
		occurrences = []model.Occurrence{}
	}
	writeJSON(w, r, http.StatusOK, occurrences)
}

// HandleListOccurrenceResolutions handles GET /v1/occurrences/{id}/resolutions.
func (h *Handlers) HandleListOccurrenceResolutions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	if _, err := storage.GetOccurrence(r.Context(), h.db.Pool(), id); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	resolutions, err := h.db.ListResolutionsByOccurrence(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if resolutions == nil {
		resolutions = []model.Resolution{}
	}
	writeJSON(w, r, http.StatusOK, resolutions)
}

// HandleListConflicts handles GET /v1/conflicts?scope_id=N — occurrences with
// two or more competing pending resolutions and no approved one.
func (h *Handlers) HandleListConflicts(w http.ResponseWriter, r *http.Request) {
	scopeID, ok := h.queryInt64(w, r, "scope_id")
	if !ok {
		return
	}
	if scopeID == nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "scope_id is required")
		return
	}
	resolutions, err := h.db.ListConflictingResolutions(r.Context(), *scopeID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if resolutions == nil {
		resolutions = []model.Resolution{}
	}
	writeJSON(w, r, http.StatusOK, resolutions)
}

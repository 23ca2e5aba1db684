package model

import "time"

// Error codes returned in the API error envelope.
const (
	ErrCodeInvalidInput  = "invalid_input"
	ErrCodeNotFound      = "not_found"
	ErrCodeConflict      = "conflict"
	ErrCodeRateLimited   = "rate_limited"
	ErrCodeInternalError = "internal_error"
)

// APIResponse is the standard success envelope.
type APIResponse struct {
	Data any          `json:"data"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ErrorDetail carries a machine-readable code and a human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResponseMeta carries per-request metadata.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ApplyCorrectionRequest is the body of POST /v1/corrections/apply.
type ApplyCorrectionRequest struct {
	Value      string           `json:"value"`
	Context    []ContextElement `json:"context"`
	ScopeID    int64            `json:"scope_id"`
	Hypotheses []Hypothesis     `json:"hypotheses,omitempty"`
}

// ApplyCorrectionResponse is the result of an apply call. CorrectObject is
// null when the engine declines to resolve (standing synthesis veto).
type ApplyCorrectionResponse struct {
	CorrectObject *CorrectObject `json:"correct_object"`
	OccurrenceID  int64          `json:"occurrence_id"`
}

// CorrectObjectRequest is the body of POST /v1/correct-objects (find-or-create).
type CorrectObjectRequest struct {
	Value                   string           `json:"value"`
	ScopeID                 int64            `json:"scope_id"`
	ExternalID              *string          `json:"external_id,omitempty"`
	Name                    *string          `json:"name,omitempty"`
	Description             *string          `json:"description,omitempty"`
	RequiredContextElements []ContextElement `json:"required_context_elements"`
	Context                 []ContextElement `json:"context"`
}

// CorrectObjectPatch is the body of PATCH /v1/correct-objects/{id}.
// Nil fields are left unchanged.
type CorrectObjectPatch struct {
	Value       *string           `json:"value,omitempty"`
	Name        *string           `json:"name,omitempty"`
	Description *string           `json:"description,omitempty"`
	Context     *[]ContextElement `json:"context,omitempty"`
	Approved    *bool             `json:"approved,omitempty"`
}

// CreateScopeRequest is the body of POST /v1/scopes.
type CreateScopeRequest struct {
	Description *string `json:"description,omitempty"`
}

// ResolutionStats summarizes resolution counts for the review list.
type ResolutionStats struct {
	Total    int `json:"total"`
	Pending  int `json:"pending"`
	Approved int `json:"approved"`
	Invalid  int `json:"invalid"`
}

// ResolutionListResponse is the payload of GET /corrections/.
type ResolutionListResponse struct {
	Resolutions []Resolution    `json:"resolutions"`
	Stats       ResolutionStats `json:"stats"`
	Scopes      []Scope         `json:"scopes"`
	Page        int             `json:"page"`
	PageCount   int             `json:"page_count"`
	Total       int             `json:"total"`
}

// ResolutionDetailResponse is the payload of GET /corrections/{id}/edit/.
type ResolutionDetailResponse struct {
	Resolution Resolution   `json:"resolution"`
	Related    []Resolution `json:"related"`
}

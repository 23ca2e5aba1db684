// Package model defines the corrections domain entities: scopes, occurrences,
// correct objects, resolutions, and the context elements they carry.
package model

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// MaxValueLen bounds the value column of occurrences and correct objects
// (characters, not bytes — the column is VARCHAR(500)).
const MaxValueLen = 500

// Scope is a logical partition owning its occurrences, correct objects, and
// resolutions. Its updated_at is the cache-invalidation epoch for every
// occurrence in the scope.
type Scope struct {
	ID          int64     `json:"id"`
	Description *string   `json:"description,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DefaultScopeID is the sentinel scope materialized when callers pass scope_id=0.
// The scopes identity sequence starts at 2 so a regular scope never collides.
const DefaultScopeID = 1

// Occurrence is a raw sighting: a string value plus its observed context.
// Immutable after creation except for the resolved_to cache reference and
// updated_at. (value, context) is globally unique.
type Occurrence struct {
	ID         int64            `json:"id"`
	Value      string           `json:"value"`
	Context    []ContextElement `json:"context"`
	Score      float64          `json:"score"`
	Approved   bool             `json:"approved"`
	Manual     bool             `json:"manual"`
	ScopeID    int64            `json:"scope_id"`
	UpdatedAt  time.Time        `json:"updated_at"`
	ResolvedTo *int64           `json:"resolved_to,omitempty"` // weak cache reference
}

// CorrectObject is the canonical, deduplicated entity that occurrences
// resolve to. Identity is external_id when present, otherwise
// (scope, value, required_context_elements).
type CorrectObject struct {
	ID                      int64            `json:"id"`
	ExternalID              *string          `json:"external_id,omitempty"`
	Value                   string           `json:"value"`
	RequiredContextElements []ContextElement `json:"required_context_elements"`
	Context                 []ContextElement `json:"context"`
	Score                   float64          `json:"score"`
	Approved                bool             `json:"approved"`
	Manual                  bool             `json:"manual"`
	ScopeID                 int64            `json:"scope_id"`
	UpdatedAt               time.Time        `json:"updated_at"`
	Name                    *string          `json:"name,omitempty"`
	Description             *string          `json:"description,omitempty"`
}

// ResolutionStatus is persisted as an integer with a CHECK constraint.
type ResolutionStatus int

const (
	StatusPending  ResolutionStatus = 0 // auto-suggested, awaiting review
	StatusApproved ResolutionStatus = 1 // human-confirmed
	StatusInvalid  ResolutionStatus = 9 // human-vetoed
)

// ValidStatus reports whether s is one of the three persisted statuses.
func ValidStatus(s ResolutionStatus) bool {
	return s == StatusPending || s == StatusApproved || s == StatusInvalid
}

func (s ResolutionStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusApproved:
		return "approved"
	case StatusInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Resolution is an edge occurrence → correct object with a status and score.
// (occurrence, correct_object) is unique; at most one approved resolution may
// exist per occurrence.
type Resolution struct {
	ID              int64            `json:"id"`
	OccurrenceID    int64            `json:"occurrence_id"`
	CorrectObjectID int64            `json:"correct_object_id"`
	Manual          bool             `json:"manual"`
	Status          ResolutionStatus `json:"status"`
	Score           float64          `json:"score"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	ScopeID         int64            `json:"scope_id"`

	// Joined endpoints (populated by read queries, never persisted here).
	Occurrence    *Occurrence    `json:"occurrence,omitempty"`
	CorrectObject *CorrectObject `json:"correct_object,omitempty"`
}

// IsPending reports whether the resolution awaits review.
func (r Resolution) IsPending() bool { return r.Status == StatusPending }

// IsApproved reports whether the resolution is human-confirmed.
func (r Resolution) IsApproved() bool { return r.Status == StatusApproved }

// IsInvalid reports whether the resolution is human-vetoed.
func (r Resolution) IsInvalid() bool { return r.Status == StatusInvalid }

// Sticky reports whether the resolution survives automatic pruning:
// a manually marked invalid edge is a standing human veto.
func (r Resolution) Sticky() bool { return r.Manual && r.Status == StatusInvalid }

// Hypothesis is a caller-supplied candidate correct object, materialized
// before scoring so it competes with the existing entities in the scope.
type Hypothesis struct {
	Value                   string           `json:"value"`
	Context                 []ContextElement `json:"context"`
	RequiredContextElements []ContextElement `json:"required_context_elements"`
	ExternalID              *string          `json:"external_id,omitempty"`
	Name                    *string          `json:"name,omitempty"`
	Description             *string          `json:"description,omitempty"`
}

// ValidateValue checks the shared length bound on occurrence and correct
// object values.
func ValidateValue(value string) error {
	if value == "" {
		return fmt.Errorf("value must not be empty")
	}
	if utf8.RuneCountInString(value) > MaxValueLen {
		return fmt.Errorf("value exceeds maximum length of %d characters", MaxValueLen)
	}
	return nil
}

// ValidateContext checks that every element carries a key.
func ValidateContext(elems []ContextElement) error {
	for i, e := range elems {
		if e.Key == "" {
			return fmt.Errorf("context[%d]: missing key", i)
		}
	}
	return nil
}

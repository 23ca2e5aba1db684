package storage

import (
	"encoding/json"
	"fmt"

	"github.com/den1s0v/vstu-schedule/internal/model"
)

// contextJSON serializes a context list for a JSONB column. Elements are
// normalized on the way in (all five fields always present), so structural
// JSONB equality in unique indexes and lookups treats "field absent" and
// "field set to default" as equal.
func contextJSON(elems []model.ContextElement) (string, error) {
	if elems == nil {
		elems = []model.ContextElement{}
	}
	b, err := json.Marshal(elems)
	if err != nil {
		return "", fmt.Errorf("storage: marshal context: %w", err)
	}
	return string(b), nil
}

// scanContext deserializes a JSONB context column.
func scanContext(raw []byte, dst *[]model.ContextElement) error {
	if len(raw) == 0 {
		*dst = []model.ContextElement{}
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("storage: unmarshal context: %w", err)
	}
	return nil
}

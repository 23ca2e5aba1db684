package model

import "encoding/json"

// ContextElement is one key/value attribute of an observation's context,
// or a requirement on a CorrectObject's required context.
//
// Wire shape: {"key", "value", "important", "weight", "absence_allowed"}.
// Unknown keys are ignored; missing optional keys take the defaults below,
// so "field absent" and "field set to default" normalize to the same value.
type ContextElement struct {
	Key            string  `json:"key"`
	Value          string  `json:"value"`
	Important      bool    `json:"important"`
	Weight         float64 `json:"weight"`
	AbsenceAllowed bool    `json:"absence_allowed"`
}

// UnmarshalJSON applies the default weight of 1.0 when the field is absent.
// The zero value of float64 can't distinguish "missing" from "0", so the
// field is decoded through a pointer.
func (e *ContextElement) UnmarshalJSON(data []byte) error {
	type raw struct {
		Key            string   `json:"key"`
		Value          string   `json:"value"`
		Important      bool     `json:"important"`
		Weight         *float64 `json:"weight"`
		AbsenceAllowed bool     `json:"absence_allowed"`
	}
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	e.Key = r.Key
	e.Value = r.Value
	e.Important = r.Important
	e.AbsenceAllowed = r.AbsenceAllowed
	e.Weight = 1.0
	if r.Weight != nil {
		e.Weight = *r.Weight
	}
	return nil
}

// Element is a convenience constructor with default important/weight/absence flags.
func Element(key, value string) ContextElement {
	return ContextElement{Key: key, Value: value, Weight: 1.0}
}

// ContextsEqual reports structural equality of two context lists:
// same length, same elements in the same order, all five fields compared.
func ContextsEqual(a, b []ContextElement) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Covers reports whether `have` covers `want`: every element of `want` has a
// key-equal, value-equal element in `have`. The relation is asymmetric — a
// richer incoming context is never considered covered by a poorer stored one.
func Covers(have, want []ContextElement) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h.Key == w.Key && h.Value == w.Value {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ImportantElements returns the elements flagged important, preserving order.
func ImportantElements(elems []ContextElement) []ContextElement {
	out := []ContextElement{}
	for _, e := range elems {
		if e.Important {
			out = append(out, e)
		}
	}
	return out
}

package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextElementUnmarshalDefaults(t *testing.T) {
	var e ContextElement
	require.NoError(t, json.Unmarshal([]byte(`{"key":"type","value":"test"}`), &e))
	assert.Equal(t, "type", e.Key)
	assert.Equal(t, "test", e.Value)
	assert.False(t, e.Important)
	assert.Equal(t, 1.0, e.Weight)
	assert.False(t, e.AbsenceAllowed)
}

func TestContextElementUnmarshalExplicitZeroWeight(t *testing.T) {
	var e ContextElement
	require.NoError(t, json.Unmarshal([]byte(`{"key":"k","value":"v","weight":0}`), &e))
	assert.Equal(t, 0.0, e.Weight)
}

func TestContextElementUnmarshalIgnoresUnknownKeys(t *testing.T) {
	var e ContextElement
	require.NoError(t, json.Unmarshal([]byte(`{"key":"k","value":"v","extra":"x"}`), &e))
	assert.Equal(t, "k", e.Key)
}

func TestContextElementNormalization(t *testing.T) {
	// An element with explicit defaults and one with the fields absent
	// decode to the same value.
	var explicit, bare ContextElement
	require.NoError(t, json.Unmarshal(
		[]byte(`{"key":"k","value":"v","important":false,"weight":1.0,"absence_allowed":false}`), &explicit))
	require.NoError(t, json.Unmarshal([]byte(`{"key":"k","value":"v"}`), &bare))
	assert.Equal(t, explicit, bare)
}

func TestContextsEqual(t *testing.T) {
	a := []ContextElement{Element("k", "v"), {Key: "t", Value: "x", Important: true, Weight: 2}}
	b := []ContextElement{Element("k", "v"), {Key: "t", Value: "x", Important: true, Weight: 2}}
	assert.True(t, ContextsEqual(a, b))

	// Order matters.
	assert.False(t, ContextsEqual(a, []ContextElement{b[1], b[0]}))
	// Flags matter.
	c := []ContextElement{Element("k", "v"), {Key: "t", Value: "x", Important: false, Weight: 2}}
	assert.False(t, ContextsEqual(a, c))
	assert.False(t, ContextsEqual(a, a[:1]))
}

func TestCovers(t *testing.T) {
	rich := []ContextElement{Element("a", "1"), Element("b", "2"), Element("c", "3")}
	poor := []ContextElement{Element("a", "1"), Element("b", "2")}

	assert.True(t, Covers(rich, poor), "richer stored context covers a narrower sighting")
	assert.False(t, Covers(poor, rich), "coverage is asymmetric")
	assert.True(t, Covers(rich, nil), "everything covers the empty context")
	assert.False(t, Covers(rich, []ContextElement{Element("a", "other")}))

	// Coverage compares key and value only, not flags.
	flagged := []ContextElement{{Key: "a", Value: "1", Important: true, Weight: 5}}
	assert.True(t, Covers(rich, flagged))
}

func TestImportantElements(t *testing.T) {
	elems := []ContextElement{
		{Key: "a", Value: "1", Important: true, Weight: 1},
		Element("b", "2"),
		{Key: "c", Value: "3", Important: true, Weight: 0.5},
	}
	got := ImportantElements(elems)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Key)
	assert.Equal(t, "c", got[1].Key)

	assert.Empty(t, ImportantElements(nil))
}

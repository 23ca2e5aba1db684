package corrections_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/den1s0v/vstu-schedule/internal/corrections"
	"github.com/den1s0v/vstu-schedule/internal/model"
	"github.com/den1s0v/vstu-schedule/internal/storage"
	"github.com/den1s0v/vstu-schedule/internal/testutil"
)

var (
	testDB     *storage.DB
	testEngine *corrections.Engine
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()

	db, err := tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}
	testDB = db
	testEngine = corrections.New(db, testutil.TestLogger())

	code := m.Run()

	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func newScope(t *testing.T) model.Scope {
	t.Helper()
	desc := t.Name()
	s, err := testDB.CreateScope(context.Background(), &desc)
	require.NoError(t, err)
	return s
}

func seedCorrectObject(t *testing.T, scopeID int64, value string, required []model.ContextElement) model.CorrectObject {
	t.Helper()
	co, created, err := testEngine.FindOrCreateCorrectObject(context.Background(), model.CorrectObjectRequest{
		Value:                   value,
		ScopeID:                 scopeID,
		RequiredContextElements: required,
	})
	require.NoError(t, err)
	require.True(t, created)
	return co
}

func resolutionsFor(t *testing.T, occurrenceID int64) []model.Resolution {
	t.Helper()
	rs, err := testDB.ListResolutionsByOccurrence(context.Background(), occurrenceID)
	require.NoError(t, err)
	return rs
}

func TestApplyCorrectionScoresExistingCandidate(t *testing.T) {
	ctx := context.Background()
	scope := newScope(t)
	co := seedCorrectObject(t, scope.ID, "Test value",
		[]model.ContextElement{{Key: "type", Value: "test", Important: true, Weight: 1.0}})

	observed := []model.ContextElement{
		{Key: "type", Value: "test", Important: true, Weight: 1.0},
		{Key: "cat", Value: "x", Weight: 0.5},
	}
	res, err := testEngine.ApplyCorrection(ctx, "Test value", observed, scope.ID, nil)
	require.NoError(t, err)
	require.NotNil(t, res.CorrectObject)
	assert.Equal(t, co.ID, res.CorrectObject.ID)

	// Exact value match plus the satisfied requirement's weight.
	rs := resolutionsFor(t, res.OccurrenceID)
	require.Len(t, rs, 1)
	assert.Equal(t, model.StatusPending, rs[0].Status)
	assert.InDelta(t, 11.0, rs[0].Score, 1e-9)
	assert.False(t, rs[0].Manual)

	// The winner is cached on the occurrence.
	occ, err := storage.GetOccurrence(ctx, testDB.Pool(), res.OccurrenceID)
	require.NoError(t, err)
	require.NotNil(t, occ.ResolvedTo)
	assert.Equal(t, co.ID, *occ.ResolvedTo)
}

func TestApplyCorrectionIdempotent(t *testing.T) {
	ctx := context.Background()
	scope := newScope(t)
	seedCorrectObject(t, scope.ID, "Repeat value",
		[]model.ContextElement{{Key: "type", Value: "test", Important: true, Weight: 1.0}})

	observed := []model.ContextElement{{Key: "type", Value: "test", Important: true, Weight: 1.0}}
	first, err := testEngine.ApplyCorrection(ctx, "Repeat value", observed, scope.ID, nil)
	require.NoError(t, err)
	require.NotNil(t, first.CorrectObject)

	second, err := testEngine.ApplyCorrection(ctx, "Repeat value", observed, scope.ID, nil)
	require.NoError(t, err)
	require.NotNil(t, second.CorrectObject)
	assert.Equal(t, first.CorrectObject.ID, second.CorrectObject.ID)
	assert.Equal(t, first.OccurrenceID, second.OccurrenceID)
	assert.Len(t, resolutionsFor(t, first.OccurrenceID), 1)
}

func TestApplyCorrectionMaterializesHypotheses(t *testing.T) {
	ctx := context.Background()
	scope := newScope(t)

	extID := "hyp-ext-" + t.Name()
	hypotheses := []model.Hypothesis{
		{Value: "Hypothesis one", ExternalID: &extID},
		{Value: "Hypothesis two", RequiredContextElements: []model.ContextElement{
			{Key: "kind", Value: "special", Important: true, Weight: 1.0},
		}},
	}
	_, err := testEngine.ApplyCorrection(ctx, "Unrelated value",
		[]model.ContextElement{model.Element("kind", "ordinary")}, scope.ID, hypotheses)
	require.NoError(t, err)

	cos, err := storage.ListCorrectObjectsByScope(ctx, testDB.Pool(), scope.ID)
	require.NoError(t, err)
	values := make([]string, 0, len(cos))
	for _, c := range cos {
		values = append(values, c.Value)
	}
	assert.Contains(t, values, "Hypothesis one")
	assert.Contains(t, values, "Hypothesis two")
}

func TestApplyCorrectionSynthesizes(t *testing.T) {
	ctx := context.Background()
	scope := newScope(t)

	observed := []model.ContextElement{
		{Key: "subject", Value: "physics", Important: true, Weight: 1.0},
		{Key: "room", Value: "405", Weight: 0.5},
	}
	res, err := testEngine.ApplyCorrection(ctx, "Unique value", observed, scope.ID, nil)
	require.NoError(t, err)
	require.NotNil(t, res.CorrectObject)

	co := res.CorrectObject
	assert.Equal(t, "Unique value", co.Value)
	// Only the important elements become requirements.
	assert.Equal(t,
		[]model.ContextElement{{Key: "subject", Value: "physics", Important: true, Weight: 1.0}},
		co.RequiredContextElements)

	rs := resolutionsFor(t, res.OccurrenceID)
	require.Len(t, rs, 1)
	assert.Equal(t, co.ID, rs[0].CorrectObjectID)
	assert.InDelta(t, 11.0, rs[0].Score, 1e-9)

	occ, err := storage.GetOccurrence(ctx, testDB.Pool(), res.OccurrenceID)
	require.NoError(t, err)
	require.NotNil(t, occ.ResolvedTo)
	assert.Equal(t, co.ID, *occ.ResolvedTo)
}

func TestApplyCorrectionApprovedPins(t *testing.T) {
	ctx := context.Background()
	scope := newScope(t)
	co := seedCorrectObject(t, scope.ID, "Pinned value",
		[]model.ContextElement{{Key: "type", Value: "test", Important: true, Weight: 1.0}})

	observed := []model.ContextElement{{Key: "type", Value: "test", Important: true, Weight: 1.0}}
	res, err := testEngine.ApplyCorrection(ctx, "Pinned value", observed, scope.ID, nil)
	require.NoError(t, err)
	require.NotNil(t, res.CorrectObject)

	rs := resolutionsFor(t, res.OccurrenceID)
	require.Len(t, rs, 1)
	approved, err := testDB.SetResolutionStatus(ctx, rs[0].ID, model.StatusApproved)
	require.NoError(t, err)
	assert.True(t, approved.Manual)

	before, err := storage.GetOccurrence(ctx, testDB.Pool(), res.OccurrenceID)
	require.NoError(t, err)

	// A repeat call returns the approved object without touching anything.
	again, err := testEngine.ApplyCorrection(ctx, "Pinned value", observed, scope.ID, nil)
	require.NoError(t, err)
	require.NotNil(t, again.CorrectObject)
	assert.Equal(t, co.ID, again.CorrectObject.ID)

	after, err := storage.GetOccurrence(ctx, testDB.Pool(), res.OccurrenceID)
	require.NoError(t, err)
	assert.True(t, before.UpdatedAt.Equal(after.UpdatedAt), "approved fast path must not touch the occurrence")
	assert.Len(t, resolutionsFor(t, res.OccurrenceID), 1)
}

func TestApplyCorrectionVetoBlocksResynthesis(t *testing.T) {
	ctx := context.Background()
	scope := newScope(t)

	observed := []model.ContextElement{
		{Key: "subject", Value: "chemistry", Important: true, Weight: 1.0},
	}
	res, err := testEngine.ApplyCorrection(ctx, "Vetoed value", observed, scope.ID, nil)
	require.NoError(t, err)
	require.NotNil(t, res.CorrectObject)

	rs := resolutionsFor(t, res.OccurrenceID)
	require.Len(t, rs, 1)
	_, err = testDB.SetResolutionStatus(ctx, rs[0].ID, model.StatusInvalid)
	require.NoError(t, err)

	// The engine refuses to re-materialize the rejected entity.
	again, err := testEngine.ApplyCorrection(ctx, "Vetoed value", observed, scope.ID, nil)
	require.NoError(t, err)
	assert.Nil(t, again.CorrectObject)
	assert.Equal(t, res.OccurrenceID, again.OccurrenceID)

	// The veto row is sticky: it survives re-scoring.
	rs = resolutionsFor(t, res.OccurrenceID)
	require.Len(t, rs, 1)
	assert.Equal(t, model.StatusInvalid, rs[0].Status)
	assert.True(t, rs[0].Manual)
}

func TestApplyCorrectionVetoSelectsNextBest(t *testing.T) {
	ctx := context.Background()
	scope := newScope(t)
	winner := seedCorrectObject(t, scope.ID, "Shared value", nil)
	runnerUp := seedCorrectObject(t, scope.ID, "Shared valus", nil)

	res, err := testEngine.ApplyCorrection(ctx, "Shared value", nil, scope.ID, nil)
	require.NoError(t, err)
	require.NotNil(t, res.CorrectObject)
	assert.Equal(t, winner.ID, res.CorrectObject.ID)
	require.Len(t, resolutionsFor(t, res.OccurrenceID), 2)

	rs := resolutionsFor(t, res.OccurrenceID)
	for _, r := range rs {
		if r.CorrectObjectID == winner.ID {
			_, err = testDB.SetResolutionStatus(ctx, r.ID, model.StatusInvalid)
			require.NoError(t, err)
		}
	}

	again, err := testEngine.ApplyCorrection(ctx, "Shared value", nil, scope.ID, nil)
	require.NoError(t, err)
	require.NotNil(t, again.CorrectObject)
	assert.Equal(t, runnerUp.ID, again.CorrectObject.ID)
}

func TestApplyCorrectionCoalescesNarrowerContext(t *testing.T) {
	ctx := context.Background()
	scope := newScope(t)

	rich := []model.ContextElement{
		{Key: "subject", Value: "math", Important: true, Weight: 1.0},
		model.Element("room", "101"),
	}
	first, err := testEngine.ApplyCorrection(ctx, "Coalesced value", rich, scope.ID, nil)
	require.NoError(t, err)
	require.NotNil(t, first.CorrectObject)

	// A narrower repeat sighting lands on the same occurrence and answer.
	narrow := []model.ContextElement{
		{Key: "subject", Value: "math", Important: true, Weight: 1.0},
	}
	second, err := testEngine.ApplyCorrection(ctx, "Coalesced value", narrow, scope.ID, nil)
	require.NoError(t, err)
	require.NotNil(t, second.CorrectObject)
	assert.Equal(t, first.OccurrenceID, second.OccurrenceID)
	assert.Equal(t, first.CorrectObject.ID, second.CorrectObject.ID)
	assert.Len(t, resolutionsFor(t, first.OccurrenceID), 1)
}

func TestApplyCorrectionContextMismatchSkipsCandidate(t *testing.T) {
	ctx := context.Background()
	scope := newScope(t)
	seedCorrectObject(t, scope.ID, "Guarded value",
		[]model.ContextElement{{Key: "type", Value: "exam", Important: true, Weight: 1.0}})

	// The important requirement mismatches, so the candidate is skipped and a
	// fresh object is synthesized instead.
	observed := []model.ContextElement{
		{Key: "type", Value: "lecture", Important: true, Weight: 1.0},
	}
	res, err := testEngine.ApplyCorrection(ctx, "Guarded value", observed, scope.ID, nil)
	require.NoError(t, err)
	require.NotNil(t, res.CorrectObject)
	assert.Equal(t,
		[]model.ContextElement{{Key: "type", Value: "lecture", Important: true, Weight: 1.0}},
		res.CorrectObject.RequiredContextElements)
}

func TestApplyCorrectionDefaultScope(t *testing.T) {
	ctx := context.Background()

	res, err := testEngine.ApplyCorrection(ctx, "Default scope value "+t.Name(), nil, 0, nil)
	require.NoError(t, err)
	require.NotNil(t, res.CorrectObject)
	assert.Equal(t, int64(model.DefaultScopeID), res.CorrectObject.ScopeID)
}

func TestApplyCorrectionScopeNotFound(t *testing.T) {
	_, err := testEngine.ApplyCorrection(context.Background(), "Some value", nil, 99999999, nil)
	assert.ErrorIs(t, err, corrections.ErrScopeNotFound)
}

func TestApplyCorrectionValidation(t *testing.T) {
	ctx := context.Background()

	_, err := testEngine.ApplyCorrection(ctx, "", nil, 0, nil)
	assert.ErrorIs(t, err, corrections.ErrInvalidInput)

	_, err = testEngine.ApplyCorrection(ctx, strings.Repeat("я", model.MaxValueLen+1), nil, 0, nil)
	assert.ErrorIs(t, err, corrections.ErrInvalidInput)

	_, err = testEngine.ApplyCorrection(ctx, "ok",
		[]model.ContextElement{{Value: "keyless"}}, 0, nil)
	assert.ErrorIs(t, err, corrections.ErrInvalidInput)

	_, err = testEngine.ApplyCorrection(ctx, "ok", nil, 0,
		[]model.Hypothesis{{Value: ""}})
	assert.ErrorIs(t, err, corrections.ErrInvalidInput)
}

func TestFindOrCreateCorrectObjectValidation(t *testing.T) {
	_, _, err := testEngine.FindOrCreateCorrectObject(context.Background(), model.CorrectObjectRequest{})
	assert.ErrorIs(t, err, corrections.ErrInvalidInput)
}

// Package corrections implements the resolution engine: deduplicated intake
// of observations, context matching, candidate scoring, and the persistent
// resolution edges that link observations to canonical correct objects.
//
// The HTTP handlers delegate to Engine so all write paths share the same
// transactional pipeline and retry behavior.
package corrections

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/den1s0v/vstu-schedule/internal/model"
	"github.com/den1s0v/vstu-schedule/internal/storage"
	"github.com/den1s0v/vstu-schedule/internal/telemetry"
)

// ErrScopeNotFound is returned when a nonzero scope id names no scope.
var ErrScopeNotFound = errors.New("corrections: scope not found")

// ErrInvalidInput wraps validation failures of caller-supplied values.
var ErrInvalidInput = errors.New("corrections: invalid input")

const (
	txMaxRetries  = 3
	txRetryDelay  = 50 * time.Millisecond
	similarityMax = 10.0 // value similarity dominates context score by design of the scale
)

// Engine orchestrates the correction pipeline against the storage layer.
type Engine struct {
	db     *storage.DB
	logger *slog.Logger

	applyDuration metric.Float64Histogram
	applyOutcomes metric.Int64Counter
}

// New creates an Engine.
func New(db *storage.DB, logger *slog.Logger) *Engine {
	meter := telemetry.Meter("corrections/engine")
	dur, _ := meter.Float64Histogram("corrections.apply.duration",
		metric.WithDescription("Time to apply one correction (ms)"),
		metric.WithUnit("ms"),
	)
	outcomes, _ := meter.Int64Counter("corrections.apply.outcomes",
		metric.WithDescription("Correction outcomes by kind"),
	)
	return &Engine{
		db:            db,
		logger:        logger,
		applyDuration: dur,
		applyOutcomes: outcomes,
	}
}

// ApplyResult is the outcome of one ApplyCorrection call. CorrectObject is
// nil when the engine declines to resolve (standing synthesis veto).
type ApplyResult struct {
	CorrectObject *model.CorrectObject
	OccurrenceID  int64
}

// ApplyCorrection resolves one observation to a correct object.
//
// The pipeline runs in a single transaction: scope resolution, observation
// upsert, hypothesis materialization, the approved and cache fast paths,
// candidate scoring, stale-edge pruning, winner selection, and synthesis of
// a new correct object when nothing matches. The transaction is retried on
// serialization conflicts and uniqueness races with concurrent callers.
func (e *Engine) ApplyCorrection(ctx context.Context, value string, observed []model.ContextElement, scopeID int64, hypotheses []model.Hypothesis) (ApplyResult, error) {
	start := time.Now()

	if err := model.ValidateValue(value); err != nil {
		return ApplyResult{}, fmt.Errorf("%w: %s", ErrInvalidInput, err)
	}
	if err := model.ValidateContext(observed); err != nil {
		return ApplyResult{}, fmt.Errorf("%w: %s", ErrInvalidInput, err)
	}
	for i, h := range hypotheses {
		if err := model.ValidateValue(h.Value); err != nil {
			return ApplyResult{}, fmt.Errorf("%w: hypothesis[%d]: %s", ErrInvalidInput, i, err)
		}
		if err := model.ValidateContext(h.Context); err != nil {
			return ApplyResult{}, fmt.Errorf("%w: hypothesis[%d]: %s", ErrInvalidInput, i, err)
		}
		if err := model.ValidateContext(h.RequiredContextElements); err != nil {
			return ApplyResult{}, fmt.Errorf("%w: hypothesis[%d]: %s", ErrInvalidInput, i, err)
		}
	}

	var result ApplyResult
	var outcome string
	err := storage.WithRetry(ctx, txMaxRetries, txRetryDelay, func() error {
		result = ApplyResult{}
		var err error
		result, outcome, err = e.applyOnce(ctx, value, observed, scopeID, hypotheses)
		return err
	})
	if err != nil {
		return ApplyResult{}, err
	}

	e.applyDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("outcome", outcome)))
	e.applyOutcomes.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)))
	e.logger.Debug("correction applied",
		"outcome", outcome,
		"occurrence_id", result.OccurrenceID,
		"duration_ms", time.Since(start).Milliseconds())
	return result, nil
}

func (e *Engine) applyOnce(ctx context.Context, value string, observed []model.ContextElement, scopeID int64, hypotheses []model.Hypothesis) (ApplyResult, string, error) {
	tx, err := e.db.Begin(ctx)
	if err != nil {
		return ApplyResult{}, "", err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	scope, err := storage.EnsureScope(ctx, tx, scopeID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ApplyResult{}, "", fmt.Errorf("%w: id %d", ErrScopeNotFound, scopeID)
		}
		return ApplyResult{}, "", err
	}

	occ, err := storage.FindOrCreateOccurrence(ctx, tx, value, observed, scope.ID)
	if err != nil {
		return ApplyResult{}, "", err
	}

	for _, h := range hypotheses {
		if _, _, err := storage.FindOrCreateCorrectObject(ctx, tx, storage.CorrectObjectParams{
			Value:                   h.Value,
			ScopeID:                 scope.ID,
			ExternalID:              h.ExternalID,
			Name:                    h.Name,
			Description:             h.Description,
			RequiredContextElements: h.RequiredContextElements,
			Context:                 h.Context,
		}); err != nil {
			return ApplyResult{}, "", err
		}
	}

	// An approved resolution pins the answer: no writes, no cache refresh.
	approved, err := storage.GetApprovedResolution(ctx, tx, occ.ID)
	if err == nil {
		co, err := storage.GetCorrectObject(ctx, tx, approved.CorrectObjectID)
		if err != nil {
			return ApplyResult{}, "", err
		}
		if err := tx.Commit(ctx); err != nil {
			return ApplyResult{}, "", err
		}
		return ApplyResult{CorrectObject: &co, OccurrenceID: occ.ID}, "approved", nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return ApplyResult{}, "", err
	}

	if cached, err := storage.CachedResolution(ctx, tx, occ.ID); err != nil {
		return ApplyResult{}, "", err
	} else if cached != nil {
		co, err := storage.GetCorrectObject(ctx, tx, *cached)
		if err != nil {
			return ApplyResult{}, "", err
		}
		if err := tx.Commit(ctx); err != nil {
			return ApplyResult{}, "", err
		}
		return ApplyResult{CorrectObject: &co, OccurrenceID: occ.ID}, "cached", nil
	}

	// Score every context-compatible candidate and keep its pending edge.
	candidates, err := storage.ListCorrectObjectsByScope(ctx, tx, scope.ID)
	if err != nil {
		return ApplyResult{}, "", err
	}
	var keep []int64
	for _, c := range candidates {
		ok, contextScore := MatchContext(occ.Context, c.RequiredContextElements)
		if !ok {
			continue
		}
		vetoed, err := storage.HasInvalidResolution(ctx, tx, occ.ID, c.ID)
		if err != nil {
			return ApplyResult{}, "", err
		}
		if vetoed {
			continue
		}
		score := similarityMax*Similarity(occ.Value, c.Value) + contextScore
		if _, err := storage.UpsertPendingResolution(ctx, tx, occ, c.ID, score); err != nil {
			return ApplyResult{}, "", err
		}
		keep = append(keep, c.ID)
	}
	if len(keep) > 0 {
		if _, err := storage.PruneStaleResolutions(ctx, tx, occ.ID, keep); err != nil {
			return ApplyResult{}, "", err
		}
	}

	best, err := storage.BestResolutionFor(ctx, tx, occ.ID)
	if err == nil {
		co, err := storage.GetCorrectObject(ctx, tx, best.CorrectObjectID)
		if err != nil {
			return ApplyResult{}, "", err
		}
		if err := storage.RefreshOccurrenceCache(ctx, tx, occ.ID, &co.ID); err != nil {
			return ApplyResult{}, "", err
		}
		if err := tx.Commit(ctx); err != nil {
			return ApplyResult{}, "", err
		}
		return ApplyResult{CorrectObject: &co, OccurrenceID: occ.ID}, "scored", nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return ApplyResult{}, "", err
	}

	// Nothing matched: synthesize a correct object from the observation,
	// unless a manually invalidated edge to an identical synthesis stands.
	important := model.ImportantElements(occ.Context)
	vetoed, err := storage.HasSynthesisVeto(ctx, tx, occ.ID, occ.Value, important)
	if err != nil {
		return ApplyResult{}, "", err
	}
	if vetoed {
		if err := tx.Commit(ctx); err != nil {
			return ApplyResult{}, "", err
		}
		e.logger.Info("synthesis vetoed by standing invalid resolution",
			"occurrence_id", occ.ID, "scope_id", scope.ID)
		return ApplyResult{OccurrenceID: occ.ID}, "vetoed", nil
	}

	co, _, err := storage.FindOrCreateCorrectObject(ctx, tx, storage.CorrectObjectParams{
		Value:                   occ.Value,
		ScopeID:                 scope.ID,
		RequiredContextElements: important,
		Context:                 occ.Context,
	})
	if err != nil {
		return ApplyResult{}, "", err
	}
	// The observation trivially satisfies its own important elements; the
	// context score is their summed weight.
	_, contextScore := MatchContext(occ.Context, important)
	if _, err := storage.UpsertPendingResolution(ctx, tx, occ, co.ID, similarityMax+contextScore); err != nil {
		return ApplyResult{}, "", err
	}
	if err := storage.RefreshOccurrenceCache(ctx, tx, occ.ID, &co.ID); err != nil {
		return ApplyResult{}, "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return ApplyResult{}, "", err
	}
	return ApplyResult{CorrectObject: &co, OccurrenceID: occ.ID}, "synthesized", nil
}

// FindOrCreateCorrectObject registers a canonical entity directly, resolving
// a zero scope id to the default scope. Used by the admin API.
func (e *Engine) FindOrCreateCorrectObject(ctx context.Context, req model.CorrectObjectRequest) (model.CorrectObject, bool, error) {
	if err := model.ValidateValue(req.Value); err != nil {
		return model.CorrectObject{}, false, fmt.Errorf("%w: %s", ErrInvalidInput, err)
	}
	if err := model.ValidateContext(req.Context); err != nil {
		return model.CorrectObject{}, false, fmt.Errorf("%w: %s", ErrInvalidInput, err)
	}
	if err := model.ValidateContext(req.RequiredContextElements); err != nil {
		return model.CorrectObject{}, false, fmt.Errorf("%w: %s", ErrInvalidInput, err)
	}

	var co model.CorrectObject
	var created bool
	err := storage.WithRetry(ctx, txMaxRetries, txRetryDelay, func() error {
		tx, err := e.db.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		scope, err := storage.EnsureScope(ctx, tx, req.ScopeID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("%w: id %d", ErrScopeNotFound, req.ScopeID)
			}
			return err
		}
		co, created, err = storage.FindOrCreateCorrectObject(ctx, tx, storage.CorrectObjectParams{
			Value:                   req.Value,
			ScopeID:                 scope.ID,
			ExternalID:              req.ExternalID,
			Name:                    req.Name,
			Description:             req.Description,
			RequiredContextElements: req.RequiredContextElements,
			Context:                 req.Context,
		})
		if err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return model.CorrectObject{}, false, err
	}
	return co, created, nil
}

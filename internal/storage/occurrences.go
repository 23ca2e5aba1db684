package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/den1s0v/vstu-schedule/internal/model"
)

const occurrenceColumns = `id, value, context, score, approved, manual, scope_id, updated_at, resolved_to`

func scanOccurrence(row pgx.Row) (model.Occurrence, error) {
	var o model.Occurrence
	var rawCtx []byte
	err := row.Scan(&o.ID, &o.Value, &rawCtx, &o.Score, &o.Approved, &o.Manual,
		&o.ScopeID, &o.UpdatedAt, &o.ResolvedTo)
	if err != nil {
		return model.Occurrence{}, err
	}
	if err := scanContext(rawCtx, &o.Context); err != nil {
		return model.Occurrence{}, err
	}
	return o, nil
}

// GetOccurrence fetches an occurrence by id. Returns ErrNotFound if missing.
func GetOccurrence(ctx context.Context, q Querier, id int64) (model.Occurrence, error) {
	o, err := scanOccurrence(q.QueryRow(ctx,
		`SELECT `+occurrenceColumns+` FROM occurrences WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Occurrence{}, ErrNotFound
		}
		return model.Occurrence{}, fmt.Errorf("storage: get occurrence: %w", err)
	}
	return o, nil
}

// FindOrCreateOccurrence deduplicates an incoming observation against the
// existing occurrences with the same value in the scope. If any existing
// occurrence covers the input context (every input element present with the
// same key and value), that occurrence is returned unchanged — a narrower
// later sighting never spawns a duplicate row. Otherwise a new occurrence is
// inserted with the input context verbatim.
//
// The insert relies on the (value, context) unique constraint to catch
// concurrent creators: ON CONFLICT DO NOTHING followed by a re-read returns
// the winner's row without aborting the enclosing transaction.
func FindOrCreateOccurrence(ctx context.Context, q Querier, value string, context []model.ContextElement, scopeID int64) (model.Occurrence, error) {
	rows, err := q.Query(ctx,
		`SELECT `+occurrenceColumns+` FROM occurrences WHERE value = $1 AND scope_id = $2 ORDER BY id`,
		value, scopeID)
	if err != nil {
		return model.Occurrence{}, fmt.Errorf("storage: find occurrences by value: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		o, err := scanOccurrence(rows)
		if err != nil {
			return model.Occurrence{}, fmt.Errorf("storage: scan occurrence: %w", err)
		}
		if model.Covers(o.Context, context) {
			return o, nil
		}
	}
	if err := rows.Err(); err != nil {
		return model.Occurrence{}, fmt.Errorf("storage: iterate occurrences: %w", err)
	}
	rows.Close()

	ctxJSON, err := contextJSON(context)
	if err != nil {
		return model.Occurrence{}, err
	}
	tag, err := q.Exec(ctx,
		`INSERT INTO occurrences (value, context, scope_id) VALUES ($1, $2::jsonb, $3)
		 ON CONFLICT (value, context) DO NOTHING`,
		value, ctxJSON, scopeID)
	if err != nil {
		return model.Occurrence{}, fmt.Errorf("storage: create occurrence: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Raced with a concurrent creator; return its row.
		o, err := scanOccurrence(q.QueryRow(ctx,
			`SELECT `+occurrenceColumns+` FROM occurrences WHERE value = $1 AND context = $2::jsonb`,
			value, ctxJSON))
		if err != nil {
			return model.Occurrence{}, fmt.Errorf("storage: re-read raced occurrence: %w", err)
		}
		return o, nil
	}
	o, err := scanOccurrence(q.QueryRow(ctx,
		`SELECT `+occurrenceColumns+` FROM occurrences WHERE value = $1 AND context = $2::jsonb`,
		value, ctxJSON))
	if err != nil {
		return model.Occurrence{}, fmt.Errorf("storage: read created occurrence: %w", err)
	}
	return o, nil
}

// RefreshOccurrenceCache stores the best resolution's correct object id (or
// nil) in the occurrence's resolved_to reference and bumps its updated_at,
// making the cache valid against the scope's current epoch.
func RefreshOccurrenceCache(ctx context.Context, q Querier, occurrenceID int64, correctObjectID *int64) error {
	if _, err := q.Exec(ctx,
		`UPDATE occurrences SET resolved_to = $2, updated_at = now() WHERE id = $1`,
		occurrenceID, correctObjectID,
	); err != nil {
		return fmt.Errorf("storage: refresh occurrence cache: %w", err)
	}
	return nil
}

// CachedResolution returns the occurrence's cached correct object id when the
// cache is valid: resolved_to is set and the occurrence's updated_at is not
// older than its scope's updated_at (the scope epoch). Returns nil on a cold
// or invalidated cache.
func CachedResolution(ctx context.Context, q Querier, occurrenceID int64) (*int64, error) {
	var resolvedTo *int64
	err := q.QueryRow(ctx,
		`SELECT o.resolved_to FROM occurrences o
		 JOIN scopes s ON s.id = o.scope_id
		 WHERE o.id = $1 AND o.resolved_to IS NOT NULL AND o.updated_at >= s.updated_at`,
		occurrenceID,
	).Scan(&resolvedTo)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: read occurrence cache: %w", err)
	}
	return resolvedTo, nil
}

// ListOccurrencesByScope returns all occurrences in the scope ordered by id.
func (db *DB) ListOccurrencesByScope(ctx context.Context, scopeID int64) ([]model.Occurrence, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+occurrenceColumns+` FROM occurrences WHERE scope_id = $1 ORDER BY id`, scopeID)
	if err != nil {
		return nil, fmt.Errorf("storage: list occurrences: %w", err)
	}
	defer rows.Close()

	var occurrences []model.Occurrence
	for rows.Next() {
		o, err := scanOccurrence(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan occurrence: %w", err)
		}
		occurrences = append(occurrences, o)
	}
	return occurrences, rows.Err()
}

package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/den1s0v/vstu-schedule/internal/model"
)

const scopeColumns = `id, description, updated_at`

// GetScope fetches a scope by id. Returns ErrNotFound if it does not exist.
func GetScope(ctx context.Context, q Querier, id int64) (model.Scope, error) {
	var s model.Scope
	err := q.QueryRow(ctx,
		`SELECT `+scopeColumns+` FROM scopes WHERE id = $1`, id,
	).Scan(&s.ID, &s.Description, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Scope{}, ErrNotFound
		}
		return model.Scope{}, fmt.Errorf("storage: get scope: %w", err)
	}
	return s, nil
}

// EnsureScope resolves the scope for a correction request. A zero id selects
// the sentinel default scope, creating it on first use (the scopes identity
// sequence starts at 2, so the sentinel row at id=1 never collides with a
// regular scope). A nonzero id must name an existing scope.
func EnsureScope(ctx context.Context, q Querier, id int64) (model.Scope, error) {
	if id != 0 {
		return GetScope(ctx, q, id)
	}
	if _, err := q.Exec(ctx,
		`INSERT INTO scopes (id, description) VALUES ($1, 'Default scope')
		 ON CONFLICT (id) DO NOTHING`, model.DefaultScopeID,
	); err != nil {
		return model.Scope{}, fmt.Errorf("storage: ensure default scope: %w", err)
	}
	return GetScope(ctx, q, model.DefaultScopeID)
}

// CreateScope inserts a new scope.
func (db *DB) CreateScope(ctx context.Context, description *string) (model.Scope, error) {
	var s model.Scope
	err := db.pool.QueryRow(ctx,
		`INSERT INTO scopes (description) VALUES ($1) RETURNING `+scopeColumns,
		description,
	).Scan(&s.ID, &s.Description, &s.UpdatedAt)
	if err != nil {
		return model.Scope{}, fmt.Errorf("storage: create scope: %w", err)
	}
	return s, nil
}

// ListScopes returns all scopes ordered by id.
func (db *DB) ListScopes(ctx context.Context) ([]model.Scope, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+scopeColumns+` FROM scopes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list scopes: %w", err)
	}
	defer rows.Close()

	var scopes []model.Scope
	for rows.Next() {
		var s model.Scope
		if err := rows.Scan(&s.ID, &s.Description, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan scope: %w", err)
		}
		scopes = append(scopes, s)
	}
	return scopes, rows.Err()
}

// InvalidateScope bumps the scope's updated_at and the updated_at of every
// occurrence in the scope, invalidating their resolved_to caches. Must run
// whenever a correct object in the scope is created, mutated, or deleted,
// inside the same transaction as that write. Both bumps use the transaction
// timestamp; the cache validity check compares with >=, so the relative
// order of the two statements does not matter.
func InvalidateScope(ctx context.Context, q Querier, scopeID int64) error {
	if _, err := q.Exec(ctx,
		`UPDATE scopes SET updated_at = now() WHERE id = $1`, scopeID,
	); err != nil {
		return fmt.Errorf("storage: bump scope: %w", err)
	}
	if _, err := q.Exec(ctx,
		`UPDATE occurrences SET updated_at = now() WHERE scope_id = $1`, scopeID,
	); err != nil {
		return fmt.Errorf("storage: invalidate scope occurrences: %w", err)
	}
	return nil
}

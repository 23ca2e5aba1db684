package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/den1s0v/vstu-schedule/internal/model"
)

const correctObjectColumns = `id, external_id, value, required_context_elements, context,
	score, approved, manual, scope_id, updated_at, name, description`

func scanCorrectObject(row pgx.Row) (model.CorrectObject, error) {
	var co model.CorrectObject
	var rawRequired, rawCtx []byte
	err := row.Scan(&co.ID, &co.ExternalID, &co.Value, &rawRequired, &rawCtx,
		&co.Score, &co.Approved, &co.Manual, &co.ScopeID, &co.UpdatedAt, &co.Name, &co.Description)
	if err != nil {
		return model.CorrectObject{}, err
	}
	if err := scanContext(rawRequired, &co.RequiredContextElements); err != nil {
		return model.CorrectObject{}, err
	}
	if err := scanContext(rawCtx, &co.Context); err != nil {
		return model.CorrectObject{}, err
	}
	return co, nil
}

// GetCorrectObject fetches a correct object by id. Returns ErrNotFound if missing.
func GetCorrectObject(ctx context.Context, q Querier, id int64) (model.CorrectObject, error) {
	co, err := scanCorrectObject(q.QueryRow(ctx,
		`SELECT `+correctObjectColumns+` FROM correct_objects WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.CorrectObject{}, ErrNotFound
		}
		return model.CorrectObject{}, fmt.Errorf("storage: get correct object: %w", err)
	}
	return co, nil
}

// CorrectObjectParams describes a correct object for find-or-create.
type CorrectObjectParams struct {
	Value                   string
	ScopeID                 int64
	ExternalID              *string
	Name                    *string
	Description             *string
	RequiredContextElements []model.ContextElement
	Context                 []model.ContextElement
}

// FindOrCreateCorrectObject is the idempotent upsert of canonical entities.
//
// Lookup order: external_id within the scope (a hit returns the row
// unchanged, ignoring name/description from the call); otherwise
// (scope, value, required_context_elements) among rows without an
// external_id. On miss, the row is inserted; ON CONFLICT DO NOTHING plus a
// second lookup resolves races on either unique index without aborting the
// enclosing transaction. A successful insert invalidates the scope's
// occurrence caches in the same transaction.
//
// Returns the entity and whether this call created it.
func FindOrCreateCorrectObject(ctx context.Context, q Querier, p CorrectObjectParams) (model.CorrectObject, bool, error) {
	requiredJSON, err := contextJSON(p.RequiredContextElements)
	if err != nil {
		return model.CorrectObject{}, false, err
	}
	ctxJSON, err := contextJSON(p.Context)
	if err != nil {
		return model.CorrectObject{}, false, err
	}

	co, err := lookupCorrectObject(ctx, q, p, requiredJSON)
	if err == nil {
		return co, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return model.CorrectObject{}, false, err
	}

	tag, err := q.Exec(ctx,
		`INSERT INTO correct_objects
		   (external_id, value, required_context_elements, context, scope_id, name, description)
		 VALUES ($1, $2, $3::jsonb, $4::jsonb, $5, $6, $7)
		 ON CONFLICT DO NOTHING`,
		p.ExternalID, p.Value, requiredJSON, ctxJSON, p.ScopeID, p.Name, p.Description)
	if err != nil {
		return model.CorrectObject{}, false, fmt.Errorf("storage: create correct object: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Raced with a concurrent creator on one of the unique indexes.
		co, err := lookupCorrectObject(ctx, q, p, requiredJSON)
		if err != nil {
			return model.CorrectObject{}, false, fmt.Errorf("storage: re-read raced correct object: %w", err)
		}
		return co, false, nil
	}

	co, err = lookupCorrectObject(ctx, q, p, requiredJSON)
	if err != nil {
		return model.CorrectObject{}, false, fmt.Errorf("storage: read created correct object: %w", err)
	}
	if err := InvalidateScope(ctx, q, p.ScopeID); err != nil {
		return model.CorrectObject{}, false, err
	}
	return co, true, nil
}

func lookupCorrectObject(ctx context.Context, q Querier, p CorrectObjectParams, requiredJSON string) (model.CorrectObject, error) {
	if p.ExternalID != nil && *p.ExternalID != "" {
		co, err := scanCorrectObject(q.QueryRow(ctx,
			`SELECT `+correctObjectColumns+` FROM correct_objects
			 WHERE external_id = $1 AND scope_id = $2`,
			*p.ExternalID, p.ScopeID))
		if err == nil {
			return co, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return model.CorrectObject{}, fmt.Errorf("storage: lookup correct object by external id: %w", err)
		}
	}
	co, err := scanCorrectObject(q.QueryRow(ctx,
		`SELECT `+correctObjectColumns+` FROM correct_objects
		 WHERE scope_id = $1 AND value = $2 AND required_context_elements = $3::jsonb
		   AND external_id IS NULL`,
		p.ScopeID, p.Value, requiredJSON))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.CorrectObject{}, ErrNotFound
		}
		return model.CorrectObject{}, fmt.Errorf("storage: lookup correct object by value: %w", err)
	}
	return co, nil
}

// ListCorrectObjectsByScope returns all correct objects in the scope in id
// order (first-seen order for candidate enumeration).
func ListCorrectObjectsByScope(ctx context.Context, q Querier, scopeID int64) ([]model.CorrectObject, error) {
	rows, err := q.Query(ctx,
		`SELECT `+correctObjectColumns+` FROM correct_objects WHERE scope_id = $1 ORDER BY id`, scopeID)
	if err != nil {
		return nil, fmt.Errorf("storage: list correct objects: %w", err)
	}
	defer rows.Close()

	var objects []model.CorrectObject
	for rows.Next() {
		co, err := scanCorrectObject(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan correct object: %w", err)
		}
		objects = append(objects, co)
	}
	return objects, rows.Err()
}

// UpdateCorrectObject applies an admin patch to a correct object and
// invalidates the scope's occurrence caches in the same transaction.
func (db *DB) UpdateCorrectObject(ctx context.Context, id int64, patch model.CorrectObjectPatch) (model.CorrectObject, error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return model.CorrectObject{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	co, err := GetCorrectObject(ctx, tx, id)
	if err != nil {
		return model.CorrectObject{}, err
	}

	if patch.Value != nil {
		co.Value = *patch.Value
	}
	if patch.Name != nil {
		co.Name = patch.Name
	}
	if patch.Description != nil {
		co.Description = patch.Description
	}
	if patch.Context != nil {
		co.Context = *patch.Context
	}
	if patch.Approved != nil {
		co.Approved = *patch.Approved
	}

	ctxJSON, err := contextJSON(co.Context)
	if err != nil {
		return model.CorrectObject{}, err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE correct_objects
		 SET value = $2, name = $3, description = $4, context = $5::jsonb, approved = $6, updated_at = now()
		 WHERE id = $1`,
		co.ID, co.Value, co.Name, co.Description, ctxJSON, co.Approved,
	); err != nil {
		return model.CorrectObject{}, fmt.Errorf("storage: update correct object: %w", err)
	}

	if err := InvalidateScope(ctx, tx, co.ScopeID); err != nil {
		return model.CorrectObject{}, err
	}

	co, err = GetCorrectObject(ctx, tx, id)
	if err != nil {
		return model.CorrectObject{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.CorrectObject{}, fmt.Errorf("storage: commit correct object update: %w", err)
	}
	return co, nil
}

// DeleteCorrectObject removes a correct object and invalidates the scope's
// occurrence caches. Resolutions referencing it cascade; occurrences that
// cached it as resolved_to are set to null by the foreign key.
func (db *DB) DeleteCorrectObject(ctx context.Context, id int64) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	co, err := GetCorrectObject(ctx, tx, id)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM correct_objects WHERE id = $1`, id); err != nil {
		return fmt.Errorf("storage: delete correct object: %w", err)
	}
	if err := InvalidateScope(ctx, tx, co.ScopeID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit correct object delete: %w", err)
	}
	return nil
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/den1s0v/vstu-schedule/internal/model"
)

const resolutionColumns = `id, occurrence_id, correct_object_id, manual, status, score, created_at, updated_at, scope_id`

func scanResolution(row pgx.Row) (model.Resolution, error) {
	var r model.Resolution
	err := row.Scan(&r.ID, &r.OccurrenceID, &r.CorrectObjectID, &r.Manual, &r.Status,
		&r.Score, &r.CreatedAt, &r.UpdatedAt, &r.ScopeID)
	if err != nil {
		return model.Resolution{}, err
	}
	return r, nil
}

// UpsertPendingResolution creates a pending resolution edge for the pair, or
// returns the existing edge untouched whatever its status. Idempotent on
// (occurrence, correct_object) via the pair unique constraint.
func UpsertPendingResolution(ctx context.Context, q Querier, occurrence model.Occurrence, correctObjectID int64, score float64) (model.Resolution, error) {
	if _, err := q.Exec(ctx,
		`INSERT INTO resolutions (occurrence_id, correct_object_id, status, score, manual, scope_id)
		 VALUES ($1, $2, $3, $4, FALSE, $5)
		 ON CONFLICT (occurrence_id, correct_object_id) DO NOTHING`,
		occurrence.ID, correctObjectID, model.StatusPending, score, occurrence.ScopeID,
	); err != nil {
		return model.Resolution{}, fmt.Errorf("storage: upsert pending resolution: %w", err)
	}
	r, err := scanResolution(q.QueryRow(ctx,
		`SELECT `+resolutionColumns+` FROM resolutions
		 WHERE occurrence_id = $1 AND correct_object_id = $2`,
		occurrence.ID, correctObjectID))
	if err != nil {
		return model.Resolution{}, fmt.Errorf("storage: read upserted resolution: %w", err)
	}
	return r, nil
}

// GetApprovedResolution returns the approved resolution for the occurrence,
// or ErrNotFound.
func GetApprovedResolution(ctx context.Context, q Querier, occurrenceID int64) (model.Resolution, error) {
	r, err := scanResolution(q.QueryRow(ctx,
		`SELECT `+resolutionColumns+` FROM resolutions
		 WHERE occurrence_id = $1 AND status = $2`,
		occurrenceID, model.StatusApproved))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Resolution{}, ErrNotFound
		}
		return model.Resolution{}, fmt.Errorf("storage: get approved resolution: %w", err)
	}
	return r, nil
}

// HasInvalidResolution reports whether the pair carries an explicit veto.
func HasInvalidResolution(ctx context.Context, q Querier, occurrenceID, correctObjectID int64) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM resolutions
		   WHERE occurrence_id = $1 AND correct_object_id = $2 AND status = $3
		 )`,
		occurrenceID, correctObjectID, model.StatusInvalid,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storage: check invalid resolution: %w", err)
	}
	return exists, nil
}

// HasSynthesisVeto reports whether an invalid resolution exists from the
// occurrence to a correct object identical to the one synthesis would
// create (same value, required context equal to the occurrence's important
// elements). Such a veto blocks re-materializing a rejected entity.
func HasSynthesisVeto(ctx context.Context, q Querier, occurrenceID int64, value string, required []model.ContextElement) (bool, error) {
	requiredJSON, err := contextJSON(required)
	if err != nil {
		return false, err
	}
	var exists bool
	err = q.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM resolutions r
		   JOIN correct_objects co ON co.id = r.correct_object_id
		   WHERE r.occurrence_id = $1 AND r.status = $2
		     AND co.value = $3 AND co.required_context_elements = $4::jsonb
		 )`,
		occurrenceID, model.StatusInvalid, value, requiredJSON,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storage: check synthesis veto: %w", err)
	}
	return exists, nil
}

// BestResolutionFor returns the approved resolution if one exists, else the
// pending resolution with the highest score (ties broken by most recent
// updated_at, then highest id), else ErrNotFound. Invalid rows never win.
func BestResolutionFor(ctx context.Context, q Querier, occurrenceID int64) (model.Resolution, error) {
	r, err := scanResolution(q.QueryRow(ctx,
		`SELECT `+resolutionColumns+` FROM resolutions
		 WHERE occurrence_id = $1 AND status IN ($2, $3)
		 ORDER BY (status = $3) DESC, score DESC, updated_at DESC, id DESC
		 LIMIT 1`,
		occurrenceID, model.StatusPending, model.StatusApproved))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Resolution{}, ErrNotFound
		}
		return model.Resolution{}, fmt.Errorf("storage: best resolution: %w", err)
	}
	return r, nil
}

// PruneStaleResolutions deletes the occurrence's pending and invalid edges
// whose correct object is not in keep, retaining manually vetoed rows
// (sticky rejections). Approved rows are never touched. Returns the number
// of deleted rows.
func PruneStaleResolutions(ctx context.Context, q Querier, occurrenceID int64, keep []int64) (int64, error) {
	tag, err := q.Exec(ctx,
		`DELETE FROM resolutions
		 WHERE occurrence_id = $1
		   AND status IN ($2, $3)
		   AND NOT (manual AND status = $3)
		   AND correct_object_id <> ALL($4)`,
		occurrenceID, model.StatusPending, model.StatusInvalid, keep)
	if err != nil {
		return 0, fmt.Errorf("storage: prune stale resolutions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetResolution fetches a resolution with both endpoints eagerly loaded.
// Returns ErrNotFound if missing.
func (db *DB) GetResolution(ctx context.Context, id int64) (model.Resolution, error) {
	rows, err := db.pool.Query(ctx,
		joinedResolutionSelect+` WHERE r.id = $1`, id)
	if err != nil {
		return model.Resolution{}, fmt.Errorf("storage: get resolution: %w", err)
	}
	defer rows.Close()

	resolutions, err := scanJoinedResolutions(rows)
	if err != nil {
		return model.Resolution{}, err
	}
	if len(resolutions) == 0 {
		return model.Resolution{}, ErrNotFound
	}
	return resolutions[0], nil
}

// SetResolutionStatus transitions a resolution to newStatus, marking it
// manual. When transitioning to approved, any other approved row for the
// same occurrence is demoted to pending inside the same transaction, which
// preserves the at-most-one-approved invariant without a read-then-validate
// race. The occurrence's resolved_to cache is recomputed so a manual
// override takes effect on the next lookup instead of serving the stale
// cached winner.
func (db *DB) SetResolutionStatus(ctx context.Context, id int64, newStatus model.ResolutionStatus) (model.Resolution, error) {
	if !model.ValidStatus(newStatus) {
		return model.Resolution{}, fmt.Errorf("storage: invalid resolution status %d", int(newStatus))
	}

	tx, err := db.Begin(ctx)
	if err != nil {
		return model.Resolution{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	r, err := scanResolution(tx.QueryRow(ctx,
		`SELECT `+resolutionColumns+` FROM resolutions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Resolution{}, ErrNotFound
		}
		return model.Resolution{}, fmt.Errorf("storage: read resolution: %w", err)
	}

	if newStatus == model.StatusApproved {
		if _, err := tx.Exec(ctx,
			`UPDATE resolutions SET status = $1, updated_at = now()
			 WHERE occurrence_id = $2 AND status = $3 AND id <> $4`,
			model.StatusPending, r.OccurrenceID, model.StatusApproved, id,
		); err != nil {
			return model.Resolution{}, fmt.Errorf("storage: demote prior approved: %w", err)
		}
	}

	r, err = scanResolution(tx.QueryRow(ctx,
		`UPDATE resolutions SET status = $2, manual = TRUE, updated_at = now()
		 WHERE id = $1
		 RETURNING `+resolutionColumns, id, newStatus))
	if err != nil {
		return model.Resolution{}, fmt.Errorf("storage: set resolution status: %w", err)
	}

	if err := refreshCacheFromBest(ctx, tx, r.OccurrenceID); err != nil {
		return model.Resolution{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Resolution{}, fmt.Errorf("storage: commit status change: %w", err)
	}
	return r, nil
}

// DeleteResolution removes a resolution and recomputes the occurrence's
// cached winner. Returns ErrNotFound if missing.
func (db *DB) DeleteResolution(ctx context.Context, id int64) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var occurrenceID int64
	err = tx.QueryRow(ctx,
		`DELETE FROM resolutions WHERE id = $1 RETURNING occurrence_id`, id,
	).Scan(&occurrenceID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("storage: delete resolution: %w", err)
	}

	if err := refreshCacheFromBest(ctx, tx, occurrenceID); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit resolution delete: %w", err)
	}
	return nil
}

// refreshCacheFromBest repoints the occurrence's resolved_to cache at the
// current best resolution, or clears it when none remains, so the next
// lookup re-scores instead of serving a winner the reviewer just overrode.
func refreshCacheFromBest(ctx context.Context, q Querier, occurrenceID int64) error {
	best, err := BestResolutionFor(ctx, q, occurrenceID)
	switch {
	case err == nil:
		return RefreshOccurrenceCache(ctx, q, occurrenceID, &best.CorrectObjectID)
	case errors.Is(err, ErrNotFound):
		return RefreshOccurrenceCache(ctx, q, occurrenceID, nil)
	default:
		return err
	}
}

// --- Read-side selectors for the review UI ---

const joinedResolutionSelect = `
	SELECT r.id, r.occurrence_id, r.correct_object_id, r.manual, r.status, r.score,
	       r.created_at, r.updated_at, r.scope_id,
	       o.id, o.value, o.context, o.score, o.approved, o.manual, o.scope_id, o.updated_at, o.resolved_to,
	       co.id, co.external_id, co.value, co.required_context_elements, co.context,
	       co.score, co.approved, co.manual, co.scope_id, co.updated_at, co.name, co.description
	FROM resolutions r
	JOIN occurrences o ON o.id = r.occurrence_id
	JOIN correct_objects co ON co.id = r.correct_object_id`

func scanJoinedResolutions(rows pgx.Rows) ([]model.Resolution, error) {
	var resolutions []model.Resolution
	for rows.Next() {
		var r model.Resolution
		var o model.Occurrence
		var co model.CorrectObject
		var rawOCtx, rawRequired, rawCOCtx []byte
		if err := rows.Scan(
			&r.ID, &r.OccurrenceID, &r.CorrectObjectID, &r.Manual, &r.Status, &r.Score,
			&r.CreatedAt, &r.UpdatedAt, &r.ScopeID,
			&o.ID, &o.Value, &rawOCtx, &o.Score, &o.Approved, &o.Manual, &o.ScopeID, &o.UpdatedAt, &o.ResolvedTo,
			&co.ID, &co.ExternalID, &co.Value, &rawRequired, &rawCOCtx,
			&co.Score, &co.Approved, &co.Manual, &co.ScopeID, &co.UpdatedAt, &co.Name, &co.Description,
		); err != nil {
			return nil, fmt.Errorf("storage: scan joined resolution: %w", err)
		}
		if err := scanContext(rawOCtx, &o.Context); err != nil {
			return nil, err
		}
		if err := scanContext(rawRequired, &co.RequiredContextElements); err != nil {
			return nil, err
		}
		if err := scanContext(rawCOCtx, &co.Context); err != nil {
			return nil, err
		}
		r.Occurrence = &o
		r.CorrectObject = &co
		resolutions = append(resolutions, r)
	}
	return resolutions, rows.Err()
}

// ResolutionFilters narrows the review list query.
type ResolutionFilters struct {
	ScopeID          *int64
	SearchOccurrence string
	SearchCorrect    string
	Statuses         []model.ResolutionStatus
	ConflictsOnly    bool
	SortBy           string
	Page             int
	PerPage          int
}

// resolutionSortColumns is the allow-list for ResolutionFilters.SortBy
// (prefix "-" for descending).
var resolutionSortColumns = map[string]string{
	"score":            "r.score",
	"created_at":       "r.created_at",
	"updated_at":       "r.updated_at",
	"occurrence_value": "o.value",
	"correct_value":    "co.value",
}

// ListResolutions returns one page of resolutions matching the filters, with
// both endpoints eagerly loaded, plus the total match count.
func (db *DB) ListResolutions(ctx context.Context, f ResolutionFilters) ([]model.Resolution, int, error) {
	var conditions []string
	var args []any
	idx := 1

	if f.ScopeID != nil {
		conditions = append(conditions, fmt.Sprintf("r.scope_id = $%d", idx))
		args = append(args, *f.ScopeID)
		idx++
	}
	if f.SearchOccurrence != "" {
		conditions = append(conditions, fmt.Sprintf("o.value ILIKE $%d", idx))
		args = append(args, "%"+f.SearchOccurrence+"%")
		idx++
	}
	if f.SearchCorrect != "" {
		conditions = append(conditions, fmt.Sprintf("co.value ILIKE $%d", idx))
		args = append(args, "%"+f.SearchCorrect+"%")
		idx++
	}
	if len(f.Statuses) > 0 {
		statuses := make([]int, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = int(s)
		}
		conditions = append(conditions, fmt.Sprintf("r.status = ANY($%d)", idx))
		args = append(args, statuses)
		idx++
	}
	if f.ConflictsOnly {
		// Occurrences with at least two pending rows and no approved row.
		conditions = append(conditions, fmt.Sprintf(`r.occurrence_id IN (
			SELECT p.occurrence_id FROM resolutions p
			WHERE p.status = %d
			GROUP BY p.occurrence_id
			HAVING COUNT(*) >= 2
		) AND NOT EXISTS (
			SELECT 1 FROM resolutions a
			WHERE a.occurrence_id = r.occurrence_id AND a.status = %d
		)`, model.StatusPending, model.StatusApproved))
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM resolutions r
		JOIN occurrences o ON o.id = r.occurrence_id
		JOIN correct_objects co ON co.id = r.correct_object_id` + where
	if err := db.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count resolutions: %w", err)
	}

	orderBy := "r.score DESC, r.created_at DESC"
	if f.SortBy != "" {
		field := strings.TrimPrefix(f.SortBy, "-")
		if col, ok := resolutionSortColumns[field]; ok {
			dir := "ASC"
			if strings.HasPrefix(f.SortBy, "-") {
				dir = "DESC"
			}
			orderBy = col + " " + dir + ", r.id DESC"
		}
	}

	perPage := f.PerPage
	if perPage <= 0 {
		perPage = 50
	}
	page := f.Page
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * perPage

	query := joinedResolutionSelect + where +
		fmt.Sprintf(" ORDER BY %s LIMIT %d OFFSET %d", orderBy, perPage, offset)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list resolutions: %w", err)
	}
	defer rows.Close()

	resolutions, err := scanJoinedResolutions(rows)
	if err != nil {
		return nil, 0, err
	}
	return resolutions, total, nil
}

// ListResolutionsByOccurrence returns all resolutions for the occurrence
// ordered by score desc then created_at desc, endpoints eagerly loaded.
func (db *DB) ListResolutionsByOccurrence(ctx context.Context, occurrenceID int64) ([]model.Resolution, error) {
	rows, err := db.pool.Query(ctx,
		joinedResolutionSelect+` WHERE r.occurrence_id = $1
		 ORDER BY r.score DESC, r.created_at DESC`, occurrenceID)
	if err != nil {
		return nil, fmt.Errorf("storage: list resolutions by occurrence: %w", err)
	}
	defer rows.Close()

	return scanJoinedResolutions(rows)
}

// ListConflictingResolutions returns the pending resolutions of occurrences
// in the scope that have at least two pending rows and no approved row.
func (db *DB) ListConflictingResolutions(ctx context.Context, scopeID int64) ([]model.Resolution, error) {
	rows, err := db.pool.Query(ctx,
		joinedResolutionSelect+` WHERE r.scope_id = $1 AND r.status = $2
		 AND r.occurrence_id IN (
		   SELECT p.occurrence_id FROM resolutions p
		   WHERE p.scope_id = $1 AND p.status = $2
		   GROUP BY p.occurrence_id
		   HAVING COUNT(*) >= 2
		 )
		 AND NOT EXISTS (
		   SELECT 1 FROM resolutions a
		   WHERE a.occurrence_id = r.occurrence_id AND a.status = $3
		 )
		 ORDER BY r.occurrence_id, r.score DESC`,
		scopeID, model.StatusPending, model.StatusApproved)
	if err != nil {
		return nil, fmt.Errorf("storage: list conflicting resolutions: %w", err)
	}
	defer rows.Close()

	return scanJoinedResolutions(rows)
}

// CountResolutionStats returns per-status resolution counts, optionally
// restricted to a scope.
func (db *DB) CountResolutionStats(ctx context.Context, scopeID *int64) (model.ResolutionStats, error) {
	where := ""
	var args []any
	if scopeID != nil {
		where = " WHERE scope_id = $1"
		args = append(args, *scopeID)
	}
	var stats model.ResolutionStats
	err := db.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE status = %d),
		        COUNT(*) FILTER (WHERE status = %d),
		        COUNT(*) FILTER (WHERE status = %d)
		 FROM resolutions%s`,
		model.StatusPending, model.StatusApproved, model.StatusInvalid, where),
		args...,
	).Scan(&stats.Total, &stats.Pending, &stats.Approved, &stats.Invalid)
	if err != nil {
		return model.ResolutionStats{}, fmt.Errorf("storage: count resolution stats: %w", err)
	}
	return stats, nil
}

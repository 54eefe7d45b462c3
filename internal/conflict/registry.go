package conflict

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stewardhq/steward/internal/storage"
	"github.com/stewardhq/steward/internal/types"
)

// Registry is the durable conflict store. Active conflicts await a decision;
// resolved conflicts are retained for the audit window, then purged.
type Registry struct {
	db *sql.DB
}

// NewRegistry creates a conflict registry on the shared local database.
func NewRegistry(db *sql.DB) *Registry {
	return &Registry{db: db}
}

// Save persists a freshly detected conflict.
func (r *Registry) Save(ctx context.Context, c *types.ConflictRecord) error {
	local, err := json.Marshal(c.LocalSnapshot)
	if err != nil {
		return fmt.Errorf("marshal local snapshot: %w", err)
	}
	remote, err := json.Marshal(c.RemoteSnapshot)
	if err != nil {
		return fmt.Errorf("marshal remote snapshot: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO conflicts (id, collection, target_id, classification,
			local_snapshot, remote_snapshot, local_at, remote_at,
			suggested_strategy, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.Collection, c.TargetID, string(c.Classification),
		string(local), string(remote),
		c.LocalAt.UTC().Format(time.RFC3339Nano), c.RemoteAt.UTC().Format(time.RFC3339Nano),
		string(c.SuggestedStrategy), c.DetectedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return &types.StorageError{Op: "conflict.save", Err: err}
	}
	return nil
}

// Get returns a conflict by id, resolved or not.
func (r *Registry) Get(ctx context.Context, id string) (*types.ConflictRecord, error) {
	row := r.db.QueryRowContext(ctx, selectConflict+` WHERE id = ?`, id)
	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, &types.StorageError{Op: "conflict.get", Err: err}
	}
	return c, nil
}

// Active returns all unresolved conflicts, oldest first.
func (r *Registry) Active(ctx context.Context) ([]types.ConflictRecord, error) {
	rows, err := r.db.QueryContext(ctx, selectConflict+`
		WHERE resolved_at IS NULL ORDER BY detected_at ASC`)
	if err != nil {
		return nil, &types.StorageError{Op: "conflict.active", Err: err}
	}
	defer rows.Close()

	var conflicts []types.ConflictRecord
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, &types.StorageError{Op: "conflict.active", Err: err}
		}
		conflicts = append(conflicts, *c)
	}
	return conflicts, rows.Err()
}

// ActiveCount returns the number of unresolved conflicts.
func (r *Registry) ActiveCount(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conflicts WHERE resolved_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, &types.StorageError{Op: "conflict.count", Err: err}
	}
	return n, nil
}

// MarkResolved persists a resolution and removes the conflict from the
// active set. A second resolution of the same conflict is rejected.
func (r *Registry) MarkResolved(ctx context.Context, id string, res types.Resolution) error {
	data, err := json.Marshal(res.ResolvedData)
	if err != nil {
		return fmt.Errorf("marshal resolved data: %w", err)
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE conflicts
		SET resolved_strategy = ?, resolved_data = ?, resolved_by = ?, resolved_at = ?
		WHERE id = ? AND resolved_at IS NULL
	`, string(res.Strategy), string(data), res.ResolvedBy,
		res.ResolvedAt.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return &types.StorageError{Op: "conflict.resolve", Err: err}
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return &types.StorageError{Op: "conflict.resolve", Err: err}
	}
	if affected == 0 {
		// Distinguish double-resolve from a missing conflict.
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return types.ErrConflictResolved
	}
	return nil
}

// PurgeResolvedBefore removes resolved conflicts whose resolution is older
// than cutoff. Returns the number purged.
func (r *Registry) PurgeResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM conflicts WHERE resolved_at IS NOT NULL AND resolved_at < ?
	`, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, &types.StorageError{Op: "conflict.purge", Err: err}
	}
	return result.RowsAffected()
}

// Retarget rewrites the target id of conflicts after a temp id is replaced
// by a server-assigned id. Runs inside the caller's transaction.
func (r *Registry) Retarget(ctx context.Context, ex storage.Execer, collection, oldID, newID string) error {
	_, err := ex.ExecContext(ctx, `
		UPDATE conflicts SET target_id = ? WHERE collection = ? AND target_id = ?
	`, newID, collection, oldID)
	if err != nil {
		return &types.StorageError{Op: "conflict.retarget", Err: err}
	}
	return nil
}

const selectConflict = `
	SELECT id, collection, target_id, classification,
	       local_snapshot, remote_snapshot, local_at, remote_at,
	       suggested_strategy, detected_at,
	       resolved_strategy, resolved_data, resolved_by, resolved_at
	FROM conflicts`

// scanConflict scans a row into a ConflictRecord, decoding JSON snapshots
// and optional resolution columns.
func scanConflict(scanner interface{ Scan(...any) error }) (*types.ConflictRecord, error) {
	var c types.ConflictRecord
	var classification, suggested string
	var local, remote string
	var localAt, remoteAt, detectedAt string
	var resStrategy, resData, resBy, resAt sql.NullString

	err := scanner.Scan(&c.ID, &c.Collection, &c.TargetID, &classification,
		&local, &remote, &localAt, &remoteAt, &suggested, &detectedAt,
		&resStrategy, &resData, &resBy, &resAt)
	if err != nil {
		return nil, err
	}

	c.Classification = types.Classification(classification)
	c.SuggestedStrategy = types.Strategy(suggested)

	if err := json.Unmarshal([]byte(local), &c.LocalSnapshot); err != nil {
		return nil, fmt.Errorf("parse local snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(remote), &c.RemoteSnapshot); err != nil {
		return nil, fmt.Errorf("parse remote snapshot: %w", err)
	}

	if t, err := time.Parse(time.RFC3339Nano, localAt); err == nil {
		c.LocalAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, remoteAt); err == nil {
		c.RemoteAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, detectedAt); err == nil {
		c.DetectedAt = t
	}

	if resAt.Valid {
		res := types.Resolution{
			Strategy:   types.Strategy(resStrategy.String),
			ResolvedBy: resBy.String,
		}
		if resData.Valid && resData.String != "" {
			if err := json.Unmarshal([]byte(resData.String), &res.ResolvedData); err != nil {
				return nil, fmt.Errorf("parse resolved data: %w", err)
			}
		}
		if t, err := time.Parse(time.RFC3339Nano, resAt.String); err == nil {
			res.ResolvedAt = t
		}
		c.Resolution = &res
	}

	return &c, nil
}

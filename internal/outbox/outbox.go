// Package outbox implements the durable queue of writes pending delivery to
// the remote store. Entries survive restarts and are never silently dropped:
// an action leaves the queue only on success, explicit clear, or when the
// orchestrator hands it over to the conflict registry.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stewardhq/steward/internal/storage"
	"github.com/stewardhq/steward/internal/types"
)

// Queue is the durable outbox backed by the shared SQLite database.
type Queue struct {
	db *sql.DB

	// Serializes writers so an enqueue and a drain snapshot never race:
	// a new action is either visible to the in-flight List or waits intact
	// for the next pass.
	mu sync.Mutex
}

// New creates an outbox queue on the shared local database.
func New(db *sql.DB) *Queue {
	return &Queue{db: db}
}

// Enqueue persists the action before returning. The action id is assigned
// here when empty.
func (q *Queue) Enqueue(ctx context.Context, action *types.PendingAction) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if action.ID == "" {
		action.ID = ulid.Make().String()
	}
	if action.CreatedAt.IsZero() {
		action.CreatedAt = time.Now().UTC()
	}

	var payload any
	if action.Payload != nil {
		data, err := json.Marshal(action.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		payload = string(data)
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO outbox (id, operation, collection, target_id, payload, attempts, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, action.ID, string(action.Operation), action.Collection, action.TargetID,
		payload, action.Attempts, action.LastError, action.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return &types.StorageError{Op: "outbox.enqueue", Err: err}
	}
	return nil
}

// List returns all pending actions in FIFO order.
func (q *Queue) List(ctx context.Context) ([]types.PendingAction, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, operation, collection, target_id, payload, attempts, last_error, created_at
		FROM outbox
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, &types.StorageError{Op: "outbox.list", Err: err}
	}
	defer rows.Close()

	var actions []types.PendingAction
	for rows.Next() {
		var a types.PendingAction
		var op string
		var payload, lastErr sql.NullString
		var createdAt string
		if err := rows.Scan(&a.ID, &op, &a.Collection, &a.TargetID, &payload, &a.Attempts, &lastErr, &createdAt); err != nil {
			return nil, &types.StorageError{Op: "outbox.list", Err: err}
		}
		a.Operation = types.Operation(op)
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &a.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal payload for action %s: %w", a.ID, err)
			}
		}
		a.LastError = lastErr.String
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			a.CreatedAt = t
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// Remove deletes an action after it has been applied or handed over.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, err := q.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id)
	if err != nil {
		return &types.StorageError{Op: "outbox.remove", Err: err}
	}
	return nil
}

// RecordFailure increments the attempt counter and stores the failure
// message. The action stays queued for the next pass.
func (q *Queue) RecordFailure(ctx context.Context, id string, failure string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, err := q.db.ExecContext(ctx, `
		UPDATE outbox SET attempts = attempts + 1, last_error = ? WHERE id = ?
	`, failure, id)
	if err != nil {
		return &types.StorageError{Op: "outbox.record_failure", Err: err}
	}
	return nil
}

// Clear removes all pending actions.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, err := q.db.ExecContext(ctx, `DELETE FROM outbox`)
	if err != nil {
		return &types.StorageError{Op: "outbox.clear", Err: err}
	}
	return nil
}

// Count returns the number of pending actions.
func (q *Queue) Count(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&n)
	if err != nil {
		return 0, &types.StorageError{Op: "outbox.count", Err: err}
	}
	return n, nil
}

// Retarget rewrites the target id of queued actions after a temp id is
// replaced by a server-assigned id. Runs inside the caller's transaction.
func (q *Queue) Retarget(ctx context.Context, ex storage.Execer, collection, oldID, newID string) error {
	_, err := ex.ExecContext(ctx, `
		UPDATE outbox SET target_id = ? WHERE collection = ? AND target_id = ?
	`, newID, collection, oldID)
	if err != nil {
		return &types.StorageError{Op: "outbox.retarget", Err: err}
	}
	return nil
}

// Package syncer coordinates the drain of queued writes to the remote store
// and the pull of remote changes back into the local replica.
package syncer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stewardhq/steward/internal/conflict"
	"github.com/stewardhq/steward/internal/connectivity"
	"github.com/stewardhq/steward/internal/outbox"
	"github.com/stewardhq/steward/internal/remote"
	"github.com/stewardhq/steward/internal/replica"
	"github.com/stewardhq/steward/internal/storage"
	"github.com/stewardhq/steward/internal/types"
)

// Priorities for replica entries. Records the user wrote locally outrank
// records pulled during reconciliation, so eviction sheds pulled data first.
const (
	priorityPulled = 0
	priorityLocal  = 1
)

// Orchestrator drains the outbox to the remote store, detects conflicts on
// the way, and pulls remote changes into the replica. One drain runs at a
// time; overlapping triggers are no-ops.
type Orchestrator struct {
	db       *sql.DB
	remote   remote.Store
	replica  *replica.Store
	queue    *outbox.Queue
	registry *conflict.Registry
	detector *conflict.Detector
	monitor  *connectivity.Monitor

	draining atomic.Bool
	kicks    chan struct{}

	mu        sync.Mutex
	lastSync  time.Time
	lastError string

	now func() time.Time
}

// New creates an orchestrator over the shared local database and the remote
// store. db must be the same database the replica, queue, and registry were
// built on: id rekeying updates all three in one transaction.
func New(db *sql.DB, rs remote.Store, rep *replica.Store, queue *outbox.Queue, registry *conflict.Registry, monitor *connectivity.Monitor) *Orchestrator {
	return &Orchestrator{
		db:       db,
		remote:   rs,
		replica:  rep,
		queue:    queue,
		registry: registry,
		detector: conflict.NewDetector(),
		monitor:  monitor,
		kicks:    make(chan struct{}, 1),
		now:      time.Now,
	}
}

// Status is a point-in-time view of the sync engine.
type Status struct {
	Online          bool      `json:"online"`
	Draining        bool      `json:"draining"`
	Pending         int       `json:"pending"`
	ActiveConflicts int       `json:"active_conflicts"`
	LastSyncAt      time.Time `json:"last_sync_at"`
	LastError       string    `json:"last_error,omitempty"`
}

// Status reports current sync state.
func (o *Orchestrator) Status(ctx context.Context) (Status, error) {
	pending, err := o.queue.Count(ctx)
	if err != nil {
		return Status{}, err
	}
	active, err := o.registry.ActiveCount(ctx)
	if err != nil {
		return Status{}, err
	}

	o.mu.Lock()
	lastSync, lastError := o.lastSync, o.lastError
	o.mu.Unlock()

	return Status{
		Online:          o.monitor.Online(),
		Draining:        o.draining.Load(),
		Pending:         pending,
		ActiveConflicts: active,
		LastSyncAt:      lastSync,
		LastError:       lastError,
	}, nil
}

// Kick requests a sync pass. Non-blocking; a pass already requested absorbs
// further kicks. The scheduler and the connectivity monitor both call this.
func (o *Orchestrator) Kick() {
	select {
	case o.kicks <- struct{}{}:
	default:
	}
}

// Run subscribes to connectivity transitions and serves kick requests until
// ctx is cancelled. Going online triggers a sync pass.
func (o *Orchestrator) Run(ctx context.Context) {
	o.monitor.Subscribe(func(online bool) {
		if online {
			o.Kick()
		}
	})

	slog.Info("sync orchestrator started", "component", "syncer")
	for {
		select {
		case <-ctx.Done():
			slog.Info("sync orchestrator stopped",
				"component", "syncer",
				"reason", "context_cancelled",
			)
			return
		case <-o.kicks:
			if err := o.Sync(ctx); err != nil && !errors.Is(err, types.ErrOffline) {
				slog.Error("sync pass failed", "component", "syncer", "error", err)
			}
		}
	}
}

// Sync runs one full pass: drain the outbox, then pull remote changes.
// Returns ErrOffline without touching the network when offline.
func (o *Orchestrator) Sync(ctx context.Context) error {
	if !o.monitor.Online() {
		return types.ErrOffline
	}

	err := o.Drain(ctx)
	if err == nil {
		err = o.Pull(ctx)
	}

	o.mu.Lock()
	o.lastSync = o.now().UTC()
	if err != nil {
		o.lastError = err.Error()
	} else {
		o.lastError = ""
	}
	o.mu.Unlock()
	return err
}

// Drain applies queued actions to the remote store in FIFO order. A second
// Drain while one is in flight returns immediately. One action failing does
// not stop the rest of the queue.
func (o *Orchestrator) Drain(ctx context.Context) error {
	if !o.monitor.Online() {
		return types.ErrOffline
	}
	if !o.draining.CompareAndSwap(false, true) {
		return nil
	}
	defer o.draining.Store(false)

	actions, err := o.queue.List(ctx)
	if err != nil {
		return err
	}
	if len(actions) == 0 {
		return nil
	}

	slog.Info("draining outbox", "component", "syncer", "pending", len(actions))

	// Server ids assigned during this pass, so that later actions in the
	// snapshot taken above address the rekeyed entity.
	rekeys := make(map[string]string)

	for _, action := range actions {
		if err := ctx.Err(); err != nil {
			return err
		}
		remap(&action, rekeys)

		err := o.apply(ctx, &action, rekeys)
		switch {
		case err == nil:
			if err := o.queue.Remove(ctx, action.ID); err != nil {
				return err
			}

		case isParked(err):
			// The action's write is now a registered conflict awaiting a
			// decision. It leaves the queue; the conflict registry owns it.
			slog.Warn("action parked as conflict",
				"component", "syncer",
				"action_id", action.ID,
				"collection", action.Collection,
				"target_id", action.TargetID,
				"error", err,
			)
			if err := o.queue.Remove(ctx, action.ID); err != nil {
				return err
			}

		case types.IsTransient(err):
			slog.Warn("action deferred",
				"component", "syncer",
				"action_id", action.ID,
				"operation", string(action.Operation),
				"attempt", action.Attempts+1,
				"error", err,
			)
			if err := o.queue.RecordFailure(ctx, action.ID, err.Error()); err != nil {
				return err
			}

		default:
			// Permanent rejection. Retrying cannot help; the action is
			// dropped and the failure surfaced through status.
			slog.Error("action rejected",
				"component", "syncer",
				"action_id", action.ID,
				"operation", string(action.Operation),
				"collection", action.Collection,
				"target_id", action.TargetID,
				"error", err,
			)
			o.mu.Lock()
			o.lastError = fmt.Sprintf("%s %s/%s: %v", action.Operation, action.Collection, action.TargetID, err)
			o.mu.Unlock()
			if err := o.queue.Remove(ctx, action.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// remap rewrites an action's target onto the server id assigned earlier in
// the same drain pass.
func remap(action *types.PendingAction, rekeys map[string]string) {
	newID, ok := rekeys[action.Collection+"/"+action.TargetID]
	if !ok {
		return
	}
	if action.Payload != nil && action.Payload["id"] == action.TargetID {
		action.Payload = rekeyedPayload(action.Payload, newID)
	}
	action.TargetID = newID
}

// apply delivers one action to the remote store.
func (o *Orchestrator) apply(ctx context.Context, action *types.PendingAction, rekeys map[string]string) error {
	switch action.Operation {
	case types.OpCreate:
		return o.applyCreate(ctx, action, rekeys)
	case types.OpUpdate:
		return o.applyUpdate(ctx, action)
	case types.OpDelete:
		return o.applyDelete(ctx, action)
	case types.OpUploadBinary:
		return o.applyUploadBinary(ctx, action)
	}
	return fmt.Errorf("unknown operation %q", action.Operation)
}

// applyCreate pushes an offline-created entity. When another client created
// the same natural-key entity in the meantime, the create converges onto the
// existing entity instead of producing a duplicate.
func (o *Orchestrator) applyCreate(ctx context.Context, action *types.PendingAction, rekeys map[string]string) error {
	schema, ok := types.SchemaFor(action.Collection)
	if !ok {
		return fmt.Errorf("unknown collection %q", action.Collection)
	}

	if key, ok := schema.NaturalKey(action.Payload); ok {
		existing, err := o.remote.FindByKey(ctx, action.Collection, key)
		if err != nil {
			return err
		}
		if existing != nil {
			return o.converge(ctx, action, existing, rekeys)
		}
	}

	obj, err := o.remote.Create(ctx, action.Collection, action.Payload)
	if err != nil {
		return err
	}

	if types.IsTempID(action.TargetID) {
		if err := o.rekey(ctx, action.Collection, action.TargetID, obj.ID, rekeys); err != nil {
			return err
		}
	}
	o.cacheSynced(ctx, action.Collection, obj, action.CreatedAt)

	slog.Info("created on remote",
		"component", "syncer",
		"collection", action.Collection,
		"temp_id", action.TargetID,
		"server_id", obj.ID,
	)
	return nil
}

// converge reconciles a queued create against the entity another client
// already created under the same natural key.
func (o *Orchestrator) converge(ctx context.Context, action *types.PendingAction, existing *remote.Object, rekeys map[string]string) error {
	conf, err := o.detector.Detect(existing.ID, action.Collection,
		action.Payload, existing.Attributes, action.CreatedAt, existing.UpdatedAt)
	if err != nil {
		return err
	}

	// The local write now addresses the existing server entity. Rekey first
	// so a parked conflict and later queued edits carry the server id.
	if types.IsTempID(action.TargetID) {
		if err := o.rekey(ctx, action.Collection, action.TargetID, existing.ID, rekeys); err != nil {
			return err
		}
	}

	switch {
	case conf == nil && action.CreatedAt.After(existing.UpdatedAt):
		// Local is strictly newer; push it over the existing entity.
		obj, err := o.remote.Update(ctx, action.Collection, existing.ID, rekeyedPayload(action.Payload, existing.ID))
		if err != nil {
			return err
		}
		o.cacheSynced(ctx, action.Collection, obj, action.CreatedAt)
		return nil

	case conf == nil:
		// Identical content; nothing to push.
		o.cacheSynced(ctx, action.Collection, existing, action.CreatedAt)
		return nil

	case conf.SuggestedStrategy == types.StrategyUserChoice:
		return o.park(ctx, conf)

	default:
		return o.autoResolve(ctx, action.Collection, existing.ID, conf, action.CreatedAt)
	}
}

// applyUpdate pushes a local edit, detecting divergence against the current
// remote state first.
func (o *Orchestrator) applyUpdate(ctx context.Context, action *types.PendingAction) error {
	if types.IsTempID(action.TargetID) {
		// The create that assigns the server id has not gone through yet.
		// Stay queued until it does.
		return &types.TransientError{
			Op:  "syncer.update",
			Err: fmt.Errorf("target %s still has a temporary id", action.TargetID),
		}
	}

	cur, err := o.remote.Get(ctx, action.Collection, action.TargetID)
	if errors.Is(err, types.ErrNotFound) {
		return fmt.Errorf("update %s/%s: %w remotely", action.Collection, action.TargetID, types.ErrNotFound)
	}
	if err != nil {
		return err
	}

	conf, err := o.detector.Detect(action.TargetID, action.Collection,
		action.Payload, cur.Attributes, action.CreatedAt, cur.UpdatedAt)
	if err != nil {
		return err
	}

	switch {
	case conf == nil:
		obj, err := o.remote.Update(ctx, action.Collection, action.TargetID, action.Payload)
		if err != nil {
			return err
		}
		o.cacheSynced(ctx, action.Collection, obj, action.CreatedAt)
		return nil

	case conf.SuggestedStrategy == types.StrategyUserChoice:
		return o.park(ctx, conf)

	default:
		return o.autoResolve(ctx, action.Collection, action.TargetID, conf, action.CreatedAt)
	}
}

// applyDelete removes the entity remotely. Already gone counts as success.
func (o *Orchestrator) applyDelete(ctx context.Context, action *types.PendingAction) error {
	err := o.remote.Delete(ctx, action.Collection, action.TargetID)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return err
	}
	if err := o.replica.Delete(ctx, action.Collection, action.TargetID); err != nil {
		slog.Warn("replica delete failed",
			"component", "syncer",
			"collection", action.Collection,
			"target_id", action.TargetID,
			"error", err,
		)
	}
	return nil
}

func (o *Orchestrator) applyUploadBinary(ctx context.Context, action *types.PendingAction) error {
	if types.IsTempID(action.TargetID) {
		return &types.TransientError{
			Op:  "syncer.upload_binary",
			Err: fmt.Errorf("target %s still has a temporary id", action.TargetID),
		}
	}
	return o.remote.UploadBinary(ctx, action.Collection, action.TargetID, action.Payload)
}

// autoResolve applies the suggested strategy of a non-critical conflict and
// pushes the merged result.
func (o *Orchestrator) autoResolve(ctx context.Context, collection, id string, conf *types.ConflictRecord, localAt time.Time) error {
	merged, err := conflict.Merge(conf, conf.SuggestedStrategy, nil)
	if err != nil {
		return err
	}

	obj, err := o.remote.Update(ctx, collection, id, merged)
	if err != nil {
		return err
	}
	o.cacheSynced(ctx, collection, obj, localAt)

	slog.Info("conflict auto-resolved",
		"component", "syncer",
		"collection", collection,
		"target_id", id,
		"classification", string(conf.Classification),
		"strategy", string(conf.SuggestedStrategy),
	)
	return nil
}

// park registers a conflict for a human decision and marks the cached record
// conflicted. The returned error carries the conflict id to the drain loop.
func (o *Orchestrator) park(ctx context.Context, conf *types.ConflictRecord) error {
	if err := o.registry.Save(ctx, conf); err != nil {
		return err
	}
	if err := o.replica.SetStatus(ctx, conf.Collection, conf.TargetID, types.StatusConflicted); err != nil {
		slog.Warn("replica status update failed",
			"component", "syncer",
			"collection", conf.Collection,
			"target_id", conf.TargetID,
			"error", err,
		)
	}
	return &types.ConflictRequiresDecision{
		ConflictID: conf.ID,
		Collection: conf.Collection,
		TargetID:   conf.TargetID,
	}
}

// rekey migrates every local trace of a temporary id to the server-assigned
// id in one transaction: the replica entry, queued actions that target it,
// and any conflicts registered against it.
func (o *Orchestrator) rekey(ctx context.Context, collection, oldID, newID string, rekeys map[string]string) error {
	err := storage.WithTx(ctx, o.db, func(tx *sql.Tx) error {
		if err := o.replica.Rekey(ctx, tx, collection, oldID, newID); err != nil {
			return err
		}
		if err := o.queue.Retarget(ctx, tx, collection, oldID, newID); err != nil {
			return err
		}
		return o.registry.Retarget(ctx, tx, collection, oldID, newID)
	})
	if err != nil {
		return fmt.Errorf("rekey %s %s -> %s: %w", collection, oldID, newID, err)
	}
	rekeys[collection+"/"+oldID] = newID
	return nil
}

// cacheSynced writes the authoritative post-push state into the replica.
func (o *Orchestrator) cacheSynced(ctx context.Context, collection string, obj *remote.Object, localAt time.Time) {
	o.replica.Put(ctx, types.Record{
		ID:               obj.ID,
		Collection:       collection,
		Attributes:       obj.Attributes,
		LocalRevisionAt:  localAt,
		ServerRevisionAt: obj.UpdatedAt,
		SyncStatus:       types.StatusSynced,
	}, priorityLocal)
}

// Pull refreshes the replica with entities changed remotely since the last
// pull. Records with local state still in flight are left alone.
func (o *Orchestrator) Pull(ctx context.Context) error {
	for _, collection := range types.Collections() {
		if err := ctx.Err(); err != nil {
			return err
		}

		since, err := o.watermark(ctx, collection)
		if err != nil {
			return err
		}

		objects, err := o.remote.ChangedSince(ctx, collection, since)
		if err != nil {
			return err
		}

		newest := since
		var skipped int
		for _, obj := range objects {
			if rec, ok := o.replica.Get(ctx, collection, obj.ID); ok &&
				(rec.SyncStatus == types.StatusPending || rec.SyncStatus == types.StatusConflicted) {
				skipped++
				continue
			}
			o.replica.Put(ctx, types.Record{
				ID:               obj.ID,
				Collection:       collection,
				Attributes:       obj.Attributes,
				LocalRevisionAt:  obj.UpdatedAt,
				ServerRevisionAt: obj.UpdatedAt,
				SyncStatus:       types.StatusSynced,
			}, priorityPulled)
			if obj.UpdatedAt.After(newest) {
				newest = obj.UpdatedAt
			}
		}

		if newest.After(since) {
			if err := o.setWatermark(ctx, collection, newest); err != nil {
				return err
			}
		}
		if len(objects) > 0 {
			slog.Info("pulled remote changes",
				"component", "syncer",
				"collection", collection,
				"changed", len(objects),
				"skipped", skipped,
			)
		}
	}
	return nil
}

func (o *Orchestrator) watermark(ctx context.Context, collection string) (time.Time, error) {
	var value string
	err := o.db.QueryRowContext(ctx,
		`SELECT value FROM sync_meta WHERE key = ?`, "pull_watermark:"+collection).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, &types.StorageError{Op: "syncer.watermark", Err: err}
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, nil
	}
	return t, nil
}

func (o *Orchestrator) setWatermark(ctx context.Context, collection string, t time.Time) error {
	_, err := o.db.ExecContext(ctx, `
		INSERT INTO sync_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, "pull_watermark:"+collection, t.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return &types.StorageError{Op: "syncer.set_watermark", Err: err}
	}
	return nil
}

// rekeyedPayload returns payload with its id replaced by serverID.
func rekeyedPayload(payload map[string]any, serverID string) map[string]any {
	out := types.CloneAttributes(payload)
	out["id"] = serverID
	return out
}

func isParked(err error) bool {
	var decision *types.ConflictRequiresDecision
	return errors.As(err, &decision)
}

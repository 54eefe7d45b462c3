package steward

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stewardhq/steward/internal/conflict"
	"github.com/stewardhq/steward/internal/remote"
	"github.com/stewardhq/steward/internal/types"
)

// Collection is the typed accessor for one entity collection. Reads prefer
// the remote store when online and fall back to the replica; writes go
// direct when online and into the outbox when not.
type Collection[T types.Entity] struct {
	client *Client
	name   string
}

// Get returns the entity by id. Online, the remote store is authoritative:
// it is fetched first and the replica refreshed, with the cached copy served
// only when the remote call fails transiently. Offline, an uncached id
// returns ErrOffline so the caller can tell "not there" from "cannot know
// right now".
func (col *Collection[T]) Get(ctx context.Context, id string) (T, error) {
	var zero T

	rec, cached := col.client.replica.Get(ctx, col.name, id)
	if cached && rec.SyncStatus != types.StatusSynced {
		// A queued local write or an open conflict is fresher than anything
		// the remote can return.
		return col.decode(rec.Attributes)
	}

	if !col.client.monitor.Online() {
		if cached {
			return col.decode(rec.Attributes)
		}
		return zero, types.ErrOffline
	}

	obj, err := col.client.remote.Get(ctx, col.name, id)
	if err != nil {
		if cached && types.IsTransient(err) {
			slog.Warn("remote read unavailable, serving replica",
				"component", "facade",
				"collection", col.name,
				"entity_id", id,
				"error", err,
			)
			return col.decode(rec.Attributes)
		}
		return zero, err
	}
	col.client.replica.Put(ctx, types.Record{
		ID:               obj.ID,
		Collection:       col.name,
		Attributes:       obj.Attributes,
		LocalRevisionAt:  obj.UpdatedAt,
		ServerRevisionAt: obj.UpdatedAt,
		SyncStatus:       types.StatusSynced,
	}, 0)
	return col.decode(obj.Attributes)
}

// List returns entities whose indexed attribute matches value. Supported
// keys: unitId, reportDate. Online, the result comes from the remote store
// and refreshes the replica; offline, from the replica alone.
func (col *Collection[T]) List(ctx context.Context, key, value string) ([]T, error) {
	if col.client.monitor.Online() {
		objects, err := col.client.remote.List(ctx, col.name, remote.ListFilter{Keys: map[string]string{key: value}})
		if err == nil {
			out := make([]T, 0, len(objects))
			for _, obj := range objects {
				attrs := obj.Attributes
				if rec, ok := col.client.replica.Get(ctx, col.name, obj.ID); ok && rec.SyncStatus != types.StatusSynced {
					// Keep serving the local in-flight state; the drain
					// reconciles it.
					attrs = rec.Attributes
				} else {
					col.client.replica.Put(ctx, types.Record{
						ID:               obj.ID,
						Collection:       col.name,
						Attributes:       obj.Attributes,
						LocalRevisionAt:  obj.UpdatedAt,
						ServerRevisionAt: obj.UpdatedAt,
						SyncStatus:       types.StatusSynced,
					}, 0)
				}
				entity, err := col.decode(attrs)
				if err != nil {
					return nil, err
				}
				out = append(out, entity)
			}
			return out, nil
		}
		if !types.IsTransient(err) {
			return nil, err
		}
		slog.Warn("remote list unavailable, serving replica",
			"component", "facade",
			"collection", col.name,
			"error", err,
		)
	}

	records, err := col.client.replica.QueryByIndex(ctx, col.name, key, value)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(records))
	for _, rec := range records {
		entity, err := col.decode(rec.Attributes)
		if err != nil {
			return nil, err
		}
		out = append(out, entity)
	}
	return out, nil
}

// Create stores a new entity. Offline, the entity gets a temporary id and
// the create is queued; the id is replaced by the server-assigned one on the
// next successful sync.
func (col *Collection[T]) Create(ctx context.Context, entity T) (T, error) {
	var zero T

	attrs, err := types.Attributes(entity)
	if err != nil {
		return zero, err
	}
	if err := col.checkWrite(attrs); err != nil {
		return zero, err
	}

	if col.client.monitor.Online() {
		out, err := col.createOnline(ctx, attrs)
		if err == nil {
			return out, nil
		}
		if !types.IsTransient(err) {
			return zero, err
		}
		// Remote flaked mid-session; degrade to the offline path.
	}

	tempID := types.TempIDPrefix + strings.ToLower(ulid.Make().String())
	attrs["id"] = tempID
	col.cachePending(ctx, tempID, attrs)
	if err := col.client.queue.Enqueue(ctx, &types.PendingAction{
		Operation:  types.OpCreate,
		Collection: col.name,
		TargetID:   tempID,
		Payload:    attrs,
	}); err != nil {
		return zero, err
	}
	return col.decode(attrs)
}

// createOnline pushes a create to the remote store, first checking for an
// entity already stored under the same natural key so a resubmission
// converges onto it instead of duplicating.
func (col *Collection[T]) createOnline(ctx context.Context, attrs map[string]any) (T, error) {
	var zero T

	schema, _ := types.SchemaFor(col.name)
	if key, ok := schema.NaturalKey(attrs); ok {
		existing, err := col.client.remote.FindByKey(ctx, col.name, key)
		if err != nil {
			return zero, err
		}
		if existing != nil {
			return col.convergeCreate(ctx, attrs, existing)
		}
	}

	obj, err := col.client.remote.Create(ctx, col.name, attrs)
	if err != nil {
		return zero, err
	}
	col.cacheSynced(ctx, obj.ID, obj.Attributes, obj.UpdatedAt)
	return col.decode(obj.Attributes)
}

// convergeCreate reconciles an online create against the entity another
// client already stored under the same natural key. The attempted create
// carries no meaningful revision time, so detection runs on content alone.
func (col *Collection[T]) convergeCreate(ctx context.Context, attrs map[string]any, existing *remote.Object) (T, error) {
	var zero T

	conf, err := col.client.detector.Detect(existing.ID, col.name,
		attrs, existing.Attributes, existing.UpdatedAt, existing.UpdatedAt)
	if err != nil {
		return zero, err
	}

	switch {
	case conf == nil:
		// Identical content; adopt the existing entity.
		col.cacheSynced(ctx, existing.ID, existing.Attributes, existing.UpdatedAt)
		return col.decode(existing.Attributes)

	case conf.SuggestedStrategy == types.StrategyUserChoice:
		if err := col.client.registry.Save(ctx, conf); err != nil {
			return zero, err
		}
		local := types.CloneAttributes(attrs)
		local["id"] = existing.ID
		col.client.replica.Put(ctx, types.Record{
			ID:              existing.ID,
			Collection:      col.name,
			Attributes:      local,
			LocalRevisionAt: time.Now().UTC(),
			SyncStatus:      types.StatusConflicted,
		}, 1)
		return zero, &types.ConflictRequiresDecision{
			ConflictID: conf.ID,
			Collection: col.name,
			TargetID:   existing.ID,
		}

	default:
		merged, err := conflict.Merge(conf, conf.SuggestedStrategy, nil)
		if err != nil {
			return zero, err
		}
		obj, err := col.client.remote.Update(ctx, col.name, existing.ID, merged)
		if err != nil {
			return zero, err
		}
		col.cacheSynced(ctx, obj.ID, obj.Attributes, obj.UpdatedAt)
		return col.decode(obj.Attributes)
	}
}

// Update stores changed attributes for an existing entity.
func (col *Collection[T]) Update(ctx context.Context, entity T) (T, error) {
	var zero T

	attrs, err := types.Attributes(entity)
	if err != nil {
		return zero, err
	}
	if err := col.checkWrite(attrs); err != nil {
		return zero, err
	}
	id := entity.EntityID()
	if id == "" {
		return zero, &types.ValidationError{Field: "id", Message: "is required for update"}
	}
	return col.pushUpdate(ctx, id, attrs)
}

// UpdateFields applies a partial attribute change to an existing entity.
// Unnamed fields keep their current value; the base state comes from the
// replica, or from the remote store when the entity is not cached.
func (col *Collection[T]) UpdateFields(ctx context.Context, id string, partial map[string]any) (T, error) {
	var zero T
	if id == "" {
		return zero, &types.ValidationError{Field: "id", Message: "is required for update"}
	}

	var base map[string]any
	if rec, ok := col.client.replica.Get(ctx, col.name, id); ok {
		base = rec.Attributes
	} else if col.client.monitor.Online() {
		obj, err := col.client.remote.Get(ctx, col.name, id)
		if err != nil {
			return zero, err
		}
		base = obj.Attributes
	} else {
		return zero, types.ErrOffline
	}

	attrs := types.CloneAttributes(base)
	for k, v := range partial {
		if k == "id" {
			continue
		}
		attrs[k] = v
	}
	attrs["id"] = id

	if err := col.checkWrite(attrs); err != nil {
		return zero, err
	}
	return col.pushUpdate(ctx, id, attrs)
}

// pushUpdate delivers the full post-change attribute set: direct to the
// remote store when online, through the outbox otherwise.
func (col *Collection[T]) pushUpdate(ctx context.Context, id string, attrs map[string]any) (T, error) {
	var zero T

	if col.client.monitor.Online() && !types.IsTempID(id) {
		obj, err := col.client.remote.Update(ctx, col.name, id, attrs)
		if err == nil {
			col.cacheSynced(ctx, obj.ID, obj.Attributes, obj.UpdatedAt)
			return col.decode(obj.Attributes)
		}
		if !types.IsTransient(err) {
			return zero, err
		}
	}

	col.cachePending(ctx, id, attrs)
	if err := col.client.queue.Enqueue(ctx, &types.PendingAction{
		Operation:  types.OpUpdate,
		Collection: col.name,
		TargetID:   id,
		Payload:    attrs,
	}); err != nil {
		return zero, err
	}
	return col.decode(attrs)
}

// Delete removes an entity locally and remotely.
func (col *Collection[T]) Delete(ctx context.Context, id string) error {
	if err := canWrite(col.client.identity.Role, col.name, nil); err != nil {
		return err
	}

	if col.client.monitor.Online() && !types.IsTempID(id) {
		err := col.client.remote.Delete(ctx, col.name, id)
		if err == nil || errors.Is(err, types.ErrNotFound) {
			return col.client.replica.Delete(ctx, col.name, id)
		}
		if !types.IsTransient(err) {
			return err
		}
	}

	if err := col.client.replica.Delete(ctx, col.name, id); err != nil {
		return err
	}
	return col.client.queue.Enqueue(ctx, &types.PendingAction{
		Operation:  types.OpDelete,
		Collection: col.name,
		TargetID:   id,
	})
}

// AttachBinary queues an opaque binary payload for delivery alongside the
// entity. Delivery always goes through the outbox so an interrupted upload
// is retried.
func (col *Collection[T]) AttachBinary(ctx context.Context, id string, payload map[string]any) error {
	if err := canWrite(col.client.identity.Role, col.name, nil); err != nil {
		return err
	}
	if err := col.client.queue.Enqueue(ctx, &types.PendingAction{
		Operation:  types.OpUploadBinary,
		Collection: col.name,
		TargetID:   id,
		Payload:    payload,
	}); err != nil {
		return err
	}
	if col.client.monitor.Online() {
		col.client.orch.Kick()
	}
	return nil
}

func (col *Collection[T]) checkWrite(attrs map[string]any) error {
	if err := canWrite(col.client.identity.Role, col.name, attrs); err != nil {
		return err
	}
	schema, ok := types.SchemaFor(col.name)
	if !ok {
		return &types.ValidationError{Field: "collection", Message: "is unknown"}
	}
	return schema.ValidateAttributes(attrs)
}

// decode applies visibility filtering for the client's role, then converts
// to the typed entity.
func (col *Collection[T]) decode(attrs map[string]any) (T, error) {
	visible := filterAttributes(col.client.identity.Role, col.name, attrs)
	return types.FromAttributes[T](visible)
}

func (col *Collection[T]) cacheSynced(ctx context.Context, id string, attrs map[string]any, updatedAt time.Time) {
	col.client.replica.Put(ctx, types.Record{
		ID:               id,
		Collection:       col.name,
		Attributes:       attrs,
		LocalRevisionAt:  time.Now().UTC(),
		ServerRevisionAt: updatedAt,
		SyncStatus:       types.StatusSynced,
	}, 1)
}

func (col *Collection[T]) cachePending(ctx context.Context, id string, attrs map[string]any) {
	col.client.replica.Put(ctx, types.Record{
		ID:              id,
		Collection:      col.name,
		Attributes:      attrs,
		LocalRevisionAt: time.Now().UTC(),
		SyncStatus:      types.StatusPending,
	}, 1)
}

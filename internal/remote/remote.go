// Package remote defines the contract with the authoritative remote store
// and its HTTP implementation. The remote store is the sole point of
// multi-client concurrency; everything local is a replica or a queue.
package remote

import (
	"context"
	"time"
)

// Object is a remote entity snapshot with its server-assigned metadata.
type Object struct {
	ID         string         `json:"id"`
	Collection string         `json:"collection"`
	Attributes map[string]any `json:"attributes"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// ListFilter narrows a List call. Keys match attribute equality; zero values
// are ignored.
type ListFilter struct {
	Keys         map[string]string
	UpdatedSince time.Time
	Limit        int
}

// Store is the remote CRUD contract the sync core consumes. Ids and
// timestamps are server-assigned.
type Store interface {
	// Ping checks reachability. Used by the connectivity monitor.
	Ping(ctx context.Context) error

	Get(ctx context.Context, collection, id string) (*Object, error)
	List(ctx context.Context, collection string, filter ListFilter) ([]Object, error)

	// Create stores a new entity. The returned object carries the
	// server-assigned id; any client-side temp id in attrs is discarded.
	Create(ctx context.Context, collection string, attrs map[string]any) (*Object, error)

	Update(ctx context.Context, collection, id string, attrs map[string]any) (*Object, error)
	Delete(ctx context.Context, collection, id string) error

	// FindByKey returns the entity matching a natural key, or nil when no
	// entity matches. Used for pre-write duplicate detection.
	FindByKey(ctx context.Context, collection string, key map[string]string) (*Object, error)

	// ChangedSince returns entities modified after since, for replica
	// refresh during reconciliation.
	ChangedSince(ctx context.Context, collection string, since time.Time) ([]Object, error)

	// UploadBinary delivers an opaque binary payload attached to an entity.
	// Transcoding and compression happen elsewhere.
	UploadBinary(ctx context.Context, collection, id string, payload map[string]any) error
}

// Package replica implements the on-device cache of remote entities.
//
// The replica is best-effort and never authoritative: write failures are
// logged and swallowed, read failures degrade to a miss. Entries expire by
// per-collection TTL and are evicted lowest-priority-first, then
// oldest-first, when a collection exceeds its cap.
package replica

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stewardhq/steward/internal/storage"
	"github.com/stewardhq/steward/internal/types"
)

// Store is the local replica cache backed by the shared SQLite database.
type Store struct {
	db *sql.DB

	// Serializes writers so an eviction pass and a put never interleave.
	mu sync.Mutex

	now func() time.Time

	// capOverride narrows collection caps below their schema defaults.
	// Used by tests to exercise eviction without thousands of rows.
	capOverride map[string]int
}

// cap returns the effective capacity for a collection.
func (s *Store) cap(schema types.Schema) int {
	if n, ok := s.capOverride[schema.Collection]; ok {
		return n
	}
	return schema.CacheCap
}

// New creates a replica store on the shared local database.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Put caches a record under (collection, id), replacing any previous entry.
// The cache is best-effort: failures are logged and swallowed so a broken
// local disk never fails the caller's operation.
func (s *Store) Put(ctx context.Context, rec types.Record, priority int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.put(ctx, rec, priority); err != nil {
		slog.Warn("replica put failed",
			"component", "replica",
			"collection", rec.Collection,
			"entity_id", rec.ID,
			"error", err,
		)
	}
}

func (s *Store) put(ctx context.Context, rec types.Record, priority int) error {
	schema, ok := types.SchemaFor(rec.Collection)
	if !ok {
		return fmt.Errorf("unknown collection %q", rec.Collection)
	}

	// Make room before insert when the collection sits at its cap. An
	// overwrite of an already cached id adds no row, so it never evicts.
	incoming := 1
	if s.exists(ctx, rec.Collection, rec.ID) {
		incoming = 0
	}
	if err := s.evictCollectionOverCapacity(ctx, s.db, schema, incoming); err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	unitID, _ := rec.Attributes["unitId"].(string)
	recordDate, _ := rec.Attributes["reportDate"].(string)

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO replica_cache (collection, entity_id, record, unit_id, record_date, priority, cached_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.Collection, rec.ID, string(data), nullable(unitID), nullable(recordDate),
		priority, s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return &types.StorageError{Op: "replica.put", Err: err}
	}
	return nil
}

// Get returns the cached record, or a miss when the entry is absent, has
// outlived its TTL, or cannot be read. Expired entries are deleted lazily.
func (s *Store) Get(ctx context.Context, collection, id string) (*types.Record, bool) {
	var data string
	var cachedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT record, cached_at FROM replica_cache
		WHERE collection = ? AND entity_id = ?
	`, collection, id).Scan(&data, &cachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false
	}
	if err != nil {
		// Read failure degrades to a miss; the caller falls back to the
		// remote store when online.
		slog.Warn("replica read failed",
			"component", "replica",
			"collection", collection,
			"entity_id", id,
			"error", err,
		)
		return nil, false
	}

	if s.expired(collection, cachedAt) {
		s.mu.Lock()
		_, _ = s.db.ExecContext(ctx, `
			DELETE FROM replica_cache WHERE collection = ? AND entity_id = ?
		`, collection, id)
		s.mu.Unlock()
		return nil, false
	}

	var rec types.Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		slog.Warn("replica entry corrupt",
			"component", "replica",
			"collection", collection,
			"entity_id", id,
			"error", err,
		)
		return nil, false
	}
	return &rec, true
}

// QueryByIndex returns all cached records of a collection whose secondary
// index matches value. Supported keys: unitId, reportDate.
func (s *Store) QueryByIndex(ctx context.Context, collection, key, value string) ([]types.Record, error) {
	column, ok := indexColumn(key)
	if !ok {
		return nil, fmt.Errorf("unsupported index key %q", key)
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT record, cached_at FROM replica_cache
		WHERE collection = ? AND %s = ?
		ORDER BY entity_id ASC
	`, column), collection, value)
	if err != nil {
		return nil, &types.StorageError{Op: "replica.query", Err: err}
	}
	defer rows.Close()

	var records []types.Record
	for rows.Next() {
		var data, cachedAt string
		if err := rows.Scan(&data, &cachedAt); err != nil {
			return nil, &types.StorageError{Op: "replica.query", Err: err}
		}
		if s.expired(collection, cachedAt) {
			continue
		}
		var rec types.Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			slog.Warn("replica entry corrupt",
				"component", "replica",
				"collection", collection,
				"error", err,
			)
			continue
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// SetStatus updates the sync status of a cached record in place.
func (s *Store) SetStatus(ctx context.Context, collection, id string, status types.SyncStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE replica_cache
		SET record = json_set(record, '$.sync_status', ?)
		WHERE collection = ? AND entity_id = ?
	`, string(status), collection, id)
	if err != nil {
		return &types.StorageError{Op: "replica.set_status", Err: err}
	}
	return nil
}

// Rekey migrates a cache entry from a temporary local id to its
// server-assigned id, rewriting the id inside the stored record as well.
// The Execer lets the orchestrator run this inside the same transaction
// that retargets the outbox and conflict registry.
func (s *Store) Rekey(ctx context.Context, ex storage.Execer, collection, oldID, newID string) error {
	_, err := ex.ExecContext(ctx, `
		UPDATE replica_cache
		SET entity_id = ?,
		    record = json_set(json_set(record, '$.id', ?), '$.attributes.id', ?)
		WHERE collection = ? AND entity_id = ?
	`, newID, newID, newID, collection, oldID)
	if err != nil {
		return &types.StorageError{Op: "replica.rekey", Err: err}
	}
	return nil
}

// Delete removes a cache entry.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		DELETE FROM replica_cache WHERE collection = ? AND entity_id = ?
	`, collection, id)
	if err != nil {
		return &types.StorageError{Op: "replica.delete", Err: err}
	}
	return nil
}

// EvictExpired removes entries older than their collection's TTL.
// Returns the number of entries evicted.
func (s *Store) EvictExpired(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	for _, name := range types.Collections() {
		schema, _ := types.SchemaFor(name)
		cutoff := s.now().UTC().Add(-schema.CacheTTL).Format(time.RFC3339Nano)
		result, err := s.db.ExecContext(ctx, `
			DELETE FROM replica_cache WHERE collection = ? AND cached_at < ?
		`, name, cutoff)
		if err != nil {
			return total, &types.StorageError{Op: "replica.evict_expired", Err: err}
		}
		n, _ := result.RowsAffected()
		total += n
	}
	return total, nil
}

// EvictOverCapacity trims each collection down to its cap, evicting lowest
// priority first, then oldest. Returns the number of entries evicted.
func (s *Store) EvictOverCapacity(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	for _, name := range types.Collections() {
		schema, _ := types.SchemaFor(name)
		before, err := s.count(ctx, name)
		if err != nil {
			return total, err
		}
		limit := s.cap(schema)
		if before <= limit {
			continue
		}
		if err := s.evictCollection(ctx, s.db, schema, before-limit); err != nil {
			return total, err
		}
		total += int64(before - limit)
	}
	return total, nil
}

// evictCollectionOverCapacity makes room for n inserts when the collection
// is at or over its cap. Caller holds s.mu.
func (s *Store) evictCollectionOverCapacity(ctx context.Context, db *sql.DB, schema types.Schema, incoming int) error {
	count, err := s.count(ctx, schema.Collection)
	if err != nil {
		return err
	}
	excess := count + incoming - s.cap(schema)
	if excess <= 0 {
		return nil
	}
	return s.evictCollection(ctx, db, schema, excess)
}

// evictCollection removes n entries from a collection, ascending priority
// then ascending age.
func (s *Store) evictCollection(ctx context.Context, db *sql.DB, schema types.Schema, n int) error {
	_, err := db.ExecContext(ctx, `
		DELETE FROM replica_cache
		WHERE rowid IN (
			SELECT rowid FROM replica_cache
			WHERE collection = ?
			ORDER BY priority ASC, cached_at ASC
			LIMIT ?
		)
	`, schema.Collection, n)
	if err != nil {
		return &types.StorageError{Op: "replica.evict", Err: err}
	}
	return nil
}

// Stats holds per-collection and total entry counts.
type Stats struct {
	Total         int            `json:"total"`
	PerCollection map[string]int `json:"per_collection"`
}

// Stats returns cache entry counts.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{PerCollection: make(map[string]int)}
	for _, name := range types.Collections() {
		n, err := s.count(ctx, name)
		if err != nil {
			return stats, err
		}
		stats.PerCollection[name] = n
		stats.Total += n
	}
	return stats, nil
}

func (s *Store) exists(ctx context.Context, collection, id string) bool {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM replica_cache WHERE collection = ? AND entity_id = ?
	`, collection, id).Scan(&one)
	return err == nil
}

func (s *Store) count(ctx context.Context, collection string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM replica_cache WHERE collection = ?
	`, collection).Scan(&n)
	if err != nil {
		return 0, &types.StorageError{Op: "replica.count", Err: err}
	}
	return n, nil
}

func (s *Store) expired(collection, cachedAt string) bool {
	schema, ok := types.SchemaFor(collection)
	if !ok {
		return false
	}
	t, err := time.Parse(time.RFC3339Nano, cachedAt)
	if err != nil {
		return true
	}
	return s.now().UTC().Sub(t) > schema.CacheTTL
}

func indexColumn(key string) (string, bool) {
	switch key {
	case "unitId":
		return "unit_id", true
	case "reportDate":
		return "record_date", true
	}
	return "", false
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

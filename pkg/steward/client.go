// Package steward is the embeddable offline-first data client. It serves
// reads from the local replica, queues writes while offline, and reconciles
// with the remote store when connectivity returns.
package steward

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stewardhq/steward/internal/config"
	"github.com/stewardhq/steward/internal/conflict"
	"github.com/stewardhq/steward/internal/connectivity"
	"github.com/stewardhq/steward/internal/outbox"
	"github.com/stewardhq/steward/internal/remote"
	"github.com/stewardhq/steward/internal/replica"
	"github.com/stewardhq/steward/internal/storage"
	"github.com/stewardhq/steward/internal/syncer"
	"github.com/stewardhq/steward/internal/types"
)

// Identity is the acting user. The role drives visibility filtering and
// write permission checks; the actor id is recorded on resolutions.
type Identity struct {
	ActorID string
	Role    types.Role
}

// Option customizes client construction.
type Option func(*Client)

// WithRemote replaces the HTTP remote store. Tests inject fakes here.
func WithRemote(rs remote.Store) Option {
	return func(c *Client) { c.remote = rs }
}

// WithScheduler replaces the cron scheduler.
func WithScheduler(s syncer.Scheduler) Option {
	return func(c *Client) { c.scheduler = s }
}

// Client is the data access facade over the local replica, the outbox, and
// the sync engine.
type Client struct {
	cfg      *config.Config
	identity Identity

	db         *sql.DB
	replica    *replica.Store
	queue      *outbox.Queue
	registry   *conflict.Registry
	resolver   *conflict.Resolver
	detector   *conflict.Detector
	remote     remote.Store
	monitor    *connectivity.Monitor
	orch       *syncer.Orchestrator
	maintainer *syncer.Maintainer
	scheduler  syncer.Scheduler

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
	done   sync.WaitGroup
}

// neverPinger keeps the monitor offline when no remote is configured.
type neverPinger struct{}

func (neverPinger) Ping(ctx context.Context) error { return types.ErrOffline }

// New creates a client. The local database is opened and migrated here;
// background workers start in Initialize.
func New(cfg *config.Config, identity Identity, opts ...Option) (*Client, error) {
	if identity.Role == "" {
		return nil, errors.New("identity role is required")
	}

	db, err := storage.Open(cfg.Local.Path)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:      cfg,
		identity: identity,
		db:       db,
		replica:  replica.New(db),
		queue:    outbox.New(db),
		registry: conflict.NewRegistry(db),
	}
	c.resolver = conflict.NewResolver(c.registry)
	c.detector = conflict.NewDetector()

	for _, opt := range opts {
		opt(c)
	}

	if c.remote == nil {
		if cfg.Sync.Offline || cfg.Remote.BaseURL == "" {
			c.monitor = connectivity.NewMonitor(neverPinger{}, cfg.Sync.ProbeInterval.Value())
		} else {
			c.remote = remote.NewHTTPStore(cfg.Remote.BaseURL, cfg.Remote.APIKey,
				cfg.Remote.Timeout.Value(), cfg.Remote.MaxAttempts)
		}
	}
	if c.monitor == nil {
		c.monitor = connectivity.NewMonitor(c.remote, cfg.Sync.ProbeInterval.Value())
	}
	if c.remote == nil {
		c.remote = unreachableStore{}
	}

	c.orch = syncer.New(db, c.remote, c.replica, c.queue, c.registry, c.monitor)
	c.maintainer = syncer.NewMaintainer(c.replica, c.registry,
		cfg.Sync.MaintenanceInterval.Value(), cfg.Sync.AuditWindow.Value())
	if c.scheduler == nil {
		c.scheduler = syncer.NewCronScheduler(cfg.Sync.Schedule)
	}

	return c, nil
}

// Initialize starts the connectivity monitor, the sync orchestrator, the
// maintenance worker, and the sync scheduler.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("client is closed")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.done.Add(2)
	go func() {
		defer c.done.Done()
		c.orch.Run(runCtx)
	}()
	go func() {
		defer c.done.Done()
		c.maintainer.Run(runCtx)
	}()

	if !c.cfg.Sync.Offline {
		c.done.Add(1)
		go func() {
			defer c.done.Done()
			c.monitor.Run(runCtx)
		}()
	}

	return c.scheduler.Start(c.orch.Kick)
}

// Close stops background workers and closes the local database. Queued
// writes stay durable for the next start.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	c.scheduler.Stop()
	if c.cancel != nil {
		c.cancel()
	}
	c.done.Wait()
	return c.db.Close()
}

// IsOnline reports current connectivity.
func (c *Client) IsOnline() bool {
	return c.monitor.Online()
}

// SetOnline forces the connectivity status. Host platforms with their own
// network signal call this.
func (c *Client) SetOnline(online bool) {
	c.monitor.SetOnline(online)
}

// Status reports sync engine state.
func (c *Client) Status(ctx context.Context) (syncer.Status, error) {
	return c.orch.Status(ctx)
}

// Sync runs one full sync pass now, blocking until it completes.
func (c *Client) Sync(ctx context.Context) error {
	return c.orch.Sync(ctx)
}

// ForceSync is an alias for Sync.
func (c *Client) ForceSync(ctx context.Context) error {
	return c.orch.Sync(ctx)
}

// PendingCount returns the number of queued writes.
func (c *Client) PendingCount(ctx context.Context) (int, error) {
	return c.queue.Count(ctx)
}

// ClearPending discards all queued writes.
func (c *Client) ClearPending(ctx context.Context) error {
	return c.queue.Clear(ctx)
}

// CacheStats returns replica entry counts.
func (c *Client) CacheStats(ctx context.Context) (replica.Stats, error) {
	return c.replica.Stats(ctx)
}

// ActiveConflicts returns unresolved conflicts, oldest first.
func (c *Client) ActiveConflicts(ctx context.Context) ([]types.ConflictRecord, error) {
	return c.registry.Active(ctx)
}

// ResolveConflict settles a conflict with the given strategy and applies the
// merged result: pushed to the remote store when online, queued otherwise.
// The resolution is persisted only once the merged result has been applied
// or durably enqueued; a rejected push leaves the conflict active so the
// decision can be retried.
func (c *Client) ResolveConflict(ctx context.Context, id string, strategy types.Strategy, choice map[string]any, resolvedBy string) (map[string]any, error) {
	conf, err := c.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if conf.Resolved() {
		return nil, types.ErrConflictResolved
	}
	if !types.ValidStrategy(strategy) {
		return nil, fmt.Errorf("unknown strategy %q", strategy)
	}
	if resolvedBy == "" {
		resolvedBy = c.identity.ActorID
	}

	merged, err := conflict.Merge(conf, strategy, choice)
	if err != nil {
		return nil, err
	}

	pushed := false
	if c.monitor.Online() {
		obj, err := c.remote.Update(ctx, conf.Collection, conf.TargetID, merged)
		switch {
		case err == nil:
			c.replica.Put(ctx, types.Record{
				ID:               obj.ID,
				Collection:       conf.Collection,
				Attributes:       obj.Attributes,
				LocalRevisionAt:  time.Now().UTC(),
				ServerRevisionAt: obj.UpdatedAt,
				SyncStatus:       types.StatusSynced,
			}, 1)
			pushed = true
		case types.IsTransient(err):
			// Fall through to the outbox.
		default:
			return nil, err
		}
	}

	if !pushed {
		// Offline or transiently unreachable: the merged result becomes a
		// queued update and the cached record reflects it as pending.
		c.replica.Put(ctx, types.Record{
			ID:              conf.TargetID,
			Collection:      conf.Collection,
			Attributes:      merged,
			LocalRevisionAt: time.Now().UTC(),
			SyncStatus:      types.StatusPending,
		}, 1)
		if err := c.queue.Enqueue(ctx, &types.PendingAction{
			Operation:  types.OpUpdate,
			Collection: conf.Collection,
			TargetID:   conf.TargetID,
			Payload:    merged,
		}); err != nil {
			return nil, err
		}
	}

	if _, err := c.resolver.Resolve(ctx, conf, strategy, choice, resolvedBy); err != nil {
		return nil, err
	}
	return merged, nil
}

// Units returns the typed accessor for the unit hierarchy.
func (c *Client) Units() *Collection[types.Unit] {
	return &Collection[types.Unit]{client: c, name: types.CollectionUnits}
}

// Members returns the typed accessor for unit members.
func (c *Client) Members() *Collection[types.Member] {
	return &Collection[types.Member]{client: c, name: types.CollectionMembers}
}

// Reports returns the typed accessor for unit reports.
func (c *Client) Reports() *Collection[types.Report] {
	return &Collection[types.Report]{client: c, name: types.CollectionReports}
}

// unreachableStore satisfies the remote contract when no remote is
// configured. Every call reports offline.
type unreachableStore struct{}

func (unreachableStore) Ping(ctx context.Context) error { return types.ErrOffline }
func (unreachableStore) Get(ctx context.Context, collection, id string) (*remote.Object, error) {
	return nil, types.ErrOffline
}
func (unreachableStore) List(ctx context.Context, collection string, filter remote.ListFilter) ([]remote.Object, error) {
	return nil, types.ErrOffline
}
func (unreachableStore) Create(ctx context.Context, collection string, attrs map[string]any) (*remote.Object, error) {
	return nil, types.ErrOffline
}
func (unreachableStore) Update(ctx context.Context, collection, id string, attrs map[string]any) (*remote.Object, error) {
	return nil, types.ErrOffline
}
func (unreachableStore) Delete(ctx context.Context, collection, id string) error {
	return types.ErrOffline
}
func (unreachableStore) FindByKey(ctx context.Context, collection string, key map[string]string) (*remote.Object, error) {
	return nil, types.ErrOffline
}
func (unreachableStore) ChangedSince(ctx context.Context, collection string, since time.Time) ([]remote.Object, error) {
	return nil, types.ErrOffline
}
func (unreachableStore) UploadBinary(ctx context.Context, collection, id string, payload map[string]any) error {
	return types.ErrOffline
}

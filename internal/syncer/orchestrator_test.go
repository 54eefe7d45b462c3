package syncer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stewardhq/steward/internal/conflict"
	"github.com/stewardhq/steward/internal/connectivity"
	"github.com/stewardhq/steward/internal/outbox"
	"github.com/stewardhq/steward/internal/remote"
	"github.com/stewardhq/steward/internal/replica"
	"github.com/stewardhq/steward/internal/storage"
	"github.com/stewardhq/steward/internal/types"
)

// fakeRemote is an in-memory remote store. Transient failures and call
// blocking are injected per target id.
type fakeRemote struct {
	mu sync.Mutex

	objects      map[string]map[string]remote.Object
	seq          int
	transientIDs map[string]bool
	createCalls  int
	updateCalls  int
	uploadCalls  int

	// blockCreate, when set, makes Create wait until the channel closes.
	blockCreate chan struct{}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		objects:      make(map[string]map[string]remote.Object),
		transientIDs: make(map[string]bool),
	}
}

func (f *fakeRemote) seed(collection string, obj remote.Object) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects[collection] == nil {
		f.objects[collection] = make(map[string]remote.Object)
	}
	obj.Collection = collection
	f.objects[collection][obj.ID] = obj
}

func (f *fakeRemote) Ping(ctx context.Context) error { return nil }

func (f *fakeRemote) Get(ctx context.Context, collection, id string) (*remote.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transientIDs[id] {
		return nil, &types.TransientError{Op: "fake.get", Err: errors.New("injected")}
	}
	obj, ok := f.objects[collection][id]
	if !ok {
		return nil, types.ErrNotFound
	}
	return &obj, nil
}

func (f *fakeRemote) List(ctx context.Context, collection string, filter remote.ListFilter) ([]remote.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []remote.Object
	for _, obj := range f.objects[collection] {
		if !filter.UpdatedSince.IsZero() && !obj.UpdatedAt.After(filter.UpdatedSince) {
			continue
		}
		out = append(out, obj)
	}
	return out, nil
}

func (f *fakeRemote) Create(ctx context.Context, collection string, attrs map[string]any) (*remote.Object, error) {
	if f.blockCreate != nil {
		<-f.blockCreate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	f.seq++
	id := fmt.Sprintf("srv-%d", f.seq)
	obj := remote.Object{
		ID:         id,
		Collection: collection,
		Attributes: rekeyedPayload(attrs, id),
		UpdatedAt:  time.Now().UTC(),
	}
	if f.objects[collection] == nil {
		f.objects[collection] = make(map[string]remote.Object)
	}
	f.objects[collection][id] = obj
	return &obj, nil
}

func (f *fakeRemote) Update(ctx context.Context, collection, id string, attrs map[string]any) (*remote.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transientIDs[id] {
		return nil, &types.TransientError{Op: "fake.update", Err: errors.New("injected")}
	}
	f.updateCalls++
	obj := remote.Object{
		ID:         id,
		Collection: collection,
		Attributes: rekeyedPayload(attrs, id),
		UpdatedAt:  time.Now().UTC(),
	}
	f.objects[collection][id] = obj
	return &obj, nil
}

func (f *fakeRemote) Delete(ctx context.Context, collection, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transientIDs[id] {
		return &types.TransientError{Op: "fake.delete", Err: errors.New("injected")}
	}
	if _, ok := f.objects[collection][id]; !ok {
		return types.ErrNotFound
	}
	delete(f.objects[collection], id)
	return nil
}

func (f *fakeRemote) FindByKey(ctx context.Context, collection string, key map[string]string) (*remote.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, obj := range f.objects[collection] {
		match := true
		for k, v := range key {
			if fmt.Sprint(obj.Attributes[k]) != v {
				match = false
				break
			}
		}
		if match {
			return &obj, nil
		}
	}
	return nil, nil
}

func (f *fakeRemote) ChangedSince(ctx context.Context, collection string, since time.Time) ([]remote.Object, error) {
	return f.List(ctx, collection, remote.ListFilter{UpdatedSince: since})
}

func (f *fakeRemote) UploadBinary(ctx context.Context, collection, id string, payload map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploadCalls++
	return nil
}

type fixture struct {
	db       *sql.DB
	remote   *fakeRemote
	replica  *replica.Store
	queue    *outbox.Queue
	registry *conflict.Registry
	monitor  *connectivity.Monitor
	orch     *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "steward.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	fr := newFakeRemote()
	rep := replica.New(db)
	queue := outbox.New(db)
	registry := conflict.NewRegistry(db)
	monitor := connectivity.NewMonitor(fr, time.Minute)
	monitor.SetOnline(true)

	return &fixture{
		db:       db,
		remote:   fr,
		replica:  rep,
		queue:    queue,
		registry: registry,
		monitor:  monitor,
		orch:     New(db, fr, rep, queue, registry, monitor),
	}
}

func TestDrain_Offline(t *testing.T) {
	f := newFixture(t)
	f.monitor.SetOnline(false)

	if err := f.orch.Drain(context.Background()); !errors.Is(err, types.ErrOffline) {
		t.Fatalf("Drain offline: %v, want ErrOffline", err)
	}
}

func TestDrain_CreateAssignsServerID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tempID := types.TempIDPrefix + "abc"
	payload := map[string]any{
		"id": tempID, "unitId": "u1", "reportDate": "2026-03-01",
		"offeringAmount": 150.0, "attendanceCount": 40.0,
	}
	f.replica.Put(ctx, types.Record{
		ID: tempID, Collection: types.CollectionReports,
		Attributes: payload, SyncStatus: types.StatusPending,
	}, priorityLocal)
	if err := f.queue.Enqueue(ctx, &types.PendingAction{
		Operation: types.OpCreate, Collection: types.CollectionReports,
		TargetID: tempID, Payload: payload,
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := f.orch.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	if n, _ := f.queue.Count(ctx); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
	if f.remote.createCalls != 1 {
		t.Errorf("create calls = %d, want 1", f.remote.createCalls)
	}

	// Old id gone, server id cached and synced.
	if _, ok := f.replica.Get(ctx, types.CollectionReports, tempID); ok {
		t.Error("temp id entry still cached")
	}
	rec, ok := f.replica.Get(ctx, types.CollectionReports, "srv-1")
	if !ok {
		t.Fatal("server id entry not cached")
	}
	if rec.SyncStatus != types.StatusSynced {
		t.Errorf("status = %q, want synced", rec.SyncStatus)
	}
	if rec.Attributes["id"] != "srv-1" {
		t.Errorf("attribute id = %v, want srv-1", rec.Attributes["id"])
	}
}

func TestDrain_SecondPassIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.queue.Enqueue(ctx, &types.PendingAction{
		Operation: types.OpCreate, Collection: types.CollectionUnits,
		TargetID: types.TempIDPrefix + "u",
		Payload:  map[string]any{"name": "North", "level": "branch", "status": "active"},
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := f.orch.Drain(ctx); err != nil {
		t.Fatalf("first Drain: %v", err)
	}
	if err := f.orch.Drain(ctx); err != nil {
		t.Fatalf("second Drain: %v", err)
	}
	if f.remote.createCalls != 1 {
		t.Errorf("create calls = %d, want exactly 1", f.remote.createCalls)
	}
}

func TestDrain_FailureIsolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("d%d", i)
		f.remote.seed(types.CollectionMembers, remote.Object{
			ID: id, Attributes: map[string]any{"id": id},
		})
		if err := f.queue.Enqueue(ctx, &types.PendingAction{
			Operation: types.OpDelete, Collection: types.CollectionMembers, TargetID: id,
		}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	f.remote.transientIDs["d3"] = true

	if err := f.orch.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	remaining, err := f.queue.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(remaining) != 1 || remaining[0].TargetID != "d3" {
		t.Fatalf("remaining = %+v, want only d3", remaining)
	}
	if remaining[0].Attempts != 1 {
		t.Errorf("attempts = %d, want 1", remaining[0].Attempts)
	}

	// The failing target recovers on the next pass.
	delete(f.remote.transientIDs, "d3")
	if err := f.orch.Drain(ctx); err != nil {
		t.Fatalf("second Drain: %v", err)
	}
	if n, _ := f.queue.Count(ctx); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
}

func TestDrain_Reentrancy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.remote.blockCreate = make(chan struct{})
	if err := f.queue.Enqueue(ctx, &types.PendingAction{
		Operation: types.OpCreate, Collection: types.CollectionUnits,
		TargetID: types.TempIDPrefix + "u",
		Payload:  map[string]any{"name": "North", "level": "branch", "status": "active"},
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- f.orch.Drain(ctx) }()

	// Wait until the first drain is inside the blocked create.
	deadline := time.After(2 * time.Second)
	for !f.orch.draining.Load() {
		select {
		case <-deadline:
			t.Fatal("first drain never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	if err := f.orch.Drain(ctx); err != nil {
		t.Fatalf("overlapping Drain: %v", err)
	}

	close(f.remote.blockCreate)
	if err := <-done; err != nil {
		t.Fatalf("blocked Drain: %v", err)
	}
	if f.remote.createCalls != 1 {
		t.Errorf("create calls = %d, want 1", f.remote.createCalls)
	}
}

func TestDrain_TempUpdateFollowsCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tempID := types.TempIDPrefix + "m"
	if err := f.queue.Enqueue(ctx, &types.PendingAction{
		Operation: types.OpCreate, Collection: types.CollectionMembers, TargetID: tempID,
		Payload:   map[string]any{"id": tempID, "unitId": "u1", "fullName": "Ana Reyes", "role": "member", "status": "active"},
		CreatedAt: time.Now().UTC().Add(-2 * time.Second),
	}); err != nil {
		t.Fatalf("Enqueue create: %v", err)
	}
	if err := f.queue.Enqueue(ctx, &types.PendingAction{
		Operation: types.OpUpdate, Collection: types.CollectionMembers, TargetID: tempID,
		Payload:   map[string]any{"id": tempID, "unitId": "u1", "fullName": "Ana Reyes", "role": "member", "status": "active", "phone": "555-0101"},
		CreatedAt: time.Now().UTC().Add(time.Second),
	}); err != nil {
		t.Fatalf("Enqueue update: %v", err)
	}

	if err := f.orch.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	if n, _ := f.queue.Count(ctx); n != 0 {
		t.Fatalf("pending = %d, want 0", n)
	}
	obj, err := f.remote.Get(ctx, types.CollectionMembers, "srv-1")
	if err != nil {
		t.Fatalf("remote Get: %v", err)
	}
	if obj.Attributes["phone"] != "555-0101" {
		t.Errorf("update did not follow create: %v", obj.Attributes)
	}
}

func TestDrain_DuplicateCreateParksCriticalConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Another client already reported for the same unit and day with a
	// different offering amount.
	f.remote.seed(types.CollectionReports, remote.Object{
		ID: "srv-existing",
		Attributes: map[string]any{
			"id": "srv-existing", "unitId": "u1", "reportDate": "2026-03-01",
			"offeringAmount": 900.0, "attendanceCount": 55.0,
		},
		UpdatedAt: time.Now().UTC().Add(time.Minute),
	})

	tempID := types.TempIDPrefix + "r"
	payload := map[string]any{
		"id": tempID, "unitId": "u1", "reportDate": "2026-03-01",
		"offeringAmount": 150.0, "attendanceCount": 40.0,
	}
	f.replica.Put(ctx, types.Record{
		ID: tempID, Collection: types.CollectionReports,
		Attributes: payload, SyncStatus: types.StatusPending,
	}, priorityLocal)
	if err := f.queue.Enqueue(ctx, &types.PendingAction{
		Operation: types.OpCreate, Collection: types.CollectionReports,
		TargetID: tempID, Payload: payload,
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := f.orch.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	// Parked, not retried: the action left the queue.
	if n, _ := f.queue.Count(ctx); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
	active, err := f.registry.Active(ctx)
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("active conflicts = %d, want 1", len(active))
	}
	conf := active[0]
	if conf.TargetID != "srv-existing" {
		t.Errorf("conflict target = %q, want the existing server id", conf.TargetID)
	}
	if conf.Classification != types.ClassCritical {
		t.Errorf("classification = %q, want critical", conf.Classification)
	}

	// The cached record moved to the server id and is flagged.
	rec, ok := f.replica.Get(ctx, types.CollectionReports, "srv-existing")
	if !ok {
		t.Fatal("rekeyed entry not cached")
	}
	if rec.SyncStatus != types.StatusConflicted {
		t.Errorf("status = %q, want conflicted", rec.SyncStatus)
	}

	// No duplicate report was created remotely.
	if f.remote.createCalls != 0 {
		t.Errorf("create calls = %d, want 0", f.remote.createCalls)
	}
}

func TestDrain_DuplicateCreateMergesMinorDivergence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.remote.seed(types.CollectionReports, remote.Object{
		ID: "srv-9",
		Attributes: map[string]any{
			"id": "srv-9", "unitId": "u1", "reportDate": "2026-03-01",
			"offeringAmount": 150.0, "attendanceCount": 40.0,
		},
		UpdatedAt: time.Now().UTC().Add(time.Minute),
	})

	tempID := types.TempIDPrefix + "r"
	if err := f.queue.Enqueue(ctx, &types.PendingAction{
		Operation: types.OpCreate, Collection: types.CollectionReports, TargetID: tempID,
		Payload: map[string]any{
			"id": tempID, "unitId": "u1", "reportDate": "2026-03-01",
			"offeringAmount": 150.0, "attendanceCount": 40.0,
			"notes": "visitors from the north parish",
		},
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := f.orch.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	if n, _ := f.registry.ActiveCount(ctx); n != 0 {
		t.Errorf("active conflicts = %d, want 0", n)
	}
	obj, err := f.remote.Get(ctx, types.CollectionReports, "srv-9")
	if err != nil {
		t.Fatalf("remote Get: %v", err)
	}
	if obj.Attributes["notes"] != "visitors from the north parish" {
		t.Errorf("local note lost in merge: %v", obj.Attributes)
	}
	if obj.Attributes["offeringAmount"] != 150.0 {
		t.Errorf("offeringAmount = %v", obj.Attributes["offeringAmount"])
	}
}

func TestDrain_DeleteOfMissingEntitySucceeds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.queue.Enqueue(ctx, &types.PendingAction{
		Operation: types.OpDelete, Collection: types.CollectionMembers, TargetID: "gone",
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := f.orch.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if n, _ := f.queue.Count(ctx); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
}

func TestDrain_PermanentRejectionDropsAction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Update of an entity the remote no longer has is not retryable.
	if err := f.queue.Enqueue(ctx, &types.PendingAction{
		Operation: types.OpUpdate, Collection: types.CollectionUnits, TargetID: "vanished",
		Payload: map[string]any{"id": "vanished", "name": "West", "level": "branch", "status": "active"},
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := f.orch.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if n, _ := f.queue.Count(ctx); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
	status, err := f.orch.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.LastError == "" {
		t.Error("rejection not surfaced in status")
	}
}

func TestPull_RefreshesReplicaAndAdvancesWatermark(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.remote.seed(types.CollectionUnits, remote.Object{
		ID:         "u1",
		Attributes: map[string]any{"id": "u1", "name": "North", "level": "branch", "status": "active"},
		UpdatedAt:  time.Now().UTC(),
	})

	if err := f.orch.Pull(ctx); err != nil {
		t.Fatalf("Pull: %v", err)
	}

	rec, ok := f.replica.Get(ctx, types.CollectionUnits, "u1")
	if !ok {
		t.Fatal("pulled entity not cached")
	}
	if rec.SyncStatus != types.StatusSynced {
		t.Errorf("status = %q, want synced", rec.SyncStatus)
	}

	since, err := f.orch.watermark(ctx, types.CollectionUnits)
	if err != nil {
		t.Fatalf("watermark: %v", err)
	}
	if since.IsZero() {
		t.Error("watermark did not advance")
	}
}

func TestPull_SkipsRecordsWithLocalStateInFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.replica.Put(ctx, types.Record{
		ID: "u1", Collection: types.CollectionUnits,
		Attributes: map[string]any{"id": "u1", "name": "North (edited offline)"},
		SyncStatus: types.StatusPending,
	}, priorityLocal)
	f.remote.seed(types.CollectionUnits, remote.Object{
		ID:         "u1",
		Attributes: map[string]any{"id": "u1", "name": "North"},
		UpdatedAt:  time.Now().UTC(),
	})

	if err := f.orch.Pull(ctx); err != nil {
		t.Fatalf("Pull: %v", err)
	}

	rec, _ := f.replica.Get(ctx, types.CollectionUnits, "u1")
	if rec.Attributes["name"] != "North (edited offline)" {
		t.Errorf("pending local edit clobbered: %v", rec.Attributes)
	}
}

func TestDrain_UploadBinary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.queue.Enqueue(ctx, &types.PendingAction{
		Operation: types.OpUploadBinary, Collection: types.CollectionReports, TargetID: "srv-5",
		Payload: map[string]any{"filename": "receipt.jpg", "data": "aGVsbG8="},
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := f.orch.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if f.remote.uploadCalls != 1 {
		t.Errorf("upload calls = %d, want 1", f.remote.uploadCalls)
	}
}

func TestSync_GoingOnlineTriggersDrain(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.monitor.SetOnline(false)
	if err := f.queue.Enqueue(ctx, &types.PendingAction{
		Operation: types.OpCreate, Collection: types.CollectionUnits,
		TargetID: types.TempIDPrefix + "u",
		Payload:  map[string]any{"name": "East", "level": "branch", "status": "active"},
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	go f.orch.Run(ctx)
	time.Sleep(10 * time.Millisecond) // let Run subscribe

	f.monitor.SetOnline(true)

	deadline := time.After(2 * time.Second)
	for {
		if n, _ := f.queue.Count(ctx); n == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("queue never drained after going online")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestMaintainer_Sweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m := NewMaintainer(f.replica, f.registry, time.Minute, time.Hour)

	old := &types.ConflictRecord{
		ID: "c-old", Collection: types.CollectionReports, TargetID: "r1",
		Classification: types.ClassMinor,
		LocalSnapshot:  map[string]any{"notes": "a"}, RemoteSnapshot: map[string]any{"notes": "b"},
		LocalAt: time.Now().UTC(), RemoteAt: time.Now().UTC(),
		SuggestedStrategy: types.StrategyMergeFields, DetectedAt: time.Now().UTC(),
	}
	if err := f.registry.Save(ctx, old); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := f.registry.MarkResolved(ctx, "c-old", types.Resolution{
		Strategy: types.StrategyMergeFields, ResolvedBy: "clerk-1",
		ResolvedAt: time.Now().UTC().Add(-2 * time.Hour),
	}); err != nil {
		t.Fatalf("MarkResolved: %v", err)
	}

	if err := m.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if _, err := f.registry.Get(ctx, "c-old"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("aged-out resolution not purged: %v", err)
	}
}

func TestManualScheduler(t *testing.T) {
	s := NewManualScheduler()
	var fired int
	if err := s.Start(func() { fired++ }); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Fire()
	s.Fire()
	if fired != 2 {
		t.Errorf("fired = %d, want 2", fired)
	}
	s.Stop()
	s.Fire()
	if fired != 2 {
		t.Errorf("fired after stop = %d, want 2", fired)
	}
}

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stewardhq/steward/internal/replica"
	"github.com/stewardhq/steward/internal/syncer"
	"github.com/stewardhq/steward/internal/types"
)

// --- Mock Implementations for Testing ---

// mockService implements Service for testing
type mockService struct {
	status      syncer.Status
	statusErr   error
	syncErr     error
	syncCalls   int
	conflicts   []types.ConflictRecord
	resolveErr  error
	resolved    map[string]any
	lastResolve struct {
		id       string
		strategy types.Strategy
		by       string
	}
	clearCalls int
	stats      replica.Stats
}

func (m *mockService) Status(ctx context.Context) (syncer.Status, error) {
	return m.status, m.statusErr
}

func (m *mockService) Sync(ctx context.Context) error {
	m.syncCalls++
	return m.syncErr
}

func (m *mockService) ActiveConflicts(ctx context.Context) ([]types.ConflictRecord, error) {
	return m.conflicts, nil
}

func (m *mockService) ResolveConflict(ctx context.Context, id string, strategy types.Strategy, choice map[string]any, resolvedBy string) (map[string]any, error) {
	m.lastResolve.id = id
	m.lastResolve.strategy = strategy
	m.lastResolve.by = resolvedBy
	if m.resolveErr != nil {
		return nil, m.resolveErr
	}
	return m.resolved, nil
}

func (m *mockService) ClearPending(ctx context.Context) error {
	m.clearCalls++
	return nil
}

func (m *mockService) CacheStats(ctx context.Context) (replica.Stats, error) {
	return m.stats, nil
}

const testAPIKey = "test-api-key"

func newTestRouter(m *mockService) http.Handler {
	return NewRouter(NewHandler(m, testAPIKey, "test"))
}

func authed(req *http.Request) *http.Request {
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	return req
}

func TestHealth_NoAuthRequired(t *testing.T) {
	m := &mockService{status: syncer.Status{Online: true, Pending: 2}}
	router := newTestRouter(m)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Online || resp.Pending != 2 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestStatus_RequiresAuth(t *testing.T) {
	router := newTestRouter(&mockService{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want 401", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("Content-Type = %q", ct)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status with token = %d, want 200", rec.Code)
	}
}

func TestTriggerSync(t *testing.T) {
	m := &mockService{status: syncer.Status{Online: true}}
	router := newTestRouter(m)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodPost, "/api/v1/sync", nil)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if m.syncCalls != 1 {
		t.Errorf("sync calls = %d, want 1", m.syncCalls)
	}
}

func TestTriggerSync_Offline(t *testing.T) {
	m := &mockService{syncErr: types.ErrOffline}
	router := newTestRouter(m)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodPost, "/api/v1/sync", nil)))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestListConflicts_EmptyIsArray(t *testing.T) {
	router := newTestRouter(&mockService{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodGet, "/api/v1/conflicts", nil)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"conflicts":[]`) {
		t.Errorf("body = %s, want empty array", rec.Body.String())
	}
}

func TestResolveConflict(t *testing.T) {
	m := &mockService{resolved: map[string]any{"id": "r1", "offeringAmount": 900.0}}
	router := newTestRouter(m)

	body := strings.NewReader(`{"strategy":"keepRemote","resolvedBy":"clerk-1"}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodPost, "/api/v1/conflicts/c1/resolve", body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if m.lastResolve.id != "c1" || m.lastResolve.strategy != types.StrategyKeepRemote || m.lastResolve.by != "clerk-1" {
		t.Errorf("resolve call = %+v", m.lastResolve)
	}
}

func TestResolveConflict_UnknownStrategy(t *testing.T) {
	router := newTestRouter(&mockService{})

	body := strings.NewReader(`{"strategy":"coinFlip","resolvedBy":"clerk-1"}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodPost, "/api/v1/conflicts/c1/resolve", body)))

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
}

func TestResolveConflict_AlreadyResolved(t *testing.T) {
	m := &mockService{resolveErr: types.ErrConflictResolved}
	router := newTestRouter(m)

	body := strings.NewReader(`{"strategy":"keepLocal","resolvedBy":"clerk-1"}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodPost, "/api/v1/conflicts/c1/resolve", body)))

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestResolveConflict_NotFound(t *testing.T) {
	m := &mockService{resolveErr: types.ErrNotFound}
	router := newTestRouter(m)

	body := strings.NewReader(`{"strategy":"keepLocal","resolvedBy":"clerk-1"}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodPost, "/api/v1/conflicts/missing/resolve", body)))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestClearOutbox(t *testing.T) {
	m := &mockService{}
	router := newTestRouter(m)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodDelete, "/api/v1/outbox", nil)))

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if m.clearCalls != 1 {
		t.Errorf("clear calls = %d, want 1", m.clearCalls)
	}
}

package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stewardhq/steward/internal/types"
)

func newTestStore(t *testing.T, handler http.Handler) *HTTPStore {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPStore(srv.URL, "test-key", 5*time.Second, 3)
}

func TestHTTPStoreGet(t *testing.T) {
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		if r.URL.Path != "/api/v1/units/unit-1" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(Object{
			ID:         "unit-1",
			Attributes: map[string]any{"id": "unit-1", "name": "North Ward"},
			UpdatedAt:  time.Now().UTC(),
		})
	}))

	obj, err := store.Get(context.Background(), types.CollectionUnits, "unit-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if obj.ID != "unit-1" || obj.Collection != types.CollectionUnits {
		t.Errorf("got %+v", obj)
	}
	if obj.Attributes["name"] != "North Ward" {
		t.Errorf("attributes = %v", obj.Attributes)
	}
}

func TestHTTPStoreGetRetriesTransient(t *testing.T) {
	var calls atomic.Int32
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(Object{ID: "m1", Attributes: map[string]any{"id": "m1"}})
	}))

	obj, err := store.Get(context.Background(), types.CollectionMembers, "m1")
	if err != nil {
		t.Fatalf("Get after retries: %v", err)
	}
	if obj.ID != "m1" {
		t.Errorf("id = %q", obj.ID)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestHTTPStoreStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(t *testing.T, err error)
	}{
		{
			name:   "not found",
			status: http.StatusNotFound,
			check: func(t *testing.T, err error) {
				if !errors.Is(err, types.ErrNotFound) {
					t.Errorf("err = %v, want ErrNotFound", err)
				}
			},
		},
		{
			name:   "forbidden",
			status: http.StatusForbidden,
			check: func(t *testing.T, err error) {
				var pe *types.PermissionError
				if !errors.As(err, &pe) {
					t.Errorf("err = %v, want PermissionError", err)
				}
			},
		},
		{
			name:   "unprocessable",
			status: http.StatusUnprocessableEntity,
			check: func(t *testing.T, err error) {
				var ve *types.ValidationError
				if !errors.As(err, &ve) {
					t.Errorf("err = %v, want ValidationError", err)
				}
			},
		},
		{
			name:   "server error",
			status: http.StatusInternalServerError,
			check: func(t *testing.T, err error) {
				if !types.IsTransient(err) {
					t.Errorf("err = %v, want transient", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			store.maxAttempts = 1

			_, err := store.Get(context.Background(), types.CollectionReports, "r1")
			if err == nil {
				t.Fatal("expected error")
			}
			tt.check(t, err)
		})
	}
}

func TestHTTPStoreNetworkFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // connection refused from here on
	store := NewHTTPStore(srv.URL, "key", time.Second, 1)

	_, err := store.Create(context.Background(), types.CollectionUnits, map[string]any{"name": "x"})
	if !types.IsTransient(err) {
		t.Errorf("err = %v, want transient", err)
	}
}

func TestHTTPStoreCreate(t *testing.T) {
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/reports" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		var attrs map[string]any
		json.NewDecoder(r.Body).Decode(&attrs)
		if attrs["unitId"] != "unit-1" {
			t.Errorf("body = %v", attrs)
		}
		attrs["id"] = "rep-900"
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(Object{ID: "rep-900", Attributes: attrs, UpdatedAt: time.Now().UTC()})
	}))

	obj, err := store.Create(context.Background(), types.CollectionReports, map[string]any{
		"unitId":     "unit-1",
		"reportDate": "2026-08-23",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if obj.ID != "rep-900" {
		t.Errorf("id = %q", obj.ID)
	}
}

func TestHTTPStoreCreateDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := store.Create(context.Background(), types.CollectionUnits, map[string]any{"name": "x"})
	if !types.IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestHTTPStoreFindByKey(t *testing.T) {
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/reports/find" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.URL.Query().Get("unitId") != "unit-1" || r.URL.Query().Get("reportDate") != "2026-08-23" {
			t.Errorf("query = %v", r.URL.Query())
		}
		json.NewEncoder(w).Encode(Object{ID: "rep-7", Attributes: map[string]any{"id": "rep-7"}})
	}))

	obj, err := store.FindByKey(context.Background(), types.CollectionReports, map[string]string{
		"unitId":     "unit-1",
		"reportDate": "2026-08-23",
	})
	if err != nil {
		t.Fatalf("FindByKey: %v", err)
	}
	if obj == nil || obj.ID != "rep-7" {
		t.Errorf("got %+v", obj)
	}
}

func TestHTTPStoreFindByKeyNoMatch(t *testing.T) {
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	obj, err := store.FindByKey(context.Background(), types.CollectionReports, map[string]string{"unitId": "u"})
	if err != nil {
		t.Fatalf("FindByKey: %v", err)
	}
	if obj != nil {
		t.Errorf("got %+v, want nil", obj)
	}
}

func TestHTTPStoreDelete(t *testing.T) {
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s", r.Method)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	if err := store.Delete(context.Background(), types.CollectionUnits, "unit-9"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}

func TestHTTPStoreList(t *testing.T) {
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("unitId") != "unit-1" {
			t.Errorf("query = %v", r.URL.Query())
		}
		json.NewEncoder(w).Encode(map[string]any{
			"objects": []Object{
				{ID: "m1", Attributes: map[string]any{"id": "m1"}},
				{ID: "m2", Attributes: map[string]any{"id": "m2"}},
			},
		})
	}))

	objs, err := store.List(context.Background(), types.CollectionMembers, ListFilter{Keys: map[string]string{"unitId": "unit-1"}})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(objs) != 2 {
		t.Fatalf("len = %d", len(objs))
	}
	if objs[0].Collection != types.CollectionMembers {
		t.Errorf("collection = %q", objs[0].Collection)
	}
}

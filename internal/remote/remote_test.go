package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tasksync/tasksync/internal/schema"
)

const testSecret = "test-secret"

func project(id string, version int64) schema.Project {
	return schema.Project{
		ID:        id,
		Name:      "Project " + id,
		Version:   version,
		UpdatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Tasks: []schema.Task{
			{ID: "t-1", Title: "First", Status: schema.StatusTodo, Stage: 1},
		},
	}
}

// storeContract runs the compare-and-set contract against a Store.
func storeContract(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := store.Head(ctx, "p-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Head() on missing project error = %v, want ErrNotFound", err)
	}

	if _, err := store.Put(ctx, project("p-1", 1), 0); err != nil {
		t.Fatalf("Put() create failed: %v", err)
	}
	if _, err := store.Put(ctx, project("p-1", 1), 0); !errors.Is(err, ErrConflict) {
		t.Fatalf("second create error = %v, want ErrConflict", err)
	}

	if _, err := store.Put(ctx, project("p-1", 2), 1); err != nil {
		t.Fatalf("Put() update failed: %v", err)
	}
	_, err := store.Put(ctx, project("p-1", 2), 1)
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("stale Put() error = %v, want *ConflictError", err)
	}
	if conflict.Actual != 2 || conflict.Expected != 1 {
		t.Errorf("conflict = %+v", conflict)
	}

	if _, err := store.Put(ctx, project("p-1", 2), 2); err == nil {
		t.Error("Put() that does not raise the version should fail")
	}

	head, err := store.Head(ctx, "p-1")
	if err != nil {
		t.Fatalf("Head() failed: %v", err)
	}
	if head.Version != 2 {
		t.Errorf("head version = %d, want 2", head.Version)
	}

	got, err := store.Get(ctx, "p-1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Name != "Project p-1" || len(got.Tasks) != 1 {
		t.Errorf("Get() = %+v", got)
	}

	if _, err := store.Put(ctx, project("p-0", 1), 0); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	heads, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(heads) != 2 || heads[0].ID != "p-0" {
		t.Errorf("List() = %+v", heads)
	}
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, NewMemoryStore())
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_, _ = store.Put(ctx, project("p-1", 1), 0)

	got, _ := store.Get(ctx, "p-1")
	got.Tasks[0].Title = "Mutated"

	again, _ := store.Get(ctx, "p-1")
	if again.Tasks[0].Title != "First" {
		t.Error("Get() leaked internal state")
	}
}

func newTestServer(t *testing.T, store Store, config HandlerConfig) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewHandler(store, config))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPClient_Contract(t *testing.T) {
	srv := newTestServer(t, NewMemoryStore(), HandlerConfig{JWTSecret: testSecret})
	token, err := IssueToken(testSecret, "user-1", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() failed: %v", err)
	}
	storeContract(t, NewHTTPClient(srv.URL, token, nil))
}

func TestHandler_OnChange(t *testing.T) {
	var mu sync.Mutex
	var events []string
	srv := newTestServer(t, NewMemoryStore(), HandlerConfig{
		OnChange: func(eventType string, p schema.Project) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, eventType+":"+p.ID)
		},
	})
	client := NewHTTPClient(srv.URL, "", nil)
	ctx := context.Background()

	_, _ = client.Put(ctx, project("p-1", 1), 0)
	_, _ = client.Put(ctx, project("p-1", 2), 1)
	deleted := project("p-1", 3)
	now := time.Now()
	deleted.DeletedAt = &now
	_, _ = client.Put(ctx, deleted, 2)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"insert:p-1", "update:p-1", "delete:p-1"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("events[%d] = %s, want %s", i, events[i], want[i])
		}
	}
}

func TestHandler_RequiresIfMatch(t *testing.T) {
	srv := newTestServer(t, NewMemoryStore(), HandlerConfig{})
	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/v1/projects/p-1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusPreconditionFailed {
		t.Errorf("status = %d, want 412", resp.StatusCode)
	}
}

func TestHTTPClient_Unauthorized(t *testing.T) {
	srv := newTestServer(t, NewMemoryStore(), HandlerConfig{JWTSecret: testSecret})

	bad, _ := IssueToken("other-secret", "user-1", time.Hour)
	client := NewHTTPClient(srv.URL, bad, nil)
	if _, err := client.List(context.Background()); !errors.Is(err, ErrSessionExpired) {
		t.Errorf("List() with bad token error = %v, want ErrSessionExpired", err)
	}

	anonymous := NewHTTPClient(srv.URL, "", nil)
	if _, err := anonymous.List(context.Background()); !errors.Is(err, ErrSessionExpired) {
		t.Errorf("List() without token error = %v, want ErrSessionExpired", err)
	}
}

func TestHTTPClient_ExpiredTokenShortCircuits(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	expired, err := IssueToken(testSecret, "user-1", -time.Minute)
	if err != nil {
		t.Fatalf("IssueToken() failed: %v", err)
	}
	client := NewHTTPClient(srv.URL, expired, nil)
	if !client.SessionExpired() {
		t.Fatal("SessionExpired() = false for an expired token")
	}
	if _, err := client.Head(context.Background(), "p-1"); !errors.Is(err, ErrSessionExpired) {
		t.Errorf("Head() error = %v, want ErrSessionExpired", err)
	}
	if hits.Load() != 0 {
		t.Errorf("server was called %d times", hits.Load())
	}

	fresh, _ := IssueToken(testSecret, "user-1", time.Hour)
	client.SetToken(fresh)
	if client.SessionExpired() {
		t.Error("SessionExpired() = true after SetToken")
	}
}

func TestHTTPClient_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	store := NewMemoryStore()
	_, _ = store.Put(context.Background(), project("p-1", 4), 0)
	inner := NewHandler(store, HandlerConfig{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		inner.ServeHTTP(w, r)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "", nil)
	client.baseDelay = time.Millisecond
	head, err := client.Head(context.Background(), "p-1")
	if err != nil {
		t.Fatalf("Head() failed: %v", err)
	}
	if head.Version != 4 || hits.Load() != 3 {
		t.Errorf("head = %+v after %d hits", head, hits.Load())
	}
}

func TestHTTPError_Permanent(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusForbidden, true},
		{http.StatusTooManyRequests, false},
		{http.StatusRequestTimeout, false},
		{http.StatusBadGateway, false},
	}
	for _, tt := range tests {
		if got := (&HTTPError{StatusCode: tt.status}).Permanent(); got != tt.want {
			t.Errorf("Permanent(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestPostgresStore_Integration(t *testing.T) {
	dsn := os.Getenv("TASKSYNC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TASKSYNC_TEST_POSTGRES_DSN not set")
	}
	store, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("NewPostgresStore() failed: %v", err)
	}
	t.Cleanup(func() {
		if err := store.ensureReady(); err == nil {
			_, _ = store.db.Exec("DELETE FROM " + postgresProjectsTable + " WHERE id IN ('p-0', 'p-1')")
		}
		_ = store.Close()
	})
	if err := store.ensureReady(); err != nil {
		t.Fatalf("ensureReady() failed: %v", err)
	}
	_, _ = store.db.Exec("DELETE FROM " + postgresProjectsTable + " WHERE id IN ('p-0', 'p-1')")
	storeContract(t, store)
}

func TestNewPostgresStore_EmptyDSN(t *testing.T) {
	if _, err := NewPostgresStore("  "); err == nil {
		t.Error("NewPostgresStore() with empty dsn should fail")
	}
}

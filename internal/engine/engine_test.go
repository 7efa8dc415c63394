package engine

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tasksync/tasksync/internal/cache"
	"github.com/tasksync/tasksync/internal/conflict"
	"github.com/tasksync/tasksync/internal/remote"
	"github.com/tasksync/tasksync/internal/schema"
)

func testConfig() *Config {
	quiet := log.New(io.Discard, "", 0)
	config := DefaultConfig()
	config.Logger = quiet
	config.CloseTimeout = time.Second

	config.Queue.Logger = quiet
	config.Queue.MaxRetries = 3
	config.Queue.BaseRetryDelay = 10 * time.Millisecond
	config.Queue.MaxRetryDelay = 50 * time.Millisecond

	config.Optimistic.Logger = quiet
	config.Conflict.Logger = quiet
	config.Realtime.Logger = quiet

	config.Coordinator.Logger = quiet
	config.Coordinator.EditingIdle = 20 * time.Millisecond
	config.Coordinator.QuietPeriod = 10 * time.Millisecond
	config.Coordinator.PersistDebounce = 10 * time.Millisecond
	config.Coordinator.PersistBaseDelay = 5 * time.Millisecond
	config.Coordinator.PersistMaxDelay = 20 * time.Millisecond
	return config
}

type notices struct {
	mu   sync.Mutex
	list []string
}

func (n *notices) Notify(level Level, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.list = append(n.list, level.String()+": "+message)
}

func (n *notices) has(prefix string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, m := range n.list {
		if strings.HasPrefix(m, prefix) {
			return true
		}
	}
	return false
}

type fixture struct {
	engine  *Engine
	cache   *cache.Store
	remote  *remote.MemoryStore
	notices *notices
}

func newFixture(t *testing.T, store remote.Store) *fixture {
	t.Helper()
	mem := remote.NewMemoryStore()
	if store == nil {
		store = mem
	}
	f := &fixture{
		cache:   cache.NewMemory(&cache.Config{WriteDebounce: 10 * time.Millisecond, Logger: log.New(io.Discard, "", 0)}),
		remote:  mem,
		notices: &notices{},
	}
	e, err := New(context.Background(), Deps{Cache: f.cache, Remote: store, Notifier: f.notices}, testConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() {
		_ = e.Close()
		_ = f.cache.Close()
	})
	f.engine = e
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (f *fixture) remoteVersion(id string) int64 {
	h, err := f.remote.Head(context.Background(), id)
	if err != nil {
		return 0
	}
	return h.Version
}

func (f *fixture) settled(id string) bool {
	e := f.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.synced[id] >= e.gen[id]
}

func (f *fixture) createProject(t *testing.T, name string) string {
	t.Helper()
	id, err := f.engine.CreateProject(context.Background(), name)
	if err != nil {
		t.Fatalf("CreateProject() failed: %v", err)
	}
	eventually(t, "project upload", func() bool { return f.remoteVersion(id) == 1 && f.settled(id) })
	return id
}

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(context.Background(), Deps{Remote: remote.NewMemoryStore()}, testConfig()); err == nil {
		t.Error("New() without cache should fail")
	}
	if _, err := New(context.Background(), Deps{Cache: cache.NewMemory(nil)}, testConfig()); err == nil {
		t.Error("New() without remote should fail")
	}
}

// TestCreateProjectSyncs tests that a new project reaches the remote, the
// local copy adopts the remote version and the cache gets the project.
func TestCreateProjectSyncs(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	ctx := context.Background()

	id := f.createProject(t, "Roadmap")

	if f.engine.ActiveProject() != id {
		t.Errorf("ActiveProject() = %q, want %q", f.engine.ActiveProject(), id)
	}
	p, ok := f.engine.Project(id)
	if !ok || p.Version != 1 {
		t.Fatalf("Project() = %+v, %v; want version 1", p, ok)
	}
	eventually(t, "cache write", func() bool {
		stored, err := f.cache.LoadProject(ctx, id)
		return err == nil && stored.Version == 1
	})
	eventually(t, "queue drain", func() bool { return f.engine.Queue().Len() == 0 })
	if st := f.engine.State(); !st.Online || st.LastError != "" {
		t.Errorf("State() = %s", st)
	}
}

// TestCreateTaskSwapsTempID tests that a task created with a temp id
// reaches the remote under a permanent id.
func TestCreateTaskSwapsTempID(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	ctx := context.Background()
	id := f.createProject(t, "Tasks")

	tempID, err := f.engine.CreateTask(ctx, id, schema.Task{Title: "Write docs"})
	if err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}
	if !schema.IsTempID(tempID) {
		t.Fatalf("CreateTask() returned %q, want a temp id", tempID)
	}

	eventually(t, "task upload", func() bool { return f.remoteVersion(id) >= 2 && f.settled(id) })
	permanentID, ok := f.engine.ResolveTempID(tempID)
	if !ok || schema.IsTempID(permanentID) {
		t.Fatalf("ResolveTempID() = %q, %v", permanentID, ok)
	}

	rp, err := f.remote.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if len(rp.Tasks) != 1 || rp.Tasks[0].ID != permanentID {
		t.Fatalf("remote tasks = %+v, want one task %s", rp.Tasks, permanentID)
	}
	local, _ := f.engine.Project(id)
	if local.Task(permanentID) == nil || local.Task(tempID) != nil {
		t.Errorf("local tasks = %+v, want %s only", local.Tasks, permanentID)
	}

	// the temp id keeps working for callers that still hold it
	if err := f.engine.UpdateTask(ctx, id, tempID, func(task *schema.Task) error {
		task.Status = schema.StatusDone
		return nil
	}); err != nil {
		t.Fatalf("UpdateTask() by temp id failed: %v", err)
	}
	eventually(t, "status upload", func() bool {
		rp, err := f.remote.Get(ctx, id)
		return err == nil && rp.Task(permanentID).Status == schema.StatusDone
	})
}

func TestTaskOperations(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	ctx := context.Background()
	id := f.createProject(t, "Tree")

	parent, err := f.engine.CreateTask(ctx, id, schema.Task{Title: "Parent"})
	if err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}
	child, err := f.engine.CreateTask(ctx, id, schema.Task{Title: "Child", ParentID: schema.StringPtr(parent)})
	if err != nil {
		t.Fatalf("CreateTask(child) failed: %v", err)
	}
	eventually(t, "tasks upload", func() bool { return f.settled(id) })
	parent = f.engine.resolveID(parent)
	child = f.engine.resolveID(child)

	if err := f.engine.MoveTask(ctx, id, parent, schema.StringPtr(child), 1); err == nil {
		t.Error("MoveTask() under own child should fail")
	}
	if _, err := f.engine.CreateTask(ctx, id, schema.Task{Title: "Orphan", ParentID: schema.StringPtr("missing")}); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("CreateTask() with missing parent error = %v, want ErrTaskNotFound", err)
	}

	if err := f.engine.Connect(ctx, id, schema.Connection{Source: parent, Target: child}); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	if err := f.engine.Connect(ctx, id, schema.Connection{Source: parent, Target: child}); err == nil {
		t.Error("duplicate Connect() should fail")
	}

	if err := f.engine.DeleteTask(ctx, id, child); err != nil {
		t.Fatalf("DeleteTask() failed: %v", err)
	}
	if err := f.engine.DeleteTask(ctx, id, child); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("second DeleteTask() error = %v, want ErrTaskNotFound", err)
	}
	ws := f.engine.WorkingSet()
	if len(ws) != 1 || len(ws[0].Tasks) != 1 || len(ws[0].Connections) != 0 {
		t.Fatalf("WorkingSet() = %+v, want one live task and no connections", ws)
	}

	if err := f.engine.RestoreTask(ctx, id, child); err != nil {
		t.Fatalf("RestoreTask() failed: %v", err)
	}
	p, _ := f.engine.Project(id)
	if c := p.Task(child); c == nil || c.IsDeleted() || !c.ParentIs(parent) {
		t.Fatalf("restored child = %+v, want live under %s", c, parent)
	}

	if err := f.engine.Disconnect(ctx, id, schema.Connection{Source: parent, Target: child}.Key()); err != nil {
		t.Fatalf("Disconnect() failed: %v", err)
	}
	eventually(t, "remote catches up", func() bool {
		rp, err := f.remote.Get(ctx, id)
		return err == nil && f.settled(id) && len(rp.Connections) == 0 && !rp.Task(child).IsDeleted()
	})
}

// TestOfflineQueueThenReconnect tests that edits made offline wait in the
// queue and are delivered by Reconnect.
func TestOfflineQueueThenReconnect(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	ctx := context.Background()
	id := f.createProject(t, "Offline")

	f.engine.SetOnline(false)
	if err := f.engine.Mutate(ctx, id, "rename", func(p *schema.Project) error {
		p.Name = "Renamed offline"
		return nil
	}); err != nil {
		t.Fatalf("Mutate() failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if f.remoteVersion(id) != 1 {
		t.Fatalf("remote version = %d while offline, want 1", f.remoteVersion(id))
	}
	if f.engine.Queue().Len() != 1 {
		t.Fatalf("Queue().Len() = %d, want 1", f.engine.Queue().Len())
	}

	if _, err := f.engine.Reconnect(ctx); err != nil {
		t.Fatalf("Reconnect() failed: %v", err)
	}
	eventually(t, "offline edit upload", func() bool {
		rp, err := f.remote.Get(ctx, id)
		return err == nil && rp.Name == "Renamed offline"
	})
	if !f.engine.State().Online {
		t.Error("State().Online = false after Reconnect")
	}
}

// TestConflictKeepsLocalUntilResolved tests that a stale save records a
// conflict without dropping local edits, and that resolving clears it.
func TestConflictKeepsLocalUntilResolved(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	ctx := context.Background()
	id := f.createProject(t, "Shared")

	rp, err := f.remote.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	rp.Name = "Edited elsewhere"
	rp.Version = 2
	if _, err := f.remote.Put(ctx, rp, 1); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	if err := f.engine.Mutate(ctx, id, "rename", func(p *schema.Project) error {
		p.Name = "Edited here"
		return nil
	}); err != nil {
		t.Fatalf("Mutate() failed: %v", err)
	}
	eventually(t, "conflict", func() bool { return f.engine.State().HasConflict })

	st := f.engine.State()
	if st.Conflict == nil || st.Conflict.ProjectID != id || st.Conflict.Remote.Name != "Edited elsewhere" {
		t.Fatalf("State().Conflict = %+v", st.Conflict)
	}
	if p, _ := f.engine.Project(id); p.Name != "Edited here" {
		t.Errorf("local name = %q, want local edit kept", p.Name)
	}
	if !f.notices.has("warning:") {
		t.Error("conflict should raise a warning notice")
	}

	res, err := f.engine.ResolveConflict(ctx, id, conflict.StrategyLocal)
	if err != nil {
		t.Fatalf("ResolveConflict() failed: %v", err)
	}
	if res.Project.Version != 3 || res.Project.Name != "Edited here" {
		t.Errorf("resolved project = v%d %q", res.Project.Version, res.Project.Name)
	}
	if f.engine.State().HasConflict {
		t.Error("State().HasConflict = true after resolve")
	}
	if p, _ := f.engine.Project(id); p.Version != 3 {
		t.Errorf("local version = %d, want 3", p.Version)
	}
	if _, err := f.engine.ResolveConflict(ctx, id, conflict.StrategyLocal); !errors.Is(err, conflict.ErrNoConflict) {
		t.Errorf("second ResolveConflict() error = %v, want ErrNoConflict", err)
	}
}

// TestRemoteChangeWaitsForConflictResolution tests that realtime updates
// for a conflicted project leave the local edits alone.
func TestRemoteChangeWaitsForConflictResolution(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	ctx := context.Background()
	id := f.createProject(t, "Shared")

	rp, err := f.remote.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	rp.Name = "Edited elsewhere"
	rp.Version = 2
	if _, err := f.remote.Put(ctx, rp, 1); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if err := f.engine.Mutate(ctx, id, "rename", func(p *schema.Project) error {
		p.Name = "Edited here"
		return nil
	}); err != nil {
		t.Fatalf("Mutate() failed: %v", err)
	}
	eventually(t, "conflict", func() bool { return f.engine.State().HasConflict })

	f.engine.handleRemoteChanges(ctx, []string{id})
	if p, _ := f.engine.Project(id); p.Name != "Edited here" {
		t.Fatalf("local name = %q after remote change, want local edit kept", p.Name)
	}
	if !f.engine.State().HasConflict {
		t.Fatal("State().HasConflict = false, want conflict still pending")
	}

	if _, err := f.engine.ResolveConflict(ctx, id, conflict.StrategyRemote); err != nil {
		t.Fatalf("ResolveConflict() failed: %v", err)
	}
	if p, _ := f.engine.Project(id); p.Name != "Edited elsewhere" {
		t.Errorf("local name = %q after adopting remote", p.Name)
	}
}

type rejectingStore struct {
	*remote.MemoryStore
}

func (s rejectingStore) Put(context.Context, schema.Project, int64) (schema.Project, error) {
	return schema.Project{}, &remote.HTTPError{StatusCode: 400, Code: "invalid", Message: "rejected"}
}

// TestPermanentFailureRollsBack tests that a rejected write dead-letters
// the action and undoes the optimistic change.
func TestPermanentFailureRollsBack(t *testing.T) {
	f := newFixture(t, rejectingStore{remote.NewMemoryStore()})
	f.start(t)

	id, err := f.engine.CreateProject(context.Background(), "Doomed")
	if err != nil {
		t.Fatalf("CreateProject() failed: %v", err)
	}
	eventually(t, "rollback", func() bool {
		_, ok := f.engine.Project(id)
		return !ok
	})
	eventually(t, "dead letter", func() bool { return len(f.engine.Queue().DeadLetters()) == 1 })
	if !f.notices.has("error:") {
		t.Error("rollback should raise an error notice")
	}
	if st := f.engine.State(); !strings.Contains(st.LastError, "rejected") {
		t.Errorf("State().LastError = %q", st.LastError)
	}
}

// TestRemoteChangeKeepsTombstone tests that a remote copy older than a local
// deletion does not resurrect the task.
func TestRemoteChangeKeepsTombstone(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	ctx := context.Background()
	id := f.createProject(t, "Tombstones")

	tempID, err := f.engine.CreateTask(ctx, id, schema.Task{Title: "Gone"})
	if err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}
	eventually(t, "task upload", func() bool { return f.settled(id) && f.remoteVersion(id) >= 2 })
	taskID := f.engine.resolveID(tempID)
	stale, err := f.remote.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}

	if err := f.engine.DeleteTask(ctx, id, taskID); err != nil {
		t.Fatalf("DeleteTask() failed: %v", err)
	}
	eventually(t, "delete upload", func() bool {
		rp, err := f.remote.Get(ctx, id)
		return err == nil && f.settled(id) && rp.Task(taskID).IsDeleted()
	})

	// another device writes its stale copy with the task still live
	head := f.remoteVersion(id)
	stale.Version = head + 1
	stale.Name = "Renamed elsewhere"
	if _, err := f.remote.Put(ctx, stale, head); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	f.engine.handleRemoteChanges(ctx, []string{id})

	p, _ := f.engine.Project(id)
	if p.Name != "Renamed elsewhere" {
		t.Errorf("local name = %q, want remote change applied", p.Name)
	}
	if task := p.Task(taskID); task == nil || !task.IsDeleted() {
		t.Fatalf("task = %+v, want tombstone kept", task)
	}
	eventually(t, "tombstone re-upload", func() bool {
		rp, err := f.remote.Get(ctx, id)
		return err == nil && rp.Version > stale.Version && rp.Task(taskID).IsDeleted()
	})
	if !f.notices.has("info:") {
		t.Error("remote change should raise an info notice")
	}
}

func TestStartRestoresLiveProjects(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	now := time.Now()

	live := schema.Project{ID: "live", Name: "Live", Version: 4, UpdatedAt: now, Tasks: []schema.Task{}, Connections: []schema.Connection{}}
	dead := schema.Project{ID: "dead", Name: "Dead", Version: 2, UpdatedAt: now, DeletedAt: &now, Tasks: []schema.Task{}, Connections: []schema.Connection{}}
	for _, p := range []schema.Project{live, dead} {
		if err := f.cache.SaveProject(ctx, p); err != nil {
			t.Fatalf("SaveProject() failed: %v", err)
		}
	}
	f.start(t)

	projects := f.engine.Projects()
	if len(projects) != 1 || projects[0].ID != "live" {
		t.Fatalf("Projects() = %+v, want only live", projects)
	}
	if f.engine.ActiveProject() != "live" {
		t.Errorf("ActiveProject() = %q, want live", f.engine.ActiveProject())
	}
	if err := f.engine.SetActiveProject("dead"); !errors.Is(err, ErrProjectNotFound) {
		t.Errorf("SetActiveProject(dead) error = %v, want ErrProjectNotFound", err)
	}
}

func TestImportProject(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	ctx := context.Background()
	id := f.createProject(t, "Imported")

	p, _ := f.engine.Project(id)
	if changed, err := f.engine.ImportProject(ctx, p); err != nil || changed {
		t.Fatalf("ImportProject(same) = %v, %v; want no change", changed, err)
	}

	p.Name = "From file"
	p.UpdatedAt = p.UpdatedAt.Add(time.Second)
	p.Version = 99
	changed, err := f.engine.ImportProject(ctx, p)
	if err != nil || !changed {
		t.Fatalf("ImportProject() = %v, %v", changed, err)
	}
	eventually(t, "import upload", func() bool {
		rp, err := f.remote.Get(ctx, id)
		return err == nil && rp.Name == "From file" && rp.Version == 2
	})
}

func TestStateTransitions(t *testing.T) {
	f := newFixture(t, nil)

	f.engine.SetSessionExpired(true)
	f.engine.SetSessionExpired(true)
	st := f.engine.State()
	if !st.SessionExpired || !strings.Contains(st.String(), "session expired") {
		t.Errorf("State() = %s", st)
	}
	f.notices.mu.Lock()
	n := len(f.notices.list)
	f.notices.mu.Unlock()
	if n != 1 {
		t.Errorf("got %d notices, want 1 for repeated expiry", n)
	}

	f.engine.setConflicts([]conflict.Record{{ProjectID: "a"}, {ProjectID: "b"}})
	st = f.engine.State()
	st.Conflict.ProjectID = "changed"
	if again := f.engine.State(); again.Conflict.ProjectID != "a" || again.PendingConflicts != 2 {
		t.Errorf("State() = %+v, want copy with conflict a", again)
	}
}

func TestMutateUnknownProject(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	err := f.engine.Mutate(context.Background(), "nope", "edit", func(*schema.Project) error { return nil })
	if !errors.Is(err, ErrProjectNotFound) {
		t.Errorf("Mutate() error = %v, want ErrProjectNotFound", err)
	}
	if n := f.engine.opt.PendingSnapshots(); n != 0 {
		t.Errorf("PendingSnapshots() = %d, want 0", n)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	if err := f.engine.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := f.engine.Close(); err != nil {
		t.Fatalf("second Close() failed: %v", err)
	}
}

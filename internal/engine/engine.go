// Package engine wires the sync components into one local-first engine.
//
// A mutation is applied to the in-memory projects right away (under an
// optimistic snapshot), queued for delivery and persisted to the local
// cache after a debounce. Queue processors push projects through the
// coordinator, which serializes saves per project, into the conflict
// resolver, which refuses to overwrite remote changes it has not seen.
// Remote change notifications come in through the realtime adapter and are
// only applied while the coordinator's gate is open.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tasksync/tasksync/internal/cache"
	"github.com/tasksync/tasksync/internal/conflict"
	"github.com/tasksync/tasksync/internal/coordinator"
	"github.com/tasksync/tasksync/internal/optimistic"
	"github.com/tasksync/tasksync/internal/queue"
	"github.com/tasksync/tasksync/internal/realtime"
	"github.com/tasksync/tasksync/internal/remote"
	"github.com/tasksync/tasksync/internal/schema"
	"github.com/tasksync/tasksync/internal/tree"
)

var (
	// ErrProjectNotFound is returned for mutations of unknown projects.
	ErrProjectNotFound = errors.New("project not found")

	// ErrTaskNotFound is returned for mutations of unknown or deleted tasks.
	ErrTaskNotFound = errors.New("task not found")
)

// Deps are the external collaborators of an engine.
type Deps struct {
	// Cache is the local persistence store. Required.
	Cache *cache.Store

	// Remote is the authoritative store. Required.
	Remote remote.Store

	// Feed delivers remote change notifications. Optional; without a feed
	// the engine considers itself online from Start.
	Feed realtime.Feed

	// Notifier shows notices to the user (default: LogNotifier).
	Notifier Notifier
}

// Config holds configuration for the engine and its components.
type Config struct {
	Queue       *queue.Config
	Optimistic  *optimistic.Config
	Conflict    *conflict.Config
	Coordinator *coordinator.Config
	Realtime    *realtime.Config

	// Scope limits the realtime subscription to one project ("" = all).
	Scope string

	// CloseTimeout bounds the final persist in Close.
	CloseTimeout time.Duration

	// Logger for engine activity
	Logger *log.Logger

	// Now returns the current time (default time.Now)
	Now func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Queue:        queue.DefaultConfig(),
		Optimistic:   optimistic.DefaultConfig(),
		Conflict:     conflict.DefaultConfig(),
		Coordinator:  coordinator.DefaultConfig(),
		Realtime:     realtime.DefaultConfig(),
		CloseTimeout: 5 * time.Second,
		Logger:       log.New(os.Stderr, "[engine] ", log.LstdFlags),
		Now:          time.Now,
	}
}

// Engine is the local-first sync engine.
type Engine struct {
	config    *Config
	cache     *cache.Store
	remote    remote.Store
	notifier  Notifier
	validator *tree.Validator

	holder   *optimistic.MemoryHolder
	opt      *optimistic.Manager
	queue    *queue.Queue
	resolver *conflict.Resolver
	coord    *coordinator.Coordinator
	adapter  *realtime.Adapter

	state atomic.Pointer[SyncState]

	// mu serializes read-modify-write of the holder and guards the
	// bookkeeping maps below.
	mu sync.Mutex
	// gen counts local changes per project; synced is the last generation
	// the remote accepted (or that was settled otherwise).
	gen         map[string]uint64
	synced      map[string]uint64
	unpersisted map[string]bool
	snaps       map[string][]snapRef

	unregister []func()
	closeOnce  sync.Once
}

type snapRef struct {
	id  string
	gen uint64
}

// actionPayload is stored with every queued action.
type actionPayload struct {
	ProjectID string `json:"project_id"`
	Label     string `json:"label,omitempty"`
}

// New builds an engine and its components. The queue is loaded from the
// cache; nothing is delivered until Start.
func New(ctx context.Context, deps Deps, config *Config) (*Engine, error) {
	if deps.Cache == nil {
		return nil, fmt.Errorf("cache cannot be nil")
	}
	if deps.Remote == nil {
		return nil, fmt.Errorf("remote store cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	def := DefaultConfig()
	if config.Logger == nil {
		config.Logger = def.Logger
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.CloseTimeout <= 0 {
		config.CloseTimeout = def.CloseTimeout
	}
	if config.Queue == nil {
		config.Queue = def.Queue
	}
	if config.Optimistic == nil {
		config.Optimistic = def.Optimistic
	}
	if config.Conflict == nil {
		config.Conflict = def.Conflict
	}
	if config.Coordinator == nil {
		config.Coordinator = def.Coordinator
	}
	if config.Realtime == nil {
		config.Realtime = def.Realtime
	}

	e := &Engine{
		config:      config,
		cache:       deps.Cache,
		remote:      deps.Remote,
		notifier:    deps.Notifier,
		validator:   tree.New(),
		holder:      optimistic.NewMemoryHolder(nil),
		gen:         make(map[string]uint64),
		synced:      make(map[string]uint64),
		unpersisted: make(map[string]bool),
		snaps:       make(map[string][]snapRef),
	}
	if e.notifier == nil {
		e.notifier = LogNotifier{Logger: config.Logger}
	}
	e.state.Store(&SyncState{})

	e.wireCallbacks()

	var err error
	if e.opt, err = optimistic.NewWithConfig(e.holder, config.Optimistic); err != nil {
		return nil, fmt.Errorf("failed to create optimistic manager: %w", err)
	}
	if e.resolver, err = conflict.New(deps.Remote, conflict.NewCacheStore(deps.Cache), config.Conflict); err != nil {
		_ = e.opt.Close()
		return nil, fmt.Errorf("failed to create conflict resolver: %w", err)
	}
	if e.coord, err = coordinator.NewWithConfig(config.Coordinator); err != nil {
		_ = e.opt.Close()
		return nil, fmt.Errorf("failed to create coordinator: %w", err)
	}
	if e.queue, err = queue.Open(ctx, deps.Cache, config.Queue); err != nil {
		_ = e.coord.Close()
		_ = e.opt.Close()
		return nil, fmt.Errorf("failed to open queue: %w", err)
	}
	if deps.Feed != nil {
		e.adapter = realtime.NewAdapter(deps.Feed, e.coord.CanApplyRemoteUpdate, config.Realtime)
	}

	e.registerProcessors()
	return e, nil
}

// wireCallbacks routes component notices to the notifier, keeping any
// callbacks the caller set.
func (e *Engine) wireCallbacks() {
	qc := e.config.Queue
	prevAlert, prevDead := qc.OnCriticalAlert, qc.OnDeadLetter
	qc.OnCriticalAlert = func(n int) {
		e.notify(LevelError, "%d critical changes could not be synced; check the dead-letter list", n)
		if prevAlert != nil {
			prevAlert(n)
		}
	}
	qc.OnDeadLetter = func(dl queue.DeadLetter) {
		e.onDeadLetter(dl)
		if prevDead != nil {
			prevDead(dl)
		}
	}

	oc := e.config.Optimistic
	prevRollback := oc.OnRollback
	oc.OnRollback = func(label string) {
		e.notify(LevelWarning, "Undid %q because it could not be saved", label)
		if prevRollback != nil {
			prevRollback(label)
		}
	}

	cc := e.config.Coordinator
	prevPersist := cc.OnPersistFailed
	cc.OnPersistFailed = func(err error) {
		e.notify(LevelError, "Could not save changes locally: %v", err)
		if prevPersist != nil {
			prevPersist(err)
		}
	}

	rc := e.config.Realtime
	prevStatus := rc.OnStatus
	rc.OnStatus = func(connected bool) {
		e.SetOnline(connected)
		if prevStatus != nil {
			prevStatus(connected)
		}
	}
}

func (e *Engine) registerProcessors() {
	deliver := func(ctx context.Context, a queue.Action) error {
		pl, err := decodePayload(a)
		if err != nil {
			return err
		}
		return e.syncProject(ctx, pl.ProjectID)
	}
	for _, key := range []string{
		queue.ProcessorKey(queue.EntityProject, queue.ActionCreate),
		queue.ProcessorKey(queue.EntityProject, queue.ActionUpdate),
		queue.ProcessorKey(queue.EntityProject, queue.ActionDelete),
		queue.ProcessorKey(queue.EntityTask, queue.ActionUpdate),
		queue.ProcessorKey(queue.EntityTask, queue.ActionDelete),
		queue.ProcessorKey(queue.EntityConnection, queue.ActionCreate),
		queue.ProcessorKey(queue.EntityConnection, queue.ActionDelete),
	} {
		e.unregister = append(e.unregister, e.queue.RegisterProcessor(key, deliver))
	}
	e.unregister = append(e.unregister, e.queue.RegisterProcessor(
		queue.ProcessorKey(queue.EntityTask, queue.ActionCreate), e.processTaskCreate))
}

func decodePayload(a queue.Action) (actionPayload, error) {
	var pl actionPayload
	if err := json.Unmarshal(a.Payload, &pl); err != nil {
		return pl, queue.Permanent(fmt.Errorf("invalid input: action %s payload: %w", a.ID, err))
	}
	if pl.ProjectID == "" {
		pl.ProjectID = a.EntityID
	}
	return pl, nil
}

// Start restores live projects from the cache, publishes pending conflicts
// and starts realtime delivery. The holder keeps tombstoned tasks so merges
// and remote updates can still see local deletions; WorkingSet filters them.
func (e *Engine) Start(ctx context.Context) error {
	stored, err := e.cache.LoadProjects(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore projects: %w", err)
	}
	live := make([]schema.Project, 0, len(stored))
	for _, p := range stored {
		if !p.IsDeleted() {
			live = append(live, p)
		}
	}

	e.mu.Lock()
	e.holder.ReplaceAll(live)
	if e.holder.GetActiveID() == "" && len(live) > 0 {
		e.holder.SetActiveID(live[0].ID)
	}
	e.mu.Unlock()
	e.config.Logger.Printf("Restored %d projects", len(live))

	e.refreshConflicts(ctx)

	if e.adapter != nil {
		e.adapter.SetHandler(e.handleRemoteChanges)
		e.adapter.Start(e.config.Scope)
	} else {
		e.SetOnline(true)
	}
	return nil
}

// Close stops every component, flushing pending local writes first. Safe
// to call multiple times.
func (e *Engine) Close() error {
	var errs []error
	e.closeOnce.Do(func() {
		if e.adapter != nil {
			errs = append(errs, e.adapter.Close())
		}

		ctx, cancel := context.WithTimeout(context.Background(), e.config.CloseTimeout)
		defer cancel()
		if err := e.coord.FlushPersist(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to persist on close: %w", err))
		}
		errs = append(errs, e.coord.Close())

		for _, fn := range e.unregister {
			fn()
		}
		errs = append(errs, e.queue.Close(), e.opt.Close())
		if err := e.cache.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to flush cache: %w", err))
		}
	})
	return errors.Join(errs...)
}

// Projects returns copies of the in-memory projects, tombstoned tasks
// included.
func (e *Engine) Projects() []schema.Project {
	return e.holder.GetAll()
}

// WorkingSet returns the projects as shown to the user: deleted projects,
// tombstoned tasks and their connections are left out.
func (e *Engine) WorkingSet() []schema.Project {
	projects := e.holder.GetAll()
	out := make([]schema.Project, 0, len(projects))
	for _, p := range projects {
		if !p.IsDeleted() {
			out = append(out, p.WorkingCopy())
		}
	}
	return out
}

// Project returns a copy of one in-memory project.
func (e *Engine) Project(id string) (schema.Project, bool) {
	return e.holder.Project(id)
}

// ActiveProject returns the id of the project the user is looking at.
func (e *Engine) ActiveProject() string {
	return e.holder.GetActiveID()
}

// SetActiveProject changes the active project.
func (e *Engine) SetActiveProject(id string) error {
	if _, ok := e.holder.Project(id); !ok {
		return fmt.Errorf("%w: %s", ErrProjectNotFound, id)
	}
	e.holder.SetActiveID(id)
	return nil
}

// Queue exposes the retry queue for inspection.
func (e *Engine) Queue() *queue.Queue {
	return e.queue
}

// Resolver exposes the conflict resolver for inspection.
func (e *Engine) Resolver() *conflict.Resolver {
	return e.resolver
}

// ResolveTempID maps a temporary id handed out by CreateTask to its
// permanent id once the remote accepted the task.
func (e *Engine) ResolveTempID(id string) (string, bool) {
	return e.opt.ResolveTempID(id)
}

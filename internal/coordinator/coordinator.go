// Package coordinator decides when local and remote changes may flow.
//
// It tracks whether the user is editing and whether local changes are
// still waiting to be persisted, debounces persistence with retry, and
// serializes remote saves per project so that at most one is in flight and
// later payloads coalesce to the newest.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/tasksync/tasksync/internal/schedule"
	"github.com/tasksync/tasksync/internal/schema"
)

// ErrClosed is returned by Save after Close.
var ErrClosed = errors.New("coordinator: closed")

// PersistFunc writes pending local state.
type PersistFunc func(ctx context.Context) error

// SendFunc delivers one project payload to the remote.
type SendFunc func(ctx context.Context, p schema.Project) error

// Config holds configuration for the coordinator.
type Config struct {
	// EditingIdle clears the editing flag after this much inactivity.
	EditingIdle time.Duration

	// QuietPeriod is how long after a successful persist remote updates
	// stay blocked.
	QuietPeriod time.Duration

	// PersistDebounce batches rapid SchedulePersist calls.
	PersistDebounce time.Duration

	// PersistBaseDelay and PersistMaxDelay bound the retry backoff of a
	// failed persist.
	PersistBaseDelay time.Duration
	PersistMaxDelay  time.Duration

	// MaxPersistAttempts is how many failed persists in a row are retried
	// before OnPersistFailed is called.
	MaxPersistAttempts int

	// OnPersistFailed is told when persistence gives up.
	OnPersistFailed func(err error)

	// Logger for coordinator activity
	Logger *log.Logger

	// Now returns the current time (default time.Now)
	Now func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		EditingIdle:        2 * time.Second,
		QuietPeriod:        time.Second,
		PersistDebounce:    500 * time.Millisecond,
		PersistBaseDelay:   time.Second,
		PersistMaxDelay:    30 * time.Second,
		MaxPersistAttempts: 5,
		Logger:             log.New(os.Stderr, "[coordinator] ", log.LstdFlags),
		Now:                time.Now,
	}
}

// Coordinator gates remote updates and serializes saves.
type Coordinator struct {
	config *Config
	sched  *schedule.Scheduler

	// persistMu serializes runs of the persist func.
	persistMu sync.Mutex

	mu           sync.Mutex
	editing      bool
	pendingLocal bool
	lastPersist  time.Time
	persistFn    PersistFunc
	persistGen   uint64
	attempts     int
	saves        map[string]*saveSlot
	closed       bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type saveSlot struct {
	next *pendingSave
}

type pendingSave struct {
	payload schema.Project
	send    SendFunc
	waiters []chan error
}

// New creates a coordinator with default configuration.
func New() *Coordinator {
	c, _ := NewWithConfig(DefaultConfig())
	return c
}

// NewWithConfig creates a coordinator with custom configuration.
func NewWithConfig(config *Config) (*Coordinator, error) {
	if config == nil {
		config = DefaultConfig()
	}
	def := DefaultConfig()
	if config.MaxPersistAttempts <= 0 {
		return nil, fmt.Errorf("max persist attempts must be positive (got %d)", config.MaxPersistAttempts)
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.PersistBaseDelay <= 0 {
		config.PersistBaseDelay = def.PersistBaseDelay
	}
	if config.PersistMaxDelay <= 0 {
		config.PersistMaxDelay = def.PersistMaxDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		config: config,
		sched:  schedule.New(),
		saves:  make(map[string]*saveSlot),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// MarkEditing records user activity. Local changes count as pending until
// the next successful persist; the editing flag clears after EditingIdle.
func (c *Coordinator) MarkEditing() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.editing = true
	c.pendingLocal = true
	c.mu.Unlock()

	c.sched.Schedule("editing", c.config.EditingIdle, func() {
		c.mu.Lock()
		c.editing = false
		c.mu.Unlock()
	})
}

// Editing reports whether the user is currently editing.
func (c *Coordinator) Editing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.editing
}

// PendingLocal reports whether local changes are waiting to be persisted.
func (c *Coordinator) PendingLocal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLocal
}

// CanApplyRemoteUpdate reports whether remote changes may be applied now:
// nobody is editing, nothing local is pending and the last persist is at
// least QuietPeriod old.
func (c *Coordinator) CanApplyRemoteUpdate() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.editing || c.pendingLocal {
		return false
	}
	return c.lastPersist.IsZero() || c.config.Now().Sub(c.lastPersist) >= c.config.QuietPeriod
}

// SchedulePersist arranges for fn to run after PersistDebounce, replacing
// any persist that has not started yet. Failures are retried with
// exponential backoff; after MaxPersistAttempts the user is notified and
// the attempt counter resets. PendingLocal stays set until a persist
// succeeds.
func (c *Coordinator) SchedulePersist(fn PersistFunc) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.persistFn = fn
	c.persistGen++
	c.pendingLocal = true
	c.attempts = 0
	c.mu.Unlock()

	c.sched.Schedule("persist", c.config.PersistDebounce, c.runPersist)
}

// FlushPersist runs a scheduled persist immediately. A persist that is
// already running is waited for and not repeated when it succeeded.
func (c *Coordinator) FlushPersist(ctx context.Context) error {
	c.sched.Cancel("persist")
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.mu.Lock()
	fn, gen := c.persistFn, c.persistGen
	c.mu.Unlock()
	if fn == nil {
		return nil
	}
	err := fn(ctx)
	c.finishPersist(gen, err)
	return err
}

func (c *Coordinator) runPersist() {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.mu.Lock()
	if c.closed || c.persistFn == nil {
		c.mu.Unlock()
		return
	}
	fn, gen := c.persistFn, c.persistGen
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()

	c.finishPersist(gen, fn(c.ctx))
}

func (c *Coordinator) finishPersist(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.persistGen {
		// Superseded by a newer SchedulePersist while running.
		c.mu.Unlock()
		return
	}

	if err == nil {
		c.persistFn = nil
		c.pendingLocal = false
		c.attempts = 0
		c.lastPersist = c.config.Now()
		c.mu.Unlock()
		return
	}

	c.attempts++
	if c.attempts >= c.config.MaxPersistAttempts {
		attempts := c.attempts
		c.attempts = 0
		c.persistFn = nil
		c.mu.Unlock()

		c.config.Logger.Printf("Giving up on persist after %d attempts: %v", attempts, err)
		if c.config.OnPersistFailed != nil {
			c.config.OnPersistFailed(err)
		}
		return
	}
	delay := schedule.Backoff(c.config.PersistBaseDelay, c.config.PersistMaxDelay, c.attempts-1)
	attempt := c.attempts
	c.mu.Unlock()

	c.config.Logger.Printf("Persist failed (attempt %d), retrying in %s: %v", attempt, delay, err)
	c.sched.Schedule("persist", delay, c.runPersist)
}

// Save sends payload for projectID with at most one send in flight per
// project. While a send runs, further payloads for the same project replace
// each other and only the newest is sent once it finishes; every caller
// whose payload was replaced gets the result of that newest send.
func (c *Coordinator) Save(ctx context.Context, projectID string, payload schema.Project, send SendFunc) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if slot, ok := c.saves[projectID]; ok {
		done := make(chan error, 1)
		if slot.next == nil {
			slot.next = &pendingSave{}
		}
		slot.next.payload = payload
		slot.next.send = send
		slot.next.waiters = append(slot.next.waiters, done)
		c.mu.Unlock()

		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.saves[projectID] = &saveSlot{}
	c.wg.Add(1)
	c.mu.Unlock()

	err := send(ctx, payload)

	go func() {
		defer c.wg.Done()
		c.drain(projectID)
	}()
	return err
}

// drain sends coalesced payloads until none are left, then frees the slot.
func (c *Coordinator) drain(projectID string) {
	for {
		c.mu.Lock()
		slot := c.saves[projectID]
		if slot.next == nil {
			delete(c.saves, projectID)
			c.mu.Unlock()
			return
		}
		next := slot.next
		slot.next = nil
		c.mu.Unlock()

		err := next.send(c.ctx, next.payload)
		for _, w := range next.waiters {
			w <- err
		}
	}
}

// InFlight reports whether a save for projectID is running.
func (c *Coordinator) InFlight(projectID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.saves[projectID]
	return ok
}

// Close cancels timers and waits for running work. Coalesced saves that
// have not started fail with context.Canceled. Safe to call multiple times.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.sched.Close()
	c.cancel()
	c.wg.Wait()
	return nil
}

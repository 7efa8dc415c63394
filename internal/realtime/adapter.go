package realtime

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/tasksync/tasksync/internal/schedule"
)

// Handler receives the ids of entities that changed remotely, in the order
// they were first seen. It must re-fetch each entity itself.
type Handler func(ctx context.Context, entityIDs []string)

// Config holds configuration for the adapter.
type Config struct {
	// EventDebounce coalesces bursts of events per entity.
	EventDebounce time.Duration

	// GateRetry is how long a flush waits before asking the gate again.
	GateRetry time.Duration

	// Reconnect backoff: BaseDelay * 2^attempt, capped at MaxDelay, for at
	// most MaxAttempts attempts in a row.
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int

	// OnStatus is told when the subscription comes up or goes down.
	OnStatus func(connected bool)

	// Logger for adapter activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		EventDebounce: 300 * time.Millisecond,
		GateRetry:     500 * time.Millisecond,
		BaseDelay:     time.Second,
		MaxDelay:      30 * time.Second,
		MaxAttempts:   10,
		Logger:        log.New(os.Stderr, "[realtime] ", log.LstdFlags),
	}
}

// Adapter turns a Feed into debounced, gated handler calls.
//
// There is a single handler slot: SetHandler replaces the previous handler.
type Adapter struct {
	feed   Feed
	gate   func() bool
	config *Config
	sched  *schedule.Scheduler

	mu        sync.Mutex
	handler   Handler
	scope     string
	pending   map[string]ChangeEvent
	order     []string
	sub       Subscription
	attempts  int
	started   bool
	connected bool
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAdapter creates an adapter. gate may be nil, meaning events are always
// applied.
func NewAdapter(f Feed, gate func() bool, config *Config) *Adapter {
	if config == nil {
		config = DefaultConfig()
	}
	def := DefaultConfig()
	if config.Logger == nil {
		config.Logger = def.Logger
	}
	if config.GateRetry <= 0 {
		config.GateRetry = def.GateRetry
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = def.BaseDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = def.MaxDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		feed:    f,
		gate:    gate,
		config:  config,
		sched:   schedule.New(),
		pending: make(map[string]ChangeEvent),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetHandler installs h, replacing any previous handler.
func (a *Adapter) SetHandler(h Handler) {
	a.mu.Lock()
	a.handler = h
	a.mu.Unlock()
}

// Start subscribes with the given scope. A failed first attempt is retried
// in the background like any later connection loss.
func (a *Adapter) Start(scope string) {
	a.mu.Lock()
	if a.closed || a.started {
		a.mu.Unlock()
		return
	}
	a.started = true
	a.scope = scope
	a.mu.Unlock()

	a.connect()
}

// Reconnect resets the attempt counter and subscribes again now, dropping
// the current subscription if any.
func (a *Adapter) Reconnect() {
	a.mu.Lock()
	if a.closed || !a.started {
		a.mu.Unlock()
		return
	}
	a.attempts = 0
	sub := a.sub
	a.sub = nil
	a.mu.Unlock()

	a.sched.Cancel("reconnect")
	if sub != nil {
		sub.Close()
	}
	a.connect()
}

// Connected reports whether a subscription is live.
func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Attempts returns the number of failed reconnect attempts in a row.
func (a *Adapter) Attempts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attempts
}

func (a *Adapter) connect() {
	a.mu.Lock()
	scope := a.scope
	a.mu.Unlock()

	sub, err := a.feed.Subscribe(a.ctx, scope)

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		if sub != nil {
			sub.Close()
		}
		return
	}
	if err != nil {
		a.mu.Unlock()
		a.config.Logger.Printf("Subscribe failed: %v", err)
		a.scheduleReconnect()
		return
	}
	old := a.sub
	a.sub = sub
	a.attempts = 0
	a.connected = true
	a.wg.Add(1)
	a.mu.Unlock()

	if old != nil {
		old.Close()
	}
	a.setStatus(true)
	go a.consume(sub)
}

func (a *Adapter) consume(sub Subscription) {
	defer a.wg.Done()

	for {
		select {
		case ev := <-sub.Events():
			a.receive(ev)
		case <-sub.Done():
			a.drainEvents(sub)
			a.lost(sub)
			return
		case <-a.ctx.Done():
			return
		}
	}
}

func (a *Adapter) drainEvents(sub Subscription) {
	for {
		select {
		case ev := <-sub.Events():
			a.receive(ev)
		default:
			return
		}
	}
}

// lost handles the end of a subscription that was not closed by us.
func (a *Adapter) lost(sub Subscription) {
	a.mu.Lock()
	if a.closed || a.sub != sub {
		a.mu.Unlock()
		return
	}
	a.sub = nil
	a.connected = false
	a.mu.Unlock()

	a.config.Logger.Printf("Subscription lost: %v", sub.Err())
	a.setStatus(false)
	a.scheduleReconnect()
}

func (a *Adapter) scheduleReconnect() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.attempts++
	attempt := a.attempts
	a.mu.Unlock()

	if attempt > a.config.MaxAttempts {
		a.config.Logger.Printf("Giving up on realtime after %d attempts", attempt-1)
		return
	}
	delay := schedule.Backoff(a.config.BaseDelay, a.config.MaxDelay, attempt-1)
	a.config.Logger.Printf("Reconnecting in %s (attempt %d/%d)", delay, attempt, a.config.MaxAttempts)
	a.sched.Schedule("reconnect", delay, a.connect)
}

func (a *Adapter) receive(ev ChangeEvent) {
	if ev.EntityID == "" {
		return
	}
	if len(ev.RawPayload) > 0 {
		a.config.Logger.Printf("Remote %s of %s: %s", ev.EventType, ev.EntityID, ev.RawPayload)
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	if _, seen := a.pending[ev.EntityID]; !seen {
		a.order = append(a.order, ev.EntityID)
	}
	a.pending[ev.EntityID] = ev
	a.mu.Unlock()

	a.sched.Schedule("flush", a.config.EventDebounce, a.flush)
}

// Pending returns the number of entities waiting to be handed over.
func (a *Adapter) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.order)
}

func (a *Adapter) flush() {
	if a.gate != nil && !a.gate() {
		a.sched.Schedule("flush", a.config.GateRetry, a.flush)
		return
	}

	a.mu.Lock()
	if a.closed || len(a.order) == 0 {
		a.mu.Unlock()
		return
	}
	handler := a.handler
	if handler == nil {
		a.mu.Unlock()
		return
	}
	ids := a.order
	a.order = nil
	a.pending = make(map[string]ChangeEvent)
	a.wg.Add(1)
	a.mu.Unlock()
	defer a.wg.Done()

	handler(a.ctx, ids)
}

func (a *Adapter) setStatus(connected bool) {
	if a.config.OnStatus != nil {
		a.config.OnStatus(connected)
	}
}

// Close cancels timers and the subscription. Safe to call multiple times.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	sub := a.sub
	a.sub = nil
	a.connected = false
	a.mu.Unlock()

	a.sched.Close()
	a.cancel()
	if sub != nil {
		sub.Close()
	}
	a.wg.Wait()
	return nil
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tasksync/tasksync/internal/schedule"
)

// Durable keys the queue persists under.
const (
	KeyRetryQueue      = "retry-queue"
	KeyDeadLetterQueue = "dead-letter-queue"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue: closed")

// KV stores the queue's JSON arrays durably. Load returns nil, nil for a
// key that was never saved.
type KV interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
}

// Processor delivers one action. A returned error (or a panic) counts as a
// failed delivery and its message is used for classification.
type Processor func(ctx context.Context, action Action) error

// Config holds configuration for the queue.
type Config struct {
	// MaxRetries is how many retryable failures an action survives; the
	// next failure dead-letters it.
	MaxRetries int

	// BaseRetryDelay is the delay after the first failure; it doubles with
	// every further failure up to MaxRetryDelay.
	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration

	// MaxQueueSize is the hard cap on queued actions.
	MaxQueueSize int

	// MaxLowPriority caps low-priority actions; the oldest are evicted first.
	MaxLowPriority int

	// MaxDeadLetters caps the dead-letter list; the oldest are dropped.
	MaxDeadLetters int

	// DeadLetterTTL is how long a dead letter is kept.
	DeadLetterTTL time.Duration

	// SweepInterval is how often expired dead letters are swept and
	// waiting actions re-checked.
	SweepInterval time.Duration

	// MissingProcessorTimeout is how long an action may wait for a
	// processor to be registered before it is dead-lettered.
	MissingProcessorTimeout time.Duration

	// CriticalAlertThreshold is the number of critical-priority dead letters
	// that raises OnCriticalAlert.
	CriticalAlertThreshold int

	// OnCriticalAlert is called once each time the critical dead-letter
	// count reaches CriticalAlertThreshold.
	OnCriticalAlert func(count int)

	// OnDeadLetter is called for every action a delivery pass gives up on.
	OnDeadLetter func(dl DeadLetter)

	// Logger for queue activity
	Logger *log.Logger

	// Now returns the current time (default time.Now)
	Now func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:              5,
		BaseRetryDelay:          time.Second,
		MaxRetryDelay:           time.Minute,
		MaxQueueSize:            1000,
		MaxLowPriority:          100,
		MaxDeadLetters:          200,
		DeadLetterTTL:           7 * 24 * time.Hour,
		SweepInterval:           time.Hour,
		MissingProcessorTimeout: 5 * time.Minute,
		CriticalAlertThreshold:  3,
		Logger:                  log.New(os.Stderr, "[queue] ", log.LstdFlags),
		Now:                     time.Now,
	}
}

func (c *Config) withDefaults() *Config {
	def := DefaultConfig()
	if c == nil {
		return def
	}
	out := *c
	if out.MaxRetries <= 0 {
		out.MaxRetries = def.MaxRetries
	}
	if out.BaseRetryDelay <= 0 {
		out.BaseRetryDelay = def.BaseRetryDelay
	}
	if out.MaxRetryDelay <= 0 {
		out.MaxRetryDelay = def.MaxRetryDelay
	}
	if out.MaxQueueSize <= 0 {
		out.MaxQueueSize = def.MaxQueueSize
	}
	if out.MaxLowPriority <= 0 {
		out.MaxLowPriority = def.MaxLowPriority
	}
	if out.MaxDeadLetters <= 0 {
		out.MaxDeadLetters = def.MaxDeadLetters
	}
	if out.DeadLetterTTL <= 0 {
		out.DeadLetterTTL = def.DeadLetterTTL
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = def.SweepInterval
	}
	if out.MissingProcessorTimeout <= 0 {
		out.MissingProcessorTimeout = def.MissingProcessorTimeout
	}
	if out.CriticalAlertThreshold <= 0 {
		out.CriticalAlertThreshold = def.CriticalAlertThreshold
	}
	if out.Logger == nil {
		out.Logger = def.Logger
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return &out
}

// Queue is the durable retry queue.
type Queue struct {
	config *Config
	kv     KV
	sched  *schedule.Scheduler

	mu          sync.Mutex
	actions     []Action
	deadLetters []DeadLetter
	processors  map[string]registration
	regSeq      uint64
	online      bool
	processing  bool
	again       bool
	alerted     bool
	closed      bool

	persistMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open loads the persisted queue and dead-letter list from kv, sweeps
// expired dead letters and starts the periodic sweep. The queue starts
// offline; call SetOnline(true) to begin delivery.
func Open(ctx context.Context, kv KV, config *Config) (*Queue, error) {
	if kv == nil {
		return nil, fmt.Errorf("kv cannot be nil")
	}
	config = config.withDefaults()

	qctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		config:     config,
		kv:         kv,
		sched:      schedule.New(),
		processors: make(map[string]registration),
		ctx:        qctx,
		cancel:     cancel,
	}

	if err := q.load(ctx); err != nil {
		cancel()
		return nil, err
	}

	q.scheduleSweep()
	return q, nil
}

func (q *Queue) load(ctx context.Context) error {
	raw, err := q.kv.Load(ctx, KeyRetryQueue)
	if err != nil {
		return fmt.Errorf("failed to load retry queue: %w", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &q.actions); err != nil {
			return fmt.Errorf("failed to parse retry queue: %w", err)
		}
	}

	raw, err = q.kv.Load(ctx, KeyDeadLetterQueue)
	if err != nil {
		return fmt.Errorf("failed to load dead-letter queue: %w", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &q.deadLetters); err != nil {
			return fmt.Errorf("failed to parse dead-letter queue: %w", err)
		}
	}

	q.mu.Lock()
	expired := q.sweepLocked(q.config.Now())
	evicted := q.enforceCapacityLocked()
	q.alerted = q.criticalCountLocked() >= q.config.CriticalAlertThreshold
	q.mu.Unlock()

	if expired > 0 || evicted > 0 {
		q.config.Logger.Printf("Loaded queue: dropped %d expired dead letters, evicted %d actions", expired, evicted)
		return q.persist(ctx)
	}
	return nil
}

// RegisterProcessor installs the processor for key (entityType:actionType),
// replacing any previous one. The returned func unregisters it if it is
// still the installed processor.
func (q *Queue) RegisterProcessor(key string, fn Processor) func() {
	q.mu.Lock()
	q.regSeq++
	token := q.regSeq
	q.processors[key] = registration{fn: fn, token: token}
	online := q.online && len(q.actions) > 0
	q.mu.Unlock()

	if online {
		q.trigger()
	}

	return func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if reg, ok := q.processors[key]; ok && reg.token == token {
			delete(q.processors, key)
		}
	}
}

type registration struct {
	fn    Processor
	token uint64
}

// Enqueue stores an action and, when online, starts a delivery pass.
// Missing ID, Timestamp and Priority are filled in.
func (q *Queue) Enqueue(ctx context.Context, action Action) (Action, error) {
	if action.EntityType == "" {
		return Action{}, fmt.Errorf("entity type is required")
	}
	if action.Type == "" {
		return Action{}, fmt.Errorf("action type is required")
	}
	if action.ID == "" {
		action.ID = uuid.NewString()
	}
	if action.Timestamp.IsZero() {
		action.Timestamp = q.config.Now()
	}
	if action.Priority == "" {
		action.Priority = DefaultPriority(action.EntityType)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return Action{}, ErrClosed
	}
	q.actions = append(q.actions, action)
	if n := q.enforceCapacityLocked(); n > 0 {
		q.config.Logger.Printf("Queue over capacity, evicted %d actions", n)
	}
	online := q.online
	q.mu.Unlock()

	if err := q.persist(ctx); err != nil {
		return action, err
	}
	if online {
		q.trigger()
	}
	return action, nil
}

// SetOnline records connectivity. Going online starts a delivery pass.
func (q *Queue) SetOnline(online bool) {
	q.mu.Lock()
	was := q.online
	q.online = online
	q.mu.Unlock()

	if online && !was {
		q.trigger()
	}
}

// Online reports the last connectivity state given to SetOnline.
func (q *Queue) Online() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

// trigger starts a background delivery pass.
func (q *Queue) trigger() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.wg.Add(1)
	q.mu.Unlock()

	go func() {
		defer q.wg.Done()
		if err := q.ProcessQueue(q.ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrClosed) {
			q.config.Logger.Printf("Error processing queue: %v", err)
		}
	}()
}

// ProcessQueue runs delivery passes over every due action, in queue order,
// until nothing new arrived during the pass. Only one pass runs at a time;
// a call made while a pass is running asks that pass to go round again and
// returns immediately.
func (q *Queue) ProcessQueue(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if q.processing {
		q.again = true
		q.mu.Unlock()
		return nil
	}
	q.processing = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.processing = false
		q.mu.Unlock()
		q.scheduleRetry()
	}()

	for {
		q.mu.Lock()
		q.again = false
		ids := make([]string, 0, len(q.actions))
		for _, a := range q.actions {
			ids = q.dueIDs(ids, a)
		}
		q.mu.Unlock()

		if err := q.pass(ctx, ids); err != nil {
			return err
		}
		if err := q.persist(ctx); err != nil {
			return err
		}

		q.mu.Lock()
		again := q.again && q.online && !q.closed
		q.mu.Unlock()
		if !again {
			return nil
		}
	}
}

func (q *Queue) dueIDs(ids []string, a Action) []string {
	if a.NextAttemptAt != nil && a.NextAttemptAt.After(q.config.Now()) {
		return ids
	}
	return append(ids, a.ID)
}

func (q *Queue) pass(ctx context.Context, ids []string) error {
	var alerts []int
	var dead []DeadLetter
	defer func() {
		for _, n := range alerts {
			q.alert(n)
		}
		if q.config.OnDeadLetter != nil {
			for _, dl := range dead {
				q.config.OnDeadLetter(dl)
			}
		}
	}()

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}

		q.mu.Lock()
		if !q.online || q.closed {
			q.mu.Unlock()
			return nil
		}
		idx := q.indexLocked(id)
		if idx < 0 {
			q.mu.Unlock()
			continue
		}
		action := q.actions[idx]
		proc := q.processors[action.Key()].fn
		if proc == nil {
			if q.config.Now().Sub(action.Timestamp) > q.config.MissingProcessorTimeout {
				reason := fmt.Sprintf("no processor registered for %s", action.Key())
				if n, ok := q.deadLetterLocked(idx, reason); ok {
					alerts = append(alerts, n)
				}
				dead = append(dead, q.deadLetters[len(q.deadLetters)-1])
			}
			q.mu.Unlock()
			continue
		}
		q.mu.Unlock()

		err := invoke(ctx, proc, action)

		q.mu.Lock()
		idx = q.indexLocked(id)
		if idx < 0 {
			q.mu.Unlock()
			continue
		}
		if err == nil {
			q.removeLocked(idx)
			q.mu.Unlock()
			continue
		}
		if n, ok := q.recordFailureLocked(idx, err); ok {
			alerts = append(alerts, n)
		}
		if q.indexLocked(id) < 0 {
			dead = append(dead, q.deadLetters[len(q.deadLetters)-1])
		}
		q.mu.Unlock()
	}
	return nil
}

func invoke(ctx context.Context, proc Processor, action Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return proc(ctx, action)
}

// recordFailureLocked updates the action after a failed delivery and
// dead-letters it when the error is permanent or retries are exhausted.
// Returns the critical dead-letter count when an alert must be raised.
func (q *Queue) recordFailureLocked(idx int, err error) (int, bool) {
	a := &q.actions[idx]
	a.LastError = err.Error()
	a.ErrorType = Classify(err)

	if !IsRetryable(err) {
		q.config.Logger.Printf("Action %s (%s) failed permanently: %v", a.ID, a.Key(), err)
		return q.deadLetterLocked(idx, err.Error())
	}

	a.RetryCount++
	if a.RetryCount > q.config.MaxRetries {
		q.config.Logger.Printf("Action %s (%s) exhausted %d retries: %v", a.ID, a.Key(), q.config.MaxRetries, err)
		return q.deadLetterLocked(idx, fmt.Sprintf("max retries exceeded: %v", err))
	}

	next := q.config.Now().Add(schedule.Backoff(q.config.BaseRetryDelay, q.config.MaxRetryDelay, a.RetryCount-1))
	a.NextAttemptAt = &next
	q.config.Logger.Printf("Action %s (%s) failed (attempt %d), retrying at %s: %v",
		a.ID, a.Key(), a.RetryCount, next.Format(time.RFC3339), err)
	return 0, false
}

// scheduleRetry arms the retry timer for the earliest waiting action.
func (q *Queue) scheduleRetry() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	var earliest *time.Time
	for _, a := range q.actions {
		if a.NextAttemptAt != nil && (earliest == nil || a.NextAttemptAt.Before(*earliest)) {
			earliest = a.NextAttemptAt
		}
	}
	if earliest == nil {
		q.sched.Cancel("retry")
		return
	}
	delay := earliest.Sub(q.config.Now())
	if delay < 0 {
		delay = 0
	}
	q.sched.Schedule("retry", delay, q.trigger)
}

func (q *Queue) indexLocked(id string) int {
	for i := range q.actions {
		if q.actions[i].ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) removeLocked(idx int) Action {
	a := q.actions[idx]
	q.actions = append(q.actions[:idx], q.actions[idx+1:]...)
	return a
}

// deadLetterLocked moves actions[idx] to the dead-letter list.
func (q *Queue) deadLetterLocked(idx int, reason string) (int, bool) {
	a := q.removeLocked(idx)
	a.NextAttemptAt = nil
	q.deadLetters = append(q.deadLetters, DeadLetter{
		Action:   a,
		Reason:   reason,
		FailedAt: q.config.Now(),
	})
	if over := len(q.deadLetters) - q.config.MaxDeadLetters; over > 0 {
		q.deadLetters = append([]DeadLetter(nil), q.deadLetters[over:]...)
	}
	return q.checkAlertLocked()
}

func (q *Queue) criticalCountLocked() int {
	n := 0
	for _, dl := range q.deadLetters {
		if dl.Action.Priority == PriorityCritical {
			n++
		}
	}
	return n
}

// checkAlertLocked re-arms or fires the critical alert. It fires once per
// crossing of the threshold.
func (q *Queue) checkAlertLocked() (int, bool) {
	n := q.criticalCountLocked()
	if n < q.config.CriticalAlertThreshold {
		q.alerted = false
		return 0, false
	}
	if q.alerted {
		return 0, false
	}
	q.alerted = true
	return n, true
}

func (q *Queue) alert(n int) {
	q.config.Logger.Printf("Critical actions failing: %d dead letters need attention", n)
	if q.config.OnCriticalAlert != nil {
		q.config.OnCriticalAlert(n)
	}
}

// enforceCapacityLocked evicts the oldest low-priority actions beyond
// MaxLowPriority, then the oldest actions beyond MaxQueueSize.
func (q *Queue) enforceCapacityLocked() int {
	evicted := 0

	low := 0
	for _, a := range q.actions {
		if a.Priority == PriorityLow {
			low++
		}
	}
	if drop := low - q.config.MaxLowPriority; drop > 0 {
		kept := q.actions[:0]
		for _, a := range q.actions {
			if drop > 0 && a.Priority == PriorityLow {
				drop--
				evicted++
				continue
			}
			kept = append(kept, a)
		}
		q.actions = kept
	}

	if over := len(q.actions) - q.config.MaxQueueSize; over > 0 {
		q.actions = append([]Action(nil), q.actions[over:]...)
		evicted += over
	}
	return evicted
}

// persist writes both lists. Saves are serialized so the last write always
// carries the latest state.
func (q *Queue) persist(ctx context.Context) error {
	q.persistMu.Lock()
	defer q.persistMu.Unlock()

	q.mu.Lock()
	actions, err := json.Marshal(nonNil(q.actions))
	if err != nil {
		q.mu.Unlock()
		return fmt.Errorf("failed to marshal retry queue: %w", err)
	}
	dead, err := json.Marshal(nonNilDead(q.deadLetters))
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to marshal dead-letter queue: %w", err)
	}

	if err := q.kv.Save(ctx, KeyRetryQueue, actions); err != nil {
		return fmt.Errorf("failed to persist retry queue: %w", err)
	}
	if err := q.kv.Save(ctx, KeyDeadLetterQueue, dead); err != nil {
		return fmt.Errorf("failed to persist dead-letter queue: %w", err)
	}
	return nil
}

func nonNil(a []Action) []Action {
	if a == nil {
		return []Action{}
	}
	return a
}

func nonNilDead(d []DeadLetter) []DeadLetter {
	if d == nil {
		return []DeadLetter{}
	}
	return d
}

// Len returns the number of queued actions.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.actions)
}

// Actions returns a copy of the queued actions in delivery order.
func (q *Queue) Actions() []Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Action(nil), q.actions...)
}

// Processing reports whether a delivery pass is running.
func (q *Queue) Processing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processing
}

// Close stops timers, waits for a running pass and persists the final
// state. Safe to call multiple times.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.sched.Close()
	q.cancel()
	q.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return q.persist(ctx)
}

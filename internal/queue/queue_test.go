package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// memKV is an in-memory KV for tests.
type memKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemKV() *memKV {
	return &memKV{data: make(map[string][]byte)}
}

func (m *memKV) Load(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[key], nil
}

func (m *memKV) Save(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), data...)
	return nil
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig(clock *fakeClock) *Config {
	return &Config{
		MaxRetries:              5,
		BaseRetryDelay:          time.Hour,
		MaxRetryDelay:           4 * time.Hour,
		MaxQueueSize:            100,
		MaxLowPriority:          10,
		MaxDeadLetters:          50,
		DeadLetterTTL:           7 * 24 * time.Hour,
		SweepInterval:           time.Hour,
		MissingProcessorTimeout: 5 * time.Minute,
		CriticalAlertThreshold:  2,
		Logger:                  log.New(io.Discard, "", 0),
		Now:                     clock.Now,
	}
}

func openTestQueue(t *testing.T, kv KV, config *Config) *Queue {
	t.Helper()
	q, err := Open(context.Background(), kv, config)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

// setOnlineQuiet flips the online flag without starting a background pass,
// so tests can drive ProcessQueue by hand.
func setOnlineQuiet(q *Queue) {
	q.mu.Lock()
	q.online = true
	q.mu.Unlock()
}

// waitIdle waits for background delivery passes to finish.
func waitIdle(t *testing.T, q *Queue, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !q.Processing() && cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for queue")
}

func action(entity, id string, typ ActionType) Action {
	return Action{Type: typ, EntityType: entity, EntityID: id, Payload: json.RawMessage(`{}`)}
}

// TestOfflineEnqueueThenDrain tests that nothing is delivered offline and
// everything is delivered in order once online.
func TestOfflineEnqueueThenDrain(t *testing.T) {
	clock := newFakeClock()
	q := openTestQueue(t, newMemKV(), testConfig(clock))

	var mu sync.Mutex
	var delivered []string
	q.RegisterProcessor("task:update", func(_ context.Context, a Action) error {
		mu.Lock()
		defer mu.Unlock()
		delivered = append(delivered, string(a.Payload))
		return nil
	})

	for i, payload := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		a := action(EntityTask, "t-1", ActionUpdate)
		a.Payload = json.RawMessage(payload)
		if _, err := q.Enqueue(context.Background(), a); err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
		if q.Len() != i+1 {
			t.Fatalf("Len() = %d, want %d", q.Len(), i+1)
		}
	}

	if err := q.ProcessQueue(context.Background()); err != nil {
		t.Fatalf("ProcessQueue() failed: %v", err)
	}
	mu.Lock()
	if len(delivered) != 0 {
		t.Fatalf("delivered %d actions while offline", len(delivered))
	}
	mu.Unlock()

	q.SetOnline(true)
	waitIdle(t, q, func() bool { return q.Len() == 0 })

	mu.Lock()
	defer mu.Unlock()
	want := []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}
	if len(delivered) != 3 {
		t.Fatalf("delivered = %v, want 3 actions", delivered)
	}
	for i := range want {
		if delivered[i] != want[i] {
			t.Errorf("delivered[%d] = %s, want %s", i, delivered[i], want[i])
		}
	}
}

func TestEnqueueDefaults(t *testing.T) {
	clock := newFakeClock()
	q := openTestQueue(t, newMemKV(), testConfig(clock))

	tests := []struct {
		entity string
		want   Priority
	}{
		{EntityProject, PriorityCritical},
		{EntityTask, PriorityNormal},
		{EntityConnection, PriorityNormal},
		{EntityPreference, PriorityLow},
		{"telemetry", PriorityLow},
	}
	for _, tt := range tests {
		a, err := q.Enqueue(context.Background(), action(tt.entity, "x", ActionCreate))
		if err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
		if a.Priority != tt.want {
			t.Errorf("%s priority = %s, want %s", tt.entity, a.Priority, tt.want)
		}
		if a.ID == "" || !a.Timestamp.Equal(clock.Now()) {
			t.Errorf("%s: id/timestamp not filled: %+v", tt.entity, a)
		}
	}

	if _, err := q.Enqueue(context.Background(), Action{Type: ActionCreate}); err == nil {
		t.Error("Enqueue() without entity type should fail")
	}
}

// TestRetryExhaustionDeadLettersOnce tests that six network failures with
// MaxRetries 5 produce exactly one dead letter.
func TestRetryExhaustionDeadLettersOnce(t *testing.T) {
	clock := newFakeClock()
	q := openTestQueue(t, newMemKV(), testConfig(clock))

	var calls atomic.Int32
	q.RegisterProcessor("task:update", func(context.Context, Action) error {
		calls.Add(1)
		return errors.New("network timeout while contacting server")
	})
	if _, err := q.Enqueue(context.Background(), action(EntityTask, "t-1", ActionUpdate)); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	setOnlineQuiet(q)

	for i := 1; i <= 8; i++ {
		clock.Advance(10 * time.Hour)
		if err := q.ProcessQueue(context.Background()); err != nil {
			t.Fatalf("ProcessQueue() failed: %v", err)
		}
	}

	if got := calls.Load(); got != 6 {
		t.Errorf("processor calls = %d, want 6", got)
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0", q.Len())
	}
	dead := q.DeadLetters()
	if len(dead) != 1 {
		t.Fatalf("len(DeadLetters()) = %d, want 1", len(dead))
	}
	if dead[0].Action.RetryCount != 6 {
		t.Errorf("RetryCount = %d, want 6", dead[0].Action.RetryCount)
	}
	if dead[0].Action.ErrorType != ErrorTimeout {
		t.Errorf("ErrorType = %s, want %s", dead[0].Action.ErrorType, ErrorTimeout)
	}
}

func TestBackoffDefersRetry(t *testing.T) {
	clock := newFakeClock()
	q := openTestQueue(t, newMemKV(), testConfig(clock))

	var calls atomic.Int32
	q.RegisterProcessor("task:update", func(context.Context, Action) error {
		calls.Add(1)
		return errors.New("connection refused")
	})
	_, _ = q.Enqueue(context.Background(), action(EntityTask, "t-1", ActionUpdate))
	setOnlineQuiet(q)
	_ = q.ProcessQueue(context.Background())
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}

	// Not due yet: first retry waits BaseRetryDelay.
	clock.Advance(30 * time.Minute)
	_ = q.ProcessQueue(context.Background())
	if calls.Load() != 1 {
		t.Fatalf("retried before backoff elapsed (calls = %d)", calls.Load())
	}

	clock.Advance(31 * time.Minute)
	_ = q.ProcessQueue(context.Background())
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2 after backoff", calls.Load())
	}

	a := q.Actions()[0]
	if a.RetryCount != 2 || a.ErrorType != ErrorNetwork {
		t.Errorf("action = %+v", a)
	}
	// Second failure doubles the delay.
	if want := clock.Now().Add(2 * time.Hour); !a.NextAttemptAt.Equal(want) {
		t.Errorf("NextAttemptAt = %v, want %v", a.NextAttemptAt, want)
	}
}

func TestNonRetryableGoesStraightToDeadLetter(t *testing.T) {
	clock := newFakeClock()
	config := testConfig(clock)
	var notified atomic.Int32
	config.OnDeadLetter = func(dl DeadLetter) {
		if dl.Action.EntityID == "a--b" {
			notified.Add(1)
		}
	}
	q := openTestQueue(t, newMemKV(), config)

	var calls atomic.Int32
	q.RegisterProcessor("connection:create", func(context.Context, Action) error {
		calls.Add(1)
		return errors.New(`pq: duplicate key value violates unique constraint "connections_pkey"`)
	})
	q.SetOnline(true)
	_, _ = q.Enqueue(context.Background(), action(EntityConnection, "a--b", ActionCreate))
	waitIdle(t, q, func() bool { return len(q.DeadLetters()) == 1 })

	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
	if dl := q.DeadLetters()[0]; dl.Action.ErrorType != ErrorBusiness {
		t.Errorf("ErrorType = %s, want business", dl.Action.ErrorType)
	}
	if notified.Load() != 1 {
		t.Errorf("OnDeadLetter called %d times, want 1", notified.Load())
	}
}

func TestPanickingProcessorCountsAsFailure(t *testing.T) {
	clock := newFakeClock()
	q := openTestQueue(t, newMemKV(), testConfig(clock))

	q.RegisterProcessor("task:delete", func(context.Context, Action) error {
		panic("permission denied for table tasks")
	})
	q.SetOnline(true)
	_, _ = q.Enqueue(context.Background(), action(EntityTask, "t-1", ActionDelete))
	waitIdle(t, q, func() bool { return len(q.DeadLetters()) == 1 })
}

func TestMissingProcessorTimesOut(t *testing.T) {
	clock := newFakeClock()
	q := openTestQueue(t, newMemKV(), testConfig(clock))

	_, _ = q.Enqueue(context.Background(), action("widget", "w-1", ActionCreate))
	setOnlineQuiet(q)
	_ = q.ProcessQueue(context.Background())
	if q.Len() != 1 {
		t.Fatalf("action without processor should stay queued, Len() = %d", q.Len())
	}

	clock.Advance(6 * time.Minute)
	_ = q.ProcessQueue(context.Background())
	if q.Len() != 0 || len(q.DeadLetters()) != 1 {
		t.Errorf("Len() = %d, dead = %d; want 0, 1", q.Len(), len(q.DeadLetters()))
	}
}

func TestRegisterProcessorLater(t *testing.T) {
	clock := newFakeClock()
	q := openTestQueue(t, newMemKV(), testConfig(clock))

	_, _ = q.Enqueue(context.Background(), action(EntityTask, "t-1", ActionCreate))
	setOnlineQuiet(q)
	_ = q.ProcessQueue(context.Background())
	if q.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", q.Len())
	}

	var calls atomic.Int32
	unregister := q.RegisterProcessor("task:create", func(context.Context, Action) error {
		calls.Add(1)
		return nil
	})
	defer unregister()
	waitIdle(t, q, func() bool { return q.Len() == 0 })

	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestUnregisterKeepsNewerRegistration(t *testing.T) {
	clock := newFakeClock()
	q := openTestQueue(t, newMemKV(), testConfig(clock))

	first := q.RegisterProcessor("task:create", func(context.Context, Action) error { return nil })
	q.RegisterProcessor("task:create", func(context.Context, Action) error { return nil })
	first()

	q.mu.Lock()
	_, ok := q.processors["task:create"]
	q.mu.Unlock()
	if !ok {
		t.Error("stale unregister removed the newer processor")
	}
}

func TestCapacityEvictsLowPriorityFirst(t *testing.T) {
	clock := newFakeClock()
	config := testConfig(clock)
	config.MaxLowPriority = 2
	config.MaxQueueSize = 4
	q := openTestQueue(t, newMemKV(), config)

	for _, id := range []string{"l1", "l2", "l3"} {
		_, _ = q.Enqueue(context.Background(), action(EntityPreference, id, ActionUpdate))
	}
	for _, id := range []string{"n1", "n2", "n3"} {
		_, _ = q.Enqueue(context.Background(), action(EntityTask, id, ActionUpdate))
	}

	var got []string
	for _, a := range q.Actions() {
		got = append(got, a.EntityID)
	}
	want := []string{"l3", "n1", "n2", "n3"}
	if len(got) != len(want) {
		t.Fatalf("queue = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("queue = %v, want %v", got, want)
			break
		}
	}
}

// TestDeadLetterTTLOnLoad tests that expired dead letters are gone after a fresh load.
func TestDeadLetterTTLOnLoad(t *testing.T) {
	clock := newFakeClock()
	kv := newMemKV()
	dead := []DeadLetter{
		{Action: Action{ID: "old", EntityType: EntityTask, Type: ActionUpdate}, Reason: "x", FailedAt: clock.Now().Add(-8 * 24 * time.Hour)},
		{Action: Action{ID: "new", EntityType: EntityTask, Type: ActionUpdate}, Reason: "x", FailedAt: clock.Now().Add(-24 * time.Hour)},
	}
	data, _ := json.Marshal(dead)
	_ = kv.Save(context.Background(), KeyDeadLetterQueue, data)

	q := openTestQueue(t, kv, testConfig(clock))
	got := q.DeadLetters()
	if len(got) != 1 || got[0].Action.ID != "new" {
		t.Fatalf("DeadLetters() = %+v, want only 'new'", got)
	}

	var persisted []DeadLetter
	raw, _ := kv.Load(context.Background(), KeyDeadLetterQueue)
	if err := json.Unmarshal(raw, &persisted); err != nil {
		t.Fatalf("persisted dead letters unreadable: %v", err)
	}
	if len(persisted) != 1 {
		t.Errorf("sweep not persisted: %d entries", len(persisted))
	}

	clock.Advance(7 * 24 * time.Hour)
	n, err := q.SweepDeadLetters(context.Background())
	if err != nil || n != 1 {
		t.Errorf("SweepDeadLetters() = %d, %v; want 1, nil", n, err)
	}
}

func TestRetryAndDismissDeadLetter(t *testing.T) {
	clock := newFakeClock()
	q := openTestQueue(t, newMemKV(), testConfig(clock))

	var fail atomic.Bool
	fail.Store(true)
	var calls atomic.Int32
	q.RegisterProcessor("task:update", func(context.Context, Action) error {
		calls.Add(1)
		if fail.Load() {
			return errors.New("record not found")
		}
		return nil
	})
	a1, _ := q.Enqueue(context.Background(), action(EntityTask, "t-1", ActionUpdate))
	a2, _ := q.Enqueue(context.Background(), action(EntityTask, "t-2", ActionUpdate))
	q.SetOnline(true)
	waitIdle(t, q, func() bool { return len(q.DeadLetters()) == 2 })

	fail.Store(false)
	if err := q.RetryDeadLetter(context.Background(), a1.ID); err != nil {
		t.Fatalf("RetryDeadLetter() failed: %v", err)
	}
	waitIdle(t, q, func() bool { return q.Len() == 0 })
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}

	if err := q.DismissDeadLetter(context.Background(), a2.ID); err != nil {
		t.Fatalf("DismissDeadLetter() failed: %v", err)
	}
	if len(q.DeadLetters()) != 0 {
		t.Errorf("DeadLetters() = %+v, want empty", q.DeadLetters())
	}
	if err := q.DismissDeadLetter(context.Background(), a2.ID); err == nil {
		t.Error("dismissing twice should fail")
	}
}

// TestCriticalAlertOncePerCrossing tests the user-facing alert threshold.
func TestCriticalAlertOncePerCrossing(t *testing.T) {
	clock := newFakeClock()
	config := testConfig(clock)
	var alerts atomic.Int32
	config.OnCriticalAlert = func(int) { alerts.Add(1) }
	q := openTestQueue(t, newMemKV(), config)

	q.RegisterProcessor("project:update", func(context.Context, Action) error {
		return errors.New("permission denied")
	})
	q.SetOnline(true)

	var ids []string
	for i := 0; i < 3; i++ {
		a, _ := q.Enqueue(context.Background(), action(EntityProject, "p", ActionUpdate))
		ids = append(ids, a.ID)
		waitIdle(t, q, func() bool { return q.Len() == 0 })
	}
	if got := alerts.Load(); got != 1 {
		t.Fatalf("alerts = %d, want 1", got)
	}

	_ = q.DismissDeadLetter(context.Background(), ids[0])
	_ = q.DismissDeadLetter(context.Background(), ids[1])

	_, _ = q.Enqueue(context.Background(), action(EntityProject, "p", ActionUpdate))
	waitIdle(t, q, func() bool { return q.Len() == 0 })
	if got := alerts.Load(); got != 2 {
		t.Errorf("alerts = %d, want 2 after re-crossing", got)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	clock := newFakeClock()
	kv := newMemKV()

	q, err := Open(context.Background(), kv, testConfig(clock))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	_, _ = q.Enqueue(context.Background(), action(EntityTask, "t-1", ActionCreate))
	_, _ = q.Enqueue(context.Background(), action(EntityProject, "p-1", ActionUpdate))
	if err := q.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("second Close() failed: %v", err)
	}
	if _, err := q.Enqueue(context.Background(), action(EntityTask, "t-2", ActionCreate)); !errors.Is(err, ErrClosed) {
		t.Errorf("Enqueue() after Close error = %v, want ErrClosed", err)
	}

	reopened := openTestQueue(t, kv, testConfig(clock))
	got := reopened.Actions()
	if len(got) != 2 || got[0].EntityID != "t-1" || got[1].Priority != PriorityCritical {
		t.Errorf("reloaded actions = %+v", got)
	}
}

// TestProcessQueueIsNotReentrant tests the single in-flight pass guard.
func TestProcessQueueIsNotReentrant(t *testing.T) {
	clock := newFakeClock()
	q := openTestQueue(t, newMemKV(), testConfig(clock))

	release := make(chan struct{})
	var calls atomic.Int32
	q.RegisterProcessor("task:update", func(context.Context, Action) error {
		calls.Add(1)
		<-release
		return nil
	})
	_, _ = q.Enqueue(context.Background(), action(EntityTask, "t-1", ActionUpdate))
	q.SetOnline(true)

	deadline := time.Now().Add(time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	// A concurrent call returns immediately without delivering again.
	if err := q.ProcessQueue(context.Background()); err != nil {
		t.Fatalf("ProcessQueue() failed: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}

	close(release)
	waitIdle(t, q, func() bool { return q.Len() == 0 })
	if calls.Load() != 1 {
		t.Errorf("calls = %d after drain, want 1", calls.Load())
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err       error
		want      ErrorType
		retryable bool
	}{
		{errors.New("dial tcp: connection refused"), ErrorNetwork, true},
		{context.DeadlineExceeded, ErrorTimeout, true},
		{errors.New("request timed out"), ErrorTimeout, true},
		{errors.New("project not found"), ErrorBusiness, false},
		{errors.New("new row violates row-level security policy"), ErrorBusiness, false},
		{errors.New("Malformed payload"), ErrorBusiness, false},
		{Permanent(errors.New("gateway exploded")), ErrorBusiness, false},
		{errors.New("something odd"), ErrorUnknown, true},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%q) = %s, want %s", tt.err, got, tt.want)
		}
		if got := IsRetryable(tt.err); got != tt.retryable {
			t.Errorf("IsRetryable(%q) = %v, want %v", tt.err, got, tt.retryable)
		}
	}
}

// Package schedule provides keyed, cancellable timers.
//
// Every debounce, backoff and reconnect delay in tasksync goes through a
// Scheduler. Scheduling a key that is still pending cancels the earlier
// timer first, so a key never fires twice for one reschedule.
package schedule

import (
	"sync"
	"time"
)

// Scheduler runs callbacks after a delay, one pending callback per key.
type Scheduler struct {
	mu     sync.Mutex
	timers map[string]*entry
	seq    uint64
	closed bool
}

type entry struct {
	timer *time.Timer
	token uint64
}

// New creates an empty Scheduler.
func New() *Scheduler {
	return &Scheduler{timers: make(map[string]*entry)}
}

// Schedule arranges for fn to run after delay under key, replacing any
// callback already pending for the same key. It is a no-op after Close.
func (s *Scheduler) Schedule(key string, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if prev, ok := s.timers[key]; ok {
		prev.timer.Stop()
	}

	s.seq++
	token := s.seq
	e := &entry{token: token}
	e.timer = time.AfterFunc(delay, func() { s.fire(key, token, fn) })
	s.timers[key] = e
}

// fire runs fn unless the entry was cancelled or replaced in the meantime.
func (s *Scheduler) fire(key string, token uint64, fn func()) {
	s.mu.Lock()
	e, ok := s.timers[key]
	if s.closed || !ok || e.token != token {
		s.mu.Unlock()
		return
	}
	delete(s.timers, key)
	s.mu.Unlock()

	fn()
}

// Cancel stops the callback pending under key.
// Returns true if something was pending.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.timers[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.timers, key)
	return true
}

// Pending reports whether a callback is waiting under key.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[key]
	return ok
}

// Len returns the number of pending callbacks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Close cancels every pending callback. Safe to call multiple times.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	for key, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, key)
	}
}

// Backoff returns base * 2^attempt capped at max. Attempt 0 yields base.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if max > 0 && delay >= max {
			return max
		}
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}

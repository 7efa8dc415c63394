package queue

import (
	"context"
	"fmt"
	"time"
)

// DeadLetters returns a copy of the dead-letter list, oldest first.
func (q *Queue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadLetter(nil), q.deadLetters...)
}

// RetryDeadLetter moves a dead letter back into the queue with its retry
// count reset. When online a delivery pass starts right away.
func (q *Queue) RetryDeadLetter(ctx context.Context, actionID string) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	idx := q.deadLetterIndexLocked(actionID)
	if idx < 0 {
		q.mu.Unlock()
		return fmt.Errorf("dead letter %s not found", actionID)
	}
	a := q.deadLetters[idx].Action
	q.deadLetters = append(q.deadLetters[:idx], q.deadLetters[idx+1:]...)
	a.RetryCount = 0
	a.LastError = ""
	a.ErrorType = ""
	a.NextAttemptAt = nil
	a.Timestamp = q.config.Now()
	q.actions = append(q.actions, a)
	q.enforceCapacityLocked()
	q.checkAlertLocked()
	online := q.online
	q.mu.Unlock()

	q.config.Logger.Printf("Retrying dead letter %s (%s)", a.ID, a.Key())
	if err := q.persist(ctx); err != nil {
		return err
	}
	if online {
		q.trigger()
	}
	return nil
}

// DismissDeadLetter drops a dead letter for good.
func (q *Queue) DismissDeadLetter(ctx context.Context, actionID string) error {
	q.mu.Lock()
	idx := q.deadLetterIndexLocked(actionID)
	if idx < 0 {
		q.mu.Unlock()
		return fmt.Errorf("dead letter %s not found", actionID)
	}
	q.deadLetters = append(q.deadLetters[:idx], q.deadLetters[idx+1:]...)
	q.checkAlertLocked()
	q.mu.Unlock()

	return q.persist(ctx)
}

// SweepDeadLetters drops dead letters older than the TTL and returns how
// many were removed.
func (q *Queue) SweepDeadLetters(ctx context.Context) (int, error) {
	q.mu.Lock()
	n := q.sweepLocked(q.config.Now())
	if n > 0 {
		q.checkAlertLocked()
	}
	q.mu.Unlock()

	if n == 0 {
		return 0, nil
	}
	q.config.Logger.Printf("Swept %d expired dead letters", n)
	return n, q.persist(ctx)
}

func (q *Queue) sweepLocked(now time.Time) int {
	kept := q.deadLetters[:0]
	removed := 0
	for _, dl := range q.deadLetters {
		if now.Sub(dl.FailedAt) > q.config.DeadLetterTTL {
			removed++
			continue
		}
		kept = append(kept, dl)
	}
	q.deadLetters = kept
	return removed
}

func (q *Queue) deadLetterIndexLocked(actionID string) int {
	for i := range q.deadLetters {
		if q.deadLetters[i].Action.ID == actionID {
			return i
		}
	}
	return -1
}

// scheduleSweep runs SweepDeadLetters every SweepInterval and gives
// actions waiting on a processor a chance to time out.
func (q *Queue) scheduleSweep() {
	q.sched.Schedule("sweep", q.config.SweepInterval, func() {
		ctx, cancel := context.WithTimeout(q.ctx, 5*time.Second)
		if _, err := q.SweepDeadLetters(ctx); err != nil {
			q.config.Logger.Printf("Error sweeping dead letters: %v", err)
		}
		cancel()
		if q.Online() && q.Len() > 0 {
			q.trigger()
		}
		q.scheduleSweep()
	})
}

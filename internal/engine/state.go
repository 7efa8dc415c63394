package engine

import (
	"fmt"
	"log"
	"os"

	"github.com/tasksync/tasksync/internal/conflict"
)

// SyncState is the externally visible sync status. Values are immutable:
// the engine swaps in a new value on every transition, so a SyncState
// obtained from State never changes underneath the caller.
type SyncState struct {
	Online         bool
	Syncing        bool
	SessionExpired bool
	LastError      string
	HasConflict    bool
	Conflict       *conflict.Record
	// PendingConflicts counts projects waiting for resolution.
	PendingConflicts int
}

// String returns a one-line summary.
func (s SyncState) String() string {
	status := "offline"
	if s.Online {
		status = "online"
	}
	if s.Syncing {
		status += ", syncing"
	}
	if s.SessionExpired {
		status += ", session expired"
	}
	if s.HasConflict {
		status += fmt.Sprintf(", %d conflict(s)", s.PendingConflicts)
	}
	if s.LastError != "" {
		status += ", last error: " + s.LastError
	}
	return status
}

// State returns a copy of the current sync state.
func (e *Engine) State() SyncState {
	s := *e.state.Load()
	if s.Conflict != nil {
		rec := *s.Conflict
		s.Conflict = &rec
	}
	return s
}

// updateState applies fn to a copy of the current state and publishes it.
func (e *Engine) updateState(fn func(s *SyncState)) {
	for {
		old := e.state.Load()
		next := *old
		fn(&next)
		if e.state.CompareAndSwap(old, &next) {
			return
		}
	}
}

// SetOnline records connectivity and starts or pauses queue delivery.
func (e *Engine) SetOnline(online bool) {
	e.updateState(func(s *SyncState) { s.Online = online })
	e.queue.SetOnline(online)
}

// SetSessionExpired records whether the remote rejected our credentials.
func (e *Engine) SetSessionExpired(expired bool) {
	var changed bool
	e.updateState(func(s *SyncState) {
		changed = s.SessionExpired != expired
		s.SessionExpired = expired
	})
	if changed && expired {
		e.notify(LevelError, "Session expired, sign in again to keep syncing")
	}
}

func (e *Engine) setSyncing(syncing bool) {
	e.updateState(func(s *SyncState) { s.Syncing = syncing })
}

func (e *Engine) setError(err error) {
	e.updateState(func(s *SyncState) {
		if err == nil {
			s.LastError = ""
			return
		}
		s.LastError = err.Error()
	})
}

// setConflicts publishes the pending conflict records; the first one is
// exposed as Conflict.
func (e *Engine) setConflicts(records []conflict.Record) {
	e.updateState(func(s *SyncState) {
		s.PendingConflicts = len(records)
		s.HasConflict = len(records) > 0
		s.Conflict = nil
		if len(records) > 0 {
			rec := records[0]
			s.Conflict = &rec
		}
	})
}

// Level is the severity of a user notice.
type Level int

const (
	LevelInfo Level = iota
	LevelWarning
	LevelError
)

// String returns a human-readable representation of the level.
func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// Notifier shows notices to the user.
type Notifier interface {
	Notify(level Level, message string)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(level Level, message string)

func (f NotifierFunc) Notify(level Level, message string) { f(level, message) }

// LogNotifier writes notices to a logger.
type LogNotifier struct {
	Logger *log.Logger
}

func (n LogNotifier) Notify(level Level, message string) {
	logger := n.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[notice] ", log.LstdFlags)
	}
	logger.Printf("%s: %s", level, message)
}

func (e *Engine) notify(level Level, format string, args ...any) {
	e.notifier.Notify(level, fmt.Sprintf(format, args...))
}

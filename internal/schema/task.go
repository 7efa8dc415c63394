package schema

import (
	"fmt"
	"time"
)

// Task statuses.
const (
	StatusTodo       = "todo"
	StatusInProgress = "in_progress"
	StatusBlocked    = "blocked"
	StatusDone       = "done"
)

// Task is a single work item inside a project.
type Task struct {
	// ===== Identification & ownership =====
	ID       string  `json:"id"`
	ParentID *string `json:"parent_id,omitempty"`

	// ===== Placement =====
	Stage int `json:"stage"`
	Rank  int `json:"rank"`
	Order int `json:"order"`

	// ===== Content (conflict-relevant) =====
	Title    string     `json:"title"`
	Body     string     `json:"body,omitempty"`
	Status   string     `json:"status"`
	Priority int        `json:"priority"` // 0-4 (P0=critical, P4=backlog)
	DueAt    *time.Time `json:"due_at,omitempty"`

	// ===== Position (never a conflict source) =====
	X float64 `json:"x"`
	Y float64 `json:"y"`

	// ===== Timestamps & tombstone =====
	UpdatedAt   time.Time    `json:"updated_at"`
	DeletedAt   *time.Time   `json:"deleted_at,omitempty"`
	DeletedMeta *DeletedMeta `json:"deleted_meta,omitempty"`
}

// DeletedMeta records where a task lived before it was tombstoned.
type DeletedMeta struct {
	ParentID *string `json:"parent_id,omitempty"`
	Stage    int     `json:"stage"`
	Rank     int     `json:"rank"`
	Order    int     `json:"order"`
}

// Validate checks if the Task has valid field values.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if t.Title == "" {
		return fmt.Errorf("title is required")
	}
	if len(t.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(t.Title))
	}
	if t.Priority < 0 || t.Priority > 4 {
		return fmt.Errorf("priority must be between 0 and 4 (got %d)", t.Priority)
	}
	if t.Status == "" {
		return fmt.Errorf("status is required")
	}
	if t.ParentID != nil && *t.ParentID == t.ID {
		return fmt.Errorf("task %s cannot be its own parent", t.ID)
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (t *Task) SetDefaults() {
	if t.Status == "" {
		t.Status = StatusTodo
	}
	if t.Stage == 0 {
		t.Stage = 1
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now()
	}
}

// IsDeleted reports whether the task carries a tombstone.
func (t *Task) IsDeleted() bool {
	return t.DeletedAt != nil
}

// Tombstone soft-deletes the task, remembering its placement for RestoreTask.
// Tombstoning an already deleted task is a no-op.
func (t *Task) Tombstone(now time.Time) {
	if t.IsDeleted() {
		return
	}
	t.DeletedMeta = &DeletedMeta{
		ParentID: cloneString(t.ParentID),
		Stage:    t.Stage,
		Rank:     t.Rank,
		Order:    t.Order,
	}
	deletedAt := now
	t.DeletedAt = &deletedAt
	t.UpdatedAt = now
}

// RestoreTask clears the tombstone and puts the task back where it was.
// Returns false if the task was not deleted.
func RestoreTask(t *Task, now time.Time) bool {
	if !t.IsDeleted() {
		return false
	}
	if meta := t.DeletedMeta; meta != nil {
		t.ParentID = cloneString(meta.ParentID)
		t.Stage = meta.Stage
		t.Rank = meta.Rank
		t.Order = meta.Order
	}
	t.DeletedAt = nil
	t.DeletedMeta = nil
	t.UpdatedAt = now
	return true
}

// ContentEqual compares the fields that take part in conflict detection.
// Placement and position are ignored.
func (t *Task) ContentEqual(other *Task) bool {
	if t.Title != other.Title || t.Body != other.Body ||
		t.Status != other.Status || t.Priority != other.Priority {
		return false
	}
	switch {
	case t.DueAt == nil && other.DueAt == nil:
		return true
	case t.DueAt == nil || other.DueAt == nil:
		return false
	default:
		return t.DueAt.Equal(*other.DueAt)
	}
}

// Clone returns a deep copy of the task.
func (t Task) Clone() Task {
	out := t
	out.ParentID = cloneString(t.ParentID)
	out.DueAt = cloneTime(t.DueAt)
	out.DeletedAt = cloneTime(t.DeletedAt)
	if t.DeletedMeta != nil {
		meta := *t.DeletedMeta
		meta.ParentID = cloneString(t.DeletedMeta.ParentID)
		out.DeletedMeta = &meta
	}
	return out
}

// ParentIs reports whether the task's parent is id.
func (t *Task) ParentIs(id string) bool {
	return t.ParentID != nil && *t.ParentID == id
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(ts *time.Time) *time.Time {
	if ts == nil {
		return nil
	}
	v := *ts
	return &v
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}

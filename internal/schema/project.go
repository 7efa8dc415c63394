package schema

import (
	"fmt"
	"time"
)

// Project is the synchronized aggregate.
type Project struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Version     int64        `json:"version"`
	UpdatedAt   time.Time    `json:"updated_at"`
	DeletedAt   *time.Time   `json:"deleted_at,omitempty"`
	Tasks       []Task       `json:"tasks"`
	Connections []Connection `json:"connections"`
}

// Validate checks the project and everything it owns.
func (p *Project) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	if p.Version < 0 {
		return fmt.Errorf("version must not be negative (got %d)", p.Version)
	}
	seen := make(map[string]bool, len(p.Tasks))
	for i := range p.Tasks {
		if err := p.Tasks[i].Validate(); err != nil {
			return fmt.Errorf("task %d: %w", i, err)
		}
		if seen[p.Tasks[i].ID] {
			return fmt.Errorf("duplicate task id %s", p.Tasks[i].ID)
		}
		seen[p.Tasks[i].ID] = true
	}
	for i := range p.Connections {
		if err := p.Connections[i].Validate(); err != nil {
			return fmt.Errorf("connection %d: %w", i, err)
		}
	}
	return nil
}

// IsDeleted reports whether the whole project is tombstoned.
func (p *Project) IsDeleted() bool {
	return p.DeletedAt != nil
}

// Clone returns a deep copy sharing no mutable state with p.
func (p Project) Clone() Project {
	out := p
	out.DeletedAt = cloneTime(p.DeletedAt)
	if p.Tasks != nil {
		out.Tasks = make([]Task, len(p.Tasks))
		for i := range p.Tasks {
			out.Tasks[i] = p.Tasks[i].Clone()
		}
	}
	if p.Connections != nil {
		out.Connections = make([]Connection, len(p.Connections))
		copy(out.Connections, p.Connections)
	}
	return out
}

// CloneAll deep copies a project collection.
func CloneAll(projects []Project) []Project {
	if projects == nil {
		return nil
	}
	out := make([]Project, len(projects))
	for i := range projects {
		out[i] = projects[i].Clone()
	}
	return out
}

// TaskIndex returns the index of the task with the given id, or -1.
func (p *Project) TaskIndex(id string) int {
	for i := range p.Tasks {
		if p.Tasks[i].ID == id {
			return i
		}
	}
	return -1
}

// Task returns a pointer into p.Tasks for the given id, or nil.
func (p *Project) Task(id string) *Task {
	if i := p.TaskIndex(id); i >= 0 {
		return &p.Tasks[i]
	}
	return nil
}

// WorkingCopy returns a clone without tombstoned tasks and without
// connections touching them. It is what gets restored into memory.
func (p Project) WorkingCopy() Project {
	out := p.Clone()
	live := make(map[string]bool, len(out.Tasks))
	tasks := out.Tasks[:0]
	for _, t := range out.Tasks {
		if t.IsDeleted() {
			continue
		}
		live[t.ID] = true
		tasks = append(tasks, t)
	}
	out.Tasks = tasks
	conns := out.Connections[:0]
	for _, c := range out.Connections {
		if live[c.Source] && live[c.Target] {
			conns = append(conns, c)
		}
	}
	out.Connections = conns
	return out
}

// Touch stamps UpdatedAt.
func (p *Project) Touch(now time.Time) {
	p.UpdatedAt = now
}

// FindProject returns the index of the project with the given id, or -1.
func FindProject(projects []Project, id string) int {
	for i := range projects {
		if projects[i].ID == id {
			return i
		}
	}
	return -1
}

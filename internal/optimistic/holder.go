// Package optimistic applies mutations to in-memory state before the remote
// store confirms them.
//
// Every optimistic mutation is bracketed by a snapshot of the whole project
// collection. The snapshot is discarded when the remote write succeeds and
// restored when it fails. Entities created while offline carry temporary
// ids ("temp-<uuid>") until the remote assigns permanent ones; SwapID
// rewrites every reference in one step.
package optimistic

import (
	"sync"

	"github.com/tasksync/tasksync/internal/schema"
)

// Holder is the application's aggregate state as seen by the manager.
// Implementations must be safe for concurrent use and must not retain the
// slices passed to ReplaceAll or returned from GetAll.
type Holder interface {
	GetAll() []schema.Project
	ReplaceAll(projects []schema.Project)
	GetActiveID() string
	SetActiveID(id string)
}

// MemoryHolder is a Holder backed by a mutex-guarded slice.
type MemoryHolder struct {
	mu       sync.RWMutex
	projects []schema.Project
	activeID string
}

// NewMemoryHolder creates a holder seeded with a copy of projects.
func NewMemoryHolder(projects []schema.Project) *MemoryHolder {
	return &MemoryHolder{projects: schema.CloneAll(projects)}
}

func (h *MemoryHolder) GetAll() []schema.Project {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return schema.CloneAll(h.projects)
}

func (h *MemoryHolder) ReplaceAll(projects []schema.Project) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.projects = schema.CloneAll(projects)
}

func (h *MemoryHolder) GetActiveID() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.activeID
}

func (h *MemoryHolder) SetActiveID(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.activeID = id
}

// Project returns a copy of one project.
func (h *MemoryHolder) Project(id string) (schema.Project, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if i := schema.FindProject(h.projects, id); i >= 0 {
		return h.projects[i].Clone(), true
	}
	return schema.Project{}, false
}

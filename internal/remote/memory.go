package remote

import (
	"context"
	"sort"
	"sync"

	"github.com/tasksync/tasksync/internal/schema"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	projects map[string]schema.Project
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{projects: make(map[string]schema.Project)}
}

func (s *MemoryStore) Head(_ context.Context, id string) (Head, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return Head{}, ErrNotFound
	}
	return HeadOf(p), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (schema.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return schema.Project{}, ErrNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) Put(_ context.Context, p schema.Project, expected int64) (schema.Project, error) {
	if err := checkPut(p, expected); err != nil {
		return schema.Project{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var actual int64
	if cur, ok := s.projects[p.ID]; ok {
		actual = cur.Version
	}
	if actual != expected {
		return schema.Project{}, &ConflictError{ProjectID: p.ID, Expected: expected, Actual: actual}
	}
	s.projects[p.ID] = p.Clone()
	return p.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context) ([]Head, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	heads := make([]Head, 0, len(s.projects))
	for _, p := range s.projects {
		heads = append(heads, HeadOf(p))
	}
	sort.Slice(heads, func(i, j int) bool { return heads[i].ID < heads[j].ID })
	return heads, nil
}

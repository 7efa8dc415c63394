package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tasksync/tasksync/internal/cache"
)

// collectionConflicts is the cache collection holding pending records.
const collectionConflicts = "conflicts"

// Store persists pending conflict records, one per project.
type Store interface {
	// LoadConflict returns nil, nil when the project has no pending record.
	LoadConflict(ctx context.Context, projectID string) (*Record, error)
	SaveConflict(ctx context.Context, record Record) error
	DeleteConflict(ctx context.Context, projectID string) error
	ListConflicts(ctx context.Context) ([]Record, error)
}

// CacheStore keeps conflict records in the local cache.
type CacheStore struct {
	cache *cache.Store
}

// NewCacheStore creates a Store on top of a cache.
func NewCacheStore(c *cache.Store) *CacheStore {
	return &CacheStore{cache: c}
}

func (s *CacheStore) LoadConflict(ctx context.Context, projectID string) (*Record, error) {
	var rec Record
	err := s.cache.GetJSON(ctx, collectionConflicts, projectID, &rec)
	if errors.Is(err, cache.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conflict for %s: %w", projectID, err)
	}
	return &rec, nil
}

func (s *CacheStore) SaveConflict(ctx context.Context, record Record) error {
	if err := s.cache.PutJSON(ctx, collectionConflicts, record.ProjectID, record); err != nil {
		return fmt.Errorf("failed to save conflict for %s: %w", record.ProjectID, err)
	}
	return nil
}

func (s *CacheStore) DeleteConflict(ctx context.Context, projectID string) error {
	if err := s.cache.DeleteJSON(ctx, collectionConflicts, projectID); err != nil {
		return fmt.Errorf("failed to delete conflict for %s: %w", projectID, err)
	}
	return nil
}

func (s *CacheStore) ListConflicts(ctx context.Context) ([]Record, error) {
	docs, err := s.cache.ListJSON(ctx, collectionConflicts)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	out := make([]Record, 0, len(docs))
	for _, doc := range docs {
		var rec Record
		if err := json.Unmarshal(doc.Value, &rec); err != nil {
			return nil, fmt.Errorf("failed to parse conflict %s: %w", doc.Key, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

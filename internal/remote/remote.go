// Package remote defines the central project store and its transports.
//
// A Store keeps one versioned document per project and accepts a write only
// when the caller names the version it last saw (compare-and-set). The
// package ships an in-memory store for development and tests, a Postgres
// store, an HTTP handler exposing any Store and an HTTP client that talks
// to that handler.
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tasksync/tasksync/internal/schema"
)

var (
	// ErrNotFound is returned when a project does not exist remotely.
	ErrNotFound = errors.New("project not found")

	// ErrConflict is returned when a compare-and-set write loses.
	ErrConflict = errors.New("version conflict")

	// ErrSessionExpired is returned when the remote rejects our credentials
	// or the bearer token has expired locally.
	ErrSessionExpired = errors.New("session expired")
)

// ConflictError carries the versions of a rejected write.
type ConflictError struct {
	ProjectID string
	Expected  int64
	Actual    int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict for %s: expected %d, remote has %d", e.ProjectID, e.Expected, e.Actual)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// Head is the version metadata of a remote project.
type Head struct {
	ID        string     `json:"id"`
	Version   int64      `json:"version"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// HeadOf extracts the head of a project.
func HeadOf(p schema.Project) Head {
	return Head{ID: p.ID, Version: p.Version, UpdatedAt: p.UpdatedAt, DeletedAt: p.DeletedAt}
}

// Store is the central project store.
type Store interface {
	// Head returns version metadata without the project body.
	Head(ctx context.Context, id string) (Head, error)

	// Get returns the full project.
	Get(ctx context.Context, id string) (schema.Project, error)

	// Put stores p if the remote version equals expected. expected 0 means
	// the project must not exist yet. p.Version must be greater than
	// expected. Returns the stored project.
	Put(ctx context.Context, p schema.Project, expected int64) (schema.Project, error)

	// List returns the heads of all projects.
	List(ctx context.Context) ([]Head, error)
}

func checkPut(p schema.Project, expected int64) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid project: %w", err)
	}
	if expected < 0 {
		return fmt.Errorf("invalid expected version %d", expected)
	}
	if p.Version <= expected {
		return fmt.Errorf("invalid version %d: must be greater than %d", p.Version, expected)
	}
	return nil
}

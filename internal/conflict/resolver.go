// Package conflict detects and resolves concurrent edits of a project.
//
// Save checks the remote head before writing. When the remote moved on,
// nothing is written: both copies are kept in a Record until the user (or
// the engine) picks a Strategy and calls Resolve.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/tasksync/tasksync/internal/remote"
	"github.com/tasksync/tasksync/internal/schema"
	"github.com/tasksync/tasksync/internal/tree"
)

// ErrNoConflict is returned by Resolve when the project has no pending record.
var ErrNoConflict = errors.New("no pending conflict")

// Strategy selects how Resolve settles a conflict.
type Strategy string

const (
	StrategyLocal  Strategy = "local"
	StrategyRemote Strategy = "remote"
	StrategyMerge  Strategy = "merge"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyLocal, StrategyRemote, StrategyMerge:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("invalid strategy %q (must be local, remote or merge)", s)
}

// Record holds both sides of a detected conflict.
type Record struct {
	ProjectID  string         `json:"project_id"`
	Local      schema.Project `json:"local"`
	Remote     schema.Project `json:"remote"`
	DetectedAt time.Time      `json:"detected_at"`
}

// SaveResult is the outcome of Save. Exactly one of Saved and Record is set.
type SaveResult struct {
	Conflict bool
	Saved    *schema.Project
	Record   *Record
}

// ResolveResult is the outcome of Resolve.
type ResolveResult struct {
	Strategy Strategy
	Project  schema.Project
	Merge    *MergeResult
}

// ReconnectResult summarizes ReconnectMerge.
type ReconnectResult struct {
	Uploaded        []string
	Pushed          []string
	StillConflicted []string
	Saved           []schema.Project
}

// Config holds configuration for the resolver.
type Config struct {
	// ClockSkew is how much newer the remote UpdatedAt may be than the local
	// one at equal versions before it counts as a conflict.
	ClockSkew time.Duration

	// Logger for conflict activity
	Logger *log.Logger

	// Now returns the current time (default time.Now)
	Now func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ClockSkew: time.Second,
		Logger:    log.New(os.Stderr, "[conflict] ", log.LstdFlags),
		Now:       time.Now,
	}
}

// Resolver checks versions against the remote store and keeps conflict
// records.
type Resolver struct {
	remote    remote.Store
	store     Store
	validator *tree.Validator
	config    *Config
}

// New creates a resolver.
func New(rs remote.Store, store Store, config *Config) (*Resolver, error) {
	if rs == nil {
		return nil, fmt.Errorf("remote store cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("conflict store cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Resolver{remote: rs, store: store, validator: tree.New(), config: config}, nil
}

// Conflicted reports whether head is ahead of local.
func (r *Resolver) Conflicted(local schema.Project, head remote.Head) bool {
	if head.Version > local.Version {
		return true
	}
	return head.Version == local.Version && head.UpdatedAt.Sub(local.UpdatedAt) > r.config.ClockSkew
}

// Save writes local to the remote unless the remote changed since local's
// version. On conflict the remote copy is fetched and a Record persisted.
func (r *Resolver) Save(ctx context.Context, local schema.Project) (SaveResult, error) {
	head, err := r.remote.Head(ctx, local.ID)
	if errors.Is(err, remote.ErrNotFound) {
		head = remote.Head{ID: local.ID}
	} else if err != nil {
		return SaveResult{}, fmt.Errorf("failed to read remote head of %s: %w", local.ID, err)
	}

	if r.Conflicted(local, head) {
		return r.recordConflict(ctx, local)
	}

	out := local.Clone()
	out.Version = max(local.Version, head.Version) + 1
	stored, err := r.remote.Put(ctx, out, head.Version)
	if errors.Is(err, remote.ErrConflict) {
		return r.recordConflict(ctx, local)
	}
	if err != nil {
		return SaveResult{}, fmt.Errorf("failed to save %s: %w", local.ID, err)
	}
	return SaveResult{Saved: &stored}, nil
}

func (r *Resolver) recordConflict(ctx context.Context, local schema.Project) (SaveResult, error) {
	remoteCopy, err := r.remote.Get(ctx, local.ID)
	if err != nil {
		return SaveResult{}, fmt.Errorf("failed to fetch remote %s: %w", local.ID, err)
	}
	rec := Record{
		ProjectID:  local.ID,
		Local:      local.Clone(),
		Remote:     remoteCopy,
		DetectedAt: r.config.Now(),
	}
	if err := r.store.SaveConflict(ctx, rec); err != nil {
		return SaveResult{}, err
	}
	r.config.Logger.Printf("Conflict on %s: local version %d, remote version %d",
		local.ID, local.Version, remoteCopy.Version)
	return SaveResult{Conflict: true, Record: &rec}, nil
}

// Pending returns the stored record for projectID, or nil.
func (r *Resolver) Pending(ctx context.Context, projectID string) (*Record, error) {
	return r.store.LoadConflict(ctx, projectID)
}

// PendingAll returns every stored record.
func (r *Resolver) PendingAll(ctx context.Context) ([]Record, error) {
	return r.store.ListConflicts(ctx)
}

// Resolve settles the pending conflict of projectID and clears its record.
//
//   - local: the local copy is written with a version past the remote's
//   - remote: the remote copy is adopted locally after tree repair
//   - merge: Merge(local, remote) is written
func (r *Resolver) Resolve(ctx context.Context, projectID string, strategy Strategy) (ResolveResult, error) {
	if _, err := ParseStrategy(string(strategy)); err != nil {
		return ResolveResult{}, err
	}
	rec, err := r.store.LoadConflict(ctx, projectID)
	if err != nil {
		return ResolveResult{}, err
	}
	if rec == nil {
		return ResolveResult{}, ErrNoConflict
	}

	current := rec.Remote
	if fresh, err := r.remote.Get(ctx, projectID); err == nil {
		current = fresh
	} else if !errors.Is(err, remote.ErrNotFound) {
		return ResolveResult{}, fmt.Errorf("failed to fetch remote %s: %w", projectID, err)
	}

	res := ResolveResult{Strategy: strategy}
	switch strategy {
	case StrategyLocal:
		out := rec.Local.Clone()
		out.Version = max(rec.Local.Version, current.Version) + 1
		stored, err := r.remote.Put(ctx, out, current.Version)
		if err != nil {
			return ResolveResult{}, fmt.Errorf("failed to write local copy of %s: %w", projectID, err)
		}
		res.Project = stored

	case StrategyRemote:
		repaired, report := r.validator.Repair(current)
		if report.Fixed() > 0 {
			r.config.Logger.Printf("Repaired remote copy of %s: %s", projectID, report)
		}
		res.Project = repaired

	case StrategyMerge:
		merged := Merge(rec.Local, current)
		stored, err := r.remote.Put(ctx, merged.Project, current.Version)
		if err != nil {
			return ResolveResult{}, fmt.Errorf("failed to write merge of %s: %w", projectID, err)
		}
		merged.Project = stored
		res.Project = stored
		res.Merge = &merged
	}

	if err := r.store.DeleteConflict(ctx, projectID); err != nil {
		return res, err
	}
	r.config.Logger.Printf("Resolved conflict on %s with %s (version %d)", projectID, strategy, res.Project.Version)
	return res, nil
}

// ReconnectMerge pushes local state after a period offline. Projects the
// remote has never seen are uploaded; projects whose local version is ahead
// of the remote are written with a version past it. Anything that fails is
// reported in StillConflicted and left for the regular save path.
func (r *Resolver) ReconnectMerge(ctx context.Context, locals []schema.Project) ReconnectResult {
	var res ReconnectResult
	for _, local := range locals {
		if err := ctx.Err(); err != nil {
			res.StillConflicted = append(res.StillConflicted, local.ID)
			continue
		}

		head, err := r.remote.Head(ctx, local.ID)
		switch {
		case errors.Is(err, remote.ErrNotFound):
			out := local.Clone()
			out.Version = local.Version + 1
			stored, err := r.remote.Put(ctx, out, 0)
			if err != nil {
				r.config.Logger.Printf("Failed to upload %s: %v", local.ID, err)
				res.StillConflicted = append(res.StillConflicted, local.ID)
				continue
			}
			res.Uploaded = append(res.Uploaded, local.ID)
			res.Saved = append(res.Saved, stored)

		case err != nil:
			r.config.Logger.Printf("Failed to read remote head of %s: %v", local.ID, err)
			res.StillConflicted = append(res.StillConflicted, local.ID)

		case local.Version > head.Version:
			out := local.Clone()
			out.Version = local.Version + 1
			stored, err := r.remote.Put(ctx, out, head.Version)
			if err != nil {
				r.config.Logger.Printf("Failed to push %s: %v", local.ID, err)
				res.StillConflicted = append(res.StillConflicted, local.ID)
				continue
			}
			res.Pushed = append(res.Pushed, local.ID)
			res.Saved = append(res.Saved, stored)
		}
	}
	if len(res.Uploaded)+len(res.Pushed)+len(res.StillConflicted) > 0 {
		r.config.Logger.Printf("Reconnect merge: %d uploaded, %d pushed, %d still conflicted",
			len(res.Uploaded), len(res.Pushed), len(res.StillConflicted))
	}
	return res
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/tasksync/tasksync/internal/conflict"
	"github.com/tasksync/tasksync/internal/queue"
	"github.com/tasksync/tasksync/internal/remote"
	"github.com/tasksync/tasksync/internal/schema"
)

// syncProject delivers the newest local copy of a project unless the remote
// already has it.
func (e *Engine) syncProject(ctx context.Context, projectID string) error {
	e.mu.Lock()
	if e.synced[projectID] >= e.gen[projectID] {
		e.mu.Unlock()
		return nil
	}
	p, ok := e.holder.Project(projectID)
	e.mu.Unlock()
	if !ok {
		return queue.Permanent(fmt.Errorf("project %s not found locally", projectID))
	}
	return e.coord.Save(ctx, projectID, p, func(ctx context.Context, _ schema.Project) error {
		return e.send(ctx, projectID)
	})
}

// send saves the project as it is at the time of sending, so a send that
// was coalesced behind another always carries the latest edits.
func (e *Engine) send(ctx context.Context, projectID string) error {
	if err := e.assignPermanentIDs(projectID); err != nil {
		return queue.Permanent(err)
	}

	e.mu.Lock()
	gen := e.gen[projectID]
	if e.synced[projectID] >= gen {
		e.mu.Unlock()
		return nil
	}
	p, ok := e.holder.Project(projectID)
	e.mu.Unlock()
	if !ok {
		return queue.Permanent(fmt.Errorf("project %s not found locally", projectID))
	}

	e.setSyncing(true)
	defer e.setSyncing(false)

	res, err := e.resolver.Save(ctx, p)
	if err != nil {
		return e.sendFailed(err)
	}
	if res.Conflict {
		e.settle(projectID, gen, nil)
		e.refreshConflicts(ctx)
		e.notify(LevelWarning, "%q was changed elsewhere; choose local, remote or merge to continue", p.Name)
		return nil
	}

	e.settle(projectID, gen, res.Saved)
	e.setError(nil)
	if e.State().SessionExpired {
		e.SetSessionExpired(false)
	}
	return nil
}

func (e *Engine) sendFailed(err error) error {
	if errors.Is(err, remote.ErrSessionExpired) {
		e.SetSessionExpired(true)
	}
	var httpErr *remote.HTTPError
	if errors.As(err, &httpErr) && httpErr.Permanent() {
		err = queue.Permanent(err)
	}
	e.setError(err)
	return err
}

// settle marks gen as delivered, commits the snapshots it covers and, when
// saved is set, adopts the version the remote assigned.
func (e *Engine) settle(projectID string, gen uint64, saved *schema.Project) {
	e.mu.Lock()
	if gen > e.synced[projectID] {
		e.synced[projectID] = gen
	}

	var kept []snapRef
	for _, ref := range e.snaps[projectID] {
		if ref.gen <= gen {
			e.opt.CommitSnapshot(ref.id)
			continue
		}
		kept = append(kept, ref)
	}
	if len(kept) == 0 {
		delete(e.snaps, projectID)
	} else {
		e.snaps[projectID] = kept
	}

	var persist *schema.Project
	if saved != nil {
		projects := e.holder.GetAll()
		if idx := schema.FindProject(projects, projectID); idx >= 0 {
			if saved.Version > projects[idx].Version {
				projects[idx].Version = saved.Version
			}
			if e.gen[projectID] == gen {
				projects[idx].UpdatedAt = saved.UpdatedAt
			}
			e.holder.ReplaceAll(projects)
			p := projects[idx]
			persist = &p
		}
	}
	e.mu.Unlock()

	if persist != nil {
		e.cache.ScheduleSaveProject(*persist)
	}
}

func unresolvedTempID(p schema.Project) string {
	for _, t := range p.Tasks {
		if schema.IsTempID(t.ID) {
			return t.ID
		}
	}
	return ""
}

// processTaskCreate gives a new task its permanent id, then saves the
// project it belongs to.
func (e *Engine) processTaskCreate(ctx context.Context, a queue.Action) error {
	pl, err := decodePayload(a)
	if err != nil {
		return err
	}
	if schema.IsTempID(a.EntityID) {
		if err := e.swapTaskID(a.EntityID, pl.ProjectID); err != nil {
			return queue.Permanent(err)
		}
	}
	return e.syncProject(ctx, pl.ProjectID)
}

// swapTaskID replaces an unresolved temp id with a fresh permanent one. A
// temp id that was already resolved is left alone.
func (e *Engine) swapTaskID(tempID, projectID string) error {
	permanentID := uuid.NewString()

	e.mu.Lock()
	if _, resolved := e.opt.ResolveTempID(tempID); resolved {
		e.mu.Unlock()
		return nil
	}
	err := e.opt.SwapID(tempID, permanentID)
	if err == nil {
		e.gen[projectID]++
		e.unpersisted[projectID] = true
	}
	e.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to assign id to %s: %w", tempID, err)
	}

	e.config.Logger.Printf("Task %s is now %s", tempID, permanentID)
	e.coord.SchedulePersist(e.persistLocal)
	return nil
}

// assignPermanentIDs resolves every temp id still present in a project so
// that no temp id ever reaches the remote.
func (e *Engine) assignPermanentIDs(projectID string) error {
	p, ok := e.holder.Project(projectID)
	if !ok {
		return nil
	}
	for _, t := range p.Tasks {
		if !schema.IsTempID(t.ID) {
			continue
		}
		if err := e.swapTaskID(t.ID, projectID); err != nil {
			return err
		}
	}
	return nil
}

// onDeadLetter rolls the project back to its last delivered state when the
// queue gives up on one of its actions.
func (e *Engine) onDeadLetter(dl queue.DeadLetter) {
	pl, err := decodePayload(dl.Action)
	if err != nil {
		return
	}
	e.rollbackProject(pl.ProjectID)
	e.notify(LevelError, "Could not sync %s: %s", dl.Action.Key(), dl.Reason)
}

func (e *Engine) rollbackProject(projectID string) {
	e.mu.Lock()
	refs := e.snaps[projectID]
	delete(e.snaps, projectID)
	e.synced[projectID] = e.gen[projectID]
	delete(e.unpersisted, projectID)

	var version int64
	if cur, ok := e.holder.Project(projectID); ok {
		version = cur.Version
	}
	restored := false
	if len(refs) > 0 {
		restored = e.opt.RollbackProject(refs[0].id, projectID)
		for _, ref := range refs[1:] {
			e.opt.CommitSnapshot(ref.id)
		}
	}
	// the snapshot may predate a version the remote assigned since
	projects := e.holder.GetAll()
	if idx := schema.FindProject(projects, projectID); idx >= 0 && projects[idx].Version < version {
		projects[idx].Version = version
		e.holder.ReplaceAll(projects)
	}
	p, ok := e.holder.Project(projectID)
	e.mu.Unlock()

	if !restored {
		e.config.Logger.Printf("No snapshot left to roll back %s", projectID)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.config.CloseTimeout)
	defer cancel()
	if ok {
		err := e.cache.SaveProject(ctx, p)
		if err != nil {
			e.config.Logger.Printf("Failed to persist rollback of %s: %v", projectID, err)
		}
		return
	}
	if err := e.cache.DeleteProject(ctx, projectID); err != nil {
		e.config.Logger.Printf("Failed to drop rolled back project %s: %v", projectID, err)
	}
}

// persistLocal writes changed projects to the cache and drains the queue.
func (e *Engine) persistLocal(ctx context.Context) error {
	e.mu.Lock()
	ids := make([]string, 0, len(e.unpersisted))
	for id := range e.unpersisted {
		ids = append(ids, id)
	}
	e.unpersisted = make(map[string]bool)
	sort.Strings(ids)
	projects := make([]schema.Project, 0, len(ids))
	for _, id := range ids {
		if p, ok := e.holder.Project(id); ok {
			projects = append(projects, p)
		}
	}
	e.mu.Unlock()

	for i, p := range projects {
		if err := e.cache.SaveProject(ctx, p); err != nil {
			e.mu.Lock()
			for _, rest := range projects[i:] {
				e.unpersisted[rest.ID] = true
			}
			e.mu.Unlock()
			return err
		}
	}

	if e.queue.Online() {
		if err := e.queue.ProcessQueue(ctx); err != nil && !errors.Is(err, queue.ErrClosed) {
			e.config.Logger.Printf("Error draining queue: %v", err)
		}
	}
	return nil
}

// handleRemoteChanges is the realtime handler: every id is re-fetched from
// the remote store.
func (e *Engine) handleRemoteChanges(ctx context.Context, ids []string) {
	for _, id := range ids {
		if err := e.applyRemote(ctx, id); err != nil {
			e.config.Logger.Printf("Failed to apply remote change of %s: %v", id, err)
		}
	}
}

func (e *Engine) applyRemote(ctx context.Context, projectID string) error {
	rec, err := e.resolver.Pending(ctx, projectID)
	if err != nil {
		return err
	}
	if rec != nil {
		e.config.Logger.Printf("Skipping remote change of %s: conflict awaiting resolution", projectID)
		return nil
	}

	fresh, err := e.remote.Get(ctx, projectID)
	if errors.Is(err, remote.ErrNotFound) {
		return nil
	}
	if err != nil {
		if errors.Is(err, remote.ErrSessionExpired) {
			e.SetSessionExpired(true)
		}
		return err
	}

	e.mu.Lock()
	if e.synced[projectID] < e.gen[projectID] {
		e.mu.Unlock()
		e.config.Logger.Printf("Skipping remote change of %s: local changes pending", projectID)
		return nil
	}
	projects := e.holder.GetAll()
	idx := schema.FindProject(projects, projectID)
	kept := 0
	if idx >= 0 {
		if projects[idx].Version >= fresh.Version {
			e.mu.Unlock()
			return nil
		}
		fresh, kept = keepTombstones(projects[idx], fresh)
	}
	fresh, report := e.validator.Repair(fresh)
	if report.Fixed() > 0 {
		e.config.Logger.Printf("Repaired remote copy of %s: %s", projectID, report)
	}

	switch {
	case fresh.IsDeleted() && idx >= 0:
		projects = append(projects[:idx], projects[idx+1:]...)
	case fresh.IsDeleted():
	case idx >= 0:
		projects[idx] = fresh
	default:
		projects = append(projects, fresh)
	}
	e.holder.ReplaceAll(projects)
	if kept > 0 {
		e.gen[projectID]++
		e.unpersisted[projectID] = true
	}
	e.mu.Unlock()

	if err := e.cache.SaveProject(ctx, fresh); err != nil {
		return fmt.Errorf("failed to cache remote copy of %s: %w", projectID, err)
	}
	if kept > 0 {
		e.config.Logger.Printf("Kept %d local deletions in %s", kept, projectID)
		if err := e.enqueue(ctx, queue.EntityProject, queue.ActionUpdate, projectID, projectID, "keep deletions"); err != nil {
			return err
		}
	}
	e.notify(LevelInfo, "%q was updated remotely (version %d)", fresh.Name, fresh.Version)
	return nil
}

// keepTombstones replaces live remote tasks with local tombstones when the
// remote copy was not edited after the deletion.
func keepTombstones(local, fresh schema.Project) (schema.Project, int) {
	kept := 0
	for i := range fresh.Tasks {
		ft := &fresh.Tasks[i]
		lt := local.Task(ft.ID)
		if lt == nil || !lt.IsDeleted() || ft.IsDeleted() {
			continue
		}
		if ft.UpdatedAt.After(*lt.DeletedAt) {
			continue
		}
		*ft = lt.Clone()
		kept++
	}
	return fresh, kept
}

// Reconnect goes online, pushes projects the remote is missing or behind
// on, resubscribes to realtime and drains the queue.
func (e *Engine) Reconnect(ctx context.Context) (conflict.ReconnectResult, error) {
	e.SetOnline(true)

	e.mu.Lock()
	var locals []schema.Project
	for _, p := range e.holder.GetAll() {
		if e.synced[p.ID] >= e.gen[p.ID] && unresolvedTempID(p) == "" {
			locals = append(locals, p)
		}
	}
	e.mu.Unlock()

	res := e.resolver.ReconnectMerge(ctx, locals)
	for i := range res.Saved {
		saved := res.Saved[i]
		e.mu.Lock()
		gen := e.gen[saved.ID]
		e.mu.Unlock()
		e.settle(saved.ID, gen, &saved)
	}

	if e.adapter != nil {
		e.adapter.Reconnect()
	}
	if err := e.queue.ProcessQueue(ctx); err != nil {
		return res, fmt.Errorf("failed to drain queue: %w", err)
	}
	return res, nil
}

// ResolveConflict settles the pending conflict of a project and adopts the
// outcome locally.
func (e *Engine) ResolveConflict(ctx context.Context, projectID string, strategy conflict.Strategy) (conflict.ResolveResult, error) {
	res, err := e.resolver.Resolve(ctx, projectID, strategy)
	if err != nil {
		return res, err
	}

	e.mu.Lock()
	projects := e.holder.GetAll()
	if idx := schema.FindProject(projects, projectID); idx >= 0 {
		projects[idx] = res.Project.Clone()
	} else {
		projects = append(projects, res.Project.Clone())
	}
	e.holder.ReplaceAll(projects)
	gen := e.gen[projectID]
	e.mu.Unlock()

	e.settle(projectID, gen, nil)
	if err := e.cache.SaveProject(ctx, res.Project); err != nil {
		return res, fmt.Errorf("failed to cache resolved %s: %w", projectID, err)
	}
	e.refreshConflicts(ctx)
	e.notify(LevelInfo, "Resolved conflict on %q with %s", res.Project.Name, strategy)
	return res, nil
}

// PendingConflicts returns the stored conflict records.
func (e *Engine) PendingConflicts(ctx context.Context) ([]conflict.Record, error) {
	return e.resolver.PendingAll(ctx)
}

func (e *Engine) refreshConflicts(ctx context.Context) {
	records, err := e.resolver.PendingAll(ctx)
	if err != nil {
		e.config.Logger.Printf("Failed to load conflicts: %v", err)
		return
	}
	sort.Slice(records, func(i, j int) bool { return records[i].DetectedAt.Before(records[j].DetectedAt) })
	e.setConflicts(records)
}

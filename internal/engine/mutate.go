package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/tasksync/tasksync/internal/queue"
	"github.com/tasksync/tasksync/internal/schema"
	"github.com/tasksync/tasksync/internal/tree"
)

// change describes one optimistic mutation.
type change struct {
	projectID string
	label     string
	tempID    string
	entity    string
	action    queue.ActionType
	entityID  string
	// create allows the project to be missing before fn runs.
	create bool
}

// apply snapshots the holder, runs fn on a copy of the project, stores the
// result and queues the remote write. fn errors leave the holder untouched.
func (e *Engine) apply(ctx context.Context, c change, fn func(p *schema.Project) error) error {
	e.mu.Lock()
	snapID := e.opt.CreateSnapshot(c.entity+":"+string(c.action), c.label, c.tempID)

	projects := e.holder.GetAll()
	idx := schema.FindProject(projects, c.projectID)
	var p schema.Project
	switch {
	case idx >= 0:
		p = projects[idx]
	case c.create:
		p = schema.Project{ID: c.projectID}
	default:
		e.opt.CommitSnapshot(snapID)
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrProjectNotFound, c.projectID)
	}

	if err := fn(&p); err != nil {
		e.opt.CommitSnapshot(snapID)
		e.mu.Unlock()
		return err
	}
	p.Touch(e.config.Now())
	if err := p.Validate(); err != nil {
		e.opt.CommitSnapshot(snapID)
		e.mu.Unlock()
		return fmt.Errorf("invalid input: %w", err)
	}
	p, report := e.validator.Repair(p)
	if report.Fixed() > 0 {
		e.config.Logger.Printf("Repaired %s after %s: %s", p.ID, c.label, report)
	}

	if idx >= 0 {
		projects[idx] = p
	} else {
		projects = append(projects, p)
	}
	e.holder.ReplaceAll(projects)
	e.gen[p.ID]++
	e.snaps[p.ID] = append(e.snaps[p.ID], snapRef{id: snapID, gen: e.gen[p.ID]})
	e.unpersisted[p.ID] = true
	e.mu.Unlock()

	e.coord.MarkEditing()
	if err := e.enqueue(ctx, c.entity, c.action, c.entityID, c.projectID, c.label); err != nil {
		return err
	}
	e.coord.SchedulePersist(e.persistLocal)
	return nil
}

func (e *Engine) enqueue(ctx context.Context, entity string, action queue.ActionType, entityID, projectID, label string) error {
	payload, err := json.Marshal(actionPayload{ProjectID: projectID, Label: label})
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	_, err = e.queue.Enqueue(ctx, queue.Action{
		Type:       action,
		EntityType: entity,
		EntityID:   entityID,
		Payload:    payload,
	})
	if err != nil {
		return fmt.Errorf("failed to queue %s: %w", label, err)
	}
	return nil
}

// Mutate applies fn to a project and syncs the result.
func (e *Engine) Mutate(ctx context.Context, projectID, label string, fn func(p *schema.Project) error) error {
	return e.apply(ctx, change{
		projectID: projectID,
		label:     label,
		entity:    queue.EntityProject,
		action:    queue.ActionUpdate,
		entityID:  projectID,
	}, fn)
}

// CreateProject adds an empty project and makes it active.
func (e *Engine) CreateProject(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("invalid input: project name is required")
	}
	id := uuid.NewString()
	err := e.apply(ctx, change{
		projectID: id,
		label:     "create project " + name,
		entity:    queue.EntityProject,
		action:    queue.ActionCreate,
		entityID:  id,
		create:    true,
	}, func(p *schema.Project) error {
		p.Name = name
		p.Tasks = []schema.Task{}
		p.Connections = []schema.Connection{}
		return nil
	})
	if err != nil {
		return "", err
	}
	e.holder.SetActiveID(id)
	return id, nil
}

// DeleteProject tombstones a project. It stays in memory until the
// tombstone reached the remote and is gone after the next Start.
func (e *Engine) DeleteProject(ctx context.Context, projectID string) error {
	return e.apply(ctx, change{
		projectID: projectID,
		label:     "delete project",
		entity:    queue.EntityProject,
		action:    queue.ActionDelete,
		entityID:  projectID,
	}, func(p *schema.Project) error {
		if p.IsDeleted() {
			return fmt.Errorf("%w: %s", ErrProjectNotFound, projectID)
		}
		now := e.config.Now()
		p.DeletedAt = &now
		return nil
	})
}

// CreateTask appends a task under its parent's column and returns the
// temporary id it is known by until the remote accepts it.
func (e *Engine) CreateTask(ctx context.Context, projectID string, task schema.Task) (string, error) {
	tempID := e.opt.GenerateTempID(queue.EntityTask)
	task.ID = tempID
	task.SetDefaults()

	err := e.apply(ctx, change{
		projectID: projectID,
		label:     "create task " + task.Title,
		tempID:    tempID,
		entity:    queue.EntityTask,
		action:    queue.ActionCreate,
		entityID:  tempID,
	}, func(p *schema.Project) error {
		if task.ParentID != nil {
			parentID := e.resolveID(*task.ParentID)
			parent := p.Task(parentID)
			if parent == nil || parent.IsDeleted() {
				return fmt.Errorf("%w: parent %s", ErrTaskNotFound, parentID)
			}
			task.ParentID = schema.StringPtr(parentID)
		}
		rank, count := 0, 0
		for i := range p.Tasks {
			t := &p.Tasks[i]
			if t.IsDeleted() || t.Stage != task.Stage || !sameParent(t.ParentID, task.ParentID) {
				continue
			}
			rank = max(rank, t.Rank)
			count++
		}
		task.Rank = rank + tree.DefaultRankStep
		task.Order = count
		task.UpdatedAt = e.config.Now()
		p.Tasks = append(p.Tasks, task)
		return nil
	})
	if err != nil {
		return "", err
	}
	return tempID, nil
}

func sameParent(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// resolveID maps a resolved temp id to its permanent id.
func (e *Engine) resolveID(id string) string {
	resolved, _ := e.opt.ResolveTempID(id)
	return resolved
}

// UpdateTask applies fn to a live task. Placement changes go through
// MoveTask; fn may still change them but cycles are repaired, not refused.
func (e *Engine) UpdateTask(ctx context.Context, projectID, taskID string, fn func(t *schema.Task) error) error {
	taskID = e.resolveID(taskID)
	return e.apply(ctx, change{
		projectID: projectID,
		label:     "update task",
		entity:    queue.EntityTask,
		action:    queue.ActionUpdate,
		entityID:  taskID,
	}, func(p *schema.Project) error {
		t := p.Task(taskID)
		if t == nil || t.IsDeleted() {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		if err := fn(t); err != nil {
			return err
		}
		t.ID = taskID
		t.UpdatedAt = e.config.Now()
		return nil
	})
}

// MoveTask re-parents a task (nil parent moves it to the top level) and
// places it in stage. Moves that would create a cycle are refused.
func (e *Engine) MoveTask(ctx context.Context, projectID, taskID string, parentID *string, stage int) error {
	taskID = e.resolveID(taskID)
	if parentID != nil {
		parentID = schema.StringPtr(e.resolveID(*parentID))
	}
	return e.apply(ctx, change{
		projectID: projectID,
		label:     "move task",
		entity:    queue.EntityTask,
		action:    queue.ActionUpdate,
		entityID:  taskID,
	}, func(p *schema.Project) error {
		t := p.Task(taskID)
		if t == nil || t.IsDeleted() {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		if parentID != nil {
			parent := p.Task(*parentID)
			if parent == nil || parent.IsDeleted() {
				return fmt.Errorf("%w: parent %s", ErrTaskNotFound, *parentID)
			}
			if tree.HasCycle(p, taskID, *parentID) {
				return fmt.Errorf("invalid input: moving %s under %s creates a cycle", taskID, *parentID)
			}
		}
		rank := 0
		for i := range p.Tasks {
			o := &p.Tasks[i]
			if o.ID != taskID && !o.IsDeleted() && o.Stage == stage && sameParent(o.ParentID, parentID) {
				rank = max(rank, o.Rank)
			}
		}
		t = p.Task(taskID)
		t.ParentID = parentID
		t.Stage = stage
		t.Rank = rank + tree.DefaultRankStep
		t.UpdatedAt = e.config.Now()
		return nil
	})
}

// DeleteTask tombstones a task. Its children and connections stay; the
// tree repair reattaches children to the deleted task's parent.
func (e *Engine) DeleteTask(ctx context.Context, projectID, taskID string) error {
	taskID = e.resolveID(taskID)
	return e.apply(ctx, change{
		projectID: projectID,
		label:     "delete task",
		entity:    queue.EntityTask,
		action:    queue.ActionDelete,
		entityID:  taskID,
	}, func(p *schema.Project) error {
		t := p.Task(taskID)
		if t == nil || t.IsDeleted() {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		t.Tombstone(e.config.Now())
		return nil
	})
}

// RestoreTask brings a tombstoned task back to where it was deleted from.
func (e *Engine) RestoreTask(ctx context.Context, projectID, taskID string) error {
	taskID = e.resolveID(taskID)
	return e.apply(ctx, change{
		projectID: projectID,
		label:     "restore task",
		entity:    queue.EntityTask,
		action:    queue.ActionUpdate,
		entityID:  taskID,
	}, func(p *schema.Project) error {
		t := p.Task(taskID)
		if t == nil {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		if !schema.RestoreTask(t, e.config.Now()) {
			return fmt.Errorf("invalid input: task %s is not deleted", taskID)
		}
		if t.ParentID != nil {
			if parent := p.Task(*t.ParentID); parent == nil || parent.IsDeleted() {
				t.ParentID = nil
			}
		}
		return nil
	})
}

// Connect adds a directed connection between two live tasks.
func (e *Engine) Connect(ctx context.Context, projectID string, conn schema.Connection) error {
	conn.Source = e.resolveID(conn.Source)
	conn.Target = e.resolveID(conn.Target)
	if err := conn.Validate(); err != nil {
		return fmt.Errorf("invalid input: %w", err)
	}
	return e.apply(ctx, change{
		projectID: projectID,
		label:     "connect " + conn.Key(),
		entity:    queue.EntityConnection,
		action:    queue.ActionCreate,
		entityID:  conn.Key(),
	}, func(p *schema.Project) error {
		for _, id := range []string{conn.Source, conn.Target} {
			if t := p.Task(id); t == nil || t.IsDeleted() {
				return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
			}
		}
		for _, c := range p.Connections {
			if c.Key() == conn.Key() {
				return fmt.Errorf("invalid input: connection %s already exists", conn.Key())
			}
		}
		p.Connections = append(p.Connections, conn)
		return nil
	})
}

// Disconnect removes the connection identified by key ({source}--{target}).
func (e *Engine) Disconnect(ctx context.Context, projectID, key string) error {
	source, target, err := schema.ParseConnectionKey(key)
	if err != nil {
		return fmt.Errorf("invalid input: %w", err)
	}
	key = schema.Connection{Source: e.resolveID(source), Target: e.resolveID(target)}.Key()
	return e.apply(ctx, change{
		projectID: projectID,
		label:     "disconnect " + key,
		entity:    queue.EntityConnection,
		action:    queue.ActionDelete,
		entityID:  key,
	}, func(p *schema.Project) error {
		for i, c := range p.Connections {
			if c.Key() == key {
				p.Connections = append(p.Connections[:i], p.Connections[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("connection %s not found", key)
	})
}

// ImportProject takes a project edited outside the engine (a project file)
// as a local mutation. Copies that carry nothing new are ignored; the
// remote version is kept so the edit is checked against it on send.
func (e *Engine) ImportProject(ctx context.Context, in schema.Project) (bool, error) {
	if err := in.Validate(); err != nil {
		return false, fmt.Errorf("invalid input: %w", err)
	}
	if cur, ok := e.holder.Project(in.ID); ok {
		if !in.UpdatedAt.After(cur.UpdatedAt) {
			return false, nil
		}
	}

	err := e.apply(ctx, change{
		projectID: in.ID,
		label:     "import " + in.ID,
		entity:    queue.EntityProject,
		action:    queue.ActionUpdate,
		entityID:  in.ID,
		create:    true,
	}, func(p *schema.Project) error {
		version := p.Version
		*p = in.Clone()
		p.Version = version
		if p.Tasks == nil {
			p.Tasks = []schema.Task{}
		}
		if p.Connections == nil {
			p.Connections = []schema.Connection{}
		}
		return nil
	})
	return err == nil, err
}

package conflict

import (
	"time"

	"github.com/tasksync/tasksync/internal/schema"
	"github.com/tasksync/tasksync/internal/tree"
)

// MergeResult is the outcome of a three-way project merge.
type MergeResult struct {
	Project schema.Project

	// AutoFixed counts tombstone decisions and tree repairs.
	AutoFixed int

	// Conflicts counts tasks both sides edited differently; each was
	// settled by the later UpdatedAt.
	Conflicts int
}

// Merge combines local and remote task by task:
//
//   - tasks present on one side only are kept
//   - when both sides differ in content, the later UpdatedAt wins and ties
//     go to local; X and Y always come from local
//   - a tombstone beats a live copy that was last updated before the
//     deletion, and loses to one updated after it
//   - connections are unioned and deduplicated
//
// The result is repaired with tree.Validator and carries version
// max(local, remote)+1.
func Merge(local, remote schema.Project) MergeResult {
	var res MergeResult

	out := local.Clone()
	out.Tasks = make([]schema.Task, 0, len(local.Tasks)+len(remote.Tasks))

	remoteIdx := make(map[string]int, len(remote.Tasks))
	for i := range remote.Tasks {
		remoteIdx[remote.Tasks[i].ID] = i
	}
	localIDs := make(map[string]bool, len(local.Tasks))

	for i := range local.Tasks {
		lt := local.Tasks[i]
		localIDs[lt.ID] = true
		ri, ok := remoteIdx[lt.ID]
		if !ok {
			out.Tasks = append(out.Tasks, lt.Clone())
			continue
		}
		merged, autoFixed, conflicted := mergeTask(lt, remote.Tasks[ri])
		if autoFixed {
			res.AutoFixed++
		}
		if conflicted {
			res.Conflicts++
		}
		out.Tasks = append(out.Tasks, merged)
	}
	for i := range remote.Tasks {
		if !localIDs[remote.Tasks[i].ID] {
			out.Tasks = append(out.Tasks, remote.Tasks[i].Clone())
		}
	}

	conns := make([]schema.Connection, 0, len(local.Connections)+len(remote.Connections))
	conns = append(conns, local.Connections...)
	conns = append(conns, remote.Connections...)
	out.Connections = schema.DedupeConnections(conns)

	if remote.UpdatedAt.After(local.UpdatedAt) {
		out.Name = remote.Name
		out.UpdatedAt = remote.UpdatedAt
	}
	if local.IsDeleted() || remote.IsDeleted() {
		out.DeletedAt = laterTime(local.DeletedAt, remote.DeletedAt)
	}

	out.Version = max(local.Version, remote.Version) + 1

	repaired, report := tree.New().Repair(out)
	res.AutoFixed += report.Fixed()
	res.Project = repaired
	return res
}

// mergeTask merges two copies of the same task.
func mergeTask(local, remote schema.Task) (merged schema.Task, autoFixed, conflicted bool) {
	switch {
	case local.IsDeleted() && remote.IsDeleted():
		return local.Clone(), false, false

	case local.IsDeleted() != remote.IsDeleted():
		dead, live := local, remote
		if remote.IsDeleted() {
			dead, live = remote, local
		}
		winner := dead
		if live.UpdatedAt.After(*dead.DeletedAt) {
			winner = live
		}
		out := winner.Clone()
		out.X, out.Y = local.X, local.Y
		return out, true, false

	case local.ContentEqual(&remote):
		out := local.Clone()
		if remote.UpdatedAt.After(local.UpdatedAt) {
			copyPlacement(&out, remote)
			out.UpdatedAt = remote.UpdatedAt
		}
		return out, false, false
	}

	out := local.Clone()
	if remote.UpdatedAt.After(local.UpdatedAt) {
		out.Title = remote.Title
		out.Body = remote.Body
		out.Status = remote.Status
		out.Priority = remote.Priority
		out.DueAt = remote.Clone().DueAt
		copyPlacement(&out, remote)
		out.UpdatedAt = remote.UpdatedAt
	}
	return out, false, true
}

func copyPlacement(dst *schema.Task, src schema.Task) {
	src = src.Clone()
	dst.ParentID = src.ParentID
	dst.Stage = src.Stage
	dst.Rank = src.Rank
	dst.Order = src.Order
}

func laterTime(a, b *time.Time) *time.Time {
	switch {
	case a == nil && b == nil:
		return nil
	case a == nil:
		v := *b
		return &v
	case b == nil || !b.After(*a):
		v := *a
		return &v
	default:
		v := *b
		return &v
	}
}

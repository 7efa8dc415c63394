// Package tree repairs the task hierarchy of a project.
//
// Merges and remote adoptions can leave a project with tasks whose parent
// is gone, parent chains that loop, connections to tasks that no longer
// exist and rank collisions inside a column. Repair fixes all of these and
// reports what it touched.
package tree

import (
	"fmt"
	"sort"

	"github.com/tasksync/tasksync/internal/schema"
)

// DefaultRankStep is the gap left between ranks after a rebalance.
const DefaultRankStep = 1000

// Report counts the fixes applied by Repair.
type Report struct {
	OrphansFixed         int
	CyclesBroken         int
	DanglingConnections  int
	DuplicateConnections int
	Rebalanced           int
}

// Fixed returns the total number of fixes.
func (r Report) Fixed() int {
	return r.OrphansFixed + r.CyclesBroken + r.DanglingConnections + r.DuplicateConnections + r.Rebalanced
}

func (r Report) String() string {
	return fmt.Sprintf("orphans=%d cycles=%d dangling=%d duplicates=%d rebalanced=%d",
		r.OrphansFixed, r.CyclesBroken, r.DanglingConnections, r.DuplicateConnections, r.Rebalanced)
}

// Validator repairs project trees.
type Validator struct {
	// RankStep is the spacing used when ranks are rewritten.
	RankStep int
}

// New returns a Validator with the default rank step.
func New() *Validator {
	return &Validator{RankStep: DefaultRankStep}
}

// Repair returns a repaired copy of p. The input is not modified.
func (v *Validator) Repair(p schema.Project) (schema.Project, Report) {
	out := p.Clone()
	var report Report

	report.OrphansFixed = fixOrphans(&out)
	report.CyclesBroken = breakCycles(&out)
	report.DanglingConnections, report.DuplicateConnections = fixConnections(&out)
	report.Rebalanced = v.rebalance(&out)
	return out, report
}

// fixOrphans detaches live tasks whose parent is missing or tombstoned.
func fixOrphans(p *schema.Project) int {
	live := make(map[string]bool, len(p.Tasks))
	for i := range p.Tasks {
		if !p.Tasks[i].IsDeleted() {
			live[p.Tasks[i].ID] = true
		}
	}

	fixed := 0
	for i := range p.Tasks {
		t := &p.Tasks[i]
		if t.IsDeleted() || t.ParentID == nil {
			continue
		}
		if !live[*t.ParentID] || *t.ParentID == t.ID {
			t.ParentID = nil
			fixed++
		}
	}
	return fixed
}

// breakCycles climbs each parent chain and cuts the link that closes a loop.
func breakCycles(p *schema.Project) int {
	index := make(map[string]int, len(p.Tasks))
	for i := range p.Tasks {
		index[p.Tasks[i].ID] = i
	}

	broken := 0
	for i := range p.Tasks {
		seen := map[string]bool{p.Tasks[i].ID: true}
		cur := &p.Tasks[i]
		for cur.ParentID != nil {
			parentIdx, ok := index[*cur.ParentID]
			if !ok {
				break
			}
			if seen[*cur.ParentID] {
				cur.ParentID = nil
				broken++
				break
			}
			seen[*cur.ParentID] = true
			cur = &p.Tasks[parentIdx]
		}
	}
	return broken
}

// fixConnections drops connections whose endpoints are unknown or equal and
// removes duplicate pairs. Connections to tombstoned tasks are kept so a
// restored task gets its edges back.
func fixConnections(p *schema.Project) (dangling, duplicates int) {
	if p.Connections == nil {
		return 0, 0
	}
	known := make(map[string]bool, len(p.Tasks))
	for i := range p.Tasks {
		known[p.Tasks[i].ID] = true
	}

	kept := make([]schema.Connection, 0, len(p.Connections))
	for _, c := range p.Connections {
		if !known[c.Source] || !known[c.Target] || c.Source == c.Target {
			dangling++
			continue
		}
		kept = append(kept, c)
	}
	deduped := schema.DedupeConnections(kept)
	duplicates = len(kept) - len(deduped)
	p.Connections = deduped
	return dangling, duplicates
}

type column struct {
	parent string
	stage  int
}

// rebalance rewrites Rank and Order of live tasks inside each
// (parent, stage) column when ranks collide. Columns without collisions
// only get their Order normalized.
func (v *Validator) rebalance(p *schema.Project) int {
	step := v.RankStep
	if step <= 0 {
		step = DefaultRankStep
	}

	columns := make(map[column][]int)
	var keys []column
	for i := range p.Tasks {
		t := &p.Tasks[i]
		if t.IsDeleted() {
			continue
		}
		key := column{stage: t.Stage}
		if t.ParentID != nil {
			key.parent = *t.ParentID
		}
		if _, ok := columns[key]; !ok {
			keys = append(keys, key)
		}
		columns[key] = append(columns[key], i)
	}

	changed := 0
	for _, key := range keys {
		idxs := columns[key]
		sort.SliceStable(idxs, func(a, b int) bool {
			ta, tb := &p.Tasks[idxs[a]], &p.Tasks[idxs[b]]
			if ta.Rank != tb.Rank {
				return ta.Rank < tb.Rank
			}
			if ta.Order != tb.Order {
				return ta.Order < tb.Order
			}
			return ta.ID < tb.ID
		})

		collide := false
		for n := 1; n < len(idxs); n++ {
			if p.Tasks[idxs[n]].Rank == p.Tasks[idxs[n-1]].Rank {
				collide = true
				break
			}
		}

		for n, idx := range idxs {
			t := &p.Tasks[idx]
			touched := false
			if collide && t.Rank != (n+1)*step {
				t.Rank = (n + 1) * step
				touched = true
			}
			if t.Order != n {
				t.Order = n
				touched = true
			}
			if touched {
				changed++
			}
		}
	}
	return changed
}

// HasCycle reports whether making parentID the parent of childID would
// close a loop in p.
func HasCycle(p *schema.Project, childID, parentID string) bool {
	cur := parentID
	for steps := 0; cur != "" && steps <= len(p.Tasks); steps++ {
		if cur == childID {
			return true
		}
		t := p.Task(cur)
		if t == nil || t.ParentID == nil {
			return false
		}
		cur = *t.ParentID
	}
	return cur != ""
}

package schema

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func sampleProject() Project {
	now := time.Date(2026, 1, 10, 7, 36, 29, 0, time.UTC)
	due := now.Add(48 * time.Hour)
	return Project{
		ID:        "proj-1",
		Name:      "Launch",
		Version:   3,
		UpdatedAt: now,
		Tasks: []Task{
			{ID: "temp-abc", Title: "Root", Status: StatusTodo, Stage: 1, Rank: 1000, UpdatedAt: now},
			{ID: "t-2", ParentID: StringPtr("temp-abc"), Title: "Child", Status: StatusInProgress, Stage: 2, Rank: 1000, DueAt: &due, UpdatedAt: now},
			{ID: "t-3", ParentID: StringPtr("temp-abc"), Title: "Other child", Status: StatusDone, Stage: 2, Rank: 2000, UpdatedAt: now},
		},
		Connections: []Connection{
			{Source: "temp-abc", Target: "t-3"},
			{Source: "t-2", Target: "temp-abc"},
		},
	}
}

func TestTask_Validate(t *testing.T) {
	tests := []struct {
		name    string
		task    Task
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid task",
			task: Task{ID: "t-1", Title: "Write docs", Status: StatusTodo, Priority: 1},
		},
		{
			name:    "missing id",
			task:    Task{Title: "Test", Status: StatusTodo},
			wantErr: true,
			errMsg:  "id is required",
		},
		{
			name:    "missing title",
			task:    Task{ID: "t-1", Status: StatusTodo},
			wantErr: true,
			errMsg:  "title is required",
		},
		{
			name:    "priority out of range",
			task:    Task{ID: "t-1", Title: "x", Status: StatusTodo, Priority: 7},
			wantErr: true,
			errMsg:  "priority must be between 0 and 4 (got 7)",
		},
		{
			name:    "own parent",
			task:    Task{ID: "t-1", Title: "x", Status: StatusTodo, ParentID: StringPtr("t-1")},
			wantErr: true,
			errMsg:  "task t-1 cannot be its own parent",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && err.Error() != tt.errMsg {
				t.Errorf("Validate() error = %q, want %q", err.Error(), tt.errMsg)
			}
		})
	}
}

func TestProject_ValidateDuplicateTask(t *testing.T) {
	p := sampleProject()
	p.Tasks = append(p.Tasks, p.Tasks[0])
	if err := p.Validate(); err == nil {
		t.Fatal("Validate() should reject duplicate task ids")
	}
}

// TestProject_CloneIsDeep tests that mutating a clone never leaks back.
func TestProject_CloneIsDeep(t *testing.T) {
	orig := sampleProject()
	clone := orig.Clone()

	if !reflect.DeepEqual(orig, clone) {
		t.Fatal("Clone() should be deep-equal to the original")
	}

	*clone.Tasks[1].ParentID = "changed"
	*clone.Tasks[1].DueAt = clone.Tasks[1].DueAt.Add(time.Hour)
	clone.Tasks[0].Title = "changed"
	clone.Connections[0].Source = "changed"

	if *orig.Tasks[1].ParentID != "temp-abc" {
		t.Errorf("ParentID leaked into original: %q", *orig.Tasks[1].ParentID)
	}
	if orig.Tasks[0].Title != "Root" {
		t.Errorf("Title leaked into original: %q", orig.Tasks[0].Title)
	}
	if orig.Connections[0].Source != "temp-abc" {
		t.Errorf("Connection leaked into original: %q", orig.Connections[0].Source)
	}
	if orig.Tasks[1].DueAt.Equal(*clone.Tasks[1].DueAt) {
		t.Error("DueAt pointer is shared between original and clone")
	}
}

// TestRewriteIDs tests the temp-id cascade over tasks, parents and connections.
func TestRewriteIDs(t *testing.T) {
	in := []Project{sampleProject()}
	out := RewriteIDs(in, "temp-abc", "srv-1")

	p := out[0]
	if p.Tasks[0].ID != "srv-1" {
		t.Errorf("task id = %q, want srv-1", p.Tasks[0].ID)
	}
	for _, task := range p.Tasks[1:] {
		if !task.ParentIs("srv-1") {
			t.Errorf("task %s parent = %v, want srv-1", task.ID, task.ParentID)
		}
	}
	if p.Connections[0].Source != "srv-1" || p.Connections[1].Target != "srv-1" {
		t.Errorf("connections not rewritten: %+v", p.Connections)
	}

	// Input untouched.
	if in[0].Tasks[0].ID != "temp-abc" || !in[0].Tasks[1].ParentIs("temp-abc") {
		t.Error("RewriteIDs() mutated its input")
	}
}

func TestRewriteIDs_TombstoneMeta(t *testing.T) {
	p := sampleProject()
	p.Tasks[1].Tombstone(time.Now())
	out := RewriteIDs([]Project{p}, "temp-abc", "srv-1")

	meta := out[0].Tasks[1].DeletedMeta
	if meta == nil || meta.ParentID == nil || *meta.ParentID != "srv-1" {
		t.Errorf("DeletedMeta.ParentID not rewritten: %+v", meta)
	}
}

func TestTombstoneAndRestore(t *testing.T) {
	p := sampleProject()
	task := &p.Tasks[1]
	now := time.Now()

	task.Tombstone(now)
	if !task.IsDeleted() {
		t.Fatal("task should be deleted")
	}
	task.ParentID = nil
	task.Rank = 0

	if !RestoreTask(task, now.Add(time.Second)) {
		t.Fatal("RestoreTask() = false, want true")
	}
	if task.IsDeleted() {
		t.Error("task should be alive after restore")
	}
	if !task.ParentIs("temp-abc") || task.Rank != 1000 {
		t.Errorf("placement not restored: parent=%v rank=%d", task.ParentID, task.Rank)
	}
	if RestoreTask(task, now) {
		t.Error("RestoreTask() on a live task should return false")
	}
}

func TestWorkingCopyDropsTombstones(t *testing.T) {
	p := sampleProject()
	p.Tasks[2].Tombstone(time.Now())

	wc := p.WorkingCopy()
	if len(wc.Tasks) != 2 {
		t.Fatalf("len(Tasks) = %d, want 2", len(wc.Tasks))
	}
	if len(wc.Connections) != 1 {
		t.Errorf("len(Connections) = %d, want 1", len(wc.Connections))
	}
	if len(p.Tasks) != 3 {
		t.Error("WorkingCopy() mutated its receiver")
	}
}

func TestContentEqualIgnoresPosition(t *testing.T) {
	p := sampleProject()
	a := p.Tasks[1].Clone()
	b := p.Tasks[1].Clone()
	b.X, b.Y, b.Rank = 99, 42, 7

	if !a.ContentEqual(&b) {
		t.Error("ContentEqual() should ignore position and placement")
	}
	b.Title = "different"
	if a.ContentEqual(&b) {
		t.Error("ContentEqual() should notice a title change")
	}
}

func TestDedupeConnections(t *testing.T) {
	in := []Connection{
		{Source: "a", Target: "b"},
		{Source: "b", Target: "a"},
		{Source: "a", Target: "b", Label: "dup"},
	}
	out := DedupeConnections(in)
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
	if out[0].Label != "" {
		t.Errorf("first occurrence should win, got label %q", out[0].Label)
	}
}

func TestParseConnectionKey(t *testing.T) {
	c := Connection{Source: "t-1", Target: "t-2"}
	src, dst, err := ParseConnectionKey(c.Key())
	if err != nil {
		t.Fatalf("ParseConnectionKey() failed: %v", err)
	}
	if src != "t-1" || dst != "t-2" {
		t.Errorf("got (%q, %q), want (t-1, t-2)", src, dst)
	}
	if _, _, err := ParseConnectionKey("nope"); err == nil {
		t.Error("ParseConnectionKey() should reject malformed keys")
	}
}

func TestWriteAndReadProjectFile(t *testing.T) {
	dir := t.TempDir()
	p := sampleProject()

	if err := WriteProjectFile(dir, &p); err != nil {
		t.Fatalf("WriteProjectFile() failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "proj-1.json.tmp")); !os.IsNotExist(err) {
		t.Error("temp file should be renamed away")
	}

	got, err := ReadProjectFile(filepath.Join(dir, "proj-1.json"))
	if err != nil {
		t.Fatalf("ReadProjectFile() failed: %v", err)
	}
	if got.Version != 3 || len(got.Tasks) != 3 {
		t.Errorf("got version=%d tasks=%d", got.Version, len(got.Tasks))
	}

	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0644); err != nil {
		t.Fatal(err)
	}
	all, err := ReadAllProjectFiles(dir)
	if err != nil {
		t.Fatalf("ReadAllProjectFiles() failed: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("len(all) = %d, want 1 (invalid file skipped)", len(all))
	}
}

func TestReadAllProjectFiles_MissingDir(t *testing.T) {
	all, err := ReadAllProjectFiles(filepath.Join(t.TempDir(), "missing"))
	if err != nil {
		t.Fatalf("ReadAllProjectFiles() failed: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("len(all) = %d, want 0", len(all))
	}
}

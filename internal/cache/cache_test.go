package cache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tasksync/tasksync/internal/schema"
)

func testDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "cache.db")
}

func quietConfig() *Config {
	return &Config{
		WriteDebounce: 20 * time.Millisecond,
		Logger:        log.New(io.Discard, "", 0),
	}
}

func testProject(id string, version int64) schema.Project {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return schema.Project{
		ID:        id,
		Name:      "Project " + id,
		Version:   version,
		UpdatedAt: now,
		Tasks: []schema.Task{
			{ID: id + "-a", Title: "A", Status: schema.StatusTodo, Stage: 1, Rank: 1000, UpdatedAt: now},
			{ID: id + "-b", Title: "B", Status: schema.StatusTodo, Stage: 1, Rank: 2000, UpdatedAt: now},
		},
		Connections: []schema.Connection{{Source: id + "-a", Target: id + "-b"}},
	}
}

// backends runs a test against both the SQLite and the memory backend.
func backends(t *testing.T, fn func(t *testing.T, s *Store)) {
	t.Run("sqlite", func(t *testing.T) {
		s, err := Open(testDBPath(t), quietConfig())
		if err != nil {
			t.Fatalf("Open() failed: %v", err)
		}
		defer s.Close()
		fn(t, s)
	})
	t.Run("memory", func(t *testing.T) {
		s := NewMemory(quietConfig())
		defer s.Close()
		fn(t, s)
	})
}

func TestOpenDB_SchemaVersion(t *testing.T) {
	path := testDBPath(t)
	db, err := OpenDB(path)
	if err != nil {
		t.Fatalf("OpenDB() failed: %v", err)
	}
	v, err := db.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("SchemaVersion() failed: %v", err)
	}
	if v != len(migrations) {
		t.Errorf("SchemaVersion() = %d, want %d", v, len(migrations))
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	// Reopening is idempotent.
	db, err = OpenDB(path)
	if err != nil {
		t.Fatalf("second OpenDB() failed: %v", err)
	}
	defer db.Close()
	if v, _ := db.SchemaVersion(context.Background()); v != len(migrations) {
		t.Errorf("SchemaVersion() after reopen = %d", v)
	}
}

func TestTransactions(t *testing.T) {
	backends(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		b := s.Backend()

		err := b.Update(ctx, func(tx Tx) error {
			if err := tx.Put("items", "b", []byte(`2`), map[string]string{"color": "red"}); err != nil {
				return err
			}
			if err := tx.Put("items", "a", []byte(`1`), map[string]string{"color": "blue"}); err != nil {
				return err
			}
			return tx.Put("items", "c", []byte(`3`), map[string]string{"color": "red"})
		})
		if err != nil {
			t.Fatalf("Update() failed: %v", err)
		}

		err = b.View(ctx, func(tx Tx) error {
			v, err := tx.Get("items", "a")
			if err != nil {
				return err
			}
			if string(v) != "1" {
				t.Errorf("Get(a) = %s, want 1", v)
			}
			if _, err := tx.Get("items", "zzz"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get(zzz) error = %v, want ErrNotFound", err)
			}

			all, err := tx.GetAll("items")
			if err != nil {
				return err
			}
			if len(all) != 3 || all[0].Key != "a" || all[2].Key != "c" {
				t.Errorf("GetAll() = %+v", all)
			}

			red, err := tx.GetByIndex("items", "color", "red")
			if err != nil {
				return err
			}
			if len(red) != 2 || red[0].Key != "b" || red[1].Key != "c" {
				t.Errorf("GetByIndex(red) = %+v", red)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("View() failed: %v", err)
		}

		// A failing transaction leaves nothing behind.
		boom := errors.New("boom")
		err = b.Update(ctx, func(tx Tx) error {
			if err := tx.Delete("items", "a"); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("Update() error = %v, want boom", err)
		}
		_ = b.View(ctx, func(tx Tx) error {
			if _, err := tx.Get("items", "a"); err != nil {
				t.Errorf("rolled back delete still applied: %v", err)
			}
			return nil
		})

		// Put replaces index entries.
		_ = b.Update(ctx, func(tx Tx) error {
			return tx.Put("items", "b", []byte(`22`), map[string]string{"color": "green"})
		})
		_ = b.View(ctx, func(tx Tx) error {
			red, _ := tx.GetByIndex("items", "color", "red")
			if len(red) != 1 {
				t.Errorf("GetByIndex(red) after reindex = %d records, want 1", len(red))
			}
			return nil
		})
	})
}

func TestSaveAndLoadProjects(t *testing.T) {
	backends(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		if err := s.SaveProject(ctx, testProject("p1", 2)); err != nil {
			t.Fatalf("SaveProject() failed: %v", err)
		}
		if err := s.SaveProject(ctx, testProject("p2", 5)); err != nil {
			t.Fatalf("SaveProject() failed: %v", err)
		}

		got, err := s.LoadProjects(ctx)
		if err != nil {
			t.Fatalf("LoadProjects() failed: %v", err)
		}
		if len(got) != 2 || got[0].ID != "p1" || got[1].Version != 5 {
			t.Fatalf("LoadProjects() = %+v", got)
		}

		one, err := s.LoadProject(ctx, "p2")
		if err != nil {
			t.Fatalf("LoadProject() failed: %v", err)
		}
		if len(one.Tasks) != 2 {
			t.Errorf("len(Tasks) = %d, want 2", len(one.Tasks))
		}
		if _, err := s.LoadProject(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("LoadProject(missing) error = %v, want ErrNotFound", err)
		}
	})
}

// TestLoadWorkingSetFiltersTombstones tests that deleted items never come back on restore.
func TestLoadWorkingSetFiltersTombstones(t *testing.T) {
	backends(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		now := time.Now()

		live := testProject("live", 1)
		live.Tasks[1].Tombstone(now)
		gone := testProject("gone", 1)
		gone.DeletedAt = &now

		for _, p := range []schema.Project{live, gone} {
			if err := s.SaveProject(ctx, p); err != nil {
				t.Fatalf("SaveProject() failed: %v", err)
			}
		}

		ws, err := s.LoadWorkingSet(ctx)
		if err != nil {
			t.Fatalf("LoadWorkingSet() failed: %v", err)
		}
		if len(ws) != 1 || ws[0].ID != "live" {
			t.Fatalf("LoadWorkingSet() = %+v", ws)
		}
		if len(ws[0].Tasks) != 1 {
			t.Errorf("tombstoned task restored: %+v", ws[0].Tasks)
		}
		if len(ws[0].Connections) != 0 {
			t.Errorf("connection to tombstoned task restored: %+v", ws[0].Connections)
		}

		ids, err := s.ProjectIDs(ctx, true)
		if err != nil {
			t.Fatalf("ProjectIDs() failed: %v", err)
		}
		if len(ids) != 1 || ids[0] != "gone" {
			t.Errorf("ProjectIDs(deleted) = %v, want [gone]", ids)
		}
	})
}

// TestScheduleSaveProjectCoalesces tests per-project write debouncing.
func TestScheduleSaveProjectCoalesces(t *testing.T) {
	backends(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		for v := int64(1); v <= 5; v++ {
			s.ScheduleSaveProject(testProject("p1", v))
		}
		s.ScheduleSaveProject(testProject("p2", 9))

		if n := s.PendingWrites(); n != 2 {
			t.Errorf("PendingWrites() = %d, want 2", n)
		}

		deadline := time.Now().Add(2 * time.Second)
		for s.PendingWrites() > 0 && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}

		p, err := s.LoadProject(ctx, "p1")
		if err != nil {
			t.Fatalf("LoadProject() failed: %v", err)
		}
		if p.Version != 5 {
			t.Errorf("Version = %d, want latest scheduled (5)", p.Version)
		}
	})
}

func TestFlushAndSaveSupersedePending(t *testing.T) {
	backends(t, func(t *testing.T, s *Store) {
		ctx := context.Background()

		s.ScheduleSaveProject(testProject("p1", 1))
		if err := s.SaveProject(ctx, testProject("p1", 7)); err != nil {
			t.Fatalf("SaveProject() failed: %v", err)
		}
		if n := s.PendingWrites(); n != 0 {
			t.Errorf("PendingWrites() = %d, want 0", n)
		}

		s.ScheduleSaveProject(testProject("p3", 3))
		if err := s.Flush(ctx); err != nil {
			t.Fatalf("Flush() failed: %v", err)
		}
		time.Sleep(50 * time.Millisecond)

		p1, _ := s.LoadProject(ctx, "p1")
		if p1 == nil || p1.Version != 7 {
			t.Errorf("stale debounced write overwrote direct save: %+v", p1)
		}
		if _, err := s.LoadProject(ctx, "p3"); err != nil {
			t.Errorf("flushed project missing: %v", err)
		}
	})
}

// TestLegacyDocumentMigration tests that old documents are upgraded and re-persisted.
func TestLegacyDocumentMigration(t *testing.T) {
	backends(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		legacy := `{
			"id": "old",
			"version": 4,
			"tasks": [
				{"id": "t1", "title": "One", "status": "todo", "description": "legacy body", "updated_at": "2025-05-01T10:00:00Z"},
				{"id": "t2", "title": "Two", "status": "todo", "stage": 2, "updated_at": "2025-06-01T10:00:00Z"}
			],
			"connections": [
				{"source": "t1", "target": "t2"},
				{"source": "t1", "target": "t2"}
			]
		}`
		err := s.Backend().Update(ctx, func(tx Tx) error {
			return tx.Put(collectionProjects, "old", []byte(legacy), nil)
		})
		if err != nil {
			t.Fatalf("seed failed: %v", err)
		}

		got, err := s.LoadProjects(ctx)
		if err != nil {
			t.Fatalf("LoadProjects() failed: %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("len = %d, want 1", len(got))
		}
		p := got[0]
		if p.Tasks[0].Body != "legacy body" {
			t.Errorf("Body = %q, want migrated description", p.Tasks[0].Body)
		}
		if p.Tasks[0].Stage != 1 || p.Tasks[1].Stage != 2 {
			t.Errorf("stages = %d,%d want 1,2", p.Tasks[0].Stage, p.Tasks[1].Stage)
		}
		if p.Tasks[1].Order != 1 {
			t.Errorf("Order = %d, want 1", p.Tasks[1].Order)
		}
		if len(p.Connections) != 1 {
			t.Errorf("connections not deduped: %+v", p.Connections)
		}
		want := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
		if !p.UpdatedAt.Equal(want) {
			t.Errorf("UpdatedAt = %v, want %v", p.UpdatedAt, want)
		}

		// The migrated form was written back.
		_ = s.Backend().View(ctx, func(tx Tx) error {
			raw, err := tx.Get(collectionProjects, "old")
			if err != nil {
				t.Fatalf("Get() failed: %v", err)
			}
			if !strings.Contains(string(raw), `"schema_version":3`) {
				t.Errorf("document not re-persisted: %s", raw)
			}
			return nil
		})
		ids, _ := s.ProjectIDs(ctx, false)
		if len(ids) != 1 {
			t.Errorf("migrated document not indexed: %v", ids)
		}
	})
}

func TestOpenOrMemoryDegrades(t *testing.T) {
	// The parent "directory" is a regular file, so the database cannot be created.
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	s := OpenOrMemory(filepath.Join(blocker, "cache.db"), quietConfig())
	defer s.Close()

	if !s.Degraded() {
		t.Fatal("Degraded() = false, want true")
	}
	if err := s.SaveProject(context.Background(), testProject("p", 1)); err != nil {
		t.Fatalf("SaveProject() on memory fallback failed: %v", err)
	}
}

func TestDurableKV(t *testing.T) {
	backends(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		got, err := s.Load(ctx, "retry-queue")
		if err != nil || got != nil {
			t.Fatalf("Load(missing) = %s, %v; want nil, nil", got, err)
		}
		if err := s.Save(ctx, "retry-queue", []byte(`[]`)); err != nil {
			t.Fatalf("Save() failed: %v", err)
		}
		got, err = s.Load(ctx, "retry-queue")
		if err != nil || string(got) != "[]" {
			t.Errorf("Load() = %s, %v", got, err)
		}
	})
}

func TestJSONDocuments(t *testing.T) {
	backends(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		type doc struct {
			Name string `json:"name"`
		}
		if err := s.PutJSON(ctx, "conflicts", "p1", doc{Name: "x"}); err != nil {
			t.Fatalf("PutJSON() failed: %v", err)
		}
		var out doc
		if err := s.GetJSON(ctx, "conflicts", "p1", &out); err != nil {
			t.Fatalf("GetJSON() failed: %v", err)
		}
		if out.Name != "x" {
			t.Errorf("Name = %q, want x", out.Name)
		}
		list, err := s.ListJSON(ctx, "conflicts")
		if err != nil || len(list) != 1 {
			t.Errorf("ListJSON() = %v, %v", list, err)
		}
		if err := s.DeleteJSON(ctx, "conflicts", "p1"); err != nil {
			t.Fatalf("DeleteJSON() failed: %v", err)
		}
		if err := s.GetJSON(ctx, "conflicts", "p1", &out); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetJSON() after delete error = %v, want ErrNotFound", err)
		}
	})
}

func TestExportImportJSONL(t *testing.T) {
	ctx := context.Background()
	src := NewMemory(quietConfig())
	defer src.Close()
	_ = src.SaveProject(ctx, testProject("p1", 3))
	_ = src.SaveProject(ctx, testProject("p2", 1))

	var buf bytes.Buffer
	n, err := src.ExportJSONL(ctx, &buf)
	if err != nil {
		t.Fatalf("ExportJSONL() failed: %v", err)
	}
	if n != 2 {
		t.Errorf("exported %d, want 2", n)
	}

	dst := NewMemory(quietConfig())
	defer dst.Close()
	_ = dst.SaveProject(ctx, testProject("p1", 9))

	buf.WriteString(`{"id": ""}` + "\n")
	res, err := dst.ImportJSONL(ctx, &buf)
	if err != nil {
		t.Fatalf("ImportJSONL() failed: %v", err)
	}
	if res.ProjectsImported != 1 {
		t.Errorf("ProjectsImported = %d, want 1", res.ProjectsImported)
	}
	if res.ProjectsSkipped != 2 {
		t.Errorf("ProjectsSkipped = %d, want 2 (newer local + invalid)", res.ProjectsSkipped)
	}
	p1, _ := dst.LoadProject(ctx, "p1")
	if p1.Version != 9 {
		t.Errorf("import overwrote newer project: version %d", p1.Version)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	s, err := Open(testDBPath(t), quietConfig())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	s.ScheduleSaveProject(testProject("p", 1))
	if err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() failed: %v", err)
	}
}

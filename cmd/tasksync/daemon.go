package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tasksync/tasksync/internal/engine"
	"github.com/tasksync/tasksync/internal/schema"
	"github.com/tasksync/tasksync/internal/watch"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Keep projects in sync in the background",
	Long: `Run the sync engine until interrupted.

The daemon subscribes to the central store's change feed, delivers queued
changes as soon as the store is reachable and mirrors every project to
<data-dir>/projects/{id}.json. Edits to those files are picked up and synced
like any other local change.

Example usage:
  tasksync daemon
  tasksync daemon --scope 5f0c...   # only follow one project`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if scope, _ := cmd.Flags().GetString("scope"); scope != "" {
			cfg.Scope = scope
		}
		interval, _ := cmd.Flags().GetDuration("mirror-interval")
		dir := cfg.ProjectsDir()

		s := openEngine(ctx, true)
		m := &mirror{engine: s.engine, dir: dir, written: make(map[string]string)}
		m.sync()

		logger := newLogger("[daemon]")
		wcfg := watch.DefaultConfig(dir)
		wcfg.Logger = newLogger("[watch]")
		w, err := watch.New(wcfg, func(c watch.Change) {
			if c.Op == watch.OpRemove {
				logger.Printf("Project file for %s removed; use 'tasksync project delete' to delete projects", c.ProjectID)
				return
			}
			m.importFile(ctx, c.Project)
		})
		if err != nil {
			s.close()
			fatalf("failed to create watcher: %v", err)
		}
		if err := w.Start(); err != nil {
			s.close()
			fatalf("failed to watch %s: %v", dir, err)
		}

		// Files edited while the daemon was down.
		if found, err := w.Scan(); err != nil {
			logger.Printf("Failed to scan %s: %v", dir, err)
		} else {
			for _, p := range found {
				m.importFile(ctx, p)
			}
		}

		fmt.Printf("Syncing with %s\n", cfg.Remote.URL)
		fmt.Printf("Project files: %s\n", dir)
		fmt.Println("\nPress Ctrl+C to stop...")

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case <-ticker.C:
				m.sync()
			}
		}

		fmt.Println("\nShutting down...")
		if err := w.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error stopping watcher: %v\n", err)
		}
		s.close()
		fmt.Println("Daemon stopped")
	},
}

// mirror keeps project files in step with the engine. written holds the
// content fingerprint of the last file written or imported per project.
type mirror struct {
	engine *engine.Engine
	dir    string

	mu      sync.Mutex
	written map[string]string
}

// sync writes files for projects whose content changed since the last
// write and removes nothing.
func (m *mirror) sync() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.engine.Projects() {
		if p.IsDeleted() {
			continue
		}
		fp := fingerprint(p)
		if m.written[p.ID] == fp {
			continue
		}
		if err := schema.WriteProjectFile(m.dir, &p); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing project file: %v\n", err)
			continue
		}
		m.written[p.ID] = fp
	}
}

// importFile applies an edited project file. Files matching the engine's
// copy are ignored; real edits are stamped so they win over the cached
// copy even when the editor kept the old updated_at.
func (m *mirror) importFile(ctx context.Context, p *schema.Project) {
	if p == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	in := *p
	fp := fingerprint(in)
	if cur, ok := m.engine.Project(in.ID); ok {
		if fingerprint(cur) == fp {
			return
		}
		if !in.UpdatedAt.After(cur.UpdatedAt) {
			in.UpdatedAt = time.Now()
		}
	}
	applied, err := m.engine.ImportProject(ctx, in)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error importing %s: %v\n", in.ID, err)
		return
	}
	if applied {
		m.written[in.ID] = fp
		fmt.Printf("Imported edits to %s\n", in.Name)
	}
}

// fingerprint identifies a project's content regardless of its version
// and timestamp.
func fingerprint(p schema.Project) string {
	p.Version = 0
	p.UpdatedAt = time.Time{}
	data, err := json.Marshal(p)
	if err != nil {
		return ""
	}
	return string(data)
}

func init() {
	daemonCmd.Flags().String("scope", "", "only follow this project (default: all)")
	daemonCmd.Flags().Duration("mirror-interval", 2*time.Second, "how often project files are refreshed")

	rootCmd.AddCommand(daemonCmd)
}

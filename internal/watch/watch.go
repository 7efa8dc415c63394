// Package watch turns edits of project files into change callbacks.
//
// A Watcher observes a projects directory holding one {id}.json document
// per project. Bursts of events for the same file (editors often write,
// truncate and rename) are debounced, then the file is parsed and handed to
// the callback. Removing a file reports OpRemove with only the id set.
package watch

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tasksync/tasksync/internal/schedule"
	"github.com/tasksync/tasksync/internal/schema"
)

// Op is the kind of change observed for a project file.
type Op int

const (
	// OpWrite means the file was created or modified.
	OpWrite Op = iota
	// OpRemove means the file is gone.
	OpRemove
)

// String returns a human-readable representation of the operation.
func (op Op) String() string {
	switch op {
	case OpWrite:
		return "write"
	case OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Change is one debounced project file change.
type Change struct {
	ProjectID string
	Path      string
	Op        Op
	// Project is the parsed document; nil for OpRemove.
	Project *schema.Project
}

// Config holds configuration for the watcher.
type Config struct {
	// Dir is the projects directory to watch.
	Dir string

	// Debounce is the quiet time per file before it is read (default 200ms).
	Debounce time.Duration

	// Logger for watcher activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults for the given directory.
func DefaultConfig(dir string) *Config {
	return &Config{
		Dir:      dir,
		Debounce: 200 * time.Millisecond,
		Logger:   log.New(os.Stderr, "[watch] ", log.LstdFlags),
	}
}

// Watcher watches a projects directory for *.json changes.
type Watcher struct {
	watcher  *fsnotify.Watcher
	config   *Config
	sched    *schedule.Scheduler
	onChange func(Change)

	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	stopped bool
}

// New creates a watcher. It must be started with Start before it emits
// changes.
func New(config *Config, onChange func(Change)) (*Watcher, error) {
	if config == nil || config.Dir == "" {
		return nil, fmt.Errorf("projects directory is required")
	}
	if onChange == nil {
		return nil, fmt.Errorf("change callback cannot be nil")
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig(config.Dir).Logger
	}
	if config.Debounce <= 0 {
		config.Debounce = DefaultConfig(config.Dir).Debounce
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		watcher:  w,
		config:   config,
		sched:    schedule.New(),
		onChange: onChange,
		done:     make(chan struct{}),
	}, nil
}

// Start creates the directory if needed and begins watching it.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}
	if w.stopped {
		return fmt.Errorf("watcher already stopped")
	}

	if err := os.MkdirAll(w.config.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create projects directory %s: %w", w.config.Dir, err)
	}
	if err := w.watcher.Add(w.config.Dir); err != nil {
		return fmt.Errorf("failed to watch projects directory %s: %w", w.config.Dir, err)
	}

	w.running = true
	w.wg.Add(1)
	go w.processEvents()

	w.config.Logger.Printf("Watching %s", w.config.Dir)
	return nil
}

// Stop stops watching and drops pending debounced changes. Safe to call
// multiple times.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	wasRunning := w.running
	w.running = false
	w.mu.Unlock()

	w.sched.Close()
	if wasRunning {
		close(w.done)
	}
	err := w.watcher.Close()
	w.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// IsRunning returns true if the watcher is currently running.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Scan reads every project file currently in the directory.
func (w *Watcher) Scan() ([]*schema.Project, error) {
	return schema.ReadAllProjectFiles(w.config.Dir)
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !relevant(event) {
				continue
			}
			path := event.Name
			w.sched.Schedule(path, w.config.Debounce, func() { w.emit(path) })

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// relevant filters out non-JSON files and chmod-only events.
func relevant(event fsnotify.Event) bool {
	if !strings.HasSuffix(event.Name, ".json") {
		return false
	}
	return event.Has(fsnotify.Create) || event.Has(fsnotify.Write) ||
		event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)
}

// emit reads the settled file and reports it.
func (w *Watcher) emit(path string) {
	id := strings.TrimSuffix(filepath.Base(path), ".json")

	if _, err := os.Stat(path); os.IsNotExist(err) {
		w.onChange(Change{ProjectID: id, Path: path, Op: OpRemove})
		return
	}

	p, err := schema.ReadProjectFile(path)
	if err != nil {
		w.config.Logger.Printf("Skipping %s: %v", path, err)
		return
	}
	if p.ID != id {
		w.config.Logger.Printf("Skipping %s: document id %q does not match file name", path, p.ID)
		return
	}
	w.onChange(Change{ProjectID: id, Path: path, Op: OpWrite, Project: p})
}

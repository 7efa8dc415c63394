package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/tasksync/tasksync/internal/schedule"
	"github.com/tasksync/tasksync/internal/schema"
)

const (
	collectionProjects = "projects"
	collectionDurable  = "durable"

	indexState = "state"
	stateLive  = "live"
	stateGone  = "deleted"
)

// Config holds configuration for the Store.
type Config struct {
	// WriteDebounce is how long ScheduleSaveProject waits for further edits
	// to the same project before writing it.
	WriteDebounce time.Duration

	// Logger for store activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		WriteDebounce: 300 * time.Millisecond,
		Logger:        log.New(os.Stderr, "[cache] ", log.LstdFlags),
	}
}

// Store persists projects, durable queue blobs and arbitrary JSON documents
// on top of a Backend.
type Store struct {
	backend  Backend
	config   *Config
	degraded bool
	sched    *schedule.Scheduler

	mu      sync.Mutex
	pending map[string]schema.Project
	closed  bool
}

// New creates a Store over an existing backend.
func New(backend Backend, config *Config) *Store {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[cache] ", log.LstdFlags)
	}
	return &Store{
		backend: backend,
		config:  config,
		sched:   schedule.New(),
		pending: make(map[string]schema.Project),
	}
}

// Open opens a SQLite-backed Store at path.
func Open(path string, config *Config) (*Store, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	return New(db, config), nil
}

// OpenOrMemory opens a SQLite-backed Store, falling back to an in-memory
// store when the database is unavailable. The fallback is logged once and
// reported by Degraded.
func OpenOrMemory(path string, config *Config) *Store {
	s, err := Open(path, config)
	if err == nil {
		return s
	}
	s = NewMemory(config)
	s.degraded = true
	s.config.Logger.Printf("Warning: local store unavailable, running in memory only: %v", err)
	return s
}

// NewMemory creates a Store that keeps everything in process memory.
func NewMemory(config *Config) *Store {
	return New(NewMemoryBackend(), config)
}

// Degraded reports whether the store fell back to memory.
func (s *Store) Degraded() bool {
	return s.degraded
}

// Backend exposes the underlying transactional store.
func (s *Store) Backend() Backend {
	return s.backend
}

// SaveProject writes one project immediately, superseding any debounced
// write still pending for it.
func (s *Store) SaveProject(ctx context.Context, p schema.Project) error {
	s.mu.Lock()
	s.sched.Cancel(projectTimerKey(p.ID))
	delete(s.pending, p.ID)
	s.mu.Unlock()

	return s.writeProject(ctx, p)
}

// ScheduleSaveProject debounces writes per project id: rapid edits to the
// same project coalesce into one write of the latest state.
func (s *Store) ScheduleSaveProject(p schema.Project) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.pending[p.ID] = p.Clone()
	id := p.ID
	s.sched.Schedule(projectTimerKey(id), s.config.WriteDebounce, func() {
		s.flushOne(id)
	})
}

// PendingWrites returns the number of debounced project writes.
func (s *Store) PendingWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Store) flushOne(id string) {
	s.mu.Lock()
	p, ok := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()

	if !ok {
		return
	}
	if err := s.writeProject(context.Background(), p); err != nil {
		s.config.Logger.Printf("Error writing project %s: %v", id, err)
	}
}

// Flush writes every pending debounced project now.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := make([]schema.Project, 0, len(s.pending))
	for id, p := range s.pending {
		s.sched.Cancel(projectTimerKey(id))
		batch = append(batch, p)
	}
	s.pending = make(map[string]schema.Project)
	s.mu.Unlock()

	var errs []error
	for _, p := range batch {
		if err := s.writeProject(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) writeProject(ctx context.Context, p schema.Project) error {
	data, err := encodeDocument(p)
	if err != nil {
		return err
	}
	return s.backend.Update(ctx, func(tx Tx) error {
		return tx.Put(collectionProjects, p.ID, data, projectIndexes(p))
	})
}

func projectIndexes(p schema.Project) map[string]string {
	state := stateLive
	if p.IsDeleted() {
		state = stateGone
	}
	return map[string]string{indexState: state}
}

func projectTimerKey(id string) string {
	return "project:" + id
}

// LoadProject returns one stored project, or ErrNotFound.
func (s *Store) LoadProject(ctx context.Context, id string) (*schema.Project, error) {
	var out *schema.Project
	err := s.backend.Update(ctx, func(tx Tx) error {
		data, err := tx.Get(collectionProjects, id)
		if err != nil {
			return err
		}
		p, err := s.decodeAndMigrate(tx, Record{Key: id, Value: data})
		if err != nil {
			return err
		}
		out = &p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LoadProjects returns every stored project, tombstones included, ordered
// by id. Documents stored under an older schema are migrated and written
// back in the same transaction.
func (s *Store) LoadProjects(ctx context.Context) ([]schema.Project, error) {
	return s.loadWhere(ctx, func(tx Tx) ([]Record, error) {
		return tx.GetAll(collectionProjects)
	})
}

// LoadWorkingSet restores the in-memory working set: deleted projects are
// skipped and tombstoned tasks are filtered out of the rest.
func (s *Store) LoadWorkingSet(ctx context.Context) ([]schema.Project, error) {
	projects, err := s.LoadProjects(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]schema.Project, 0, len(projects))
	for _, p := range projects {
		if p.IsDeleted() {
			continue
		}
		out = append(out, p.WorkingCopy())
	}
	return out, nil
}

func (s *Store) loadWhere(ctx context.Context, query func(Tx) ([]Record, error)) ([]schema.Project, error) {
	var out []schema.Project
	err := s.backend.Update(ctx, func(tx Tx) error {
		records, err := query(tx)
		if err != nil {
			return err
		}
		for _, r := range records {
			p, err := s.decodeAndMigrate(tx, r)
			if err != nil {
				s.config.Logger.Printf("Warning: skipping unreadable project %s: %v", r.Key, err)
				continue
			}
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load projects: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) decodeAndMigrate(tx Tx, r Record) (schema.Project, error) {
	body, migrated, err := decodeDocument(r.Value)
	if err != nil {
		return schema.Project{}, err
	}
	var p schema.Project
	if err := json.Unmarshal(body, &p); err != nil {
		return schema.Project{}, fmt.Errorf("failed to parse project %s: %w", r.Key, err)
	}
	if migrated {
		data, err := encodeDocument(p)
		if err != nil {
			return schema.Project{}, err
		}
		if err := tx.Put(collectionProjects, r.Key, data, projectIndexes(p)); err != nil {
			return schema.Project{}, err
		}
		s.config.Logger.Printf("Migrated project %s to schema version %d", r.Key, CurrentDocumentVersion)
	}
	return p, nil
}

// ProjectIDs returns the ids of stored projects that are live, or
// tombstoned when deleted is true.
func (s *Store) ProjectIDs(ctx context.Context, deleted bool) ([]string, error) {
	state := stateLive
	if deleted {
		state = stateGone
	}
	var ids []string
	err := s.backend.View(ctx, func(tx Tx) error {
		records, err := tx.GetByIndex(collectionProjects, indexState, state)
		if err != nil {
			return err
		}
		for _, r := range records {
			ids = append(ids, r.Key)
		}
		return nil
	})
	return ids, err
}

// DeleteProject removes a project from the store, including any pending
// debounced write for it.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	s.mu.Lock()
	s.sched.Cancel(projectTimerKey(id))
	delete(s.pending, id)
	s.mu.Unlock()

	return s.backend.Update(ctx, func(tx Tx) error {
		return tx.Delete(collectionProjects, id)
	})
}

// Load returns the durable blob stored under key, or nil if there is none.
func (s *Store) Load(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.backend.View(ctx, func(tx Tx) error {
		data, err := tx.Get(collectionDurable, key)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		out = data
		return err
	})
	return out, err
}

// Save stores a durable blob under key.
func (s *Store) Save(ctx context.Context, key string, data []byte) error {
	return s.backend.Update(ctx, func(tx Tx) error {
		return tx.Put(collectionDurable, key, data, nil)
	})
}

// PutJSON marshals v into collection/key.
func (s *Store) PutJSON(ctx context.Context, collection, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s: %w", collection, key, err)
	}
	return s.backend.Update(ctx, func(tx Tx) error {
		return tx.Put(collection, key, data, nil)
	})
}

// GetJSON unmarshals collection/key into v. Returns ErrNotFound if missing.
func (s *Store) GetJSON(ctx context.Context, collection, key string, v any) error {
	return s.backend.View(ctx, func(tx Tx) error {
		data, err := tx.Get(collection, key)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, v)
	})
}

// ListJSON returns the raw documents of a collection ordered by key.
func (s *Store) ListJSON(ctx context.Context, collection string) ([]Record, error) {
	var out []Record
	err := s.backend.View(ctx, func(tx Tx) error {
		records, err := tx.GetAll(collection)
		out = records
		return err
	})
	return out, err
}

// DeleteJSON removes collection/key.
func (s *Store) DeleteJSON(ctx context.Context, collection, key string) error {
	return s.backend.Update(ctx, func(tx Tx) error {
		return tx.Delete(collection, key)
	})
}

// Close flushes pending writes, cancels timers and closes the backend.
// Safe to call multiple times.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	flushErr := s.Flush(context.Background())
	s.sched.Close()
	if err := s.backend.Close(); err != nil {
		return err
	}
	return flushErr
}

package optimistic

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tasksync/tasksync/internal/schema"
)

// Config holds configuration for the manager.
type Config struct {
	// MaxSnapshotAge evicts snapshots that were never committed or rolled back.
	MaxSnapshotAge time.Duration

	// MaxSnapshots caps retained snapshots; the oldest go first.
	MaxSnapshots int

	// MappingGracePeriod keeps resolved temp-id mappings around so late
	// lookups by temp id still succeed.
	MappingGracePeriod time.Duration

	// MaxMappingAge drops mappings the remote never resolved.
	MaxMappingAge time.Duration

	// SweepInterval is how often Sweep runs in the background.
	SweepInterval time.Duration

	// OnRollback is told about every rollback so the user can be notified.
	OnRollback func(label string)

	// Logger for snapshot activity
	Logger *log.Logger

	// Now returns the current time (default time.Now)
	Now func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxSnapshotAge:     5 * time.Minute,
		MaxSnapshots:       50,
		MappingGracePeriod: time.Minute,
		MaxMappingAge:      24 * time.Hour,
		SweepInterval:      30 * time.Second,
		Logger:             log.New(os.Stderr, "[optimistic] ", log.LstdFlags),
		Now:                time.Now,
	}
}

// Snapshot is a deep copy of the holder taken before a mutation.
type Snapshot struct {
	ID        string
	Kind      string
	Label     string
	TempID    string
	CreatedAt time.Time

	projects []schema.Project
	activeID string
}

// IDMapping tracks a temporary id until the remote assigns a permanent one.
type IDMapping struct {
	TempID      string
	PermanentID *string
	Kind        string
	CreatedAt   time.Time
	ResolvedAt  *time.Time
}

// Manager owns snapshots and temp-id mappings over a Holder.
type Manager struct {
	holder Holder
	config *Config

	mu        sync.Mutex
	snapshots []*Snapshot
	mappings  map[string]*IDMapping
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a manager with default configuration.
func New(holder Holder) (*Manager, error) {
	return NewWithConfig(holder, DefaultConfig())
}

// NewWithConfig creates a manager and starts its background sweep.
func NewWithConfig(holder Holder, config *Config) (*Manager, error) {
	if holder == nil {
		return nil, fmt.Errorf("holder cannot be nil")
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
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultConfig().SweepInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		holder:   holder,
		config:   config,
		mappings: make(map[string]*IDMapping),
		ctx:      ctx,
		cancel:   cancel,
	}

	m.wg.Add(1)
	go m.sweepLoop()
	return m, nil
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(m.config.Now())
		}
	}
}

// Holder returns the managed holder.
func (m *Manager) Holder() Holder {
	return m.holder
}

// CreateSnapshot records the current projects and active id and returns
// the snapshot id. tempID, when set, ties the snapshot to a temp-id mapping
// that is dropped on rollback.
func (m *Manager) CreateSnapshot(kind, label, tempID string) string {
	snap := &Snapshot{
		ID:        uuid.NewString(),
		Kind:      kind,
		Label:     label,
		TempID:    tempID,
		CreatedAt: m.config.Now(),
		projects:  m.holder.GetAll(),
		activeID:  m.holder.GetActiveID(),
	}

	m.mu.Lock()
	m.snapshots = append(m.snapshots, snap)
	m.mu.Unlock()
	return snap.ID
}

// CommitSnapshot discards a snapshot once its mutation is durable.
// Unknown or already settled ids are ignored.
func (m *Manager) CommitSnapshot(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.takeLocked(id)
}

// RollbackSnapshot restores the holder to the snapshot and removes the
// snapshot. It returns false if the snapshot is unknown, already settled
// or evicted.
func (m *Manager) RollbackSnapshot(id string) bool {
	m.mu.Lock()
	snap := m.takeLocked(id)
	if snap == nil {
		m.mu.Unlock()
		return false
	}
	if snap.TempID != "" {
		delete(m.mappings, snap.TempID)
	}
	m.mu.Unlock()

	m.holder.ReplaceAll(snap.projects)
	m.holder.SetActiveID(snap.activeID)

	m.config.Logger.Printf("Rolled back %s (%s)", snap.Label, snap.Kind)
	if m.config.OnRollback != nil {
		m.config.OnRollback(snap.Label)
	}
	return true
}

// RollbackProject restores only projectID from the snapshot, leaving every
// other project and the active id as they are now. A project missing from
// the snapshot is removed. Returns false if the snapshot is gone.
func (m *Manager) RollbackProject(id, projectID string) bool {
	m.mu.Lock()
	snap := m.takeLocked(id)
	if snap == nil {
		m.mu.Unlock()
		return false
	}
	if snap.TempID != "" {
		delete(m.mappings, snap.TempID)
	}
	m.mu.Unlock()

	current := m.holder.GetAll()
	idx := schema.FindProject(current, projectID)
	prev := schema.FindProject(snap.projects, projectID)
	switch {
	case prev >= 0 && idx >= 0:
		current[idx] = snap.projects[prev].Clone()
	case prev >= 0:
		current = append(current, snap.projects[prev].Clone())
	case idx >= 0:
		current = append(current[:idx], current[idx+1:]...)
	}
	m.holder.ReplaceAll(current)

	m.config.Logger.Printf("Rolled back %s (%s) on %s", snap.Label, snap.Kind, projectID)
	if m.config.OnRollback != nil {
		m.config.OnRollback(snap.Label)
	}
	return true
}

func (m *Manager) takeLocked(id string) *Snapshot {
	for i, s := range m.snapshots {
		if s.ID == id {
			m.snapshots = append(m.snapshots[:i], m.snapshots[i+1:]...)
			return s
		}
	}
	return nil
}

// PendingSnapshots returns how many snapshots are neither committed nor
// rolled back.
func (m *Manager) PendingSnapshots() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.snapshots)
}

// GenerateTempID mints a temporary id and registers an unresolved mapping.
func (m *Manager) GenerateTempID(kind string) string {
	id := schema.TempIDPrefix + uuid.NewString()

	m.mu.Lock()
	m.mappings[id] = &IDMapping{
		TempID:    id,
		Kind:      kind,
		CreatedAt: m.config.Now(),
	}
	m.mu.Unlock()
	return id
}

// IsTempID reports whether id is a temporary id.
func IsTempID(id string) bool {
	return schema.IsTempID(id)
}

// SwapID replaces every reference to tempID with permanentID, both in the
// holder and in pending snapshots, and resolves the mapping.
func (m *Manager) SwapID(tempID, permanentID string) error {
	if !IsTempID(tempID) {
		return fmt.Errorf("%q is not a temporary id", tempID)
	}
	if permanentID == "" || IsTempID(permanentID) {
		return fmt.Errorf("invalid permanent id %q", permanentID)
	}

	m.mu.Lock()
	now := m.config.Now()
	mapping, ok := m.mappings[tempID]
	if !ok {
		mapping = &IDMapping{TempID: tempID, CreatedAt: now}
		m.mappings[tempID] = mapping
	}
	mapping.PermanentID = schema.StringPtr(permanentID)
	mapping.ResolvedAt = &now

	for _, s := range m.snapshots {
		s.projects = schema.RewriteIDs(s.projects, tempID, permanentID)
		if s.activeID == tempID {
			s.activeID = permanentID
		}
	}
	m.mu.Unlock()

	m.holder.ReplaceAll(schema.RewriteIDs(m.holder.GetAll(), tempID, permanentID))
	if m.holder.GetActiveID() == tempID {
		m.holder.SetActiveID(permanentID)
	}
	return nil
}

// ResolveTempID returns the permanent id for a resolved temp id. Any other
// id is returned unchanged; ok is false only for a temp id that is still
// unresolved or unknown.
func (m *Manager) ResolveTempID(id string) (string, bool) {
	if !IsTempID(id) {
		return id, true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if mapping, ok := m.mappings[id]; ok && mapping.PermanentID != nil {
		return *mapping.PermanentID, true
	}
	return id, false
}

// Mapping returns a copy of the mapping for tempID.
func (m *Manager) Mapping(tempID string) (IDMapping, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mapping, ok := m.mappings[tempID]
	if !ok {
		return IDMapping{}, false
	}
	return *mapping, true
}

// Sweep evicts stale snapshots and mappings and reports how many of each
// were removed.
func (m *Manager) Sweep(now time.Time) (snapshots, mappings int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.snapshots[:0]
	for _, s := range m.snapshots {
		if m.config.MaxSnapshotAge > 0 && now.Sub(s.CreatedAt) > m.config.MaxSnapshotAge {
			snapshots++
			continue
		}
		kept = append(kept, s)
	}
	m.snapshots = kept
	if over := len(m.snapshots) - m.config.MaxSnapshots; m.config.MaxSnapshots > 0 && over > 0 {
		m.snapshots = append([]*Snapshot(nil), m.snapshots[over:]...)
		snapshots += over
	}

	for id, mapping := range m.mappings {
		switch {
		case mapping.ResolvedAt != nil && now.Sub(*mapping.ResolvedAt) > m.config.MappingGracePeriod:
		case mapping.ResolvedAt == nil && now.Sub(mapping.CreatedAt) > m.config.MaxMappingAge:
		default:
			continue
		}
		delete(m.mappings, id)
		mappings++
	}

	if snapshots > 0 || mappings > 0 {
		m.config.Logger.Printf("Swept %d snapshots and %d id mappings", snapshots, mappings)
	}
	return snapshots, mappings
}

// RunOptimistic snapshots the holder, applies mutate to it and then runs
// commit. The snapshot is committed when commit succeeds and rolled back
// when mutate or commit fails.
func (m *Manager) RunOptimistic(ctx context.Context, kind, label string,
	mutate func([]schema.Project) ([]schema.Project, error),
	commit func(ctx context.Context) error) error {

	snapID := m.CreateSnapshot(kind, label, "")

	next, err := mutate(m.holder.GetAll())
	if err != nil {
		m.CommitSnapshot(snapID)
		return fmt.Errorf("failed to apply %s: %w", label, err)
	}
	m.holder.ReplaceAll(next)

	if err := commit(ctx); err != nil {
		m.RollbackSnapshot(snapID)
		return fmt.Errorf("failed to commit %s: %w", label, err)
	}
	m.CommitSnapshot(snapID)
	return nil
}

// Close stops the background sweep. Safe to call multiple times.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	return nil
}

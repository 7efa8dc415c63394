// Package loadtest drives several engines against one central store to
// measure how fast edits apply locally and how long devices need until
// everything they changed has reached the store.
//
// Every device starts from the same seeded project and edits random tasks
// concurrently, so most saves race each other. Conflicts are settled with
// the merge strategy, the way an unattended client would.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tasksync/tasksync/internal/cache"
	"github.com/tasksync/tasksync/internal/conflict"
	"github.com/tasksync/tasksync/internal/engine"
	"github.com/tasksync/tasksync/internal/remote"
	"github.com/tasksync/tasksync/internal/schema"
)

// Config holds configuration for a load test run.
type Config struct {
	// Devices is the number of concurrent engines (default 5)
	Devices int

	// EditsPerDevice is how many task edits each device makes (default 20)
	EditsPerDevice int

	// Tasks in the seeded project (default 50)
	Tasks int

	// Store is the central store shared by all devices (default: a fresh
	// remote.MemoryStore)
	Store remote.Store

	// Timeout bounds the whole run (default 30s)
	Timeout time.Duration

	// Seed makes task selection reproducible (default 42)
	Seed int64

	// EngineConfig returns a fresh engine configuration per device. The
	// default is engine.DefaultConfig with logging discarded.
	EngineConfig func() *engine.Config

	// Logger for progress messages
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Devices:        5,
		EditsPerDevice: 20,
		Tasks:          50,
		Timeout:        30 * time.Second,
		Seed:           42,
		Logger:         log.New(os.Stderr, "[loadtest] ", log.LstdFlags),
	}
}

// LatencyStats summarizes a set of durations.
type LatencyStats struct {
	Count int           `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
}

// Result is the outcome of Run.
type Result struct {
	// Edit is the latency of the local mutation call.
	Edit LatencyStats `json:"edit"`

	// Sync is, per device, the time from its last edit until its queue was
	// empty and no conflict was pending.
	Sync LatencyStats `json:"sync"`

	// Conflicts counts conflicts settled by merge.
	Conflicts int `json:"conflicts"`

	// Errors counts failed edits and failed resolutions.
	Errors int `json:"errors"`

	// Converged is false when a device had not settled by the timeout.
	Converged bool `json:"converged"`

	// FinalVersion is the central store's version of the project.
	FinalVersion int64 `json:"final_version"`

	Duration time.Duration `json:"duration"`
}

// Run seeds one project, starts the devices and measures them.
func Run(ctx context.Context, config *Config) (*Result, error) {
	config = withDefaults(config)
	ctx, cancel := context.WithTimeout(ctx, config.Timeout)
	defer cancel()
	started := time.Now()

	seed, err := SeedProject(ctx, config.Store, config.Tasks)
	if err != nil {
		return nil, err
	}
	config.Logger.Printf("Seeded project %s with %d tasks", seed.ID, len(seed.Tasks))

	devices := make([]*device, 0, config.Devices)
	defer func() {
		for _, d := range devices {
			d.close()
		}
	}()
	for i := 0; i < config.Devices; i++ {
		d, err := openDevice(ctx, i, seed, config)
		if err != nil {
			return nil, fmt.Errorf("failed to start device %d: %w", i, err)
		}
		devices = append(devices, d)
	}

	var (
		mu        sync.Mutex
		edits     []time.Duration
		syncs     []time.Duration
		errCount  atomic.Int64
		conflicts atomic.Int64
		settled   atomic.Int64
		wg        sync.WaitGroup
	)
	for _, d := range devices {
		wg.Add(1)
		go func(d *device) {
			defer wg.Done()
			lat := d.edit(ctx, config.EditsPerDevice, &errCount)
			waited, ok := d.settle(ctx, &conflicts, &errCount)

			mu.Lock()
			edits = append(edits, lat...)
			if ok {
				syncs = append(syncs, waited)
			}
			mu.Unlock()
			if ok {
				settled.Add(1)
			}
		}(d)
	}
	wg.Wait()

	res := &Result{
		Edit:      ComputeLatencyStats(edits),
		Sync:      ComputeLatencyStats(syncs),
		Conflicts: int(conflicts.Load()),
		Errors:    int(errCount.Load()),
		Converged: int(settled.Load()) == len(devices),
		Duration:  time.Since(started),
	}
	if head, err := config.Store.Head(context.Background(), seed.ID); err == nil {
		res.FinalVersion = head.Version
	}
	config.Logger.Printf("Finished in %v: %d edits, %d conflicts, %d errors", res.Duration, res.Edit.Count, res.Conflicts, res.Errors)
	return res, nil
}

func withDefaults(config *Config) *Config {
	def := DefaultConfig()
	if config == nil {
		config = def
	}
	if config.Devices <= 0 {
		config.Devices = def.Devices
	}
	if config.EditsPerDevice <= 0 {
		config.EditsPerDevice = def.EditsPerDevice
	}
	if config.Tasks <= 0 {
		config.Tasks = def.Tasks
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.Seed == 0 {
		config.Seed = def.Seed
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}
	if config.Store == nil {
		config.Store = remote.NewMemoryStore()
	}
	if config.EngineConfig == nil {
		config.EngineConfig = quietEngineConfig
	}
	return config
}

func quietEngineConfig() *engine.Config {
	quiet := log.New(io.Discard, "", 0)
	c := engine.DefaultConfig()
	c.Logger = quiet
	c.Queue.Logger = quiet
	c.Optimistic.Logger = quiet
	c.Conflict.Logger = quiet
	c.Coordinator.Logger = quiet
	c.Realtime.Logger = quiet
	return c
}

// SeedProject writes a project with n top-level tasks to store, spread
// over three stages with priorities weighted toward P2.
func SeedProject(ctx context.Context, store remote.Store, n int) (schema.Project, error) {
	priorities := []int{0, 1, 2, 2, 2, 2, 2, 3, 3, 4}
	now := time.Now()

	p := schema.Project{
		ID:          uuid.NewString(),
		Name:        "loadtest",
		Version:     1,
		UpdatedAt:   now,
		Tasks:       make([]schema.Task, n),
		Connections: []schema.Connection{},
	}
	for i := range p.Tasks {
		p.Tasks[i] = schema.Task{
			ID:        uuid.NewString(),
			Title:     fmt.Sprintf("Task %d", i),
			Status:    schema.StatusTodo,
			Priority:  priorities[i%len(priorities)],
			Stage:     i%3 + 1,
			Rank:      (i/3 + 1) * 1000,
			Order:     i,
			UpdatedAt: now,
		}
	}
	stored, err := store.Put(ctx, p, 0)
	if err != nil {
		return schema.Project{}, fmt.Errorf("failed to seed project: %w", err)
	}
	return stored, nil
}

// device is one engine with its own cache.
type device struct {
	id        int
	projectID string
	engine    *engine.Engine
	cache     *cache.Store
	rng       *rand.Rand
	taskIDs   []string
}

func openDevice(ctx context.Context, id int, seed schema.Project, config *Config) (*device, error) {
	store := cache.NewMemory(&cache.Config{Logger: log.New(io.Discard, "", 0)})
	if err := store.SaveProject(ctx, seed); err != nil {
		_ = store.Close()
		return nil, err
	}
	e, err := engine.New(ctx, engine.Deps{
		Cache:    store,
		Remote:   config.Store,
		Notifier: engine.NotifierFunc(func(engine.Level, string) {}),
	}, config.EngineConfig())
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := e.Start(ctx); err != nil {
		_ = e.Close()
		_ = store.Close()
		return nil, err
	}

	ids := make([]string, len(seed.Tasks))
	for i, t := range seed.Tasks {
		ids[i] = t.ID
	}
	return &device{
		id:        id,
		projectID: seed.ID,
		engine:    e,
		cache:     store,
		rng:       rand.New(rand.NewSource(config.Seed + int64(id))),
		taskIDs:   ids,
	}, nil
}

// edit makes n task edits and returns their latencies.
func (d *device) edit(ctx context.Context, n int, errCount *atomic.Int64) []time.Duration {
	statuses := []string{schema.StatusTodo, schema.StatusInProgress, schema.StatusBlocked, schema.StatusDone}
	out := make([]time.Duration, 0, n)
	for i := 0; i < n && ctx.Err() == nil; i++ {
		taskID := d.taskIDs[d.rng.Intn(len(d.taskIDs))]
		status := statuses[d.rng.Intn(len(statuses))]
		title := fmt.Sprintf("Edited by device %d (#%d)", d.id, i)

		start := time.Now()
		err := d.engine.UpdateTask(ctx, d.projectID, taskID, func(t *schema.Task) error {
			t.Title = title
			t.Status = status
			return nil
		})
		out = append(out, time.Since(start))
		if err != nil {
			errCount.Add(1)
		}
		time.Sleep(time.Duration(d.rng.Intn(3)) * time.Millisecond)
	}
	return out
}

// settle waits until the device has nothing left to deliver, merging any
// conflict it runs into. It reports false on timeout.
func (d *device) settle(ctx context.Context, conflicts, errCount *atomic.Int64) (time.Duration, bool) {
	start := time.Now()
	for {
		st := d.engine.State()
		if d.engine.Queue().Len() == 0 && !st.HasConflict {
			return time.Since(start), true
		}
		if st.HasConflict {
			_, err := d.engine.ResolveConflict(ctx, d.projectID, conflict.StrategyMerge)
			switch {
			case err == nil:
				conflicts.Add(1)
			case errors.Is(err, remote.ErrConflict), errors.Is(err, conflict.ErrNoConflict):
				// Another device wrote first; the next round merges again.
			default:
				errCount.Add(1)
			}
		}
		select {
		case <-ctx.Done():
			return time.Since(start), false
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (d *device) close() {
	_ = d.engine.Close()
	_ = d.cache.Close()
}

// ComputeLatencyStats calculates min, max, mean and percentiles.
func ComputeLatencyStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	return LatencyStats{
		Count: len(sorted),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(sorted)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
	}
}

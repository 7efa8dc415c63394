package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tasksync/tasksync/internal/cache"
	"github.com/tasksync/tasksync/internal/engine"
	"github.com/tasksync/tasksync/internal/queue"
	"github.com/tasksync/tasksync/internal/realtime"
	"github.com/tasksync/tasksync/internal/remote"
	"github.com/tasksync/tasksync/internal/ui"
)

func openCache() *cache.Store {
	store, err := cache.Open(cfg.CachePath(), cfg.CacheConfig(newLogger("[cache]")))
	if err != nil {
		fatalf("failed to open cache %s: %v", cfg.CachePath(), err)
	}
	return store
}

// openQueue opens the retry queue for inspection without delivering.
func openQueue(ctx context.Context, store *cache.Store) *queue.Queue {
	q, err := queue.Open(ctx, store, cfg.EngineConfig(newLogger).Queue)
	if err != nil {
		fatalf("failed to open queue: %v", err)
	}
	return q
}

func remoteClient() *remote.HTTPClient {
	return remote.NewHTTPClient(cfg.Remote.URL, cfg.Remote.Token, nil)
}

// session bundles a started engine with the cache it owns.
type session struct {
	engine *engine.Engine
	cache  *cache.Store
	client *remote.HTTPClient
}

// openEngine starts an engine against the configured remote. withFeed
// subscribes to realtime changes.
func openEngine(ctx context.Context, withFeed bool) *session {
	s := &session{cache: openCache(), client: remoteClient()}
	deps := engine.Deps{
		Cache:    s.cache,
		Remote:   s.client,
		Notifier: engine.NotifierFunc(printNotice),
	}
	if withFeed {
		f := realtime.NewWebSocketFeed(strings.TrimRight(cfg.Remote.URL, "/") + "/ws")
		f.Token = func() string { return cfg.Remote.Token }
		deps.Feed = f
	}

	e, err := engine.New(ctx, deps, cfg.EngineConfig(newLogger))
	if err != nil {
		_ = s.cache.Close()
		fatalf("failed to create engine: %v", err)
	}
	if err := e.Start(ctx); err != nil {
		_ = e.Close()
		_ = s.cache.Close()
		fatalf("failed to start engine: %v", err)
	}
	if s.client.SessionExpired() {
		e.SetSessionExpired(true)
	}
	s.engine = e
	return s
}

// wait gives queued actions up to timeout to reach the remote and reports
// how many are left.
func (s *session) wait(timeout time.Duration) int {
	deadline := time.Now().Add(timeout)
	for s.engine.Queue().Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	return s.engine.Queue().Len()
}

func (s *session) close() {
	if err := s.engine.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Error closing engine: %v\n", err)
	}
	if err := s.cache.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Error closing cache: %v\n", err)
	}
}

// finish waits for delivery, reports leftovers and closes the session.
func (s *session) finish(timeout time.Duration) {
	if left := s.wait(timeout); left > 0 {
		fmt.Printf("%s %d change(s) queued, run 'tasksync queue sync' when online\n", ui.RenderWarn("!"), left)
	}
	s.close()
}

func printNotice(level engine.Level, message string) {
	marker := ui.RenderAccent("i")
	switch level {
	case engine.LevelWarning:
		marker = ui.RenderWarn("!")
	case engine.LevelError:
		marker = ui.RenderFail("x")
	}
	fmt.Fprintf(os.Stderr, "%s %s\n", marker, message)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatalf("failed to encode output: %v", err)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

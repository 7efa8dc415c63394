// Package realtime delivers remote change notifications to the engine.
//
// A Feed produces Subscriptions of ChangeEvents. The Adapter sits on top of
// a Feed: it coalesces bursts of events per entity, holds them back while
// the local side is busy, and reconnects with exponential backoff when the
// subscription drops. Event payloads are informational only; handlers
// re-fetch the entity from the authoritative store.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/tasksync/tasksync/internal/feed"
)

// Event types carried by ChangeEvent.
const (
	EventInsert = "insert"
	EventUpdate = "update"
	EventDelete = "delete"
)

// ChangeEvent is one remote change notification.
type ChangeEvent struct {
	EventType  string
	EntityID   string
	RawPayload json.RawMessage
}

// Subscription is a live stream of change events. Done is closed when the
// stream ends; Err then reports why (nil after Close).
type Subscription interface {
	Events() <-chan ChangeEvent
	Done() <-chan struct{}
	Err() error
	Close()
}

// Feed opens subscriptions. An empty scope subscribes to every entity.
type Feed interface {
	Subscribe(ctx context.Context, scope string) (Subscription, error)
}

// WebSocketFeed subscribes to the /ws endpoint of a feed server.
type WebSocketFeed struct {
	// URL of the websocket endpoint, e.g. ws://127.0.0.1:7420/ws
	URL string

	// Token, when set, returns a bearer token sent with every dial.
	Token func() string

	// HTTPClient used for the handshake (default http.DefaultClient)
	HTTPClient *http.Client
}

// NewWebSocketFeed creates a feed for the given endpoint. An http(s) URL is
// rewritten to ws(s).
func NewWebSocketFeed(endpoint string) *WebSocketFeed {
	switch {
	case strings.HasPrefix(endpoint, "http://"):
		endpoint = "ws://" + strings.TrimPrefix(endpoint, "http://")
	case strings.HasPrefix(endpoint, "https://"):
		endpoint = "wss://" + strings.TrimPrefix(endpoint, "https://")
	}
	return &WebSocketFeed{URL: endpoint}
}

// Subscribe dials the feed and waits for the server hello.
func (f *WebSocketFeed) Subscribe(ctx context.Context, scope string) (Subscription, error) {
	u, err := url.Parse(f.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid feed url %q: %w", f.URL, err)
	}
	if scope != "" {
		q := u.Query()
		q.Set("scope", scope)
		u.RawQuery = q.Encode()
	}

	opts := &websocket.DialOptions{HTTPClient: f.HTTPClient}
	if f.Token != nil {
		if token := f.Token(); token != "" {
			opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
		}
	}

	conn, _, err := websocket.Dial(ctx, u.String(), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", u.Redacted(), err)
	}

	var hello feed.Message
	if err := readMessage(ctx, conn, &hello); err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "no hello")
		return nil, fmt.Errorf("failed to read hello: %w", err)
	}
	if hello.Type != feed.MessageTypeHello {
		_ = conn.Close(websocket.StatusProtocolError, "unexpected first message")
		return nil, fmt.Errorf("unexpected first message %q", hello.Type)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	sub := &wsSubscription{
		conn:   conn,
		events: make(chan ChangeEvent, 64),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go sub.readLoop(readCtx)
	return sub, nil
}

func readMessage(ctx context.Context, conn *websocket.Conn, msg *feed.Message) error {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, msg)
}

type wsSubscription struct {
	conn   *websocket.Conn
	events chan ChangeEvent
	done   chan struct{}
	cancel context.CancelFunc

	mu     sync.Mutex
	err    error
	closed bool
}

func (s *wsSubscription) Events() <-chan ChangeEvent { return s.events }
func (s *wsSubscription) Done() <-chan struct{}      { return s.done }

func (s *wsSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *wsSubscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	_ = s.conn.Close(websocket.StatusNormalClosure, "")
	<-s.done
}

func (s *wsSubscription) readLoop(ctx context.Context) {
	defer close(s.done)

	for {
		var msg feed.Message
		if err := readMessage(ctx, s.conn, &msg); err != nil {
			s.mu.Lock()
			if !s.closed && !errors.Is(err, context.Canceled) {
				s.err = err
			}
			s.mu.Unlock()
			return
		}
		if msg.Type != feed.MessageTypeChange || msg.Event == nil {
			continue
		}
		ev := ChangeEvent{
			EventType:  msg.Event.EventType,
			EntityID:   msg.Event.EntityID,
			RawPayload: msg.Event.Payload,
		}
		select {
		case s.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

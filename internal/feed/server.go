// Package feed provides the WebSocket change feed of the central store.
//
// Every accepted remote write is broadcast to connected clients as a
// Message. Clients may narrow the feed to one project with the scope query
// parameter; an empty scope receives everything.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// MessageType defines the type of feed message
type MessageType string

const (
	// MessageTypeHello is sent once after a client connects
	MessageTypeHello MessageType = "hello"

	// MessageTypeChange carries one entity change
	MessageTypeChange MessageType = "change"
)

// Event describes one entity change on the wire.
type Event struct {
	EventType string          `json:"event_type"` // insert, update, delete
	EntityID  string          `json:"entity_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Message represents a feed broadcast message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Event     *Event      `json:"event,omitempty"`
}

// Server manages WebSocket connections and broadcasts change messages
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]string // conn -> scope
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	loopOnce sync.Once
	stopOnce sync.Once

	writeTimeout time.Duration
	logger       *log.Logger
}

// Config holds server configuration
type Config struct {
	// Addr to listen on when started standalone (default: 127.0.0.1:7421)
	Addr string

	// BufferSize is the broadcast channel capacity (default: 100)
	BufferSize int

	// WriteTimeout bounds each client write (default: 5s)
	WriteTimeout time.Duration

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Addr:         "127.0.0.1:7421",
		BufferSize:   100,
		WriteTimeout: 5 * time.Second,
		Logger:       log.New(os.Stderr, "[feed] ", log.LstdFlags),
	}
}

// NewServer creates a new feed server
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	def := DefaultConfig()
	if config.Logger == nil {
		config.Logger = def.Logger
	}
	if config.BufferSize <= 0 {
		config.BufferSize = def.BufferSize
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if config.Addr == "" {
		config.Addr = def.Addr
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:         config.Addr,
		clients:      make(map[*websocket.Conn]string),
		broadcast:    make(chan Message, config.BufferSize),
		ctx:          ctx,
		cancel:       cancel,
		writeTimeout: config.WriteTimeout,
		logger:       config.Logger,
	}
}

// Handler returns the /ws endpoint for mounting on another router. The
// broadcast loop starts with the first call.
func (s *Server) Handler() http.Handler {
	s.startLoop()
	return http.HandlerFunc(s.handleWebSocket)
}

func (s *Server) startLoop() {
	s.loopOnce.Do(func() {
		s.wg.Add(1)
		go s.broadcastLoop()
	})
}

// Start listens on the configured address and serves /ws and /health.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.Handle("/ws", s.Handler())
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Feed server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop closes every client and shuts the server down. Safe to call
// multiple times.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.logger.Println("Stopping feed server")
		s.cancel()

		s.clientsMu.Lock()
		for conn := range s.clients {
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			delete(s.clients, conn)
		}
		s.clientsMu.Unlock()

		if s.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if shutdownErr := s.server.Shutdown(ctx); shutdownErr != nil {
				err = fmt.Errorf("server shutdown error: %w", shutdownErr)
			}
		}

		s.wg.Wait()
	})
	return err
}

// Broadcast queues a change for every client whose scope matches.
func (s *Server) Broadcast(ev Event) {
	msg := Message{Type: MessageTypeChange, Timestamp: time.Now(), Event: &ev}
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Printf("Broadcast channel full, dropping %s event for %s", ev.EventType, ev.EntityID)
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("Failed to marshal message: %v", err)
				continue
			}

			s.clientsMu.RLock()
			targets := make([]*websocket.Conn, 0, len(s.clients))
			for conn, scope := range s.clients {
				if scope == "" || msg.Event == nil || scope == msg.Event.EntityID {
					targets = append(targets, conn)
				}
			}
			s.clientsMu.RUnlock()

			for _, conn := range targets {
				ctx, cancel := context.WithTimeout(s.ctx, s.writeTimeout)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.logger.Printf("Failed to send to client: %v", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	scope := r.URL.Query().Get("scope")

	s.clientsMu.Lock()
	if s.ctx.Err() != nil {
		s.clientsMu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	s.clients[conn] = scope
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Client connected (scope %q, total: %d)", scope, clientCount)

	hello, _ := json.Marshal(Message{Type: MessageTypeHello, Timestamp: time.Now()})
	ctx, cancel := context.WithTimeout(s.ctx, s.writeTimeout)
	_ = conn.Write(ctx, websocket.MessageText, hello)
	cancel()

	// Block in the read loop so the connection lives as long as the request.
	s.readLoop(conn)
}

// readLoop keeps the connection alive until the client goes away.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; !exists {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, conn)
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Printf("Client disconnected (total: %d)", clientCount)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

// Addr returns the server's listening address
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Package dashboard streams sync activity to WebSocket clients.
//
// Clients connected to /ws receive the current sync status on connect, then
// every broadcast: sync status changes, completed cycles, per-table counts
// and committed record changes. /status and /health serve plain JSON.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/fieldmark/farmsync/internal/daemon"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeSyncStatus carries a daemon.Status.
	MessageTypeSyncStatus MessageType = "sync_status"

	// MessageTypeSyncComplete carries the result of a successful cycle.
	MessageTypeSyncComplete MessageType = "sync_complete"

	// MessageTypeRecordChange carries one committed record change.
	MessageTypeRecordChange MessageType = "record_change"

	// MessageTypeStats carries per-table counts.
	MessageTypeStats MessageType = "stats"
)

// Message is one broadcast frame.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage marshals data into a Message of type typ.
func NewMessage(typ MessageType, data any) (Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal %s: %w", typ, err)
	}
	return Message{Type: typ, Timestamp: time.Now(), Data: raw}, nil
}

// Config holds server configuration
type Config struct {
	// Addr to listen on, e.g. "127.0.0.1:7420". Port 0 picks a free port.
	Addr string

	// Status reports the daemon status for /status and new clients.
	// Optional.
	Status func() daemon.Status

	// Logger for server activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Addr:   "127.0.0.1:7420",
		Logger: log.New(os.Stderr, "[dashboard] ", log.LstdFlags),
	}
}

// Server manages WebSocket clients and broadcasts messages to them.
type Server struct {
	config   *Config
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]struct{}
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewServer creates a dashboard server. Call Start to listen.
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:    config,
		clients:   make(map[*websocket.Conn]struct{}),
		broadcast: make(chan Message, 256),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// Handler returns the HTTP routes without listening.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	return mux
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(2)
	go s.broadcastLoop()
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Stop closes every client and shuts the server down.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	var err error
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := s.server.Shutdown(ctx); serr != nil {
			err = fmt.Errorf("server shutdown error: %w", serr)
		}
	}
	s.wg.Wait()
	s.logger.Println("Dashboard stopped")
	return err
}

// Broadcast queues msg for every client. It never blocks: when the queue is
// full the message is dropped.
func (s *Server) Broadcast(msg Message) {
	select {
	case <-s.ctx.Done():
	case s.broadcast <- msg:
	default:
		s.logger.Printf("Warning: broadcast queue full, dropping %s", msg.Type)
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("Failed to marshal message: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				if err := s.write(conn, data); err != nil {
					s.logger.Printf("Failed to send to client: %v", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) write(conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	// The current status goes out before the client joins the broadcast set,
	// so it is always the first frame.
	if s.config.Status != nil {
		msg, err := NewMessage(MessageTypeSyncStatus, s.config.Status())
		if err == nil {
			data, _ := json.Marshal(msg)
			if err := s.write(conn, data); err != nil {
				_ = conn.Close(websocket.StatusInternalError, "")
				return
			}
		}
	}

	s.clientsMu.Lock()
	s.clients[conn] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Printf("Client connected (total: %d)", n)

	s.readLoop(conn)
}

// readLoop blocks until the client goes away. Client frames are ignored.
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
	_, ok := s.clients[conn]
	delete(s.clients, conn)
	n := len(s.clients)
	s.clientsMu.Unlock()

	if ok {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Client disconnected (total: %d)", n)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if s.config.Status == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no daemon attached"})
		return
	}
	writeJSON(w, http.StatusOK, s.config.Status())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

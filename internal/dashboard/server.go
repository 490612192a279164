// Package dashboard provides a WebSocket server that broadcasts
// reconciliation run events to connected monitoring clients.
//
// Operations teams point a WebSocket client (or the bundled HTML page) at
// the server to watch CSV batches being processed in real time: run starts,
// per-file outcomes, and the final per-run summary.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	syncpkg "github.com/unicon/sakora/internal/sync"
)

// MessageType defines the type of dashboard message.
type MessageType string

const (
	// MessageTypeRunStart indicates a reconciliation run began.
	MessageTypeRunStart MessageType = "run_start"

	// MessageTypeFileComplete indicates one CSV file finished processing.
	MessageTypeFileComplete MessageType = "file_complete"

	// MessageTypeRunSummary carries the final counters for a run.
	MessageTypeRunSummary MessageType = "run_summary"

	// MessageTypeHello is the greeting sent to newly connected clients.
	MessageTypeHello MessageType = "hello"
)

// Message represents a dashboard broadcast message.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// RunStartData describes a run that just began.
type RunStartData struct {
	RunID    string    `json:"run_id"`
	Stamp    time.Time `json:"stamp"`
	BatchDir string    `json:"batch_dir"`
}

// FileCompleteData describes one processed CSV file.
type FileCompleteData struct {
	RunID    string `json:"run_id"`
	Handler  string `json:"handler"`
	Filename string `json:"filename"`
	Rows     int    `json:"rows"`
	Skipped  bool   `json:"skipped,omitempty"`
}

// RunSummaryData carries the final counters for a run.
type RunSummaryData struct {
	RunID     string        `json:"run_id"`
	Updates   int           `json:"updates"`
	Deletes   int           `json:"deletes"`
	Errors    int           `json:"errors"`
	Duration  time.Duration `json:"duration"`
	FileCount int           `json:"file_count"`
}

// Server manages WebSocket connections and broadcasts run events.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	log *zap.Logger
}

// Config holds server configuration.
type Config struct {
	// Port to listen on; 0 picks a random free port.
	Port int

	// Logger for server activity.
	Logger *zap.Logger
}

// NewServer creates a dashboard WebSocket server.
func NewServer(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      fmt.Sprintf(":%d", cfg.Port),
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		log:       log.Named("dashboard"),
	}
}

// Start begins the HTTP server and WebSocket handler.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleRoot)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(2)
	go s.broadcastLoop()
	go func() {
		defer s.wg.Done()
		s.log.Info("dashboard server listening", zap.String("addr", ln.Addr().String()))
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("dashboard server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.log.Info("stopping dashboard server")

	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()
	return nil
}

// Broadcast sends a message to all connected clients. Never blocks; the
// message is dropped if the broadcast queue is full.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.log.Warn("broadcast channel full, dropping message", zap.String("type", string(msg.Type)))
	}
}

// RunStarted implements sync.Observer.
func (s *Server) RunStarted(run syncpkg.Run, batchDir string) {
	s.broadcastData(MessageTypeRunStart, RunStartData{
		RunID:    run.ID,
		Stamp:    run.Stamp,
		BatchDir: batchDir,
	})
}

// FileCompleted implements sync.Observer.
func (s *Server) FileCompleted(run syncpkg.Run, file syncpkg.FileResult) {
	s.broadcastData(MessageTypeFileComplete, FileCompleteData{
		RunID:    run.ID,
		Handler:  file.Handler,
		Filename: file.Filename,
		Rows:     file.Rows,
		Skipped:  file.Skipped,
	})
}

// RunCompleted implements sync.Observer.
func (s *Server) RunCompleted(result syncpkg.Result) {
	s.broadcastData(MessageTypeRunSummary, RunSummaryData{
		RunID:     result.RunID,
		Updates:   result.Totals.Updates,
		Deletes:   result.Totals.Deletes,
		Errors:    result.Totals.Errors,
		Duration:  result.Duration,
		FileCount: len(result.Files),
	})
}

func (s *Server) broadcastData(typ MessageType, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		s.log.Error("failed to marshal dashboard message", zap.Error(err))
		return
	}
	s.Broadcast(Message{Type: typ, Timestamp: time.Now(), Data: raw})
}

// broadcastLoop fans queued messages out to all clients.
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
				s.log.Error("failed to marshal message", zap.Error(err))
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			// Writes happen outside the lock so a slow client cannot
			// block broadcasts.
			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.log.Debug("failed to send to client", zap.Error(err))
					s.removeClient(conn)
				}
			}
		}
	}
}

// handleWebSocket upgrades HTTP connections to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.log.Info("client connected", zap.Int("total", clientCount))

	hello := Message{Type: MessageTypeHello, Timestamp: time.Now()}
	helloData, _ := json.Marshal(hello)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = conn.Write(ctx, websocket.MessageText, helloData)
	cancel()

	go s.readLoop(conn)
}

// readLoop keeps the connection alive and detects client disconnects.
// Client messages are not processed.
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
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.log.Info("client disconnected", zap.Int("total", clientCount))
	} else {
		s.clientsMu.Unlock()
	}
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.clientsMu.RLock()
	clientCount := len(s.clients)
	s.clientsMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": clientCount,
	})
}

// handleRoot returns basic server information.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>Sakora Sync Monitor</title>
</head>
<body>
    <h1>Sakora Sync Monitor</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Health check: <a href="/health">/health</a></p>
    <p>Connect a WebSocket client to receive reconciliation run events.</p>
</body>
</html>`, r.Host)
}

// Addr returns the server's listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

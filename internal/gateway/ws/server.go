// Package ws streams monitor alerts to WebSocket subscribers.
// The server is registered as a monitor alert handler; each connected
// client receives every alert at or above its requested severity.
package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/sandboxd/internal/monitor"
)

// Subprotocol is negotiated with clients that request it.
const Subprotocol = "sandboxd-alerts-v1"

const (
	defaultHeartbeat  = 30 * time.Second
	defaultSendBuffer = 64
	writeTimeout      = 5 * time.Second
)

// Message types.
const (
	MsgHello = "hello"
	MsgAlert = "alert"
)

// Envelope is the JSON frame sent to clients.
type Envelope struct {
	Type      string         `json:"type"`
	Alert     *monitor.Alert `json:"alert,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Config configures the alert stream.
type Config struct {
	APIKey            string        // Empty disables authentication.
	HeartbeatInterval time.Duration // Default: 30s.
	SendBuffer        int           // Per-client queue. Default: 64.
}

type client struct {
	send        chan []byte
	minSeverity monitor.Severity
}

// Server fans alerts out to connected clients. Slow clients whose queue is
// full miss alerts rather than block the monitor.
type Server struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewServer creates an alert stream server.
func NewServer(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeat
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

// HandleAlert is a monitor.AlertHandler.
func (s *Server) HandleAlert(a monitor.Alert) {
	data, err := json.Marshal(Envelope{Type: MsgAlert, Alert: &a, Timestamp: time.Now().UTC()})
	if err != nil {
		s.logger.Error("encoding alert failed", slog.String("error", err.Error()))
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		if a.Event.Severity < c.minSeverity {
			continue
		}
		select {
		case c.send <- data:
		default:
			s.logger.Warn("alert stream client too slow, alert dropped", slog.String("alert_id", a.ID))
		}
	}
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.APIKey == "" {
		return true
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APIKey)) == 1
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	minSeverity := monitor.SeverityInfo
	if v := r.URL.Query().Get("min_severity"); v != "" {
		sev, err := monitor.ParseSeverity(v)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		minSeverity = sev
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	s.handleConnection(r.Context(), conn, &client{
		send:        make(chan []byte, s.cfg.SendBuffer),
		minSeverity: minSeverity,
	})
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn, c *client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.logger.Info("alert stream client connected", slog.String("min_severity", c.minSeverity.String()))

	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "connection closed")
		s.logger.Info("alert stream client disconnected")
	}()

	// Clients only listen; CloseRead handles control frames and reports
	// the peer going away.
	ctx = conn.CloseRead(ctx)

	hello, _ := json.Marshal(Envelope{Type: MsgHello, Timestamp: time.Now().UTC()})
	if err := s.write(ctx, conn, hello); err != nil {
		return
	}

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.send:
			if err := s.write(ctx, conn, data); err != nil {
				s.logger.Debug("alert stream write failed", slog.String("error", err.Error()))
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				s.logger.Debug("heartbeat ping failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

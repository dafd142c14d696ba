// Package server exposes the gateway's control surfaces: a WebSocket
// endpoint streaming server logs to UI clients, and the gateway's own
// MCP control plane served over stdio.
//
// The WebSocket endpoint speaks a small JSON protocol:
//
// Client to Server Messages:
// - Subscribe - start streaming a server's log entries
// - Unsubscribe - stop the current stream
//
// Server to Client Messages:
// - Log Events - parsed log lines, or lag notices when the client
//   fell behind and lines were dropped
// - Error - subscription failures
//
// The server handles multiple concurrent connections, one log
// subscription per connection, and cleans up watchers on disconnect.
//
// Example usage:
//
//	lw := logwatch.NewManager(logDir, 1000, logger)
//	wsServer := server.NewWebSocketServer(lw, logger)
//
//	http.HandleFunc("/ws", wsServer.HandleWebSocket)
//	log.Fatal(http.ListenAndServe(":8765", nil))
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mcpgate/mcpgate/internal/logging"
	"github.com/mcpgate/mcpgate/internal/logwatch"
)

// Client message actions.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// ClientMessage is what a WebSocket client sends.
type ClientMessage struct {
	Action   string `json:"action"`
	ServerID string `json:"server_id,omitempty"`
}

// StreamMessage is what the server sends back.
type StreamMessage struct {
	Type     string          `json:"type"` // "log", "subscribed", "unsubscribed", "error"
	ServerID string          `json:"server_id,omitempty"`
	Event    *logwatch.Event `json:"event,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// WebSocketServerConfig contains configuration options for the WebSocket server
type WebSocketServerConfig struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
	CheckOrigin  func(r *http.Request) bool
}

// DefaultWebSocketServerConfig returns default configuration for the WebSocket server
func DefaultWebSocketServerConfig() WebSocketServerConfig {
	return WebSocketServerConfig{
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
		CheckOrigin:  nil, // Allow all origins by default (dev mode)
	}
}

// WebSocketServer streams log entries to UI clients.
type WebSocketServer struct {
	watchers *logwatch.Manager
	logger   *logging.Logger
	upgrader websocket.Upgrader

	connMutex   sync.RWMutex
	connections map[*websocket.Conn]*connState

	ctx    context.Context
	cancel context.CancelFunc

	readTimeout  time.Duration
	writeTimeout time.Duration
	pingInterval time.Duration
}

// connState tracks one connection's subscription and write lock.
type connState struct {
	mutex      sync.Mutex // protects the fields below
	writeMutex sync.Mutex // protects WebSocket writes

	serverID   string
	sub        *logwatch.Subscription
	cancelFeed context.CancelFunc
}

// NewWebSocketServer creates a WebSocket server over the given watcher manager.
func NewWebSocketServer(watchers *logwatch.Manager, logger *logging.Logger) *WebSocketServer {
	return NewWebSocketServerWithConfig(watchers, logger, DefaultWebSocketServerConfig())
}

// NewWebSocketServerWithConfig creates a WebSocket server with custom configuration.
func NewWebSocketServerWithConfig(watchers *logwatch.Manager, logger *logging.Logger, config WebSocketServerConfig) *WebSocketServer {
	ctx, cancel := context.WithCancel(context.Background())

	if logger == nil {
		logger = logging.Default()
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     config.CheckOrigin,
	}
	if upgrader.CheckOrigin == nil {
		upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	}

	return &WebSocketServer{
		watchers:     watchers,
		logger:       logger.Component("websocket"),
		upgrader:     upgrader,
		connections:  make(map[*websocket.Conn]*connState),
		ctx:          ctx,
		cancel:       cancel,
		readTimeout:  config.ReadTimeout,
		writeTimeout: config.WriteTimeout,
		pingInterval: config.PingInterval,
	}
}

// HandleWebSocket upgrades HTTP requests to WebSocket connections.
// A server_id query parameter subscribes immediately; otherwise the
// client sends a subscribe message.
func (ws *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	ws.handleConnection(conn, r.URL.Query().Get("server_id"))
}

// handleConnection manages a single WebSocket connection.
func (ws *WebSocketServer) handleConnection(conn *websocket.Conn, initialServerID string) {
	defer conn.Close()

	state := &connState{}

	ws.connMutex.Lock()
	ws.connections[conn] = state
	ws.connMutex.Unlock()

	ctx, cancel := context.WithCancel(ws.ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		ws.handlePing(ctx, conn, state)
	}()

	go func() {
		defer wg.Done()
		defer cancel()
		if initialServerID != "" {
			ws.subscribe(ctx, conn, state, initialServerID)
		}
		ws.handleMessages(ctx, conn, state)
	}()

	wg.Wait()
	ws.cleanup(conn, state)
}

// handleMessages processes incoming messages from a WebSocket connection.
func (ws *WebSocketServer) handleMessages(ctx context.Context, conn *websocket.Conn, state *connState) {
	conn.SetReadDeadline(time.Now().Add(ws.readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(ws.readTimeout))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
					ws.logger.Warn("WebSocket read error", "error", err)
				}
				return
			}

			if err := ws.processMessage(ctx, conn, state, message); err != nil {
				ws.logger.Warn("Message processing failed", "error", err)
				ws.sendMessage(conn, state, &StreamMessage{Type: "error", Error: err.Error()})
			}

			conn.SetReadDeadline(time.Now().Add(ws.readTimeout))
		}
	}
}

// processMessage routes a single client message.
func (ws *WebSocketServer) processMessage(ctx context.Context, conn *websocket.Conn, state *connState, message []byte) error {
	var msg ClientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return fmt.Errorf("failed to parse message: %w", err)
	}

	switch msg.Action {
	case ActionSubscribe:
		if msg.ServerID == "" {
			return fmt.Errorf("subscribe requires server_id")
		}
		return ws.subscribe(ctx, conn, state, msg.ServerID)
	case ActionUnsubscribe:
		ws.unsubscribe(state)
		return ws.sendMessage(conn, state, &StreamMessage{Type: "unsubscribed"})
	default:
		return fmt.Errorf("unsupported action: %q", msg.Action)
	}
}

// subscribe switches the connection's log stream to the given server.
func (ws *WebSocketServer) subscribe(ctx context.Context, conn *websocket.Conn, state *connState, serverID string) error {
	ws.unsubscribe(state)

	sub, err := ws.watchers.Subscribe(serverID)
	if err != nil {
		ws.sendMessage(conn, state, &StreamMessage{Type: "error", ServerID: serverID, Error: err.Error()})
		return fmt.Errorf("failed to watch logs for %s: %w", serverID, err)
	}

	feedCtx, cancelFeed := context.WithCancel(ctx)

	state.mutex.Lock()
	state.serverID = serverID
	state.sub = sub
	state.cancelFeed = cancelFeed
	state.mutex.Unlock()

	go ws.forwardEvents(feedCtx, conn, state, serverID, sub)

	ws.logger.Info("Log stream subscribed", "server_id", serverID)
	return ws.sendMessage(conn, state, &StreamMessage{Type: "subscribed", ServerID: serverID})
}

// unsubscribe tears down the connection's current stream, if any.
func (ws *WebSocketServer) unsubscribe(state *connState) {
	state.mutex.Lock()
	sub := state.sub
	cancelFeed := state.cancelFeed
	state.sub = nil
	state.cancelFeed = nil
	state.serverID = ""
	state.mutex.Unlock()

	if cancelFeed != nil {
		cancelFeed()
	}
	if sub != nil {
		ws.watchers.Unsubscribe(sub)
	}
}

// forwardEvents copies watcher events to the WebSocket until the
// subscription or connection ends.
func (ws *WebSocketServer) forwardEvents(ctx context.Context, conn *websocket.Conn, state *connState, serverID string, sub *logwatch.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.C:
			if !ok {
				return
			}
			msg := &StreamMessage{Type: "log", ServerID: serverID, Event: &event}
			if err := ws.sendMessage(conn, state, msg); err != nil {
				ws.logger.Warn("Failed to forward log event", "server_id", serverID, "error", err)
				return
			}
		}
	}
}

// handlePing manages ping/pong heartbeat for a connection.
func (ws *WebSocketServer) handlePing(ctx context.Context, conn *websocket.Conn, state *connState) {
	ticker := time.NewTicker(ws.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state.writeMutex.Lock()
			conn.SetWriteDeadline(time.Now().Add(ws.writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			state.writeMutex.Unlock()

			if err != nil {
				return
			}
		}
	}
}

// sendMessage sends a message over a WebSocket connection.
func (ws *WebSocketServer) sendMessage(conn *websocket.Conn, state *connState, msg *StreamMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to serialize message: %w", err)
	}

	state.writeMutex.Lock()
	defer state.writeMutex.Unlock()

	conn.SetWriteDeadline(time.Now().Add(ws.writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// cleanup removes a connection and releases its watcher subscription.
func (ws *WebSocketServer) cleanup(conn *websocket.Conn, state *connState) {
	ws.unsubscribe(state)

	ws.connMutex.Lock()
	delete(ws.connections, conn)
	ws.connMutex.Unlock()

	ws.logger.Debug("WebSocket connection closed")
}

// ConnectionStats represents statistics about WebSocket connections.
type ConnectionStats struct {
	TotalConnections    int `json:"total_connections"`
	ActiveSubscriptions int `json:"active_subscriptions"`
}

// String returns a human-readable string representation of the connection stats
func (s ConnectionStats) String() string {
	return fmt.Sprintf("Connections: %d total, %d with active subscriptions",
		s.TotalConnections, s.ActiveSubscriptions)
}

// GetConnectionStats returns statistics about active connections.
func (ws *WebSocketServer) GetConnectionStats() ConnectionStats {
	ws.connMutex.RLock()
	defer ws.connMutex.RUnlock()

	stats := ConnectionStats{TotalConnections: len(ws.connections)}
	for _, state := range ws.connections {
		state.mutex.Lock()
		if state.sub != nil {
			stats.ActiveSubscriptions++
		}
		state.mutex.Unlock()
	}
	return stats
}

// IsHealthy returns true if the WebSocket server is operating normally.
func (ws *WebSocketServer) IsHealthy() bool {
	return ws.ctx.Err() == nil
}

// Close shuts down the WebSocket server and all connections.
func (ws *WebSocketServer) Close() error {
	ws.cancel()

	ws.connMutex.Lock()
	for conn := range ws.connections {
		conn.Close()
	}
	ws.connMutex.Unlock()

	return nil
}

// HTTPHandler returns a standard HTTP handler for the endpoint.
func (ws *WebSocketServer) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws.HandleWebSocket(w, r)
	}
}

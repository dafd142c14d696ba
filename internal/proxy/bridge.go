package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/mcpgate/mcpgate/internal/errors"
	"github.com/mcpgate/mcpgate/internal/logging"
	"github.com/mcpgate/mcpgate/internal/logwatch"
	"github.com/mcpgate/mcpgate/internal/protocol"
	"github.com/mcpgate/mcpgate/internal/store"
	"github.com/mcpgate/mcpgate/internal/transport"
)

// Bridge fronts one stdio MCP server with a local HTTP listener.
// Inbound JSON-RPC requests are written to the child's stdin one at a
// time; a single reader goroutine matches stdout lines back to waiting
// callers by request id. Server-initiated notifications fan out to SSE
// subscribers.
//
// Routes: POST /mcp, GET /health, GET /sse.
type Bridge struct {
	server  *store.ServerDescriptor
	port    int
	logger  *logging.Logger
	mcpLog  *logwatch.FileLogger
	timeout time.Duration
	bufSize int

	tr         *transport.StdioTransport
	info       *transport.ConnectionInfo
	httpServer *http.Server

	// writeMu serializes stdin writes; stdio is one ordered stream.
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *protocol.Response

	subsMu     sync.Mutex
	notifySubs map[chan []byte]struct{}

	done     chan struct{}
	exitOnce sync.Once
	exited   chan struct{}
}

// BridgeOptions tunes a bridge. Zero values fall back to defaults.
type BridgeOptions struct {
	RequestTimeout     time.Duration
	NotificationBuffer int
	Logger             *logging.Logger
	// MCPLog, when set, mirrors traffic and lifecycle events to the
	// server's log files for the watcher to tail.
	MCPLog *logwatch.FileLogger
}

// NewBridge creates a bridge for a stdio server on the given local port.
func NewBridge(server *store.ServerDescriptor, port int, opts BridgeOptions) *Bridge {
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = transport.DefaultRequestTimeout
	}
	bufSize := opts.NotificationBuffer
	if bufSize <= 0 {
		bufSize = 1000
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}

	return &Bridge{
		server:     server,
		port:       port,
		logger:     logger,
		mcpLog:     opts.MCPLog,
		timeout:    timeout,
		bufSize:    bufSize,
		pending:    make(map[string]chan *protocol.Response),
		notifySubs: make(map[chan []byte]struct{}),
		done:       make(chan struct{}),
		exited:     make(chan struct{}),
	}
}

// Port returns the local port the bridge listens on.
func (b *Bridge) Port() int { return b.port }

// URL returns the bridged MCP endpoint.
func (b *Bridge) URL() string {
	return fmt.Sprintf("http://127.0.0.1:%d/mcp", b.port)
}

// PID returns the child process id, or 0 before Start.
func (b *Bridge) PID() int {
	if b.info == nil {
		return 0
	}
	return b.info.PID
}

// Start spawns the child process, completes the MCP handshake over its
// stdio, and begins serving HTTP. The child is killed again if the
// handshake fails or the listener cannot be bound.
func (b *Bridge) Start(ctx context.Context) error {
	b.tr = transport.NewStdio(b.server)
	info, err := b.tr.Start(ctx)
	if err != nil {
		return errors.ProxyError(errors.CodeBridgeStart, "Failed to spawn server process", err)
	}
	b.info = info

	go func() {
		info.Cmd.Wait()
		b.exitOnce.Do(func() { close(b.exited) })
	}()
	go b.readStdout()
	go b.readStderr()

	if err := b.handshake(ctx); err != nil {
		b.killChild()
		return errors.ProxyError(errors.CodeBridgeStart, "MCP handshake with server failed", err)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", b.port))
	if err != nil {
		b.killChild()
		return errors.ProxyError(errors.CodeBridgeStart,
			fmt.Sprintf("Failed to bind 127.0.0.1:%d", b.port), err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", b.handleMCP)
	mux.HandleFunc("/health", b.handleHealth)
	mux.HandleFunc("/sse", b.handleSSE)
	b.httpServer = &http.Server{Handler: mux}

	go func() {
		if err := b.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			b.logger.Error("Bridge HTTP server stopped", "server_id", b.server.ID, "error", err)
		}
	}()

	b.logExec("INFO", fmt.Sprintf("process started pid=%d port=%d", info.PID, b.port))
	b.logger.Info("Bridge started",
		"server_id", b.server.ID, "pid", info.PID, "port", b.port)
	return nil
}

// handshake sends initialize through the pending map and completes with
// the id-less initialized notification, before any client traffic is
// accepted.
func (b *Bridge) handshake(ctx context.Context) error {
	req := protocol.NewInitializeRequest()
	data, err := json.Marshal(req)
	if err != nil {
		return errors.InternalError("MARSHAL_FAILED", "Failed to encode initialize request", err)
	}

	id := protocol.IDString(req.ID)
	respCh := make(chan *protocol.Response, 1)
	b.pendingMu.Lock()
	b.pending[id] = respCh
	b.pendingMu.Unlock()
	defer func() {
		b.pendingMu.Lock()
		delete(b.pending, id)
		b.pendingMu.Unlock()
	}()

	b.logIn(string(data))
	if err := b.writeLine(data); err != nil {
		return err
	}

	select {
	case resp, ok := <-respCh:
		if !ok {
			return errors.TransportError(errors.CodeHandshakeFailed, "Bridge stopped during handshake", nil)
		}
		if resp.Error != nil {
			return errors.TransportError(errors.CodeHandshakeFailed,
				fmt.Sprintf("initialize rejected: %s", resp.Error.Message), nil)
		}
	case <-b.exited:
		return errors.TransportError(errors.CodeHandshakeFailed, "Server process exited during handshake", nil)
	case <-time.After(b.timeout):
		return errors.TransportError(errors.CodeHandshakeFailed, "initialize timed out", nil)
	case <-ctx.Done():
		return errors.TransportError(errors.CodeHandshakeFailed, "Handshake canceled", ctx.Err())
	}

	note, err := json.Marshal(protocol.NewInitializedNotification())
	if err != nil {
		return errors.InternalError("MARSHAL_FAILED", "Failed to encode initialized notification", err)
	}
	b.logIn(string(note))
	return b.writeLine(note)
}

// killChild terminates the spawned process on a failed start.
func (b *Bridge) killChild() {
	if b.info == nil || b.info.Cmd == nil || b.info.Cmd.Process == nil {
		return
	}
	b.info.Cmd.Process.Kill()
	select {
	case <-b.exited:
	case <-time.After(5 * time.Second):
	}
}

// Stop shuts down the HTTP listener and terminates the child process.
func (b *Bridge) Stop(ctx context.Context) error {
	select {
	case <-b.done:
		return nil
	default:
	}
	close(b.done)

	if b.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		b.httpServer.Shutdown(shutdownCtx)
	}

	if b.info != nil && b.info.Cmd != nil && b.info.Cmd.Process != nil {
		b.info.Cmd.Process.Kill()
		select {
		case <-b.exited:
		case <-time.After(5 * time.Second):
		}
	}

	// Unblock any caller still waiting on a response
	b.pendingMu.Lock()
	for id, ch := range b.pending {
		close(ch)
		delete(b.pending, id)
	}
	b.pendingMu.Unlock()

	b.logExec("INFO", "process stopped")
	b.logger.Info("Bridge stopped", "server_id", b.server.ID, "port", b.port)
	return nil
}

// Healthy reports whether the child process is still running.
func (b *Bridge) Healthy(ctx context.Context) bool {
	select {
	case <-b.done:
		return false
	case <-b.exited:
		return false
	default:
		return b.info != nil
	}
}

func (b *Bridge) handleMCP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	start := time.Now()
	body, err := io.ReadAll(io.LimitReader(r.Body, 10*1024*1024))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		http.Error(w, "invalid JSON-RPC", http.StatusBadRequest)
		return
	}

	b.logIn(string(body))

	// Notifications are fire-and-forget
	if protocol.IsNotification(body) {
		if err := b.writeLine(body); err != nil {
			http.Error(w, "server unavailable", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		b.logger.LogRequest(r.Context(), r.Method, r.URL.Path, http.StatusAccepted, time.Since(start))
		return
	}

	// Neither a notification nor an id-bearing request
	if len(probe.ID) == 0 || string(probe.ID) == "null" {
		http.Error(w, "invalid JSON-RPC", http.StatusBadRequest)
		return
	}

	id := protocol.IDString(probe.ID)
	respCh := make(chan *protocol.Response, 1)

	b.pendingMu.Lock()
	b.pending[id] = respCh
	b.pendingMu.Unlock()
	defer func() {
		b.pendingMu.Lock()
		delete(b.pending, id)
		b.pendingMu.Unlock()
	}()

	if err := b.writeLine(body); err != nil {
		http.Error(w, "server unavailable", http.StatusBadGateway)
		return
	}

	select {
	case resp, ok := <-respCh:
		if !ok {
			http.Error(w, "bridge shutting down", http.StatusBadGateway)
			return
		}
		data, err := json.Marshal(resp)
		if err != nil {
			http.Error(w, "failed to encode response", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
		b.logger.LogRequest(r.Context(), r.Method, r.URL.Path, http.StatusOK, time.Since(start))
	case <-time.After(b.timeout):
		http.Error(w, "request timed out", http.StatusGatewayTimeout)
		b.logger.LogRequest(r.Context(), r.Method, r.URL.Path, http.StatusGatewayTimeout, time.Since(start))
	case <-b.done:
		http.Error(w, "bridge shutting down", http.StatusBadGateway)
	}
}

func (b *Bridge) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !b.Healthy(r.Context()) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]any{"status": "unhealthy", "server_id": b.server.ID})
		return
	}
	json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"server_id": b.server.ID,
		"pid":       b.PID(),
		"port":      b.port,
	})
}

// handleSSE streams server-initiated notifications as server-sent events.
func (b *Bridge) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch := make(chan []byte, b.bufSize)
	b.subsMu.Lock()
	b.notifySubs[ch] = struct{}{}
	b.subsMu.Unlock()
	defer func() {
		b.subsMu.Lock()
		delete(b.notifySubs, ch)
		b.subsMu.Unlock()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	for {
		select {
		case msg := <-ch:
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		case <-r.Context().Done():
			return
		case <-b.done:
			return
		}
	}
}

// writeLine appends a newline-delimited message to the child's stdin.
func (b *Bridge) writeLine(data []byte) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	stdin := b.tr.Stdin()
	if stdin == nil {
		return errors.ProxyError(errors.CodeBridgeStart, "Bridge not started", nil)
	}
	if _, err := stdin.Write(append(data, '\n')); err != nil {
		return errors.TransportError(errors.CodeConnectionFailed, "Failed to write to server stdin", err)
	}
	return nil
}

// readStdout is the single consumer of the child's stdout. Response
// lines route to the pending caller by id; id-less lines are
// notifications and fan out to SSE subscribers.
func (b *Bridge) readStdout() {
	scanner := bufio.NewScanner(b.tr.Stdout())
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp protocol.Response
		if err := json.Unmarshal(line, &resp); err != nil {
			b.logger.Warn("Dropping non-JSON stdout line", "server_id", b.server.ID)
			continue
		}

		b.logOut(string(line))

		if len(resp.ID) == 0 || string(resp.ID) == "null" {
			b.broadcast(append([]byte(nil), line...))
			continue
		}

		id := protocol.IDString(resp.ID)
		b.pendingMu.Lock()
		ch, ok := b.pending[id]
		if ok {
			delete(b.pending, id)
		}
		b.pendingMu.Unlock()

		if ok {
			ch <- &resp
		} else {
			b.logger.Warn("Response with no waiting caller", "server_id", b.server.ID, "id", id)
		}
	}
}

func (b *Bridge) readStderr() {
	scanner := bufio.NewScanner(b.tr.Stderr())
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		b.logger.Debug("Server stderr", "server_id", b.server.ID, "line", line)
		if b.mcpLog != nil {
			b.mcpLog.Err(line)
		}
	}
}

func (b *Bridge) broadcast(msg []byte) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	for ch := range b.notifySubs {
		select {
		case ch <- msg:
		default:
			// Slow SSE consumer; drop rather than block the reader
		}
	}
}

func (b *Bridge) logExec(level, message string) {
	if b.mcpLog != nil {
		b.mcpLog.Exec(level, message)
	}
}

func (b *Bridge) logIn(message string) {
	if b.mcpLog != nil {
		b.mcpLog.In(message)
	}
}

func (b *Bridge) logOut(message string) {
	if b.mcpLog != nil {
		b.mcpLog.Out(message)
	}
}

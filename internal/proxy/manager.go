package proxy

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mcpgate/mcpgate/internal/errors"
	"github.com/mcpgate/mcpgate/internal/logging"
	"github.com/mcpgate/mcpgate/internal/logwatch"
	"github.com/mcpgate/mcpgate/internal/metrics"
	"github.com/mcpgate/mcpgate/internal/store"
)

// bridgeHandle is what the manager needs from a running bridge. Tests
// substitute fakes through the factory.
type bridgeHandle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Healthy(ctx context.Context) bool
	Port() int
	URL() string
	PID() int
}

// ProxyEntry describes one live bridged server.
type ProxyEntry struct {
	ServerID string `json:"server_id"`
	Port     int    `json:"port"`
	URL      string `json:"url"`
	PID      int    `json:"pid"`

	bridge bridgeHandle
}

// ManagerOptions configures a proxy manager.
type ManagerOptions struct {
	PortRangeStart     int
	PortRangeEnd       int
	RequestTimeout     int // seconds; 0 means default
	NotificationBuffer int
	Logger             *logging.Logger
	// LogDir, when set, enables per-server MCP file logging inside the
	// bridges.
	LogDir string
}

// Manager owns the id → ProxyEntry map and the port allocator. At most
// one live entry exists per server id.
type Manager struct {
	ports   *PortAllocator
	logger  *logging.Logger
	logDir  string
	options ManagerOptions

	mu      sync.RWMutex
	entries map[string]*ProxyEntry

	// newBridge is swapped in tests.
	newBridge func(server *store.ServerDescriptor, port int) bridgeHandle
}

// NewManager creates a proxy manager.
func NewManager(opts ManagerOptions) *Manager {
	start, end := opts.PortRangeStart, opts.PortRangeEnd
	if start == 0 {
		start, end = 9000, 9999
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}

	m := &Manager{
		ports:   NewPortAllocator(start, end),
		logger:  logger.Component("proxy"),
		logDir:  opts.LogDir,
		options: opts,
		entries: make(map[string]*ProxyEntry),
	}
	m.newBridge = m.buildBridge
	return m
}

func (m *Manager) buildBridge(server *store.ServerDescriptor, port int) bridgeHandle {
	var mcpLog *logwatch.FileLogger
	if m.logDir != "" {
		var err error
		mcpLog, err = logwatch.NewFileLogger(m.logDir, server.ID)
		if err != nil {
			m.logger.Warn("MCP file logging disabled", "server_id", server.ID, "error", err)
		}
	}

	bridgeOpts := BridgeOptions{
		NotificationBuffer: m.options.NotificationBuffer,
		Logger:             m.logger,
		MCPLog:             mcpLog,
	}
	if m.options.RequestTimeout > 0 {
		bridgeOpts.RequestTimeout = time.Duration(m.options.RequestTimeout) * time.Second
	}
	return NewBridge(server, port, bridgeOpts)
}

// StartProxy bridges a stdio server to a local HTTP endpoint and
// returns its entry. Idempotent: an existing entry is returned as-is.
// URL-addressable servers (HTTP/SSE) are rejected; they need no bridge.
func (m *Manager) StartProxy(ctx context.Context, server *store.ServerDescriptor) (*ProxyEntry, error) {
	if server.Transport != store.TransportStdio {
		return nil, errors.ProxyError(errors.CodeUnsupportedTransport,
			"Only stdio servers are proxied; "+string(server.Transport)+" servers are URL-addressable", nil)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.entries[server.ID]; ok {
		return entry, nil
	}

	port, err := m.ports.Allocate()
	if err != nil {
		return nil, err
	}

	bridge := m.newBridge(server, port)
	if err := bridge.Start(ctx); err != nil {
		// No port leaks on failure
		m.ports.Release(port)
		return nil, errors.WrapError(err, "Failed to start proxy for "+server.ID)
	}

	entry := &ProxyEntry{
		ServerID: server.ID,
		Port:     bridge.Port(),
		URL:      bridge.URL(),
		PID:      bridge.PID(),
		bridge:   bridge,
	}
	m.entries[server.ID] = entry

	metrics.Default().TrackProxyStarted()
	m.logger.Info("Proxy started", "server_id", server.ID, "port", entry.Port, "url", entry.URL)
	return entry, nil
}

// StopProxy stops a server's bridge and releases its port. A no-op for
// unknown server ids.
func (m *Manager) StopProxy(ctx context.Context, serverID string) error {
	m.mu.Lock()
	entry, ok := m.entries[serverID]
	if ok {
		delete(m.entries, serverID)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}

	err := entry.bridge.Stop(ctx)
	m.ports.Release(entry.Port)
	metrics.Default().TrackProxyStopped()
	m.logger.Info("Proxy stopped", "server_id", serverID, "port", entry.Port)
	return err
}

// GetProxyURL returns the bridged URL for a server, if one is running.
func (m *Manager) GetProxyURL(serverID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[serverID]
	if !ok {
		return "", false
	}
	return entry.URL, true
}

// GetProxyPort returns the bridged port for a server, if one is running.
func (m *Manager) GetProxyPort(serverID string) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[serverID]
	if !ok {
		return 0, false
	}
	return entry.Port, true
}

// IsProxyHealthy reports whether a server's bridge is running and its
// child process alive.
func (m *Manager) IsProxyHealthy(ctx context.Context, serverID string) bool {
	m.mu.RLock()
	entry, ok := m.entries[serverID]
	m.mu.RUnlock()

	return ok && entry.bridge.Healthy(ctx)
}

// ListRunningProxies returns all live entries sorted by server id.
func (m *Manager) ListRunningProxies() []*ProxyEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]*ProxyEntry, 0, len(m.entries))
	for _, entry := range m.entries {
		copied := *entry
		entries = append(entries, &copied)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ServerID < entries[j].ServerID })
	return entries
}

// ShutdownAllProxies stops every bridge and clears the allocator. Used
// for clean process exit: no orphaned children, no bound ports.
func (m *Manager) ShutdownAllProxies(ctx context.Context) {
	m.mu.Lock()
	entries := m.entries
	m.entries = make(map[string]*ProxyEntry)
	m.mu.Unlock()

	for serverID, entry := range entries {
		if err := entry.bridge.Stop(ctx); err != nil {
			m.logger.Warn("Failed to stop proxy during shutdown", "server_id", serverID, "error", err)
		}
		metrics.Default().TrackProxyStopped()
	}
	m.ports.Clear()
	m.logger.Info("All proxies shut down", "count", len(entries))
}

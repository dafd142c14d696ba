package gateway

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/mcpgate/mcpgate/internal/errors"
	"github.com/mcpgate/mcpgate/internal/proxy"
	"github.com/mcpgate/mcpgate/internal/store"
	"github.com/mcpgate/mcpgate/internal/transport"
)

type fakeProxies struct {
	mu        sync.Mutex
	nextPort  int
	nextPID   int
	started   map[string]*proxy.ProxyEntry
	stops     []string
	startErr  error
	shutdowns int
}

func newFakeProxies() *fakeProxies {
	return &fakeProxies{
		nextPort: 9000,
		nextPID:  1000,
		started:  make(map[string]*proxy.ProxyEntry),
	}
}

func (f *fakeProxies) StartProxy(ctx context.Context, server *store.ServerDescriptor) (*proxy.ProxyEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	if entry, ok := f.started[server.ID]; ok {
		return entry, nil
	}
	entry := &proxy.ProxyEntry{
		ServerID: server.ID,
		Port:     f.nextPort,
		URL:      fmt.Sprintf("http://127.0.0.1:%d/mcp", f.nextPort),
		PID:      f.nextPID,
	}
	f.nextPort++
	f.nextPID++
	f.started[server.ID] = entry
	return entry, nil
}

func (f *fakeProxies) StopProxy(ctx context.Context, serverID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.started, serverID)
	f.stops = append(f.stops, serverID)
	return nil
}

func (f *fakeProxies) IsProxyHealthy(ctx context.Context, serverID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.started[serverID]
	return ok
}

func (f *fakeProxies) ShutdownAllProxies(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = make(map[string]*proxy.ProxyEntry)
	f.shutdowns++
}

type fakeTransport struct {
	endpoint string
	healthy  bool
	startErr error
	starts   int
	stops    int
}

func (f *fakeTransport) Start(ctx context.Context) (*transport.ConnectionInfo, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.starts++
	return &transport.ConnectionInfo{}, nil
}

func (f *fakeTransport) Stop(ctx context.Context) error {
	f.stops++
	return nil
}

func (f *fakeTransport) IsHealthy(ctx context.Context) bool { return f.healthy }

func (f *fakeTransport) Endpoint() string { return f.endpoint }

type registryHarness struct {
	reg     *Registry
	store   *store.MemoryStore
	proxies *fakeProxies
	alive   map[int]bool
}

func newTestRegistry(t *testing.T) *registryHarness {
	t.Helper()
	st := store.NewMemoryStore()
	proxies := newFakeProxies()
	reg := NewRegistry(Options{Store: st, Proxies: proxies})
	h := &registryHarness{reg: reg, store: st, proxies: proxies, alive: make(map[int]bool)}
	reg.pidAlive = func(pid int) bool { return h.alive[pid] }
	return h
}

func (h *registryHarness) addServer(t *testing.T, id string, kind store.TransportKind) *store.ServerDescriptor {
	t.Helper()
	server := &store.ServerDescriptor{
		ID:        id,
		Name:      id,
		Transport: kind,
		Command:   "server-bin",
		URL:       "http://upstream.example:8080",
		Enabled:   true,
	}
	if err := h.store.SaveServer(context.Background(), server); err != nil {
		t.Fatalf("SaveServer failed: %v", err)
	}
	return server
}

func TestStartServerStdio(t *testing.T) {
	h := newTestRegistry(t)
	h.addServer(t, "files", store.TransportStdio)
	ctx := context.Background()

	rt, err := h.reg.StartServer(ctx, "files")
	if err != nil {
		t.Fatalf("StartServer failed: %v", err)
	}
	if rt.PID != 1000 || rt.Port != 9000 {
		t.Errorf("Runtime = pid %d port %d, want pid 1000 port 9000", rt.PID, rt.Port)
	}
	if rt.URL != "http://127.0.0.1:9000/mcp" {
		t.Errorf("Runtime URL = %q", rt.URL)
	}

	stored, err := h.store.GetRuntime(ctx, "files")
	if err != nil {
		t.Fatalf("GetRuntime failed: %v", err)
	}
	if stored.PID != rt.PID || stored.Port != rt.Port {
		t.Errorf("Stored runtime %+v does not match returned %+v", stored, rt)
	}
}

func TestStartServerIdempotent(t *testing.T) {
	h := newTestRegistry(t)
	h.addServer(t, "files", store.TransportStdio)
	ctx := context.Background()

	first, err := h.reg.StartServer(ctx, "files")
	if err != nil {
		t.Fatalf("First start failed: %v", err)
	}
	h.alive[first.PID] = true

	second, err := h.reg.StartServer(ctx, "files")
	if err != nil {
		t.Fatalf("Second start failed: %v", err)
	}
	if second.PID != first.PID || second.Port != first.Port {
		t.Errorf("Second start = pid %d port %d, want the existing pid %d port %d",
			second.PID, second.Port, first.PID, first.Port)
	}
	if len(h.proxies.stops) != 0 {
		t.Errorf("Idempotent start stopped the proxy: %v", h.proxies.stops)
	}
}

func TestStartServerReplacesDeadRuntime(t *testing.T) {
	h := newTestRegistry(t)
	h.addServer(t, "files", store.TransportStdio)
	ctx := context.Background()

	first, err := h.reg.StartServer(ctx, "files")
	if err != nil {
		t.Fatalf("First start failed: %v", err)
	}
	// Child died; pidAlive reports false for first.PID.

	second, err := h.reg.StartServer(ctx, "files")
	if err != nil {
		t.Fatalf("Restart over dead runtime failed: %v", err)
	}
	if second.PID == first.PID {
		t.Errorf("Expected a fresh child, got the dead pid %d again", first.PID)
	}
	if len(h.proxies.stops) != 1 || h.proxies.stops[0] != "files" {
		t.Errorf("Stale cleanup stops = %v, want [files]", h.proxies.stops)
	}
}

func TestStartServerUnknown(t *testing.T) {
	h := newTestRegistry(t)
	_, err := h.reg.StartServer(context.Background(), "ghost")
	if !errors.IsCode(err, errors.CodeServerNotFound) {
		t.Errorf("StartServer(ghost) error = %v, want SERVER_NOT_FOUND", err)
	}
}

func TestStartServerHTTP(t *testing.T) {
	h := newTestRegistry(t)
	h.addServer(t, "remote", store.TransportHTTP)
	ctx := context.Background()

	ft := &fakeTransport{endpoint: "http://upstream.example:8080/mcp", healthy: true}
	h.reg.newTransport = func(server *store.ServerDescriptor) (transport.Transport, error) {
		return ft, nil
	}

	rt, err := h.reg.StartServer(ctx, "remote")
	if err != nil {
		t.Fatalf("StartServer failed: %v", err)
	}
	if ft.starts != 1 {
		t.Errorf("Transport starts = %d, want 1", ft.starts)
	}
	if rt.URL != "http://upstream.example:8080/mcp" {
		t.Errorf("Runtime URL = %q, want the transport endpoint", rt.URL)
	}
	if rt.PID != 0 || rt.Port != 0 {
		t.Errorf("Remote runtime carries pid %d port %d, want zero", rt.PID, rt.Port)
	}

	if err := h.reg.StopServer(ctx, "remote"); err != nil {
		t.Fatalf("StopServer failed: %v", err)
	}
	if ft.stops != 1 {
		t.Errorf("Transport stops = %d, want 1", ft.stops)
	}
	if _, err := h.store.GetRuntime(ctx, "remote"); err == nil {
		t.Error("Runtime record survived StopServer")
	}
}

func TestStartServerHandshakeFailure(t *testing.T) {
	h := newTestRegistry(t)
	h.addServer(t, "remote", store.TransportHTTP)

	h.reg.newTransport = func(server *store.ServerDescriptor) (transport.Transport, error) {
		return &fakeTransport{startErr: errors.TransportError(errors.CodeHandshakeFailed, "initialize rejected", nil)}, nil
	}

	_, err := h.reg.StartServer(context.Background(), "remote")
	if !errors.IsCode(err, errors.CodeHandshakeFailed) {
		t.Errorf("StartServer error = %v, want HANDSHAKE_FAILED", err)
	}
	if _, err := h.store.GetRuntime(context.Background(), "remote"); err == nil {
		t.Error("Failed start left a runtime record behind")
	}
}

func TestStopServerNotRunning(t *testing.T) {
	h := newTestRegistry(t)
	if err := h.reg.StopServer(context.Background(), "ghost"); err != nil {
		t.Errorf("StopServer on a non-running server = %v, want nil", err)
	}
}

func TestVerifyRunning(t *testing.T) {
	h := newTestRegistry(t)
	h.addServer(t, "files", store.TransportStdio)
	ctx := context.Background()

	rt, err := h.reg.StartServer(ctx, "files")
	if err != nil {
		t.Fatalf("StartServer failed: %v", err)
	}
	h.alive[rt.PID] = true

	pid, port, err := h.reg.VerifyRunning(ctx, "files")
	if err != nil {
		t.Fatalf("VerifyRunning failed: %v", err)
	}
	if pid != rt.PID || port != rt.Port {
		t.Errorf("VerifyRunning = (%d, %d), want (%d, %d)", pid, port, rt.PID, rt.Port)
	}

	// Kill the child out of band.
	h.alive[rt.PID] = false
	_, _, err = h.reg.VerifyRunning(ctx, "files")
	if !errors.IsCode(err, errors.CodeServerNotRunning) {
		t.Errorf("VerifyRunning after death = %v, want SERVER_NOT_RUNNING", err)
	}
	if _, err := h.store.GetRuntime(ctx, "files"); err == nil {
		t.Error("Dead runtime record was not removed")
	}
}

func TestVerifyRunningNeverStarted(t *testing.T) {
	h := newTestRegistry(t)
	h.addServer(t, "files", store.TransportStdio)
	_, _, err := h.reg.VerifyRunning(context.Background(), "files")
	if !errors.IsCode(err, errors.CodeServerNotRunning) {
		t.Errorf("VerifyRunning = %v, want SERVER_NOT_RUNNING", err)
	}
}

func TestIsHealthy(t *testing.T) {
	h := newTestRegistry(t)
	server := h.addServer(t, "files", store.TransportStdio)
	ctx := context.Background()

	if h.reg.IsHealthy(ctx, server) {
		t.Error("IsHealthy true before start")
	}
	rt, err := h.reg.StartServer(ctx, "files")
	if err != nil {
		t.Fatalf("StartServer failed: %v", err)
	}
	h.alive[rt.PID] = true
	if !h.reg.IsHealthy(ctx, server) {
		t.Error("IsHealthy false for a live child")
	}
	h.alive[rt.PID] = false
	if h.reg.IsHealthy(ctx, server) {
		t.Error("IsHealthy true for a dead child")
	}
}

func TestReconcileOnStartup(t *testing.T) {
	h := newTestRegistry(t)
	ctx := context.Background()

	system := h.addServer(t, "system-a", store.TransportStdio)
	system.IsSystem = true
	if err := h.store.SaveServer(ctx, system); err != nil {
		t.Fatalf("SaveServer failed: %v", err)
	}
	disabled := h.addServer(t, "system-b", store.TransportStdio)
	disabled.IsSystem = true
	disabled.Enabled = false
	if err := h.store.SaveServer(ctx, disabled); err != nil {
		t.Fatalf("SaveServer failed: %v", err)
	}
	h.addServer(t, "user-c", store.TransportStdio)

	// Stale record from a previous run with a dead pid.
	stale := &store.ServerRuntime{ServerID: "user-c", PID: 4242, Port: 9100, StartedAt: time.Now()}
	if err := h.store.SaveRuntime(ctx, stale); err != nil {
		t.Fatalf("SaveRuntime failed: %v", err)
	}

	if err := h.reg.ReconcileOnStartup(ctx); err != nil {
		t.Fatalf("ReconcileOnStartup failed: %v", err)
	}

	if _, err := h.store.GetRuntime(ctx, "user-c"); err == nil {
		t.Error("Stale runtime for user-c survived reconciliation")
	}
	if _, err := h.store.GetRuntime(ctx, "system-a"); err != nil {
		t.Errorf("Enabled system server was not started: %v", err)
	}
	if _, err := h.store.GetRuntime(ctx, "system-b"); err == nil {
		t.Error("Disabled system server was started")
	}
	if _, ok := h.proxies.started["user-c"]; ok {
		t.Error("Non-system server was auto-started")
	}
}

func TestShutdownAll(t *testing.T) {
	h := newTestRegistry(t)
	h.addServer(t, "files", store.TransportStdio)
	h.addServer(t, "remote", store.TransportHTTP)
	ctx := context.Background()

	ft := &fakeTransport{endpoint: "http://upstream.example:8080/mcp", healthy: true}
	h.reg.newTransport = func(server *store.ServerDescriptor) (transport.Transport, error) {
		return ft, nil
	}
	if _, err := h.reg.StartServer(ctx, "files"); err != nil {
		t.Fatalf("StartServer(files) failed: %v", err)
	}
	if _, err := h.reg.StartServer(ctx, "remote"); err != nil {
		t.Fatalf("StartServer(remote) failed: %v", err)
	}

	h.reg.ShutdownAll(ctx)

	if h.proxies.shutdowns != 1 {
		t.Errorf("Proxy shutdowns = %d, want 1", h.proxies.shutdowns)
	}
	if ft.stops != 1 {
		t.Errorf("Transport stops = %d, want 1", ft.stops)
	}
	runtimes, err := h.store.ListRuntimes(ctx)
	if err != nil {
		t.Fatalf("ListRuntimes failed: %v", err)
	}
	if len(runtimes) != 0 {
		t.Errorf("Runtimes after shutdown = %d, want 0", len(runtimes))
	}
}

func TestRestartServer(t *testing.T) {
	h := newTestRegistry(t)
	server := h.addServer(t, "files", store.TransportStdio)
	ctx := context.Background()

	first, err := h.reg.StartServer(ctx, "files")
	if err != nil {
		t.Fatalf("StartServer failed: %v", err)
	}
	if err := h.reg.RestartServer(ctx, server); err != nil {
		t.Fatalf("RestartServer failed: %v", err)
	}
	rt, err := h.store.GetRuntime(ctx, "files")
	if err != nil {
		t.Fatalf("GetRuntime after restart failed: %v", err)
	}
	if rt.PID == first.PID {
		t.Errorf("Restart reused pid %d, want a fresh child", first.PID)
	}
}

func TestPidAliveSelf(t *testing.T) {
	if !pidAlive(os.Getpid()) {
		t.Error("pidAlive(self) = false")
	}
	// Far above any default pid_max.
	if pidAlive(1 << 30) {
		t.Error("pidAlive(1<<30) = true")
	}
}

// Package gateway tracks which MCP servers are currently running. The
// Registry owns the start/stop lifecycle for every transport kind,
// persists runtime state so it can reconcile after a gateway restart,
// and answers liveness queries for the supervisor and the control
// plane.
package gateway

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/mcpgate/mcpgate/internal/errors"
	"github.com/mcpgate/mcpgate/internal/logging"
	"github.com/mcpgate/mcpgate/internal/proxy"
	"github.com/mcpgate/mcpgate/internal/store"
	"github.com/mcpgate/mcpgate/internal/transport"
)

// proxyManager is the slice of proxy.Manager the registry uses. Tests
// substitute fakes.
type proxyManager interface {
	StartProxy(ctx context.Context, server *store.ServerDescriptor) (*proxy.ProxyEntry, error)
	StopProxy(ctx context.Context, serverID string) error
	IsProxyHealthy(ctx context.Context, serverID string) bool
	ShutdownAllProxies(ctx context.Context)
}

// Options configures a Registry.
type Options struct {
	Store   store.Store
	Proxies proxyManager
	Logger  *logging.Logger
	// Clock is swapped in tests. Defaults to time.Now.
	Clock func() time.Time
}

// Registry is the authority on running servers. Starts and stops are
// serialized under one mutex so a manual restart racing a supervisor
// tick cannot double-start a server.
type Registry struct {
	store   store.Store
	proxies proxyManager
	logger  *logging.Logger
	now     func() time.Time

	mu sync.Mutex
	// remote transports kept alive for health probes and stop, keyed by
	// server id. Stdio servers live inside the proxy manager instead.
	remotes map[string]transport.Transport

	// swapped in tests
	newTransport func(server *store.ServerDescriptor) (transport.Transport, error)
	pidAlive     func(pid int) bool
}

// NewRegistry builds a Registry over the given store and proxy manager.
func NewRegistry(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		store:        opts.Store,
		proxies:      opts.Proxies,
		logger:       logger.Component("gateway"),
		now:          clock,
		remotes:      make(map[string]transport.Transport),
		newTransport: transport.New,
		pidAlive:     pidAlive,
	}
}

// StartServer starts the server with the given id and returns its
// runtime state. Starting an already-running server returns the
// existing runtime without side effects.
func (r *Registry) StartServer(ctx context.Context, serverID string) (*store.ServerRuntime, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	server, err := r.store.GetServer(ctx, serverID)
	if err != nil {
		return nil, err
	}

	if rt, err := r.store.GetRuntime(ctx, serverID); err == nil {
		if r.runtimeAlive(ctx, rt) {
			return rt, nil
		}
		// Stale record from a crashed child or a previous gateway run.
		r.logger.Warn("Removing stale runtime record", "server_id", serverID, "pid", rt.PID)
		r.cleanupLocked(ctx, serverID)
	}

	rt := &store.ServerRuntime{ServerID: serverID, StartedAt: r.now()}

	switch server.Transport {
	case store.TransportStdio:
		entry, err := r.proxies.StartProxy(ctx, server)
		if err != nil {
			return nil, err
		}
		rt.PID = entry.PID
		rt.Port = entry.Port
		rt.URL = entry.URL

	case store.TransportHTTP, store.TransportSSE:
		tr, err := r.newTransport(server)
		if err != nil {
			return nil, err
		}
		if _, err := tr.Start(ctx); err != nil {
			return nil, err
		}
		if ep, ok := tr.(interface{ Endpoint() string }); ok {
			rt.URL = ep.Endpoint()
		} else {
			rt.URL = server.URL
		}
		r.remotes[serverID] = tr

	default:
		return nil, errors.TransportError(errors.CodeUnsupportedTransport,
			"unsupported transport: "+string(server.Transport), nil)
	}

	if err := r.store.SaveRuntime(ctx, rt); err != nil {
		return nil, err
	}
	r.logger.Info("Server started", "server_id", serverID, "transport", server.Transport,
		"pid", rt.PID, "port", rt.Port, "url", rt.URL)
	return rt, nil
}

// StopServer stops the server with the given id. Stopping a server that
// is not running is a no-op.
func (r *Registry) StopServer(ctx context.Context, serverID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleanupLocked(ctx, serverID)
	r.logger.Info("Server stopped", "server_id", serverID)
	return nil
}

// RestartServer stops and restarts the given server. Implements the
// supervisor's Restarter.
func (r *Registry) RestartServer(ctx context.Context, server *store.ServerDescriptor) error {
	if err := r.StopServer(ctx, server.ID); err != nil {
		return err
	}
	_, err := r.StartServer(ctx, server.ID)
	return err
}

// VerifyRunning returns the pid and port of a running server. A stored
// runtime whose process is dead is removed before returning
// SERVER_NOT_RUNNING.
func (r *Registry) VerifyRunning(ctx context.Context, serverID string) (pid, port int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rt, err := r.store.GetRuntime(ctx, serverID)
	if err != nil {
		return 0, 0, err
	}
	if !r.runtimeAlive(ctx, rt) {
		r.cleanupLocked(ctx, serverID)
		return 0, 0, errors.ProcessError(errors.CodeServerNotRunning,
			"server process is no longer alive: "+serverID, nil)
	}
	return rt.PID, rt.Port, nil
}

// IsHealthy reports whether the given server is currently running and
// responsive. Implements the supervisor's Prober.
func (r *Registry) IsHealthy(ctx context.Context, server *store.ServerDescriptor) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rt, err := r.store.GetRuntime(ctx, server.ID)
	if err != nil {
		return false
	}
	return r.runtimeAlive(ctx, rt)
}

// ReconcileOnStartup removes runtime records left over from a previous
// gateway process whose children are gone, then starts every enabled
// system server.
func (r *Registry) ReconcileOnStartup(ctx context.Context) error {
	runtimes, err := r.store.ListRuntimes(ctx)
	if err != nil {
		return err
	}
	for _, rt := range runtimes {
		if rt.PID > 0 && !r.pidAlive(rt.PID) {
			r.logger.Warn("Dropping stale runtime from previous run", "server_id", rt.ServerID, "pid", rt.PID)
			if err := r.store.DeleteRuntime(ctx, rt.ServerID); err != nil {
				r.logger.LogError(ctx, "Failed to drop stale runtime", err, slog.String("server_id", rt.ServerID))
			}
		}
	}

	servers, err := r.store.ListSystemServers(ctx)
	if err != nil {
		return err
	}
	for _, server := range servers {
		if !server.Enabled {
			continue
		}
		if _, err := r.StartServer(ctx, server.ID); err != nil {
			r.logger.LogError(ctx, "Failed to start system server", err, slog.String("server_id", server.ID))
		}
	}
	return nil
}

// ShutdownAll stops every running server and clears runtime state.
// Used on gateway exit so no children or ports are orphaned.
func (r *Registry) ShutdownAll(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.proxies.ShutdownAllProxies(ctx)
	for serverID, tr := range r.remotes {
		if err := tr.Stop(ctx); err != nil {
			r.logger.Warn("Failed to stop transport during shutdown", "server_id", serverID, "error", err)
		}
		delete(r.remotes, serverID)
	}

	runtimes, err := r.store.ListRuntimes(ctx)
	if err != nil {
		r.logger.LogError(ctx, "Failed to list runtimes during shutdown", err)
		return
	}
	for _, rt := range runtimes {
		if err := r.store.DeleteRuntime(ctx, rt.ServerID); err != nil {
			r.logger.Warn("Failed to delete runtime during shutdown", "server_id", rt.ServerID, "error", err)
		}
	}
	r.logger.Info("All servers shut down", "count", len(runtimes))
}

// runtimeAlive checks a runtime record against reality: the child
// process for stdio servers, the transport probe for remote ones.
func (r *Registry) runtimeAlive(ctx context.Context, rt *store.ServerRuntime) bool {
	if rt.PID > 0 {
		return r.pidAlive(rt.PID)
	}
	if tr, ok := r.remotes[rt.ServerID]; ok {
		return tr.IsHealthy(ctx)
	}
	// Remote server from a previous gateway run; still addressable.
	return rt.URL != ""
}

// cleanupLocked tears down whatever is tracked for a server id. Caller
// holds r.mu.
func (r *Registry) cleanupLocked(ctx context.Context, serverID string) {
	if err := r.proxies.StopProxy(ctx, serverID); err != nil {
		r.logger.Warn("Failed to stop proxy", "server_id", serverID, "error", err)
	}
	if tr, ok := r.remotes[serverID]; ok {
		if err := tr.Stop(ctx); err != nil {
			r.logger.Warn("Failed to stop transport", "server_id", serverID, "error", err)
		}
		delete(r.remotes, serverID)
	}
	if err := r.store.DeleteRuntime(ctx, serverID); err != nil {
		r.logger.Warn("Failed to delete runtime", "server_id", serverID, "error", err)
	}
}

// pidAlive reports whether a process with the given pid exists. Signal
// zero performs the existence check without delivering anything;
// EPERM means the process exists but belongs to another user.
func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || err == syscall.EPERM
}

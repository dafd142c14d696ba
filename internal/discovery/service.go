// Package discovery refreshes the per-server tool cache by calling
// tools/list on reachable MCP servers. Refreshes for the same server
// are serialized; different servers discover fully concurrently.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mcpgate/mcpgate/internal/errors"
	"github.com/mcpgate/mcpgate/internal/logging"
	"github.com/mcpgate/mcpgate/internal/metrics"
	"github.com/mcpgate/mcpgate/internal/protocol"
	"github.com/mcpgate/mcpgate/internal/store"
	"github.com/mcpgate/mcpgate/internal/transport"
)

// Session is the minimal capability discovery needs from an open
// connection. Satisfied by transport.HTTPSession, transport.HTTPTransport
// and transport.SSETransport.
type Session interface {
	SendRequest(ctx context.Context, req *protocol.Request) (*protocol.Response, error)
}

// URLResolver returns the reachable endpoint for a server, or "" when
// the server is not running. For stdio servers this is the bridged
// proxy URL; HTTP/SSE servers are addressable directly.
type URLResolver func(server *store.ServerDescriptor) string

// Options configures a discovery service.
type Options struct {
	CacheTTL       time.Duration // default 10 minutes
	RequestTimeout time.Duration
	Logger         *logging.Logger
	Clock          func() time.Time
}

// Service owns the per-server discovery locks and the cache refresh
// policy. Construct one at startup; locks are created lazily and live
// for the service's lifetime.
type Service struct {
	servers store.ServerStore
	tools   store.ToolStore
	resolve URLResolver

	ttl     time.Duration
	timeout time.Duration
	logger  *logging.Logger
	now     func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	// newSession is swapped in tests.
	newSession func(endpoint string, headers map[string]string) Session
}

// New creates a discovery service.
func New(servers store.ServerStore, tools store.ToolStore, resolve URLResolver, opts Options) *Service {
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = transport.DefaultRequestTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	s := &Service{
		servers: servers,
		tools:   tools,
		resolve: resolve,
		ttl:     ttl,
		timeout: timeout,
		logger:  logger.Component("discovery"),
		now:     now,
		locks:   make(map[string]*sync.Mutex),
	}
	s.newSession = func(endpoint string, headers map[string]string) Session {
		return transport.NewHTTPSession(endpoint, headers, timeout)
	}
	return s
}

// ShouldRediscover reports whether a server's tool cache is missing or
// older than the TTL.
func (s *Service) ShouldRediscover(ctx context.Context, serverID string) bool {
	discoveredAt, ok, err := s.tools.LastDiscoveredAt(ctx, serverID)
	if err != nil || !ok {
		return true
	}
	return s.now().Sub(discoveredAt) > s.ttl
}

// DiscoverAndCache refreshes a server's tool cache over its reachable
// HTTP endpoint. Returns the cached tool count. Concurrent calls for
// the same server coalesce into one upstream round trip.
func (s *Service) DiscoverAndCache(ctx context.Context, serverID string) (int, error) {
	lock := s.lock(serverID)
	lock.Lock()
	defer lock.Unlock()

	// Another caller may have refreshed while this one waited
	if !s.ShouldRediscover(ctx, serverID) {
		return s.cachedCount(ctx, serverID)
	}

	server, err := s.servers.GetServer(ctx, serverID)
	if err != nil {
		return 0, err
	}

	endpoint := s.resolve(server)
	if endpoint == "" {
		return 0, errors.DiscoveryError(errors.CodeServerNotRunning,
			"Server has no reachable endpoint: "+serverID, nil)
	}

	return s.refresh(ctx, serverID, s.newSession(endpoint, server.Headers))
}

// DiscoverAndCacheDirect refreshes a server's tool cache over an
// already-open session, bypassing endpoint resolution. Used when the
// caller holds a live stdio session rather than going through the
// bridge.
func (s *Service) DiscoverAndCacheDirect(ctx context.Context, serverID string, session Session) (int, error) {
	lock := s.lock(serverID)
	lock.Lock()
	defer lock.Unlock()

	if !s.ShouldRediscover(ctx, serverID) {
		return s.cachedCount(ctx, serverID)
	}

	return s.refresh(ctx, serverID, session)
}

// refresh performs the tools/list round trip and atomically replaces
// the cache. The existing cache survives any failure before the full
// parse succeeds.
func (s *Service) refresh(ctx context.Context, serverID string, session Session) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := session.SendRequest(ctx, protocol.NewListToolsRequest())
	if err != nil {
		return 0, errors.MCPCommunicationError("tools/list request failed", err)
	}
	if resp == nil {
		return 0, errors.InvalidResponseError("tools/list returned no response", nil)
	}
	if resp.Error != nil {
		return 0, errors.MCPCommunicationError(
			fmt.Sprintf("tools/list rejected: %s", resp.Error.Message), nil)
	}

	var result protocol.ListToolsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return 0, errors.InvalidResponseError("tools/list result is malformed", err)
	}

	discoveredAt := s.now()
	records := make([]*store.ToolRecord, len(result.Tools))
	for i, tool := range result.Tools {
		records[i] = &store.ToolRecord{
			ServerID:     serverID,
			Name:         tool.Name,
			Description:  tool.Description,
			InputSchema:  tool.InputSchema,
			DiscoveredAt: discoveredAt,
		}
	}

	if err := s.tools.ReplaceTools(ctx, serverID, records); err != nil {
		return 0, err
	}
	// The server record carries the freshness stamp, not the tool rows:
	// an empty tool list is still a completed discovery.
	if err := s.tools.MarkDiscovered(ctx, serverID, discoveredAt, len(records)); err != nil {
		return 0, err
	}

	metrics.Default().TrackDiscovery(len(records))
	s.logger.Info("Tool cache refreshed", "server_id", serverID, "tool_count", len(records))
	return len(records), nil
}

func (s *Service) cachedCount(ctx context.Context, serverID string) (int, error) {
	tools, err := s.tools.ListTools(ctx, serverID)
	if err != nil {
		return 0, err
	}
	return len(tools), nil
}

// lock returns the per-server mutex, creating it lazily. Locks are
// retained for the service's lifetime.
func (s *Service) lock(serverID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[serverID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[serverID] = lock
	}
	return lock
}

// MCP control plane for the gateway itself, served over stdio using
// the mcp-go library.
//
// Available MCP Tools:
// - list_servers: List configured servers with runtime state
// - start_server: Start a server (stdio servers get a local HTTP proxy)
// - stop_server: Stop a running server
// - list_running_proxies: List live stdio bridges with their ports
// - discover_tools: Refresh and return a server's cached tool list
// - get_recent_logs: Return the most recent log entries for a server
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mcpgate/mcpgate/internal/discovery"
	"github.com/mcpgate/mcpgate/internal/gateway"
	"github.com/mcpgate/mcpgate/internal/logging"
	"github.com/mcpgate/mcpgate/internal/logwatch"
	"github.com/mcpgate/mcpgate/internal/proxy"
	"github.com/mcpgate/mcpgate/internal/store"
)

// proxyLister is the slice of proxy.Manager the control plane reads.
type proxyLister interface {
	ListRunningProxies() []*proxy.ProxyEntry
}

// MCPServer exposes gateway operations as MCP tools over stdio.
type MCPServer struct {
	store     store.Store
	registry  *gateway.Registry
	proxies   proxyLister
	discovery *discovery.Service
	logDir    string
	logger    *logging.Logger

	mcpServer *server.MCPServer
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// MCPServerOptions wires the control plane's collaborators.
type MCPServerOptions struct {
	Store     store.Store
	Registry  *gateway.Registry
	Proxies   proxyLister
	Discovery *discovery.Service
	LogDir    string
	Logger    *logging.Logger
	Version   string
}

// NewMCPServer creates the gateway control plane server.
func NewMCPServer(opts MCPServerOptions) *MCPServer {
	ctx, cancel := context.WithCancel(context.Background())

	version := opts.Version
	if version == "" {
		version = "dev"
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}

	mcpServer := server.NewMCPServer(
		"mcpgate",
		version,
		server.WithToolCapabilities(true),
	)

	mcpSrv := &MCPServer{
		store:     opts.Store,
		registry:  opts.Registry,
		proxies:   opts.Proxies,
		discovery: opts.Discovery,
		logDir:    opts.LogDir,
		logger:    logger.Component("control"),
		mcpServer: mcpServer,
		ctx:       ctx,
		cancel:    cancel,
	}

	mcpSrv.registerTools()
	return mcpSrv
}

// registerTools registers all MCP tools with the mcp-go server
func (mcpSrv *MCPServer) registerTools() {
	mcpSrv.mcpServer.AddTool(
		mcp.NewTool("list_servers",
			mcp.WithDescription("List configured MCP servers with their runtime state"),
		),
		mcpSrv.handleListServers,
	)

	mcpSrv.mcpServer.AddTool(
		mcp.NewTool("start_server",
			mcp.WithDescription("Start an MCP server; stdio servers are exposed through a local HTTP proxy"),
			mcp.WithString("server_id",
				mcp.Required(),
				mcp.Description("ID of the server to start"),
			),
		),
		mcpSrv.handleStartServer,
	)

	mcpSrv.mcpServer.AddTool(
		mcp.NewTool("stop_server",
			mcp.WithDescription("Stop a running MCP server"),
			mcp.WithString("server_id",
				mcp.Required(),
				mcp.Description("ID of the server to stop"),
			),
		),
		mcpSrv.handleStopServer,
	)

	mcpSrv.mcpServer.AddTool(
		mcp.NewTool("list_running_proxies",
			mcp.WithDescription("List live stdio-to-HTTP proxy bridges"),
		),
		mcpSrv.handleListRunningProxies,
	)

	mcpSrv.mcpServer.AddTool(
		mcp.NewTool("discover_tools",
			mcp.WithDescription("Discover and cache the tool list of a running server"),
			mcp.WithString("server_id",
				mcp.Required(),
				mcp.Description("ID of the server to query"),
			),
		),
		mcpSrv.handleDiscoverTools,
	)

	mcpSrv.mcpServer.AddTool(
		mcp.NewTool("get_recent_logs",
			mcp.WithDescription("Get the most recent log entries for a server"),
			mcp.WithString("server_id",
				mcp.Required(),
				mcp.Description("ID of the server"),
			),
			mcp.WithNumber("lines",
				mcp.Description("Number of lines to return (default 100)"),
			),
		),
		mcpSrv.handleGetRecentLogs,
	)
}

// Serve starts the MCP server on stdio. Blocks until stdin closes.
func (mcpSrv *MCPServer) Serve() error {
	return server.ServeStdio(mcpSrv.mcpServer)
}

// Stop stops the MCP server
func (mcpSrv *MCPServer) Stop() {
	mcpSrv.cancel()
	mcpSrv.wg.Wait()
}

// ServerInfo is one row of the list_servers response.
type ServerInfo struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Transport   string    `json:"transport"`
	Enabled     bool      `json:"enabled"`
	IsSystem    bool      `json:"is_system"`
	Running     bool      `json:"running"`
	PID         int       `json:"pid,omitempty"`
	Port        int       `json:"port,omitempty"`
	URL         string    `json:"url,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
}

// handleListServers handles the list_servers tool
func (mcpSrv *MCPServer) handleListServers(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	servers, err := mcpSrv.store.ListServers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}

	infos := make([]ServerInfo, 0, len(servers))
	for _, srv := range servers {
		info := ServerInfo{
			ID:          srv.ID,
			Name:        srv.Name,
			Description: srv.Description,
			Transport:   string(srv.Transport),
			Enabled:     srv.Enabled,
			IsSystem:    srv.IsSystem,
		}
		if rt, err := mcpSrv.store.GetRuntime(ctx, srv.ID); err == nil {
			info.Running = true
			info.PID = rt.PID
			info.Port = rt.Port
			info.URL = rt.URL
			info.StartedAt = rt.StartedAt
		}
		infos = append(infos, info)
	}

	return textResult(infos)
}

// handleStartServer handles the start_server tool
func (mcpSrv *MCPServer) handleStartServer(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	serverID, err := requireString(request, "server_id")
	if err != nil {
		return nil, err
	}

	rt, err := mcpSrv.registry.StartServer(ctx, serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to start server %s: %w", serverID, err)
	}

	return textResult(rt)
}

// handleStopServer handles the stop_server tool
func (mcpSrv *MCPServer) handleStopServer(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	serverID, err := requireString(request, "server_id")
	if err != nil {
		return nil, err
	}

	if err := mcpSrv.registry.StopServer(ctx, serverID); err != nil {
		return nil, fmt.Errorf("failed to stop server %s: %w", serverID, err)
	}

	return textResult(map[string]string{"server_id": serverID, "status": "stopped"})
}

// handleListRunningProxies handles the list_running_proxies tool
func (mcpSrv *MCPServer) handleListRunningProxies(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return textResult(mcpSrv.proxies.ListRunningProxies())
}

// DiscoveryResult is the discover_tools response.
type DiscoveryResult struct {
	ServerID  string              `json:"server_id"`
	ToolCount int                 `json:"tool_count"`
	Tools     []*store.ToolRecord `json:"tools"`
}

// handleDiscoverTools handles the discover_tools tool
func (mcpSrv *MCPServer) handleDiscoverTools(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	serverID, err := requireString(request, "server_id")
	if err != nil {
		return nil, err
	}

	count, err := mcpSrv.discovery.DiscoverAndCache(ctx, serverID)
	if err != nil {
		return nil, fmt.Errorf("discovery failed for %s: %w", serverID, err)
	}

	tools, err := mcpSrv.store.ListTools(ctx, serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to read tool cache: %w", err)
	}

	return textResult(DiscoveryResult{ServerID: serverID, ToolCount: count, Tools: tools})
}

// handleGetRecentLogs handles the get_recent_logs tool
func (mcpSrv *MCPServer) handleGetRecentLogs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	serverID, err := requireString(request, "server_id")
	if err != nil {
		return nil, err
	}

	lines := 100
	if raw, ok := request.GetArguments()["lines"]; ok {
		if f, ok := raw.(float64); ok && f > 0 {
			lines = int(f)
		}
	}

	entries, err := logwatch.ReadRecent(mcpSrv.logDir, serverID, lines)
	if err != nil {
		return nil, fmt.Errorf("failed to read logs for %s: %w", serverID, err)
	}

	return textResult(entries)
}

// requireString extracts a required string argument from a tool request.
func requireString(request mcp.CallToolRequest, key string) (string, error) {
	raw, ok := request.GetArguments()[key]
	if !ok {
		return "", fmt.Errorf("%s parameter is required", key)
	}
	value, ok := raw.(string)
	if !ok || value == "" {
		return "", fmt.Errorf("%s must be a non-empty string", key)
	}
	return value, nil
}

// textResult marshals a value as indented JSON text content.
func textResult(v interface{}) (*mcp.CallToolResult, error) {
	resultJSON, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(resultJSON),
			},
		},
	}, nil
}

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcpgate/mcpgate/internal/discovery"
	"github.com/mcpgate/mcpgate/internal/gateway"
	"github.com/mcpgate/mcpgate/internal/logwatch"
	"github.com/mcpgate/mcpgate/internal/protocol"
	"github.com/mcpgate/mcpgate/internal/proxy"
	"github.com/mcpgate/mcpgate/internal/store"
)

type stubProxies struct {
	mu      sync.Mutex
	entries map[string]*proxy.ProxyEntry
	next    int
}

func newStubProxies() *stubProxies {
	return &stubProxies{entries: make(map[string]*proxy.ProxyEntry), next: 9000}
}

func (s *stubProxies) StartProxy(ctx context.Context, server *store.ServerDescriptor) (*proxy.ProxyEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[server.ID]; ok {
		return entry, nil
	}
	entry := &proxy.ProxyEntry{ServerID: server.ID, Port: s.next, PID: s.next + 1000}
	s.next++
	s.entries[server.ID] = entry
	return entry, nil
}

func (s *stubProxies) StopProxy(ctx context.Context, serverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, serverID)
	return nil
}

func (s *stubProxies) IsProxyHealthy(ctx context.Context, serverID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[serverID]
	return ok
}

func (s *stubProxies) ShutdownAllProxies(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*proxy.ProxyEntry)
}

func (s *stubProxies) ListRunningProxies() []*proxy.ProxyEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*proxy.ProxyEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		out = append(out, entry)
	}
	return out
}

// toolListServer answers tools/list with a fixed tool set.
func toolListServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req protocol.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Bad request body: %v", err)
		}
		if req.Method != protocol.MethodListTools {
			t.Errorf("Unexpected method %q", req.Method)
		}
		result, _ := json.Marshal(protocol.ListToolsResult{Tools: []protocol.Tool{
			{Name: "read_file", Description: "Read a file", InputSchema: json.RawMessage(`{"type":"object"}`)},
		}})
		resp := protocol.Response{JSONRPC: protocol.JSONRPCVersion, ID: req.ID, Result: result}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

type controlHarness struct {
	srv     *MCPServer
	store   *store.MemoryStore
	proxies *stubProxies
}

func newControlHarness(t *testing.T, logDir, discoveryURL string) *controlHarness {
	t.Helper()
	st := store.NewMemoryStore()
	proxies := newStubProxies()
	registry := gateway.NewRegistry(gateway.Options{Store: st, Proxies: proxies})
	disc := discovery.New(st, st, func(server *store.ServerDescriptor) string {
		return discoveryURL
	}, discovery.Options{})

	srv := NewMCPServer(MCPServerOptions{
		Store:     st,
		Registry:  registry,
		Proxies:   proxies,
		Discovery: disc,
		LogDir:    logDir,
	})
	return &controlHarness{srv: srv, store: st, proxies: proxies}
}

func callTool(t *testing.T, h *controlHarness, name string, args map[string]any,
	handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)) string {
	t.Helper()
	request := mcp.CallToolRequest{}
	request.Params.Name = name
	request.Params.Arguments = args

	result, err := handler(context.Background(), request)
	if err != nil {
		t.Fatalf("%s failed: %v", name, err)
	}
	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("%s returned %T, want TextContent", name, result.Content[0])
	}
	return text.Text
}

func TestListServersTool(t *testing.T) {
	h := newControlHarness(t, t.TempDir(), "")
	ctx := context.Background()

	if err := h.store.SaveServer(ctx, &store.ServerDescriptor{
		ID: "files", Name: "Files", Transport: store.TransportStdio, Command: "files-bin", Enabled: true,
	}); err != nil {
		t.Fatalf("SaveServer failed: %v", err)
	}
	if err := h.store.SaveServer(ctx, &store.ServerDescriptor{
		ID: "remote", Name: "Remote", Transport: store.TransportHTTP, URL: "http://example.com", Enabled: true,
	}); err != nil {
		t.Fatalf("SaveServer failed: %v", err)
	}

	text := callTool(t, h, "list_servers", nil, h.srv.handleListServers)

	var infos []ServerInfo
	if err := json.Unmarshal([]byte(text), &infos); err != nil {
		t.Fatalf("Response is not valid JSON: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("Listed %d servers, want 2", len(infos))
	}
	for _, info := range infos {
		if info.Running {
			t.Errorf("Server %s reported running before any start", info.ID)
		}
	}
}

func TestStartAndStopServerTool(t *testing.T) {
	h := newControlHarness(t, t.TempDir(), "")
	ctx := context.Background()

	if err := h.store.SaveServer(ctx, &store.ServerDescriptor{
		ID: "files", Name: "Files", Transport: store.TransportStdio, Command: "files-bin", Enabled: true,
	}); err != nil {
		t.Fatalf("SaveServer failed: %v", err)
	}

	text := callTool(t, h, "start_server", map[string]any{"server_id": "files"}, h.srv.handleStartServer)

	var rt store.ServerRuntime
	if err := json.Unmarshal([]byte(text), &rt); err != nil {
		t.Fatalf("Response is not valid JSON: %v", err)
	}
	if rt.Port != 9000 {
		t.Errorf("Started on port %d, want 9000", rt.Port)
	}

	proxies := callTool(t, h, "list_running_proxies", nil, h.srv.handleListRunningProxies)
	if !strings.Contains(proxies, `"files"`) {
		t.Errorf("Running proxies %q does not mention files", proxies)
	}

	callTool(t, h, "stop_server", map[string]any{"server_id": "files"}, h.srv.handleStopServer)
	if _, err := h.store.GetRuntime(ctx, "files"); err == nil {
		t.Error("Runtime record survived stop_server")
	}
}

func TestStartServerToolValidation(t *testing.T) {
	h := newControlHarness(t, t.TempDir(), "")

	request := mcp.CallToolRequest{}
	request.Params.Name = "start_server"
	request.Params.Arguments = map[string]any{}

	if _, err := h.srv.handleStartServer(context.Background(), request); err == nil {
		t.Error("start_server without server_id succeeded")
	}

	request.Params.Arguments = map[string]any{"server_id": "ghost"}
	if _, err := h.srv.handleStartServer(context.Background(), request); err == nil {
		t.Error("start_server for an unknown server succeeded")
	}
}

func TestDiscoverToolsTool(t *testing.T) {
	upstream := toolListServer(t)
	defer upstream.Close()

	h := newControlHarness(t, t.TempDir(), upstream.URL)
	ctx := context.Background()

	if err := h.store.SaveServer(ctx, &store.ServerDescriptor{
		ID: "files", Name: "Files", Transport: store.TransportStdio, Command: "files-bin", Enabled: true,
	}); err != nil {
		t.Fatalf("SaveServer failed: %v", err)
	}

	text := callTool(t, h, "discover_tools", map[string]any{"server_id": "files"}, h.srv.handleDiscoverTools)

	var result DiscoveryResult
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		t.Fatalf("Response is not valid JSON: %v", err)
	}
	if result.ToolCount != 1 || len(result.Tools) != 1 {
		t.Fatalf("Discovered %d tools (%d listed), want 1", result.ToolCount, len(result.Tools))
	}
	if result.Tools[0].Name != "read_file" {
		t.Errorf("Tool name = %q, want read_file", result.Tools[0].Name)
	}
}

func TestGetRecentLogsTool(t *testing.T) {
	logDir := t.TempDir()
	h := newControlHarness(t, logDir, "")

	fl, err := logwatch.NewFileLogger(logDir, "files")
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	if err := fl.Exec("INFO", "process started"); err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	if err := fl.Err("something odd"); err != nil {
		t.Fatalf("Err failed: %v", err)
	}

	text := callTool(t, h, "get_recent_logs", map[string]any{"server_id": "files", "lines": float64(10)}, h.srv.handleGetRecentLogs)

	var entries []*logwatch.Entry
	if err := json.Unmarshal([]byte(text), &entries); err != nil {
		t.Fatalf("Response is not valid JSON: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Got %d entries, want 2", len(entries))
	}
}

func TestGetRecentLogsToolEmpty(t *testing.T) {
	h := newControlHarness(t, t.TempDir(), "")

	text := callTool(t, h, "get_recent_logs", map[string]any{"server_id": "nothing-here"}, h.srv.handleGetRecentLogs)
	if text != "null" && text != "[]" {
		t.Errorf("Expected an empty log response, got %q", text)
	}
}

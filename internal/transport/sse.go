package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/mcpgate/mcpgate/internal/protocol"
	"github.com/mcpgate/mcpgate/internal/store"
)

// SSETransport speaks MCP to a server exposing an SSE-style endpoint.
// Unlike HTTP, the configured URL is used literally: SSE servers
// advertise their full endpoint and no "/mcp" suffix is derived.
type SSETransport struct {
	server   *store.ServerDescriptor
	endpoint string

	client       *http.Client
	healthClient *http.Client

	mu          sync.Mutex
	initialized bool
}

// NewSSE validates the server URL and creates an SSE transport.
func NewSSE(server *store.ServerDescriptor) (*SSETransport, error) {
	endpoint, err := validateURL(server.URL)
	if err != nil {
		return nil, err
	}

	requestTimeout := DefaultRequestTimeout
	if server.TimeoutSeconds > 0 {
		requestTimeout = time.Duration(server.TimeoutSeconds) * time.Second
	}

	return &SSETransport{
		server:       server,
		endpoint:     endpoint,
		client:       &http.Client{Timeout: requestTimeout},
		healthClient: &http.Client{Timeout: DefaultHealthTimeout},
	}, nil
}

// Start performs the MCP handshake against the literal endpoint.
func (t *SSETransport) Start(ctx context.Context) (*ConnectionInfo, error) {
	if err := handshake(ctx, t.client, t.endpoint, t.server.Headers); err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.initialized = true
	t.mu.Unlock()

	return &ConnectionInfo{}, nil
}

// Stop clears the initialized flag.
func (t *SSETransport) Stop(ctx context.Context) error {
	t.mu.Lock()
	t.initialized = false
	t.mu.Unlock()
	return nil
}

// IsHealthy probes the configured endpoint.
func (t *SSETransport) IsHealthy(ctx context.Context) bool {
	return probeURL(ctx, t.healthClient, t.endpoint, t.server.Headers)
}

// Initialized reports whether the handshake has completed.
func (t *SSETransport) Initialized() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.initialized
}

// Endpoint returns the endpoint URL.
func (t *SSETransport) Endpoint() string {
	return t.endpoint
}

// SendRequest sends one JSON-RPC request and returns the response.
func (t *SSETransport) SendRequest(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	return postMessage(ctx, t.client, t.endpoint, t.server.Headers, req)
}

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mcpgate/mcpgate/internal/errors"
	"github.com/mcpgate/mcpgate/internal/protocol"
	"github.com/mcpgate/mcpgate/internal/store"
)

// DeriveEndpoint returns the canonical MCP endpoint for a base URL:
// "/mcp" is appended unless the URL is already suffixed with it.
func DeriveEndpoint(raw string) string {
	trimmed := strings.TrimRight(raw, "/")
	if strings.HasSuffix(trimmed, "/mcp") {
		return trimmed
	}
	return trimmed + "/mcp"
}

// HTTPTransport speaks MCP over JSON-RPC HTTP POST to a remote server.
type HTTPTransport struct {
	server   *store.ServerDescriptor
	base     string
	endpoint string

	client       *http.Client
	healthClient *http.Client

	mu          sync.Mutex
	initialized bool
}

// NewHTTP validates the server URL and creates an HTTP transport.
func NewHTTP(server *store.ServerDescriptor) (*HTTPTransport, error) {
	base, err := validateURL(server.URL)
	if err != nil {
		return nil, err
	}

	requestTimeout := DefaultRequestTimeout
	if server.TimeoutSeconds > 0 {
		requestTimeout = time.Duration(server.TimeoutSeconds) * time.Second
	}

	return &HTTPTransport{
		server:       server,
		base:         base,
		endpoint:     DeriveEndpoint(base),
		client:       &http.Client{Timeout: requestTimeout},
		healthClient: &http.Client{Timeout: DefaultHealthTimeout},
	}, nil
}

func validateURL(raw string) (string, error) {
	if raw == "" {
		return "", errors.TransportError(errors.CodeInvalidURL, "Server URL is empty", nil)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.TransportError(errors.CodeInvalidURL, "Invalid server URL: "+raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", errors.TransportError(errors.CodeInvalidURL, "Invalid server URL: "+raw, nil)
	}
	return strings.TrimRight(raw, "/"), nil
}

// Start performs the MCP handshake and marks the session initialized.
func (t *HTTPTransport) Start(ctx context.Context) (*ConnectionInfo, error) {
	if err := handshake(ctx, t.client, t.endpoint, t.server.Headers); err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.initialized = true
	t.mu.Unlock()

	return &ConnectionInfo{}, nil
}

// Stop clears the initialized flag. Best-effort: external servers
// expose no shutdown call.
func (t *HTTPTransport) Stop(ctx context.Context) error {
	t.mu.Lock()
	t.initialized = false
	t.mu.Unlock()
	return nil
}

// IsHealthy probes the MCP endpoint with a GET, falling back to the
// conventional <base>/health endpoint.
func (t *HTTPTransport) IsHealthy(ctx context.Context) bool {
	if probeURL(ctx, t.healthClient, t.endpoint, t.server.Headers) {
		return true
	}
	return probeURL(ctx, t.healthClient, t.base+"/health", t.server.Headers)
}

// Initialized reports whether the handshake has completed.
func (t *HTTPTransport) Initialized() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.initialized
}

// Endpoint returns the canonical MCP endpoint URL.
func (t *HTTPTransport) Endpoint() string {
	return t.endpoint
}

// SendRequest sends one JSON-RPC request and returns the response.
func (t *HTTPTransport) SendRequest(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	return postMessage(ctx, t.client, t.endpoint, t.server.Headers, req)
}

// handshake sends initialize and, on success, the id-less initialized
// notification.
func handshake(ctx context.Context, client *http.Client, endpoint string, headers map[string]string) error {
	resp, err := postMessage(ctx, client, endpoint, headers, protocol.NewInitializeRequest())
	if err != nil {
		return errors.TransportError(errors.CodeHandshakeFailed, "MCP initialize failed", err)
	}
	if resp == nil {
		return errors.TransportError(errors.CodeHandshakeFailed, "MCP initialize returned no response", nil)
	}
	if resp.Error != nil {
		return errors.TransportError(errors.CodeHandshakeFailed,
			fmt.Sprintf("MCP initialize rejected: %s", resp.Error.Message), nil)
	}

	if _, err := postMessage(ctx, client, endpoint, headers, protocol.NewInitializedNotification()); err != nil {
		return errors.TransportError(errors.CodeHandshakeFailed, "MCP initialized notification failed", err)
	}
	return nil
}

// postMessage POSTs one JSON-RPC message. A nil response with nil error
// means the server answered with an empty body, which is how
// notifications are acknowledged.
func postMessage(ctx context.Context, client *http.Client, endpoint string, headers map[string]string, message any) (*protocol.Response, error) {
	body, err := json.Marshal(message)
	if err != nil {
		return nil, errors.InternalError("MARSHAL_FAILED", "Failed to encode JSON-RPC message", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.TransportError(errors.CodeConnectionFailed, "Failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.ClassifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, errors.TransportError(errors.CodeConnectionFailed,
			fmt.Sprintf("HTTP %d from %s", resp.StatusCode, endpoint), nil)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.TransportError(errors.CodeConnectionFailed, "Failed to read response body", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var rpcResp protocol.Response
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return nil, errors.InvalidResponseError("Response is not valid JSON-RPC", err)
	}
	return &rpcResp, nil
}

func probeURL(ctx context.Context, client *http.Client, target string, headers map[string]string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()

	// Many MCP servers answer GET on the RPC endpoint with 405; any
	// response below 500 proves the server is up.
	return resp.StatusCode < 500
}

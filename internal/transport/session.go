package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/mcpgate/mcpgate/internal/protocol"
)

// HTTPSession is a lightweight JSON-RPC session against a known
// endpoint URL. It does not perform the MCP handshake; callers use it
// against servers that are already initialized, such as bridged
// proxies.
type HTTPSession struct {
	endpoint string
	headers  map[string]string
	client   *http.Client
}

// NewHTTPSession creates a session for an endpoint. A zero timeout
// falls back to the default request timeout.
func NewHTTPSession(endpoint string, headers map[string]string, timeout time.Duration) *HTTPSession {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &HTTPSession{
		endpoint: endpoint,
		headers:  headers,
		client:   &http.Client{Timeout: timeout},
	}
}

// SendRequest sends one JSON-RPC request and returns the response.
func (s *HTTPSession) SendRequest(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	return postMessage(ctx, s.client, s.endpoint, s.headers, req)
}

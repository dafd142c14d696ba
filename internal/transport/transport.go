// Package transport abstracts how the gateway reaches an MCP server:
// spawning a stdio child process, or speaking JSON-RPC over HTTP/SSE
// to an already-addressable URL.
package transport

import (
	"context"
	"os/exec"
	"time"

	"github.com/mcpgate/mcpgate/internal/errors"
	"github.com/mcpgate/mcpgate/internal/store"
)

// Default network timeouts. Requests and handshakes get the long
// timeout, health probes the short one.
const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultHealthTimeout  = 5 * time.Second
)

// ConnectionInfo is the result of starting a transport. Fields are
// populated depending on the transport kind: stdio sets Cmd and PID,
// URL-based transports set neither.
type ConnectionInfo struct {
	Cmd  *exec.Cmd
	PID  int
	Port int
}

// Transport is the capability set shared by all server connection kinds.
type Transport interface {
	// Start establishes the connection: spawns the child process for
	// stdio, or performs the MCP handshake for URL-based transports.
	Start(ctx context.Context) (*ConnectionInfo, error)

	// Stop releases the connection. For stdio this is a no-op; process
	// termination is owned by the caller holding the ConnectionInfo.
	Stop(ctx context.Context) error

	// IsHealthy probes the server. Stdio always reports true; real
	// process liveness is checked by the supervisor.
	IsHealthy(ctx context.Context) bool
}

// New builds the transport for a server descriptor.
func New(server *store.ServerDescriptor) (Transport, error) {
	switch server.Transport {
	case store.TransportStdio:
		return NewStdio(server), nil
	case store.TransportHTTP:
		return NewHTTP(server)
	case store.TransportSSE:
		return NewSSE(server)
	default:
		return nil, errors.ProxyError(errors.CodeUnsupportedTransport,
			"Unsupported transport type: "+string(server.Transport), nil)
	}
}

// Package store defines the persistence interfaces for server
// configuration, discovered tools, and runtime state, along with an
// in-memory implementation used by tests and single-process deployments.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// TransportKind identifies how the gateway talks to an MCP server.
type TransportKind string

const (
	TransportStdio TransportKind = "stdio"
	TransportHTTP  TransportKind = "http"
	TransportSSE   TransportKind = "sse"
)

// ServerDescriptor is the stored configuration for one MCP server.
type ServerDescriptor struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Transport   TransportKind `json:"transport"`

	// Stdio transport fields
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// HTTP and SSE transport fields
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	TimeoutSeconds     int  `json:"timeout_seconds,omitempty"`
	MaxRestartAttempts int  `json:"max_restart_attempts,omitempty"`
	Enabled            bool `json:"enabled"`

	// IsSystem marks servers managed by the gateway itself. Only system
	// servers are eligible for auto-restart supervision.
	IsSystem bool `json:"is_system"`
}

// ToolRecord is one cached tool definition discovered from a server.
type ToolRecord struct {
	ServerID     string          `json:"server_id"`
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	DiscoveredAt time.Time       `json:"discovered_at"`
}

// ServerRuntime records the observable state of a started server so the
// gateway can reconcile after a restart.
type ServerRuntime struct {
	ServerID  string    `json:"server_id"`
	PID       int       `json:"pid,omitempty"`
	Port      int       `json:"port,omitempty"`
	URL       string    `json:"url,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// ServerStore persists server configuration.
type ServerStore interface {
	GetServer(ctx context.Context, id string) (*ServerDescriptor, error)
	ListServers(ctx context.Context) ([]*ServerDescriptor, error)
	ListSystemServers(ctx context.Context) ([]*ServerDescriptor, error)
	SaveServer(ctx context.Context, server *ServerDescriptor) error
	DeleteServer(ctx context.Context, id string) error
}

// ToolStore persists discovered tool definitions per server.
type ToolStore interface {
	// ReplaceTools atomically replaces the cached tools for a server.
	// Existing entries are cleared only when the new set is committed.
	ReplaceTools(ctx context.Context, serverID string, tools []*ToolRecord) error
	ListTools(ctx context.Context, serverID string) ([]*ToolRecord, error)
	// MarkDiscovered stamps a server's last successful discovery. The
	// stamp lives on the server, not the tool rows: a server with zero
	// tools is still freshly discovered.
	MarkDiscovered(ctx context.Context, serverID string, at time.Time, count int) error
	// LastDiscoveredAt returns the server's discovery stamp, or ok=false
	// when nothing has been discovered yet.
	LastDiscoveredAt(ctx context.Context, serverID string) (time.Time, bool, error)
}

// RuntimeStore persists runtime state for started servers.
type RuntimeStore interface {
	SaveRuntime(ctx context.Context, rt *ServerRuntime) error
	GetRuntime(ctx context.Context, serverID string) (*ServerRuntime, error)
	DeleteRuntime(ctx context.Context, serverID string) error
	ListRuntimes(ctx context.Context) ([]*ServerRuntime, error)
}

// Store combines all persistence concerns.
type Store interface {
	ServerStore
	ToolStore
	RuntimeStore
}

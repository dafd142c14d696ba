package protocol

import "encoding/json"

// ProtocolVersion is the MCP protocol revision the gateway negotiates.
const ProtocolVersion = "2024-11-05"

// ClientName and ClientVersion identify the gateway in the MCP handshake.
const (
	ClientName    = "mcpgate"
	ClientVersion = "1.0.0"
)

// InitializeParams is the params object of the "initialize" request.
type InitializeParams struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
	ClientInfo      ClientInfo   `json:"clientInfo"`
}

// Capabilities advertises what the gateway supports as an MCP client.
// Sampling is always serialized, even empty: servers take its presence
// as the capability announcement.
type Capabilities struct {
	Roots    *RootsCapability `json:"roots,omitempty"`
	Sampling map[string]any   `json:"sampling"`
}

// RootsCapability is the "roots" client capability.
type RootsCapability struct {
	ListChanged bool `json:"listChanged"`
}

// ClientInfo names the client in the handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// NewInitializeRequest builds the handshake request every transport sends
// before any other call: protocol version 2024-11-05, roots.listChanged
// plus an empty sampling capability, and the gateway's client info.
func NewInitializeRequest() *Request {
	return NewRequestWithID("init", MethodInitialize, InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities: Capabilities{
			Roots:    &RootsCapability{ListChanged: true},
			Sampling: map[string]any{},
		},
		ClientInfo: ClientInfo{Name: ClientName, Version: ClientVersion},
	})
}

// NewInitializedNotification builds the id-less notification that completes
// the handshake after a successful initialize response.
func NewInitializedNotification() *Notification {
	return NewNotification(MethodInitialized, nil)
}

// NewListToolsRequest builds a tools/list request with empty params.
func NewListToolsRequest() *Request {
	return NewRequest(MethodListTools, map[string]any{})
}

// Tool is one entry of a tools/list result.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ListToolsResult is the result object of a tools/list response.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

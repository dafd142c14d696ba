// Package protocol defines the JSON-RPC 2.0 message types used to talk to
// MCP servers, plus the MCP handshake and tool-discovery payloads.
//
// Every message exchanged with a server - over a child process's stdio or
// over HTTP POST to its /mcp endpoint - is one of the three frame shapes
// defined here: Request (has an id), Notification (no id), Response
// (matches a request by id). The bridge and the HTTP transport both build
// on these types, so the wire shape lives in exactly one place.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// JSONRPCVersion is the fixed "jsonrpc" field value on every frame.
const JSONRPCVersion = "2.0"

// Method names used by the gateway. Proxied traffic passes through
// with whatever methods the client sends; only the handshake and tool
// discovery originate here.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodListTools   = "tools/list"
)

// Request is a JSON-RPC 2.0 request. ID is nil for notifications; servers
// use string and numeric ids interchangeably, so it is kept as a raw value.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  any             `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response. Exactly one of Result and Error is
// set on a well-formed frame.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
}

// Notification is a JSON-RPC 2.0 notification: a request with no id, for
// which no response will ever arrive.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// ResponseError is the error object of a failed JSON-RPC response.
type ResponseError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *ResponseError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewRequest creates a request with a fresh uuid id.
func NewRequest(method string, params any) *Request {
	return NewRequestWithID(uuid.NewString(), method, params)
}

// NewRequestWithID creates a request with the given string id.
func NewRequestWithID(id, method string, params any) *Request {
	raw, _ := json.Marshal(id)
	return &Request{
		JSONRPC: JSONRPCVersion,
		ID:      raw,
		Method:  method,
		Params:  params,
	}
}

// NewNotification creates an id-less notification.
func NewNotification(method string, params any) *Notification {
	return &Notification{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  params,
	}
}

// IDString normalizes a raw JSON-RPC id to the string key used by the
// bridge's pending-request map. String ids lose their quotes; numeric ids
// keep their decimal text. An absent id yields "".
func IDString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// IsNotification reports whether a raw frame is a notification: it has
// a method but no id (an explicit null id counts as absent, some clients
// send that). The bridge uses this to decide whether an inbound frame
// needs a pending-map slot or is fire-and-forget.
func IsNotification(raw []byte) bool {
	var probe struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return probe.Method != "" && (len(probe.ID) == 0 || string(probe.ID) == "null")
}

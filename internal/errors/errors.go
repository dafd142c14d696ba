// Package errors provides structured error types for the MCP gateway.
//
// Every failure that crosses a component boundary is a *GatewayError with a
// stable category and code, so callers can branch on what went wrong
// (transport failure vs. protocol failure vs. exhausted resources) without
// string matching, and the logging layer can attach uniform attributes.
package errors

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeTransport ErrorType = "transport"
	ErrorTypeProxy     ErrorType = "proxy"
	ErrorTypeDiscovery ErrorType = "discovery"
	ErrorTypeProcess   ErrorType = "process"
	ErrorTypeProtocol  ErrorType = "protocol"
	ErrorTypeTimeout   ErrorType = "timeout"
	ErrorTypeInternal  ErrorType = "internal"
)

// Stable error codes shared across the gateway components.
const (
	CodeUnsupportedTransport = "UNSUPPORTED_TRANSPORT"
	CodeNoAvailablePorts     = "NO_AVAILABLE_PORTS"
	CodeConnectionFailed     = "CONNECTION_FAILED"
	CodeHandshakeFailed      = "HANDSHAKE_FAILED"
	CodeInvalidURL           = "INVALID_URL"
	CodeServerNotFound       = "SERVER_NOT_FOUND"
	CodeServerNotRunning     = "SERVER_NOT_RUNNING"
	CodeMCPCommunication     = "MCP_COMMUNICATION"
	CodeInvalidResponse      = "INVALID_RESPONSE"
	CodeTimeout              = "TIMEOUT"
	CodeProcessSpawn         = "PROCESS_SPAWN_FAILED"
	CodeBridgeStart          = "BRIDGE_START_FAILED"
)

// GatewayError is the base error type for all gateway errors
type GatewayError struct {
	Type       ErrorType
	Code       string
	Message    string
	Underlying error
}

// Error implements the error interface
func (e *GatewayError) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Type, e.Code, e.Message, e.Underlying)
	}
	return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *GatewayError) Unwrap() error {
	return e.Underlying
}

// Is matches on category and code so sentinel comparisons work through
// errors.Is regardless of message or wrapped cause.
func (e *GatewayError) Is(target error) bool {
	if t, ok := target.(*GatewayError); ok {
		return e.Type == t.Type && e.Code == t.Code
	}
	return false
}

// LogAttrs returns slog attributes for the error
func (e *GatewayError) LogAttrs() []slog.Attr {
	attrs := []slog.Attr{
		slog.String("error_type", string(e.Type)),
		slog.String("error_code", e.Code),
		slog.String("error_message", e.Message),
	}
	if e.Underlying != nil {
		attrs = append(attrs, slog.String("underlying_error", e.Underlying.Error()))
	}
	return attrs
}

// Common error constructors

// TransportError creates a transport-related error
func TransportError(code, message string, underlying error) *GatewayError {
	return &GatewayError{Type: ErrorTypeTransport, Code: code, Message: message, Underlying: underlying}
}

// ProxyError creates a proxy-related error
func ProxyError(code, message string, underlying error) *GatewayError {
	return &GatewayError{Type: ErrorTypeProxy, Code: code, Message: message, Underlying: underlying}
}

// DiscoveryError creates a tool-discovery error
func DiscoveryError(code, message string, underlying error) *GatewayError {
	return &GatewayError{Type: ErrorTypeDiscovery, Code: code, Message: message, Underlying: underlying}
}

// ProcessError creates a process-related error
func ProcessError(code, message string, underlying error) *GatewayError {
	return &GatewayError{Type: ErrorTypeProcess, Code: code, Message: message, Underlying: underlying}
}

// ProtocolError creates a protocol-related error
func ProtocolError(code, message string, underlying error) *GatewayError {
	return &GatewayError{Type: ErrorTypeProtocol, Code: code, Message: message, Underlying: underlying}
}

// TimeoutError creates a timeout error
func TimeoutError(code, message string, underlying error) *GatewayError {
	return &GatewayError{Type: ErrorTypeTimeout, Code: code, Message: message, Underlying: underlying}
}

// InternalError creates an internal error
func InternalError(code, message string, underlying error) *GatewayError {
	return &GatewayError{Type: ErrorTypeInternal, Code: code, Message: message, Underlying: underlying}
}

// Predefined error instances

var (
	ErrUnsupportedTransport = ProxyError(CodeUnsupportedTransport, "Unsupported transport type for proxy", nil)
	ErrNoAvailablePorts     = ProxyError(CodeNoAvailablePorts, "No available ports in range", nil)
	ErrConnectionFailed     = TransportError(CodeConnectionFailed, "Connection failed", nil)
	ErrHandshakeFailed      = TransportError(CodeHandshakeFailed, "MCP handshake failed", nil)
	ErrInvalidURL           = TransportError(CodeInvalidURL, "Invalid server URL", nil)
	ErrServerNotFound       = DiscoveryError(CodeServerNotFound, "Server not found", nil)
	ErrServerNotRunning     = DiscoveryError(CodeServerNotRunning, "Server not running", nil)
	ErrTimeout              = TimeoutError(CodeTimeout, "Operation timed out", nil)
)

// MCPCommunicationError wraps a failed round trip with the remote server.
func MCPCommunicationError(message string, underlying error) *GatewayError {
	return DiscoveryError(CodeMCPCommunication, message, underlying)
}

// InvalidResponseError marks a response that arrived but could not be used.
func InvalidResponseError(message string, underlying error) *GatewayError {
	return ProtocolError(CodeInvalidResponse, message, underlying)
}

// Helper functions to classify standard Go errors

// ClassifyError attempts to classify a standard Go error into a gateway error
func ClassifyError(err error) *GatewayError {
	if err == nil {
		return nil
	}

	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr
	}

	switch {
	case os.IsTimeout(err):
		return TimeoutError(CodeTimeout, "Operation timed out", err)
	case isNetworkError(err):
		return TransportError(CodeConnectionFailed, "Network error", err)
	default:
		return InternalError("UNKNOWN_ERROR", "Unknown error", err)
	}
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// WrapError wraps an existing error with additional context
func WrapError(err error, message string) *GatewayError {
	if err == nil {
		return nil
	}
	classified := *ClassifyError(err)
	classified.Message = message + ": " + classified.Message
	return &classified
}

// IsCode checks if an error has a specific code
func IsCode(err error, code string) bool {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Code == code
	}
	return false
}

// GetCode extracts the error code from an error
func GetCode(err error) string {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Code
	}
	return "UNKNOWN_ERROR"
}

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Type == errorType
	}
	return false
}

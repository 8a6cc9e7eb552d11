package upstream

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// JSON-RPC error codes used across the gateway.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeServerError    = -32000
)

// ConnectError marks a transport-level failure while establishing a
// session: the server could not be reached or the handshake never
// completed. It is always retryable.
type ConnectError struct {
	URL string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to connect to %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// IsConnectError reports whether err is (or wraps) a ConnectError.
func IsConnectError(err error) bool {
	var ce *ConnectError
	return errors.As(err, &ce)
}

// MCPError is a JSON-RPC error object returned by an upstream. It is
// protocol-correct traffic, distinct from transport failures.
type MCPError struct {
	Code    int
	Message string
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// rpcErrorPattern matches the "request failed: code: -32601, message:
// ..." shape mcp-go produces for JSON-RPC error responses.
var rpcErrorPattern = regexp.MustCompile(`code:\s*(-?\d+)`)

// AsMCPError extracts a JSON-RPC error from err when possible. It
// prefers a typed *MCPError in the chain and falls back to parsing the
// error text, since mcp-go flattens JSON-RPC errors into strings.
func AsMCPError(err error) (*MCPError, bool) {
	if err == nil {
		return nil, false
	}

	var me *MCPError
	if errors.As(err, &me) {
		return me, true
	}

	msg := err.Error()
	if m := rpcErrorPattern.FindStringSubmatch(msg); m != nil {
		code, convErr := strconv.Atoi(m[1])
		if convErr == nil {
			return &MCPError{Code: code, Message: msg}, true
		}
	}
	return nil, false
}

// IsMethodNotFound reports whether err represents JSON-RPC -32601.
// Some servers only say "Method not found" without a code, so the text
// is checked as well.
func IsMethodNotFound(err error) bool {
	if err == nil {
		return false
	}
	if me, ok := AsMCPError(err); ok && me.Code == CodeMethodNotFound {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "method not found")
}

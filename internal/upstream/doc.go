// Package upstream contains the MCP client used to talk to remote MCP
// servers over the streamable-http and SSE transports, plus the raw
// JSON-RPC prober used by security scans.
//
// The regular client is built on mark3labs/mcp-go and performs the
// protocol handshake (initialize with protocolVersion 2024-11-05 and
// an empty capability set) before any other call. Transport-level
// failures during the handshake surface as *ConnectError so the
// registry can tell "server unreachable" apart from "server answered
// with a JSON-RPC error" (*MCPError).
//
// The Prober bypasses mcp-go entirely and speaks HTTP by hand. It can
// omit the auth header to verify the upstream enforces authentication,
// and can send arbitrary byte payloads to verify the upstream rejects
// malformed envelopes. It understands both plain JSON responses and
// single-event SSE responses ("data: {...}").
package upstream

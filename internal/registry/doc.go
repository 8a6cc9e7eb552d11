// Package registry owns the pool of live upstream MCP sessions and
// their cached tool/prompt/resource catalogs.
//
// The Registry holds at most one session per upstream name and is the
// only component that opens or closes them. The Coordinator drives it:
// a hot-reload loop converges the pool on the store's active set, and
// a health loop probes every session, feeding the circuit breaker and
// escalating exhausted upstreams to auto-disable.
//
// Dispatchers read catalog snapshots and route calls through CallTool,
// GetPrompt and ReadResource; they never mutate the pool.
package registry

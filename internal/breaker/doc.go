// Package breaker implements the per-upstream circuit breaker that
// isolates failing MCP servers.
//
// Each key (upstream name) owns a three-state machine:
//
//	Closed -> Open       after FailureThreshold consecutive failures
//	Open -> HalfOpen     once Timeout has elapsed since the last failure
//	HalfOpen -> Closed   on a successful probe call
//	HalfOpen -> Open     on a failed probe call (one failure cycle)
//
// Every Open -> HalfOpen -> Open round trip counts as a failure cycle.
// When a key accumulates MaxFailureCycles cycles and auto-disable is
// enabled, ShouldAutoDisable reports true and the registry is expected
// to flip the upstream to inactive.
//
// State transitions are linearizable per key: the breaker holds a short
// critical section around every mutation and never blocks on I/O while
// holding its lock. Transition notifications run outside the lock.
package breaker

// Package events is the event fabric of the gateway: typed system
// events, a Redis-backed resilient listener framework, the WebSocket
// broadcaster with per-subscription filters, the cross-process
// invalidation bus, and the per-session flow recorder.
//
// Producers (the coordinator, the circuit breaker, the listeners) hand
// events to a Publisher; the broadcaster drains them to matching
// WebSocket subscribers and mirrors them to Redis for out-of-process
// dashboards. No producer ever calls back into a consumer.
package events

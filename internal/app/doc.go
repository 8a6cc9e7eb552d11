// Package app bootstraps the gateway: it builds every component from
// configuration, wires them together, and runs them under a shared
// lifecycle.
//
// The wiring is strictly one-directional. The registry publishes
// events but never sees the broadcaster type; the invalidation bus
// sees only the session cache's invalidation surface. The application
// is the single place where the concrete types meet.
package app

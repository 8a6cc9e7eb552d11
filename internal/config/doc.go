// Package config holds the two configuration surfaces of mcpgate.
//
// Process configuration (listen address, Redis address, auth service
// URL, cache TTLs, loop periods) comes from environment variables read
// once at startup; changes require a restart.
//
// Upstream definitions and per-role policies live in a store directory
// (upstreams.yaml, roles.yaml) that the coordinator re-reads
// continuously. A fsnotify watcher wakes the reload loop early when a
// file changes, but the periodic scan alone is sufficient for
// convergence.
package config

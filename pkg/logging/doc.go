// Package logging provides the shared logging helper used by every
// mcpgate component. It wraps log/slog with a subsystem tag so log
// lines can be attributed to the component that emitted them:
//
//	logging.Info("Coordinator", "loaded upstream %s", name)
//	logging.Error("Gateway", err, "dispatch failed for %s", method)
//
// Init must be called once at startup; until then all log calls are
// no-ops, which keeps tests quiet by default.
package logging

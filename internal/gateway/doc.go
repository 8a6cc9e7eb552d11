// Package gateway is the request path: bearer-token authentication
// with a short-lived per-token session cache, role-based catalog
// filtering, and the JSON-RPC dispatcher that proxies tool, prompt and
// resource calls to the registry over single-response and streaming
// HTTP surfaces.
//
// Combined catalogs rename every item to "<upstream>__<name>" so one
// flat namespace can route back to the owning upstream.
package gateway

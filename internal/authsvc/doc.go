// Package authsvc is the client for the external token validation
// service. The gateway never mints or verifies tokens itself; it hands
// each bearer token to this service and receives the caller's identity
// and role in return.
package authsvc

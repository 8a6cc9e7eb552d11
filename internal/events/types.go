package events

import (
	"time"
)

// Type names one kind of system event.
type Type string

const (
	// TypeMCPStatusChange fires when an upstream's health status moves.
	TypeMCPStatusChange Type = "mcp_status_change"

	// TypeCircuitBreakerState fires on every breaker transition.
	TypeCircuitBreakerState Type = "circuit_breaker_state"

	// TypeMCPAutoDisabled fires when failure cycles exhaust and an
	// upstream is administratively disabled.
	TypeMCPAutoDisabled Type = "mcp_auto_disabled"

	// TypeComponentHealth carries listener and subsystem health
	// snapshots.
	TypeComponentHealth Type = "component_health"

	// TypeUserBlocked mirrors the cross-process user block channel to
	// WebSocket observers.
	TypeUserBlocked Type = "user_blocked"
)

// Severity grades an event for filtering and display.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Event is one system event. Payload keys are the filterable fields
// the broadcaster matches subscriptions against.
type Event struct {
	Type      Type                   `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"data"`
}

// New builds an event stamped with the current time.
func New(t Type, payload map[string]interface{}) Event {
	return Event{Type: t, Timestamp: time.Now().UTC(), Payload: payload}
}

// Publisher is the one-way channel producers hand events to.
type Publisher interface {
	Publish(evt Event)
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(evt Event)

// Publish implements Publisher.
func (f PublisherFunc) Publish(evt Event) { f(evt) }

// NopPublisher discards every event. Useful in tests and before the
// broadcaster is wired.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(Event) {}

// TypeInfo describes one event type for the get_metadata action.
type TypeInfo struct {
	Type             Type     `json:"type"`
	Category         string   `json:"category"`
	Description      string   `json:"description"`
	FilterableFields []string `json:"filterable_fields"`
}

// Metadata returns the static event registry advertised to WebSocket
// clients.
func Metadata() []TypeInfo {
	return []TypeInfo{
		{
			Type:             TypeMCPStatusChange,
			Category:         "mcp",
			Description:      "Upstream MCP health status transition",
			FilterableFields: []string{"mcp_names", "old_status", "new_status", "severity"},
		},
		{
			Type:             TypeCircuitBreakerState,
			Category:         "mcp",
			Description:      "Circuit breaker state transition",
			FilterableFields: []string{"mcp_names", "state", "failure_cycles", "severity"},
		},
		{
			Type:             TypeMCPAutoDisabled,
			Category:         "mcp",
			Description:      "Upstream disabled after exhausting failure cycles",
			FilterableFields: []string{"mcp_names", "severity"},
		},
		{
			Type:             TypeComponentHealth,
			Category:         "system",
			Description:      "Listener and subsystem health snapshots",
			FilterableFields: []string{"component", "health_status", "severity"},
		},
		{
			Type:             TypeUserBlocked,
			Category:         "system",
			Description:      "User blocked from one or more services",
			FilterableFields: []string{"severity"},
		},
	}
}

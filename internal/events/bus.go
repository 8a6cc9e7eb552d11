package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"mcpgate/pkg/logging"
)

// Channel names consumed from the shared Redis.
const (
	ChannelUserBlocked       = "user_blocked"
	ChannelGuardConfigReload = "prompt_guard_config_reload"
)

// Channel names published to the shared Redis. system_events carries
// the full mirrored event stream; component_health duplicates listener
// status for health monitors.
const (
	ChannelSystemEvents    = "system_events"
	ChannelComponentHealth = "component_health"
)

// SessionInvalidator is the piece of the gateway session cache the bus
// needs. All invalidations are idempotent.
type SessionInvalidator interface {
	InvalidateUser(userID string) int
}

// UserBlockedPayload is the wire shape of a user_blocked message.
type UserBlockedPayload struct {
	UserID          string   `json:"user_id"`
	BlockedServices []string `json:"blocked_services"`
	CustomMessage   string   `json:"custom_message"`
}

// GuardConfig holds the prompt-guard configuration, replaced whole on
// every reload message.
type GuardConfig struct {
	current atomic.Value // map[string]interface{}
}

// NewGuardConfig starts with an empty configuration.
func NewGuardConfig() *GuardConfig {
	g := &GuardConfig{}
	g.current.Store(map[string]interface{}{})
	return g
}

// Current returns the active configuration map.
func (g *GuardConfig) Current() map[string]interface{} {
	return g.current.Load().(map[string]interface{})
}

func (g *GuardConfig) replace(cfg map[string]interface{}) {
	if cfg == nil {
		cfg = map[string]interface{}{}
	}
	g.current.Store(cfg)
}

// Bus reacts to cross-process invalidation messages: blocked users
// lose their cached sessions and, when blocked for chat, their live
// WebSocket connections.
type Bus struct {
	sessions    SessionInvalidator
	broadcaster *Broadcaster
	guard       *GuardConfig
	publisher   Publisher
}

// NewBus wires the invalidation handlers. broadcaster and publisher
// may be nil.
func NewBus(sessions SessionInvalidator, broadcaster *Broadcaster, guard *GuardConfig, pub Publisher) *Bus {
	if guard == nil {
		guard = NewGuardConfig()
	}
	if pub == nil {
		pub = NopPublisher{}
	}
	return &Bus{
		sessions:    sessions,
		broadcaster: broadcaster,
		guard:       guard,
		publisher:   pub,
	}
}

// Guard returns the live prompt-guard configuration holder.
func (b *Bus) Guard() *GuardConfig { return b.guard }

// HandleUserBlocked is the listener handler for the user_blocked
// channel.
func (b *Bus) HandleUserBlocked(ctx context.Context, payload []byte) error {
	var msg UserBlockedPayload
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("malformed user_blocked payload: %w", err)
	}
	if msg.UserID == "" {
		return fmt.Errorf("user_blocked payload missing user_id")
	}

	blocked := make(map[string]struct{}, len(msg.BlockedServices))
	for _, s := range msg.BlockedServices {
		blocked[s] = struct{}{}
	}

	if _, ok := blocked["mcp"]; ok && b.sessions != nil {
		removed := b.sessions.InvalidateUser(msg.UserID)
		logging.Info("Bus", "User %s blocked for mcp: invalidated %d session(s)", msg.UserID, removed)
	}

	if _, ok := blocked["chat"]; ok && b.broadcaster != nil {
		message := msg.CustomMessage
		if message == "" {
			message = "your account has been blocked"
		}
		closed := b.broadcaster.CloseUser(msg.UserID, message)
		logging.Info("Bus", "User %s blocked for chat: closed %d connection(s)", msg.UserID, closed)
	}

	b.publisher.Publish(New(TypeUserBlocked, map[string]interface{}{
		"user_id":          msg.UserID,
		"blocked_services": msg.BlockedServices,
		"severity":         string(SeverityHigh),
	}))
	return nil
}

// HandleGuardConfigReload is the listener handler for the
// prompt_guard_config_reload channel. The payload is the full new
// configuration and replaces the cached one atomically.
func (b *Bus) HandleGuardConfigReload(ctx context.Context, payload []byte) error {
	var cfg map[string]interface{}
	if err := json.Unmarshal(payload, &cfg); err != nil {
		return fmt.Errorf("malformed guard config payload: %w", err)
	}
	b.guard.replace(cfg)
	logging.Info("Bus", "Prompt guard configuration replaced (%d keys)", len(cfg))
	return nil
}

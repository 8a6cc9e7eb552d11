package events

import (
	"context"
	"encoding/json"
	"time"

	"mcpgate/pkg/logging"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher mirrors events onto the system_events channel for
// dashboards and other processes.
type RedisPublisher struct {
	client  *redis.Client
	timeout time.Duration
}

// NewRedisPublisher wraps a Redis client.
func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client, timeout: 5 * time.Second}
}

// Publish implements Publisher. Failures are logged and swallowed.
func (p *RedisPublisher) Publish(evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		logging.Error("RedisPublisher", err, "Failed to marshal event %s", evt.Type)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.client.Publish(ctx, ChannelSystemEvents, data).Err(); err != nil {
		logging.Warn("RedisPublisher", "Failed to publish %s event: %v", evt.Type, err)
	}

	// Listener status additionally goes out on its dedicated channel so
	// health monitors need not sift through the full event stream.
	if evt.Type == TypeComponentHealth {
		if err := p.client.Publish(ctx, ChannelComponentHealth, data).Err(); err != nil {
			logging.Warn("RedisPublisher", "Failed to publish component health: %v", err)
		}
	}
}

// Fanout forwards every event to each member publisher in order.
type Fanout []Publisher

// Publish implements Publisher.
func (f Fanout) Publish(evt Event) {
	for _, p := range f {
		p.Publish(evt)
	}
}

package events

import (
	"context"
	"sync"
	"time"

	"mcpgate/pkg/logging"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

// ListenerState is the connection state of one resilient listener.
type ListenerState string

const (
	ListenerConnected    ListenerState = "connected"
	ListenerReconnecting ListenerState = "reconnecting"
	ListenerStopped      ListenerState = "stopped"
)

// ListenerSnapshot is the health view of one listener.
type ListenerSnapshot struct {
	Component      string        `json:"component"`
	Channel        string        `json:"channel"`
	State          ListenerState `json:"state"`
	ReconnectCount int           `json:"reconnect_count"`
	ConnectedAt    time.Time     `json:"connected_at,omitempty"`
	LastMessageAt  time.Time     `json:"last_message_at,omitempty"`
	LastError      string        `json:"last_error,omitempty"`
}

// Handler processes one pub/sub message. A returned error is logged
// and swallowed; it never stops the listener.
type Handler func(ctx context.Context, payload []byte) error

// ListenerRegistry is the shared name -> snapshot map all listeners
// report into.
type ListenerRegistry struct {
	mu        sync.RWMutex
	snapshots map[string]ListenerSnapshot
}

// NewListenerRegistry creates an empty registry.
func NewListenerRegistry() *ListenerRegistry {
	return &ListenerRegistry{snapshots: make(map[string]ListenerSnapshot)}
}

func (r *ListenerRegistry) update(snap ListenerSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots[snap.Component] = snap
}

// Snapshots returns a copy of every listener's current state.
func (r *ListenerRegistry) Snapshots() map[string]ListenerSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]ListenerSnapshot, len(r.snapshots))
	for name, snap := range r.snapshots {
		out[name] = snap
	}
	return out
}

// Listener subscribes to one Redis channel and survives connection
// loss with exponential backoff. Every state transition is published
// on the component_health event type.
type Listener struct {
	name      string
	channel   string
	client    *redis.Client
	handler   Handler
	registry  *ListenerRegistry
	publisher Publisher

	backoffInitial time.Duration
	backoffMax     time.Duration

	mu   sync.Mutex
	snap ListenerSnapshot
}

// NewListener wires a listener. registry and publisher may be nil.
func NewListener(client *redis.Client, name, channel string, handler Handler, reg *ListenerRegistry, pub Publisher, backoffInitial, backoffMax time.Duration) *Listener {
	if backoffInitial <= 0 {
		backoffInitial = time.Second
	}
	if backoffMax <= 0 {
		backoffMax = 60 * time.Second
	}
	if pub == nil {
		pub = NopPublisher{}
	}
	return &Listener{
		name:           name,
		channel:        channel,
		client:         client,
		handler:        handler,
		registry:       reg,
		publisher:      pub,
		backoffInitial: backoffInitial,
		backoffMax:     backoffMax,
		snap: ListenerSnapshot{
			Component: name,
			Channel:   channel,
			State:     ListenerStopped,
		},
	}
}

// Run subscribes and processes messages until the context is
// cancelled. Connection errors trigger a reconnect with exponential
// backoff that resets on a successful subscribe.
func (l *Listener) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.backoffInitial
	bo.MaxInterval = l.backoffMax
	bo.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			l.setState(ListenerStopped, nil)
			return ctx.Err()
		}

		sub := l.client.Subscribe(ctx, l.channel)
		if _, err := sub.Receive(ctx); err != nil {
			sub.Close()
			if ctx.Err() != nil {
				l.setState(ListenerStopped, nil)
				return ctx.Err()
			}
			l.recordFailure(err)
			wait := bo.NextBackOff()
			logging.Warn("Listener", "%s: subscribe to %s failed, retrying in %s: %v", l.name, l.channel, wait, err)
			select {
			case <-ctx.Done():
				l.setState(ListenerStopped, nil)
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}

		bo.Reset()
		l.setState(ListenerConnected, nil)
		logging.Info("Listener", "%s: subscribed to %s", l.name, l.channel)

		l.consume(ctx, sub)
		sub.Close()

		if ctx.Err() != nil {
			l.setState(ListenerStopped, nil)
			return ctx.Err()
		}

		l.recordFailure(nil)
		wait := bo.NextBackOff()
		logging.Warn("Listener", "%s: connection to %s lost, reconnecting in %s", l.name, l.channel, wait)
		select {
		case <-ctx.Done():
			l.setState(ListenerStopped, nil)
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// consume drains messages until the subscription channel closes or the
// context is cancelled.
func (l *Listener) consume(ctx context.Context, sub *redis.PubSub) {
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			l.mu.Lock()
			l.snap.LastMessageAt = time.Now().UTC()
			l.mu.Unlock()

			if err := l.handler(ctx, []byte(msg.Payload)); err != nil {
				logging.Error("Listener", err, "%s: handler failed for message on %s", l.name, l.channel)
			}
		}
	}
}

// Snapshot returns the listener's current health view.
func (l *Listener) Snapshot() ListenerSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snap
}

func (l *Listener) recordFailure(err error) {
	l.mu.Lock()
	l.snap.ReconnectCount++
	l.mu.Unlock()
	l.setState(ListenerReconnecting, err)
}

func (l *Listener) setState(state ListenerState, err error) {
	l.mu.Lock()
	changed := l.snap.State != state
	l.snap.State = state
	if state == ListenerConnected {
		l.snap.ConnectedAt = time.Now().UTC()
		l.snap.LastError = ""
	}
	if err != nil {
		l.snap.LastError = err.Error()
	}
	snap := l.snap
	l.mu.Unlock()

	if l.registry != nil {
		l.registry.update(snap)
	}
	if changed {
		l.publisher.Publish(New(TypeComponentHealth, map[string]interface{}{
			"component":       snap.Component,
			"channel":         snap.Channel,
			"health_status":   string(snap.State),
			"reconnect_count": snap.ReconnectCount,
			"last_error":      snap.LastError,
			"severity":        listenerSeverity(state),
		}))
	}
}

func listenerSeverity(state ListenerState) string {
	if state == ListenerReconnecting {
		return string(SeverityWarning)
	}
	return string(SeverityInfo)
}

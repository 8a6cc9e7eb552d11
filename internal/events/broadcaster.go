package events

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"mcpgate/pkg/logging"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// staleAfter is how long a connection may go without any inbound frame
// before the heartbeat loop closes it.
const staleAfter = 5 * time.Minute

// sendQueueSize bounds the per-connection outbound queue. Overflow
// drops the oldest non-heartbeat frame.
const sendQueueSize = 64

// MCPStatus is one row of the initial_status snapshot sent right after
// accept. The application adapts the registry's view into this shape.
type MCPStatus struct {
	Name            string    `json:"name"`
	HealthStatus    string    `json:"health_status"`
	CircuitState    string    `json:"circuit_state"`
	LastHealthCheck time.Time `json:"last_health_check"`
}

// StatusFunc supplies the current upstream statuses for initial_status.
type StatusFunc func() []MCPStatus

// Subscription is one WebSocket client's declared interest.
type Subscription struct {
	ID         string
	EventTypes map[Type]struct{}
	Filters    map[string]interface{}
}

type outFrame struct {
	data      []byte
	heartbeat bool

	// closeCode, when non-zero, makes the writer close the socket
	// after draining everything queued ahead of it.
	closeCode   int
	closeReason string
}

type wsConn struct {
	id     string
	userID string
	role   string
	sock   *websocket.Conn

	send chan outFrame
	done chan struct{}

	mu            sync.Mutex
	subs          map[string]*Subscription
	lastHeartbeat time.Time
	connectedAt   time.Time
	closed        bool
}

// enqueue places a frame on the outbound queue, dropping the oldest
// non-heartbeat frame on overflow.
func (c *wsConn) enqueue(frame outFrame) bool {
	select {
	case c.send <- frame:
		return true
	default:
	}
	// Queue full: make room by discarding one queued event.
	select {
	case dropped := <-c.send:
		if dropped.heartbeat {
			// Put heartbeats back; drop the incoming event instead.
			select {
			case c.send <- dropped:
			default:
			}
			logging.Warn("Broadcaster", "Dropping event for connection %s: queue full", c.id)
			return false
		}
		logging.Warn("Broadcaster", "Dropped oldest queued event for connection %s", c.id)
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Broadcaster owns the WebSocket connection pool and fans events out
// to matching subscriptions. It implements Publisher.
type Broadcaster struct {
	allowedRoles map[string]struct{}
	statuses     StatusFunc
	upgrader     websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*wsConn

	now func() time.Time
}

// NewBroadcaster creates a broadcaster admitting only the given roles.
// statuses may be nil, in which case initial_status carries an empty
// list.
func NewBroadcaster(allowedRoles []string, statuses StatusFunc) *Broadcaster {
	roles := make(map[string]struct{}, len(allowedRoles))
	for _, r := range allowedRoles {
		roles[r] = struct{}{}
	}
	return &Broadcaster{
		allowedRoles: roles,
		statuses:     statuses,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[string]*wsConn),
		now:   time.Now,
	}
}

// HandleWS upgrades a pre-authenticated request. The dispatcher (or an
// upstream proxy) injects the caller's identity as X-User-Id and
// X-User-Role headers; roles outside the allowlist get a 1008 close.
func (b *Broadcaster) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-Id")
	role := r.Header.Get("X-User-Role")

	sock, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("Broadcaster", "Upgrade failed: %v", err)
		return
	}

	if _, ok := b.allowedRoles[role]; !ok || userID == "" {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "role not permitted")
		sock.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		sock.Close()
		return
	}

	conn := &wsConn{
		id:            uuid.NewString(),
		userID:        userID,
		role:          role,
		sock:          sock,
		send:          make(chan outFrame, sendQueueSize),
		done:          make(chan struct{}),
		subs:          make(map[string]*Subscription),
		lastHeartbeat: b.now(),
		connectedAt:   b.now(),
	}

	b.mu.Lock()
	b.conns[conn.id] = conn
	b.mu.Unlock()
	logging.Info("Broadcaster", "Connection %s accepted (user %s, role %s)", conn.id, userID, role)

	b.sendInitialStatus(conn)

	go b.writeLoop(conn)
	b.readLoop(conn)
}

func (b *Broadcaster) sendInitialStatus(conn *wsConn) {
	statuses := []MCPStatus{}
	if b.statuses != nil {
		statuses = b.statuses()
	}
	frame, err := json.Marshal(map[string]interface{}{
		"type": "initial_status",
		"mcps": statuses,
	})
	if err != nil {
		return
	}
	conn.enqueue(outFrame{data: frame})
}

// readLoop handles inbound client actions until the socket closes.
func (b *Broadcaster) readLoop(conn *wsConn) {
	defer b.remove(conn, websocket.CloseNormalClosure, "")

	for {
		_, raw, err := conn.sock.ReadMessage()
		if err != nil {
			return
		}

		conn.mu.Lock()
		conn.lastHeartbeat = b.now()
		conn.mu.Unlock()

		var action struct {
			Action         string                 `json:"action"`
			EventTypes     []string               `json:"event_types"`
			Filters        map[string]interface{} `json:"filters"`
			SubscriptionID string                 `json:"subscription_id"`
		}
		if err := json.Unmarshal(raw, &action); err != nil {
			b.reply(conn, map[string]interface{}{"type": "error", "error": "invalid action payload"})
			continue
		}

		switch action.Action {
		case "subscribe":
			sub := &Subscription{
				ID:         uuid.NewString(),
				EventTypes: make(map[Type]struct{}, len(action.EventTypes)),
				Filters:    action.Filters,
			}
			for _, et := range action.EventTypes {
				sub.EventTypes[Type(et)] = struct{}{}
			}
			conn.mu.Lock()
			conn.subs[sub.ID] = sub
			conn.mu.Unlock()
			b.reply(conn, map[string]interface{}{"type": "subscribed", "subscription_id": sub.ID})
		case "unsubscribe":
			conn.mu.Lock()
			_, existed := conn.subs[action.SubscriptionID]
			delete(conn.subs, action.SubscriptionID)
			conn.mu.Unlock()
			b.reply(conn, map[string]interface{}{"type": "unsubscribed", "subscription_id": action.SubscriptionID, "found": existed})
		case "get_metadata":
			b.reply(conn, map[string]interface{}{"type": "metadata", "data": Metadata()})
		case "ping":
			conn.enqueue(outFrame{data: []byte(`"pong"`), heartbeat: true})
		default:
			b.reply(conn, map[string]interface{}{"type": "error", "error": "unknown action"})
		}
	}
}

func (b *Broadcaster) reply(conn *wsConn, payload map[string]interface{}) {
	frame, err := json.Marshal(payload)
	if err != nil {
		return
	}
	conn.enqueue(outFrame{data: frame})
}

// writeLoop is the single writer for one socket.
func (b *Broadcaster) writeLoop(conn *wsConn) {
	for {
		select {
		case <-conn.done:
			return
		case frame := <-conn.send:
			if frame.closeCode != 0 {
				b.remove(conn, frame.closeCode, frame.closeReason)
				return
			}
			if err := conn.sock.WriteMessage(websocket.TextMessage, frame.data); err != nil {
				b.remove(conn, websocket.CloseInternalServerErr, "write failed")
				return
			}
		}
	}
}

// remove unregisters and closes a connection. Safe to call twice.
func (b *Broadcaster) remove(conn *wsConn, closeCode int, reason string) {
	conn.mu.Lock()
	if conn.closed {
		conn.mu.Unlock()
		return
	}
	conn.closed = true
	conn.mu.Unlock()

	b.mu.Lock()
	delete(b.conns, conn.id)
	b.mu.Unlock()

	if closeCode != websocket.CloseNormalClosure {
		msg := websocket.FormatCloseMessage(closeCode, reason)
		conn.sock.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}
	conn.sock.Close()
	close(conn.done)
	logging.Info("Broadcaster", "Connection %s closed", conn.id)
}

// Publish implements Publisher: fan the event out to every connection
// with at least one matching subscription. Each match receives exactly
// one copy.
func (b *Broadcaster) Publish(evt Event) {
	frame, err := json.Marshal(map[string]interface{}{
		"type":      string(evt.Type),
		"timestamp": evt.Timestamp.Format(time.RFC3339),
		"data":      evt.Payload,
	})
	if err != nil {
		logging.Error("Broadcaster", err, "Failed to marshal event %s", evt.Type)
		return
	}

	b.mu.RLock()
	matching := make([]*wsConn, 0, len(b.conns))
	for _, conn := range b.conns {
		if conn.matches(evt) {
			matching = append(matching, conn)
		}
	}
	b.mu.RUnlock()

	for _, conn := range matching {
		conn.enqueue(outFrame{data: frame})
	}
}

// matches reports whether any of the connection's subscriptions wants
// the event.
func (c *wsConn) matches(evt Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subs {
		if _, ok := sub.EventTypes[evt.Type]; !ok {
			continue
		}
		if filtersMatch(sub.Filters, evt.Payload) {
			return true
		}
	}
	return false
}

// filtersMatch applies the subscription filter semantics: mcp_names,
// severity and the status fields are set membership; failure_cycles is
// a numeric minimum.
func filtersMatch(filters map[string]interface{}, payload map[string]interface{}) bool {
	for field, want := range filters {
		switch field {
		case "mcp_names":
			if !memberOf(want, payload["mcp_name"]) {
				return false
			}
		case "severity", "old_status", "new_status", "state", "health_status":
			if !memberOf(want, payload[field]) {
				return false
			}
		case "failure_cycles":
			if !atLeast(want, payload["failure_cycles"]) {
				return false
			}
		}
	}
	return true
}

// memberOf reports whether value appears in the filter's allowed set.
// The filter may be a single value or a list.
func memberOf(want, got interface{}) bool {
	gotStr, ok := got.(string)
	if !ok {
		return false
	}
	switch w := want.(type) {
	case string:
		return w == gotStr
	case []string:
		for _, v := range w {
			if v == gotStr {
				return true
			}
		}
	case []interface{}:
		for _, v := range w {
			if s, ok := v.(string); ok && s == gotStr {
				return true
			}
		}
	}
	return false
}

// atLeast reports whether the payload value is numerically >= the
// filter value.
func atLeast(want, got interface{}) bool {
	w, ok := toFloat(want)
	if !ok {
		return false
	}
	g, ok := toFloat(got)
	if !ok {
		return false
	}
	return g >= w
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// CloseUser sends a typed message to every connection of the user and
// closes them with a policy-violation code. Used by the invalidation
// bus when a user is blocked for chat, so it must return without
// waiting on socket writes: each connection is detached from the pool
// here and torn down by its writer after the notice is flushed.
func (b *Broadcaster) CloseUser(userID, message string) int {
	b.mu.Lock()
	var targets []*wsConn
	for _, conn := range b.conns {
		if conn.userID == userID {
			targets = append(targets, conn)
			delete(b.conns, conn.id)
		}
	}
	b.mu.Unlock()

	for _, conn := range targets {
		b.reply(conn, map[string]interface{}{"type": "blocked", "message": message})
		conn.enqueue(outFrame{closeCode: websocket.ClosePolicyViolation, closeReason: "user blocked"})
	}
	return len(targets)
}

// ConnectionCount returns the number of open connections.
func (b *Broadcaster) ConnectionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.conns)
}

// Run drives the heartbeat loop: a periodic ping to every connection,
// and closure of connections silent for longer than staleAfter.
func (b *Broadcaster) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.closeAll()
			return ctx.Err()
		case <-ticker.C:
			b.heartbeat()
		}
	}
}

func (b *Broadcaster) heartbeat() {
	frame, _ := json.Marshal(map[string]interface{}{
		"type":      "ping",
		"timestamp": b.now().UTC().Format(time.RFC3339),
	})

	b.mu.RLock()
	conns := make([]*wsConn, 0, len(b.conns))
	for _, conn := range b.conns {
		conns = append(conns, conn)
	}
	b.mu.RUnlock()

	for _, conn := range conns {
		conn.mu.Lock()
		stale := b.now().Sub(conn.lastHeartbeat) > staleAfter
		conn.mu.Unlock()
		if stale {
			logging.Info("Broadcaster", "Closing stale connection %s", conn.id)
			b.remove(conn, websocket.ClosePolicyViolation, "heartbeat timeout")
			continue
		}
		conn.enqueue(outFrame{data: frame, heartbeat: true})
	}
}

func (b *Broadcaster) closeAll() {
	b.mu.RLock()
	conns := make([]*wsConn, 0, len(b.conns))
	for _, conn := range b.conns {
		conns = append(conns, conn)
	}
	b.mu.RUnlock()

	for _, conn := range conns {
		b.remove(conn, websocket.CloseServiceRestart, "shutting down")
	}
}

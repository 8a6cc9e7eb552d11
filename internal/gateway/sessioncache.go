package gateway

import (
	"context"
	"sync"
	"time"

	"mcpgate/internal/policy"
	"mcpgate/pkg/logging"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
)

// Session is the cached effective view for one opaque token.
type Session struct {
	Token              string
	UserID             string
	Context            *policy.UserContext
	AvailableUpstreams []string
	FilteredTools      []mcp.Tool
	CreatedAt          time.Time
	LastAccessed       time.Time

	// FlowID correlates flow events across the requests served by this
	// cache entry. Fixed at write time.
	FlowID string

	// upstreamAliases maps the sanitized form of each available
	// upstream back to its configured name, so names recovered from a
	// mangled identifier route to the right session and policy keys.
	upstreamAliases map[string]string
}

// ResolveUpstream maps a sanitized upstream name back to the
// configured one. Names without an alias pass through unchanged and
// fail the visibility check downstream.
func (s *Session) ResolveUpstream(name string) string {
	if raw, ok := s.upstreamAliases[name]; ok {
		return raw
	}
	return name
}

// SessionCache holds per-token sessions with a TTL measured from
// creation. Expiry is intentionally creation-based, not access-based:
// a busy caller still re-validates its token every TTL.
type SessionCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	sessions map[string]*Session
	now      func() time.Time
}

// NewSessionCache creates a cache whose entries live for ttl.
func NewSessionCache(ttl time.Duration) *SessionCache {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &SessionCache{
		ttl:      ttl,
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Get returns the session for the token if present and unexpired,
// stamping last access.
func (c *SessionCache) Get(token string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess, ok := c.sessions[token]
	if !ok {
		return nil, false
	}
	if c.now().Sub(sess.CreatedAt) >= c.ttl {
		delete(c.sessions, token)
		return nil, false
	}
	sess.LastAccessed = c.now()
	return sess, true
}

// Set overwrites the entry for the token and assigns a fresh flow
// correlation id.
func (c *SessionCache) Set(token, userID string, uc *policy.UserContext, upstreams []string, tools []mcp.Tool) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	aliases := make(map[string]string, len(upstreams))
	for _, name := range upstreams {
		if sanitized := SanitizeName(name); sanitized != "" {
			aliases[sanitized] = name
		}
	}

	now := c.now()
	sess := &Session{
		Token:              token,
		UserID:             userID,
		Context:            uc,
		AvailableUpstreams: upstreams,
		FilteredTools:      tools,
		CreatedAt:          now,
		LastAccessed:       now,
		FlowID:             uuid.NewString(),
		upstreamAliases:    aliases,
	}
	c.sessions[token] = sess
	return sess
}

// InvalidateUser removes every session belonging to the user and
// returns how many were dropped.
func (c *SessionCache) InvalidateUser(userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for token, sess := range c.sessions {
		if sess.UserID == userID {
			delete(c.sessions, token)
			removed++
		}
	}
	if removed > 0 {
		logging.Info("SessionCache", "Invalidated %d session(s) for user %s", removed, userID)
	}
	return removed
}

// Sweep removes expired entries.
func (c *SessionCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for token, sess := range c.sessions {
		if now.Sub(sess.CreatedAt) >= c.ttl {
			delete(c.sessions, token)
			removed++
		}
	}
	return removed
}

// StartSweeper runs Sweep periodically until the context is cancelled.
func (c *SessionCache) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := c.Sweep(); removed > 0 {
				logging.Debug("SessionCache", "Sweeper removed %d expired session(s)", removed)
			}
		}
	}
}

// Size returns the current number of cached sessions.
func (c *SessionCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// SetNow overrides the clock. Intended for tests.
func (c *SessionCache) SetNow(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

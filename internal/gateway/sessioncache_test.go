package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpgate/internal/policy"
)

func userContext(userID string) *policy.UserContext {
	return &policy.UserContext{
		UserID:        userID,
		RoleName:      "analyst",
		ServiceGrants: map[string]struct{}{"mcp": {}},
	}
}

func TestSessionCacheGetSet(t *testing.T) {
	cache := NewSessionCache(time.Minute)

	_, ok := cache.Get("tok")
	assert.False(t, ok)

	sess := cache.Set("tok", "u-1", userContext("u-1"), []string{"github"}, nil)
	assert.NotEmpty(t, sess.FlowID)

	got, ok := cache.Get("tok")
	require.True(t, ok)
	assert.Equal(t, "u-1", got.UserID)
	assert.Equal(t, sess.FlowID, got.FlowID)
}

func TestSessionResolvesSanitizedUpstreamNames(t *testing.T) {
	cache := NewSessionCache(time.Minute)
	sess := cache.Set("tok", "u-1", userContext("u-1"), []string{"my.server", "github"}, nil)

	assert.Equal(t, "my.server", sess.ResolveUpstream("my_server"))
	assert.Equal(t, "github", sess.ResolveUpstream("github"))
	// Unknown names pass through and fail visibility downstream.
	assert.Equal(t, "nope", sess.ResolveUpstream("nope"))
}

func TestSessionCacheExpiry(t *testing.T) {
	cache := NewSessionCache(time.Minute)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	cache.SetNow(func() time.Time { return now })

	cache.Set("tok", "u-1", userContext("u-1"), nil, nil)

	now = base.Add(59 * time.Second)
	_, ok := cache.Get("tok")
	assert.True(t, ok)

	// Expiry counts from creation, not last access.
	now = base.Add(61 * time.Second)
	_, ok = cache.Get("tok")
	assert.False(t, ok)
	assert.Zero(t, cache.Size())
}

func TestSessionCacheSetRotatesFlowID(t *testing.T) {
	cache := NewSessionCache(time.Minute)
	first := cache.Set("tok", "u-1", userContext("u-1"), nil, nil)
	second := cache.Set("tok", "u-1", userContext("u-1"), nil, nil)
	assert.NotEqual(t, first.FlowID, second.FlowID)
	assert.Equal(t, 1, cache.Size())
}

func TestSessionCacheInvalidateUser(t *testing.T) {
	cache := NewSessionCache(time.Minute)
	cache.Set("tok-1", "u-1", userContext("u-1"), nil, nil)
	cache.Set("tok-2", "u-1", userContext("u-1"), nil, nil)
	cache.Set("tok-3", "u-2", userContext("u-2"), nil, nil)

	removed := cache.InvalidateUser("u-1")
	assert.Equal(t, 2, removed)

	_, ok := cache.Get("tok-1")
	assert.False(t, ok)
	_, ok = cache.Get("tok-3")
	assert.True(t, ok)
}

func TestSessionCacheSweep(t *testing.T) {
	cache := NewSessionCache(time.Minute)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	cache.SetNow(func() time.Time { return now })

	cache.Set("old", "u-1", userContext("u-1"), nil, nil)
	now = base.Add(30 * time.Second)
	cache.Set("fresh", "u-2", userContext("u-2"), nil, nil)

	now = base.Add(70 * time.Second)
	assert.Equal(t, 1, cache.Sweep())
	assert.Equal(t, 1, cache.Size())
}

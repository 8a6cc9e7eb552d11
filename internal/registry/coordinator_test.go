package registry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpgate/internal/breaker"
	"mcpgate/internal/config"
	"mcpgate/internal/upstream"
)

// clientFarm hands out fresh fake clients per upstream name and
// remembers them for inspection.
type clientFarm struct {
	mu     sync.Mutex
	fail   map[string]bool
	handed map[string][]*fakeClient
}

func newClientFarm() *clientFarm {
	return &clientFarm{fail: make(map[string]bool), handed: make(map[string][]*fakeClient)}
}

func (f *clientFarm) factory(protocol, url string, auth upstream.AuthConfig, timeout time.Duration) (upstream.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := strings.TrimPrefix(url, "http://")
	if idx := strings.Index(name, ":"); idx >= 0 {
		name = name[:idx]
	}
	c := &fakeClient{tools: []mcp.Tool{{Name: "t"}}}
	if f.fail[name] {
		c.initErr = &upstream.ConnectError{URL: url, Err: errors.New("refused")}
	}
	f.handed[name] = append(f.handed[name], c)
	return c, nil
}

func (f *clientFarm) last(name string) *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	clients := f.handed[name]
	if len(clients) == 0 {
		return nil
	}
	return clients[len(clients)-1]
}

func (f *clientFarm) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handed[name])
}

func (f *clientFarm) setFail(name string, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[name] = fail
}

func newTestCoordinator(store *fakeStore, cfg CoordinatorConfig) (*Coordinator, *Registry, *clientFarm) {
	farm := newClientFarm()
	brk := breaker.New(breaker.DefaultConfig(), nil)
	reg := New(store, brk, &recordingPublisher{}, nil)
	reg.SetClientFactory(farm.factory)
	return NewCoordinator(reg, store, cfg), reg, farm
}

func TestReloadAddAndRemove(t *testing.T) {
	store := newFakeStore(def("A"), def("B"))
	coord, reg, farm := newTestCoordinator(store, CoordinatorConfig{})

	coord.ReloadOnce(context.Background())
	assert.Equal(t, []string{"A", "B"}, reg.LoadedNames())

	oldA := farm.last("A")

	// Swap A out for C.
	store.setUpstreams([]config.Upstream{def("B"), def("C")})
	coord.ReloadOnce(context.Background())

	assert.Equal(t, []string{"B", "C"}, reg.LoadedNames())
	assert.True(t, oldA.closed)
	_, ok := reg.Catalog("A")
	assert.False(t, ok)
	_, ok = reg.Catalog("C")
	assert.True(t, ok)

	// B kept its original session.
	assert.Equal(t, 1, farm.count("B"))
}

func TestReloadRebuildsChangedDefinition(t *testing.T) {
	store := newFakeStore(def("A"))
	coord, reg, farm := newTestCoordinator(store, CoordinatorConfig{})

	coord.ReloadOnce(context.Background())
	require.Equal(t, 1, farm.count("A"))

	changed := def("A")
	changed.Auth = upstream.AuthConfig{Kind: upstream.AuthBearer, Secret: "rotated"}
	changed.UpdatedAt = time.Now().Add(time.Minute)
	store.setUpstreams([]config.Upstream{changed})

	coord.ReloadOnce(context.Background())
	assert.Equal(t, 2, farm.count("A"))
	assert.Equal(t, []string{"A"}, reg.LoadedNames())
}

func TestReloadRenewsAgedSessions(t *testing.T) {
	store := newFakeStore(def("A"))
	coord, reg, farm := newTestCoordinator(store, CoordinatorConfig{MaxConnectionAge: 10 * time.Minute})

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	reg.SetNow(func() time.Time { return now })
	coord.SetNow(func() time.Time { return now })

	coord.ReloadOnce(context.Background())
	require.Equal(t, 1, farm.count("A"))

	// Within the age limit nothing happens.
	now = base.Add(5 * time.Minute)
	coord.ReloadOnce(context.Background())
	assert.Equal(t, 1, farm.count("A"))

	// Past the limit the session is renewed.
	now = base.Add(11 * time.Minute)
	coord.ReloadOnce(context.Background())
	assert.Equal(t, 2, farm.count("A"))
}

func TestHealthLoopMovesFailedUpstreamToRecovery(t *testing.T) {
	store := newFakeStore(def("A"))
	coord, reg, farm := newTestCoordinator(store, CoordinatorConfig{})

	coord.ReloadOnce(context.Background())
	require.Equal(t, []string{"A"}, reg.LoadedNames())

	farm.last("A").listToolsErr = errors.New("connection reset")
	coord.HealthCheckOnce(context.Background())

	// The failing session was dropped, then reloaded in the recovery
	// half of the same pass (one failure leaves the breaker closed).
	assert.Equal(t, 2, farm.count("A"))
	assert.Equal(t, []string{"A"}, reg.LoadedNames())
	assert.Empty(t, coord.RecoveryList())
}

func TestRecoveryReloadsAfterUpstreamReturns(t *testing.T) {
	store := newFakeStore(def("A"))
	coord, reg, farm := newTestCoordinator(store, CoordinatorConfig{})

	farm.setFail("A", true)
	coord.ReloadOnce(context.Background())
	assert.Empty(t, reg.LoadedNames())
	assert.Contains(t, coord.RecoveryList(), "A")

	farm.setFail("A", false)
	coord.HealthCheckOnce(context.Background())
	assert.Equal(t, []string{"A"}, reg.LoadedNames())
	assert.Empty(t, coord.RecoveryList())
}

func TestReloadSkipsRecoveringUpstream(t *testing.T) {
	store := newFakeStore(def("A"))
	coord, reg, farm := newTestCoordinator(store, CoordinatorConfig{})

	farm.setFail("A", true)
	coord.ReloadOnce(context.Background())
	attempts := farm.count("A")
	require.NotZero(t, attempts)

	// Another reload pass leaves the recovering upstream to the health
	// loop instead of hammering it.
	coord.ReloadOnce(context.Background())
	assert.Equal(t, attempts, farm.count("A"))
	assert.Empty(t, reg.LoadedNames())
}

package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpgate/internal/breaker"
	"mcpgate/internal/config"
	"mcpgate/internal/events"
	"mcpgate/internal/toolcache"
	"mcpgate/internal/upstream"
)

type fakeClient struct {
	mu        sync.Mutex
	tools     []mcp.Tool
	prompts   []mcp.Prompt
	resources []mcp.Resource

	initErr      error
	listToolsErr error
	promptsErr   error
	resourcesErr error
	callErr      error
	callResult   *mcp.CallToolResult

	closed    bool
	toolCalls int
	listCalls int
}

func (f *fakeClient) Initialize(ctx context.Context) error { return f.initErr }

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeClient) SessionID() string { return "fake-session" }

func (f *fakeClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	f.mu.Lock()
	f.listCalls++
	f.mu.Unlock()
	if f.listToolsErr != nil {
		return nil, f.listToolsErr
	}
	return f.tools, nil
}

func (f *fakeClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	f.mu.Lock()
	f.toolCalls++
	f.mu.Unlock()
	if f.callErr != nil {
		return nil, f.callErr
	}
	if f.callResult != nil {
		return f.callResult, nil
	}
	return &mcp.CallToolResult{}, nil
}

func (f *fakeClient) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	if f.promptsErr != nil {
		return nil, f.promptsErr
	}
	return f.prompts, nil
}

func (f *fakeClient) GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	return &mcp.GetPromptResult{}, nil
}

func (f *fakeClient) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	if f.resourcesErr != nil {
		return nil, f.resourcesErr
	}
	return f.resources, nil
}

func (f *fakeClient) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	return &mcp.ReadResourceResult{}, nil
}

func (f *fakeClient) Ping(ctx context.Context) error { return nil }

type statusCall struct {
	name   string
	status config.AdminStatus
	reason string
}

type fakeStore struct {
	mu          sync.Mutex
	upstreams   []config.Upstream
	roles       map[string]config.Role
	changes     chan struct{}
	statusCalls []statusCall
}

func newFakeStore(upstreams ...config.Upstream) *fakeStore {
	return &fakeStore{upstreams: upstreams, changes: make(chan struct{}, 1)}
}

func (s *fakeStore) Upstreams(ctx context.Context) ([]config.Upstream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]config.Upstream(nil), s.upstreams...), nil
}

func (s *fakeStore) ActiveUpstreams(ctx context.Context) ([]config.Upstream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var active []config.Upstream
	for _, u := range s.upstreams {
		if u.Active() {
			active = append(active, u)
		}
	}
	return active, nil
}

func (s *fakeStore) Role(ctx context.Context, name string) (config.Role, bool, error) {
	r, ok := s.roles[name]
	return r, ok, nil
}

func (s *fakeStore) SetAdminStatus(ctx context.Context, name string, status config.AdminStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusCalls = append(s.statusCalls, statusCall{name, status, reason})
	for i := range s.upstreams {
		if s.upstreams[i].Name == name {
			s.upstreams[i].AdminStatus = status
		}
	}
	return nil
}

func (s *fakeStore) setUpstreams(upstreams []config.Upstream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upstreams = upstreams
}

func (s *fakeStore) Changes() <-chan struct{} { return s.changes }
func (s *fakeStore) Close() error             { return nil }

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(evt events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
}

func (p *recordingPublisher) ofType(t events.Type) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func def(name string) config.Upstream {
	return config.Upstream{
		Name:     name,
		URL:      "http://" + name + ":8080/mcp",
		Protocol: upstream.TransportStreamableHTTP,
	}
}

func newTestRegistry(store config.Store, clients map[string]*fakeClient) (*Registry, *recordingPublisher, *breaker.Breaker) {
	pub := &recordingPublisher{}
	brk := breaker.New(breaker.DefaultConfig(), nil)
	reg := New(store, brk, pub, nil)
	reg.SetClientFactory(func(protocol, url string, auth upstream.AuthConfig, timeout time.Duration) (upstream.Client, error) {
		for name, c := range clients {
			if url == "http://"+name+":8080/mcp" {
				return c, nil
			}
		}
		return nil, fmt.Errorf("no fake client for %s", url)
	})
	return reg, pub, brk
}

func TestLoadInstallsCatalogs(t *testing.T) {
	client := &fakeClient{
		tools:   []mcp.Tool{{Name: "search"}, {Name: "fetch"}},
		prompts: []mcp.Prompt{{Name: "summarize"}},
	}
	store := newFakeStore(def("github"))
	reg, pub, _ := newTestRegistry(store, map[string]*fakeClient{"github": client})

	require.NoError(t, reg.Load(context.Background(), def("github")))

	catalog, ok := reg.Catalog("github")
	require.True(t, ok)
	assert.Len(t, catalog.Tools, 2)
	assert.Len(t, catalog.Prompts, 1)
	assert.Equal(t, HealthHealthy, reg.Health("github"))
	assert.Equal(t, "fake-session", reg.SessionID("github"))
	assert.Equal(t, []string{"github"}, reg.LoadedNames())

	changes := pub.ofType(events.TypeMCPStatusChange)
	require.NotEmpty(t, changes)
	last := changes[len(changes)-1]
	assert.Equal(t, "healthy", last.Payload["new_status"])
}

func TestLoadToleratesMissingPromptSupport(t *testing.T) {
	client := &fakeClient{
		tools:        []mcp.Tool{{Name: "x"}},
		promptsErr:   errors.New("request failed: code: -32601, message: Method not found"),
		resourcesErr: &upstream.MCPError{Code: upstream.CodeMethodNotFound, Message: "Method not found"},
	}
	store := newFakeStore(def("bare"))
	reg, _, brk := newTestRegistry(store, map[string]*fakeClient{"bare": client})

	require.NoError(t, reg.Load(context.Background(), def("bare")))

	catalog, ok := reg.Catalog("bare")
	require.True(t, ok)
	assert.Empty(t, catalog.Prompts)
	assert.Empty(t, catalog.Resources)
	// The miss must not count against availability.
	assert.Equal(t, breaker.StateClosed, brk.State("bare"))
}

func TestLoadRetriesConnectErrors(t *testing.T) {
	attempts := 0
	store := newFakeStore(def("flaky"))
	pub := &recordingPublisher{}
	brk := breaker.New(breaker.DefaultConfig(), nil)
	reg := New(store, brk, pub, nil)
	reg.SetClientFactory(func(protocol, url string, auth upstream.AuthConfig, timeout time.Duration) (upstream.Client, error) {
		attempts++
		if attempts < 3 {
			return &fakeClient{initErr: &upstream.ConnectError{URL: url, Err: errors.New("refused")}}, nil
		}
		return &fakeClient{tools: []mcp.Tool{{Name: "ok"}}}, nil
	})

	d := def("flaky")
	d.Retry = config.RetryConfig{MaxRetries: 3, RetryDelay: config.Duration(time.Millisecond)}
	require.NoError(t, reg.Load(context.Background(), d))
	assert.Equal(t, 3, attempts)
	assert.Equal(t, HealthHealthy, reg.Health("flaky"))
}

func TestLoadFailureFeedsBreakerAndAutoDisables(t *testing.T) {
	store := newFakeStore(def("down"))
	pub := &recordingPublisher{}
	brk := breaker.New(breaker.Config{
		FailureThreshold: 1,
		Timeout:          time.Millisecond,
		HalfOpenMaxCalls: 1,
		MaxFailureCycles: 2,
		AutoDisable:      true,
	}, nil)
	reg := New(store, brk, pub, nil)
	reg.SetClientFactory(func(protocol, url string, auth upstream.AuthConfig, timeout time.Duration) (upstream.Client, error) {
		return &fakeClient{initErr: &upstream.ConnectError{URL: url, Err: errors.New("refused")}}, nil
	})

	d := def("down")
	d.Retry = config.RetryConfig{MaxRetries: 1, RetryDelay: config.Duration(time.Millisecond)}

	// First failure trips the circuit (threshold 1).
	require.Error(t, reg.Load(context.Background(), d))
	assert.Equal(t, breaker.StateOpen, brk.State("down"))
	assert.Equal(t, HealthUnhealthy, reg.Health("down"))

	// Each probe failure after the timeout closes one cycle.
	for i := 0; i < 2; i++ {
		time.Sleep(2 * time.Millisecond)
		require.Error(t, reg.Load(context.Background(), d))
	}

	require.Len(t, store.statusCalls, 1)
	assert.Equal(t, config.AdminAutoDisabled, store.statusCalls[0].status)
	assert.Equal(t, HealthDisabled, reg.Health("down"))
	require.Len(t, pub.ofType(events.TypeMCPAutoDisabled), 1)
}

func TestCallToolShortCircuitsWhenOpen(t *testing.T) {
	client := &fakeClient{tools: []mcp.Tool{{Name: "t"}}}
	store := newFakeStore(def("a"))
	reg, _, brk := newTestRegistry(store, map[string]*fakeClient{"a": client})
	require.NoError(t, reg.Load(context.Background(), def("a")))

	brk.SetNow(func() time.Time { return time.Now() })
	for i := 0; i < 3; i++ {
		brk.RecordFailure("a")
	}
	require.Equal(t, breaker.StateOpen, brk.State("a"))

	_, err := reg.CallTool(context.Background(), "a", "t", nil)
	var unavailable *UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, "open", unavailable.CircuitState)
	assert.Greater(t, unavailable.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, unavailable.RetryAfter, 60*time.Second)
	assert.Zero(t, client.toolCalls)
}

func TestCallToolBreakerAccounting(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		countsAgainst bool
	}{
		{"transport error", errors.New("connection reset"), true},
		{"internal error", &upstream.MCPError{Code: upstream.CodeInternalError}, true},
		{"server error", &upstream.MCPError{Code: upstream.CodeServerError}, true},
		{"invalid params", &upstream.MCPError{Code: upstream.CodeInvalidParams}, false},
		{"method not found", &upstream.MCPError{Code: upstream.CodeMethodNotFound}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeClient{tools: []mcp.Tool{{Name: "t"}}, callErr: tt.err}
			store := newFakeStore(def("a"))
			reg, _, brk := newTestRegistry(store, map[string]*fakeClient{"a": client})
			require.NoError(t, reg.Load(context.Background(), def("a")))

			_, err := reg.CallTool(context.Background(), "a", "t", nil)
			require.Error(t, err)

			snap := brk.Snapshot("a")
			if tt.countsAgainst {
				assert.Equal(t, 1, snap.ConsecutiveFailures)
			} else {
				assert.Zero(t, snap.ConsecutiveFailures)
			}
		})
	}
}

func TestCallToolNotLoaded(t *testing.T) {
	store := newFakeStore()
	reg, _, _ := newTestRegistry(store, nil)

	_, err := reg.CallTool(context.Background(), "ghost", "t", nil)
	var notLoaded *NotLoadedError
	assert.ErrorAs(t, err, &notLoaded)
}

func TestCallToolUsesResultCache(t *testing.T) {
	client := &fakeClient{
		tools:      []mcp.Tool{{Name: "t"}},
		callResult: &mcp.CallToolResult{},
	}
	store := newFakeStore(def("a"))
	pub := &recordingPublisher{}
	brk := breaker.New(breaker.DefaultConfig(), nil)
	cache := toolcache.New(10, time.Minute)
	reg := New(store, brk, pub, cache)
	reg.SetClientFactory(func(protocol, url string, auth upstream.AuthConfig, timeout time.Duration) (upstream.Client, error) {
		return client, nil
	})
	require.NoError(t, reg.Load(context.Background(), def("a")))

	args := map[string]interface{}{"q": "x"}
	_, err := reg.CallTool(context.Background(), "a", "t", args)
	require.NoError(t, err)
	_, err = reg.CallTool(context.Background(), "a", "t", args)
	require.NoError(t, err)
	assert.Equal(t, 1, client.toolCalls)

	// Unload invalidates the upstream's cached results.
	reg.Unload("a")
	assert.Equal(t, 0, cache.Stats().Size)
}

func TestUnloadDropsSessionAndCatalogs(t *testing.T) {
	client := &fakeClient{tools: []mcp.Tool{{Name: "t"}}}
	store := newFakeStore(def("a"))
	reg, pub, _ := newTestRegistry(store, map[string]*fakeClient{"a": client})
	require.NoError(t, reg.Load(context.Background(), def("a")))

	reg.Unload("a")

	_, ok := reg.Catalog("a")
	assert.False(t, ok)
	assert.Empty(t, reg.LoadedNames())
	assert.True(t, client.closed)
	assert.Equal(t, HealthDisconnected, reg.Health("a"))

	changes := pub.ofType(events.TypeMCPStatusChange)
	last := changes[len(changes)-1]
	assert.Equal(t, "disconnected", last.Payload["new_status"])
}

func TestCheckHealthSuccessAndFailure(t *testing.T) {
	client := &fakeClient{tools: []mcp.Tool{{Name: "t"}}}
	store := newFakeStore(def("a"))
	reg, _, brk := newTestRegistry(store, map[string]*fakeClient{"a": client})
	require.NoError(t, reg.Load(context.Background(), def("a")))

	_, err := reg.CheckHealth(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, HealthHealthy, reg.Health("a"))

	client.listToolsErr = errors.New("connection reset")
	_, err = reg.CheckHealth(context.Background(), "a")
	require.Error(t, err)
	assert.Empty(t, reg.LoadedNames())
	assert.Equal(t, 1, brk.Snapshot("a").ConsecutiveFailures)

	statuses := reg.Statuses()
	require.Len(t, statuses, 1)
	assert.False(t, statuses[0].LastHealthCheck.IsZero())
}

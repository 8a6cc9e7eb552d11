package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"mcpgate/internal/breaker"
	"mcpgate/internal/config"
	"mcpgate/internal/events"
	"mcpgate/internal/toolcache"
	"mcpgate/internal/upstream"
	"mcpgate/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
)

// HealthStatus is the observed health of one upstream.
type HealthStatus string

const (
	HealthUnknown      HealthStatus = "unknown"
	HealthHealthy      HealthStatus = "healthy"
	HealthUnhealthy    HealthStatus = "unhealthy"
	HealthDisconnected HealthStatus = "disconnected"
	HealthCircuitOpen  HealthStatus = "circuit_open"
	HealthDisabled     HealthStatus = "disabled"
	HealthLoading      HealthStatus = "loading"
)

// Catalog is the cached tool/prompt/resource surface of one upstream.
// Catalogs are replaced whole; readers never observe a partial refresh.
type Catalog struct {
	Tools     []mcp.Tool
	Prompts   []mcp.Prompt
	Resources []mcp.Resource
}

// StatusSnapshot is one upstream's externally visible state, used for
// the WebSocket initial_status message.
type StatusSnapshot struct {
	Name            string       `json:"name"`
	HealthStatus    HealthStatus `json:"health_status"`
	CircuitState    string       `json:"circuit_state"`
	LastHealthCheck time.Time    `json:"last_health_check"`
}

// UnavailableError is returned when the circuit breaker short-circuits
// a call. It carries the retry hint surfaced to the caller.
type UnavailableError struct {
	Upstream     string
	CircuitState string
	RetryAfter   time.Duration
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("upstream %s unavailable (circuit %s, retry after %s)",
		e.Upstream, e.CircuitState, e.RetryAfter.Round(time.Second))
}

// NotLoadedError is returned when no session exists for the upstream.
type NotLoadedError struct {
	Upstream string
}

func (e *NotLoadedError) Error() string {
	return fmt.Sprintf("upstream %s is not loaded", e.Upstream)
}

type session struct {
	client    upstream.Client
	def       config.Upstream
	createdAt time.Time
}

// ClientFactory builds an upstream client; replaceable in tests.
type ClientFactory func(protocol, url string, auth upstream.AuthConfig, timeout time.Duration) (upstream.Client, error)

// Registry holds the session pool, catalog caches and health state.
type Registry struct {
	store     config.Store
	breaker   *breaker.Breaker
	publisher events.Publisher
	results   *toolcache.Cache // optional; nil disables result caching

	mu        sync.RWMutex
	sessions  map[string]*session
	catalogs  map[string]Catalog
	health    map[string]HealthStatus
	lastCheck map[string]time.Time

	// upLocks serializes load/unload/health-check per upstream name.
	lockMu  sync.Mutex
	upLocks map[string]*sync.Mutex

	now       func() time.Time
	newClient ClientFactory
}

// New creates an empty registry. results may be nil.
func New(store config.Store, brk *breaker.Breaker, pub events.Publisher, results *toolcache.Cache) *Registry {
	if pub == nil {
		pub = events.NopPublisher{}
	}
	return &Registry{
		store:     store,
		breaker:   brk,
		publisher: pub,
		results:   results,
		sessions:  make(map[string]*session),
		catalogs:  make(map[string]Catalog),
		health:    make(map[string]HealthStatus),
		lastCheck: make(map[string]time.Time),
		upLocks:   make(map[string]*sync.Mutex),
		now:       time.Now,
		newClient: upstream.NewClient,
	}
}

func (r *Registry) upstreamLock(name string) *sync.Mutex {
	r.lockMu.Lock()
	defer r.lockMu.Unlock()
	l, ok := r.upLocks[name]
	if !ok {
		l = &sync.Mutex{}
		r.upLocks[name] = l
	}
	return l
}

// Load opens a session for the upstream, performs the handshake,
// fetches all three catalogs and installs them atomically. The circuit
// breaker gates the attempt; an Open circuit skips loading entirely.
func (r *Registry) Load(ctx context.Context, def config.Upstream) error {
	lock := r.upstreamLock(def.Name)
	lock.Lock()
	defer lock.Unlock()

	if r.breaker.IsOpen(def.Name) {
		logging.Debug("Registry", "Skipping load of %s: circuit open", def.Name)
		r.setHealth(def.Name, HealthCircuitOpen)
		return &UnavailableError{
			Upstream:     def.Name,
			CircuitState: r.breaker.State(def.Name).String(),
			RetryAfter:   r.breaker.RetryAfter(def.Name),
		}
	}

	r.setHealth(def.Name, HealthLoading)

	maxAttempts := def.Retry.MaxRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	delay := def.Retry.RetryDelay.Std()
	if delay <= 0 {
		delay = 5 * time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := r.dialAndInstall(ctx, def)
		if err == nil {
			r.breaker.RecordSuccess(def.Name)
			r.setHealth(def.Name, HealthHealthy)
			logging.Info("Registry", "Loaded upstream %s (attempt %d/%d)", def.Name, attempt, maxAttempts)
			return nil
		}
		lastErr = err

		// Only connection-level failures are worth retrying here;
		// protocol failures will not improve within the retry window.
		if !upstream.IsConnectError(err) || attempt == maxAttempts {
			break
		}
		logging.Warn("Registry", "Load attempt %d/%d for %s failed: %v", attempt, maxAttempts, def.Name, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	r.loadFailed(ctx, def.Name, lastErr)
	return lastErr
}

// dialAndInstall performs one connection attempt. On success the
// session and all three catalogs are swapped in under the write lock.
func (r *Registry) dialAndInstall(ctx context.Context, def config.Upstream) error {
	client, err := r.newClient(def.Protocol, def.URL, def.Auth, def.Timeout.Std())
	if err != nil {
		return err
	}
	if err := client.Initialize(ctx); err != nil {
		return err
	}

	tools, err := client.ListTools(ctx)
	if err != nil {
		client.Close()
		return fmt.Errorf("failed to list tools for %s: %w", def.Name, err)
	}

	// Prompts and resources are optional MCP capabilities; a method-not-
	// found answer means "none", not "broken".
	prompts, err := client.ListPrompts(ctx)
	if err != nil {
		if !upstream.IsMethodNotFound(err) {
			client.Close()
			return fmt.Errorf("failed to list prompts for %s: %w", def.Name, err)
		}
		prompts = nil
	}
	resources, err := client.ListResources(ctx)
	if err != nil {
		if !upstream.IsMethodNotFound(err) {
			client.Close()
			return fmt.Errorf("failed to list resources for %s: %w", def.Name, err)
		}
		resources = nil
	}

	r.mu.Lock()
	if old, ok := r.sessions[def.Name]; ok {
		// Replacing an existing session; close the old one outside the
		// lock.
		defer old.client.Close()
	}
	r.sessions[def.Name] = &session{client: client, def: def, createdAt: r.now()}
	r.catalogs[def.Name] = Catalog{Tools: tools, Prompts: prompts, Resources: resources}
	r.mu.Unlock()

	logging.Debug("Registry", "Upstream %s: %d tools, %d prompts, %d resources (session %s)",
		def.Name, len(tools), len(prompts), len(resources), client.SessionID())
	return nil
}

// loadFailed records the breaker failure and escalates to auto-disable
// when failure cycles are exhausted.
func (r *Registry) loadFailed(ctx context.Context, name string, cause error) {
	logging.Error("Registry", cause, "Failed to load upstream %s", name)
	r.breaker.RecordFailure(name)

	if r.breaker.ShouldAutoDisable(name) {
		reason := fmt.Sprintf("circuit breaker exhausted %d failure cycles", r.breaker.FailureCycles(name))
		if err := r.store.SetAdminStatus(ctx, name, config.AdminAutoDisabled, reason); err != nil {
			logging.Error("Registry", err, "Failed to auto-disable upstream %s", name)
		}
		r.publisher.Publish(events.New(events.TypeMCPAutoDisabled, map[string]interface{}{
			"mcp_name": name,
			"reason":   reason,
			"severity": string(events.SeverityCritical),
		}))
		r.setHealth(name, HealthDisabled)
		return
	}

	r.setHealth(name, HealthUnhealthy)
}

// Unload closes the session and drops the catalogs for one upstream.
// An in-flight call holding the old session drains against it; the
// client is closed after the pool no longer references it.
func (r *Registry) Unload(name string) {
	lock := r.upstreamLock(name)
	lock.Lock()
	defer lock.Unlock()

	r.dropSession(name, HealthDisconnected)
}

// dropSession removes the session and catalogs without taking the
// per-upstream lock; callers hold it already or accept the race.
func (r *Registry) dropSession(name string, status HealthStatus) {
	r.mu.Lock()
	sess, ok := r.sessions[name]
	delete(r.sessions, name)
	delete(r.catalogs, name)
	r.mu.Unlock()

	if ok {
		if err := sess.client.Close(); err != nil {
			logging.Warn("Registry", "Error closing session for %s: %v", name, err)
		}
		logging.Info("Registry", "Unloaded upstream %s", name)
	}
	if r.results != nil {
		r.results.InvalidateMCP(name)
	}
	r.setHealth(name, status)
}

// CheckHealth probes one loaded upstream with a lightweight tools/list
// and returns the observed latency. A failed probe drops the session
// and feeds the breaker; the coordinator places the upstream on its
// recovery list.
func (r *Registry) CheckHealth(ctx context.Context, name string) (time.Duration, error) {
	lock := r.upstreamLock(name)
	lock.Lock()
	defer lock.Unlock()

	r.mu.RLock()
	sess, ok := r.sessions[name]
	r.mu.RUnlock()
	if !ok {
		return 0, &NotLoadedError{Upstream: name}
	}

	start := r.now()
	_, err := sess.client.ListTools(ctx)
	latency := r.now().Sub(start)

	r.mu.Lock()
	r.lastCheck[name] = r.now()
	r.mu.Unlock()

	if err != nil {
		r.dropSession(name, HealthUnhealthy)
		r.loadFailed(ctx, name, fmt.Errorf("health check failed: %w", err))
		return latency, err
	}

	r.breaker.RecordSuccess(name)
	r.setHealth(name, HealthHealthy)
	return latency, nil
}

// CallTool routes one tool invocation to the upstream session. The
// breaker is consulted first and fed afterwards; protocol-correct
// errors (bad params, unknown method) do not count against
// availability.
func (r *Registry) CallTool(ctx context.Context, name, tool string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	if r.breaker.IsOpen(name) {
		return nil, &UnavailableError{
			Upstream:     name,
			CircuitState: r.breaker.State(name).String(),
			RetryAfter:   r.breaker.RetryAfter(name),
		}
	}

	sess := r.session(name)
	if sess == nil {
		return nil, &NotLoadedError{Upstream: name}
	}

	var cacheKey string
	if r.results != nil {
		cacheKey = toolcache.Key(name, tool, args)
		if cached, ok := r.results.Get(cacheKey); ok {
			return cached, nil
		}
	}

	result, err := sess.client.CallTool(ctx, tool, args)
	if err != nil {
		if countsAsFailure(err) {
			r.breaker.RecordFailure(name)
		}
		return nil, err
	}

	r.breaker.RecordSuccess(name)
	if r.results != nil && !result.IsError {
		r.results.Set(cacheKey, name, tool, result)
	}
	return result, nil
}

// GetPrompt routes one prompt fetch to the upstream session.
func (r *Registry) GetPrompt(ctx context.Context, name, prompt string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	if r.breaker.IsOpen(name) {
		return nil, &UnavailableError{
			Upstream:     name,
			CircuitState: r.breaker.State(name).String(),
			RetryAfter:   r.breaker.RetryAfter(name),
		}
	}
	sess := r.session(name)
	if sess == nil {
		return nil, &NotLoadedError{Upstream: name}
	}
	result, err := sess.client.GetPrompt(ctx, prompt, args)
	if err != nil {
		if countsAsFailure(err) {
			r.breaker.RecordFailure(name)
		}
		return nil, err
	}
	r.breaker.RecordSuccess(name)
	return result, nil
}

// ReadResource routes one resource read to the upstream session.
func (r *Registry) ReadResource(ctx context.Context, name, uri string) (*mcp.ReadResourceResult, error) {
	if r.breaker.IsOpen(name) {
		return nil, &UnavailableError{
			Upstream:     name,
			CircuitState: r.breaker.State(name).String(),
			RetryAfter:   r.breaker.RetryAfter(name),
		}
	}
	sess := r.session(name)
	if sess == nil {
		return nil, &NotLoadedError{Upstream: name}
	}
	result, err := sess.client.ReadResource(ctx, uri)
	if err != nil {
		if countsAsFailure(err) {
			r.breaker.RecordFailure(name)
		}
		return nil, err
	}
	r.breaker.RecordSuccess(name)
	return result, nil
}

// countsAsFailure decides whether an upstream call error feeds the
// breaker. Transport and connection errors always do; JSON-RPC errors
// only for internal (-32603) and server (-32000) codes.
func countsAsFailure(err error) bool {
	if me, ok := upstream.AsMCPError(err); ok {
		return me.Code == upstream.CodeInternalError || me.Code == upstream.CodeServerError
	}
	return true
}

func (r *Registry) session(name string) *session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[name]
}

// LoadedNames returns the names of every upstream currently holding a
// session, sorted.
func (r *Registry) LoadedNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadedDefs returns a copy of the definitions behind the current
// session pool, keyed by name.
func (r *Registry) LoadedDefs() map[string]config.Upstream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]config.Upstream, len(r.sessions))
	for name, sess := range r.sessions {
		out[name] = sess.def
	}
	return out
}

// CreatedAt returns when the upstream's session was opened.
func (r *Registry) CreatedAt(name string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[name]
	if !ok {
		return time.Time{}, false
	}
	return sess.createdAt, true
}

// SessionID returns the protocol-level session identifier, or "".
func (r *Registry) SessionID(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[name]
	if !ok {
		return ""
	}
	return sess.client.SessionID()
}

// Catalog returns the cached catalog snapshot for one upstream.
func (r *Registry) Catalog(name string) (Catalog, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.catalogs[name]
	return c, ok
}

// Health returns the last observed health status for the upstream.
func (r *Registry) Health(name string) HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.health[name]; ok {
		return h
	}
	return HealthUnknown
}

// Statuses returns a sorted snapshot of every known upstream's state.
func (r *Registry) Statuses() []StatusSnapshot {
	r.mu.RLock()
	names := make([]string, 0, len(r.health))
	for name := range r.health {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)

	out := make([]StatusSnapshot, 0, len(names))
	for _, name := range names {
		r.mu.RLock()
		status := r.health[name]
		checked := r.lastCheck[name]
		r.mu.RUnlock()
		out = append(out, StatusSnapshot{
			Name:            name,
			HealthStatus:    status,
			CircuitState:    r.breaker.State(name).String(),
			LastHealthCheck: checked,
		})
	}
	return out
}

// Shutdown closes every session.
func (r *Registry) Shutdown() {
	for _, name := range r.LoadedNames() {
		r.Unload(name)
	}
}

// setHealth records the status and emits mcp_status_change when it
// moved.
func (r *Registry) setHealth(name string, status HealthStatus) {
	r.mu.Lock()
	old, ok := r.health[name]
	if !ok {
		old = HealthUnknown
	}
	if old == status {
		r.mu.Unlock()
		return
	}
	r.health[name] = status
	r.mu.Unlock()

	logging.Info("Registry", "Upstream %s health: %s -> %s", name, old, status)
	r.publisher.Publish(events.New(events.TypeMCPStatusChange, map[string]interface{}{
		"mcp_name":   name,
		"old_status": string(old),
		"new_status": string(status),
		"severity":   string(statusSeverity(status)),
	}))
}

func statusSeverity(status HealthStatus) events.Severity {
	switch status {
	case HealthUnhealthy, HealthCircuitOpen, HealthDisconnected:
		return events.SeverityHigh
	case HealthDisabled:
		return events.SeverityCritical
	default:
		return events.SeverityInfo
	}
}

// SetClientFactory overrides how upstream clients are constructed.
// Intended for tests.
func (r *Registry) SetClientFactory(f ClientFactory) { r.newClient = f }

// SetNow overrides the clock. Intended for tests.
func (r *Registry) SetNow(now func() time.Time) { r.now = now }

package registry

import (
	"context"
	"sync"
	"time"

	"mcpgate/internal/config"
	"mcpgate/pkg/logging"
)

// CoordinatorConfig carries the loop cadences and the session renewal
// policy.
type CoordinatorConfig struct {
	ReloadPeriod      time.Duration
	HealthCheckPeriod time.Duration
	MaxConnectionAge  time.Duration
}

// Coordinator converges the registry's session pool on the store's
// active upstream set and keeps every session healthy.
type Coordinator struct {
	registry *Registry
	store    config.Store
	cfg      CoordinatorConfig

	mu       sync.Mutex
	lastScan time.Time
	// recovery holds upstreams dropped by the health loop, awaiting a
	// reload attempt once their circuit permits.
	recovery map[string]config.Upstream

	now func() time.Time
}

// NewCoordinator wires a coordinator over the registry and store.
func NewCoordinator(reg *Registry, store config.Store, cfg CoordinatorConfig) *Coordinator {
	if cfg.ReloadPeriod <= 0 {
		cfg.ReloadPeriod = 30 * time.Second
	}
	if cfg.HealthCheckPeriod <= 0 {
		cfg.HealthCheckPeriod = 30 * time.Second
	}
	if cfg.MaxConnectionAge <= 0 {
		cfg.MaxConnectionAge = 600 * time.Second
	}
	return &Coordinator{
		registry: reg,
		store:    store,
		cfg:      cfg,
		recovery: make(map[string]config.Upstream),
		now:      time.Now,
	}
}

// Run drives the reload and health loops until the context is
// cancelled. Store change notifications wake the reload loop early.
func (c *Coordinator) Run(ctx context.Context) error {
	logging.Info("Coordinator", "Starting (reload=%s health=%s max_age=%s)",
		c.cfg.ReloadPeriod, c.cfg.HealthCheckPeriod, c.cfg.MaxConnectionAge)

	c.ReloadOnce(ctx)

	reload := time.NewTicker(c.cfg.ReloadPeriod)
	defer reload.Stop()
	health := time.NewTicker(c.cfg.HealthCheckPeriod)
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Info("Coordinator", "Shutting down, closing all sessions")
			c.registry.Shutdown()
			return ctx.Err()
		case <-c.store.Changes():
			logging.Info("Coordinator", "Store change detected, reloading")
			c.ReloadOnce(ctx)
		case <-reload.C:
			c.ReloadOnce(ctx)
		case <-health.C:
			c.HealthCheckOnce(ctx)
		}
	}
}

// ReloadOnce performs one convergence pass: unload removed upstreams,
// load new ones, rebuild changed ones, and renew sessions older than
// MaxConnectionAge.
func (c *Coordinator) ReloadOnce(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	active, err := c.store.ActiveUpstreams(ctx)
	if err != nil {
		logging.Error("Coordinator", err, "Failed to read active upstreams, keeping current pool")
		return
	}

	desired := make(map[string]config.Upstream, len(active))
	for _, def := range active {
		desired[def.Name] = def
	}
	loaded := c.registry.LoadedDefs()

	for name := range loaded {
		if _, ok := desired[name]; !ok {
			logging.Info("Coordinator", "Upstream %s removed from active set", name)
			c.registry.Unload(name)
			delete(c.recovery, name)
		}
	}
	// A deactivated upstream must also leave the recovery list.
	for name := range c.recovery {
		if _, ok := desired[name]; !ok {
			delete(c.recovery, name)
		}
	}

	for name, def := range desired {
		old, isLoaded := loaded[name]

		switch {
		case !isLoaded:
			if _, recovering := c.recovery[name]; recovering {
				// The health loop owns this one until it recovers.
				continue
			}
			if err := c.registry.Load(ctx, def); err != nil {
				c.recovery[name] = def
			}
		case def.UpdatedAt.After(c.lastScan) && !c.lastScan.IsZero(),
			def.ConnSignature() != old.ConnSignature():
			logging.Info("Coordinator", "Upstream %s definition changed, rebuilding session", name)
			c.registry.Unload(name)
			if err := c.registry.Load(ctx, def); err != nil {
				c.recovery[name] = def
			}
		default:
			if createdAt, ok := c.registry.CreatedAt(name); ok &&
				c.now().Sub(createdAt) > c.cfg.MaxConnectionAge {
				logging.Info("Coordinator", "Upstream %s session exceeded max age, renewing", name)
				c.registry.Unload(name)
				if err := c.registry.Load(ctx, def); err != nil {
					c.recovery[name] = def
				}
			}
		}
	}

	c.lastScan = c.now()
}

// HealthCheckOnce probes every loaded upstream and retries everything
// on the recovery list whose circuit admits an attempt.
func (c *Coordinator) HealthCheckOnce(ctx context.Context) {
	for _, name := range c.registry.LoadedNames() {
		latency, err := c.registry.CheckHealth(ctx, name)
		if err != nil {
			logging.Warn("Coordinator", "Health check failed for %s after %s: %v", name, latency, err)
			c.mu.Lock()
			if def, ok := c.registry.LoadedDefs()[name]; ok {
				c.recovery[name] = def
			} else if def, ok := c.lookupDef(ctx, name); ok {
				c.recovery[name] = def
			}
			c.mu.Unlock()
			continue
		}
		logging.Debug("Coordinator", "Health check for %s: %s", name, latency)
	}

	c.mu.Lock()
	pending := make(map[string]config.Upstream, len(c.recovery))
	for name, def := range c.recovery {
		pending[name] = def
	}
	c.mu.Unlock()

	for name, def := range pending {
		// Load consults the breaker itself; an Open circuit makes the
		// attempt a no-op rather than a wasted dial.
		logging.Info("Coordinator", "Attempting recovery of %s", name)
		if err := c.registry.Load(ctx, def); err != nil {
			continue
		}
		c.mu.Lock()
		delete(c.recovery, name)
		c.mu.Unlock()
	}
}

// lookupDef fetches one definition from the store; used when the
// session was already dropped before the coordinator could capture it.
func (c *Coordinator) lookupDef(ctx context.Context, name string) (config.Upstream, bool) {
	active, err := c.store.ActiveUpstreams(ctx)
	if err != nil {
		return config.Upstream{}, false
	}
	for _, def := range active {
		if def.Name == name {
			return def, true
		}
	}
	return config.Upstream{}, false
}

// RecoveryList returns the names currently awaiting recovery, for
// inspection.
func (c *Coordinator) RecoveryList() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.recovery))
	for name := range c.recovery {
		names = append(names, name)
	}
	return names
}

// SetNow overrides the clock. Intended for tests.
func (c *Coordinator) SetNow(now func() time.Time) { c.now = now }

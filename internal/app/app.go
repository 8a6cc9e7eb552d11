package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"mcpgate/internal/authsvc"
	"mcpgate/internal/breaker"
	"mcpgate/internal/config"
	"mcpgate/internal/events"
	"mcpgate/internal/gateway"
	"mcpgate/internal/registry"
	"mcpgate/internal/toolcache"
	"mcpgate/pkg/logging"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// authTimeout bounds a single call to the external token validator.
const authTimeout = 10 * time.Second

// heartbeatInterval is the WebSocket ping cadence.
const heartbeatInterval = 30 * time.Second

// Application owns every long-lived component of the gateway and wires
// them together:
//
//   - the file store feeding upstream and role definitions
//   - the upstream registry and its coordinator loop
//   - the JSON-RPC dispatcher with its session cache
//   - the WebSocket broadcaster and the Redis listeners
//
// Construction only wires; nothing dials until Run.
type Application struct {
	cfg         *config.Config
	store       *config.FileStore
	redis       *redis.Client
	registry    *registry.Registry
	coordinator *registry.Coordinator
	sessions    *gateway.SessionCache
	results     *toolcache.Cache
	broadcaster *events.Broadcaster
	listeners   []*events.Listener
	listenerReg *events.ListenerRegistry
	router      chi.Router
	server      *http.Server
}

// NewApplication bootstraps the gateway from configuration. It fails
// only on local problems (unreadable store directory); unreachable
// Redis or upstreams surface later through health reporting.
func NewApplication(cfg *config.Config) (*Application, error) {
	level := logging.LevelInfo
	if cfg.Debug {
		level = logging.LevelDebug
	}
	logging.Init(level, os.Stdout)

	store, err := config.NewFileStore(cfg.StoreDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open config store: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})

	a := &Application{cfg: cfg, store: store, redis: rdb}

	a.broadcaster = events.NewBroadcaster(cfg.WSAllowedRoles, a.statuses)
	fanout := events.Fanout{a.broadcaster, events.NewRedisPublisher(rdb)}

	brk := breaker.New(breaker.DefaultConfig(), func(key string, from, to breaker.State, snap breaker.Snapshot) {
		severity := events.SeverityInfo
		if to == breaker.StateOpen {
			severity = events.SeverityHigh
		}
		fanout.Publish(events.New(events.TypeCircuitBreakerState, map[string]interface{}{
			"mcp_name":       key,
			"old_state":      from.String(),
			"state":          to.String(),
			"failure_cycles": snap.FailureCycles,
			"severity":       string(severity),
		}))
	})

	if cfg.ToolCacheSize > 0 {
		a.results = toolcache.New(cfg.ToolCacheSize, cfg.ToolCacheTTL)
	}

	a.registry = registry.New(store, brk, fanout, a.results)
	a.coordinator = registry.NewCoordinator(a.registry, store, registry.CoordinatorConfig{
		ReloadPeriod:      cfg.ReloadPeriod,
		HealthCheckPeriod: cfg.HealthCheckPeriod,
		MaxConnectionAge:  cfg.MaxConnectionAge,
	})

	a.sessions = gateway.NewSessionCache(cfg.TokenCacheTTL)
	validator := authsvc.NewClient(cfg.AuthServiceURL, authTimeout)
	dispatcher := gateway.NewDispatcher(
		a.registry,
		a.sessions,
		validator,
		store,
		gateway.NewRedisBlockStore(rdb),
		events.NewFlowRecorder(rdb, cfg.FlowStreamTTL),
	)

	bus := events.NewBus(a.sessions, a.broadcaster, nil, fanout)
	a.listenerReg = events.NewListenerRegistry()
	a.listeners = []*events.Listener{
		events.NewListener(rdb, "user-blocked-listener", events.ChannelUserBlocked,
			bus.HandleUserBlocked, a.listenerReg, fanout, cfg.ListenerBackoffInitial, cfg.ListenerBackoffMax),
		events.NewListener(rdb, "guard-config-listener", events.ChannelGuardConfigReload,
			bus.HandleGuardConfigReload, a.listenerReg, fanout, cfg.ListenerBackoffInitial, cfg.ListenerBackoffMax),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	dispatcher.Routes(r)
	r.Get("/ws", a.broadcaster.HandleWS)
	a.router = r
	a.server = &http.Server{Addr: cfg.ListenAddr, Handler: r}

	return a, nil
}

// statuses adapts the registry view into the broadcaster's
// initial_status shape.
func (a *Application) statuses() []events.MCPStatus {
	if a.registry == nil {
		return nil
	}
	snaps := a.registry.Statuses()
	out := make([]events.MCPStatus, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, events.MCPStatus{
			Name:            s.Name,
			HealthStatus:    string(s.HealthStatus),
			CircuitState:    s.CircuitState,
			LastHealthCheck: s.LastHealthCheck,
		})
	}
	return out
}

// Router exposes the HTTP handler, mainly for tests.
func (a *Application) Router() http.Handler { return a.router }

// Run starts every component and blocks until the context is cancelled
// or the HTTP server fails. Shutdown order: stop accepting HTTP, then
// let the coordinator close upstream sessions.
func (a *Application) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ignoreCancel(a.coordinator.Run(ctx))
	})
	g.Go(func() error {
		return ignoreCancel(a.broadcaster.Run(ctx, heartbeatInterval))
	})
	for _, l := range a.listeners {
		l := l
		g.Go(func() error {
			return ignoreCancel(l.Run(ctx))
		})
	}
	g.Go(func() error {
		a.sessions.StartSweeper(ctx, a.cfg.TokenCacheTTL)
		return nil
	})
	if a.results != nil {
		g.Go(func() error {
			a.results.StartSweeper(ctx, time.Minute)
			return nil
		})
	}

	g.Go(func() error {
		logging.Info("App", "Gateway listening on %s", a.cfg.ListenAddr)
		err := a.server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	err := g.Wait()

	a.store.Close()
	if cerr := a.redis.Close(); cerr != nil {
		logging.Warn("App", "Failed to close Redis client: %v", cerr)
	}
	return err
}

// ignoreCancel maps context cancellation to a clean exit so an ordinary
// shutdown does not surface as an error from errgroup.
func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

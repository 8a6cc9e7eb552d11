package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the process configuration, read from the environment at
// startup.
type Config struct {
	// ListenAddr is the address the gateway HTTP server binds to.
	ListenAddr string

	// StoreDir is the directory holding upstreams.yaml and roles.yaml.
	StoreDir string

	// RedisAddr is the address of the Redis used for pub/sub, flow
	// streams, and the user-block store.
	RedisAddr string

	// RedisPassword is optional.
	RedisPassword string

	// AuthServiceURL is the base URL of the external token validation
	// service.
	AuthServiceURL string

	// TokenCacheTTL bounds how long a validated token is trusted
	// without re-validation.
	TokenCacheTTL time.Duration

	// MaxConnectionAge forces renewal of upstream sessions older than
	// this, sidestepping upstream-side session expiry.
	MaxConnectionAge time.Duration

	// ReloadPeriod is the cadence of the coordinator's config scan.
	ReloadPeriod time.Duration

	// HealthCheckPeriod is the cadence of the upstream health loop.
	HealthCheckPeriod time.Duration

	// ListenerBackoffInitial / ListenerBackoffMax bound the resilient
	// listener's reconnect backoff.
	ListenerBackoffInitial time.Duration
	ListenerBackoffMax     time.Duration

	// WSAllowedRoles is the role allowlist for WebSocket connections.
	WSAllowedRoles []string

	// ToolCacheSize and ToolCacheTTL configure the optional tool
	// result cache; a size of 0 disables it.
	ToolCacheSize int
	ToolCacheTTL  time.Duration

	// FlowStreamTTL caps the retention of per-session flow streams.
	FlowStreamTTL time.Duration

	// Debug enables debug logging.
	Debug bool
}

// FromEnv builds the configuration from environment variables,
// applying defaults for everything optional. It fails only on values
// that are present but unparseable.
func FromEnv() (*Config, error) {
	cfg := &Config{
		ListenAddr:             envString("MCPGATE_LISTEN_ADDR", ":8080"),
		StoreDir:               envString("MCPGATE_STORE_DIR", "/etc/mcpgate"),
		RedisAddr:              envString("MCPGATE_REDIS_ADDR", "localhost:6379"),
		RedisPassword:          envString("MCPGATE_REDIS_PASSWORD", ""),
		AuthServiceURL:         envString("MCPGATE_AUTH_SERVICE_URL", "http://localhost:8081"),
		WSAllowedRoles:         envStringList("MCPGATE_WS_ALLOWED_ROLES", []string{"admin", "operator"}),
		Debug:                  envBool("MCPGATE_DEBUG", false),
		ToolCacheSize:          0,
		TokenCacheTTL:          60 * time.Second,
		MaxConnectionAge:       600 * time.Second,
		ReloadPeriod:           30 * time.Second,
		HealthCheckPeriod:      30 * time.Second,
		ListenerBackoffInitial: time.Second,
		ListenerBackoffMax:     60 * time.Second,
		ToolCacheTTL:           5 * time.Minute,
		FlowStreamTTL:          24 * time.Hour,
	}

	var err error
	if cfg.TokenCacheTTL, err = envDuration("MCPGATE_TOKEN_CACHE_TTL", cfg.TokenCacheTTL); err != nil {
		return nil, err
	}
	if cfg.MaxConnectionAge, err = envDuration("MCPGATE_MAX_CONNECTION_AGE", cfg.MaxConnectionAge); err != nil {
		return nil, err
	}
	if cfg.ReloadPeriod, err = envDuration("MCPGATE_RELOAD_PERIOD", cfg.ReloadPeriod); err != nil {
		return nil, err
	}
	if cfg.HealthCheckPeriod, err = envDuration("MCPGATE_HEALTH_CHECK_PERIOD", cfg.HealthCheckPeriod); err != nil {
		return nil, err
	}
	if cfg.ListenerBackoffInitial, err = envDuration("MCPGATE_LISTENER_BACKOFF_INITIAL", cfg.ListenerBackoffInitial); err != nil {
		return nil, err
	}
	if cfg.ListenerBackoffMax, err = envDuration("MCPGATE_LISTENER_BACKOFF_MAX", cfg.ListenerBackoffMax); err != nil {
		return nil, err
	}
	if cfg.ToolCacheTTL, err = envDuration("MCPGATE_TOOL_CACHE_TTL", cfg.ToolCacheTTL); err != nil {
		return nil, err
	}
	if cfg.FlowStreamTTL, err = envDuration("MCPGATE_FLOW_STREAM_TTL", cfg.FlowStreamTTL); err != nil {
		return nil, err
	}
	if cfg.ToolCacheSize, err = envInt("MCPGATE_TOOL_CACHE_SIZE", cfg.ToolCacheSize); err != nil {
		return nil, err
	}

	return cfg, nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envStringList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return parsed, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		// Accept bare seconds for operator convenience.
		if secs, convErr := strconv.Atoi(v); convErr == nil {
			return time.Duration(secs) * time.Second, nil
		}
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return parsed, nil
}

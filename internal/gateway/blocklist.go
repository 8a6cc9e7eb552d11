package gateway

import (
	"context"
	"fmt"

	"mcpgate/pkg/logging"

	"github.com/redis/go-redis/v9"
)

// BlockChecker answers whether a user is currently blocked for a
// service. The block store is external; the gateway only reads it.
type BlockChecker interface {
	IsBlocked(ctx context.Context, userID, service string) (bool, error)
}

// RedisBlockStore reads block state from the shared Redis: the set
// blocked_services:<user_id> holds the service tags the user is
// blocked for.
type RedisBlockStore struct {
	client *redis.Client
}

// NewRedisBlockStore wraps a Redis client.
func NewRedisBlockStore(client *redis.Client) *RedisBlockStore {
	return &RedisBlockStore{client: client}
}

// IsBlocked reports whether the user's block set contains the service.
// A Redis failure is surfaced to the caller, which fails open with a
// warning rather than denying all traffic during a Redis outage.
func (s *RedisBlockStore) IsBlocked(ctx context.Context, userID, service string) (bool, error) {
	blocked, err := s.client.SIsMember(ctx, blockKey(userID), service).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check block state for %s: %w", userID, err)
	}
	return blocked, nil
}

func blockKey(userID string) string { return "blocked_services:" + userID }

// NopBlockChecker never blocks; used when no Redis is configured.
type NopBlockChecker struct{}

// IsBlocked implements BlockChecker.
func (NopBlockChecker) IsBlocked(context.Context, string, string) (bool, error) { return false, nil }

// logBlockCheckFailure records a failed block lookup once per request.
func logBlockCheckFailure(userID string, err error) {
	logging.Warn("Gateway", "Block check failed for user %s, allowing request: %v", userID, err)
}

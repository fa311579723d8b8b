// Package health provides readiness checks for the stores the redemption
// path depends on.
package health

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Checker is implemented by every dependency probed by /ready.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// RedisChecker reports whether the permit and rate limit store answers.
type RedisChecker struct {
	client *redis.Client
}

// NewRedisChecker creates a new Redis health checker.
func NewRedisChecker(client *redis.Client) *RedisChecker {
	return &RedisChecker{client: client}
}

// HealthCheck sends PING.
func (r *RedisChecker) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

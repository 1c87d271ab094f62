// Package assign provides the shared round-robin counter used to break
// ties between equally loaded reviewers across processes.
package assign

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/wamiri/docproc/internal/domain"
)

const counterKey = "review:assign:rr"

// RedisTieBreaker implements domain.TieBreaker on a shared Redis counter.
type RedisTieBreaker struct {
	client *redis.Client
}

// New constructs a tie breaker on the given Redis address.
func New(addr string) *RedisTieBreaker {
	return &RedisTieBreaker{client: redis.NewClient(&redis.Options{Addr: addr})}
}

// NewWithClient wraps an existing client, used by tests.
func NewWithClient(client *redis.Client) *RedisTieBreaker {
	return &RedisTieBreaker{client: client}
}

// Next atomically increments and returns the shared counter.
func (t *RedisTieBreaker) Next(ctx domain.Context) (int64, error) {
	n, err := t.client.Incr(ctx, counterKey).Result()
	if err != nil {
		return 0, fmt.Errorf("op=assign.Next: %w", err)
	}
	return n, nil
}

// Ping probes the underlying connection, used by readiness checks.
func (t *RedisTieBreaker) Ping(ctx domain.Context) error {
	return t.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (t *RedisTieBreaker) Close() error { return t.client.Close() }

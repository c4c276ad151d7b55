package circuitbreaker

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisWrapper guards a Redis client with a breaker. The surface is the
// byte-blob subset the embedding cache needs; a cache miss (redis.Nil) is
// not a failure and never trips the breaker.
type RedisWrapper struct {
	client *redis.Client
	cb     *Breaker
}

// NewRedisWrapper wraps the client.
func NewRedisWrapper(client *redis.Client, logger *zap.Logger) *RedisWrapper {
	return &RedisWrapper{
		client: client,
		cb:     New("redis", DefaultConfig(), logger),
	}
}

// Ping checks connectivity.
func (rw *RedisWrapper) Ping(ctx context.Context) error {
	return rw.cb.Execute(ctx, func() error {
		return rw.client.Ping(ctx).Err()
	})
}

// GetBytes fetches a key. A missing key returns (nil, nil).
func (rw *RedisWrapper) GetBytes(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := rw.cb.Execute(ctx, func() error {
		b, err := rw.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		out = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetBytes stores a value with a TTL.
func (rw *RedisWrapper) SetBytes(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return rw.cb.Execute(ctx, func() error {
		return rw.client.Set(ctx, key, value, ttl).Err()
	})
}

// Open reports whether the breaker currently rejects calls.
func (rw *RedisWrapper) Open() bool { return rw.cb.State() == StateOpen }

// Close closes the underlying client.
func (rw *RedisWrapper) Close() error { return rw.client.Close() }

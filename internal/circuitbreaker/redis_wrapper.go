package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisService = "session-store"

// RedisWrapper wraps Redis client with circuit breaker
type RedisWrapper struct {
	client *redis.Client
	cb     *CircuitBreaker
	logger *zap.Logger
}

// NewRedisWrapper creates a Redis wrapper with circuit breaker
func NewRedisWrapper(client *redis.Client, logger *zap.Logger) *RedisWrapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	config := GetRedisConfig().ToConfig()
	// A missing key is an answer, not an outage
	config.IsSuccessful = func(err error) bool { return errors.Is(err, redis.Nil) }
	cb := NewCircuitBreaker("redis", config, logger).Instrument(redisService)

	return &RedisWrapper{
		client: client,
		cb:     cb,
		logger: logger,
	}
}

func (rw *RedisWrapper) run(ctx context.Context, fn func() error) error {
	return rw.cb.Execute(ctx, fn)
}

// Ping wraps Redis Ping with circuit breaker
func (rw *RedisWrapper) Ping(ctx context.Context) error {
	return rw.run(ctx, func() error {
		return rw.client.Ping(ctx).Err()
	})
}

// Get returns the value stored at key; redis.Nil when the key is absent
func (rw *RedisWrapper) Get(ctx context.Context, key string) ([]byte, error) {
	var val []byte
	err := rw.run(ctx, func() error {
		var err error
		val, err = rw.client.Get(ctx, key).Bytes()
		return err
	})
	return val, err
}

// Set wraps Redis Set with circuit breaker
func (rw *RedisWrapper) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return rw.run(ctx, func() error {
		return rw.client.Set(ctx, key, value, expiration).Err()
	})
}

// Del wraps Redis Del with circuit breaker and returns the number of removed keys
func (rw *RedisWrapper) Del(ctx context.Context, keys ...string) (int64, error) {
	var n int64
	err := rw.run(ctx, func() error {
		var err error
		n, err = rw.client.Del(ctx, keys...).Result()
		return err
	})
	return n, err
}

// SMembers wraps Redis SMembers with circuit breaker
func (rw *RedisWrapper) SMembers(ctx context.Context, key string) ([]string, error) {
	var members []string
	err := rw.run(ctx, func() error {
		var err error
		members, err = rw.client.SMembers(ctx, key).Result()
		return err
	})
	return members, err
}

// MGet wraps Redis MGet with circuit breaker. Missing keys come back as nil entries.
func (rw *RedisWrapper) MGet(ctx context.Context, keys ...string) ([]interface{}, error) {
	var vals []interface{}
	err := rw.run(ctx, func() error {
		var err error
		vals, err = rw.client.MGet(ctx, keys...).Result()
		return err
	})
	return vals, err
}

// TxPipelined runs fn inside MULTI/EXEC through the breaker
func (rw *RedisWrapper) TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) error {
	return rw.run(ctx, func() error {
		_, err := rw.client.TxPipelined(ctx, fn)
		return err
	})
}

// Close wraps Redis Close
func (rw *RedisWrapper) Close() error {
	return rw.client.Close()
}

// GetClient returns the underlying Redis client for operations not covered by wrapper
func (rw *RedisWrapper) GetClient() *redis.Client {
	return rw.client
}

// IsCircuitBreakerOpen returns true if the circuit breaker is open
func (rw *RedisWrapper) IsCircuitBreakerOpen() bool {
	return rw.cb.Open()
}

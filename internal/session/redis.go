package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/deepdive-labs/deepdive/internal/circuitbreaker"
)

// RedisOptions configures the Redis connection used by RedisBackend
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// TTL is set on every session key; zero keeps keys until the sweep removes them
	TTL time.Duration
}

// RedisBackend stores sessions as JSON documents in Redis with a set index
// of known ids
type RedisBackend struct {
	client *circuitbreaker.RedisWrapper
	logger *zap.Logger
	prefix string
	ttl    time.Duration
}

// NewRedisBackend connects to Redis and verifies the connection
func NewRedisBackend(opts RedisOptions, logger *zap.Logger) (*RedisBackend, error) {
	redisClient := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	b := NewRedisBackendFromClient(redisClient, opts.KeyPrefix, opts.TTL, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := b.Ping(ctx); err != nil {
		_ = redisClient.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return b, nil
}

// NewRedisBackendFromClient wraps an existing client
func NewRedisBackendFromClient(client *redis.Client, prefix string, ttl time.Duration, logger *zap.Logger) *RedisBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "research:"
	}
	return &RedisBackend{
		client: circuitbreaker.NewRedisWrapper(client, logger),
		logger: logger,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (b *RedisBackend) sessionKey(id string) string {
	return fmt.Sprintf("%ssession:%s", b.prefix, id)
}

func (b *RedisBackend) indexKey() string {
	return b.prefix + "sessions"
}

// Save writes the session document and indexes its id
func (b *RedisBackend) Save(ctx context.Context, s *ResearchSession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	return b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, b.sessionKey(s.ID), data, b.ttl)
		p.SAdd(ctx, b.indexKey(), s.ID)
		return nil
	})
}

// Load reads one session
func (b *RedisBackend) Load(ctx context.Context, id string) (*ResearchSession, error) {
	data, err := b.client.Get(ctx, b.sessionKey(id))
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var s ResearchSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	return &s, nil
}

// Delete removes the document and its index entry
func (b *RedisBackend) Delete(ctx context.Context, id string) error {
	return b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, b.sessionKey(id))
		p.SRem(ctx, b.indexKey(), id)
		return nil
	})
}

// LoadAll reads every indexed session. Index entries whose document has
// expired are skipped.
func (b *RedisBackend) LoadAll(ctx context.Context) ([]*ResearchSession, error) {
	ids, err := b.client.SMembers(ctx, b.indexKey())
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = b.sessionKey(id)
	}
	vals, err := b.client.MGet(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}

	out := make([]*ResearchSession, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var s ResearchSession
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			b.logger.Warn("Skipping unreadable session", zap.String("session_id", ids[i]), zap.Error(err))
			continue
		}
		out = append(out, &s)
	}
	return out, nil
}

// Ping checks the Redis connection
func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx)
}

// Close closes the Redis client
func (b *RedisBackend) Close() error {
	return b.client.Close()
}

// BreakerOpen reports whether Redis calls are being short-circuited
func (b *RedisBackend) BreakerOpen() bool {
	return b.client.IsCircuitBreakerOpen()
}

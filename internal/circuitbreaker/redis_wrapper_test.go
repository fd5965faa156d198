package circuitbreaker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newMiniredisWrapper(t *testing.T) (*RedisWrapper, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisWrapper(client, zaptest.NewLogger(t)), s
}

func TestRedisWrapper_NormalOperations(t *testing.T) {
	wrapper, _ := newMiniredisWrapper(t)
	ctx := context.Background()

	require.NoError(t, wrapper.Ping(ctx))
	require.NoError(t, wrapper.Set(ctx, "test:key", "test:value", time.Minute))

	val, err := wrapper.Get(ctx, "test:key")
	require.NoError(t, err)
	assert.Equal(t, "test:value", string(val))

	_, err = wrapper.Get(ctx, "nonexistent:key")
	assert.ErrorIs(t, err, redis.Nil)
	assert.False(t, wrapper.IsCircuitBreakerOpen())

	err = wrapper.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, "test:index", "a", "b")
		p.Set(ctx, "test:a", "1", 0)
		return nil
	})
	require.NoError(t, err)

	members, err := wrapper.SMembers(ctx, "test:index")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, members)

	vals, err := wrapper.MGet(ctx, "test:a", "test:b")
	require.NoError(t, err)
	require.Len(t, vals, 2)
	assert.Equal(t, "1", vals[0])
	assert.Nil(t, vals[1])

	n, err := wrapper.Del(ctx, "test:key")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRedisWrapper_CircuitBreakerTriggering(t *testing.T) {
	wrapper, s := newMiniredisWrapper(t)
	ctx := context.Background()
	s.Close()

	for i := 0; i < 4; i++ {
		assert.Error(t, wrapper.Ping(ctx))
	}
	assert.True(t, wrapper.IsCircuitBreakerOpen())

	_, err := wrapper.Get(ctx, "any:key")
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
}

func TestRedisWrapper_RedisNilHandling(t *testing.T) {
	wrapper, _ := newMiniredisWrapper(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := wrapper.Get(ctx, "nonexistent:key")
		assert.ErrorIs(t, err, redis.Nil)
	}
	assert.False(t, wrapper.IsCircuitBreakerOpen())
}

package db

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisDB(t *testing.T) (*RedisDB, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisDBFromClient(client), mr
}

func TestRedisDBOperations(t *testing.T) {
	ctx := context.Background()

	t.Run("set and get round trip", func(t *testing.T) {
		rdb, _ := newTestRedisDB(t)

		require.NoError(t, rdb.Set(ctx, "k", "v", 0))
		val, err := rdb.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "v", val)
	})

	t.Run("get of a missing key", func(t *testing.T) {
		rdb, _ := newTestRedisDB(t)

		_, err := rdb.Get(ctx, "missing")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "key not found")
	})

	t.Run("ttl expires the key", func(t *testing.T) {
		rdb, mr := newTestRedisDB(t)

		require.NoError(t, rdb.Set(ctx, "k", "v", time.Minute))
		exists, err := rdb.Exists(ctx, "k")
		require.NoError(t, err)
		assert.True(t, exists)

		mr.FastForward(2 * time.Minute)
		exists, err = rdb.Exists(ctx, "k")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("del removes keys", func(t *testing.T) {
		rdb, _ := newTestRedisDB(t)

		require.NoError(t, rdb.Set(ctx, "a", "1", 0))
		require.NoError(t, rdb.Set(ctx, "b", "2", 0))
		require.NoError(t, rdb.Del(ctx, "a", "b"))

		exists, err := rdb.Exists(ctx, "a")
		require.NoError(t, err)
		assert.False(t, exists)
	})
}

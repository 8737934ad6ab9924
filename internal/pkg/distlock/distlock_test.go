package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestRedisLock_AcquireRelease(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "optimizer:123", time.Minute)
	b := NewRedisLock(client, "optimizer:123", time.Minute)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second holder contends on the same key and loses.
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Release(ctx))

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLock_ReleaseOnlyWhenOwned(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "optimizer:456", time.Minute)
	b := NewRedisLock(client, "optimizer:456", time.Minute)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// b never acquired; its release must not free a's lock.
	require.NoError(t, b.Release(ctx))

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "a must still hold the lock")
}

func TestRedisLock_Extend(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "optimizer:789", time.Minute)
	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	assert.NoError(t, a.Extend(ctx, 2*time.Minute))

	require.NoError(t, a.Release(ctx))
	assert.ErrorIs(t, a.Extend(ctx, time.Minute), ErrNotOwned)
}

func TestRedisLock_LockIsolationByKey(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "optimizer:a", time.Minute)
	b := NewRedisLock(client, "optimizer:b", time.Minute)

	// Different optimizers never contend: no cross-aggregate locking.
	for _, l := range []*RedisLock{a, b} {
		ok, err := l.Acquire(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

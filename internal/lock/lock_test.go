package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisLocker(t *testing.T, cfg RedisConfig) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client, cfg, nil), mr
}

func TestRedisLocker(t *testing.T) {
	ctx := context.Background()
	key := InvoiceKey("inv-1")

	t.Run("second holder waits until release", func(t *testing.T) {
		locker, mr := newRedisLocker(t, RedisConfig{TTL: time.Minute, RetryInterval: 5 * time.Millisecond, WaitTimeout: 50 * time.Millisecond})

		unlock, err := locker.Lock(ctx, key)
		require.NoError(t, err)
		assert.True(t, mr.Exists(key))

		_, err = locker.Lock(ctx, key)
		assert.ErrorIs(t, err, ErrNotAcquired)

		unlock()
		unlock()
		assert.False(t, mr.Exists(key))

		unlock2, err := locker.Lock(ctx, key)
		require.NoError(t, err)
		unlock2()
	})

	t.Run("expired holder cannot release the new holder's lock", func(t *testing.T) {
		locker, mr := newRedisLocker(t, RedisConfig{TTL: time.Second, RetryInterval: 5 * time.Millisecond, WaitTimeout: 50 * time.Millisecond})

		stale, err := locker.Lock(ctx, key)
		require.NoError(t, err)

		mr.FastForward(2 * time.Second)

		fresh, err := locker.Lock(ctx, key)
		require.NoError(t, err)

		stale()
		assert.True(t, mr.Exists(key), "stale release must not delete the fresh lock")

		fresh()
		assert.False(t, mr.Exists(key))
	})

	t.Run("sets a ttl on the key", func(t *testing.T) {
		locker, mr := newRedisLocker(t, RedisConfig{TTL: 30 * time.Second})

		unlock, err := locker.Lock(ctx, key)
		require.NoError(t, err)
		defer unlock()
		assert.Equal(t, 30*time.Second, mr.TTL(key))
	})

	t.Run("redis down is an error", func(t *testing.T) {
		locker, mr := newRedisLocker(t, RedisConfig{})
		mr.Close()

		_, err := locker.Lock(ctx, key)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrNotAcquired)
	})
}

func TestLocal(t *testing.T) {
	t.Run("serializes holders of the same key", func(t *testing.T) {
		l := NewLocal()
		var inside, maxInside atomic.Int32
		var wg sync.WaitGroup

		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				unlock, err := l.Lock(context.Background(), "k")
				require.NoError(t, err)
				n := inside.Add(1)
				for {
					m := maxInside.Load()
					if n <= m || maxInside.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				unlock()
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), maxInside.Load())
		assert.Equal(t, 0, l.size())
	})

	t.Run("different keys do not block", func(t *testing.T) {
		l := NewLocal()
		a, err := l.Lock(context.Background(), "a")
		require.NoError(t, err)
		defer a()

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		b, err := l.Lock(ctx, "b")
		require.NoError(t, err)
		b()
	})

	t.Run("context end abandons the wait", func(t *testing.T) {
		l := NewLocal()
		unlock, err := l.Lock(context.Background(), "k")
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err = l.Lock(ctx, "k")
		assert.ErrorIs(t, err, ErrNotAcquired)

		unlock()
		assert.Equal(t, 0, l.size())
	})
}

package keylock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func assertMutualExclusion(t *testing.T, locker Locker) {
	t.Helper()

	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
		total   atomic.Int32
		wg      sync.WaitGroup
	)

	const goroutines = 8
	const iterations = 20

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				unlock, err := locker.Lock(context.Background(), "tenant-1")
				if err != nil {
					t.Errorf("lock: %v", err)
					return
				}
				n := inside.Add(1)
				if n > maxSeen.Load() {
					maxSeen.Store(n)
				}
				total.Add(1)
				inside.Add(-1)
				unlock()
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, maxSeen.Load())
	require.EqualValues(t, goroutines*iterations, total.Load())
}

func TestMemoryMutualExclusion(t *testing.T) {
	locker := NewMemory()
	assertMutualExclusion(t, locker)
	require.Zero(t, locker.Len())
}

func TestMemoryContextCancel(t *testing.T) {
	locker := NewMemory()

	unlock, err := locker.Lock(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "k")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()
	require.Zero(t, locker.Len())
}

func TestMemoryIndependentKeys(t *testing.T) {
	locker := NewMemory()

	unlockA, err := locker.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := locker.Lock(ctx, "b")
	require.NoError(t, err)
	unlockB()
}

func newRedisLocker(t *testing.T, ttl time.Duration) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	locker, err := NewRedis(client, RedisConfig{TTL: ttl, PollInterval: time.Millisecond})
	require.NoError(t, err)
	return locker, mr
}

func TestRedisMutualExclusion(t *testing.T) {
	locker, mr := newRedisLocker(t, 5*time.Second)
	assertMutualExclusion(t, locker)
	require.False(t, mr.Exists("entitlements:lock:tenant-1"))
}

func TestRedisReleaseKeepsForeignToken(t *testing.T) {
	locker, mr := newRedisLocker(t, time.Second)

	unlock, err := locker.Lock(context.Background(), "k")
	require.NoError(t, err)

	// Simulate expiry and takeover by another replica.
	mr.FastForward(2 * time.Second)
	require.NoError(t, mr.Set("entitlements:lock:k", "other-token"))

	unlock()
	got, err := mr.Get("entitlements:lock:k")
	require.NoError(t, err)
	require.Equal(t, "other-token", got)
}

func TestRedisContextCancel(t *testing.T) {
	locker, _ := newRedisLocker(t, time.Minute)

	unlock, err := locker.Lock(context.Background(), "k")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "k")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewRedisRequiresClient(t *testing.T) {
	_, err := NewRedis(nil, RedisConfig{})
	require.Error(t, err)
}

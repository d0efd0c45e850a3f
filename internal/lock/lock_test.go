package lock

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

func TestLocal_SerializesSameKey(t *testing.T) {
	l := NewLocal()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "u1")
			require.NoError(t, err)
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), maxInside)
	require.Empty(t, l.keys)
}

func TestLocal_DifferentKeysIndependent(t *testing.T) {
	l := NewLocal()
	unlockA, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlockA()

	unlockB, ok, err := l.TryLock(context.Background(), "b")
	require.NoError(t, err)
	require.True(t, ok)
	unlockB()
}

func TestLocal_TryLockBusy(t *testing.T) {
	l := NewLocal()
	unlock, ok, err := l.TryLock(context.Background(), "u")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(context.Background(), "u")
	require.NoError(t, err)
	require.False(t, ok)

	unlock()
	unlock() // idempotent

	unlock, ok, err = l.TryLock(context.Background(), "u")
	require.NoError(t, err)
	require.True(t, ok)
	unlock()
}

func TestLocal_LockHonoursContext(t *testing.T) {
	l := NewLocal()
	unlock, err := l.Lock(context.Background(), "u")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "u")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestNewRedis_NilClient(t *testing.T) {
	_, err := NewRedis(nil)
	require.Error(t, err)
}

func TestRedis_TryLockExclusive(t *testing.T) {
	mr, client := newTestRedis(t)
	r, err := NewRedis(client, WithKeyPrefix("test:"))
	require.NoError(t, err)

	unlock, ok, err := r.TryLock(context.Background(), "u1")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, mr.Exists("test:u1"))

	_, ok, err = r.TryLock(context.Background(), "u1")
	require.NoError(t, err)
	require.False(t, ok)

	unlock()
	require.False(t, mr.Exists("test:u1"))
}

func TestRedis_UnlockDoesNotReleaseForeignLease(t *testing.T) {
	mr, client := newTestRedis(t)
	r, err := NewRedis(client, WithKeyPrefix("test:"), WithLeaseTTL(time.Second))
	require.NoError(t, err)

	unlock, ok, err := r.TryLock(context.Background(), "u1")
	require.NoError(t, err)
	require.True(t, ok)

	// Our lease expires and another holder takes over.
	mr.FastForward(2 * time.Second)
	require.NoError(t, mr.Set("test:u1", "someone-else"))

	unlock()
	v, err := mr.Get("test:u1")
	require.NoError(t, err)
	require.Equal(t, "someone-else", v)
}

func TestRedis_LockWaitsForRelease(t *testing.T) {
	_, client := newTestRedis(t)
	r, err := NewRedis(client, WithRetryEvery(5*time.Millisecond))
	require.NoError(t, err)

	unlock, err := r.Lock(context.Background(), "u1")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		u, err := r.Lock(context.Background(), "u1")
		if err == nil {
			u()
		}
		close(acquired)
	}()

	time.Sleep(20 * time.Millisecond)
	unlock()

	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("second Lock never acquired")
	}
}

func TestRedis_LockHonoursContext(t *testing.T) {
	_, client := newTestRedis(t)
	r, err := NewRedis(client, WithRetryEvery(5*time.Millisecond))
	require.NoError(t, err)

	unlock, err := r.Lock(context.Background(), "u1")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = r.Lock(ctx, "u1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

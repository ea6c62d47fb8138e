package lock_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/blockadesystems/certpilot/internal/lock"
	"github.com/blockadesystems/certpilot/internal/testutils"
)

func exerciseMutualExclusion(t *testing.T, l lock.Locker) {
	t.Helper()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			unlock, err := l.Lock(ctx, "example.com")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func TestLocalMutualExclusion(t *testing.T) {
	exerciseMutualExclusion(t, lock.NewLocal())
}

func TestLocalContextCancel(t *testing.T) {
	l := lock.NewLocal()
	unlock, err := l.Lock(context.Background(), "example.com")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "example.com")
	assert.ErrorIs(t, err, lock.ErrNotAcquired)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := l.Lock(context.Background(), "other.example.com")
	require.NoError(t, err, "distinct keys do not contend")
	other()
}

func TestLocalUnlockIsIdempotent(t *testing.T) {
	l := lock.NewLocal()
	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)
	unlock()
	unlock()

	again, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)
	again()
}

func TestRedisLease(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}
	url, cleanup := testutils.SetupTestRedis(t)
	defer cleanup()

	client, err := lock.Connect(context.Background(), url)
	require.NoError(t, err)
	defer client.Close()

	l := lock.NewRedis(client, 5*time.Second, zaptest.NewLogger(t))
	exerciseMutualExclusion(t, l)

	t.Run("held lease blocks until context ends", func(t *testing.T) {
		unlock, err := l.Lock(context.Background(), "held.example.com")
		require.NoError(t, err)
		defer unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 600*time.Millisecond)
		defer cancel()
		_, err = l.Lock(ctx, "held.example.com")
		assert.ErrorIs(t, err, lock.ErrNotAcquired)
	})

	t.Run("held lease outlives its ttl", func(t *testing.T) {
		short := lock.NewRedis(client, 300*time.Millisecond, zaptest.NewLogger(t))
		unlock, err := short.Lock(context.Background(), "slow.example.com")
		require.NoError(t, err)

		time.Sleep(time.Second)
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		_, err = short.Lock(ctx, "slow.example.com")
		assert.ErrorIs(t, err, lock.ErrNotAcquired)

		unlock()
		exists, err := client.Exists(context.Background(), "certpilot:lock:slow.example.com").Result()
		require.NoError(t, err)
		assert.Zero(t, exists)
	})

	t.Run("lease expires without release", func(t *testing.T) {
		short := lock.NewRedis(client, 300*time.Millisecond, zaptest.NewLogger(t))
		// A holder that died without releasing leaves a lease nobody renews.
		require.NoError(t, client.Set(context.Background(), "certpilot:lock:crashed.example.com", "dead-holder", 300*time.Millisecond).Err())

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		unlock, err := short.Lock(ctx, "crashed.example.com")
		require.NoError(t, err)
		unlock()
	})
}

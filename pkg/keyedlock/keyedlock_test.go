package keyedlock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfabric/xconnect/pkg/errors"
)

func TestAcquireFreeKey(t *testing.T) {
	l := New()

	release, err := l.Acquire(context.Background(), "btc", time.Second)
	require.NoError(t, err)
	assert.True(t, l.Held("btc"))

	release()
	assert.False(t, l.Held("btc"))
}

func TestReleaseIdempotent(t *testing.T) {
	l := New()

	release, err := l.Acquire(context.Background(), "k", time.Second)
	require.NoError(t, err)
	release()
	release()

	// A double release must not hand the key to nobody twice.
	release2, err := l.Acquire(context.Background(), "k", time.Second)
	require.NoError(t, err)
	release2()
}

func TestDifferentKeysIndependent(t *testing.T) {
	l := New()

	r1, err := l.Acquire(context.Background(), "a", time.Second)
	require.NoError(t, err)
	defer r1()

	done := make(chan struct{})
	go func() {
		r2, err := l.Acquire(context.Background(), "b", time.Second)
		assert.NoError(t, err)
		r2()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("independent key blocked behind another key")
	}
}

func TestTryAcquire(t *testing.T) {
	l := New()

	release, ok := l.TryAcquire("k")
	require.True(t, ok)

	_, ok = l.TryAcquire("k")
	assert.False(t, ok)

	release()
	release2, ok := l.TryAcquire("k")
	assert.True(t, ok)
	release2()
}

func TestFIFOOrder(t *testing.T) {
	l := New()

	hold, err := l.Acquire(context.Background(), "k", time.Second)
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	// Queue waiters one at a time so arrival order is deterministic.
	for i := 1; i <= 3; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(context.Background(), "k", 5*time.Second)
			require.NoError(t, err)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			release()
		}()
		require.Eventually(t, func() bool {
			return l.Waiters("k") == i
		}, time.Second, time.Millisecond)
	}

	hold()
	wg.Wait()

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestAcquireTimeout(t *testing.T) {
	l := New()

	hold, err := l.Acquire(context.Background(), "k", time.Second)
	require.NoError(t, err)

	started := time.Now()
	_, err = l.Acquire(context.Background(), "k", 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.IsLockTimeout(err))
	assert.GreaterOrEqual(t, time.Since(started), 50*time.Millisecond)

	// The abandoned waiter must not absorb the next grant.
	granted := make(chan struct{})
	go func() {
		release, err := l.Acquire(context.Background(), "k", 5*time.Second)
		assert.NoError(t, err)
		release()
		close(granted)
	}()
	require.Eventually(t, func() bool {
		return l.Waiters("k") == 1
	}, time.Second, time.Millisecond)

	hold()
	select {
	case <-granted:
	case <-time.After(time.Second):
		t.Fatal("live waiter starved by an abandoned one")
	}
}

func TestAcquireContextCancelled(t *testing.T) {
	l := New()

	hold, err := l.Acquire(context.Background(), "k", time.Second)
	require.NoError(t, err)
	defer hold()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = l.Acquire(ctx, "k", 5*time.Second)
	require.Error(t, err)
	assert.True(t, errors.IsCancellation(err))
}

func TestWithLockReleasesOnPanic(t *testing.T) {
	l := New()

	func() {
		defer func() { recover() }()
		_ = l.WithLock(context.Background(), "k", time.Second, func() error {
			panic("boom")
		})
	}()

	assert.False(t, l.Held("k"))
}

func TestWithLockTimeoutSkipsFn(t *testing.T) {
	l := New()

	hold, err := l.Acquire(context.Background(), "k", time.Second)
	require.NoError(t, err)
	defer hold()

	ran := false
	err = l.WithLock(context.Background(), "k", 20*time.Millisecond, func() error {
		ran = true
		return nil
	})
	require.Error(t, err)
	assert.True(t, errors.IsLockTimeout(err))
	assert.False(t, ran)
}

func TestMutualExclusion(t *testing.T) {
	l := New()

	var active, maxActive int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.WithLock(context.Background(), "k", 5*time.Second, func() error {
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive)
}

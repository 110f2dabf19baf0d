package ttlcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGet(t *testing.T) {
	c := New[string]("test", time.Minute)

	require.NoError(t, c.Set("k", "v"))
	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", got)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestExpiry(t *testing.T) {
	c := New[int]("test", 20*time.Millisecond)

	require.NoError(t, c.Set("k", 42))
	_, ok := c.Get("k")
	require.True(t, ok)

	time.Sleep(40 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Zero(t, c.Size())
}

func TestSetWithTTLOverridesDefault(t *testing.T) {
	c := New[int]("test", time.Minute)

	require.NoError(t, c.SetWithTTL("short", 1, 20*time.Millisecond))
	require.NoError(t, c.Set("long", 2))

	time.Sleep(40 * time.Millisecond)

	_, ok := c.Get("short")
	assert.False(t, ok)
	_, ok = c.Get("long")
	assert.True(t, ok)
}

func TestSetRefreshesTimestamp(t *testing.T) {
	c := New[int]("test", 50*time.Millisecond)

	require.NoError(t, c.Set("k", 1))
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, c.Set("k", 2))
	time.Sleep(30 * time.Millisecond)

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, 2, got)
}

func TestDelete(t *testing.T) {
	c := New[int]("test", time.Minute)

	require.NoError(t, c.Set("k", 1))
	assert.True(t, c.Delete("k"))
	assert.False(t, c.Delete("k"))
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestSizeAndKeysCountLiveOnly(t *testing.T) {
	c := New[int]("test", time.Minute)

	require.NoError(t, c.Set("a", 1))
	require.NoError(t, c.Set("b", 2))
	require.NoError(t, c.SetWithTTL("expired", 3, 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, 2, c.Size())
	assert.ElementsMatch(t, []string{"a", "b"}, c.Keys())
}

func TestDisposeRejectsWrites(t *testing.T) {
	c := New[int]("test", time.Minute)
	require.NoError(t, c.Set("k", 1))

	c.Dispose()

	assert.True(t, c.Disposed())
	assert.ErrorIs(t, c.Set("k", 2), ErrDisposed)
	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Zero(t, c.Size())

	// Dispose is safe to repeat.
	c.Dispose()
}

func TestResetReArmsDisposedCache(t *testing.T) {
	c := New[int]("test", time.Minute)
	c.Dispose()
	require.Error(t, c.Set("k", 1))

	c.Reset()

	assert.False(t, c.Disposed())
	require.NoError(t, c.Set("k", 1))
	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, 1, got)
}

func TestBackgroundSweep(t *testing.T) {
	c := New[int]("test", 10*time.Millisecond, WithSweep(10*time.Millisecond))
	defer c.Dispose()

	require.NoError(t, c.Set("k", 1))

	assert.Eventually(t, func() bool {
		c.mu.RLock()
		defer c.mu.RUnlock()
		return len(c.items) == 0
	}, time.Second, 5*time.Millisecond)
}

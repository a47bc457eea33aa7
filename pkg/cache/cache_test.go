package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, maxSize int, ttl time.Duration, options ...Option[string]) Cache[string] {
	t.Helper()
	c, err := NewHybrid[string](context.Background(), maxSize, ttl, time.Hour, options...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestHybridBasicOperations(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)

	created, err := c.Set("a", "alpha")
	require.NoError(t, err)
	assert.True(t, created)

	value, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "alpha", value)

	// Updating an existing key reports created=false
	created, err = c.Set("a", "alpha2")
	require.NoError(t, err)
	assert.False(t, created)

	value, _ = c.Get("a")
	assert.Equal(t, "alpha2", value)

	deleted, err := c.Delete("a")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, ok = c.Get("a")
	assert.False(t, ok)

	deleted, err = c.Delete("a")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestHybridEmptyKeyRejected(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)

	_, err := c.Set("", "value")
	assert.Error(t, err)
	_, err = c.Delete("")
	assert.Error(t, err)
}

func TestHybridLRUEviction(t *testing.T) {
	var evicted []string
	c := newTestCache(t, 3, time.Minute,
		WithEvictionCallback[string](func(key, _ string) { evicted = append(evicted, key) }))

	for _, key := range []string{"a", "b", "c"} {
		_, err := c.Set(key, key)
		require.NoError(t, err)
	}

	// Touch "a" so "b" becomes least recently used
	_, ok := c.Get("a")
	require.True(t, ok)

	_, err := c.Set("d", "d")
	require.NoError(t, err)

	assert.Equal(t, []string{"b"}, evicted)
	assert.Equal(t, 3, c.Size())
	_, ok = c.Get("b")
	assert.False(t, ok)
}

func TestHybridTTLExpiry(t *testing.T) {
	c := newTestCache(t, 10, 30*time.Millisecond)

	_, err := c.Set("a", "alpha")
	require.NoError(t, err)

	_, ok := c.Get("a")
	assert.True(t, ok)

	time.Sleep(50 * time.Millisecond)

	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.Stats().Evictions())
}

func TestHybridSlidingExpiry(t *testing.T) {
	c := newTestCache(t, 10, 60*time.Millisecond, WithSlidingExpiry[string]())

	_, err := c.Set("a", "alpha")
	require.NoError(t, err)

	// Repeated reads inside the TTL window keep the entry alive well past
	// the original expiry
	for i := 0; i < 4; i++ {
		time.Sleep(30 * time.Millisecond)
		_, ok := c.Get("a")
		require.True(t, ok, "read %d should refresh the TTL", i)
	}

	time.Sleep(80 * time.Millisecond)
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestHybridFixedExpiryNotRefreshedByReads(t *testing.T) {
	c := newTestCache(t, 10, 60*time.Millisecond)

	_, err := c.Set("a", "alpha")
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)
	_, ok := c.Get("a")
	require.True(t, ok)

	time.Sleep(40 * time.Millisecond)
	_, ok = c.Get("a")
	assert.False(t, ok, "read must not extend a fixed TTL")
}

func TestHybridKeysOrder(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)

	for _, key := range []string{"a", "b", "c"} {
		_, err := c.Set(key, key)
		require.NoError(t, err)
	}
	_, _ = c.Get("a")

	assert.Equal(t, []string{"a", "c", "b"}, c.Keys())
}

func TestHybridClear(t *testing.T) {
	var evicted []string
	c := newTestCache(t, 10, time.Minute,
		WithEvictionCallback[string](func(key, _ string) { evicted = append(evicted, key) }))

	for i := 0; i < 3; i++ {
		_, err := c.Set(fmt.Sprintf("k%d", i), "v")
		require.NoError(t, err)
	}

	require.NoError(t, c.Clear())
	assert.Equal(t, 0, c.Size())
	assert.Len(t, evicted, 3)
}

func TestHybridBackgroundCleanup(t *testing.T) {
	c, err := NewHybrid[string](context.Background(), 10, 20*time.Millisecond, 10*time.Millisecond)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Set("a", "alpha")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return c.Size() == 0
	}, time.Second, 10*time.Millisecond, "cleanup should remove expired entries without reads")
}

func TestHybridInvalidConfig(t *testing.T) {
	_, err := NewHybrid[string](context.Background(), 0, time.Minute, time.Minute)
	assert.Error(t, err)

	_, err = NewHybrid[string](context.Background(), 10, 0, time.Minute)
	assert.Error(t, err)
}

func TestHybridStats(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)

	_, _ = c.Set("a", "alpha")
	_, _ = c.Get("a")
	_, _ = c.Get("missing")

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits())
	assert.Equal(t, int64(1), stats.Misses())
	assert.Equal(t, int64(1), stats.Sets())
	assert.InDelta(t, 0.5, stats.HitRate(), 0.001)
}

func TestHybridConcurrentAccess(t *testing.T) {
	c := newTestCache(t, 100, time.Minute)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				key := fmt.Sprintf("k%d", i%20)
				_, _ = c.Set(key, key)
				_, _ = c.Get(key)
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 20, c.Size())
}

func TestHybridGetOrSet(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)

	value, loaded, err := c.GetOrSet("a", "alpha")
	require.NoError(t, err)
	assert.False(t, loaded)
	assert.Equal(t, "alpha", value)

	// A second call returns the stored value, not the proposed one
	value, loaded, err = c.GetOrSet("a", "other")
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.Equal(t, "alpha", value)

	_, _, err = c.GetOrSet("", "value")
	assert.Error(t, err)
}

func TestHybridGetOrSetReplacesExpired(t *testing.T) {
	c := newTestCache(t, 10, 30*time.Millisecond)

	_, loaded, err := c.GetOrSet("a", "old")
	require.NoError(t, err)
	require.False(t, loaded)

	time.Sleep(50 * time.Millisecond)

	value, loaded, err := c.GetOrSet("a", "new")
	require.NoError(t, err)
	assert.False(t, loaded)
	assert.Equal(t, "new", value)
}

func TestHybridGetOrSetSingleWinner(t *testing.T) {
	// All goroutines race GetOrSet on one key from a barrier; exactly one
	// may observe a miss.
	c := newTestCache(t, 100, time.Minute)

	const racers = 32
	start := make(chan struct{})
	var wg sync.WaitGroup
	var inserts atomic.Int64

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			<-start
			_, loaded, err := c.GetOrSet("contested", fmt.Sprintf("v%d", id))
			if err == nil && !loaded {
				inserts.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), inserts.Load())
}

func TestHybridEvictionCallbackMayReenter(t *testing.T) {
	// Callbacks run after the mutex is released, so a callback touching
	// the cache must not deadlock.
	var c Cache[string]
	var sizes []int
	c = newTestCache(t, 2, 30*time.Millisecond,
		WithEvictionCallback[string](func(_, _ string) { sizes = append(sizes, c.Size()) }))

	for _, key := range []string{"a", "b", "c"} {
		_, err := c.Set(key, key)
		require.NoError(t, err)
	}
	require.Len(t, sizes, 1, "size eviction should fire the callback")

	time.Sleep(50 * time.Millisecond)
	_, ok := c.Get("b")
	assert.False(t, ok)
	assert.Len(t, sizes, 2, "expiry eviction should fire the callback")
}

func TestHybridCloseIdempotent(t *testing.T) {
	c, err := NewHybrid[string](context.Background(), 10, time.Minute, time.Minute)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}

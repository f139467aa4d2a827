package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_BasicOperations(t *testing.T) {
	c := New[string, int](Config{Name: "basic", MaxSize: 10})

	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Set("a", 1)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	c.Set("a", 2)
	v, _ = c.Get("a")
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, c.Size())

	assert.True(t, c.Delete("a"))
	assert.False(t, c.Delete("a"))
	assert.Zero(t, c.Size())
}

func TestCache_LRUEviction(t *testing.T) {
	c := New[int, string](Config{MaxSize: 2})
	c.Set(1, "one")
	c.Set(2, "two")
	_, _ = c.Get(1) // 1 变为最近使用
	c.Set(3, "three")

	_, ok := c.Get(2)
	assert.False(t, ok, "least recently used entry should be evicted")
	_, ok = c.Get(1)
	assert.True(t, ok)
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestCache_TTLExpiration(t *testing.T) {
	c := New[string, int](Config{MaxSize: 10, TTL: 30 * time.Millisecond})
	c.Set("k", 1)

	_, ok := c.Get("k")
	require.True(t, ok)
	assert.Eventually(t, func() bool {
		_, ok := c.Get("k")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestCache_StatsAndHitRate(t *testing.T) {
	c := New[string, int](Config{Name: "stats", MaxSize: 10})
	assert.Zero(t, c.HitRate())

	c.Set("a", 1)
	c.Get("a")
	c.Get("a")
	c.Get("a")
	c.Get("missing")

	s := c.Stats()
	assert.Equal(t, int64(3), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
	assert.Equal(t, 1, s.Size)
	assert.InDelta(t, 0.75, c.HitRate(), 1e-9)
	assert.Contains(t, c.String(), "Cache[stats]")

	c.Clear()
	assert.Zero(t, c.Size())
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := New[int, int](Config{MaxSize: 100})
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := (g*200 + i) % 150
				c.Set(key, i)
				c.Get(key)
			}
		}(g)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Size(), 100)
	assert.Equal(t, int64(8*200), c.Stats().Hits+c.Stats().Misses, fmt.Sprint(c))
}

package cache

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/recipientcache/errors"
)

func TestLRUCache_BasicOperations(t *testing.T) {
	c, err := NewLRU[string, string](10)
	require.NoError(t, err)

	_, exists := c.Get("key1")
	assert.False(t, exists)

	isNew, err := c.Set("key1", "value1")
	require.NoError(t, err)
	assert.True(t, isNew)

	value, exists := c.Get("key1")
	assert.True(t, exists)
	assert.Equal(t, "value1", value)

	isNew, err = c.Set("key1", "value1_updated")
	require.NoError(t, err)
	assert.False(t, isNew)

	value, _ = c.Get("key1")
	assert.Equal(t, "value1_updated", value)

	deleted, err := c.Delete("key1")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = c.Delete("key1")
	require.NoError(t, err)
	assert.False(t, deleted)

	assert.Equal(t, 0, c.Size())
}

func TestLRUCache_ZeroKeyRejected(t *testing.T) {
	c, err := NewLRU[int64, string](10)
	require.NoError(t, err)

	_, err = c.Set(0, "zero")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	_, _, err = c.GetOrSet(0, func() string { return "zero" })
	require.Error(t, err)
}

func TestLRUCache_InvalidSize(t *testing.T) {
	_, err := NewLRU[string, string](0)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestLRUCache_Eviction(t *testing.T) {
	var evicted []int
	c, err := NewLRU[int, string](3, WithEvictionCallback[int, string](func(k int, _ string) {
		evicted = append(evicted, k)
	}))
	require.NoError(t, err)

	_, _ = c.Set(1, "a")
	_, _ = c.Set(2, "b")
	_, _ = c.Set(3, "c")

	// Touch 1 so 2 becomes least recently used
	_, _ = c.Get(1)
	_, _ = c.Set(4, "d")

	assert.Equal(t, []int{2}, evicted)
	assert.Equal(t, []int{4, 1, 3}, c.Keys())
	assert.Equal(t, int64(1), c.Stats().Evictions())
}

func TestLRUCache_PeekDoesNotTouch(t *testing.T) {
	c, err := NewLRU[int, string](2)
	require.NoError(t, err)

	_, _ = c.Set(1, "a")
	_, _ = c.Set(2, "b")

	v, ok := c.Peek(1)
	assert.True(t, ok)
	assert.Equal(t, "a", v)

	_, _ = c.Set(3, "c")

	_, ok = c.Peek(1)
	assert.False(t, ok, "peek must not refresh recency")
	assert.Equal(t, int64(0), c.Stats().Hits())
}

func TestLRUCache_GetOrSet(t *testing.T) {
	c, err := NewLRU[string, *int](10)
	require.NoError(t, err)

	calls := 0
	create := func() *int {
		calls++
		v := calls
		return &v
	}

	first, loaded, err := c.GetOrSet("k", create)
	require.NoError(t, err)
	assert.False(t, loaded)

	second, loaded, err := c.GetOrSet("k", create)
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.Same(t, first, second)
	assert.Equal(t, 1, calls)
}

func TestLRUCache_GetOrSetConcurrent(t *testing.T) {
	c, err := NewLRU[string, *int](10)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*int, 50)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, _, err := c.GetOrSet("shared", func() *int { n := i; return &n })
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.Same(t, results[0], r)
	}
}

func TestLRUCache_CompareAndDelete(t *testing.T) {
	var evicted []string
	c, err := NewLRU[string, int](10, WithEvictionCallback[string, int](func(k string, _ int) {
		evicted = append(evicted, k)
	}))
	require.NoError(t, err)

	_, _ = c.Set("k", 1)

	deleted, err := c.CompareAndDelete("k", func(v int) bool { return v == 2 })
	require.NoError(t, err)
	assert.False(t, deleted)

	deleted, err = c.CompareAndDelete("k", func(v int) bool { return v == 1 })
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Equal(t, []string{"k"}, evicted)
}

func TestLRUCache_ClearRunsCallbacks(t *testing.T) {
	count := 0
	c, err := NewLRU[int, int](10, WithEvictionCallback[int, int](func(int, int) { count++ }))
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		_, _ = c.Set(i, i)
	}
	require.NoError(t, c.Clear())
	assert.Equal(t, 5, count)
	assert.Equal(t, 0, c.Size())
}

func TestLRUCache_CallbackMayReenter(t *testing.T) {
	other, err := NewLRU[int, int](10)
	require.NoError(t, err)

	var c Cache[int, int]
	c, err = NewLRU[int, int](1, WithEvictionCallback[int, int](func(k, v int) {
		// Re-entering the same cache from the callback must not deadlock
		_, _ = c.Peek(k)
		_, _ = other.Set(k, v)
	}))
	require.NoError(t, err)

	_, _ = c.Set(1, 10)
	_, _ = c.Set(2, 20)

	v, ok := other.Get(1)
	assert.True(t, ok)
	assert.Equal(t, 10, v)
}

func TestLRUCache_Concurrency(t *testing.T) {
	c, err := NewLRU[int, int](100)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 1; i <= 200; i++ {
				_, _ = c.Set(g*1000+i, i)
				_, _ = c.Get(g*1000 + i)
				if i%3 == 0 {
					_, _ = c.Delete(g*1000 + i)
				}
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Size(), 100)
}

func TestStatistics(t *testing.T) {
	c, err := NewLRU[string, string](2)
	require.NoError(t, err)

	_, _ = c.Set("a", "1")
	_, _ = c.Set("b", "2")
	_, _ = c.Get("a")
	_, _ = c.Get("missing")
	_, _ = c.Set("c", "3")

	s := c.Stats().Summary()
	assert.Equal(t, int64(1), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
	assert.Equal(t, int64(3), s.Sets)
	assert.Equal(t, int64(1), s.Evictions)
	assert.Equal(t, int64(2), s.CurrentSize)
	assert.Equal(t, int64(2), s.MaxSize)
	assert.InDelta(t, 0.5, s.HitRatio, 0.0001)
}

func TestConfiguration(t *testing.T) {
	c, err := NewFromConfig[string, int](DefaultConfig())
	require.NoError(t, err)
	_, isLRU := c.(*lruCache[string, int])
	assert.True(t, isLRU)

	c, err = NewFromConfig[string, int](Config{Enabled: false})
	require.NoError(t, err)
	_, _ = c.Set("k", 1)
	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Nil(t, c.Stats())

	v, loaded, err := c.GetOrSet("k", func() int { return 7 })
	require.NoError(t, err)
	assert.False(t, loaded)
	assert.Equal(t, 7, v)

	_, err = NewFromConfig[string, int](Config{Enabled: true, MaxSize: -1})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

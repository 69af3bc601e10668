package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/depkit/errors"
	"github.com/c360/depkit/metric"
)

func TestNewLRU_InvalidSize(t *testing.T) {
	_, err := NewLRU[int](0)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	var evicted []string
	c, err := NewLRU[int](2, WithEvictionCallback(func(key string, _ int) {
		evicted = append(evicted, key)
	}))
	require.NoError(t, err)

	c.Set("a", 1)
	c.Set("b", 2)

	// Touch a so b becomes the oldest
	_, ok := c.Get("a")
	require.True(t, ok)

	assert.True(t, c.Set("c", 3))
	assert.Equal(t, []string{"b"}, evicted)
	assert.Equal(t, []string{"c", "a"}, c.Keys())

	_, ok = c.Get("b")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits())
	assert.Equal(t, int64(1), stats.Misses())
	assert.Equal(t, int64(1), stats.Evictions())
	assert.InDelta(t, 0.5, stats.HitRatio(), 0.001)
}

func TestLRU_OverwriteDoesNotEvict(t *testing.T) {
	c, err := NewLRU[string](1)
	require.NoError(t, err)

	c.Set("k", "v1")
	assert.False(t, c.Set("k", "v2"))

	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v2", v)
	assert.Equal(t, 1, c.Size())
}

func TestLRU_DeleteAndClear(t *testing.T) {
	c, err := NewLRU[int](4)
	require.NoError(t, err)

	c.Set("a", 1)
	c.Set("b", 2)
	assert.True(t, c.Delete("a"))
	assert.False(t, c.Delete("a"))
	assert.Equal(t, 1, c.Size())

	c.Clear()
	assert.Equal(t, 0, c.Size())
	assert.Empty(t, c.Keys())
}

func TestLRU_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	c, err := NewLRU[int](1, WithMetrics[int](registry, "filters"))
	require.NoError(t, err)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Get("b")

	lru := c.(*lruCache[int])
	assert.Equal(t, 1.0, testutil.ToFloat64(lru.metrics.evictions))
	assert.Equal(t, 1.0, testutil.ToFloat64(lru.metrics.hits))
	assert.Equal(t, 1.0, testutil.ToFloat64(lru.metrics.size))

	// Same prefix twice is a duplicate registration
	_, err = NewLRU[int](1, WithMetrics[int](registry, "filters"))
	assert.Error(t, err)
}

func TestLRU_Concurrent(t *testing.T) {
	c, err := NewLRU[int](16)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("k%d", (n*j)%32)
				c.Set(key, j)
				c.Get(key)
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Size(), 16)
}

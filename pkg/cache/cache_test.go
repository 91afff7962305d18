package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutThenGet(t *testing.T) {
	t.Parallel()
	c := New[string](Config{MaxEntries: 4})

	c.Put("fp1", "result-1")
	e, ok := c.Get("fp1")
	require.True(t, ok)
	assert.Equal(t, "result-1", e.Value)
	assert.Equal(t, "fp1", e.Key)
	assert.False(t, e.InsertedAt.IsZero())

	_, ok = c.Get("missing")
	assert.False(t, ok)

	s := c.Stats()
	assert.Equal(t, int64(1), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
}

func TestCapacityNeverExceeded(t *testing.T) {
	t.Parallel()
	c := New[int](Config{MaxEntries: 3})

	for i := 0; i < 10; i++ {
		c.Put(fmt.Sprintf("k%d", i), i)
		assert.LessOrEqual(t, c.Len(), 3)
	}
	assert.Equal(t, []string{"k7", "k8", "k9"}, c.Keys(), "oldest insertions are evicted first")
	assert.Equal(t, int64(7), c.Stats().Evictions)
}

func TestReplaceKeepsOrder(t *testing.T) {
	t.Parallel()
	c := New[int](Config{MaxEntries: 2})
	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("a", 10)

	e, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 10, e.Value)
	assert.Equal(t, 2, c.Len())

	c.Put("c", 3)
	_, ok = c.Get("a")
	assert.False(t, ok, "a is still the oldest insertion")
}

func TestTTLExpiry(t *testing.T) {
	t.Parallel()
	c := New[string](Config{MaxEntries: 2, TTL: time.Minute})
	now := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return now }

	c.Put("fp", "v")
	_, ok := c.Get("fp")
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("fp")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(1), c.Stats().Expired)
}

func TestDeleteAndClear(t *testing.T) {
	t.Parallel()
	c := New[int](Config{})
	assert.Equal(t, 1000, c.Stats().Capacity)

	c.Put("a", 1)
	c.Put("b", 2)
	c.Delete("a")
	c.Delete("nope")
	assert.Equal(t, []string{"b"}, c.Keys())

	c.Clear()
	assert.Equal(t, 0, c.Len())
	c.Put("c", 3)
	assert.Equal(t, 1, c.Len())
}

func TestConcurrentAccess(t *testing.T) {
	t.Parallel()
	c := New[int](Config{MaxEntries: 50})

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", i%80)
				c.Put(key, g)
				if e, ok := c.Get(key); ok {
					assert.Equal(t, key, e.Key)
				}
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 50)
	assert.Len(t, c.Keys(), c.Len())
}

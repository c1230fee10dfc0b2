package cache_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/valinor-ai/relay/internal/cache"
)

func TestLRU_SetGetInvalidate(t *testing.T) {
	c := cache.NewLRU[string](10, time.Minute)

	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Set("a", "1")
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "1", v)

	c.Invalidate("a")
	_, ok = c.Get("a")
	assert.False(t, ok)
}

func TestLRU_Expires(t *testing.T) {
	c := cache.NewLRU[int](10, 20*time.Millisecond)
	c.Set("k", 7)

	assert.Eventually(t, func() bool {
		_, ok := c.Get("k")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	c := cache.NewLRU[int](2, time.Minute)
	c.Set("a", 1)
	c.Set("b", 2)
	_, _ = c.Get("a")
	c.Set("c", 3)

	_, ok := c.Get("b")
	assert.False(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestLRU_ConcurrentAccess(t *testing.T) {
	c := cache.NewLRU[int](100, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Set("k", i)
				_, _ = c.Get("k")
			}
		}(i)
	}
	wg.Wait()
	_, ok := c.Get("k")
	assert.True(t, ok)
}

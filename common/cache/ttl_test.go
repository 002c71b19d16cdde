package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTLSetGet(t *testing.T) {
	t.Parallel()
	c := NewTTL(8)
	c.Set("quotes:AAPL.US", 42, time.Minute)

	v, ok := c.Get("quotes:AAPL.US")
	require.True(t, ok)
	assert.Equal(t, 42, v)

	_, ok = c.Get("quotes:MSFT.US")
	assert.False(t, ok)

	hits, misses := c.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
}

func TestTTLExpiry(t *testing.T) {
	t.Parallel()
	c := NewTTL(8)
	c.Set("k", "v", 10*time.Millisecond)

	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	time.Sleep(25 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok, "expired entry must read as absent")
}

func TestTTLEviction(t *testing.T) {
	t.Parallel()
	c := NewTTL(3)
	for i := 0; i < 3; i++ {
		c.Set(fmt.Sprintf("k%d", i), i, time.Minute)
	}
	require.Equal(t, 3, c.Len())

	c.Set("k3", 3, time.Minute)
	assert.Equal(t, 3, c.Len(), "cache must not grow past its bound")
	_, ok := c.Get("k3")
	assert.True(t, ok, "newest entry must survive eviction")
}

func TestTTLSweep(t *testing.T) {
	t.Parallel()
	c := NewTTL(8)
	c.Set("stale", 1, 5*time.Millisecond)
	c.Set("fresh", 2, time.Minute)

	time.Sleep(20 * time.Millisecond)
	c.Sweep()
	assert.Equal(t, 1, c.Len())

	_, ok := c.Get("fresh")
	assert.True(t, ok)
}

func TestTTLDeleteClear(t *testing.T) {
	t.Parallel()
	c := NewTTL(8)
	c.Set("a", 1, time.Minute)
	c.Set("b", 2, time.Minute)

	c.Delete("a")
	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Clear()
	assert.Equal(t, 0, c.Len())
}

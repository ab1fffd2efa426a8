package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }

func TestTTLCacheExpiry(t *testing.T) {
	clk := &fakeClock{now: time.Date(2025, 12, 19, 13, 0, 0, 0, time.UTC)}
	c := NewTTLCache[int](time.Minute, clk)

	c.Set("ENQ", 1)
	v, ok := c.Get("ENQ")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	clk.now = clk.now.Add(59 * time.Second)
	_, ok = c.Get("ENQ")
	assert.True(t, ok, "entry should live until ttl elapses")

	clk.now = clk.now.Add(time.Second)
	_, ok = c.Get("ENQ")
	assert.False(t, ok, "entry should expire at ttl")

	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 1, c.Cleanup())
	assert.Equal(t, 0, c.Len())
}

func TestTTLCacheZeroTTLNeverExpires(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	c := NewTTLCache[string](0, clk)
	c.Set("a", "x")
	clk.now = clk.now.Add(24 * time.Hour)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "x", v)
}

func TestTTLCacheGetOrLoad(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	c := NewTTLCache[int](time.Minute, clk)

	calls := 0
	load := func() (int, error) {
		calls++
		return 42, nil
	}

	for i := 0; i < 3; i++ {
		v, err := c.GetOrLoad("k", load)
		require.NoError(t, err)
		assert.Equal(t, 42, v)
	}
	assert.Equal(t, 1, calls)

	clk.now = clk.now.Add(2 * time.Minute)
	_, err := c.GetOrLoad("k", load)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	_, err = c.GetOrLoad("bad", func() (int, error) { return 0, errors.New("boom") })
	require.Error(t, err)
	_, ok := c.Get("bad")
	assert.False(t, ok, "errors must not be cached")
}

package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(ttl time.Duration) (*Cache[string, int], *time.Time) {
	now := time.Unix(1700000000, 0)
	c := New[string, int](0)
	c.ttl = ttl
	c.now = func() time.Time { return now }
	return c, &now
}

func TestCache_Expiry(t *testing.T) {
	c, now := newTestCache(time.Second)
	defer c.Close()

	c.Set("room-1", 1)
	v, ok := c.Get("room-1")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	*now = now.Add(time.Second)
	_, ok = c.Get("room-1")
	assert.False(t, ok, "entries expire at ttl")
	assert.Equal(t, 1, c.Len())

	c.purgeExpired()
	assert.Zero(t, c.Len())
}

func TestCache_Delete(t *testing.T) {
	c, _ := newTestCache(time.Minute)
	c.Set("room-1", 1)
	c.Delete("room-1")
	_, ok := c.Get("room-1")
	assert.False(t, ok)
}

func TestCache_GetOrLoad(t *testing.T) {
	c, _ := newTestCache(time.Minute)
	ctx := context.Background()

	loads := 0
	load := func(context.Context) (int, error) {
		loads++
		return 42, nil
	}
	for i := 0; i < 3; i++ {
		v, err := c.GetOrLoad(ctx, "room-1", load)
		require.NoError(t, err)
		assert.Equal(t, 42, v)
	}
	assert.Equal(t, 1, loads)

	errLoad := errors.New("redis down")
	_, err := c.GetOrLoad(ctx, "room-2", func(context.Context) (int, error) { return 0, errLoad })
	assert.ErrorIs(t, err, errLoad)
	_, ok := c.Get("room-2")
	assert.False(t, ok, "errors are not cached")
}

func TestCache_BackgroundSweep(t *testing.T) {
	c := New[string, int](20 * time.Millisecond)
	defer c.Close()

	c.Set("room-1", 1)
	require.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 10*time.Millisecond)
	c.Close()
}

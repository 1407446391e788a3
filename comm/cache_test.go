package comm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rocketbitz/fabcomm/transport"
	"github.com/rocketbitz/fabcomm/transport/loopback"
)

func newTestCache(t *testing.T, count, size int) (*bufferCache, *loopback.Fabric) {
	t.Helper()
	fabric := loopback.New(loopback.Options{})
	w, err := fabric.Open()
	require.NoError(t, err)
	regions := make([]transport.Region, count)
	for i := range regions {
		regions[i], err = w.Alloc(size)
		require.NoError(t, err)
	}
	return newBufferCache(regions, size), fabric
}

func TestBufferCacheFIFO(t *testing.T) {
	c, _ := newTestCache(t, 3, 32)
	assert.Equal(t, 3, c.capacity())

	var slots []int
	for i := 0; i < 3; i++ {
		b, ok := c.pop(16)
		require.True(t, ok)
		assert.Len(t, b.bytes(), 16)
		slots = append(slots, b.slot)
	}
	assert.Equal(t, []int{0, 1, 2}, slots)
	_, ok := c.pop(1)
	assert.False(t, ok)
	assert.Zero(t, c.free())

	c.push(1)
	c.push(0)
	b, ok := c.pop(32)
	require.True(t, ok)
	assert.Equal(t, 1, b.slot, "oldest released slot is reused first")
	b, ok = c.pop(32)
	require.True(t, ok)
	assert.Equal(t, 0, b.slot)
}

func TestBufferCacheDoubleReleasePanics(t *testing.T) {
	c, _ := newTestCache(t, 2, 8)
	b, ok := c.pop(8)
	require.True(t, ok)
	c.push(b.slot)
	assert.Panics(t, func() { c.push(b.slot) })
}

func TestBufferCacheCloseReleasesEverySlot(t *testing.T) {
	c, fabric := newTestCache(t, 4, 8)
	_, ok := c.pop(8)
	require.True(t, ok)

	require.NoError(t, c.close())
	assert.Zero(t, fabric.LiveRegions())
	assert.Equal(t, 4, fabric.ClosedRegions())
	assert.Zero(t, c.free())
}

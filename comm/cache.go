package comm

import (
	"errors"
	"fmt"

	"github.com/rocketbitz/fabcomm/transport"
)

// commBuffer is a staging buffer: a cache slot or an ad hoc region.
type commBuffer interface {
	bytes() []byte
}

type pooledBuffer struct {
	slot int
	mem  []byte
}

func (b pooledBuffer) bytes() []byte { return b.mem }

type adhocBuffer struct {
	region transport.Region
	size   int
}

func (b adhocBuffer) bytes() []byte { return b.region.Bytes()[:b.size] }

// bufferCache hands out N pre-registered regions of equal size in FIFO
// order. It is owned by one goroutine.
type bufferCache struct {
	regions []transport.Region
	size    int

	ring  []int
	head  int
	count int
	inUse []bool
}

func newBufferCache(regions []transport.Region, size int) *bufferCache {
	c := &bufferCache{
		regions: regions,
		size:    size,
		ring:    make([]int, len(regions)),
		inUse:   make([]bool, len(regions)),
	}
	for slot := range regions {
		c.ring[slot] = slot
	}
	c.count = len(regions)
	return c
}

// pop takes the oldest free slot.
func (c *bufferCache) pop(size int) (pooledBuffer, bool) {
	if c.count == 0 {
		return pooledBuffer{}, false
	}
	slot := c.ring[c.head]
	c.head = (c.head + 1) % len(c.ring)
	c.count--
	c.inUse[slot] = true
	return pooledBuffer{slot: slot, mem: c.regions[slot].Bytes()[:size]}, true
}

// push returns a slot to the tail of the queue.
func (c *bufferCache) push(slot int) {
	if slot < 0 || slot >= len(c.regions) || !c.inUse[slot] {
		panic(fmt.Sprintf("comm: buffer slot %d released while free", slot))
	}
	c.inUse[slot] = false
	c.ring[(c.head+c.count)%len(c.ring)] = slot
	c.count++
}

func (c *bufferCache) capacity() int { return len(c.regions) }

func (c *bufferCache) free() int { return c.count }

// close releases every region, free or not. Regions the transport already
// released when its worker closed report ErrClosed and are skipped.
func (c *bufferCache) close() error {
	var errs []error
	for slot, region := range c.regions {
		if err := region.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
			errs = append(errs, fmt.Errorf("close cache slot %d: %w", slot, err))
		}
	}
	c.regions = nil
	c.count = 0
	return errors.Join(errs...)
}

// CacheStats describes the buffer cache of a Buffered communicator.
type CacheStats struct {
	Capacity   int
	Free       int
	BufferSize int
	// AdhocLive counts ad hoc regions not yet released.
	AdhocLive int
	// Quarantined counts staging buffers abandoned by failed receives.
	Quarantined int
}

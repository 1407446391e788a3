package device

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"
)

const (
	defaultHostDevices      = 1
	defaultHostMemory int64 = 16 << 30
	defaultQueueDepth       = 256
)

// HostOptions configures the host-memory runtime.
type HostOptions struct {
	Devices         int
	MemoryPerDevice int64
	QueueDepth      int
}

var _ Runtime = (*Host)(nil)

// Host simulates accelerator devices with host memory. Allocation accounting
// follows a device's capacity and, once enabled, its pool reservation. Streams
// run copies on a dedicated goroutine in submission order.
type Host struct {
	mu      sync.Mutex
	devices []*hostDevice
	current int
	allocs  map[*byte]allocation
	depth   int
}

type hostDevice struct {
	id       int
	free     int64
	pool     int64
	poolUsed int64
}

type allocation struct {
	device int
	size   int64
	pooled bool
}

// NewHost constructs a host runtime with opts.Devices simulated devices.
func NewHost(opts HostOptions) *Host {
	count := opts.Devices
	if count <= 0 {
		count = defaultHostDevices
	}
	mem := opts.MemoryPerDevice
	if mem <= 0 {
		mem = defaultHostMemory
	}
	depth := opts.QueueDepth
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	h := &Host{current: -1, allocs: make(map[*byte]allocation), depth: depth}
	for i := 0; i < count; i++ {
		h.devices = append(h.devices, &hostDevice{id: i, free: mem})
	}
	return h
}

func (h *Host) DeviceCount() (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.devices), nil
}

func (h *Host) SetDevice(id int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if id < 0 || id >= len(h.devices) {
		return fmt.Errorf("%w: %d of %d", ErrNoDevice, id, len(h.devices))
	}
	h.current = id
	return nil
}

func (h *Host) Device() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// EnablePool reserves poolBytes of the selected device. A later call replaces
// the reservation; memory already drawn from the pool stays accounted to it.
func (h *Host) EnablePool(poolBytes int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	dev, err := h.selectedLocked()
	if err != nil {
		return err
	}
	if poolBytes < dev.poolUsed {
		return fmt.Errorf("%w: pool of %d bytes below %d in use", ErrOutOfMemory, poolBytes, dev.poolUsed)
	}
	available := dev.free + dev.pool
	if poolBytes > available {
		return fmt.Errorf("%w: pool of %d bytes exceeds %d available", ErrOutOfMemory, poolBytes, available)
	}
	dev.free = available - poolBytes
	dev.pool = poolBytes
	return nil
}

func (h *Host) selectedLocked() (*hostDevice, error) {
	if h.current < 0 {
		return nil, ErrNotInitialized
	}
	return h.devices[h.current], nil
}

// Alloc returns size bytes on the selected device. Zero-size allocations are
// not tracked.
func (h *Host) Alloc(size int) ([]byte, error) {
	if size < 0 {
		return nil, fmt.Errorf("device: negative allocation %d", size)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	dev, err := h.selectedLocked()
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return []byte{}, nil
	}
	want := int64(size)
	pooled := dev.pool > 0
	if pooled {
		if dev.poolUsed+want > dev.pool {
			return nil, fmt.Errorf("%w: pool has %d of %d bytes free", ErrOutOfMemory, dev.pool-dev.poolUsed, want)
		}
		dev.poolUsed += want
	} else {
		if want > dev.free {
			return nil, fmt.Errorf("%w: device has %d of %d bytes free", ErrOutOfMemory, dev.free, want)
		}
		dev.free -= want
	}
	buf := make([]byte, size)
	h.allocs[unsafe.SliceData(buf)] = allocation{device: dev.id, size: want, pooled: pooled}
	return buf, nil
}

// Free releases memory returned by Alloc. buf must start at the allocation.
func (h *Host) Free(buf []byte) error {
	if cap(buf) == 0 {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	key := unsafe.SliceData(buf)
	a, ok := h.allocs[key]
	if !ok {
		return ErrUnknownBuffer
	}
	delete(h.allocs, key)
	dev := h.devices[a.device]
	if a.pooled {
		dev.poolUsed -= a.size
	} else {
		dev.free += a.size
	}
	return nil
}

// Outstanding reports live allocations and their total size.
func (h *Host) Outstanding() (count int, bytes int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, a := range h.allocs {
		count++
		bytes += a.size
	}
	return count, bytes
}

// NewStream starts a copy stream bound to the selected device.
func (h *Host) NewStream() (Stream, error) {
	h.mu.Lock()
	_, err := h.selectedLocked()
	h.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s := &hostStream{jobs: make(chan *copyEvent, h.depth)}
	s.wg.Add(1)
	go s.run()
	return s, nil
}

type hostStream struct {
	mu     sync.RWMutex
	closed bool
	jobs   chan *copyEvent
	wg     sync.WaitGroup
}

type copyEvent struct {
	dst, src []byte
	done     chan struct{}
	err      error
}

func (e *copyEvent) Done() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

func (e *copyEvent) Wait() error {
	<-e.done
	return e.err
}

func (s *hostStream) run() {
	defer s.wg.Done()
	for ev := range s.jobs {
		if len(ev.dst) < len(ev.src) {
			ev.err = fmt.Errorf("device: copy of %d bytes into %d", len(ev.src), len(ev.dst))
		} else {
			copy(ev.dst, ev.src)
		}
		ev.dst, ev.src = nil, nil
		close(ev.done)
	}
}

// CopyAsync queues a copy of src into dst.
func (s *hostStream) CopyAsync(dst, src []byte) Event {
	ev := &copyEvent{dst: dst, src: src, done: make(chan struct{})}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		ev.err = ErrStreamClosed
		close(ev.done)
		return ev
	}
	s.jobs <- ev
	return ev
}

// Synchronize blocks until every copy queued so far has finished.
func (s *hostStream) Synchronize() error {
	err := s.CopyAsync(nil, nil).Wait()
	if errors.Is(err, ErrStreamClosed) {
		return nil
	}
	return err
}

// Close drains queued copies and stops the stream goroutine.
func (s *hostStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.jobs)
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

// Package device abstracts the accelerator runtime a rank binds to: device
// selection, a per-device memory pool, allocations and an asynchronous copy
// stream whose completion is observed through events.
package device

import "errors"

var (
	// ErrNotInitialized indicates SetDevice has not been called yet.
	ErrNotInitialized = errors.New("device: no device selected")
	// ErrNoDevice indicates an out-of-range device index.
	ErrNoDevice = errors.New("device: no such device")
	// ErrOutOfMemory indicates the device or its pool cannot satisfy an allocation.
	ErrOutOfMemory = errors.New("device: out of memory")
	// ErrUnknownBuffer indicates a Free of memory this runtime did not allocate.
	ErrUnknownBuffer = errors.New("device: unknown buffer")
	// ErrStreamClosed indicates work submitted to a closed stream.
	ErrStreamClosed = errors.New("device: stream closed")
)

// Runtime binds a rank to one device and hands out its memory.
type Runtime interface {
	DeviceCount() (int, error)
	SetDevice(id int) error
	// Device returns the selected device, or -1 before SetDevice.
	Device() int
	// EnablePool reserves poolBytes of the selected device for Alloc.
	EnablePool(poolBytes int64) error
	Alloc(size int) ([]byte, error)
	Free(buf []byte) error
	NewStream() (Stream, error)
}

// Stream executes copies asynchronously in submission order.
type Stream interface {
	CopyAsync(dst, src []byte) Event
	Synchronize() error
	Close() error
}

// Event marks the completion of one queued copy.
type Event interface {
	Done() bool
	Wait() error
}

// Package comm implements rank-to-rank asynchronous tagged transfers over a
// transport.Worker. Two communicators share one contract: Direct posts user
// buffers straight to the transport, Buffered stages them through a cache of
// pre-registered regions in fixed-size batches.
//
// Communicators are single-goroutine objects. Transfers make progress only
// inside Wait and WaitAll.
package comm

import (
	"context"
	"errors"
	"fmt"

	"github.com/rocketbitz/fabcomm/device"
	"github.com/rocketbitz/fabcomm/pgroup"
	"github.com/rocketbitz/fabcomm/transport"
)

var (
	// ErrNotInitialized indicates an operation before Init succeeded.
	ErrNotInitialized = errors.New("comm: not initialized")
	// ErrAlreadyInitialized indicates a second Init.
	ErrAlreadyInitialized = errors.New("comm: already initialized")
	// ErrFinalized indicates an operation after Finalize.
	ErrFinalized = errors.New("comm: finalized")
	// ErrBootstrap wraps every failure of the Init collective.
	ErrBootstrap = errors.New("comm: bootstrap failed")
	// ErrInvalidRank indicates a peer outside [0, size).
	ErrInvalidRank = errors.New("comm: invalid rank")
	// ErrInvalidTag indicates a user tag outside [0, MaxTag].
	ErrInvalidTag = errors.New("comm: invalid tag")
	// ErrInvalidElementSize indicates a non-positive element size.
	ErrInvalidElementSize = errors.New("comm: invalid element size")
	// ErrShortBuffer indicates a buffer shorter than count*elemSize bytes.
	ErrShortBuffer = errors.New("comm: buffer shorter than count*elemSize")
	// ErrCacheConfigured indicates a second SetupCache.
	ErrCacheConfigured = errors.New("comm: buffer cache already configured")
	// ErrCacheNotConfigured indicates a buffered transfer before SetupCache.
	ErrCacheNotConfigured = errors.New("comm: buffer cache not configured")
	// ErrChunkSizeMismatch indicates a peer batching with a different buffer size.
	ErrChunkSizeMismatch = errors.New("comm: peer buffer size differs")
	// ErrSizeMismatch indicates a received length that differs from the
	// posted length.
	ErrSizeMismatch = errors.New("comm: transfer size mismatch")
	// ErrForeignHandle indicates a handle created by another communicator.
	ErrForeignHandle = errors.New("comm: handle belongs to another communicator")
)

// Identity describes the rank a communicator bootstrapped as.
type Identity struct {
	Rank        int
	Size        int
	LocalRank   int
	DeviceCount int
	Device      int
}

// Received is filled by RecvUnknown once its handle completes. Data is
// allocated from the device runtime and must be released with Free.
type Received struct {
	Data  []byte
	Count int
}

// Communicator is the contract shared by Direct and Buffered.
type Communicator interface {
	// Init joins the process group, binds a device, opens the transport
	// worker and connects to every rank. It is collective.
	Init(ctx context.Context) error
	Identity() Identity
	// Send posts count elements of elemSize bytes from buf to dest.
	Send(buf []byte, count, elemSize, dest, tag int) (*Handle, error)
	// Recv posts a receive of exactly count elements into buf.
	Recv(buf []byte, count, elemSize, source, tag int) (*Handle, error)
	// RecvUnknown receives a message whose length is learned from the
	// sender. out is written when the handle completes.
	RecvUnknown(out *Received, elemSize, source, tag int) (*Handle, error)
	Wait(h *Handle) error
	WaitAll(hs []*Handle) error
	// Free releases memory handed out through Received.
	Free(buf []byte) error
	Finalize() error
}

// Variant names a communicator implementation.
type Variant string

const (
	VariantDirect   Variant = "direct"
	VariantBuffered Variant = "buffered"
)

// Options wires a communicator to its collaborators and telemetry hooks.
type Options struct {
	Group    pgroup.Group
	Provider transport.Provider
	// Runtime defaults to a single-device host runtime.
	Runtime device.Runtime
	// PoolBytes reserves device memory for allocations when positive.
	PoolBytes int64

	Logger           Logger
	StructuredLogger StructuredLogger
	Tracer           Tracer
	Metrics          MetricHook
}

// New constructs the communicator named by variant.
func New(variant Variant, opts Options) (Communicator, error) {
	switch variant {
	case VariantDirect:
		return NewDirect(opts), nil
	case VariantBuffered:
		return NewBuffered(opts), nil
	default:
		return nil, fmt.Errorf("comm: unknown variant %q", variant)
	}
}

type lifecycle uint8

const (
	lifecycleNew lifecycle = iota
	lifecycleReady
	lifecycleFinalized
)

func (l lifecycle) check() error {
	switch l {
	case lifecycleNew:
		return ErrNotInitialized
	case lifecycleFinalized:
		return ErrFinalized
	}
	return nil
}

// transferBytes validates a transfer request and returns its byte length.
func transferBytes(bufLen, count, elemSize, peer, tag, size int) (int, error) {
	if peer < 0 || peer >= size {
		return 0, fmt.Errorf("%w: %d of %d", ErrInvalidRank, peer, size)
	}
	if err := checkTag(tag); err != nil {
		return 0, err
	}
	if elemSize <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidElementSize, elemSize)
	}
	if count < 0 {
		return 0, fmt.Errorf("%w: negative count %d", ErrShortBuffer, count)
	}
	n := count * elemSize
	if bufLen < n {
		return 0, fmt.Errorf("%w: %d < %d", ErrShortBuffer, bufLen, n)
	}
	return n, nil
}

// Package transport defines the tag-matching transport surface used by the
// communicators: a worker that owns local resources, endpoints addressing
// remote workers, asynchronous tagged send/receive, probing and a
// non-blocking progress step.
package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed indicates the worker or region has already been closed.
	ErrClosed = errors.New("transport: closed")
	// ErrTruncated indicates an incoming message did not fit the posted buffer.
	ErrTruncated = errors.New("transport: message truncated")
	// ErrUnknownEndpoint indicates an endpoint that does not belong to the worker.
	ErrUnknownEndpoint = errors.New("transport: unknown endpoint")
)

// Tag is the 64-bit match value carried by every tagged message.
type Tag uint64

// Endpoint addresses one remote worker.
type Endpoint interface {
	Close() error
}

// Region is a block of transport-registered memory.
type Region interface {
	Bytes() []byte
	Close() error
}

// Request tracks a posted send or receive. Test never blocks; it reports
// whether the operation finished and, if it failed, why.
type Request interface {
	Test() (bool, error)
	// Length reports the number of bytes transferred once Test returns true.
	Length() int
}

// Message describes an unexpected message found by Probe.
type Message struct {
	Length int
	Tag    Tag
}

// Worker owns the local transport resources of one rank. Workers are driven
// from a single goroutine; implementations may use goroutines internally.
type Worker interface {
	// Address returns the opaque address peers pass to Connect.
	Address() []byte
	Connect(addr []byte) (Endpoint, error)
	// Alloc returns a registered region of size bytes.
	Alloc(size int) (Region, error)
	TagSend(ep Endpoint, buf []byte, tag Tag) (Request, error)
	TagRecv(src Endpoint, buf []byte, tag Tag) (Request, error)
	// Probe looks for a message from src matching tag without consuming it.
	Probe(src Endpoint, tag Tag) (Message, bool, error)
	// Progress advances pending operations and returns the number of
	// completions it observed.
	Progress() int
	Close() error
}

// Provider opens workers.
type Provider interface {
	Name() string
	Open() (Worker, error)
}

// OperationError describes a failed send or receive.
type OperationError struct {
	Op  string
	Tag Tag
	Err error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("transport %s (tag 0x%x): %v", e.Op, uint64(e.Tag), e.Err)
}

// Unwrap exposes the underlying cause to errors.Is / errors.As.
func (e *OperationError) Unwrap() error {
	return e.Err
}

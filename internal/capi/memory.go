//go:build cgo

package capi

import "unsafe"

/*
#cgo pkg-config: libfabric
#include <stdlib.h>
*/
import "C"

// Buffer is a block of C heap memory. Providers may hold its address after a
// post returns, which Go memory does not allow.
type Buffer struct {
	ptr  unsafe.Pointer
	size int
}

// AllocBuffer returns a zeroed buffer of size bytes. A zero size yields an
// empty buffer with a nil pointer.
func AllocBuffer(size int) (*Buffer, error) {
	if size < 0 {
		return nil, ErrBadFlags.WithOp("calloc")
	}
	if size == 0 {
		return &Buffer{}, nil
	}
	ptr := C.calloc(1, C.size_t(size))
	if ptr == nil {
		return nil, ErrNoMemory.WithOp("calloc")
	}
	return &Buffer{ptr: ptr, size: size}, nil
}

// Pointer returns the base address, nil for an empty or freed buffer.
func (b *Buffer) Pointer() unsafe.Pointer {
	if b == nil {
		return nil
	}
	return b.ptr
}

func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	return b.size
}

// Bytes views the buffer as a Go slice. The view is invalid after Free.
func (b *Buffer) Bytes() []byte {
	if b == nil || b.ptr == nil {
		return nil
	}
	return unsafe.Slice((*byte)(b.ptr), b.size)
}

// Contains reports whether p lies entirely inside the buffer.
func (b *Buffer) Contains(p []byte) bool {
	if b == nil || b.ptr == nil || len(p) == 0 {
		return false
	}
	base := uintptr(b.ptr)
	start := uintptr(unsafe.Pointer(&p[0]))
	return start >= base && start+uintptr(len(p)) <= base+uintptr(b.size)
}

// Free releases the memory. It is safe to call more than once.
func (b *Buffer) Free() {
	if b == nil || b.ptr == nil {
		return
	}
	C.free(b.ptr)
	b.ptr, b.size = nil, 0
}

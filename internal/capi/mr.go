//go:build cgo

package capi

import (
	"unsafe"
)

/*
#cgo pkg-config: libfabric
#include <stdlib.h>
#include <rdma/fabric.h>
#include <rdma/fi_domain.h>
*/
import "C"

// MRAccess represents libfabric memory registration access flags.
type MRAccess uint64

const (
	MRAccessSend MRAccess = MRAccess(C.FI_SEND)
	MRAccessRecv MRAccess = MRAccess(C.FI_RECV)
)

const (
	MRModeLocal     = uint64(C.FI_MR_LOCAL)
	MRModeAllocated = uint64(C.FI_MR_ALLOCATED)
	MRModeProvKey   = uint64(C.FI_MR_PROV_KEY)
	MRModeVirtAddr  = uint64(C.FI_MR_VIRT_ADDR)
	MRModeEndpoint  = uint64(C.FI_MR_ENDPOINT)
)

// MemoryRegion wraps a libfabric fid_mr handle.
type MemoryRegion struct {
	ptr *C.struct_fid_mr
}

// RegisterMemory registers the supplied buffer with the given access flags.
func (d *Domain) RegisterMemory(buf unsafe.Pointer, length uintptr, access MRAccess, requestedKey uint64) (*MemoryRegion, error) {
	if d == nil || d.ptr == nil {
		return nil, ErrUnavailable.WithOp("fi_mr_reg")
	}
	if length == 0 {
		return nil, ErrUnavailable.WithOp("fi_mr_reg")
	}

	var mr *C.struct_fid_mr
	status := C.fi_mr_reg(d.ptr, buf, C.size_t(length), C.uint64_t(access), 0, C.uint64_t(requestedKey), 0, &mr, nil)
	if err := ErrorFromStatus(int(status), "fi_mr_reg"); err != nil {
		return nil, err
	}
	return &MemoryRegion{ptr: mr}, nil
}

// Close releases the memory region.
func (m *MemoryRegion) Close() error {
	if m == nil || m.ptr == nil {
		return nil
	}
	if err := closeFid(unsafe.Pointer(m.ptr), "mr"); err != nil {
		return err
	}
	m.ptr = nil
	return nil
}

// Descriptor returns the local descriptor passed alongside registered buffers.
func (m *MemoryRegion) Descriptor() unsafe.Pointer {
	if m == nil || m.ptr == nil {
		return nil
	}
	return C.fi_mr_desc(m.ptr)
}

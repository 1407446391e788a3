//go:build cgo

package capi

import (
	"unsafe"
)

/*
#cgo pkg-config: libfabric
#include <rdma/fabric.h>
#include <rdma/fi_domain.h>
*/
import "C"

// Domain is an opened fid_domain together with the fid_fabric it was opened
// on. Closing the domain closes the fabric too.
type Domain struct {
	ptr    *C.struct_fid_domain
	fabric *C.struct_fid_fabric
}

// OpenDomain opens the fabric and then the domain described by entry.
func OpenDomain(entry InfoEntry) (*Domain, error) {
	if entry.ptr == nil || entry.ptr.fabric_attr == nil {
		return nil, ErrUnavailable.WithOp("fi_fabric")
	}

	var fabric *C.struct_fid_fabric
	status := C.fi_fabric(entry.ptr.fabric_attr, &fabric, nil)
	if err := ErrorFromStatus(int(status), "fi_fabric"); err != nil {
		return nil, err
	}
	var dom *C.struct_fid_domain
	status = C.fi_domain(fabric, entry.ptr, &dom, nil)
	if err := ErrorFromStatus(int(status), "fi_domain"); err != nil {
		_ = closeFid(unsafe.Pointer(fabric), "fabric")
		return nil, err
	}
	return &Domain{ptr: dom, fabric: fabric}, nil
}

// Close releases the domain and then its fabric. A failed domain close leaves
// both open.
func (d *Domain) Close() error {
	if d == nil {
		return nil
	}
	if d.ptr != nil {
		if err := closeFid(unsafe.Pointer(d.ptr), "domain"); err != nil {
			return err
		}
		d.ptr = nil
	}
	if d.fabric != nil {
		if err := closeFid(unsafe.Pointer(d.fabric), "fabric"); err != nil {
			return err
		}
		d.fabric = nil
	}
	return nil
}

// closeFid calls fi_close on any fid-headed object.
func closeFid(fid unsafe.Pointer, what string) error {
	status := C.fi_close((*C.struct_fid)(fid))
	return ErrorFromStatus(int(status), "fi_close("+what+")")
}

//go:build cgo

package capi

import (
	"unsafe"
)

/*
#cgo pkg-config: libfabric
#include <string.h>
#include <rdma/fi_tagged.h>

static inline ssize_t go_fi_tpeek(struct fid_ep *ep, fi_addr_t src, uint64_t tag, uint64_t ignore, void *context) {
    struct fi_msg_tagged msg;
    memset(&msg, 0, sizeof(msg));
    msg.addr = src;
    msg.tag = tag;
    msg.ignore = ignore;
    msg.context = context;
    return fi_trecvmsg(ep, &msg, FI_PEEK);
}
*/
import "C"

// TSend posts a tagged send operation.
func (e *Endpoint) TSend(buffer unsafe.Pointer, length uintptr, desc unsafe.Pointer, dest FIAddr, tag uint64, context unsafe.Pointer) error {
	if e == nil || e.ptr == nil {
		return ErrUnavailable.WithOp("fi_tsend")
	}
	status := C.fi_tsend(e.ptr, buffer, C.size_t(length), desc, C.fi_addr_t(dest), C.uint64_t(tag), context)
	return ErrorFromStatus(int(status), "fi_tsend")
}

// TRecv posts a tagged receive operation.
func (e *Endpoint) TRecv(buffer unsafe.Pointer, length uintptr, desc unsafe.Pointer, src FIAddr, tag uint64, ignore uint64, context unsafe.Pointer) error {
	if e == nil || e.ptr == nil {
		return ErrUnavailable.WithOp("fi_trecv")
	}
	status := C.fi_trecv(e.ptr, buffer, C.size_t(length), desc, C.fi_addr_t(src), C.uint64_t(tag), C.uint64_t(ignore), context)
	return ErrorFromStatus(int(status), "fi_trecv")
}

// TPeek posts an FI_PEEK tagged receive. The provider reports a matching
// unexpected message as a completion carrying its length and tag, or fails
// the context with ErrNoMsg when nothing matches. The message stays queued.
func (e *Endpoint) TPeek(src FIAddr, tag uint64, ignore uint64, context unsafe.Pointer) error {
	if e == nil || e.ptr == nil {
		return ErrUnavailable.WithOp("fi_trecvmsg(peek)")
	}
	status := C.go_fi_tpeek(e.ptr, C.fi_addr_t(src), C.uint64_t(tag), C.uint64_t(ignore), context)
	return ErrorFromStatus(int(status), "fi_trecvmsg(peek)")
}

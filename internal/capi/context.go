//go:build cgo

package capi

import "unsafe"

/*
#cgo pkg-config: libfabric
#include <stdlib.h>
#include <rdma/fabric.h>
*/
import "C"

// CompletionContextAlloc allocates an opaque context pointer for use with
// libfabric operations. The block is sized for struct fi_context2 so it is
// also valid for providers that run in FI_CONTEXT mode. Call
// CompletionContextFree once the completion has been processed.
func CompletionContextAlloc() unsafe.Pointer {
	return C.calloc(1, C.size_t(unsafe.Sizeof(C.struct_fi_context2{})))
}

// CompletionContextFree releases a context previously allocated with
// CompletionContextAlloc.
func CompletionContextFree(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	C.free(ptr)
}

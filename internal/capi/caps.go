//go:build cgo

package capi

/*
#cgo pkg-config: libfabric
#include <rdma/fabric.h>
*/
import "C"

const (
	CapMsg          = uint64(C.FI_MSG)
	CapTagged       = uint64(C.FI_TAGGED)
	CapRMA          = uint64(C.FI_RMA)
	CapDirectedRecv = uint64(C.FI_DIRECTED_RECV)
	CapSource       = uint64(C.FI_SOURCE)
)

const (
	ModeContext  = uint64(C.FI_CONTEXT)
	ModeContext2 = uint64(C.FI_CONTEXT2)
)

// HasCaps reports whether every bit of want is set in caps.
func HasCaps(caps, want uint64) bool {
	return caps&want == want
}

//go:build cgo

package capi

import (
	"cmp"
	"fmt"
)

/*
#cgo pkg-config: libfabric
#include <rdma/fabric.h>

static inline uint32_t go_runtime_version(void) { return fi_version(); }
static inline uint32_t go_build_version(void) { return FI_VERSION(FI_MAJOR_VERSION, FI_MINOR_VERSION); }
static inline unsigned int go_version_major(uint32_t v) { return FI_MAJOR(v); }
static inline unsigned int go_version_minor(uint32_t v) { return FI_MINOR(v); }
*/
import "C"

// Version is a libfabric major.minor pair.
type Version struct {
	Major uint
	Minor uint
}

func unpackVersion(v C.uint32_t) Version {
	return Version{Major: uint(C.go_version_major(v)), Minor: uint(C.go_version_minor(v))}
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Compare orders versions like cmp.Compare.
func (v Version) Compare(other Version) int {
	if c := cmp.Compare(v.Major, other.Major); c != 0 {
		return c
	}
	return cmp.Compare(v.Minor, other.Minor)
}

// RuntimeVersion reports the version of the linked library.
func RuntimeVersion() Version {
	return unpackVersion(C.go_runtime_version())
}

// BuildVersion reports the header version used at compile time; it is the
// API version requested from fi_getinfo.
func BuildVersion() Version {
	return unpackVersion(C.go_build_version())
}

// EnsureRuntimeAtLeast fails when the linked library is older than minimum.
func EnsureRuntimeAtLeast(minimum Version) error {
	if rt := RuntimeVersion(); rt.Compare(minimum) < 0 {
		return fmt.Errorf("libfabric runtime %s is older than required %s", rt, minimum)
	}
	return nil
}

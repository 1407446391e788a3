//go:build cgo

package capi

import "testing"

func TestGetInfoReturnsProviders(t *testing.T) {
	info, err := GetInfo(BuildVersion(), "", "", 0, nil)
	if err != nil {
		t.Fatalf("GetInfo failed: %v", err)
	}
	defer info.Free()

	entries := info.Entries()
	if len(entries) == 0 {
		t.Fatalf("expected at least one fi_info entry")
	}

	for _, entry := range entries {
		if entry.ProviderName() == "" {
			t.Fatalf("provider name should not be empty")
		}
	}
}

func TestGetInfoTaggedHints(t *testing.T) {
	hints := AllocInfo()
	defer hints.Free()
	hints.SetEndpointType(EndpointTypeRDM)
	hints.SetCaps(CapTagged | CapDirectedRecv)
	hints.SetMode(ModeContext | ModeContext2)
	hints.SetMRMode(MRModeLocal | MRModeAllocated | MRModeProvKey | MRModeVirtAddr)

	info, err := GetInfo(BuildVersion(), "", "", 0, hints)
	if err != nil {
		t.Skipf("no tagged RDM provider available: %v", err)
	}
	defer info.Free()
	for _, entry := range info.Entries() {
		if !HasCaps(entry.Caps(), CapTagged) {
			t.Fatalf("provider %s returned without FI_TAGGED", entry.ProviderName())
		}
		if entry.EndpointType() != EndpointTypeRDM {
			t.Fatalf("provider %s returned endpoint type %s", entry.ProviderName(), entry.EndpointType())
		}
	}
}

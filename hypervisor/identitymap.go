package hypervisor

import (
	"github.com/hyperlight-dev/hyperlight-go/memlayout"
	"github.com/hyperlight-dev/hyperlight-go/sharedmem"
)

// pdEntryCount is how many 2MB pages one page directory's worth of
// entries can map: 512 entries * 2MB = 1GiB, so a single PML4 entry and
// a single PDPT entry map guest addresses 0 through 1GiB. A region
// mapped at guest base b is fully covered when b plus its total size is
// at most 1GiB.
const pdEntryCount = 512

// WriteIdentityPageTables builds a 4-level (PML4/PDPT/PD, 2MB pages)
// identity map covering the full 1GiB reach of a single PDPT entry and
// writes it into region at layout's reserved page-table area (§4.5:
// "the guest sees an identity mapping over the sandbox region via the
// supplied CR3"). Table addresses are computed from region.GuestBase(),
// the guest physical address the region is mapped at. It returns the
// CR3 value (the PML4's physical/guest address) for the driver to load.
//
// Only virtualized run mode calls this; in-process mode has no paging.
func WriteIdentityPageTables(region *sharedmem.Region, layout *memlayout.Layout) (uint64, error) {
	base := region.GuestBase()
	pml4Addr, err := layout.PML4Address(base)
	if err != nil {
		return 0, err
	}
	pdptAddr, err := layout.PDPTAddress(base)
	if err != nil {
		return 0, err
	}
	pdAddr, err := layout.PDAddress(base)
	if err != nil {
		return 0, err
	}

	if err := region.WriteU64(pml4Addr-base, NewPML4Entry(pdptAddr)); err != nil {
		return 0, err
	}
	if err := region.WriteU64(pdptAddr-base, NewPDPTEntry(pdAddr)); err != nil {
		return 0, err
	}
	for i := 0; i < pdEntryCount; i++ {
		physAddr := uint64(i) * twoMB
		if err := region.WriteU64(pdAddr-base+uint64(i)*8, NewPDEntry2MB(physAddr)); err != nil {
			return 0, err
		}
	}

	return pml4Addr, nil
}

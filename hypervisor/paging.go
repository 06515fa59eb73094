package hypervisor

// Page table entry flags for long-mode (64-bit) paging. Adapted from
// the teacher's 32-bit PDE_PAGE_SIZE/PTE_PRESENT scheme: the spec's
// guest runs in 64-bit long mode with a single identity-mapped region
// instead of the teacher's 32-bit 4MB-page flat map, so the entry
// shapes grow to 8 bytes and gain a PML4/PDPT level, but the
// "present | writable | big-page" vocabulary carries over unchanged.
const (
	PageFlagPresent  uint64 = 1 << 0
	PageFlagWritable uint64 = 1 << 1
	PageFlagUser     uint64 = 1 << 2
	PageFlagPageSize uint64 = 1 << 7 // set on a PD entry to map a 2MB page directly
)

const twoMB = 2 * 1024 * 1024

// NewPML4Entry builds a PML4 entry pointing at a PDPT.
func NewPML4Entry(pdptPhysAddr uint64) uint64 {
	return (pdptPhysAddr &^ 0xFFF) | PageFlagPresent | PageFlagWritable
}

// NewPDPTEntry builds a PDPT entry pointing at a page directory.
func NewPDPTEntry(pdPhysAddr uint64) uint64 {
	return (pdPhysAddr &^ 0xFFF) | PageFlagPresent | PageFlagWritable
}

// NewPDEntry2MB builds a page-directory entry that maps a 2MB page
// directly (PS=1), skipping the page-table level entirely.
func NewPDEntry2MB(physAddr uint64) uint64 {
	return (physAddr &^ (twoMB - 1)) | PageFlagPresent | PageFlagWritable | PageFlagPageSize
}

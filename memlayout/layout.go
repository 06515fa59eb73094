// Package memlayout computes the deterministic offset schedule (§4.3)
// that maps a MemoryConfig + PE headers onto a fixed set of
// byte-offset regions within a sandbox's shared memory region, and
// serializes the guest-visible PEB-like header (§6) into it.
package memlayout

import (
	"fmt"

	"github.com/hyperlight-dev/hyperlight-go/peimage"
	"github.com/hyperlight-dev/hyperlight-go/sharedmem"
)

const (
	pageSize = sharedmem.PageSize

	// pageTableAreaSize covers PML4 + PDPT + PD (§4.3 item 1): three
	// page-sized tables.
	pageTableAreaSize = 0x3000
	pml4Offset        = 0x0000
	pdptOffset        = 0x1000
	pdOffset          = 0x2000

	// pebHeaderSize is generous room for the 14-field PEB (§6): 13
	// 8-byte pointers/values plus a 16-byte cookie, rounded up.
	pebHeaderSize = 256

	// maxTotalSize is the ~1 GiB hard ceiling from §3/§4.3.
	maxTotalSize = 1 << 30
)

// ErrMemoryTooLarge is returned when the computed total size exceeds
// maxTotalSize.
type ErrMemoryTooLarge struct {
	TotalSize, Max uint64
}

func (e *ErrMemoryTooLarge) Error() string {
	return fmt.Sprintf("memlayout: total size %d exceeds maximum %d", e.TotalSize, e.Max)
}

// RunMode selects whether guest code executes in a hypervisor
// partition or directly in the host process (§4.3/§4.7).
type RunMode uint32

const (
	RunModeVirtualized RunMode = 0
	RunModeInProcess    RunMode = 1
)

// Layout is the derived, immutable map of logical regions to byte
// offsets from the guest base (§3). All offsets are page-aligned.
type Layout struct {
	cfg MemoryConfig

	PageTableOffset uint64
	CodeOffset      uint64
	CodeSize        uint64
	PEBOffset       uint64
	HostFuncDefsOffset uint64
	HostExceptionOffset uint64
	GuestErrorOffset    uint64
	InputBufferOffset   uint64
	OutputBufferOffset  uint64
	GuestPanicOffset    uint64 // also serves as the log-data area (see config.go)
	HeapOffset          uint64
	StackGuardPageOffset uint64
	StackOffset          uint64
	TrailingGuardOffset  uint64

	TotalSize uint64
}

// New computes a Layout from cfg and the guest's parsed PE headers.
// codeSize is the size of the relocated PE image; memmgr.LoadBinary
// passes the PE file's length in both run modes.
func New(cfg MemoryConfig, h *peimage.PEHeaders, codeSize uint64) (*Layout, error) {
	cfg = cfg.WithMinimums()
	if h != nil {
		if cfg.GuestStackSize == 0 {
			cfg.GuestStackSize = h.StackReserve
		}
		if cfg.GuestHeapSize == 0 {
			cfg.GuestHeapSize = h.HeapReserve
		}
	}

	l := &Layout{cfg: cfg}
	offset := uint64(0)

	l.PageTableOffset = offset
	offset += alignUp(pageTableAreaSize)

	l.CodeOffset = offset
	l.CodeSize = codeSize
	offset += alignUp(codeSize)

	l.PEBOffset = offset
	offset += alignUp(pebHeaderSize)

	l.HostFuncDefsOffset = offset
	offset += alignUp(cfg.HostFunctionDefinitionSize)

	l.HostExceptionOffset = offset
	offset += alignUp(cfg.HostExceptionSize)

	l.GuestErrorOffset = offset
	offset += alignUp(cfg.GuestErrorBufferSize)

	l.InputBufferOffset = offset
	offset += alignUp(cfg.InputDataSize)

	l.OutputBufferOffset = offset
	offset += alignUp(cfg.OutputDataSize)

	l.GuestPanicOffset = offset
	offset += alignUp(guestPanicAreaSize)

	l.HeapOffset = offset
	offset += alignUp(cfg.GuestHeapSize)

	l.StackGuardPageOffset = offset
	offset += pageSize

	l.StackOffset = offset
	offset += alignUp(cfg.GuestStackSize)

	l.TrailingGuardOffset = offset
	offset += 2 * pageSize

	l.TotalSize = offset
	if l.TotalSize > maxTotalSize {
		return nil, &ErrMemoryTooLarge{TotalSize: l.TotalSize, Max: maxTotalSize}
	}
	return l, nil
}

func alignUp(v uint64) uint64 {
	if v == 0 {
		return 0
	}
	return (v + pageSize - 1) &^ (pageSize - 1)
}

// addr computes base+offset with an overflow check (§4.3: "numeric
// overflow checks").
func addr(base, offset uint64) (uint64, error) {
	sum := base + offset
	if sum < base {
		return 0, fmt.Errorf("memlayout: address overflow computing base 0x%x + offset 0x%x", base, offset)
	}
	return sum, nil
}

func (l *Layout) PML4Address(base uint64) (uint64, error)   { return addr(base, l.PageTableOffset+pml4Offset) }
func (l *Layout) PDPTAddress(base uint64) (uint64, error)    { return addr(base, l.PageTableOffset+pdptOffset) }
func (l *Layout) PDAddress(base uint64) (uint64, error)      { return addr(base, l.PageTableOffset+pdOffset) }
func (l *Layout) CodeAddress(base uint64) (uint64, error)    { return addr(base, l.CodeOffset) }
func (l *Layout) PEBAddress(base uint64) (uint64, error)     { return addr(base, l.PEBOffset) }
func (l *Layout) HostFuncDefsAddress(base uint64) (uint64, error) {
	return addr(base, l.HostFuncDefsOffset)
}
func (l *Layout) HostExceptionAddress(base uint64) (uint64, error) {
	return addr(base, l.HostExceptionOffset)
}
func (l *Layout) GuestErrorAddress(base uint64) (uint64, error) { return addr(base, l.GuestErrorOffset) }
func (l *Layout) InputBufferAddress(base uint64) (uint64, error) {
	return addr(base, l.InputBufferOffset)
}
func (l *Layout) OutputBufferAddress(base uint64) (uint64, error) {
	return addr(base, l.OutputBufferOffset)
}
func (l *Layout) GuestPanicAddress(base uint64) (uint64, error) { return addr(base, l.GuestPanicOffset) }
func (l *Layout) LogBufferAddress(base uint64) (uint64, error) { return addr(base, l.GuestPanicOffset) }
func (l *Layout) HeapAddress(base uint64) (uint64, error)       { return addr(base, l.HeapOffset) }
func (l *Layout) StackTopAddress(base uint64) (uint64, error) {
	// The stack grows down from the top of its reservation.
	return addr(base, l.StackOffset+l.cfg.GuestStackSize)
}
func (l *Layout) StackGuardPageAddress(base uint64) (uint64, error) {
	return addr(base, l.StackGuardPageOffset)
}

// GetHostCodeAddress returns the host VA of the code region given the
// host base of the region (§4.3).
func (l *Layout) GetHostCodeAddress(hostBase uintptr) uintptr {
	return hostBase + uintptr(l.CodeOffset)
}

// Config returns the (minimum-clamped) MemoryConfig this layout was
// derived from.
func (l *Layout) Config() MemoryConfig { return l.cfg }

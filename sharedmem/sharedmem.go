// Package sharedmem owns the page-aligned host buffer that is mapped
// into a sandboxed guest's address space and provides bounds-checked
// typed access to it.
package sharedmem

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// PageSize is the page size used for all sandbox region allocations.
const PageSize = 4096

// Region is a contiguous, page-aligned byte range backing a sandbox.
// It is mmap'd anonymously on the host and, in virtualized run mode,
// the same bytes are mapped into the guest at GuestBase via the
// hypervisor driver's KVM_SET_USER_MEMORY_REGION call. In in-process
// run mode GuestBase equals the host address of Bytes()[0].
//
// A Region is not safe for concurrent access; callers serialize access
// through the owning Sandbox's call discipline.
type Region struct {
	buf       []byte
	guestBase uint64
}

// ErrOutOfBounds is returned when an access would read or write past
// the end of the region.
type ErrOutOfBounds struct {
	Offset, Length, RegionSize uint64
}

func (e *ErrOutOfBounds) Error() string {
	return fmt.Sprintf("sharedmem: access at offset %d length %d exceeds region size %d",
		e.Offset, e.Length, e.RegionSize)
}

// ErrSizeMismatch is returned by RestoreFromSnapshot when the snapshot
// length differs from the region's length.
type ErrSizeMismatch struct {
	SnapshotSize, RegionSize int
}

func (e *ErrSizeMismatch) Error() string {
	return fmt.Sprintf("sharedmem: snapshot size %d does not match region size %d", e.SnapshotSize, e.RegionSize)
}

// Allocate mmaps size bytes of anonymous, zeroed memory for use as a
// sandbox region. size is rounded up to a multiple of PageSize.
func Allocate(size uint64) (*Region, error) {
	aligned := alignUp(size, PageSize)
	buf, err := unix.Mmap(-1, 0, int(aligned), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("sharedmem: mmap %d bytes: %w", aligned, err)
	}
	return &Region{buf: buf}, nil
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// Free unmaps the region. It is idempotent.
func (r *Region) Free() error {
	if r.buf == nil {
		return nil
	}
	err := unix.Munmap(r.buf)
	r.buf = nil
	if err != nil {
		return fmt.Errorf("sharedmem: munmap: %w", err)
	}
	return nil
}

// SetGuestBase records the guest-visible base address this region is
// (or will be) mapped at. It does not perform the mapping itself; that
// is the hypervisor driver's responsibility.
func (r *Region) SetGuestBase(base uint64) { r.guestBase = base }

// GuestBase returns the guest-visible base address.
func (r *Region) GuestBase() uint64 { return r.guestBase }

// HostBase returns the host virtual address of byte 0, or 0 if unallocated.
func (r *Region) HostBase() uintptr {
	if len(r.buf) == 0 {
		return 0
	}
	return uintptr(hostPointer(r.buf))
}

// Size returns the region's length in bytes.
func (r *Region) Size() uint64 { return uint64(len(r.buf)) }

// Bytes exposes the raw backing slice. Callers outside this package
// should prefer the typed accessors; Bytes exists for the hypervisor
// driver, which must hand the raw slice to KVM_SET_USER_MEMORY_REGION.
func (r *Region) Bytes() []byte { return r.buf }

func (r *Region) checkBounds(offset, length uint64) error {
	if offset > uint64(len(r.buf)) || length > uint64(len(r.buf))-offset {
		return &ErrOutOfBounds{Offset: offset, Length: length, RegionSize: uint64(len(r.buf))}
	}
	return nil
}

// ReadU32 reads a little-endian uint32 at offset.
func (r *Region) ReadU32(offset uint64) (uint32, error) {
	if err := r.checkBounds(offset, 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(r.buf[offset:]), nil
}

// ReadU64 reads a little-endian uint64 at offset.
func (r *Region) ReadU64(offset uint64) (uint64, error) {
	if err := r.checkBounds(offset, 8); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(r.buf[offset:]), nil
}

// ReadI32 reads a little-endian int32 at offset.
func (r *Region) ReadI32(offset uint64) (int32, error) {
	v, err := r.ReadU32(offset)
	return int32(v), err
}

// ReadI64 reads a little-endian int64 at offset.
func (r *Region) ReadI64(offset uint64) (int64, error) {
	v, err := r.ReadU64(offset)
	return int64(v), err
}

// WriteU32 writes a little-endian uint32 at offset.
func (r *Region) WriteU32(offset uint64, v uint32) error {
	if err := r.checkBounds(offset, 4); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(r.buf[offset:], v)
	return nil
}

// WriteU64 writes a little-endian uint64 at offset.
func (r *Region) WriteU64(offset uint64, v uint64) error {
	if err := r.checkBounds(offset, 8); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(r.buf[offset:], v)
	return nil
}

// WriteI32 writes a little-endian int32 at offset.
func (r *Region) WriteI32(offset uint64, v int32) error {
	return r.WriteU32(offset, uint32(v))
}

// WriteI64 writes a little-endian int64 at offset.
func (r *Region) WriteI64(offset uint64, v int64) error {
	return r.WriteU64(offset, uint64(v))
}

// CopyIn copies src into the region starting at dstOffset.
func (r *Region) CopyIn(src []byte, dstOffset uint64) error {
	if err := r.checkBounds(dstOffset, uint64(len(src))); err != nil {
		return err
	}
	copy(r.buf[dstOffset:], src)
	return nil
}

// CopyOut copies length bytes starting at srcOffset into dst. dst must
// have at least length bytes of capacity from its start.
func (r *Region) CopyOut(srcOffset uint64, dst []byte, length uint64) error {
	if err := r.checkBounds(srcOffset, length); err != nil {
		return err
	}
	if uint64(len(dst)) < length {
		return fmt.Errorf("sharedmem: destination buffer (%d bytes) too small for %d bytes", len(dst), length)
	}
	copy(dst[:length], r.buf[srcOffset:srcOffset+length])
	return nil
}

// CopyAllOut returns a fresh copy of the entire region.
func (r *Region) CopyAllOut() []byte {
	out := make([]byte, len(r.buf))
	copy(out, r.buf)
	return out
}

// Snapshot is a byte-for-byte copy of a Region's contents taken at a
// chosen moment, typically the end of guest initialization.
type Snapshot struct {
	data []byte
}

// Snapshot captures the region's current contents.
func (r *Region) Snapshot() *Snapshot {
	return &Snapshot{data: r.CopyAllOut()}
}

// Replace overwrites s's contents from the region's current state.
// The Sandbox may call this at most once per successful init (§3).
func (r *Region) Replace(s *Snapshot) {
	s.data = r.CopyAllOut()
}

// RestoreFromSnapshot overwrites the region's contents from s.
func (r *Region) RestoreFromSnapshot(s *Snapshot) error {
	if len(s.data) != len(r.buf) {
		return &ErrSizeMismatch{SnapshotSize: len(s.data), RegionSize: len(r.buf)}
	}
	copy(r.buf, s.data)
	return nil
}

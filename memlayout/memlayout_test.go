package memlayout_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hyperlight-dev/hyperlight-go/memlayout"
	"github.com/hyperlight-dev/hyperlight-go/peimage"
	"github.com/hyperlight-dev/hyperlight-go/sharedmem"
)

func testHeaders() *peimage.PEHeaders {
	// ParseHeaders has no exported constructor; build a layout that
	// only needs the stack/heap reserve fields by passing nil and
	// setting those sizes directly on the config instead.
	return nil
}

func TestNewYieldsNonOverlappingRegionsWithinMax(t *testing.T) {
	cfg := memlayout.MemoryConfig{
		GuestStackSize: 64 * 1024,
		GuestHeapSize:  128 * 1024,
	}
	l, err := memlayout.New(cfg, testHeaders(), 16*1024)
	require.NoError(t, err)

	type region struct {
		name        string
		start, size uint64
	}
	regions := []region{
		{"pagetables", l.PageTableOffset, 0x3000},
		{"code", l.CodeOffset, l.CodeSize},
		{"peb", l.PEBOffset, 256},
		{"hostfuncdefs", l.HostFuncDefsOffset, memlayout.MinHostFunctionDefinitionSize},
		{"hostexception", l.HostExceptionOffset, memlayout.MinHostExceptionSize},
		{"guesterror", l.GuestErrorOffset, memlayout.MinGuestErrorBufferSize},
		{"input", l.InputBufferOffset, memlayout.MinInputDataSize},
		{"output", l.OutputBufferOffset, memlayout.MinOutputDataSize},
		{"panic", l.GuestPanicOffset, 4096},
		{"heap", l.HeapOffset, 128 * 1024},
		{"stackguard", l.StackGuardPageOffset, sharedmem.PageSize},
		{"stack", l.StackOffset, 64 * 1024},
		{"trailingguard", l.TrailingGuardOffset, 2 * sharedmem.PageSize},
	}

	for i := 1; i < len(regions); i++ {
		prev, cur := regions[i-1], regions[i]
		require.LessOrEqualf(t, prev.start+alignUp(prev.size), cur.start,
			"region %q (end 0x%x) overlaps region %q (start 0x%x)",
			prev.name, prev.start+prev.size, cur.name, cur.start)
	}

	require.LessOrEqual(t, l.TotalSize, uint64(1<<30))
	require.Greater(t, l.TotalSize, uint64(0))
}

func alignUp(v uint64) uint64 {
	const pageSize = sharedmem.PageSize
	if v == 0 {
		return 0
	}
	return (v + pageSize - 1) &^ (pageSize - 1)
}

func TestNewRejectsOversizedLayout(t *testing.T) {
	cfg := memlayout.MemoryConfig{
		GuestStackSize: 1 << 31,
		GuestHeapSize:  1 << 31,
	}
	_, err := memlayout.New(cfg, testHeaders(), 0)
	require.Error(t, err)
	var tooLarge *memlayout.ErrMemoryTooLarge
	require.ErrorAs(t, err, &tooLarge)
}

func TestAddressesAreBaseRelative(t *testing.T) {
	cfg := memlayout.MemoryConfig{GuestStackSize: 64 * 1024, GuestHeapSize: 64 * 1024}
	l, err := memlayout.New(cfg, testHeaders(), 4096)
	require.NoError(t, err)

	const base = uint64(0x20000000000)
	peb, err := l.PEBAddress(base)
	require.NoError(t, err)
	require.Equal(t, base+l.PEBOffset, peb)

	code, err := l.CodeAddress(base)
	require.NoError(t, err)
	require.Equal(t, base+l.CodeOffset, code)

	logBuf, err := l.LogBufferAddress(base)
	require.NoError(t, err)
	panicAddr, err := l.GuestPanicAddress(base)
	require.NoError(t, err)
	require.Equal(t, panicAddr, logBuf, "log buffer aliases the guest panic area")
}

func TestAddressOverflowIsRejected(t *testing.T) {
	cfg := memlayout.MemoryConfig{GuestStackSize: 64 * 1024, GuestHeapSize: 64 * 1024}
	l, err := memlayout.New(cfg, testHeaders(), 4096)
	require.NoError(t, err)

	_, err = l.CodeAddress(^uint64(0))
	require.Error(t, err)
}

func TestWriteMemoryLayoutRoundTrip(t *testing.T) {
	cfg := memlayout.MemoryConfig{GuestStackSize: 64 * 1024, GuestHeapSize: 64 * 1024}
	l, err := memlayout.New(cfg, testHeaders(), 4096)
	require.NoError(t, err)

	region, err := sharedmem.Allocate(l.TotalSize)
	require.NoError(t, err)
	defer region.Free()

	const guestBase = uint64(0x0)
	cookie := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	const outBHandler = uint64(0xdeadbeef)
	require.NoError(t, l.WriteMemoryLayout(region, guestBase, memlayout.RunModeInProcess, outBHandler, cookie))

	pebAddr, err := l.PEBAddress(guestBase)
	require.NoError(t, err)

	codeAddr, err := region.ReadU64(pebAddr + 0)
	require.NoError(t, err)
	wantCode, _ := l.CodeAddress(guestBase)
	require.Equal(t, wantCode, codeAddr)

	gotOutBHandler, err := region.ReadU64(pebAddr + 16)
	require.NoError(t, err)
	require.Equal(t, outBHandler, gotOutBHandler)

	heapSize, err := region.ReadU64(pebAddr + 80)
	require.NoError(t, err)
	require.Equal(t, cfg.GuestHeapSize, heapSize)

	runMode, err := region.ReadU64(pebAddr + 96)
	require.NoError(t, err)
	require.Equal(t, uint64(memlayout.RunModeInProcess), runMode)

	gotCookie := make([]byte, 16)
	require.NoError(t, region.CopyOut(pebAddr+104, gotCookie, 16))
	want := make([]byte, 16)
	copy(want, cookie)
	require.Equal(t, want, gotCookie)

	dispatch, err := l.ReadDispatchFunctionPointer(region, guestBase)
	require.NoError(t, err)
	require.Equal(t, uint64(0), dispatch, "dispatch pointer is unset until the guest writes it")
}

func TestWriteMemoryLayoutRejectsBadCookieLength(t *testing.T) {
	cfg := memlayout.MemoryConfig{GuestStackSize: 64 * 1024, GuestHeapSize: 64 * 1024}
	l, err := memlayout.New(cfg, testHeaders(), 4096)
	require.NoError(t, err)

	region, err := sharedmem.Allocate(l.TotalSize)
	require.NoError(t, err)
	defer region.Free()

	require.Error(t, l.WriteMemoryLayout(region, 0, memlayout.RunModeInProcess, 0, nil))
	require.Error(t, l.WriteMemoryLayout(region, 0, memlayout.RunModeInProcess, 0, make([]byte, 17)))
}

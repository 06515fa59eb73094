package memlayout

import "github.com/hyperlight-dev/hyperlight-go/sharedmem"

// PEB field offsets, relative to Layout.PEBOffset. The order here is
// normative (§6): "Changing this order breaks guests." pDispatch is
// written as 0 at construction time and is filled in by the guest
// during its one-time init; the host re-reads it after the first run
// (see memmgr.Manager.DispatchFunctionPointer). pOutBHandler is
// host-written: in virtualized mode it is left 0 (the guest signals
// the host with a real OUT instead); in in-process mode it holds the
// value the caller passes, which the Sandbox sets to a nonzero marker
// rather than a callable address.
const (
	pebCode          = 0
	pebDispatch      = 8
	pebOutBHandler   = 16
	pebInputBuf      = 24
	pebOutputBuf     = 32
	pebHostFuncDefs  = 40
	pebHostException = 48
	pebGuestErrorBuf = 56
	pebLogBuf        = 64
	pebHeapBase      = 72
	pebHeapSize      = 80
	pebStackTop      = 88
	pebRunModeFlag   = 96
	pebStackCookie   = 104 // 16 bytes
	pebEncodedSize   = 120
)

// WriteMemoryLayout serializes the PEB header into region at
// l.PEBOffset, computing every guest address from guestBase (§4.3).
// cookie must be 8-16 bytes (§3); it is zero-padded to 16 bytes.
// outBHandler is written verbatim into pOutBHandler; pass 0 in
// virtualized mode, where the guest signals the host with a real OUT
// instruction instead.
func (l *Layout) WriteMemoryLayout(region *sharedmem.Region, guestBase uint64, mode RunMode, outBHandler uint64, cookie []byte) error {
	if len(cookie) < 8 || len(cookie) > 16 {
		return errInvalidCookieLength(len(cookie))
	}

	// Region accessors take byte offsets; guestBase only feeds the guest
	// addresses written as field values.
	peb := l.PEBOffset
	code, err := l.CodeAddress(guestBase)
	if err != nil {
		return err
	}
	inputBuf, err := l.InputBufferAddress(guestBase)
	if err != nil {
		return err
	}
	outputBuf, err := l.OutputBufferAddress(guestBase)
	if err != nil {
		return err
	}
	hostFuncDefs, err := l.HostFuncDefsAddress(guestBase)
	if err != nil {
		return err
	}
	hostException, err := l.HostExceptionAddress(guestBase)
	if err != nil {
		return err
	}
	guestError, err := l.GuestErrorAddress(guestBase)
	if err != nil {
		return err
	}
	logBuf, err := l.LogBufferAddress(guestBase)
	if err != nil {
		return err
	}
	heapBase, err := l.HeapAddress(guestBase)
	if err != nil {
		return err
	}
	stackTop, err := l.StackTopAddress(guestBase)
	if err != nil {
		return err
	}

	writes := []struct {
		off uint64
		val uint64
	}{
		{pebCode, code},
		{pebDispatch, 0}, // filled in by the guest
		{pebOutBHandler, outBHandler},
		{pebInputBuf, inputBuf},
		{pebOutputBuf, outputBuf},
		{pebHostFuncDefs, hostFuncDefs},
		{pebHostException, hostException},
		{pebGuestErrorBuf, guestError},
		{pebLogBuf, logBuf},
		{pebHeapBase, heapBase},
		{pebHeapSize, l.cfg.GuestHeapSize},
		{pebStackTop, stackTop},
		{pebRunModeFlag, uint64(mode)},
	}
	for _, w := range writes {
		if err := region.WriteU64(peb+w.off, w.val); err != nil {
			return err
		}
	}

	padded := make([]byte, 16)
	copy(padded, cookie)
	if err := region.CopyIn(padded, peb+pebStackCookie); err != nil {
		return err
	}
	return nil
}

// StackCookieAddress returns the guest address of the 16-byte stack
// guard cookie field within the PEB, for callers that need to verify
// it directly without going through WriteMemoryLayout again.
func (l *Layout) StackCookieAddress(guestBase uint64) (uint64, error) {
	peb, err := l.PEBAddress(guestBase)
	if err != nil {
		return 0, err
	}
	return addr(peb, pebStackCookie)
}

// ReadDispatchFunctionPointer reads back the guest-address the guest
// wrote into the PEB's pDispatch field during its one-time init. The
// field is read at its region offset, so guestBase does not affect the
// result.
func (l *Layout) ReadDispatchFunctionPointer(region *sharedmem.Region, guestBase uint64) (uint64, error) {
	return region.ReadU64(l.PEBOffset + pebDispatch)
}

type errInvalidCookieLength int

func (e errInvalidCookieLength) Error() string {
	return "memlayout: stack guard cookie must be 8-16 bytes, got " + itoa(int(e))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

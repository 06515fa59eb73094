package memlayout

// Minimum sizes for each configurable region (§3).
const (
	MinInputDataSize               = 8 * 1024
	MinOutputDataSize              = 8 * 1024
	MinHostFunctionDefinitionSize  = 4 * 1024
	MinHostExceptionSize           = 16 * 1024
	MinGuestErrorBufferSize        = 128

	DefaultMaxExecutionTimeMs        = 1000
	DefaultMaxWaitForCancellationMs  = 100

	// guestPanicAreaSize is the fixed size of the combined guest-panic /
	// guest-log area (§4.3 item 9). §4.3 lists a "guest panic area
	// (fixed small)" but no separate region for the §6 pLogBuf pointer;
	// this implementation resolves that by having pLogBuf alias the
	// panic area, sized generously enough to hold one GuestLogData
	// frame alongside a panic context.
	guestPanicAreaSize = 4096

	// GuestPanicAreaSize is the exported form of guestPanicAreaSize, for
	// callers (hostfunc) that need to size a read of the combined
	// guest-panic / guest-log area.
	GuestPanicAreaSize = guestPanicAreaSize
)

// MemoryConfig holds the sizing knobs recognized when deriving a
// Layout (§3). Fields left at zero for the size knobs receive their
// minimum; GuestStackSize/GuestHeapSize are normally populated from
// the guest PE's headers, not chosen by the caller.
type MemoryConfig struct {
	InputDataSize              uint64
	OutputDataSize             uint64
	HostFunctionDefinitionSize uint64
	HostExceptionSize          uint64
	GuestErrorBufferSize       uint64

	GuestStackSize uint64
	GuestHeapSize  uint64

	MaxExecutionTimeMs       uint64
	MaxWaitForCancellationMs uint64
}

// WithMinimums returns a copy of c with every size field clamped to
// its §3 minimum and the timing fields defaulted if zero.
func (c MemoryConfig) WithMinimums() MemoryConfig {
	out := c
	out.InputDataSize = max64(out.InputDataSize, MinInputDataSize)
	out.OutputDataSize = max64(out.OutputDataSize, MinOutputDataSize)
	out.HostFunctionDefinitionSize = max64(out.HostFunctionDefinitionSize, MinHostFunctionDefinitionSize)
	out.HostExceptionSize = max64(out.HostExceptionSize, MinHostExceptionSize)
	out.GuestErrorBufferSize = max64(out.GuestErrorBufferSize, MinGuestErrorBufferSize)
	if out.MaxExecutionTimeMs == 0 {
		out.MaxExecutionTimeMs = DefaultMaxExecutionTimeMs
	}
	if out.MaxWaitForCancellationMs == 0 {
		out.MaxWaitForCancellationMs = DefaultMaxWaitForCancellationMs
	}
	return out
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

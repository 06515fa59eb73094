// Package hypervisor abstracts the two backends a Sandbox can run a
// guest under: a real hardware-virtualized vCPU (kvm_linux.go) and a
// trivial in-process call (inprocess.go), behind one Driver contract
// (§4.5). It also carries the long-mode GDT and identity-map builders
// the teacher's 32-bit real-mode boot path used in a simpler form.
package hypervisor

import (
	"errors"
	"time"

	"github.com/hyperlight-dev/hyperlight-go/sharedmem"
)

// FaultKind classifies a Fault exit (§4.5).
type FaultKind int

const (
	FaultUnknownExit FaultKind = iota
	FaultPageFault
	FaultInvalidOpcode
	FaultTripleFault
	FaultMMIO
	FaultHung
)

func (k FaultKind) String() string {
	switch k {
	case FaultPageFault:
		return "page fault"
	case FaultInvalidOpcode:
		return "invalid opcode"
	case FaultTripleFault:
		return "triple fault"
	case FaultMMIO:
		return "unexpected MMIO"
	case FaultHung:
		return "hung cancellation"
	default:
		return "unknown exit"
	}
}

// ExitKind tags which variant of ExitReason a Run returned.
type ExitKind int

const (
	ExitHalt ExitKind = iota
	ExitOut
	ExitCancelled
	ExitFault
)

// ExitReason is the sum type `{Halt, Out{port,payload}, Cancelled,
// Fault{kind}}` from §4.5, represented as a tagged struct since Go has
// no native sum types.
type ExitReason struct {
	Kind ExitKind

	Port    uint16
	Payload uint8

	FaultKind FaultKind
}

func Halt() ExitReason                          { return ExitReason{Kind: ExitHalt} }
func Out(port uint16, payload uint8) ExitReason  { return ExitReason{Kind: ExitOut, Port: port, Payload: payload} }
func Cancelled() ExitReason                     { return ExitReason{Kind: ExitCancelled} }
func Fault(kind FaultKind) ExitReason           { return ExitReason{Kind: ExitFault, FaultKind: kind} }

// ErrHung is returned (wrapped in a Fault) when the vCPU does not
// leave execution within max_wait_for_cancellation_ms of being
// signaled (§5).
var ErrHung = errors.New("hypervisor: vCPU did not respond to cancellation")

// ErrUnsupportedPlatform is returned by NewVirtualizedDriver on any
// platform without a real KVM backend (§4.5 targets Linux/KVM; other
// hosts get only in-process mode).
var ErrUnsupportedPlatform = errors.New("hypervisor: virtualized run mode requires linux/amd64 with /dev/kvm")

// Driver abstracts one running guest vCPU, virtualized or in-process
// (§4.5).
type Driver interface {
	// Run transfers control to the guest at rip with the given initial
	// register state and blocks until Halt, Out, Cancelled, or Fault.
	// execTimeout arms the cancellation timer before entering the
	// guest; cancelWait bounds how long the canceller waits for the
	// vCPU to acknowledge before reporting Fault{Hung}.
	Run(rip, rsp, rcx, r8, r9 uint64, execTimeout, cancelWait time.Duration) (ExitReason, error)

	// Resume continues a vCPU previously returned from Run (or Resume)
	// with ExitOut, without resetting its register state, so a serviced
	// Out is followed by the guest's own next instruction rather than
	// its entry point again. For backends where Out is never surfaced
	// to the caller (the in-process driver), Resume is a no-op that
	// reports the call as already complete.
	Resume(execTimeout, cancelWait time.Duration) (ExitReason, error)

	// Close tears down the vCPU/VM (or, for the in-process driver, is
	// a no-op).
	Close() error
}

// Config carries the parameters common to both Driver backends'
// construction (§4.5: "Driver::create(region, mem_size, cr3,
// entry_rip, stack_top)").
type Config struct {
	Region   *sharedmem.Region
	MemSize  uint64
	CR3      uint64
	EntryRIP uint64
	StackTop uint64
}

package hypervisor

import (
	"time"
)

// OutBHandler is the host callback shape for an emulated guest OUT in
// in-process run mode: port and payload are the OUT's DX/AL values, and
// it returns true to let the guest continue, false to abort. Its
// address is not published to the guest; the PEB's pOutBHandler field
// does not point at it.
type OutBHandler func(port uint16, payload uint8) bool

// InProcessDriver implements Driver by calling the guest's relocated
// entry point directly on a goroutine instead of inside a hypervisor
// partition (§4.7).
//
// Run treats the entry point call as atomic from the outside: it
// reports Halt once the goroutine returns within execTimeout, Cancelled
// if it returns only after execTimeout but within a further cancelWait,
// and Fault{Hung} otherwise (the goroutine is left running). The driver
// stores onOut but never invokes it, so a guest OUT is not emulated in
// this mode and Run never returns an Out exit.
type InProcessDriver struct {
	onOut OutBHandler
}

// NewInProcessDriver builds a Driver that calls the guest entry point
// directly. onOut is stored on the driver; Run does not call it.
func NewInProcessDriver(onOut OutBHandler) *InProcessDriver {
	return &InProcessDriver{onOut: onOut}
}

func (d *InProcessDriver) Run(rip, rsp, rcx, r8, r9 uint64, execTimeout, cancelWait time.Duration) (ExitReason, error) {
	type callResult struct {
		ret uintptr
	}
	done := make(chan callResult, 1)

	go func() {
		ret := callEntryPoint(uintptr(rip), uintptr(rcx), 0, uintptr(r8), uintptr(r9))
		done <- callResult{ret: ret}
	}()

	timer := time.NewTimer(execTimeout)
	defer timer.Stop()

	select {
	case <-done:
		return Halt(), nil
	case <-timer.C:
		select {
		case <-done:
			return Cancelled(), nil
		case <-time.After(cancelWait):
			return Fault(FaultHung), ErrHung
		}
	}
}

// Resume is a no-op that reports Halt: Run drives the guest entry point
// to completion and never returns ExitOut to the caller, so there is
// never a mid-call state for Resume to continue.
func (d *InProcessDriver) Resume(execTimeout, cancelWait time.Duration) (ExitReason, error) {
	return Halt(), nil
}

// Close is a no-op: the in-process driver owns no OS-level resources
// beyond the shared memory region, which the Manager owns.
func (d *InProcessDriver) Close() error { return nil }

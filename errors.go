package hyperlight

import (
	"errors"
	"fmt"

	"github.com/hyperlight-dev/hyperlight-go/wire"
)

// The five error kinds are §7's taxonomy. Each wraps its underlying
// cause with %w so errors.As/errors.Is keep working across this
// package's boundary with the packages that actually detect the
// failure (peimage, memlayout, hypervisor, wire).

// ValidationError is a bad argument, size mismatch, or unsupported
// type caught before anything guest-visible runs. The sandbox stays
// Ready.
type ValidationError struct{ Cause error }

func (e *ValidationError) Error() string { return fmt.Sprintf("hyperlight: validation: %v", e.Cause) }
func (e *ValidationError) Unwrap() error { return e.Cause }

// GuestError reports a wire.GuestError frame the guest wrote during a
// call. The sandbox stays Ready unless Code.IsFatal().
type GuestError struct {
	Code    wire.ErrorCode
	Message string
}

func (e *GuestError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("hyperlight: guest error %s", e.Code)
	}
	return fmt.Sprintf("hyperlight: guest error %s: %s", e.Code, e.Message)
}

// HostCallError wraps a failure returned by a registered host function
// body. Whether the call continues or the guest aborts is the guest's
// decision, not this package's.
type HostCallError struct{ Cause error }

func (e *HostCallError) Error() string { return fmt.Sprintf("hyperlight: host call: %v", e.Cause) }
func (e *HostCallError) Unwrap() error { return e.Cause }

// HypervisorError wraps a page fault, unknown exit, triple fault,
// timeout, or hung cancellation from the Driver. Always poisons the
// sandbox.
type HypervisorError struct{ Cause error }

func (e *HypervisorError) Error() string { return fmt.Sprintf("hyperlight: hypervisor: %v", e.Cause) }
func (e *HypervisorError) Unwrap() error { return e.Cause }

// LoadError wraps a PE parsing, relocation, or sizing failure at
// construction time. No Sandbox is produced.
type LoadError struct{ Cause error }

func (e *LoadError) Error() string { return fmt.Sprintf("hyperlight: load: %v", e.Cause) }
func (e *LoadError) Unwrap() error { return e.Cause }

var (
	// ErrPoisoned is returned by any Sandbox method except Close once
	// the sandbox has transitioned to Poisoned.
	ErrPoisoned = errors.New("hyperlight: sandbox is poisoned")

	// ErrDisposed is returned by any Sandbox method after Close.
	ErrDisposed = errors.New("hyperlight: sandbox is disposed")
)

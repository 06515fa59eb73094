//go:build amd64

package hypervisor

// callEntryPoint transfers control to a guest entry point that expects
// the Microsoft x64 calling convention (RCX, RDX, R8, R9) — the
// convention the guest PE toolchain targets — and returns its RAX.
// Go's own calling convention does not match this, so the call is
// implemented in entrypoint_amd64.s.
//
//go:noescape
func callEntryPoint(rip, rcx, rdx, r8, r9 uintptr) uintptr

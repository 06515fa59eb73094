// Package memmgr composes sharedmem, peimage, and memlayout into one
// Manager (§4.4): the component that turns a PE image and a
// MemoryConfig into a loaded, addressable sandbox memory image, and
// exposes the typed accessors the Sandbox and the hypervisor Driver
// need during a call.
package memmgr

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/hyperlight-dev/hyperlight-go/hostfunc"
	"github.com/hyperlight-dev/hyperlight-go/hypervisor"
	"github.com/hyperlight-dev/hyperlight-go/memlayout"
	"github.com/hyperlight-dev/hyperlight-go/peimage"
	"github.com/hyperlight-dev/hyperlight-go/sharedmem"
	"github.com/hyperlight-dev/hyperlight-go/wire"
)

// LoadOptions configures LoadBinary.
type LoadOptions struct {
	Config  memlayout.MemoryConfig
	RunMode memlayout.RunMode
	// GuestBase is the guest-virtual load address in virtualized mode.
	// It is ignored in in-process mode, where the region's own host
	// address doubles as the guest base (§4.7: no address translation
	// happens there).
	GuestBase uint64
	Logger    *logrus.Entry
}

// Manager composes one guest's shared memory region, its parsed PE
// headers, and its derived Layout, and owns the PEB/host-function-
// table/guest-error/log-area read-write operations that sit on top of
// them (§4.4). It plays the role the teacher's VirtualMachine struct
// plays for its boot image, generalized from "load once" to "load,
// call repeatedly, snapshot/restore between calls".
type Manager struct {
	region    *sharedmem.Region
	layout    *memlayout.Layout
	headers   *peimage.PEHeaders
	runMode   memlayout.RunMode
	guestBase uint64

	entryPoint uint64
	cr3        uint64

	cookie   []byte
	snapshot *sharedmem.Snapshot

	logger *logrus.Entry
}

// LoadBinary reads the PE image at path, relocates it to its guest
// load address, allocates a region sized by the derived Layout, copies
// the relocated image into the code region, and (in virtualized mode)
// writes identity page tables. It does not start a vCPU or write the
// PEB — that happens once the caller has a hypervisor.Driver to pair
// with it (see SetUpHypervisorPartition and SetStackGuard).
func LoadBinary(path string, opts LoadOptions) (*Manager, error) {
	image, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("memmgr: read %s: %w", path, err)
	}

	headers, err := peimage.ParseHeaders(image)
	if err != nil {
		return nil, fmt.Errorf("memmgr: parse %s: %w", path, err)
	}

	layout, err := memlayout.New(opts.Config, headers, uint64(len(image)))
	if err != nil {
		return nil, fmt.Errorf("memmgr: derive layout for %s: %w", path, err)
	}

	region, err := sharedmem.Allocate(layout.TotalSize)
	if err != nil {
		return nil, fmt.Errorf("memmgr: allocate region for %s: %w", path, err)
	}

	guestBase := opts.GuestBase
	if opts.RunMode == memlayout.RunModeInProcess {
		guestBase = uint64(region.HostBase())
	}
	region.SetGuestBase(guestBase)

	codeAddr, err := layout.CodeAddress(guestBase)
	if err != nil {
		region.Free()
		return nil, err
	}
	relocated, err := peimage.Relocate(image, headers, codeAddr)
	if err != nil {
		region.Free()
		return nil, fmt.Errorf("memmgr: relocate %s: %w", path, err)
	}
	if err := region.CopyIn(relocated, layout.CodeOffset); err != nil {
		region.Free()
		return nil, err
	}

	m := &Manager{
		region:     region,
		layout:     layout,
		headers:    headers,
		runMode:    opts.RunMode,
		guestBase:  guestBase,
		entryPoint: codeAddr + headers.EntryPointOffset,
		logger:     opts.Logger,
	}

	if opts.RunMode == memlayout.RunModeVirtualized {
		cr3, err := hypervisor.WriteIdentityPageTables(region, layout)
		if err != nil {
			region.Free()
			return nil, fmt.Errorf("memmgr: write identity page tables: %w", err)
		}
		m.cr3 = cr3
	}

	if m.logger != nil {
		m.logger.WithFields(logrus.Fields{
			"path":        path,
			"total_size":  layout.TotalSize,
			"guest_base":  guestBase,
			"entry_point": m.entryPoint,
			"run_mode":    opts.RunMode,
		}).Debug("memmgr: loaded binary")
	}

	return m, nil
}

// Region returns the underlying shared memory region, for callers
// (the hypervisor Driver, the Sandbox's OUT dispatch loop) that need
// direct access.
func (m *Manager) Region() *sharedmem.Region { return m.region }

// Layout returns the derived memory layout.
func (m *Manager) Layout() *memlayout.Layout { return m.layout }

// GuestBase returns the guest-virtual base address this image was
// loaded at.
func (m *Manager) GuestBase() uint64 { return m.guestBase }

// EntryPoint returns the guest address of the PE's entry point,
// already relocated to this Manager's guest base.
func (m *Manager) EntryPoint() uint64 { return m.entryPoint }

// StackTop returns the guest address of the top of the guest's stack
// reservation, for use as the Driver's initial RSP.
func (m *Manager) StackTop() (uint64, error) { return m.layout.StackTopAddress(m.guestBase) }

// SetUpHypervisorPartition returns the CR3 value (the PML4 address)
// computed for this Manager's region. In virtualized mode this was
// already computed by LoadBinary; in in-process mode there is no
// paging to set up and this returns 0.
func (m *Manager) SetUpHypervisorPartition() uint64 { return m.cr3 }

// Close releases the underlying region.
func (m *Manager) Close() error { return m.region.Free() }

// SetStackGuard records the stack guard cookie and writes the PEB
// (§6) into the region. It must be called exactly once, after the
// Manager is constructed and before the guest's one-time init run.
func (m *Manager) SetStackGuard(cookie []byte, outBHandler uint64) error {
	m.cookie = append([]byte(nil), cookie...)
	return m.layout.WriteMemoryLayout(m.region, m.guestBase, m.runMode, outBHandler, cookie)
}

// CheckStackGuard re-reads the stack guard cookie from the region and
// reports whether it still matches the value SetStackGuard wrote
// (§4.4, §8: a guest stack overflow corrupts this cookie).
func (m *Manager) CheckStackGuard() (bool, error) {
	if m.cookie == nil {
		return false, ErrStackCookieNotSet
	}
	// Base 0 yields the cookie's region offset, which CopyOut expects.
	cookieOffset, err := m.layout.StackCookieAddress(0)
	if err != nil {
		return false, err
	}
	got := make([]byte, 16)
	if err := m.region.CopyOut(cookieOffset, got, 16); err != nil {
		return false, err
	}
	want := make([]byte, 16)
	copy(want, m.cookie)
	for i := range want {
		if want[i] != got[i] {
			return false, nil
		}
	}
	return true, nil
}

// PEBAddress returns the guest address of the PEB.
func (m *Manager) PEBAddress() (uint64, error) { return m.layout.PEBAddress(m.guestBase) }

// DispatchFunctionPointer returns the guest address the guest wrote
// into the PEB's dispatch-function field during its one-time init.
func (m *Manager) DispatchFunctionPointer() (uint64, error) {
	return m.layout.ReadDispatchFunctionPointer(m.region, m.guestBase)
}

// Snapshot captures the region's current contents. The Sandbox calls
// this once, immediately after the guest's one-time init halts and
// the stack guard has been verified (§3, §8).
func (m *Manager) Snapshot() { m.snapshot = m.region.Snapshot() }

// Restore overwrites the region from the snapshot taken by Snapshot.
func (m *Manager) Restore() error {
	if m.snapshot == nil {
		return ErrNoSnapshot
	}
	return m.region.RestoreFromSnapshot(m.snapshot)
}

// WriteHostFunctionDetails serializes table's signatures into the
// host-function-definitions region.
func (m *Manager) WriteHostFunctionDetails(table *hostfunc.Table) error {
	return hostfunc.WriteHostFunctionDefinitions(table, m.region, m.layout)
}

// WriteGuestFunctionCall serializes a guest function call into the
// input buffer (§4.4, §6) ahead of resuming the vCPU.
func (m *Manager) WriteGuestFunctionCall(name string, args []wire.Value, expectedReturnType wire.ReturnType) error {
	fc := wire.FunctionCall{
		FunctionName:       name,
		Parameters:         args,
		Kind:               wire.CallKindGuest,
		ExpectedReturnType: expectedReturnType,
	}
	encoded, err := fc.Encode()
	if err != nil {
		return err
	}
	framed := wire.EncodeFrame(encoded)
	if uint64(len(framed)) > m.layout.Config().InputDataSize {
		return ErrPayloadTooLarge
	}
	return m.region.CopyIn(framed, m.layout.InputBufferOffset)
}

// GetReturnValue reads and decodes the guest's function call result
// from the output buffer, once the vCPU has halted after a completed
// call (§4.4).
func (m *Manager) GetReturnValue() (wire.Value, error) {
	size := m.layout.Config().OutputDataSize
	raw := make([]byte, size)
	if err := m.region.CopyOut(m.layout.OutputBufferOffset, raw, size); err != nil {
		return wire.Value{}, err
	}
	payload, err := wire.DecodeFrame(raw)
	if err != nil {
		return wire.Value{}, err
	}
	result, err := wire.DecodeFunctionCallResult(payload)
	if err != nil {
		return wire.Value{}, err
	}
	return result.ReturnValue, nil
}

// GetGuestError reads and decodes the guest-error area. A zero
// wire.NoError code with an empty message means no error is pending.
func (m *Manager) GetGuestError() (wire.ErrorCode, string, error) {
	size := m.layout.Config().GuestErrorBufferSize
	raw := make([]byte, size)
	if err := m.region.CopyOut(m.layout.GuestErrorOffset, raw, size); err != nil {
		return 0, "", err
	}
	ge, err := wire.DecodeGuestError(raw)
	if err != nil {
		return 0, "", err
	}
	return ge.Code, ge.Message, nil
}

// WriteOutBException records an unrecognized or invalid OUT access
// into the host-exception area as an UnknownError GuestError frame.
// The Sandbox does not call it: an OUT on an unknown port is reported
// as an error by hostfunc.Dispatcher.HandleOut instead.
func (m *Manager) WriteOutBException(port uint16, cause error) error {
	ge := wire.GuestError{
		Code:    wire.UnknownError,
		Message: fmt.Sprintf("unhandled OUT on port 0x%x: %v", port, cause),
	}
	encoded := ge.Encode()
	limit := m.layout.Config().HostExceptionSize
	if uint64(len(encoded)) > limit {
		encoded = encoded[:limit]
	}
	return m.region.CopyIn(encoded, m.layout.HostExceptionOffset)
}

// ReadGuestLogData reads and decodes one log frame from the combined
// guest-panic/log area (§4.3 item 9, §6's pLogBuf).
func (m *Manager) ReadGuestLogData() (wire.GuestLogData, error) {
	raw := make([]byte, memlayout.GuestPanicAreaSize)
	if err := m.region.CopyOut(m.layout.GuestPanicOffset, raw, memlayout.GuestPanicAreaSize); err != nil {
		return wire.GuestLogData{}, err
	}
	payload, err := wire.DecodeFrame(raw)
	if err != nil {
		return wire.GuestLogData{}, err
	}
	return wire.DecodeGuestLogData(payload)
}

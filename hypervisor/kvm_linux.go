//go:build linux

package hypervisor

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// A blocking KVM_RUN ioctl only returns EINTR on signal delivery if the
// signal actually reaches the thread rather than being auto-restarted
// by the kernel. Registering a Go handler for this otherwise-unused
// signal guarantees that: os/signal never installs SA_RESTART for
// signals it handles.
var cancelSignal = unix.SIGUSR1

func init() {
	signal.Notify(make(chan os.Signal, 1), cancelSignal)
}

// KVM ioctl numbers and exit reasons, matching the kernel's
// include/uapi/linux/kvm.h for x86_64. The teacher's own kvm.go computed
// these from bit-shifted ioctl-base macros and got several wrong; these
// are the values the kernel actually assigns.
const (
	kvmCreateVM           = 0xAE01
	kvmGetVCPUMMapSize    = 0xAE04
	kvmCreateVCPU         = 0xAE41
	kvmSetUserMemoryRegion = 0x4020ae46
	kvmRun                = 0xAE80
	kvmGetRegs            = 0x8090ae81
	kvmSetRegs            = 0x4090ae82
	kvmGetSregs           = 0x8138ae83
	kvmSetSregs           = 0x4138ae84

	kvmExitUnknown   = 0
	kvmExitException = 1
	kvmExitIO        = 2
	kvmExitHLT       = 5
	kvmExitMMIO      = 6
	kvmExitShutdown  = 8
	kvmExitFailEntry = 9
	kvmExitInternalError = 17

	kvmExitIODirectionOut = 1
)

// kvmUserspaceMemoryRegion mirrors struct kvm_userspace_memory_region.
type kvmUserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// kvmSegment mirrors struct kvm_segment. KVM accepts a segment's
// descriptor fields directly through KVM_SET_SREGS; no in-guest-memory
// GDT has to be loaded for the vCPU to run in long mode, unlike the
// teacher's 32-bit setup which loads a GDT into guest RAM for the
// guest's own LGDT. The sandbox never executes LGDT, so that step is
// skipped entirely here.
type kvmSegment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

type kvmDTable struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

type kvmRegs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

type kvmSregs struct {
	CS, DS, ES, FS, GS, SS, TR, LDT kvmSegment
	GDT, IDT                        kvmDTable
	CR0, CR2, CR3, CR4, CR8         uint64
	EFER, ApicBase                  uint64
	InterruptBitmap                 [(256 + 63) / 64]uint64
}

// kvmRun mirrors the fixed-size prefix of struct kvm_run that this
// sandbox needs: the exit reason and the kvm_run.io exit's fields. The
// rest of the real struct (a large union of per-exit-reason payloads)
// is accessed by reinterpreting the mmap'd region at the documented
// offset, matching the teacher's own approach in vcpu.go.
type kvmRun struct {
	RequestInterruptWindow    uint8
	_                         [7]byte
	ExitReason                uint32
	ReadyForInterruptInjection uint8
	IfFlag                    uint8
	_                         [2]byte
	CR8                       uint64
	ApicBase                  uint64
	Union                     [32]uint64 // per-exit-reason payload (io, mmio, ...)
}

type kvmIOExit struct {
	Direction  uint8
	Size       uint8
	Port       uint16
	Count      uint32
	DataOffset uint64
}

const (
	cr0ProtectionEnable = 1 << 0
	cr0Paging           = 1 << 31
	cr4PhysAddrExt      = 1 << 5
	eferLongModeEnable  = 1 << 8
	eferLongModeActive  = 1 << 10
)

func ioctlPtr(fd int, op uintptr, arg unsafe.Pointer) (uintptr, error) {
	r1, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), op, uintptr(arg))
	if errno != 0 {
		return 0, errno
	}
	return r1, nil
}

func ioctlVal(fd int, op uintptr, arg uintptr) (uintptr, error) {
	r1, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), op, arg)
	if errno != 0 {
		return 0, errno
	}
	return r1, nil
}

// KVMDriver implements Driver against the Linux KVM API (§4.5). One
// KVMDriver owns one vCPU inside one VM. The sandbox's single-vCPU
// model means there is never more than one vCPU per driver.
type KVMDriver struct {
	kvmFile *os.File
	vmFD    int
	vcpuFD  int
	runMem  []byte
	run     *kvmRun
	cr3     uint64
}

// NewKVMDriver opens /dev/kvm, creates a VM backed by cfg.Region's
// bytes as guest physical memory starting at cfg.Region.GuestBase(), and creates
// one vCPU. cfg.CR3 must already point at identity page tables built
// by WriteIdentityPageTables into that same region.
func NewKVMDriver(cfg Config) (*KVMDriver, error) {
	kvmFile, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("hypervisor: open /dev/kvm: %w", err)
	}

	vmFDRaw, err := ioctlVal(int(kvmFile.Fd()), kvmCreateVM, 0)
	if err != nil {
		kvmFile.Close()
		return nil, fmt.Errorf("hypervisor: KVM_CREATE_VM: %w", err)
	}
	vmFD := int(vmFDRaw)

	bytes := cfg.Region.Bytes()
	if len(bytes) == 0 {
		unix.Close(vmFD)
		kvmFile.Close()
		return nil, fmt.Errorf("hypervisor: region has no backing memory")
	}
	memRegion := kvmUserspaceMemoryRegion{
		Slot:          0,
		GuestPhysAddr: cfg.Region.GuestBase(),
		MemorySize:    cfg.MemSize,
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&bytes[0]))),
	}
	if _, err := ioctlPtr(vmFD, kvmSetUserMemoryRegion, unsafe.Pointer(&memRegion)); err != nil {
		unix.Close(vmFD)
		kvmFile.Close()
		return nil, fmt.Errorf("hypervisor: KVM_SET_USER_MEMORY_REGION: %w", err)
	}

	vcpuFDRaw, err := ioctlVal(vmFD, kvmCreateVCPU, 0)
	if err != nil {
		unix.Close(vmFD)
		kvmFile.Close()
		return nil, fmt.Errorf("hypervisor: KVM_CREATE_VCPU: %w", err)
	}
	vcpuFD := int(vcpuFDRaw)

	mmapSizeRaw, err := ioctlVal(int(kvmFile.Fd()), kvmGetVCPUMMapSize, 0)
	if err != nil {
		unix.Close(vcpuFD)
		unix.Close(vmFD)
		kvmFile.Close()
		return nil, fmt.Errorf("hypervisor: KVM_GET_VCPU_MMAP_SIZE: %w", err)
	}

	runMem, err := unix.Mmap(vcpuFD, 0, int(mmapSizeRaw), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(vcpuFD)
		unix.Close(vmFD)
		kvmFile.Close()
		return nil, fmt.Errorf("hypervisor: mmap kvm_run: %w", err)
	}

	d := &KVMDriver{
		kvmFile: kvmFile,
		vmFD:    vmFD,
		vcpuFD:  vcpuFD,
		runMem:  runMem,
		run:     (*kvmRun)(unsafe.Pointer(&runMem[0])),
		cr3:     cfg.CR3,
	}
	return d, nil
}

func longModeDataSegment() kvmSegment {
	return kvmSegment{Base: 0, Limit: 0xFFFFFFFF, Selector: 0x10, Type: 3, Present: 1, DPL: 0, DB: 1, S: 1, G: 1}
}

func longModeCodeSegment() kvmSegment {
	return kvmSegment{Base: 0, Limit: 0xFFFFFFFF, Selector: 0x08, Type: 11, Present: 1, DPL: 0, DB: 0, S: 1, L: 1, G: 1}
}

// initLongMode puts the vCPU into 64-bit long mode with paging enabled
// through cr3, and loads the general-purpose registers the guest's
// entry point expects under the Microsoft x64 calling convention
// (RCX/R8/R9 parameters, RSP pointing at the configured stack top).
func (d *KVMDriver) initLongMode(rip, rsp, rcx, r8, r9 uint64) error {
	var sregs kvmSregs
	if _, err := ioctlPtr(d.vcpuFD, kvmGetSregs, unsafe.Pointer(&sregs)); err != nil {
		return fmt.Errorf("hypervisor: KVM_GET_SREGS: %w", err)
	}

	sregs.CS = longModeCodeSegment()
	sregs.DS = longModeDataSegment()
	sregs.ES = sregs.DS
	sregs.FS = sregs.DS
	sregs.GS = sregs.DS
	sregs.SS = sregs.DS
	sregs.CR3 = d.cr3
	sregs.CR4 |= cr4PhysAddrExt
	sregs.CR0 |= cr0ProtectionEnable | cr0Paging
	sregs.EFER |= eferLongModeEnable | eferLongModeActive

	if _, err := ioctlPtr(d.vcpuFD, kvmSetSregs, unsafe.Pointer(&sregs)); err != nil {
		return fmt.Errorf("hypervisor: KVM_SET_SREGS: %w", err)
	}

	regs := kvmRegs{RIP: rip, RSP: rsp, RCX: rcx, R8: r8, R9: r9, RFLAGS: 0x2}
	if _, err := ioctlPtr(d.vcpuFD, kvmSetRegs, unsafe.Pointer(&regs)); err != nil {
		return fmt.Errorf("hypervisor: KVM_SET_REGS: %w", err)
	}
	return nil
}

// Run sets up the vCPU's registers for entry, then arms a
// cancellation watchdog and issues KVM_RUN in a loop until an exit
// this sandbox cares about is observed (§4.5, §5, §8): a halt, a port
// I/O write (OUT) on any port, or a fault; hostfunc.Dispatcher rejects
// ports other than the four wire ports.
// Any other exit reason is reported as an unrecognized fault — this
// driver has no legacy device model to fall back on. Call Resume
// instead of Run to continue the same vCPU after servicing an Out.
func (d *KVMDriver) Run(rip, rsp, rcx, r8, r9 uint64, execTimeout, cancelWait time.Duration) (ExitReason, error) {
	if err := d.initLongMode(rip, rsp, rcx, r8, r9); err != nil {
		return Fault(FaultUnknownExit), err
	}
	return d.runLoop(execTimeout, cancelWait)
}

// Resume re-enters KVM_RUN without touching the vCPU's register state,
// continuing execution exactly where the previous Run/Resume call
// exited (§4.6: a guest Out is serviced by the host and the vCPU
// resumes mid-dispatch, not from its entry point again).
func (d *KVMDriver) Resume(execTimeout, cancelWait time.Duration) (ExitReason, error) {
	return d.runLoop(execTimeout, cancelWait)
}

// runLoop issues KVM_RUN until an exit this sandbox cares about is
// observed, arming the cancellation watchdog around the whole loop.
func (d *KVMDriver) runLoop(execTimeout, cancelWait time.Duration) (ExitReason, error) {
	// KVM_RUN must be issued from the thread that owns the vCPU fd, and
	// the watchdog below signals that exact thread to unblock a hung
	// KVM_RUN, so this goroutine is pinned to its OS thread for the
	// lifetime of the call.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	tgid := unix.Getpid()
	tid := unix.Gettid()

	var timerFired atomic.Bool
	timer := time.AfterFunc(execTimeout, func() {
		timerFired.Store(true)
		unix.Tgkill(tgid, tid, cancelSignal)
	})
	defer timer.Stop()

	var cancelDeadline time.Time
	for {
		_, err := ioctlVal(d.vcpuFD, kvmRun, 0)
		if err != nil {
			if err == unix.EINTR {
				if !timerFired.Load() {
					// A signal arrived before the timer fired: not our
					// doing, retry the guest's KVM_RUN.
					continue
				}
				return Cancelled(), nil
			}
			return Fault(FaultUnknownExit), fmt.Errorf("hypervisor: KVM_RUN: %w", err)
		}

		reason, hit, rerr := d.classifyExit()
		if hit {
			return reason, rerr
		}

		// KVM surfaced an exit this sandbox doesn't act on (e.g. a
		// benign KVM_EXIT_INTR from the cancellation signal arriving
		// outside the blocking ioctl). Keep resuming the vCPU until
		// either a real exit lands or the cancellation deadline
		// expires.
		if timerFired.Load() {
			if cancelDeadline.IsZero() {
				cancelDeadline = time.Now().Add(cancelWait)
			} else if time.Now().After(cancelDeadline) {
				return Fault(FaultHung), ErrHung
			}
		}
	}
}

func (d *KVMDriver) classifyExit() (ExitReason, bool, error) {
	switch d.run.ExitReason {
	case kvmExitHLT:
		return Halt(), true, nil
	case kvmExitIO:
		runBase := uintptr(unsafe.Pointer(d.run))
		io := (*kvmIOExit)(unsafe.Pointer(runBase + unsafe.Offsetof(d.run.Union)))
		dataPtr := runBase + uintptr(io.DataOffset)
		var payload uint8
		if io.Size >= 1 {
			payload = *(*uint8)(unsafe.Pointer(dataPtr))
		}
		if io.Direction != kvmExitIODirectionOut {
			return Fault(FaultMMIO), true, fmt.Errorf("hypervisor: unexpected IN on port 0x%x", io.Port)
		}
		return Out(io.Port, payload), true, nil
	case kvmExitMMIO:
		return Fault(FaultMMIO), true, fmt.Errorf("hypervisor: unexpected MMIO exit")
	case kvmExitShutdown:
		return Fault(FaultTripleFault), true, fmt.Errorf("hypervisor: triple fault")
	case kvmExitFailEntry:
		return Fault(FaultUnknownExit), true, fmt.Errorf("hypervisor: KVM_EXIT_FAIL_ENTRY")
	case kvmExitException:
		return Fault(FaultInvalidOpcode), true, fmt.Errorf("hypervisor: guest exception")
	case kvmExitInternalError:
		return Fault(FaultUnknownExit), true, fmt.Errorf("hypervisor: KVM internal error")
	default:
		return Fault(FaultUnknownExit), false, nil
	}
}

// Close tears down the vCPU mmap and the vCPU, VM, and /dev/kvm file
// descriptors, in that order.
func (d *KVMDriver) Close() error {
	var firstErr error
	if err := unix.Munmap(d.runMem); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := unix.Close(d.vcpuFD); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := unix.Close(d.vmFD); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := d.kvmFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

var _ Driver = (*KVMDriver)(nil)

// NewVirtualizedDriver builds the real KVM-backed Driver for this
// platform.
func NewVirtualizedDriver(cfg Config) (Driver, error) {
	return NewKVMDriver(cfg)
}

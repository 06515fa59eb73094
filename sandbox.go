// Package hyperlight is the Sandbox facade (§4.7): it composes a
// memmgr.Manager and a hypervisor.Driver into the build-once,
// call-many-times lifecycle a caller actually wants, generalized from
// the teacher's VirtualMachine's "boot and run forever" model.
package hyperlight

import (
	"crypto/rand"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/hyperlight-dev/hyperlight-go/hostfunc"
	"github.com/hyperlight-dev/hyperlight-go/hypervisor"
	"github.com/hyperlight-dev/hyperlight-go/internal/singleinstance"
	"github.com/hyperlight-dev/hyperlight-go/memlayout"
	"github.com/hyperlight-dev/hyperlight-go/memmgr"
	"github.com/hyperlight-dev/hyperlight-go/wire"
)

// RunMode selects how a Sandbox's guest code executes (§4.7).
type RunMode = memlayout.RunMode

const (
	// Virtualized runs the guest inside a hardware-virtualized vCPU
	// partition. The default; requires linux/amd64 and /dev/kvm.
	Virtualized = memlayout.RunModeVirtualized
	// InProcess calls the guest's relocated entry point directly on
	// the host thread, with OUT emulated by a callback. At most one
	// InProcess Sandbox may exist per host process (§5).
	InProcess = memlayout.RunModeInProcess
)

// outBHandlerMarker is written into the PEB's pOutBHandler field in
// InProcess mode. This implementation's OUT emulation is wired
// directly into the Driver at construction time (Sandbox.handleOut is
// passed to hypervisor.NewInProcessDriver, not looked up through this
// guest-visible pointer), so the exact value only needs to be nonzero
// to distinguish InProcess from Virtualized mode for guest code that
// inspects it; it is not a callable address.
const outBHandlerMarker = 1

// stackCookieSize is the width of the PEB's stack_guard_cookie field
// (§6).
const stackCookieSize = 16

// defaultGuestBase is the guest-virtual load address used in
// Virtualized mode when BuildOptions.GuestBase is left zero. The whole
// region, page tables first, is mapped at this guest physical address,
// inside the 1GiB hypervisor.WriteIdentityPageTables maps; it matches
// the load address the memmgr test suite exercises.
const defaultGuestBase = 0x10000000

// BuildOptions configures Build.
type BuildOptions struct {
	// BinaryPath is the PE32+ guest image to load.
	BinaryPath string
	// Config sizes the sandbox's memory regions (§3); zero fields get
	// their minimum.
	Config memlayout.MemoryConfig
	// RunMode selects Virtualized (default) or InProcess.
	RunMode RunMode
	// GuestBase is the guest-virtual load address used in Virtualized
	// mode. Zero means defaultGuestBase. Ignored in InProcess mode,
	// where the region's host address is the guest base.
	GuestBase uint64
	// HostFunctions is the table of host-callable functions the guest
	// may invoke via CALL_HOST_FUNCTION. A nil table means the guest
	// has none registered; any call to it is GuestFunctionNotFound.
	HostFunctions *hostfunc.Table
	// OutputSink receives WRITE_OUTPUT bytes. Defaults to io.Discard.
	OutputSink io.Writer
	// Logger receives structured construction/call logs. Defaults to
	// logrus's standard logger.
	Logger *logrus.Entry
}

// Sandbox is one loaded, runnable guest (§3, §4.7). It is not safe for
// concurrent use (§5); callers serialize their own access.
type Sandbox struct {
	ID uuid.UUID

	manager    *memmgr.Manager
	driver     hypervisor.Driver
	dispatcher *hostfunc.Dispatcher

	runMode        RunMode
	holdsSingleton bool

	maxExecutionTime       time.Duration
	maxWaitForCancellation time.Duration

	// inProcessAbort/inProcessErr are the side channel handleOut uses
	// to report an ABORT or a dispatch failure back to runToHalt, since
	// InProcessDriver.Run never returns ExitOut to its caller — the
	// callback itself is the only place that outcome is visible.
	inProcessAbort *hostfunc.AbortInfo
	inProcessErr   error

	logger *logrus.Entry
	state  state
}

// Build loads opts.BinaryPath, lays out its memory, brings up a Driver,
// runs the guest's one-time init to Halt, verifies the stack cookie,
// and snapshots the result (§4.7's constructor path). It returns a
// Sandbox already in the Ready state, or no Sandbox at all on failure
// (LoadError for anything up through guest init, HypervisorError for
// a Driver that can't be brought up or whose init run faults).
func Build(opts BuildOptions) (*Sandbox, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	logger = logger.WithField("component", "sandbox")

	// Both run modes ultimately execute amd64 machine code: Virtualized
	// through KVM's amd64-shaped register ioctls, InProcess through
	// callEntryPoint's amd64 calling-convention trampoline (§4.7). A
	// Sandbox must fail here rather than reach either one on an
	// unsupported arch — InProcessDriver.Run's entry call happens on a
	// goroutine, where entrypoint_other.go's panic would crash the
	// whole host process, not just this call.
	if runtime.GOARCH != "amd64" {
		return nil, &HypervisorError{Cause: hypervisor.ErrUnsupportedPlatform}
	}
	if opts.RunMode == Virtualized && runtime.GOOS != "linux" {
		return nil, &HypervisorError{Cause: hypervisor.ErrUnsupportedPlatform}
	}

	holdsSingleton := false
	if opts.RunMode == InProcess {
		if err := singleinstance.Acquire(); err != nil {
			return nil, err
		}
		holdsSingleton = true
	}
	release := func() {
		if holdsSingleton {
			singleinstance.Release()
		}
	}

	guestBase := opts.GuestBase
	if guestBase == 0 {
		guestBase = defaultGuestBase
	}
	manager, err := memmgr.LoadBinary(opts.BinaryPath, memmgr.LoadOptions{
		Config:    opts.Config,
		RunMode:   opts.RunMode,
		GuestBase: guestBase,
		Logger:    logger,
	})
	if err != nil {
		release()
		return nil, &LoadError{Cause: err}
	}

	table := opts.HostFunctions
	if table == nil {
		table = hostfunc.NewTable()
	}
	sink := opts.OutputSink
	if sink == nil {
		sink = io.Discard
	}

	if err := manager.WriteHostFunctionDetails(table); err != nil {
		manager.Close()
		release()
		return nil, &LoadError{Cause: err}
	}

	layoutCfg := manager.Layout().Config()
	s := &Sandbox{
		ID:                     uuid.New(),
		manager:                manager,
		dispatcher:             hostfunc.NewDispatcher(table, sink, logger),
		runMode:                opts.RunMode,
		holdsSingleton:         holdsSingleton,
		maxExecutionTime:       time.Duration(layoutCfg.MaxExecutionTimeMs) * time.Millisecond,
		maxWaitForCancellation: time.Duration(layoutCfg.MaxWaitForCancellationMs) * time.Millisecond,
		logger:                 logger,
		state:                  stateReady,
	}

	var driver hypervisor.Driver
	switch opts.RunMode {
	case Virtualized:
		stackTop, serr := manager.StackTop()
		if serr != nil {
			manager.Close()
			release()
			return nil, &LoadError{Cause: serr}
		}
		driver, err = hypervisor.NewVirtualizedDriver(hypervisor.Config{
			Region:   manager.Region(),
			MemSize:  manager.Region().Size(),
			CR3:      manager.SetUpHypervisorPartition(),
			EntryRIP: manager.EntryPoint(),
			StackTop: stackTop,
		})
		if err != nil {
			manager.Close()
			release()
			return nil, &HypervisorError{Cause: err}
		}
	case InProcess:
		driver = hypervisor.NewInProcessDriver(s.handleOut)
	default:
		manager.Close()
		release()
		return nil, &ValidationError{Cause: fmt.Errorf("unknown run mode %v", opts.RunMode)}
	}
	s.driver = driver

	cookie := make([]byte, stackCookieSize)
	if _, err := rand.Read(cookie); err != nil {
		driver.Close()
		manager.Close()
		release()
		return nil, &LoadError{Cause: fmt.Errorf("generating stack guard cookie: %w", err)}
	}

	var outBHandler uint64
	if opts.RunMode == InProcess {
		outBHandler = outBHandlerMarker
	}
	if err := manager.SetStackGuard(cookie, outBHandler); err != nil {
		driver.Close()
		manager.Close()
		release()
		return nil, &LoadError{Cause: err}
	}

	initStackTop, err := manager.StackTop()
	if err != nil {
		driver.Close()
		manager.Close()
		release()
		return nil, &LoadError{Cause: err}
	}

	reason, abort, err := s.runToHalt(manager.EntryPoint(), initStackTop)
	if err != nil {
		driver.Close()
		manager.Close()
		release()
		return nil, &HypervisorError{Cause: fmt.Errorf("guest one-time init: %w", err)}
	}
	if abort != nil {
		driver.Close()
		manager.Close()
		release()
		return nil, &HypervisorError{Cause: fmt.Errorf("guest aborted during one-time init with code %d", abort.Code)}
	}
	switch reason.Kind {
	case hypervisor.ExitCancelled:
		driver.Close()
		manager.Close()
		release()
		return nil, &HypervisorError{Cause: fmt.Errorf("guest one-time init did not halt within %s", s.maxExecutionTime)}
	case hypervisor.ExitFault:
		driver.Close()
		manager.Close()
		release()
		return nil, &HypervisorError{Cause: fmt.Errorf("guest one-time init fault: %s", reason.FaultKind)}
	}

	ok, err := manager.CheckStackGuard()
	if err != nil {
		driver.Close()
		manager.Close()
		release()
		return nil, &LoadError{Cause: err}
	}
	if !ok {
		driver.Close()
		manager.Close()
		release()
		return nil, &LoadError{Cause: fmt.Errorf("stack guard cookie mismatch after guest one-time init")}
	}

	manager.Snapshot()

	logger.WithFields(logrus.Fields{
		"sandbox_id": s.ID,
		"run_mode":   opts.RunMode,
	}).Info("hyperlight: sandbox built")

	return s, nil
}

// handleOut is passed to hypervisor.NewInProcessDriver as the guest's
// OUT emulation callback (§4.7). It runs the exact dispatcher path the
// virtualized backend's runToHalt drives via a real Out exit, and
// stashes an abort or dispatch failure on the side for runToHalt to
// pick up once InProcessDriver.Run returns. InProcessDriver stores this
// callback but does not invoke it, so in that mode the side channel
// stays empty.
func (s *Sandbox) handleOut(port uint16, payload uint8) bool {
	action, abort, err := s.dispatcher.HandleOut(port, payload, s.manager.Region(), s.manager.Layout())
	if err != nil {
		s.inProcessErr = err
		return false
	}
	if action == hostfunc.ActionAbort {
		ai := abort
		s.inProcessAbort = &ai
		return false
	}
	return true
}

// runToHalt drives the Driver from rip/rsp until Halt, Cancelled, or
// Fault, servicing any Out exits along the way (§4.6). It returns a
// non-nil *hostfunc.AbortInfo if the guest issued ABORT, from either
// backend.
func (s *Sandbox) runToHalt(rip, rsp uint64) (hypervisor.ExitReason, *hostfunc.AbortInfo, error) {
	reason, err := s.driver.Run(rip, rsp, 0, 0, 0, s.maxExecutionTime, s.maxWaitForCancellation)
	for {
		if err != nil {
			return reason, nil, err
		}
		if reason.Kind == hypervisor.ExitOut {
			action, abort, herr := s.dispatcher.HandleOut(reason.Port, reason.Payload, s.manager.Region(), s.manager.Layout())
			if herr != nil {
				return reason, nil, herr
			}
			if action == hostfunc.ActionAbort {
				return reason, &abort, nil
			}
			reason, err = s.driver.Resume(s.maxExecutionTime, s.maxWaitForCancellation)
			continue
		}

		if s.runMode == InProcess {
			if s.inProcessAbort != nil {
				ai := s.inProcessAbort
				s.inProcessAbort = nil
				return reason, ai, nil
			}
			if s.inProcessErr != nil {
				ierr := s.inProcessErr
				s.inProcessErr = nil
				return reason, nil, ierr
			}
		}
		return reason, nil, nil
	}
}

// RestoreState resets the Sandbox's shared memory to the snapshot
// taken at the end of Build (§4.7). CallGuest does this automatically
// before every call; it is also exposed directly for callers that want
// to discard guest-visible state (e.g. between unrelated call
// sequences) without making a call.
func (s *Sandbox) RestoreState() error {
	switch s.state {
	case stateDisposed:
		return ErrDisposed
	case statePoisoned:
		return ErrPoisoned
	}
	if err := s.manager.Restore(); err != nil {
		s.state = statePoisoned
		return &HypervisorError{Cause: err}
	}
	return nil
}

// CallGuest restores the sandbox to its post-init snapshot, writes a
// guest function call, drives the vCPU to the dispatch function and
// back to Halt, and decodes the result (§4.6, §4.7). A failure that
// leaves the sandbox's invariants intact (ValidationError, a
// non-fatal GuestError) returns with the sandbox still Ready; any
// other failure Poisons it.
func (s *Sandbox) CallGuest(name string, expectedReturnType wire.ReturnType, args ...wire.Value) (wire.Value, error) {
	switch s.state {
	case stateDisposed:
		return wire.Value{}, ErrDisposed
	case statePoisoned:
		return wire.Value{}, ErrPoisoned
	}

	fc := wire.FunctionCall{FunctionName: name, Parameters: args, Kind: wire.CallKindGuest, ExpectedReturnType: expectedReturnType}
	if err := fc.ValidateArrayLengths(); err != nil {
		return wire.Value{}, &ValidationError{Cause: err}
	}

	if err := s.RestoreState(); err != nil {
		return wire.Value{}, err
	}

	if err := s.manager.WriteGuestFunctionCall(name, args, expectedReturnType); err != nil {
		return wire.Value{}, &ValidationError{Cause: err}
	}

	dispatchPtr, err := s.manager.DispatchFunctionPointer()
	if err != nil {
		s.state = statePoisoned
		return wire.Value{}, &HypervisorError{Cause: err}
	}
	stackTop, err := s.manager.StackTop()
	if err != nil {
		s.state = statePoisoned
		return wire.Value{}, &HypervisorError{Cause: err}
	}

	reason, abort, err := s.runToHalt(dispatchPtr, stackTop)
	if err != nil {
		s.state = statePoisoned
		return wire.Value{}, &HypervisorError{Cause: err}
	}
	if abort != nil {
		s.state = statePoisoned
		return wire.Value{}, &HypervisorError{Cause: fmt.Errorf("guest aborted with code %d", abort.Code)}
	}
	switch reason.Kind {
	case hypervisor.ExitCancelled:
		s.state = statePoisoned
		return wire.Value{}, &HypervisorError{Cause: fmt.Errorf("call cancelled after %s", s.maxExecutionTime)}
	case hypervisor.ExitFault:
		s.state = statePoisoned
		return wire.Value{}, &HypervisorError{Cause: fmt.Errorf("%s", reason.FaultKind)}
	}

	ok, err := s.manager.CheckStackGuard()
	if err != nil {
		s.state = statePoisoned
		return wire.Value{}, &HypervisorError{Cause: err}
	}
	if !ok {
		s.state = statePoisoned
		return wire.Value{}, &GuestError{Code: wire.GsCheckFailed, Message: "stack guard cookie corrupted"}
	}

	code, msg, err := s.manager.GetGuestError()
	if err != nil {
		s.state = statePoisoned
		return wire.Value{}, &HypervisorError{Cause: err}
	}
	if code != wire.NoError {
		if code.IsFatal() {
			s.state = statePoisoned
		}
		return wire.Value{}, &GuestError{Code: code, Message: msg}
	}

	result, err := s.manager.GetReturnValue()
	if err != nil {
		s.state = statePoisoned
		return wire.Value{}, &HypervisorError{Cause: err}
	}
	return result, nil
}

// State reports the Sandbox's current lifecycle state, mainly for
// logging and tests.
func (s *Sandbox) State() string { return s.state.String() }

// Close releases the Driver, the memory manager's region, and (for an
// InProcess Sandbox) the process-wide single-instance guard, in that
// order (§9: reverse acquisition order). It is idempotent; teardown
// failures are aggregated rather than dropped.
func (s *Sandbox) Close() error {
	if s.state == stateDisposed {
		return nil
	}
	s.state = stateDisposed

	var result *multierror.Error
	if s.driver != nil {
		if err := s.driver.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("hyperlight: closing driver: %w", err))
		}
	}
	if err := s.manager.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("hyperlight: closing memory manager: %w", err))
	}
	if s.holdsSingleton {
		singleinstance.Release()
	}
	return result.ErrorOrNil()
}

package hostfunc

import (
	"bytes"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/hyperlight-dev/hyperlight-go/memlayout"
	"github.com/hyperlight-dev/hyperlight-go/sharedmem"
	"github.com/hyperlight-dev/hyperlight-go/wire"
)

// ExitAction tells the caller (the sandbox's call loop) what to do
// after a port has been serviced.
type ExitAction int

const (
	// ActionResume means the vCPU should continue running.
	ActionResume ExitAction = iota
	// ActionAbort means the guest issued ABORT; the sandbox must be
	// Poisoned and the call must return to its caller.
	ActionAbort
)

// AbortInfo carries the guest-supplied abort code when ActionAbort is
// returned.
type AbortInfo struct {
	Code byte
}

// Dispatcher routes a guest's OUT instruction to the matching §4.6
// call-mediation handler: WRITE_OUTPUT, CALL_HOST_FUNCTION, LOG, or
// ABORT. This is the direct descendant of the teacher's IOBus, which
// routed PIO accesses across a table of legacy devices by port number;
// here the "devices" are the four fixed call-mediation behaviors
// instead of an open-ended set of registrable peripherals.
type Dispatcher struct {
	Table      *Table
	OutputSink io.Writer
	Logger     *logrus.Entry
}

// NewDispatcher builds a Dispatcher over table, draining WRITE_OUTPUT
// bytes to sink and forwarding LOG frames to logger.
func NewDispatcher(table *Table, sink io.Writer, logger *logrus.Entry) *Dispatcher {
	return &Dispatcher{Table: table, OutputSink: sink, Logger: logger}
}

// HandleOut services one guest OUT instruction. port and al are the
// DX/AL values the hypervisor driver reported on the exit; region and
// layout give access to the shared memory the guest and host agree on.
func (d *Dispatcher) HandleOut(port uint16, al uint8, region *sharedmem.Region, layout *memlayout.Layout) (ExitAction, AbortInfo, error) {
	switch port {
	case wire.WriteOutputPort:
		return ActionResume, AbortInfo{}, d.handleWriteOutput(region, layout)
	case wire.CallHostFunctionPort:
		return ActionResume, AbortInfo{}, d.handleCallHostFunction(region, layout)
	case wire.LogPort:
		return ActionResume, AbortInfo{}, d.handleLog(region, layout)
	case wire.AbortPort:
		return ActionAbort, AbortInfo{Code: al}, nil
	default:
		return ActionResume, AbortInfo{}, fmt.Errorf("hostfunc: unhandled OUT port 0x%x", port)
	}
}

func (d *Dispatcher) handleWriteOutput(region *sharedmem.Region, layout *memlayout.Layout) error {
	size := layout.Config().OutputDataSize
	buf := make([]byte, size)
	if err := region.CopyOut(layout.OutputBufferOffset, buf, size); err != nil {
		return err
	}
	n := bytes.IndexByte(buf, 0)
	if n < 0 {
		n = len(buf)
	}
	_, err := d.OutputSink.Write(buf[:n])
	return err
}

func (d *Dispatcher) handleCallHostFunction(region *sharedmem.Region, layout *memlayout.Layout) error {
	size := layout.Config().OutputDataSize
	raw := make([]byte, size)
	if err := region.CopyOut(layout.OutputBufferOffset, raw, size); err != nil {
		return err
	}
	payload, err := wire.DecodeFrame(raw)
	if err != nil {
		return err
	}
	fc, err := wire.DecodeFunctionCall(payload)
	if err != nil {
		return err
	}

	result, guestErr, err := d.Table.Call(fc)
	if err != nil {
		// A host-function body failed (HostCallError, §7): serialize
		// into the host-exception area and let the guest decide
		// whether to continue.
		return d.writeHostException(region, layout, err)
	}
	if guestErr != nil {
		return d.writeGuestError(region, layout, *guestErr)
	}

	encoded, err := result.Encode()
	if err != nil {
		return err
	}
	framed := wire.EncodeFrame(encoded)
	if uint64(len(framed)) > layout.Config().InputDataSize {
		return ErrResultTooLarge
	}
	return region.CopyIn(framed, layout.InputBufferOffset)
}

func (d *Dispatcher) writeGuestError(region *sharedmem.Region, layout *memlayout.Layout, ge wire.GuestError) error {
	encoded := ge.Encode()
	if uint64(len(encoded)) > layout.Config().GuestErrorBufferSize {
		return ErrGuestErrorTooLarge
	}
	return region.CopyIn(encoded, layout.GuestErrorOffset)
}

func (d *Dispatcher) writeHostException(region *sharedmem.Region, layout *memlayout.Layout, cause error) error {
	ge := wire.GuestError{Code: wire.UnknownError, Message: cause.Error()}
	encoded := ge.Encode()
	if uint64(len(encoded)) > layout.Config().HostExceptionSize {
		encoded = encoded[:layout.Config().HostExceptionSize]
	}
	return region.CopyIn(encoded, layout.HostExceptionOffset)
}

func (d *Dispatcher) handleLog(region *sharedmem.Region, layout *memlayout.Layout) error {
	raw := make([]byte, memlayout.GuestPanicAreaSize)
	if err := region.CopyOut(layout.GuestPanicOffset, raw, memlayout.GuestPanicAreaSize); err != nil {
		return err
	}
	payload, err := wire.DecodeFrame(raw)
	if err != nil {
		return err
	}
	entry, err := wire.DecodeGuestLogData(payload)
	if err != nil {
		return err
	}
	d.logGuestEntry(entry)
	return nil
}

func (d *Dispatcher) logGuestEntry(entry wire.GuestLogData) {
	if d.Logger == nil {
		return
	}
	fields := logrus.Fields{
		"source": entry.Source,
		"caller": entry.Caller,
		"file":   entry.File,
		"line":   entry.Line,
	}
	switch entry.Level {
	case wire.LogTrace, wire.LogDebug:
		d.Logger.WithFields(fields).Debug(entry.Message)
	case wire.LogWarning:
		d.Logger.WithFields(fields).Warn(entry.Message)
	case wire.LogError, wire.LogCritical:
		d.Logger.WithFields(fields).Error(entry.Message)
	case wire.LogNone:
		// Suppressed by the guest's own logger configuration.
	default:
		d.Logger.WithFields(fields).Info(entry.Message)
	}
}

// WriteHostFunctionDefinitions serializes table's signatures, sorted by
// name, into the host-function-definitions region (§6).
func WriteHostFunctionDefinitions(table *Table, region *sharedmem.Region, layout *memlayout.Layout) error {
	encoded := wire.EncodeHostFunctionDefinitions(table.Definitions())
	framed := wire.EncodeFrame(encoded)
	if uint64(len(framed)) > layout.Config().HostFunctionDefinitionSize {
		return ErrDefinitionsTooLarge
	}
	return region.CopyIn(framed, layout.HostFuncDefsOffset)
}

package hostfunc_test

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/hyperlight-dev/hyperlight-go/hostfunc"
	"github.com/hyperlight-dev/hyperlight-go/memlayout"
	"github.com/hyperlight-dev/hyperlight-go/sharedmem"
	"github.com/hyperlight-dev/hyperlight-go/wire"
)

func newLayout(t *testing.T) *memlayout.Layout {
	t.Helper()
	cfg := memlayout.MemoryConfig{GuestStackSize: 64 * 1024, GuestHeapSize: 64 * 1024}
	l, err := memlayout.New(cfg, nil, 4096)
	require.NoError(t, err)
	return l
}

func TestTableRegisterAndCall(t *testing.T) {
	table := hostfunc.NewTable()
	called := false
	err := table.Register("HostMethod1", []wire.ValueType{wire.ValueString}, wire.ReturnInt,
		func(params []wire.Value) (wire.Value, error) {
			called = true
			require.Equal(t, "Hello from CallbackTest", params[0].Str)
			return wire.I32(85), nil
		})
	require.NoError(t, err)

	require.Error(t, table.Register("HostMethod1", nil, wire.ReturnVoid, nil))

	fc := wire.FunctionCall{
		FunctionName:       "HostMethod1",
		Kind:               wire.CallKindHost,
		ExpectedReturnType: wire.ReturnInt,
		Parameters:         []wire.Value{wire.String("Hello from CallbackTest")},
	}
	result, guestErr, err := table.Call(fc)
	require.NoError(t, err)
	require.Nil(t, guestErr)
	require.True(t, called)
	require.Equal(t, wire.I32(85), result.ReturnValue)
}

func TestTableCallUnknownFunction(t *testing.T) {
	table := hostfunc.NewTable()
	_, guestErr, err := table.Call(wire.FunctionCall{FunctionName: "Nonexistent"})
	require.NoError(t, err)
	require.NotNil(t, guestErr)
	require.Equal(t, wire.GuestFunctionNotFound, guestErr.Code)
}

func TestTableCallParameterTypeMismatch(t *testing.T) {
	table := hostfunc.NewTable()
	require.NoError(t, table.Register("Needs String", []wire.ValueType{wire.ValueString}, wire.ReturnVoid,
		func(params []wire.Value) (wire.Value, error) { return wire.Value{}, nil }))

	_, guestErr, err := table.Call(wire.FunctionCall{
		FunctionName: "Needs String",
		Parameters:   []wire.Value{wire.I32(1)},
	})
	require.NoError(t, err)
	require.NotNil(t, guestErr)
	require.Equal(t, wire.GuestFunctionParameterTypeMismatch, guestErr.Code)
}

func TestDispatcherWriteOutput(t *testing.T) {
	layout := newLayout(t)
	region, err := sharedmem.Allocate(layout.TotalSize)
	require.NoError(t, err)
	defer region.Free()

	msg := append([]byte("Hello, World!!\n"), 0)
	require.NoError(t, region.CopyIn(msg, layout.OutputBufferOffset))

	var sink bytes.Buffer
	d := hostfunc.NewDispatcher(hostfunc.NewTable(), &sink, logrus.NewEntry(logrus.New()))

	action, _, err := d.HandleOut(wire.WriteOutputPort, 0, region, layout)
	require.NoError(t, err)
	require.Equal(t, hostfunc.ActionResume, action)
	require.Equal(t, "Hello, World!!\n", sink.String())
}

func TestDispatcherCallHostFunctionRoundTrip(t *testing.T) {
	layout := newLayout(t)
	region, err := sharedmem.Allocate(layout.TotalSize)
	require.NoError(t, err)
	defer region.Free()

	table := hostfunc.NewTable()
	require.NoError(t, table.Register("HostMethod1", []wire.ValueType{wire.ValueString}, wire.ReturnInt,
		func(params []wire.Value) (wire.Value, error) { return wire.I32(85), nil }))

	fc := wire.FunctionCall{
		FunctionName:       "HostMethod1",
		Kind:               wire.CallKindHost,
		ExpectedReturnType: wire.ReturnInt,
		Parameters:         []wire.Value{wire.String("Hello from CallbackTest")},
	}
	encoded, err := fc.Encode()
	require.NoError(t, err)
	require.NoError(t, region.CopyIn(wire.EncodeFrame(encoded), layout.OutputBufferOffset))

	var sink bytes.Buffer
	d := hostfunc.NewDispatcher(table, &sink, logrus.NewEntry(logrus.New()))
	action, _, err := d.HandleOut(wire.CallHostFunctionPort, 0, region, layout)
	require.NoError(t, err)
	require.Equal(t, hostfunc.ActionResume, action)

	raw := make([]byte, layout.Config().InputDataSize)
	require.NoError(t, region.CopyOut(layout.InputBufferOffset, raw, layout.Config().InputDataSize))
	payload, err := wire.DecodeFrame(raw)
	require.NoError(t, err)
	result, err := wire.DecodeFunctionCallResult(payload)
	require.NoError(t, err)
	require.Equal(t, wire.I32(85), result.ReturnValue)
}

func TestDispatcherCallHostFunctionNotFoundWritesGuestError(t *testing.T) {
	layout := newLayout(t)
	region, err := sharedmem.Allocate(layout.TotalSize)
	require.NoError(t, err)
	defer region.Free()

	fc := wire.FunctionCall{FunctionName: "Missing"}
	encoded, err := fc.Encode()
	require.NoError(t, err)
	require.NoError(t, region.CopyIn(wire.EncodeFrame(encoded), layout.OutputBufferOffset))

	var sink bytes.Buffer
	d := hostfunc.NewDispatcher(hostfunc.NewTable(), &sink, logrus.NewEntry(logrus.New()))
	action, _, err := d.HandleOut(wire.CallHostFunctionPort, 0, region, layout)
	require.NoError(t, err)
	require.Equal(t, hostfunc.ActionResume, action)

	raw := make([]byte, layout.Config().GuestErrorBufferSize)
	require.NoError(t, region.CopyOut(layout.GuestErrorOffset, raw, layout.Config().GuestErrorBufferSize))
	ge, err := wire.DecodeGuestError(raw)
	require.NoError(t, err)
	require.Equal(t, wire.GuestFunctionNotFound, ge.Code)
}

func TestDispatcherAbort(t *testing.T) {
	layout := newLayout(t)
	region, err := sharedmem.Allocate(layout.TotalSize)
	require.NoError(t, err)
	defer region.Free()

	var sink bytes.Buffer
	d := hostfunc.NewDispatcher(hostfunc.NewTable(), &sink, logrus.NewEntry(logrus.New()))
	action, info, err := d.HandleOut(wire.AbortPort, 7, region, layout)
	require.NoError(t, err)
	require.Equal(t, hostfunc.ActionAbort, action)
	require.EqualValues(t, 7, info.Code)
}

func TestWriteHostFunctionDefinitions(t *testing.T) {
	layout := newLayout(t)
	region, err := sharedmem.Allocate(layout.TotalSize)
	require.NoError(t, err)
	defer region.Free()

	table := hostfunc.NewTable()
	require.NoError(t, table.Register("HostMethod1", []wire.ValueType{wire.ValueString}, wire.ReturnInt, nil))
	require.NoError(t, table.Register("HostMethod2", []wire.ValueType{wire.ValueI32}, wire.ReturnVoid, nil))

	require.NoError(t, hostfunc.WriteHostFunctionDefinitions(table, region, layout))

	raw := make([]byte, layout.Config().HostFunctionDefinitionSize)
	require.NoError(t, region.CopyOut(layout.HostFuncDefsOffset, raw, layout.Config().HostFunctionDefinitionSize))
	payload, err := wire.DecodeFrame(raw)
	require.NoError(t, err)
	defs, err := wire.DecodeHostFunctionDefinitions(payload)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	require.Equal(t, "HostMethod1", defs[0].Name)
	require.Equal(t, "HostMethod2", defs[1].Name)
}

// Package hostfunc holds the registered host-function table and the
// OUT-port call mediation that dispatches guest requests into it
// (§4.6), adapted from the teacher's devices.IOBus port-routing
// pattern.
package hostfunc

import (
	"fmt"
	"sync"

	"github.com/hyperlight-dev/hyperlight-go/wire"
)

// Handler is a bound Go implementation of a registered host function.
// It receives the guest-supplied parameters, already validated against
// the registered signature, and returns the single result value.
type Handler func(params []wire.Value) (wire.Value, error)

type registration struct {
	def     wire.HostFunctionDefinition
	handler Handler
}

// Table is the set of host functions a Sandbox exposes to its guest.
// Like the teacher's IOBus, registration happens once up front and
// lookups happen on the hot call path; unlike IOBus it keys by
// function name rather than port number.
type Table struct {
	mu     sync.Mutex
	byName map[string]registration
}

// NewTable returns an empty host function table.
func NewTable() *Table {
	return &Table{byName: make(map[string]registration)}
}

// Register adds a host function. It is an error to register the same
// name twice.
func (t *Table) Register(name string, paramTypes []wire.ValueType, returnType wire.ReturnType, h Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.byName[name]; exists {
		return fmt.Errorf("%w: %q", ErrAlreadyRegistered, name)
	}
	t.byName[name] = registration{
		def:     wire.HostFunctionDefinition{Name: name, ParameterTypes: paramTypes, ReturnType: returnType},
		handler: h,
	}
	return nil
}

// Definitions returns the registered signatures in Go map iteration
// order, which is unspecified.
// Callers wanting the guest-visible, name-sorted wire form should pass
// this to wire.EncodeHostFunctionDefinitions.
func (t *Table) Definitions() []wire.HostFunctionDefinition {
	t.mu.Lock()
	defer t.mu.Unlock()
	defs := make([]wire.HostFunctionDefinition, 0, len(t.byName))
	for _, r := range t.byName {
		defs = append(defs, r.def)
	}
	return defs
}

// Call validates fc against the registered signature and invokes the
// bound handler. Validation failures are returned as a *wire.GuestError
// per §4.6 and never as the error return; a non-nil error return means
// the handler itself failed (a HostCallError, classified by the
// caller).
func (t *Table) Call(fc wire.FunctionCall) (wire.FunctionCallResult, *wire.GuestError, error) {
	t.mu.Lock()
	reg, ok := t.byName[fc.FunctionName]
	t.mu.Unlock()

	if !ok {
		return wire.FunctionCallResult{}, &wire.GuestError{
			Code:    wire.GuestFunctionNotFound,
			Message: fmt.Sprintf("host function %q not found", fc.FunctionName),
		}, nil
	}

	if len(fc.Parameters) != len(reg.def.ParameterTypes) {
		return wire.FunctionCallResult{}, &wire.GuestError{
			Code: wire.GuestFunctionIncorrectNumberOfParameters,
			Message: fmt.Sprintf("host function %q expects %d parameters, got %d",
				fc.FunctionName, len(reg.def.ParameterTypes), len(fc.Parameters)),
		}, nil
	}
	for i, pt := range reg.def.ParameterTypes {
		if fc.Parameters[i].Type != pt {
			return wire.FunctionCallResult{}, &wire.GuestError{
				Code: wire.GuestFunctionParameterTypeMismatch,
				Message: fmt.Sprintf("host function %q parameter %d: expected %v, got %v",
					fc.FunctionName, i, pt, fc.Parameters[i].Type),
			}, nil
		}
	}
	if err := fc.ValidateArrayLengths(); err != nil {
		return wire.FunctionCallResult{}, &wire.GuestError{
			Code:    wire.ArrayLengthParamIsMissing,
			Message: err.Error(),
		}, nil
	}

	result, err := reg.handler(fc.Parameters)
	if err != nil {
		return wire.FunctionCallResult{}, nil, fmt.Errorf("host function %q: %w", fc.FunctionName, err)
	}
	return wire.FunctionCallResult{ReturnValueType: reg.def.ReturnType, ReturnValue: result}, nil, nil
}

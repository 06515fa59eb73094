// Package singleinstance guards the in-process run mode (§4.3/§5),
// which executes the guest's relocated code directly on a host thread
// instead of inside a hypervisor partition. Because that mode mutates
// process-global state — the guest's own static data lives in the
// host process's address space exactly once, with no hypervisor
// boundary to give each guest its own copy — at most one such sandbox
// may exist per host process.
package singleinstance

import (
	"errors"
	"sync/atomic"
)

// ErrSingleInstance is returned by Acquire when an in-process sandbox
// already holds the guard.
var ErrSingleInstance = errors.New("singleinstance: an in-process sandbox already exists in this process")

var held atomic.Bool

// Acquire claims the process-wide guard. It returns ErrSingleInstance
// if another in-process sandbox currently holds it.
func Acquire() error {
	if !held.CompareAndSwap(false, true) {
		return ErrSingleInstance
	}
	return nil
}

// Release gives up the guard, allowing a future Acquire to succeed.
// It is idempotent.
func Release() {
	held.Store(false)
}

package sharedmem

import "unsafe"

// hostPointer returns the address of the first element of buf, or nil
// for an empty slice. Isolated in its own file since it is the only
// unsafe-pointer use in this package.
func hostPointer(buf []byte) unsafe.Pointer {
	if len(buf) == 0 {
		return nil
	}
	return unsafe.Pointer(&buf[0])
}

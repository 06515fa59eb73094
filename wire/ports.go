package wire

// Port numbers used on the guest's OUT instruction to signal the host
// (§6). The exact values are not normative; these are the four
// distinct nonzero bytes this implementation documents and uses.
const (
	WriteOutputPort     uint16 = 0x7F
	CallHostFunctionPort uint16 = 0x64
	AbortPort           uint16 = 0x65
	LogPort             uint16 = 0x66
)

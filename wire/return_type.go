package wire

import "fmt"

// ReturnType tags the expected or actual return value of a call (§6).
// hlvoid and hlsizeprefixedbuffer have no Value counterpart; hlvoid
// carries no payload and hlsizeprefixedbuffer reuses ValueVecBytes.
type ReturnType byte

const (
	ReturnInt ReturnType = iota
	ReturnLong
	ReturnString
	ReturnBool
	ReturnVoid
	ReturnSizePrefixedBuffer
)

func (t ReturnType) String() string {
	switch t {
	case ReturnInt:
		return "hlint"
	case ReturnLong:
		return "hllong"
	case ReturnString:
		return "hlstring"
	case ReturnBool:
		return "hlbool"
	case ReturnVoid:
		return "hlvoid"
	case ReturnSizePrefixedBuffer:
		return "hlsizeprefixedbuffer"
	default:
		return fmt.Sprintf("ReturnType(%d)", byte(t))
	}
}

// Matches reports whether a Value produced by the guest/host satisfies
// this expected return type (§4.6).
func (t ReturnType) Matches(v Value) bool {
	switch t {
	case ReturnInt:
		return v.Type == ValueI32
	case ReturnLong:
		return v.Type == ValueI64
	case ReturnString:
		return v.Type == ValueString
	case ReturnBool:
		return v.Type == ValueBool
	case ReturnSizePrefixedBuffer:
		return v.Type == ValueVecBytes
	case ReturnVoid:
		return false
	default:
		return false
	}
}

package wire

// GuestError is the frame the guest writes into the guest-error buffer
// when a call fails validation or aborts (§6/§7).
type GuestError struct {
	Code    ErrorCode
	Message string
}

func (e GuestError) Encode() []byte {
	buf := make([]byte, 0, 16+len(e.Message))
	buf = putU64(buf, uint64(e.Code))
	buf = putString(buf, e.Message)
	return buf
}

func DecodeGuestError(payload []byte) (GuestError, error) {
	r := newReader(payload)
	code, err := r.u64()
	if err != nil {
		return GuestError{}, err
	}
	msg, err := r.string()
	if err != nil {
		return GuestError{}, err
	}
	return GuestError{Code: ErrorCode(code), Message: msg}, nil
}

func (e GuestError) Error() string {
	if e.Message == "" {
		return "wire: guest error " + e.Code.String()
	}
	return "wire: guest error " + e.Code.String() + ": " + e.Message
}

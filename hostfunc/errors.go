package hostfunc

import "errors"

var (
	ErrAlreadyRegistered  = errors.New("hostfunc: host function already registered")
	ErrResultTooLarge      = errors.New("hostfunc: encoded FunctionCallResult exceeds the input buffer")
	ErrGuestErrorTooLarge  = errors.New("hostfunc: encoded GuestError exceeds the guest-error buffer")
	ErrDefinitionsTooLarge = errors.New("hostfunc: encoded host function definitions exceed the reserved region")
)

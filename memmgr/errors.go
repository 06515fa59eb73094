package memmgr

import "errors"

var (
	ErrStackCookieNotSet = errors.New("memmgr: stack guard cookie was never set")
	ErrNoSnapshot        = errors.New("memmgr: no snapshot has been taken")
	ErrPayloadTooLarge   = errors.New("memmgr: encoded payload exceeds the reserved region")
)

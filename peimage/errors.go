package peimage

import "errors"

// Sentinel errors for PE parsing and relocation failures (§4.2).
var (
	ErrBadSignature     = errors.New("peimage: bad DOS/NT signature")
	ErrNotPE32Plus      = errors.New("peimage: not a PE32+ (64-bit) image")
	ErrTruncatedImage    = errors.New("peimage: image truncated")
	ErrUnsupportedReloc = errors.New("peimage: unsupported base relocation type")
	ErrIntegerOverflow  = errors.New("peimage: integer overflow computing relocated address")
)

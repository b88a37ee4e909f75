package sieve

import "errors"

// Sentinel errors wrapped into the richer messages returned by the script
// frontend and evaluation engine; callers that care can errors.Is against
// these instead of parsing status strings.
var (
	errFail         = errors.New("fail")
	errParse        = errors.New("parse error")
	errNoMem        = errors.New("no memory")
	errInternal     = errors.New("internal error")
	errNotFinalized = errors.New("not finalized")
)

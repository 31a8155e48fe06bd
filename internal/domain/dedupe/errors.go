package dedupe

import "errors"

var (
	ErrInFlight = errors.New("submission already in flight")
	ErrFull     = errors.New("in-flight set is full")
)

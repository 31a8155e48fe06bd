package external

import "errors"

var (
	// ErrTransient covers failures worth retrying: network errors, call
	// timeouts, throttling and 5xx responses.
	ErrTransient = errors.New("external store transient failure")
	// ErrRequestRejected means the store refused the request without naming
	// the offending field.
	ErrRequestRejected = errors.New("external store rejected request")
	// ErrPermanent covers failures no retry can fix, such as bad credentials
	// or a missing list.
	ErrPermanent = errors.New("external store permanent failure")
)

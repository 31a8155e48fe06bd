package intake

import "errors"

// Sentinel kinds for intake document errors.
var (
	ErrMalformed   = errors.New("malformed intake document")
	ErrInvalidLeaf = errors.New("invalid intake value")
)

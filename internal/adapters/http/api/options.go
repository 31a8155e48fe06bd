package api

import "context"

const defaultMaxBodyBytes = 1 << 20

// Option configures NewServer.
type Option func(*options)

type options struct {
	maxBodyBytes int64
	ready        func(ctx context.Context) error
}

// WithMaxBodyBytes bounds the size of an intake document.
func WithMaxBodyBytes(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.maxBodyBytes = n
		}
	}
}

// WithReadiness sets the check behind GET /readyz.
func WithReadiness(check func(ctx context.Context) error) Option {
	return func(o *options) {
		o.ready = check
	}
}

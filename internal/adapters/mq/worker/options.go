package worker

import (
	"sync/atomic"
	"time"

	"github.com/okian/intake/pkg/logger"
)

// Option applies a configuration option to the InMemoryWorker.
type Option func(*InMemoryWorker)

// WithName sets the worker name for identification and logging.
func WithName(name string) Option {
	return func(w *InMemoryWorker) {
		if name != "" {
			w.name = name
		}
	}
}

// WithLogger sets a custom logger for the worker.
func WithLogger(logger logger.Logger) Option {
	return func(w *InMemoryWorker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithReleaser sets where finished jobs release their in-flight claim.
func WithReleaser(r Releaser) Option {
	return func(w *InMemoryWorker) {
		w.claims = r
	}
}

func withCounter(c *atomic.Int64) Option {
	return func(w *InMemoryWorker) {
		w.processed = c
	}
}

// ProjectorOption applies a configuration option to the Projector.
type ProjectorOption func(*Projector)

// WithMaxAttempts bounds how many deliveries a submission gets.
func WithMaxAttempts(n int) ProjectorOption {
	return func(p *Projector) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// WithBackoff sets the first and the largest wait between deliveries.
func WithBackoff(initial, maxWait time.Duration) ProjectorOption {
	return func(p *Projector) {
		if initial > 0 {
			p.backoffInitial = initial
		}
		if maxWait >= p.backoffInitial {
			p.backoffMax = maxWait
		}
	}
}

// WithProjectorLogger sets a custom logger for the projector.
func WithProjectorLogger(l logger.Logger) ProjectorOption {
	return func(p *Projector) {
		if l != nil {
			p.logger = l
		}
	}
}

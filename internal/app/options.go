package service

import (
	"time"

	"github.com/okian/intake/internal/adapters/external"
	"github.com/okian/intake/internal/domain/schema"
	"github.com/okian/intake/pkg/logger"
)

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithWorkerCount sets the number of projection workers.
func WithWorkerCount(count int) Option {
	return func(s *Service) {
		if count > 0 {
			s.workerCount = count
		}
	}
}

// WithQueueSize sets the maximum size of the projection queue.
func WithQueueSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.queueSize = size
		}
	}
}

// WithDedupeSize caps how many submissions may be in flight at once.
func WithDedupeSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.dedupeSize = size
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(logger logger.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithDatabasePath sets the SQLite file holding submissions and the ledger.
func WithDatabasePath(path string) Option {
	return func(s *Service) {
		if path != "" {
			s.databasePath = path
		}
	}
}

// WithRegistry uses an already loaded schema registry.
func WithRegistry(reg *schema.Registry) Option {
	return func(s *Service) {
		s.registry = reg
	}
}

// WithRegistryPath loads the schema registry from a YAML file on Start
// instead of the embedded default.
func WithRegistryPath(path string) Option {
	return func(s *Service) {
		s.registryPath = path
	}
}

// WithExternalStore sets the store submissions are projected into. Without
// it the service projects into an in-memory store built from the registry.
func WithExternalStore(store external.Store) Option {
	return func(s *Service) {
		s.external = store
	}
}

// WithSweepInterval sets how often non-terminal submissions are re-queued.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.sweepInterval = d
		}
	}
}

// WithMaxAttempts bounds the deliveries made per submission.
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithBackoff sets the first and largest wait between deliveries.
func WithBackoff(initial, maxWait time.Duration) Option {
	return func(s *Service) {
		if initial > 0 && maxWait >= initial {
			s.backoffInitial = initial
			s.backoffMax = maxWait
		}
	}
}

// WithMaxListLimit caps how many rows a list call returns.
func WithMaxListLimit(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxListLimit = n
		}
	}
}

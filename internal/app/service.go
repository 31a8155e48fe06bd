// Package service provides the core business service that implements
// the dependencies required by the HTTP API.
//
// Intake is synchronous and depends only on the primary store. Projection
// into the external store runs behind a queue and can never fail a submit.
package service

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/okian/intake/internal/adapters/external"
	jobqueue "github.com/okian/intake/internal/adapters/mq/queue"
	workerpool "github.com/okian/intake/internal/adapters/mq/worker"
	"github.com/okian/intake/internal/adapters/repository"
	"github.com/okian/intake/internal/domain/dedupe"
	"github.com/okian/intake/internal/domain/delivery"
	"github.com/okian/intake/internal/domain/intake"
	"github.com/okian/intake/internal/domain/model"
	"github.com/okian/intake/internal/domain/schema"
	"github.com/okian/intake/pkg/logger"
	"github.com/okian/intake/pkg/metrics"
)

// Default service configuration.
const (
	defaultQueueSize      = 10000
	defaultDedupeSize     = 50000
	defaultDatabasePath   = "intake.db"
	defaultSweepInterval  = time.Minute
	defaultMaxAttempts    = 5
	defaultBackoffInitial = 500 * time.Millisecond
	defaultBackoffMax     = 30 * time.Second
	defaultMaxListLimit   = 500
	shutdownTimeout       = 30 * time.Second
)

// Service implements the API dependencies for the intake system.
type Service struct {
	mu sync.RWMutex

	// Core components
	store     *repository.SQLiteStore
	registry  *schema.Registry
	external  external.Store
	claims    dedupe.Tracker
	queue     jobqueue.Queue
	pool      *workerpool.Pool
	projector *workerpool.Projector

	// Configuration
	workerCount    int
	queueSize      int
	dedupeSize     int
	databasePath   string
	registryPath   string
	sweepInterval  time.Duration
	maxAttempts    int
	backoffInitial time.Duration
	backoffMax     time.Duration
	maxListLimit   int

	// State
	started bool
	cancel  context.CancelFunc
	bg      sync.WaitGroup

	logger logger.Logger
}

// New constructs a new Service with default configuration.
func New(opts ...Option) *Service {
	s := &Service{
		workerCount:    runtime.NumCPU() * 2,
		queueSize:      defaultQueueSize,
		dedupeSize:     defaultDedupeSize,
		databasePath:   defaultDatabasePath,
		sweepInterval:  defaultSweepInterval,
		maxAttempts:    defaultMaxAttempts,
		backoffInitial: defaultBackoffInitial,
		backoffMax:     defaultBackoffMax,
		maxListLimit:   defaultMaxListLimit,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start opens the primary store, loads the registry and starts the
// projection workers and the recovery sweep.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	if s.logger == nil {
		s.logger = logger.Get().Named("service")
	}

	s.logger.Info(ctx, "starting intake service...")

	if s.registry == nil {
		reg, err := s.loadRegistry()
		if err != nil {
			return err
		}
		s.registry = reg
	}

	store, err := repository.Open(s.databasePath)
	if err != nil {
		return fmt.Errorf("open primary store: %w", err)
	}
	s.store = store

	if s.external == nil {
		s.logger.Warn(ctx, "no external store configured, projecting into memory")
		s.external = external.NewMemoryStore(external.ColumnsFromRegistry(s.registry))
	}

	s.claims = dedupe.NewInMemoryTracker(dedupe.WithMaxSize(s.dedupeSize))
	s.queue = jobqueue.NewInMemoryQueue(
		jobqueue.WithCapacity(s.queueSize),
		jobqueue.WithBufferSize(s.queueSize),
	)
	s.projector = workerpool.NewProjector(s.store, s.store, delivery.New(s.external), s.registry,
		workerpool.WithMaxAttempts(s.maxAttempts),
		workerpool.WithBackoff(s.backoffInitial, s.backoffMax),
	)

	// Background work outlives the caller's start context and ends on Stop.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	s.pool = workerpool.NewPool(s.workerCount, s.queue, s.projector, s.claims)
	s.pool.Start(runCtx)

	s.bg.Add(2)
	go func() {
		defer s.bg.Done()
		s.store.RunMetricsUpdater(runCtx)
	}()
	go func() {
		defer s.bg.Done()
		s.runSweeper(runCtx)
	}()

	s.started = true
	s.logger.Info(ctx, "intake service started",
		logger.Int("workers", s.pool.Size()),
		logger.Int("queueSize", s.queueSize),
		logger.Int("fields", s.registry.Len()),
		logger.String("registryVersion", s.registry.Version()),
		logger.String("database", s.databasePath),
	)

	return nil
}

func (s *Service) loadRegistry() (*schema.Registry, error) {
	if s.registryPath == "" {
		reg, err := schema.Default()
		if err != nil {
			return nil, fmt.Errorf("load default registry: %w", err)
		}
		return reg, nil
	}
	reg, err := schema.LoadFile(s.registryPath)
	if err != nil {
		return nil, fmt.Errorf("load registry %s: %w", s.registryPath, err)
	}
	return reg, nil
}

// Stop gracefully shuts down the service. Jobs still queued are dropped;
// their submissions stay non-terminal and are re-queued on the next start.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	pool, store, cancelRun := s.pool, s.store, s.cancel
	s.claims, s.queue = nil, nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.logger.Info(ctx, "stopping intake service...")

	// In-flight projections abandon their backoff waits; interrupted
	// submissions stay inProgress for the next recovery sweep.
	cancelRun()
	if err := pool.Shutdown(ctx); err != nil {
		s.logger.Warn(ctx, "worker pool did not stop cleanly", logger.Error(err))
	}
	s.bg.Wait()

	if err := store.Close(); err != nil {
		s.logger.Error(ctx, "error closing primary store", logger.Error(err))
	}

	s.logger.Info(ctx, "intake service stopped")
}

// Submit validates and durably commits one intake document, then hands it
// to projection. The result depends on the primary store alone: once the
// commit succeeds Submit succeeds, whatever happens to the projection.
func (s *Service) Submit(ctx context.Context, raw []byte) (model.Submission, error) {
	store, err := s.primary()
	if err != nil {
		return model.Submission{}, err
	}

	doc, err := intake.Decode(raw)
	if err != nil {
		metrics.RecordIntakeRejected("malformed")
		return model.Submission{}, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	if err := doc.Validate(); err != nil {
		metrics.RecordIntakeRejected("invalid_leaf")
		return model.Submission{}, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}

	start := time.Now()
	sub, err := store.Commit(ctx, raw)
	metrics.RecordPrimaryWriteLatency(float64(time.Since(start).Milliseconds()))
	if err != nil {
		metrics.RecordPrimaryWriteFailure()
		metrics.RecordErrorByComponent("service", "primary_write")
		s.logger.Error(ctx, "primary write failed", logger.Error(err))
		return model.Submission{}, err
	}
	metrics.RecordSubmissionCommitted()

	if unknown := doc.UnknownSections(); len(unknown) > 0 {
		s.logger.Debug(ctx, "submission carries unknown sections",
			logger.String("submissionID", sub.ID),
			logger.Any("sections", unknown),
		)
	}

	s.Enqueue(context.WithoutCancel(ctx), sub.ID)
	return sub, nil
}

// Enqueue hands a committed submission to the projection workers. It never
// fails the caller: a submission that cannot be queued now stays
// notStarted in the primary store and is picked up by the recovery sweep.
// It reports whether the submission is queued or already in flight.
func (s *Service) Enqueue(ctx context.Context, id string) (queued bool) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordErrorByType("enqueue_panic", "critical")
			s.logger.Error(ctx, "enqueue panicked",
				logger.String("submissionID", id),
				logger.Any("panic", r),
			)
			queued = false
		}
	}()
	return s.enqueue(ctx, jobqueue.Job{SubmissionID: id})
}

func (s *Service) enqueue(ctx context.Context, job jobqueue.Job) bool {
	s.mu.RLock()
	claims, q := s.claims, s.queue
	s.mu.RUnlock()
	if claims == nil || q == nil {
		s.logger.Warn(ctx, "projection not running, leaving submission for the sweep",
			logger.String("submissionID", job.SubmissionID))
		return false
	}

	switch err := claims.Claim(ctx, job.SubmissionID); {
	case errors.Is(err, dedupe.ErrInFlight):
		return true
	case err != nil:
		metrics.RecordErrorByComponent("service", "claim")
		s.logger.Warn(ctx, "cannot claim submission", logger.String("submissionID", job.SubmissionID), logger.Error(err))
		return false
	}

	if !q.Enqueue(ctx, job) {
		claims.Release(ctx, job.SubmissionID)
		s.logger.Warn(ctx, "projection queue refused submission", logger.String("submissionID", job.SubmissionID))
		return false
	}
	return true
}

func (s *Service) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep re-queues submissions whose projection has not reached a terminal
// status and returns how many were queued.
func (s *Service) Sweep(ctx context.Context) int {
	store, err := s.primary()
	if err != nil {
		return 0
	}
	subs, err := store.ListByStatus(ctx, s.queueSize, model.ProjectionNotStarted, model.ProjectionInProgress)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error(ctx, "recovery sweep failed", logger.Error(err))
		}
		return 0
	}

	s.mu.RLock()
	claims := s.claims
	s.mu.RUnlock()
	if claims == nil {
		return 0
	}

	n := 0
	for _, sub := range subs {
		if claims.InFlight(ctx, sub.ID) {
			continue
		}
		if s.enqueue(ctx, jobqueue.Job{SubmissionID: sub.ID, Recovered: true}) {
			metrics.RecordRecoveredJob()
			n++
		}
	}
	if n > 0 {
		s.logger.Info(ctx, "recovery sweep queued submissions", logger.Int("count", n))
	}
	return n
}

func (s *Service) primary() (*repository.SQLiteStore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return nil, ErrNotStarted
	}
	return s.store, nil
}

func (s *Service) limit(n int) int {
	if n <= 0 || n > s.maxListLimit {
		return s.maxListLimit
	}
	return n
}

// Get returns a submission with the current state of each projected field.
func (s *Service) Get(ctx context.Context, id string) (model.SubmissionDetail, error) {
	store, err := s.primary()
	if err != nil {
		return model.SubmissionDetail{}, err
	}
	sub, err := store.Get(ctx, id)
	if err != nil {
		return model.SubmissionDetail{}, err
	}
	fields, err := store.LatestRecords(ctx, id)
	if err != nil {
		return model.SubmissionDetail{}, err
	}
	return model.SubmissionDetail{Submission: sub, Fields: fields}, nil
}

// ListByStatus lists submissions in the given projection status, oldest first.
func (s *Service) ListByStatus(ctx context.Context, status model.ProjectionStatus, limit int) ([]model.Submission, error) {
	store, err := s.primary()
	if err != nil {
		return nil, err
	}
	return store.ListByStatus(ctx, s.limit(limit), status)
}

// NeedsReview lists uncleared partialNeedsReview submissions with their failed fields.
func (s *Service) NeedsReview(ctx context.Context, limit int) ([]model.ReviewItem, error) {
	store, err := s.primary()
	if err != nil {
		return nil, err
	}
	return store.ListNeedsReview(ctx, s.limit(limit))
}

// ClearReview marks a needs-review submission as handled by an operator.
func (s *Service) ClearReview(ctx context.Context, id, note string) error {
	store, err := s.primary()
	if err != nil {
		return err
	}
	if err := store.ClearReview(ctx, id, note); err != nil {
		return err
	}
	s.logger.Info(ctx, "review cleared", logger.String("submissionID", id))
	return nil
}

// AliasDrift reports accepted fields that needed an alias.
func (s *Service) AliasDrift(ctx context.Context) ([]model.AliasUsage, error) {
	store, err := s.primary()
	if err != nil {
		return nil, err
	}
	return store.AliasDrift(ctx)
}

// Registry returns the loaded schema registry, or nil before Start.
func (s *Service) Registry() *schema.Registry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registry
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats(ctx context.Context) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]any{
		"started":     s.started,
		"workerCount": s.workerCount,
		"queueSize":   s.queueSize,
		"dedupeSize":  s.dedupeSize,
	}
	if !s.started {
		return stats
	}

	queueLen := s.queue.Len(ctx)
	stats["queueLength"] = queueLen
	stats["inFlight"] = s.claims.Size()
	stats["processed"] = s.pool.Processed()
	stats["registryVersion"] = s.registry.Version()
	stats["registryFields"] = s.registry.Len()

	if counts, err := s.store.CountByStatus(ctx); err == nil {
		byStatus := make(map[string]int, len(counts))
		for st, n := range counts {
			byStatus[string(st)] = n
		}
		stats["submissions"] = byStatus
	}

	metrics.UpdateQueueSize(queueLen)
	metrics.UpdateWorkerCount(s.pool.Size())

	return stats
}

// Ready reports whether the service is started and its store reachable.
func (s *Service) Ready(ctx context.Context) error {
	store, err := s.primary()
	if err != nil {
		return err
	}
	return store.Ping(ctx)
}

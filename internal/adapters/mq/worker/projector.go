package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/okian/intake/internal/adapters/external"
	"github.com/okian/intake/internal/adapters/mq/queue"
	"github.com/okian/intake/internal/adapters/repository"
	"github.com/okian/intake/internal/domain/delivery"
	"github.com/okian/intake/internal/domain/intake"
	"github.com/okian/intake/internal/domain/model"
	"github.com/okian/intake/internal/domain/projection"
	"github.com/okian/intake/internal/domain/schema"
	"github.com/okian/intake/pkg/logger"
	"github.com/okian/intake/pkg/metrics"
)

// Default projection retry configuration.
const (
	defaultMaxAttempts    = 5
	defaultBackoffInitial = 500 * time.Millisecond
	defaultBackoffMax     = 30 * time.Second
)

// SubmissionStore is the part of the primary store a projector needs.
type SubmissionStore interface {
	Get(ctx context.Context, id string) (model.Submission, error)
	SetProjectionStatus(ctx context.Context, id string, status model.ProjectionStatus) error
	AddAttempt(ctx context.Context, id string) error
}

// Ledger appends reconciliation rows.
type Ledger interface {
	Record(ctx context.Context, recs ...model.ProjectionRecord) error
}

// Deliverer writes projected fields to the external store.
type Deliverer interface {
	Deliver(ctx context.Context, key string, pending []projection.PendingField) (delivery.Result, error)
}

// Processor handles one dequeued job.
type Processor interface {
	Process(ctx context.Context, job queue.Job) error
}

// Projector projects committed submissions into the external store and
// records every field outcome in the ledger.
type Projector struct {
	store     SubmissionStore
	ledger    Ledger
	deliverer Deliverer
	registry  *schema.Registry

	maxAttempts    int
	backoffInitial time.Duration
	backoffMax     time.Duration

	logger logger.Logger
}

var _ Processor = (*Projector)(nil)

// NewProjector creates a projector with configuration options.
func NewProjector(store SubmissionStore, ledger Ledger, deliverer Deliverer, registry *schema.Registry, opts ...ProjectorOption) *Projector {
	p := &Projector{
		store:          store,
		ledger:         ledger,
		deliverer:      deliverer,
		registry:       registry,
		maxAttempts:    defaultMaxAttempts,
		backoffInitial: defaultBackoffInitial,
		backoffMax:     defaultBackoffMax,
		logger:         logger.Get().Named("projector"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process runs one projection job to a terminal status. It returns an error
// only when the job must be picked up again later; the submission is then
// left in its current non-terminal status for the recovery sweep.
func (p *Projector) Process(ctx context.Context, job queue.Job) error {
	start := time.Now()
	defer func() {
		metrics.RecordWorkerProcessingLatency(float64(time.Since(start).Milliseconds()))
	}()

	log := p.logger.With(logger.String("submissionID", job.SubmissionID))

	sub, err := p.store.Get(ctx, job.SubmissionID)
	if err != nil {
		return fmt.Errorf("load submission %s: %w", job.SubmissionID, err)
	}
	if sub.ProjectionStatus.Terminal() {
		log.Debug(ctx, "submission already projected", logger.String("status", string(sub.ProjectionStatus)))
		return nil
	}

	err = p.store.SetProjectionStatus(ctx, sub.ID, model.ProjectionInProgress)
	switch {
	case errors.Is(err, repository.ErrStatusRegression):
		// Already inProgress: a previous run was interrupted.
		log.Info(ctx, "resuming interrupted projection")
	case err != nil:
		return fmt.Errorf("mark in progress: %w", err)
	}

	doc, err := intake.Decode(sub.RawDocument)
	if err != nil {
		log.Error(ctx, "stored document cannot be decoded", logger.Error(err))
		return p.finish(ctx, sub.ID, model.ProjectionFailed)
	}

	pending, issues := projection.ProjectWithIssues(doc, p.registry)
	for _, is := range issues {
		metrics.RecordCoercionIssue(string(is.Issue))
		fields := []logger.Field{
			logger.String("path", is.LogicalPath),
			logger.String("issue", string(is.Issue)),
		}
		if is.Required {
			log.Warn(ctx, "required field has no usable value", fields...)
		} else {
			log.Debug(ctx, "coercion issue", fields...)
		}
	}

	rows, err := p.pendingRows(sub.ID, pending)
	if err != nil {
		return err
	}
	if err := p.ledger.Record(ctx, rows...); err != nil {
		return fmt.Errorf("record pending fields: %w", err)
	}

	status, err := p.deliver(ctx, log, sub.ID, pending)
	if err != nil {
		return err
	}
	return p.finish(ctx, sub.ID, status)
}

// deliver runs up to maxAttempts deliveries, backing off between transient
// failures, and returns the terminal status earned by the field outcomes.
func (p *Projector) deliver(ctx context.Context, log logger.Logger, id string, pending []projection.PendingField) (model.ProjectionStatus, error) {
	attempts := make(map[projection.FieldKey]int, len(pending))
	final := make(map[projection.FieldKey]delivery.Outcome, len(pending))
	remaining := pending

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.backoffInitial
	b.MaxInterval = p.backoffMax
	b.MaxElapsedTime = 0

	// storeErr is set when the store or ledger fails; the job then stays
	// non-terminal instead of being escalated for review.
	var storeErr error

	var retries uint64
	if p.maxAttempts > 1 {
		retries = uint64(p.maxAttempts - 1)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx)

	operation := func() error {
		if err := p.store.AddAttempt(ctx, id); err != nil {
			storeErr = fmt.Errorf("count attempt: %w", err)
			return backoff.Permanent(storeErr)
		}
		res, derr := p.deliverer.Deliver(ctx, id, remaining)

		var next []projection.PendingField
		rows := make([]model.ProjectionRecord, 0, len(res.Outcomes))
		for _, o := range res.Outcomes {
			key := o.Field.Key()
			attempts[key] += o.Attempts
			final[key] = o
			if o.Status == model.FieldFailedTransient {
				next = append(next, o.Field)
			}
			row, err := outcomeRow(id, p.registry.Version(), o, attempts[key])
			if err != nil {
				storeErr = err
				return backoff.Permanent(err)
			}
			rows = append(rows, row)
			logOutcome(ctx, log, o)
		}
		if err := p.ledger.Record(ctx, rows...); err != nil {
			storeErr = fmt.Errorf("record outcomes: %w", err)
			return backoff.Permanent(storeErr)
		}
		remaining = next

		switch {
		case derr == nil:
			return nil
		case errors.Is(derr, external.ErrTransient):
			return derr
		default:
			return backoff.Permanent(derr)
		}
	}

	notify := func(err error, wait time.Duration) {
		metrics.RecordTransientRetry()
		log.Warn(ctx, "transient delivery failure, retrying",
			logger.Error(err),
			logger.Duration("wait", wait),
			logger.Int("fieldsLeft", len(remaining)),
		)
	}

	err := backoff.RetryNotify(operation, policy, notify)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("projection interrupted: %w", ctx.Err())
		}
		if storeErr != nil {
			return "", storeErr
		}
		metrics.RecordWorkerError()
		metrics.RecordErrorByComponent("worker", "delivery_exhausted")
		log.Error(ctx, "delivery gave up", logger.Error(err), logger.Int("fieldsLeft", len(remaining)))
	}

	status := model.ProjectionComplete
	for _, o := range final {
		metrics.RecordFieldOutcome(string(o.Status))
		if o.Status != model.FieldAccepted {
			status = model.ProjectionPartialNeedsReview
		}
	}
	return status, nil
}

func logOutcome(ctx context.Context, log logger.Logger, o delivery.Outcome) {
	switch {
	case o.Status.Rejected():
		log.Warn(ctx, "field rejected by external store",
			logger.String("path", o.Field.LogicalPath),
			logger.String("externalID", o.Field.ExternalID),
			logger.String("status", string(o.Status)),
			logger.String("reason", o.LastError),
		)
	case o.AliasUsed():
		log.Info(ctx, "field written under alias",
			logger.String("path", o.Field.LogicalPath),
			logger.String("canonicalID", o.Field.ExternalID),
			logger.String("alias", o.AcceptedID),
		)
	}
}

func (p *Projector) finish(ctx context.Context, id string, status model.ProjectionStatus) error {
	if err := p.store.SetProjectionStatus(ctx, id, status); err != nil {
		return fmt.Errorf("set %s: %w", status, err)
	}
	metrics.RecordProjectionOutcome(string(status))
	p.logger.Info(ctx, "projection finished",
		logger.String("submissionID", id),
		logger.String("status", string(status)),
	)
	return nil
}

func (p *Projector) pendingRows(id string, pending []projection.PendingField) ([]model.ProjectionRecord, error) {
	rows := make([]model.ProjectionRecord, 0, len(pending))
	for _, f := range pending {
		value, err := json.Marshal(f.Value)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", f.LogicalPath, err)
		}
		rows = append(rows, model.ProjectionRecord{
			SubmissionID:    id,
			LogicalPath:     f.LogicalPath,
			Ordinal:         f.Ordinal,
			ExternalFieldID: f.ExternalID,
			Value:           value,
			Status:          model.FieldPending,
			RegistryVersion: p.registry.Version(),
		})
	}
	return rows, nil
}

func outcomeRow(id, version string, o delivery.Outcome, attempts int) (model.ProjectionRecord, error) {
	value, err := json.Marshal(o.Field.Value)
	if err != nil {
		return model.ProjectionRecord{}, fmt.Errorf("encode %s: %w", o.Field.LogicalPath, err)
	}
	fieldID := o.Field.ExternalID
	if o.AcceptedID != "" {
		fieldID = o.AcceptedID
	}
	return model.ProjectionRecord{
		SubmissionID:    id,
		LogicalPath:     o.Field.LogicalPath,
		Ordinal:         o.Field.Ordinal,
		ExternalFieldID: fieldID,
		Value:           value,
		AttemptCount:    attempts,
		Status:          o.Status,
		LastError:       o.LastError,
		AliasUsed:       o.AliasUsed(),
		RegistryVersion: version,
	}, nil
}

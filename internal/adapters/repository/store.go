// Package repository holds the primary submission store and the
// reconciliation ledger, both backed by SQLite.
package repository

import (
	"context"

	"github.com/okian/intake/internal/domain/model"
)

// SubmissionStore is the primary store. Commit is the only call on the
// intake path; everything else serves projection and operators.
type SubmissionStore interface {
	// Commit durably stores raw as received and returns the new submission.
	// Any failure wraps ErrPrimaryWrite and leaves no row behind.
	Commit(ctx context.Context, raw []byte) (model.Submission, error)

	// Get returns a submission including its raw document.
	Get(ctx context.Context, id string) (model.Submission, error)

	// ListByStatus returns submissions in receipt order, without raw documents.
	ListByStatus(ctx context.Context, limit int, statuses ...model.ProjectionStatus) ([]model.Submission, error)

	// SetProjectionStatus moves a submission forward. Transitions that do not
	// increase the status rank fail with ErrStatusRegression.
	SetProjectionStatus(ctx context.Context, id string, status model.ProjectionStatus) error

	// AddAttempt counts one delivery attempt.
	AddAttempt(ctx context.Context, id string) error

	// CountByStatus returns the number of submissions per projection status.
	CountByStatus(ctx context.Context) (map[model.ProjectionStatus]int, error)
}

// Ledger is the append-only reconciliation ledger.
type Ledger interface {
	// Record appends rows in one transaction.
	Record(ctx context.Context, recs ...model.ProjectionRecord) error

	// Records returns every row for a submission in insertion order.
	Records(ctx context.Context, submissionID string) ([]model.ProjectionRecord, error)

	// LatestRecords returns the current row per field of a submission.
	LatestRecords(ctx context.Context, submissionID string) ([]model.ProjectionRecord, error)

	// ListNeedsReview returns uncleared partialNeedsReview submissions with
	// their fields that were not accepted.
	ListNeedsReview(ctx context.Context, limit int) ([]model.ReviewItem, error)

	// ClearReview marks a needs-review submission as handled by an operator.
	ClearReview(ctx context.Context, id, note string) error

	// AliasDrift reports accepted fields that only landed under an alias.
	AliasDrift(ctx context.Context) ([]model.AliasUsage, error)
}

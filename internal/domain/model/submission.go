// Package model contains domain models passed between layers.
package model

import (
	"encoding/json"
	"time"
)

// PrimaryWriteStatus is the outcome of the synchronous primary store write.
// Only committed submissions exist; a failed write leaves nothing behind.
type PrimaryWriteStatus string

const (
	PrimaryCommitted PrimaryWriteStatus = "committed"
)

// ProjectionStatus tracks a submission's projection into the external store.
type ProjectionStatus string

const (
	ProjectionNotStarted         ProjectionStatus = "notStarted"
	ProjectionInProgress         ProjectionStatus = "inProgress"
	ProjectionComplete           ProjectionStatus = "complete"
	ProjectionPartialNeedsReview ProjectionStatus = "partialNeedsReview"
	ProjectionFailed             ProjectionStatus = "failed"
)

// Rank orders statuses for forward-only transitions. Unknown statuses rank -1.
func (s ProjectionStatus) Rank() int {
	switch s {
	case ProjectionNotStarted:
		return 0
	case ProjectionInProgress:
		return 1
	case ProjectionComplete, ProjectionPartialNeedsReview, ProjectionFailed:
		return 2
	default:
		return -1
	}
}

// Terminal reports whether no further projection work will happen.
func (s ProjectionStatus) Terminal() bool { return s.Rank() == 2 }

// Valid reports whether s is a known status.
func (s ProjectionStatus) Valid() bool { return s.Rank() >= 0 }

// CanAdvanceTo reports whether moving from s to next is a forward transition.
func (s ProjectionStatus) CanAdvanceTo(next ProjectionStatus) bool {
	return next.Valid() && next.Rank() > s.Rank()
}

// ParseProjectionStatus returns the status named by v.
func ParseProjectionStatus(v string) (ProjectionStatus, bool) {
	s := ProjectionStatus(v)
	return s, s.Valid()
}

// Submission is one committed intake document and its projection lifecycle.
type Submission struct {
	ID                 string             `json:"id"`
	ReceivedAt         time.Time          `json:"receivedAt"`
	RawDocument        json.RawMessage    `json:"rawDocument,omitempty"`
	PrimaryWriteStatus PrimaryWriteStatus `json:"primaryWriteStatus"`
	ProjectionStatus   ProjectionStatus   `json:"projectionStatus"`
	// Attempts counts delivery attempts made against the external store.
	Attempts        int        `json:"attempts"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	ReviewClearedAt *time.Time `json:"reviewClearedAt,omitempty"`
	ReviewNote      string     `json:"reviewNote,omitempty"`
}

// FieldStatus is the state of one projected field attempt.
type FieldStatus string

const (
	FieldPending              FieldStatus = "pending"
	FieldAccepted             FieldStatus = "accepted"
	FieldRejectedUnknownField FieldStatus = "rejectedUnknownField"
	FieldRejectedTypeMismatch FieldStatus = "rejectedTypeMismatch"
	FieldFailedTransient      FieldStatus = "failedTransient"
)

// Rejected reports whether the field was permanently refused by the external store.
func (s FieldStatus) Rejected() bool {
	return s == FieldRejectedUnknownField || s == FieldRejectedTypeMismatch
}

// ProjectionRecord is one append-only ledger row. Rows are never updated;
// a later row for the same (SubmissionID, LogicalPath, Ordinal) supersedes it.
type ProjectionRecord struct {
	ID              int64           `json:"id"`
	SubmissionID    string          `json:"submissionId"`
	LogicalPath     string          `json:"logicalPath"`
	Ordinal         int             `json:"ordinal"`
	ExternalFieldID string          `json:"externalFieldId"`
	Value           json.RawMessage `json:"value"`
	AttemptCount    int             `json:"attemptCount"`
	Status          FieldStatus     `json:"status"`
	LastError       string          `json:"lastError,omitempty"`
	AliasUsed       bool            `json:"aliasUsed"`
	RegistryVersion string          `json:"registryVersion,omitempty"`
	RecordedAt      time.Time       `json:"recordedAt"`
}

// ReviewItem is a submission awaiting manual reconciliation and the
// fields that were not accepted.
type ReviewItem struct {
	Submission Submission         `json:"submission"`
	Failed     []ProjectionRecord `json:"failed"`
}

// AliasUsage aggregates accepted fields that needed an alias, so the
// registry can be updated to prefer the id the external store accepts.
type AliasUsage struct {
	LogicalPath     string    `json:"logicalPath"`
	ExternalFieldID string    `json:"externalFieldId"`
	Count           int       `json:"count"`
	LastSeen        time.Time `json:"lastSeen"`
}

// SubmissionDetail is a submission with the current state of each projected field.
type SubmissionDetail struct {
	Submission Submission         `json:"submission"`
	Fields     []ProjectionRecord `json:"fields"`
}

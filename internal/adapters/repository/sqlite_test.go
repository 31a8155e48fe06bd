package repository_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okian/intake/internal/adapters/repository"
	"github.com/okian/intake/internal/domain/model"
)

func openStore(t *testing.T, opts ...repository.Option) *repository.SQLiteStore {
	t.Helper()
	store, err := repository.Open(filepath.Join(t.TempDir(), "intake.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// stepClock returns a clock that advances one second per call.
func stepClock() func() time.Time {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

func TestCommitAndGet(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	raw := []byte(`{"companyInfo": {"legalName": "Acme"}, "extra": {"kept": true}}`)
	sub, err := store.Commit(ctx, raw)
	require.NoError(t, err)
	assert.NotEmpty(t, sub.ID)
	assert.Equal(t, model.PrimaryCommitted, sub.PrimaryWriteStatus)
	assert.Equal(t, model.ProjectionNotStarted, sub.ProjectionStatus)

	got, err := store.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, string(raw), string(got.RawDocument))
	assert.Equal(t, sub.ReceivedAt, got.ReceivedAt)
	assert.Nil(t, got.ReviewClearedAt)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestCommitFailureLeavesNoRow(t *testing.T) {
	ctx := context.Background()

	t.Run("empty document", func(t *testing.T) {
		store := openStore(t)
		_, err := store.Commit(ctx, nil)
		assert.ErrorIs(t, err, repository.ErrPrimaryWrite)

		counts, err := store.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Empty(t, counts)
	})

	t.Run("id generation", func(t *testing.T) {
		store := openStore(t, repository.WithIDGenerator(func() (string, error) {
			return "", errors.New("entropy exhausted")
		}))
		_, err := store.Commit(ctx, []byte(`{}`))
		assert.ErrorIs(t, err, repository.ErrPrimaryWrite)
	})

	t.Run("duplicate id", func(t *testing.T) {
		store := openStore(t, repository.WithIDGenerator(func() (string, error) { return "fixed", nil }))
		_, err := store.Commit(ctx, []byte(`{"a":1}`))
		require.NoError(t, err)
		_, err = store.Commit(ctx, []byte(`{"a":2}`))
		assert.ErrorIs(t, err, repository.ErrPrimaryWrite)

		got, err := store.Get(ctx, "fixed")
		require.NoError(t, err)
		assert.Equal(t, `{"a":1}`, string(got.RawDocument))
	})

	t.Run("closed database", func(t *testing.T) {
		store, err := repository.Open(filepath.Join(t.TempDir(), "intake.db"))
		require.NoError(t, err)
		require.NoError(t, store.Close())
		_, err = store.Commit(ctx, []byte(`{}`))
		assert.ErrorIs(t, err, repository.ErrPrimaryWrite)
	})
}

func TestProjectionStatusIsForwardOnly(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	sub, err := store.Commit(ctx, []byte(`{}`))
	require.NoError(t, err)

	require.NoError(t, store.SetProjectionStatus(ctx, sub.ID, model.ProjectionInProgress))
	assert.ErrorIs(t, store.SetProjectionStatus(ctx, sub.ID, model.ProjectionInProgress), repository.ErrStatusRegression)
	assert.ErrorIs(t, store.SetProjectionStatus(ctx, sub.ID, model.ProjectionNotStarted), repository.ErrStatusRegression)

	require.NoError(t, store.SetProjectionStatus(ctx, sub.ID, model.ProjectionPartialNeedsReview))
	assert.ErrorIs(t, store.SetProjectionStatus(ctx, sub.ID, model.ProjectionComplete), repository.ErrStatusRegression)
	assert.ErrorIs(t, store.SetProjectionStatus(ctx, sub.ID, "done"), repository.ErrInvalidStatus)
	assert.ErrorIs(t, store.SetProjectionStatus(ctx, "missing", model.ProjectionComplete), repository.ErrNotFound)

	got, err := store.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ProjectionPartialNeedsReview, got.ProjectionStatus)

	require.NoError(t, store.AddAttempt(ctx, sub.ID))
	require.NoError(t, store.AddAttempt(ctx, sub.ID))
	got, err = store.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)
	assert.ErrorIs(t, store.AddAttempt(ctx, "missing"), repository.ErrNotFound)
}

func TestListByStatus(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, repository.WithClock(stepClock()))

	var ids []string
	for i := 0; i < 4; i++ {
		sub, err := store.Commit(ctx, []byte(`{}`))
		require.NoError(t, err)
		ids = append(ids, sub.ID)
	}
	require.NoError(t, store.SetProjectionStatus(ctx, ids[1], model.ProjectionInProgress))
	require.NoError(t, store.SetProjectionStatus(ctx, ids[2], model.ProjectionComplete))

	pending, err := store.ListByStatus(ctx, 0, model.ProjectionNotStarted, model.ProjectionInProgress)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, []string{ids[0], ids[1], ids[3]}, []string{pending[0].ID, pending[1].ID, pending[2].ID})
	assert.Nil(t, pending[0].RawDocument)

	limited, err := store.ListByStatus(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, ids[0], limited[0].ID)

	_, err = store.ListByStatus(ctx, 0, "bogus")
	assert.ErrorIs(t, err, repository.ErrInvalidStatus)

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[model.ProjectionStatus]int{
		model.ProjectionNotStarted: 2,
		model.ProjectionInProgress: 1,
		model.ProjectionComplete:   1,
	}, counts)
}

func TestLedger(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, repository.WithClock(stepClock()))
	sub, err := store.Commit(ctx, []byte(`{}`))
	require.NoError(t, err)

	value := json.RawMessage(`"$5M-$20M"`)
	require.NoError(t, store.Record(ctx,
		model.ProjectionRecord{SubmissionID: sub.ID, LogicalPath: "companyInfo.legalName", ExternalFieldID: "CompanyLegalName", Value: json.RawMessage(`"Acme"`), Status: model.FieldPending},
		model.ProjectionRecord{SubmissionID: sub.ID, LogicalPath: "rolesCapabilities.scale", ExternalFieldID: "PrincipalContractor_LastYearScale", Value: value, Status: model.FieldPending},
	))
	require.NoError(t, store.Record(ctx,
		model.ProjectionRecord{SubmissionID: sub.ID, LogicalPath: "companyInfo.legalName", ExternalFieldID: "CompanyLegalName", Value: json.RawMessage(`"Acme"`), AttemptCount: 1, Status: model.FieldAccepted},
		model.ProjectionRecord{
			SubmissionID:    sub.ID,
			LogicalPath:     "rolesCapabilities.scale",
			ExternalFieldID: "PrincipalContractor_LastYearScal0",
			Value:           value,
			AttemptCount:    2,
			Status:          model.FieldAccepted,
			AliasUsed:       true,
			RegistryVersion: "abc123",
		},
	))

	all, err := store.Records(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, model.FieldPending, all[0].Status)
	assert.Less(t, all[0].ID, all[3].ID)

	latest, err := store.LatestRecords(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	scale := latest[1]
	assert.Equal(t, "rolesCapabilities.scale", scale.LogicalPath)
	assert.Equal(t, 2, scale.AttemptCount)
	assert.True(t, scale.AliasUsed)
	assert.Equal(t, "PrincipalContractor_LastYearScal0", scale.ExternalFieldID)
	assert.Equal(t, "abc123", scale.RegistryVersion)
	assert.JSONEq(t, `"$5M-$20M"`, string(scale.Value))

	drift, err := store.AliasDrift(ctx)
	require.NoError(t, err)
	require.Len(t, drift, 1)
	assert.Equal(t, "PrincipalContractor_LastYearScal0", drift[0].ExternalFieldID)
	assert.Equal(t, 1, drift[0].Count)
	assert.False(t, drift[0].LastSeen.IsZero())
}

func TestLedgerRejectsBadRecords(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	sub, err := store.Commit(ctx, []byte(`{}`))
	require.NoError(t, err)

	err = store.Record(ctx, model.ProjectionRecord{SubmissionID: sub.ID, LogicalPath: "a", ExternalFieldID: "A", Value: json.RawMessage(`{`)})
	assert.ErrorIs(t, err, repository.ErrInvalidRecord)

	err = store.Record(ctx, model.ProjectionRecord{SubmissionID: sub.ID, ExternalFieldID: "A"})
	assert.ErrorIs(t, err, repository.ErrInvalidRecord)

	// rows for unknown submissions violate the foreign key
	err = store.Record(ctx, model.ProjectionRecord{SubmissionID: "ghost", LogicalPath: "a", ExternalFieldID: "A"})
	assert.Error(t, err)

	recs, err := store.Records(ctx, sub.ID)
	require.NoError(t, err)
	assert.Empty(t, recs)

	require.NoError(t, store.Record(ctx))
}

func TestNeedsReviewAndClear(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, repository.WithClock(stepClock()))

	flagged, err := store.Commit(ctx, []byte(`{}`))
	require.NoError(t, err)
	clean, err := store.Commit(ctx, []byte(`{}`))
	require.NoError(t, err)

	require.NoError(t, store.Record(ctx,
		model.ProjectionRecord{SubmissionID: flagged.ID, LogicalPath: "a", ExternalFieldID: "A", AttemptCount: 1, Status: model.FieldAccepted},
		model.ProjectionRecord{SubmissionID: flagged.ID, LogicalPath: "b", ExternalFieldID: "B_old", AttemptCount: 2, Status: model.FieldRejectedUnknownField, LastError: "Column 'B_old' does not exist"},
	))
	require.NoError(t, store.SetProjectionStatus(ctx, flagged.ID, model.ProjectionPartialNeedsReview))
	require.NoError(t, store.SetProjectionStatus(ctx, clean.ID, model.ProjectionComplete))

	items, err := store.ListNeedsReview(ctx, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, flagged.ID, items[0].Submission.ID)
	require.Len(t, items[0].Failed, 1)
	assert.Equal(t, model.FieldRejectedUnknownField, items[0].Failed[0].Status)
	assert.Equal(t, "b", items[0].Failed[0].LogicalPath)

	assert.ErrorIs(t, store.ClearReview(ctx, clean.ID, "n/a"), repository.ErrNotReviewable)
	assert.ErrorIs(t, store.ClearReview(ctx, "missing", "n/a"), repository.ErrNotFound)

	require.NoError(t, store.ClearReview(ctx, flagged.ID, "column recreated by list owner"))
	assert.ErrorIs(t, store.ClearReview(ctx, flagged.ID, "again"), repository.ErrNotReviewable)

	got, err := store.Get(ctx, flagged.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ProjectionPartialNeedsReview, got.ProjectionStatus)
	require.NotNil(t, got.ReviewClearedAt)
	assert.Equal(t, "column recreated by list owner", got.ReviewNote)

	items, err = store.ListNeedsReview(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "intake.db")

	store, err := repository.Open(path)
	require.NoError(t, err)
	sub, err := store.Commit(ctx, []byte(`{"x":1}`))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = repository.Open(path)
	require.NoError(t, err)
	defer store.Close()

	got, err := store.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, `{"x":1}`, string(got.RawDocument))
	require.NoError(t, store.Ping(ctx))
}

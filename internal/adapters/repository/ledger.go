package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/okian/intake/internal/domain/model"
)

const recordColumns = `id, submission_id, logical_path, ordinal, external_field_id, value,
	attempt_count, status, last_error, alias_used, registry_version, recorded_at`

// Record implements Ledger.
func (s *SQLiteStore) Record(ctx context.Context, recs ...model.ProjectionRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO projection_records
		(submission_id, logical_path, ordinal, external_field_id, value,
		 attempt_count, status, last_error, alias_used, registry_version, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("record: prepare: %w", err)
	}
	defer stmt.Close()

	now := s.now().UTC()
	for _, rec := range recs {
		if rec.SubmissionID == "" || rec.LogicalPath == "" || rec.ExternalFieldID == "" {
			return fmt.Errorf("%w: submission, path and field id are required", ErrInvalidRecord)
		}
		value := rec.Value
		if len(value) == 0 {
			value = json.RawMessage("null")
		}
		if !json.Valid(value) {
			return fmt.Errorf("%w: value for %s is not JSON", ErrInvalidRecord, rec.LogicalPath)
		}
		recorded := rec.RecordedAt
		if recorded.IsZero() {
			recorded = now
		}
		_, err := stmt.ExecContext(ctx,
			rec.SubmissionID,
			rec.LogicalPath,
			rec.Ordinal,
			rec.ExternalFieldID,
			string(value),
			rec.AttemptCount,
			string(rec.Status),
			rec.LastError,
			rec.AliasUsed,
			rec.RegistryVersion,
			recorded.UTC().UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("record %s: %w", rec.LogicalPath, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("record: commit: %w", err)
	}
	return nil
}

func scanRecord(row rowScanner) (model.ProjectionRecord, error) {
	var (
		rec      model.ProjectionRecord
		value    string
		status   string
		recorded int64
	)
	err := row.Scan(
		&rec.ID,
		&rec.SubmissionID,
		&rec.LogicalPath,
		&rec.Ordinal,
		&rec.ExternalFieldID,
		&value,
		&rec.AttemptCount,
		&status,
		&rec.LastError,
		&rec.AliasUsed,
		&rec.RegistryVersion,
		&recorded,
	)
	if err != nil {
		return model.ProjectionRecord{}, err
	}
	rec.Value = json.RawMessage(value)
	rec.Status = model.FieldStatus(status)
	rec.RecordedAt = fromNanos(recorded)
	return rec, nil
}

func (s *SQLiteStore) queryRecords(ctx context.Context, query string, args ...any) ([]model.ProjectionRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []model.ProjectionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Records implements Ledger.
func (s *SQLiteStore) Records(ctx context.Context, submissionID string) ([]model.ProjectionRecord, error) {
	return s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM projection_records WHERE submission_id = ? ORDER BY id`,
		submissionID)
}

// LatestRecords implements Ledger. Rows come back ordered by path and ordinal.
func (s *SQLiteStore) LatestRecords(ctx context.Context, submissionID string) ([]model.ProjectionRecord, error) {
	return s.queryRecords(ctx, `
		SELECT `+recordColumns+` FROM projection_records r
		WHERE r.submission_id = ?
		  AND r.id = (
			SELECT MAX(x.id) FROM projection_records x
			WHERE x.submission_id = r.submission_id
			  AND x.logical_path = r.logical_path
			  AND x.ordinal = r.ordinal
		  )
		ORDER BY r.logical_path, r.ordinal
	`, submissionID)
}

// ListNeedsReview implements Ledger. A limit of 0 or less means no limit.
func (s *SQLiteStore) ListNeedsReview(ctx context.Context, limit int) ([]model.ReviewItem, error) {
	query := `SELECT ` + submissionColumns + ` FROM submissions
		WHERE projection_status = ? AND review_cleared_at IS NULL
		ORDER BY received_at, id`
	args := []any{string(model.ProjectionPartialNeedsReview)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list needs review: %w", err)
	}
	var subs []model.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		subs = append(subs, sub)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list needs review: %w", err)
	}

	// The store holds one connection, so records are read after the
	// submission cursor is closed.
	items := make([]model.ReviewItem, 0, len(subs))
	for _, sub := range subs {
		latest, err := s.LatestRecords(ctx, sub.ID)
		if err != nil {
			return nil, err
		}
		var failed []model.ProjectionRecord
		for _, rec := range latest {
			if rec.Status != model.FieldAccepted {
				failed = append(failed, rec)
			}
		}
		items = append(items, model.ReviewItem{Submission: sub, Failed: failed})
	}
	return items, nil
}

// ClearReview implements Ledger.
func (s *SQLiteStore) ClearReview(ctx context.Context, id, note string) error {
	now := s.now().UTC().UnixNano()
	res, err := s.db.ExecContext(ctx, `
		UPDATE submissions
		SET review_cleared_at = ?, review_note = ?, updated_at = ?
		WHERE id = ? AND projection_status = ? AND review_cleared_at IS NULL
	`, now, note, now, id, string(model.ProjectionPartialNeedsReview))
	if err != nil {
		return fmt.Errorf("clear review: %w", err)
	}
	return s.checkAffected(ctx, res, id, ErrNotReviewable)
}

// AliasDrift implements Ledger.
func (s *SQLiteStore) AliasDrift(ctx context.Context) ([]model.AliasUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT logical_path, external_field_id, COUNT(*), MAX(recorded_at)
		FROM projection_records
		WHERE status = ? AND alias_used = 1
		GROUP BY logical_path, external_field_id
		ORDER BY logical_path, external_field_id
	`, string(model.FieldAccepted))
	if err != nil {
		return nil, fmt.Errorf("alias drift: %w", err)
	}
	defer rows.Close()

	var out []model.AliasUsage
	for rows.Next() {
		var (
			u        model.AliasUsage
			lastSeen sql.NullInt64
		)
		if err := rows.Scan(&u.LogicalPath, &u.ExternalFieldID, &u.Count, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan alias usage: %w", err)
		}
		if lastSeen.Valid {
			u.LastSeen = fromNanos(lastSeen.Int64)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

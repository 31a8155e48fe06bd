package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/okian/intake/internal/domain/model"
	"github.com/okian/intake/pkg/metrics"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - initial schema
// 1 - projection_records.registry_version
const currentSchemaVersion = 1

const defaultMetricsUpdateInterval = 15 * time.Second

// SQLiteStore implements SubmissionStore and Ledger on one SQLite database.
type SQLiteStore struct {
	db *sql.DB

	now                   func() time.Time
	newID                 func() (string, error)
	metricsUpdateInterval time.Duration
}

var (
	_ SubmissionStore = (*SQLiteStore)(nil)
	_ Ledger          = (*SQLiteStore)(nil)
)

// Open creates or opens the database at path and applies pragmas and
// migrations. Use ":memory:" only in tests with a single connection.
func Open(path string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	// SQLite has a single writer; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &SQLiteStore{
		db:                    db,
		now:                   time.Now,
		newID:                 newSubmissionID,
		metricsUpdateInterval: defaultMetricsUpdateInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func newSubmissionID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return runMigrations(db)
}

func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if _, err := db.Exec(`ALTER TABLE projection_records ADD COLUMN registry_version TEXT NOT NULL DEFAULT ''`); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// Commit implements SubmissionStore.
func (s *SQLiteStore) Commit(ctx context.Context, raw []byte) (model.Submission, error) {
	if len(raw) == 0 {
		return model.Submission{}, fmt.Errorf("%w: empty document", ErrPrimaryWrite)
	}
	id, err := s.newID()
	if err != nil {
		return model.Submission{}, fmt.Errorf("%w: generate id: %v", ErrPrimaryWrite, err)
	}
	now := s.now().UTC()
	sub := model.Submission{
		ID:                 id,
		ReceivedAt:         now,
		RawDocument:        append([]byte(nil), raw...),
		PrimaryWriteStatus: model.PrimaryCommitted,
		ProjectionStatus:   model.ProjectionNotStarted,
		UpdatedAt:          now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Submission{}, fmt.Errorf("%w: begin: %v", ErrPrimaryWrite, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	_, err = tx.ExecContext(ctx, `
		INSERT INTO submissions
		(id, received_at, raw_document, primary_write_status, projection_status, status_rank, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		sub.ID,
		now.UnixNano(),
		sub.RawDocument,
		string(sub.PrimaryWriteStatus),
		string(sub.ProjectionStatus),
		sub.ProjectionStatus.Rank(),
		now.UnixNano(),
	)
	if err != nil {
		return model.Submission{}, fmt.Errorf("%w: insert: %v", ErrPrimaryWrite, err)
	}
	if err := tx.Commit(); err != nil {
		return model.Submission{}, fmt.Errorf("%w: commit: %v", ErrPrimaryWrite, err)
	}
	return sub, nil
}

const submissionColumns = `id, received_at, primary_write_status, projection_status, attempts, updated_at, review_cleared_at, review_note`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row rowScanner, extra ...any) (model.Submission, error) {
	var (
		sub                 model.Submission
		received, updated   int64
		cleared             sql.NullInt64
		primary, projection string
	)
	dest := append([]any{&sub.ID, &received, &primary, &projection, &sub.Attempts, &updated, &cleared, &sub.ReviewNote}, extra...)
	if err := row.Scan(dest...); err != nil {
		return model.Submission{}, err
	}
	sub.ReceivedAt = fromNanos(received)
	sub.UpdatedAt = fromNanos(updated)
	sub.PrimaryWriteStatus = model.PrimaryWriteStatus(primary)
	sub.ProjectionStatus = model.ProjectionStatus(projection)
	if cleared.Valid {
		t := fromNanos(cleared.Int64)
		sub.ReviewClearedAt = &t
	}
	return sub, nil
}

// Get implements SubmissionStore.
func (s *SQLiteStore) Get(ctx context.Context, id string) (model.Submission, error) {
	var raw []byte
	row := s.db.QueryRowContext(ctx, `SELECT `+submissionColumns+`, raw_document FROM submissions WHERE id = ?`, id)
	sub, err := scanSubmission(row, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Submission{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return model.Submission{}, fmt.Errorf("get submission: %w", err)
	}
	sub.RawDocument = raw
	return sub, nil
}

// ListByStatus implements SubmissionStore. A limit of 0 or less means no limit.
func (s *SQLiteStore) ListByStatus(ctx context.Context, limit int, statuses ...model.ProjectionStatus) ([]model.Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM submissions`
	args := make([]any, 0, len(statuses)+1)
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, st := range statuses {
			if !st.Valid() {
				return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, st)
			}
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE projection_status IN (` + strings.Join(marks, ", ") + `)`
	}
	query += ` ORDER BY received_at, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	var out []model.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// SetProjectionStatus implements SubmissionStore.
func (s *SQLiteStore) SetProjectionStatus(ctx context.Context, id string, status model.ProjectionStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE submissions
		SET projection_status = ?, status_rank = ?, updated_at = ?
		WHERE id = ? AND status_rank < ?
	`, string(status), status.Rank(), s.now().UTC().UnixNano(), id, status.Rank())
	if err != nil {
		return fmt.Errorf("set projection status: %w", err)
	}
	return s.checkAffected(ctx, res, id, ErrStatusRegression)
}

// AddAttempt implements SubmissionStore.
func (s *SQLiteStore) AddAttempt(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE submissions SET attempts = attempts + 1, updated_at = ? WHERE id = ?`,
		s.now().UTC().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("add attempt: %w", err)
	}
	return s.checkAffected(ctx, res, id, ErrNotFound)
}

// CountByStatus implements SubmissionStore.
func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[model.ProjectionStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT projection_status, COUNT(*) FROM submissions GROUP BY projection_status`)
	if err != nil {
		return nil, fmt.Errorf("count submissions: %w", err)
	}
	defer rows.Close()

	out := make(map[model.ProjectionStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[model.ProjectionStatus(status)] = n
	}
	return out, rows.Err()
}

// checkAffected turns a zero-row update into ErrNotFound or conflict.
func (s *SQLiteStore) checkAffected(ctx context.Context, res sql.Result, id string, conflict error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM submissions WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("lookup submission: %w", err)
	}
	return fmt.Errorf("%w: %s", conflict, id)
}

// RunMetricsUpdater refreshes store-derived gauges until ctx is done.
func (s *SQLiteStore) RunMetricsUpdater(ctx context.Context) {
	ticker := time.NewTicker(s.metricsUpdateInterval)
	defer ticker.Stop()

	s.updateMetrics(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.updateMetrics(ctx)
		}
	}
}

func (s *SQLiteStore) updateMetrics(ctx context.Context) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM submissions
		WHERE projection_status = ? AND review_cleared_at IS NULL
	`, string(model.ProjectionPartialNeedsReview)).Scan(&n)
	if err == nil {
		metrics.UpdateNeedsReview(n)
	}
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

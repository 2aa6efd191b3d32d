package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PseudoDarwinist/software-factory-sub003/internal/jobs"
	sqlitedb "github.com/PseudoDarwinist/software-factory-sub003/internal/platform/sqlite"
	"github.com/PseudoDarwinist/software-factory-sub003/internal/shared"
)

// SQLite is a jobs.Store backed by a local SQLite database. Lifecycle guards
// are expressed in the UPDATE itself; a zero-row result is classified into
// ErrNotFound or ErrConflict by re-reading the row inside the same
// transaction.
type SQLite struct {
	runner *sqlitedb.TxRunner
}

// NewSQLite wraps an open SQLite database. The jobs schema must already be
// migrated.
func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{runner: sqlitedb.NewTxRunner(db)}
}

const sqliteJobColumns = `id, type, project_id, status, progress, params, result, error, created_at, started_at, completed_at, updated_at`

func (s *SQLite) Create(ctx context.Context, j *jobs.Job) error {
	if j == nil || j.ID == "" {
		return fmt.Errorf("%w: job must have an id", shared.ErrValidation)
	}
	_, err := s.runner.DB().ExecContext(ctx, `
		INSERT INTO jobs (`+sqliteJobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Type, j.ProjectID, string(j.Status), j.Progress, j.Params, j.Result, j.Error,
		encodeTime(j.CreatedAt), encodeTimePtr(j.StartedAt), encodeTimePtr(j.CompletedAt), encodeTime(j.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: job %s already exists", shared.ErrConflict, j.ID)
		}
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, id string) (*jobs.Job, error) {
	row := s.runner.DB().QueryRowContext(ctx, `
		SELECT `+sqliteJobColumns+` FROM jobs WHERE id = ?`, id)
	return scanSQLiteJob(row, id)
}

func (s *SQLite) Start(ctx context.Context, id string) error {
	now := encodeTime(time.Now().UTC())
	return s.guardedUpdate(ctx, id, `
		UPDATE jobs SET status = 'running', started_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'`,
		now, now, id)
}

func (s *SQLite) UpdateProgress(ctx context.Context, id string, percent int) error {
	return s.guardedUpdate(ctx, id, `
		UPDATE jobs SET progress = ?, updated_at = ?
		WHERE id = ? AND status = 'running' AND progress <= ?`,
		percent, encodeTime(time.Now().UTC()), id, percent)
}

func (s *SQLite) Complete(ctx context.Context, id string, result []byte) error {
	now := encodeTime(time.Now().UTC())
	return s.guardedUpdate(ctx, id, `
		UPDATE jobs SET status = 'completed', progress = 100, result = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'running'`,
		result, now, now, id)
}

func (s *SQLite) Fail(ctx context.Context, id string, msg string) error {
	now := encodeTime(time.Now().UTC())
	return s.guardedUpdate(ctx, id, `
		UPDATE jobs SET status = 'failed', error = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'running'`,
		msg, now, now, id)
}

func (s *SQLite) Cancel(ctx context.Context, id string) error {
	now := encodeTime(time.Now().UTC())
	return s.guardedUpdate(ctx, id, `
		UPDATE jobs SET status = 'cancelled', completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'running')`,
		now, now, id)
}

func (s *SQLite) ListActive(ctx context.Context) ([]*jobs.Job, error) {
	return s.list(ctx, `
		SELECT `+sqliteJobColumns+` FROM jobs
		WHERE status IN ('pending', 'running')
		ORDER BY created_at DESC, id DESC`)
}

func (s *SQLite) ListByProject(ctx context.Context, projectID string, limit int) ([]*jobs.Job, error) {
	q := `
		SELECT ` + sqliteJobColumns + ` FROM jobs
		WHERE project_id = ?
		ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		return s.list(ctx, q+` LIMIT ?`, projectID, limit)
	}
	return s.list(ctx, q, projectID)
}

func (s *SQLite) ListByStatus(ctx context.Context, status jobs.Status, limit int) ([]*jobs.Job, error) {
	q := `
		SELECT ` + sqliteJobColumns + ` FROM jobs
		WHERE status = ?
		ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		return s.list(ctx, q+` LIMIT ?`, string(status), limit)
	}
	return s.list(ctx, q, string(status))
}

func (s *SQLite) ListByType(ctx context.Context, jobType string, limit int) ([]*jobs.Job, error) {
	q := `
		SELECT ` + sqliteJobColumns + ` FROM jobs
		WHERE type = ?
		ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		return s.list(ctx, q+` LIMIT ?`, jobType, limit)
	}
	return s.list(ctx, q, jobType)
}

func (s *SQLite) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.runner.DB().ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN ('completed', 'failed', 'cancelled')
		  AND completed_at IS NOT NULL AND completed_at < ?`,
		encodeTime(cutoff.UTC()))
	if err != nil {
		return 0, fmt.Errorf("failed to delete terminal jobs: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLite) FailRunning(ctx context.Context, reason string) (int64, error) {
	now := encodeTime(time.Now().UTC())
	res, err := s.runner.DB().ExecContext(ctx, `
		UPDATE jobs SET status = 'failed', error = ?, completed_at = ?, updated_at = ?
		WHERE status = 'running'`,
		reason, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to repair running jobs: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLite) CountByStatus(ctx context.Context, status jobs.Status) (int64, error) {
	var n int64
	err := s.runner.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status = ?`, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return n, nil
}

func (s *SQLite) CountTerminalSince(ctx context.Context, status jobs.Status, since time.Time) (int64, error) {
	var n int64
	err := s.runner.DB().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE status = ? AND completed_at IS NOT NULL AND completed_at >= ?`,
		string(status), encodeTime(since.UTC())).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return n, nil
}

// guardedUpdate runs one transition UPDATE inside a transaction. When the
// guard matches no row, the row is re-read in the same transaction to decide
// between not-found and conflict.
func (s *SQLite) guardedUpdate(ctx context.Context, id, query string, args ...any) error {
	return s.runner.WithinTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to update job: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}
		if n > 0 {
			return nil
		}
		var status string
		err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: job %s", shared.ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("failed to read job status: %w", err)
		}
		return fmt.Errorf("%w: job %s is %s, transition rejected", shared.ErrConflict, id, status)
	})
}

func (s *SQLite) list(ctx context.Context, query string, args ...any) ([]*jobs.Job, error) {
	rows, err := s.runner.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var out []*jobs.Job
	for rows.Next() {
		j, err := scanSQLiteJob(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(r rowScanner, id string) (*jobs.Job, error) {
	var (
		j                      jobs.Job
		status                 string
		projectID, errMsg      sql.NullString
		createdAt, updatedAt   string
		startedAt, completedAt sql.NullString
	)
	err := r.Scan(&j.ID, &j.Type, &projectID, &status, &j.Progress, &j.Params, &j.Result, &errMsg,
		&createdAt, &startedAt, &completedAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: job %s", shared.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	j.ProjectID = projectID.String
	j.Status = jobs.Status(status)
	j.Error = errMsg.String
	if j.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, err
	}
	if j.StartedAt, err = decodeTimePtr(startedAt); err != nil {
		return nil, err
	}
	if j.CompletedAt, err = decodeTimePtr(completedAt); err != nil {
		return nil, err
	}
	return &j, nil
}

// Timestamps are stored as fixed-width UTC strings so SQL's lexicographic
// comparison orders them correctly (RFC3339Nano trims trailing zeros and
// does not).
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func encodeTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return encodeTime(*t)
}

func decodeTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func decodeTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := decodeTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "SQLITE_CONSTRAINT")
}

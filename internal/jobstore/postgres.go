package jobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/PseudoDarwinist/software-factory-sub003/internal/jobs"
	"github.com/PseudoDarwinist/software-factory-sub003/internal/platform/pg"
	"github.com/PseudoDarwinist/software-factory-sub003/internal/shared"
)

// Postgres is a jobs.Store backed by PostgreSQL. It mirrors the SQLite store's
// guarded-transition scheme; timestamps use native timestamptz columns.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an open pool. The jobs schema must already be migrated.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const pgJobColumns = `id, type, project_id, status, progress, params, result, error, created_at, started_at, completed_at, updated_at`

func (s *Postgres) Create(ctx context.Context, j *jobs.Job) error {
	if j == nil || j.ID == "" {
		return fmt.Errorf("%w: job must have an id", shared.ErrValidation)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (`+pgJobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		j.ID, j.Type, j.ProjectID, string(j.Status), j.Progress, j.Params, j.Result, j.Error,
		j.CreatedAt, j.StartedAt, j.CompletedAt, j.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: job %s already exists", shared.ErrConflict, j.ID)
		}
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

func (s *Postgres) Get(ctx context.Context, id string) (*jobs.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+pgJobColumns+` FROM jobs WHERE id = $1`, id)
	return scanPgJob(row, id)
}

func (s *Postgres) Start(ctx context.Context, id string) error {
	return s.guardedUpdate(ctx, id, `
		UPDATE jobs SET status = 'running', started_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'pending'`, id)
}

func (s *Postgres) UpdateProgress(ctx context.Context, id string, percent int) error {
	return s.guardedUpdate(ctx, id, `
		UPDATE jobs SET progress = $2, updated_at = now()
		WHERE id = $1 AND status = 'running' AND progress <= $2`, id, percent)
}

func (s *Postgres) Complete(ctx context.Context, id string, result []byte) error {
	return s.guardedUpdate(ctx, id, `
		UPDATE jobs SET status = 'completed', progress = 100, result = $2, completed_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'running'`, id, result)
}

func (s *Postgres) Fail(ctx context.Context, id string, msg string) error {
	return s.guardedUpdate(ctx, id, `
		UPDATE jobs SET status = 'failed', error = $2, completed_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'running'`, id, msg)
}

func (s *Postgres) Cancel(ctx context.Context, id string) error {
	return s.guardedUpdate(ctx, id, `
		UPDATE jobs SET status = 'cancelled', completed_at = now(), updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'running')`, id)
}

func (s *Postgres) ListActive(ctx context.Context) ([]*jobs.Job, error) {
	return s.list(ctx, `
		SELECT `+pgJobColumns+` FROM jobs
		WHERE status IN ('pending', 'running')
		ORDER BY created_at DESC, id DESC`)
}

func (s *Postgres) ListByProject(ctx context.Context, projectID string, limit int) ([]*jobs.Job, error) {
	q := `
		SELECT ` + pgJobColumns + ` FROM jobs
		WHERE project_id = $1
		ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		return s.list(ctx, q+` LIMIT $2`, projectID, limit)
	}
	return s.list(ctx, q, projectID)
}

func (s *Postgres) ListByStatus(ctx context.Context, status jobs.Status, limit int) ([]*jobs.Job, error) {
	q := `
		SELECT ` + pgJobColumns + ` FROM jobs
		WHERE status = $1
		ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		return s.list(ctx, q+` LIMIT $2`, string(status), limit)
	}
	return s.list(ctx, q, string(status))
}

func (s *Postgres) ListByType(ctx context.Context, jobType string, limit int) ([]*jobs.Job, error) {
	q := `
		SELECT ` + pgJobColumns + ` FROM jobs
		WHERE type = $1
		ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		return s.list(ctx, q+` LIMIT $2`, jobType, limit)
	}
	return s.list(ctx, q, jobType)
}

func (s *Postgres) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE status IN ('completed', 'failed', 'cancelled')
		  AND completed_at IS NOT NULL AND completed_at < $1`,
		cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete terminal jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) FailRunning(ctx context.Context, reason string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = 'failed', error = $1, completed_at = now(), updated_at = now()
		WHERE status = 'running'`,
		reason)
	if err != nil {
		return 0, fmt.Errorf("failed to repair running jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) CountByStatus(ctx context.Context, status jobs.Status) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status = $1`, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return n, nil
}

func (s *Postgres) CountTerminalSince(ctx context.Context, status jobs.Status, since time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE status = $1 AND completed_at IS NOT NULL AND completed_at >= $2`,
		string(status), since.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return n, nil
}

func (s *Postgres) guardedUpdate(ctx context.Context, id, query string, args ...any) error {
	return pg.WithinTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to update job: %w", err)
		}
		if tag.RowsAffected() > 0 {
			return nil
		}
		var status string
		err = tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: job %s", shared.ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("failed to read job status: %w", err)
		}
		return fmt.Errorf("%w: job %s is %s, transition rejected", shared.ErrConflict, id, status)
	})
}

func (s *Postgres) list(ctx context.Context, query string, args ...any) ([]*jobs.Job, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var out []*jobs.Job
	for rows.Next() {
		j, err := scanPgJob(rows, "")
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

func scanPgJob(r pgx.Row, id string) (*jobs.Job, error) {
	var (
		j                 jobs.Job
		status            string
		projectID, errMsg *string
	)
	err := r.Scan(&j.ID, &j.Type, &projectID, &status, &j.Progress, &j.Params, &j.Result, &errMsg,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: job %s", shared.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	j.Status = jobs.Status(status)
	if projectID != nil {
		j.ProjectID = *projectID
	}
	if errMsg != nil {
		j.Error = *errMsg
	}
	return &j, nil
}

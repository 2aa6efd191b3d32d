package jobs

import (
	"context"
	"time"
)

// Store is the durable record of job lifecycle the manager writes through.
// Storage technology is irrelevant to the core; implementations only need
// durability and read-after-write visibility within the process.
//
// Every mutator guards the legal status transition inside the write itself
// (e.g. Complete only applies to a running row) and returns
// shared.ErrConflict when the guard rejects the write, shared.ErrNotFound
// when the row does not exist. This keeps terminal rows immutable even if a
// misbehaving caller races the executing worker.
type Store interface {
	// Create persists a new job. The job must be in StatusPending.
	Create(ctx context.Context, j *Job) error
	// Get returns a copy of the job or shared.ErrNotFound.
	Get(ctx context.Context, id string) (*Job, error)

	// Start transitions pending -> running and records the start time.
	Start(ctx context.Context, id string) error
	// UpdateProgress sets progress on a running job. The write is guarded to
	// be non-decreasing.
	UpdateProgress(ctx context.Context, id string, percent int) error
	// Complete transitions running -> completed with an opaque result payload.
	Complete(ctx context.Context, id string, result []byte) error
	// Fail transitions running -> failed with a user-facing error message.
	Fail(ctx context.Context, id string, msg string) error
	// Cancel transitions pending or running -> cancelled.
	Cancel(ctx context.Context, id string) error

	// ListActive returns pending and running jobs, newest first.
	ListActive(ctx context.Context) ([]*Job, error)
	// ListByProject returns jobs for one project, newest first.
	ListByProject(ctx context.Context, projectID string, limit int) ([]*Job, error)
	// ListByStatus returns jobs in one state, newest first.
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Job, error)
	// ListByType returns jobs of one type, newest first.
	ListByType(ctx context.Context, jobType string, limit int) ([]*Job, error)

	// DeleteTerminalBefore removes terminal jobs whose completion timestamp
	// precedes the cutoff and returns the number removed. Pending and running
	// rows are never eligible regardless of age.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// FailRunning force-fails every row still marked running and returns the
	// number repaired. Used only by shutdown as a consistency repair.
	FailRunning(ctx context.Context, reason string) (int64, error)

	// CountByStatus returns the number of jobs in one state.
	CountByStatus(ctx context.Context, status Status) (int64, error)
	// CountTerminalSince returns jobs that reached the given terminal state
	// at or after the given time.
	CountTerminalSince(ctx context.Context, status Status, since time.Time) (int64, error)
}

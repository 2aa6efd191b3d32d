package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/PseudoDarwinist/software-factory-sub003/internal/shared"
)

// ErrCancelled is the internal cancellation signal. It is raised only at
// checkpoints (UpdateProgress, CheckCancelled) of an already-cancelled job,
// and the execution wrapper translates it to StatusCancelled. It never
// reaches submitters and is distinct from genuine handler failure.
var ErrCancelled = errors.New("job cancelled")

// Execution is the per-run channel between a running handler and both the
// persisted record and external cancellation requests. Exactly one Execution
// exists per tracked job; it is created at submission and destroyed
// unconditionally when the execution wrapper finishes, whatever the exit
// path.
//
// It is mutated from two sides: the handler's own goroutine (UpdateProgress,
// IsCancelled) and whichever goroutine calls Manager.Cancel. All shared state
// goes through one mutex per Execution.
type Execution struct {
	jobID string
	store Store
	log   *slog.Logger

	mu        sync.Mutex
	cancelled bool
	progress  int
}

func newExecution(jobID string, store Store, log *slog.Logger) *Execution {
	return &Execution{jobID: jobID, store: store, log: log}
}

// JobID returns the id of the job this execution belongs to.
func (e *Execution) JobID() string { return e.jobID }

// UpdateProgress persists a new progress value. It is also the cancellation
// checkpoint: if the job has been cancelled it returns ErrCancelled without
// writing, and the handler is expected to unwind with that error.
//
// Progress is clamped to 0-100 and never decreases while the job runs; a
// regressing value is silently raised to the last reported one.
func (e *Execution) UpdateProgress(ctx context.Context, percent int, message string) error {
	e.mu.Lock()
	if e.cancelled {
		e.mu.Unlock()
		return ErrCancelled
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if percent < e.progress {
		percent = e.progress
	}
	e.progress = percent
	e.mu.Unlock()

	if err := e.store.UpdateProgress(ctx, e.jobID, percent); err != nil {
		return shared.Wrapf(err, "update progress for job %s", e.jobID)
	}
	if message != "" {
		e.log.Debug("job progress", "job_id", e.jobID, "percent", percent, "message", message)
	}
	return nil
}

// CheckCancelled is an explicit checkpoint with no progress side effect, for
// handlers with long gaps between natural progress updates. Returns
// ErrCancelled if the job has been cancelled, nil otherwise.
func (e *Execution) CheckCancelled() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancelled {
		return ErrCancelled
	}
	return nil
}

// Cancel idempotently marks the execution as cancelled. The running handler
// observes it at its next checkpoint; work is never interrupted preemptively.
func (e *Execution) Cancel() {
	e.mu.Lock()
	e.cancelled = true
	e.mu.Unlock()
}

// IsCancelled is a non-throwing check for handlers that prefer to branch and
// finish early rather than unwind with ErrCancelled.
func (e *Execution) IsCancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

// Progress returns the last progress value reported through this execution.
func (e *Execution) Progress() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.progress
}

package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/PseudoDarwinist/software-factory-sub003/internal/adapter/scheduler"
	"github.com/PseudoDarwinist/software-factory-sub003/internal/shared"
	"github.com/PseudoDarwinist/software-factory-sub003/pkg/retry"
)

// Config holds manager tuning knobs.
type Config struct {
	// MaxWorkers bounds concurrent handler execution (default 4).
	MaxWorkers int
	// CleanupInterval is how often the periodic cleanup runs (default 10m).
	CleanupInterval time.Duration
	// Retention is how long terminal jobs are kept before the periodic
	// cleanup removes them (default 24h).
	Retention time.Duration
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

func (c *Config) normalize() {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 4
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 10 * time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// task is one queued unit of work handed to a worker.
type task struct {
	jobID     string
	jobType   string
	projectID string
	params    map[string]any
}

// Manager is the sole authority for job lifecycle. It owns a fixed pool of
// worker goroutines, the handler registry, submission/cancellation/retry
// logic and the periodic cleanup job.
//
// Submission never blocks on execution: jobs are persisted as pending, put on
// an in-memory FIFO and picked up by the pool. The queue is not persisted
// across process restarts.
type Manager struct {
	store Store
	reg   *registry
	cfg   Config
	log   *slog.Logger

	// mu guards queue, queued, active and the started/closed flags. Each
	// Execution carries its own lock; no other state is shared between the
	// handler side and the control side.
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []task
	queued map[string]struct{}
	active map[string]*Execution

	started bool
	closed  bool

	wg    sync.WaitGroup
	sched *scheduler.Scheduler
}

// NewManager creates a manager on top of the given store. Handlers are
// registered with RegisterHandler before Start.
func NewManager(store Store, cfg Config) *Manager {
	cfg.normalize()
	m := &Manager{
		store:  store,
		reg:    newRegistry(),
		cfg:    cfg,
		log:    cfg.Logger.With("component", "jobs"),
		queued: make(map[string]struct{}),
		active: make(map[string]*Execution),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// RegisterHandler binds a handler to a job type. The registry is frozen once
// Start has been called; late registration is rejected to keep lookups
// lock-cheap and behavior predictable under load.
func (m *Manager) RegisterHandler(jobType string, h HandlerFunc) error {
	if jobType == "" {
		return fmt.Errorf("%w: job type must not be empty", shared.ErrValidation)
	}
	if h == nil {
		return fmt.Errorf("%w: handler must not be nil", shared.ErrValidation)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("%w: handlers must be registered before Start", shared.ErrConflict)
	}
	m.reg.register(jobType, h)
	return nil
}

// RegisteredTypes returns the job types handlers are bound to.
func (m *Manager) RegisteredTypes() []string { return m.reg.types() }

// Start launches the worker pool and the periodic cleanup job.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("%w: manager already shut down", shared.ErrUnavailable)
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	for i := 0; i < m.cfg.MaxWorkers; i++ {
		m.wg.Add(1)
		go m.worker()
	}

	m.sched = scheduler.NewWithContext(ctx, m.log)
	err := m.sched.AddCronJobWithOptions(
		fmt.Sprintf("@every %s", m.cfg.CleanupInterval),
		func(ctx context.Context) error {
			n, err := m.Cleanup(ctx, m.cfg.Retention)
			if err != nil {
				return err
			}
			if n > 0 {
				m.log.Info("cleaned up terminal jobs", "removed", n)
			}
			return nil
		},
		scheduler.JobOptions{Name: "jobs-cleanup", OverlapPolicy: scheduler.SkipIfRunning},
	)
	if err != nil {
		return shared.Wrap(err, "schedule cleanup job")
	}
	m.sched.Start()

	m.log.Info("job manager started",
		"max_workers", m.cfg.MaxWorkers,
		"cleanup_interval", m.cfg.CleanupInterval,
		"retention", m.cfg.Retention,
		"job_types", m.reg.types(),
	)
	return nil
}

// Submit persists a new pending job and schedules it on the pool, returning
// its id immediately. It fails fast, with no job created, when the type has
// no handler or the manager is not accepting work.
func (m *Manager) Submit(ctx context.Context, jobType, projectID string, params map[string]any) (string, error) {
	if _, ok := m.reg.get(jobType); !ok {
		return "", fmt.Errorf("%w: no handler registered for job type %q", shared.ErrValidation, jobType)
	}
	m.mu.Lock()
	if !m.started || m.closed {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: job manager is not accepting submissions", shared.ErrUnavailable)
	}
	m.mu.Unlock()

	var raw []byte
	if len(params) > 0 {
		var err error
		raw, err = json.Marshal(params)
		if err != nil {
			return "", fmt.Errorf("%w: params are not serializable: %v", shared.ErrValidation, err)
		}
	}

	j := NewJob(jobType, projectID, raw)
	if err := m.store.Create(ctx, j); err != nil {
		return "", shared.Wrap(err, "persist job")
	}

	exec := newExecution(j.ID, m.store, m.log)

	m.mu.Lock()
	if m.closed {
		// Shutdown raced the submission; the row exists but will never be
		// claimed, so resolve it instead of leaking a pending job.
		m.mu.Unlock()
		_ = m.store.Cancel(ctx, j.ID)
		return "", fmt.Errorf("%w: job manager is not accepting submissions", shared.ErrUnavailable)
	}
	m.active[j.ID] = exec
	m.queued[j.ID] = struct{}{}
	m.queue = append(m.queue, task{jobID: j.ID, jobType: jobType, projectID: projectID, params: params})
	m.cond.Signal()
	m.mu.Unlock()

	m.log.Info("job submitted", "job_id", j.ID, "job_type", jobType, "project_id", projectID)
	return j.ID, nil
}

// Status returns the persisted record for one job.
func (m *Manager) Status(ctx context.Context, id string) (*Job, error) {
	return m.store.Get(ctx, id)
}

// ActiveJobs returns all pending and running jobs.
func (m *Manager) ActiveJobs(ctx context.Context) ([]*Job, error) {
	return m.store.ListActive(ctx)
}

// ProjectJobs returns jobs for one project, newest first.
func (m *Manager) ProjectJobs(ctx context.Context, projectID string, limit int) ([]*Job, error) {
	return m.store.ListByProject(ctx, projectID, limit)
}

// Cancel requests cancellation of a job. A queued job that no worker has
// claimed yet is transitioned straight to cancelled; a claimed job only has
// its cancellation flag set, and work stops at the handler's next checkpoint.
// The returned bool reports whether any action was taken, never a promise of
// immediate stop.
func (m *Manager) Cancel(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	exec, tracked := m.active[id]
	if tracked {
		if _, isQueued := m.queued[id]; isQueued {
			delete(m.queued, id)
			delete(m.active, id)
			m.dropQueued(id)
			m.mu.Unlock()
			if err := m.store.Cancel(ctx, id); err != nil {
				return false, shared.Wrap(err, "cancel pending job")
			}
			m.log.Info("job cancelled before execution", "job_id", id)
			return true, nil
		}
		m.mu.Unlock()
		exec.Cancel()
		m.log.Info("job cancellation requested", "job_id", id)
		return true, nil
	}
	m.mu.Unlock()

	// Not tracked in this process. A pending row can still be cancelled
	// directly (e.g. leftovers from a previous run); anything else is either
	// already terminal or actively running elsewhere.
	j, err := m.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if j.Status != StatusPending {
		return false, nil
	}
	if err := m.store.Cancel(ctx, id); err != nil {
		return false, shared.Wrap(err, "cancel pending job")
	}
	return true, nil
}

// Retry creates a brand-new job from a failed one, reusing its type, project
// and params. The original record is left untouched as audit history. Only
// jobs in StatusFailed are eligible.
//
// Idempotency of the failed attempt's partial side effects (a half-cloned
// repository, a partially applied migration) is a contract owned by each
// handler; the manager does not compensate for them.
func (m *Manager) Retry(ctx context.Context, id string) (string, error) {
	j, err := m.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if j.Status != StatusFailed {
		return "", fmt.Errorf("%w: job %s is %s, only failed jobs can be retried", shared.ErrConflict, id, j.Status)
	}
	var params map[string]any
	if len(j.Params) > 0 {
		if err := json.Unmarshal(j.Params, &params); err != nil {
			return "", shared.Wrapf(err, "decode params of job %s", id)
		}
	}
	newID, err := m.Submit(ctx, j.Type, j.ProjectID, params)
	if err != nil {
		return "", err
	}
	m.log.Info("job retried", "job_id", id, "new_job_id", newID, "job_type", j.Type)
	return newID, nil
}

// Cleanup deletes terminal jobs whose completion timestamp is older than the
// given age and returns the number removed. It runs periodically on the
// manager's schedule and can be invoked manually at any time.
func (m *Manager) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	return m.store.DeleteTerminalBefore(ctx, cutoff)
}

// Shutdown stops accepting submissions, signals cancellation on every tracked
// execution, blocks until the worker pool drains, then force-fails any row
// still recorded as running. That last write covers the narrow race where a
// worker exits mid-handler without completing its terminal write; it is a
// repair, not a normal path.
//
// If ctx expires before the pool drains, Shutdown keeps waiting for the
// drain to finish but returns the context error.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if !m.started || m.closed {
		m.closed = true
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	execs := make([]*Execution, 0, len(m.active))
	for _, e := range m.active {
		execs = append(execs, e)
	}
	m.cond.Broadcast()
	m.mu.Unlock()

	m.log.Info("job manager shutting down", "tracked_jobs", len(execs))
	for _, e := range execs {
		e.Cancel()
	}

	if m.sched != nil {
		m.sched.Stop()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var ctxErr error
	select {
	case <-done:
	case <-ctx.Done():
		m.log.Warn("shutdown deadline exceeded, still waiting for in-flight jobs")
		ctxErr = ctx.Err()
		<-done
	}

	repairCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if n, err := m.store.FailRunning(repairCtx, "job interrupted by server shutdown"); err != nil {
		m.log.Error("shutdown consistency repair failed", "error", err)
	} else if n > 0 {
		m.log.Warn("repaired jobs left running at shutdown", "count", n)
	}

	m.log.Info("job manager stopped")
	return ctxErr
}

// worker runs until shutdown, pulling queued tasks in FIFO order. Queued
// tasks left behind at shutdown stay pending in the store.
func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.closed {
			m.cond.Wait()
		}
		if m.closed {
			m.mu.Unlock()
			return
		}
		t := m.queue[0]
		m.queue = m.queue[1:]
		delete(m.queued, t.jobID)
		exec := m.active[t.jobID]
		m.mu.Unlock()

		if exec == nil {
			// Cancelled while queued; nothing to run.
			continue
		}
		m.execute(t, exec)
	}
}

// execute is the wrapper around one handler invocation. Its deferred cleanup
// is the single authoritative place in-flight bookkeeping is cleared, so no
// exit path can leak an Execution.
func (m *Manager) execute(t task, exec *Execution) {
	ctx := context.Background()
	defer func() {
		m.mu.Lock()
		delete(m.active, t.jobID)
		m.mu.Unlock()
	}()

	if _, err := m.store.Get(ctx, t.jobID); err != nil {
		m.log.Error("job record missing before execution", "job_id", t.jobID, "error", err)
		return
	}
	if err := m.persist(ctx, func(c context.Context) error { return m.store.Start(c, t.jobID) }); err != nil {
		m.log.Error("failed to mark job running", "job_id", t.jobID, "error", err)
		return
	}

	// Claiming counts as a checkpoint: a job cancelled between submission
	// and claim never reaches its handler.
	if exec.IsCancelled() {
		m.finish(ctx, t, StatusCancelled, nil, "")
		return
	}

	start := time.Now()
	res, err := m.invoke(ctx, exec, t)
	elapsed := time.Since(start)

	switch {
	case err != nil && isCancelled(err):
		m.finish(ctx, t, StatusCancelled, nil, "")
		m.log.Info("job cancelled", "job_id", t.jobID, "job_type", t.jobType, "duration", elapsed)
	case err != nil:
		m.finish(ctx, t, StatusFailed, nil, err.Error())
		m.log.Error("job failed", "job_id", t.jobID, "job_type", t.jobType, "duration", elapsed, "error", err)
	case res != nil && !res.Success:
		m.finish(ctx, t, StatusFailed, nil, res.Err)
		m.log.Error("job failed", "job_id", t.jobID, "job_type", t.jobType, "duration", elapsed, "error", res.Err)
	default:
		var payload []byte
		if res != nil && res.Data != nil {
			var mErr error
			payload, mErr = json.Marshal(res.Data)
			if mErr != nil {
				m.finish(ctx, t, StatusFailed, nil, fmt.Sprintf("result not serializable: %v", mErr))
				m.log.Error("job result not serializable", "job_id", t.jobID, "error", mErr)
				return
			}
		}
		m.finish(ctx, t, StatusCompleted, payload, "")
		m.log.Info("job completed", "job_id", t.jobID, "job_type", t.jobType, "duration", elapsed)
	}
}

// invoke calls the handler, converting panics into ordinary failures. The
// stack is kept in the operator log; only the message reaches the job row.
func (m *Manager) invoke(ctx context.Context, exec *Execution, t task) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			m.log.Error("job handler panicked",
				"job_id", t.jobID,
				"job_type", t.jobType,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	h, ok := m.reg.get(t.jobType)
	if !ok {
		return nil, fmt.Errorf("no handler registered for job type %q", t.jobType)
	}
	return h(ctx, exec, t.projectID, t.params)
}

// finish performs the terminal write for one job.
func (m *Manager) finish(ctx context.Context, t task, status Status, payload []byte, errMsg string) {
	err := m.persist(ctx, func(c context.Context) error {
		switch status {
		case StatusCompleted:
			return m.store.Complete(c, t.jobID, payload)
		case StatusCancelled:
			return m.store.Cancel(c, t.jobID)
		default:
			return m.store.Fail(c, t.jobID, errMsg)
		}
	})
	if err != nil {
		m.log.Error("terminal write failed", "job_id", t.jobID, "status", status, "error", err)
	}
}

// persist runs a store write with a short bounded retry so one transient
// error (a busy SQLite, a dropped connection) does not strand a job in a
// non-terminal state. Guard rejections are not retried.
func (m *Manager) persist(ctx context.Context, op func(context.Context) error) error {
	cfg := retry.Config{
		MaxAttempts:  3,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}
	return retry.DoWithRetryable(ctx, cfg, op, func(err error) bool {
		return !shared.IsConflict(err) && !shared.IsNotFound(err)
	})
}

// dropQueued removes one task from the FIFO. Callers hold m.mu.
func (m *Manager) dropQueued(id string) {
	for i, t := range m.queue {
		if t.jobID == id {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return
		}
	}
}

func isCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

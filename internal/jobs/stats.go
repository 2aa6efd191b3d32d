package jobs

import (
	"context"
	"time"
)

// Stats is the aggregate view of the job system consumed by the HTTP layer.
type Stats struct {
	// ActiveJobs is the number of jobs tracked in-memory by this manager
	// (queued or executing).
	ActiveJobs int `json:"active_jobs"`
	// Pending and Running are persisted-store counts.
	Pending int64 `json:"pending"`
	Running int64 `json:"running"`
	// CompletedLast24h and FailedLast24h count terminal outcomes in the
	// trailing 24 hours.
	CompletedLast24h int64 `json:"completed_last_24h"`
	FailedLast24h    int64 `json:"failed_last_24h"`
	// MaxWorkers is the configured concurrency bound.
	MaxWorkers int `json:"max_workers"`
	// JobTypes lists the registered handler types.
	JobTypes []string `json:"job_types"`
}

// Stats returns aggregate counts for observability.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	m.mu.Lock()
	tracked := len(m.active)
	m.mu.Unlock()

	s := &Stats{
		ActiveJobs: tracked,
		MaxWorkers: m.cfg.MaxWorkers,
		JobTypes:   m.reg.types(),
	}

	var err error
	if s.Pending, err = m.store.CountByStatus(ctx, StatusPending); err != nil {
		return nil, err
	}
	if s.Running, err = m.store.CountByStatus(ctx, StatusRunning); err != nil {
		return nil, err
	}
	since := time.Now().UTC().Add(-24 * time.Hour)
	if s.CompletedLast24h, err = m.store.CountTerminalSince(ctx, StatusCompleted, since); err != nil {
		return nil, err
	}
	if s.FailedLast24h, err = m.store.CountTerminalSince(ctx, StatusFailed, since); err != nil {
		return nil, err
	}
	return s, nil
}

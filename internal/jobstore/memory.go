// Package jobstore provides the durable backends behind the job manager:
// SQLite for the default single-node deployment, PostgreSQL for shared
// setups and an in-memory store for tests.
package jobstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/PseudoDarwinist/software-factory-sub003/internal/jobs"
	"github.com/PseudoDarwinist/software-factory-sub003/internal/shared"
)

// Memory is a process-local jobs.Store. All reads return deep copies so
// callers cannot mutate store-owned state.
type Memory struct {
	mu   sync.RWMutex
	rows map[string]*jobs.Job
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{rows: make(map[string]*jobs.Job)}
}

func (s *Memory) Create(_ context.Context, j *jobs.Job) error {
	if j == nil || j.ID == "" {
		return fmt.Errorf("%w: job must have an id", shared.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rows[j.ID]; exists {
		return fmt.Errorf("%w: job %s already exists", shared.ErrConflict, j.ID)
	}
	s.rows[j.ID] = j.Clone()
	return nil
}

func (s *Memory) Get(_ context.Context, id string) (*jobs.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.rows[id]
	if !ok {
		return nil, fmt.Errorf("%w: job %s", shared.ErrNotFound, id)
	}
	return j.Clone(), nil
}

func (s *Memory) Start(_ context.Context, id string) error {
	return s.transition(id, func(j *jobs.Job) error {
		if j.Status != jobs.StatusPending {
			return fmt.Errorf("%w: job %s is %s, cannot start", shared.ErrConflict, id, j.Status)
		}
		now := time.Now().UTC()
		j.Status = jobs.StatusRunning
		j.StartedAt = &now
		return nil
	})
}

func (s *Memory) UpdateProgress(_ context.Context, id string, percent int) error {
	return s.transition(id, func(j *jobs.Job) error {
		if j.Status != jobs.StatusRunning {
			return fmt.Errorf("%w: job %s is %s, cannot update progress", shared.ErrConflict, id, j.Status)
		}
		if percent < j.Progress {
			return fmt.Errorf("%w: progress may not decrease (%d -> %d)", shared.ErrConflict, j.Progress, percent)
		}
		j.Progress = percent
		return nil
	})
}

func (s *Memory) Complete(_ context.Context, id string, result []byte) error {
	return s.transition(id, func(j *jobs.Job) error {
		if j.Status != jobs.StatusRunning {
			return fmt.Errorf("%w: job %s is %s, cannot complete", shared.ErrConflict, id, j.Status)
		}
		now := time.Now().UTC()
		j.Status = jobs.StatusCompleted
		j.Progress = 100
		j.Result = append([]byte(nil), result...)
		j.CompletedAt = &now
		return nil
	})
}

func (s *Memory) Fail(_ context.Context, id string, msg string) error {
	return s.transition(id, func(j *jobs.Job) error {
		if j.Status != jobs.StatusRunning {
			return fmt.Errorf("%w: job %s is %s, cannot fail", shared.ErrConflict, id, j.Status)
		}
		now := time.Now().UTC()
		j.Status = jobs.StatusFailed
		j.Error = msg
		j.CompletedAt = &now
		return nil
	})
}

func (s *Memory) Cancel(_ context.Context, id string) error {
	return s.transition(id, func(j *jobs.Job) error {
		if j.Status != jobs.StatusPending && j.Status != jobs.StatusRunning {
			return fmt.Errorf("%w: job %s is %s, cannot cancel", shared.ErrConflict, id, j.Status)
		}
		now := time.Now().UTC()
		j.Status = jobs.StatusCancelled
		j.CompletedAt = &now
		return nil
	})
}

func (s *Memory) ListActive(_ context.Context) ([]*jobs.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*jobs.Job
	for _, j := range s.rows {
		if j.Status == jobs.StatusPending || j.Status == jobs.StatusRunning {
			out = append(out, j.Clone())
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *Memory) ListByProject(_ context.Context, projectID string, limit int) ([]*jobs.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*jobs.Job
	for _, j := range s.rows {
		if j.ProjectID == projectID {
			out = append(out, j.Clone())
		}
	}
	sortNewestFirst(out)
	return truncate(out, limit), nil
}

func (s *Memory) ListByStatus(_ context.Context, status jobs.Status, limit int) ([]*jobs.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*jobs.Job
	for _, j := range s.rows {
		if j.Status == status {
			out = append(out, j.Clone())
		}
	}
	sortNewestFirst(out)
	return truncate(out, limit), nil
}

func (s *Memory) ListByType(_ context.Context, jobType string, limit int) ([]*jobs.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*jobs.Job
	for _, j := range s.rows {
		if j.Type == jobType {
			out = append(out, j.Clone())
		}
	}
	sortNewestFirst(out)
	return truncate(out, limit), nil
}

func (s *Memory) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, j := range s.rows {
		if j.Status.Terminal() && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}

func (s *Memory) FailRunning(_ context.Context, reason string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	var n int64
	for _, j := range s.rows {
		if j.Status == jobs.StatusRunning {
			j.Status = jobs.StatusFailed
			j.Error = reason
			j.CompletedAt = &now
			j.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *Memory) CountByStatus(_ context.Context, status jobs.Status) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, j := range s.rows {
		if j.Status == status {
			n++
		}
	}
	return n, nil
}

func (s *Memory) CountTerminalSince(_ context.Context, status jobs.Status, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, j := range s.rows {
		if j.Status == status && j.CompletedAt != nil && !j.CompletedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// transition applies a guarded mutation to one row under the write lock.
func (s *Memory) transition(id string, fn func(*jobs.Job) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.rows[id]
	if !ok {
		return fmt.Errorf("%w: job %s", shared.ErrNotFound, id)
	}
	if err := fn(j); err != nil {
		return err
	}
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func sortNewestFirst(list []*jobs.Job) {
	sort.Slice(list, func(i, k int) bool {
		if list[i].CreatedAt.Equal(list[k].CreatedAt) {
			return list[i].ID > list[k].ID
		}
		return list[i].CreatedAt.After(list[k].CreatedAt)
	})
}

func truncate(list []*jobs.Job, limit int) []*jobs.Job {
	if limit > 0 && len(list) > limit {
		return list[:limit]
	}
	return list
}

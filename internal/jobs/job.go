package jobs

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a job.
type Status string

const (
	// StatusPending means the job is persisted and waiting for a worker.
	StatusPending Status = "pending"
	// StatusRunning means a worker is currently executing the job.
	StatusRunning Status = "running"
	// StatusCompleted means the handler finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed means the handler returned an error or panicked.
	StatusFailed Status = "failed"
	// StatusCancelled means the job was cancelled before or during execution.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final. Terminal rows never change
// again except for deletion by cleanup.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Job is the persisted record of one unit of asynchronous work. The row is
// the single source of truth for externally visible status; only the
// executing worker and the shutdown repair path write its lifecycle fields.
type Job struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	ProjectID string `json:"project_id,omitempty"`
	Status    Status `json:"status"`
	// Progress is 0-100 and non-decreasing while the job is running.
	Progress int `json:"progress"`
	// Params is the submission payload, kept so Retry can rebuild the job.
	Params []byte `json:"params,omitempty"`
	// Result holds the handler's success payload, Error its failure message.
	Result []byte `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// NewJob creates a pending job with a fresh id. Params must already be
// serialized; nil means the job was submitted without parameters.
func NewJob(jobType, projectID string, params []byte) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:        uuid.NewString(),
		Type:      jobType,
		ProjectID: projectID,
		Status:    StatusPending,
		Params:    params,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy so callers cannot mutate store-owned state.
func (j *Job) Clone() *Job {
	c := *j
	if j.Params != nil {
		c.Params = append([]byte(nil), j.Params...)
	}
	if j.Result != nil {
		c.Result = append([]byte(nil), j.Result...)
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Package jobs implements the bounded in-process job queue that runs
// audits and other background work.
package jobs

import (
	"fmt"
	"time"
)

// Status describes the lifecycle position of a Job.
type Status string

// Job lifecycle states.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether a job has finished, successfully or not.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is a unit of deferred background work. Jobs live only in process
// memory and are lost on restart.
type Job struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Payload    any        `json:"payload,omitempty"`
	Status     Status     `json:"status"`
	Progress   int        `json:"progress"`
	Result     any        `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// ConfigurationError reports a job whose type has no registered
// handler. The job fails immediately instead of being dropped.
type ConfigurationError struct {
	Type string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("no handler registered for job type %q", e.Type)
}

// HandlerError wraps a panic raised inside a job handler. Handler
// errors and panics fail only their own job.
type HandlerError struct {
	JobID string
	Err   error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("job %s handler: %v", e.JobID, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

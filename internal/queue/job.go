package queue

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the status of a job in the queue
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusDeferred  JobStatus = "deferred"
	StatusCompleted JobStatus = "completed"
	StatusDead      JobStatus = "dead"
)

// InFlight reports whether a job with this status may still run.
func (s JobStatus) InFlight() bool {
	return s == StatusPending || s == StatusRunning || s == StatusDeferred
}

// RetryPolicy controls how failed jobs are retried.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	Backoff     time.Duration `json:"backoff"`
	MaxBackoff  time.Duration `json:"max_backoff"`
}

// DefaultRetryPolicy is applied when Enqueue is called without Retry.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	Backoff:     time.Second,
	MaxBackoff:  time.Hour,
}

// Delay returns the wait before the next run after the given failed attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.Backoff
	if base <= 0 {
		base = DefaultRetryPolicy.Backoff
	}
	maxBackoff := p.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = DefaultRetryPolicy.MaxBackoff
	}

	// base * 2^(attempt-1), stop doubling once past the cap
	backoff := base
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= maxBackoff {
			return maxBackoff
		}
	}
	if backoff > maxBackoff {
		return maxBackoff
	}
	return backoff
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.Backoff <= 0 {
		p.Backoff = DefaultRetryPolicy.Backoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = DefaultRetryPolicy.MaxBackoff
	}
	return p
}

// Job is a unit of work stored in the queue
type Job struct {
	ID         string        `json:"id"`
	Queue      string        `json:"queue"`
	Payload    []byte        `json:"payload"`
	Status     JobStatus     `json:"status"`
	Attempts   int           `json:"attempts"`
	Retry      RetryPolicy   `json:"retry"`
	Timeout    time.Duration `json:"timeout"`
	RunAt      time.Time     `json:"run_at"`
	LeaseUntil time.Time     `json:"lease_until,omitempty"`
	LastError  string        `json:"last_error,omitempty"`
	Recurring  string        `json:"recurring,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
	DeadAt     time.Time     `json:"dead_at,omitempty"`
}

// Exhausted reports whether the job has used all of its attempts.
func (j *Job) Exhausted() bool {
	return j.Attempts >= j.Retry.MaxAttempts
}

func newJob(queue string, payload []byte, o enqueueOptions, now time.Time) *Job {
	id := o.id
	if id == "" {
		id = uuid.New().String()
	}
	return &Job{
		ID:        id,
		Queue:     queue,
		Payload:   payload,
		Status:    StatusPending,
		Retry:     o.retry,
		Timeout:   o.timeout,
		RunAt:     now.Add(o.delay),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Stats represents per-queue job counts
type Stats struct {
	Pending   int64 `json:"pending"`
	Running   int64 `json:"running"`
	Deferred  int64 `json:"deferred"`
	Completed int64 `json:"completed"`
	Dead      int64 `json:"dead"`
	Total     int64 `json:"total"`
}

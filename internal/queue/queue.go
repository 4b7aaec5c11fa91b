package queue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDuplicateJob is returned by Enqueue when a job with the same ID already exists.
	ErrDuplicateJob = errors.New("duplicate job id")

	// ErrSkipRetry wrapped by a handler error sends the job straight to the dead letter set.
	ErrSkipRetry = errors.New("skip retry")

	// ErrJobNotFound is returned when a job does not exist or is not in the expected state.
	ErrJobNotFound = errors.New("job not found")

	// ErrLeaseLost is returned when a worker finishes a job it no longer holds.
	ErrLeaseLost = errors.New("job lease lost")
)

// RescheduleError asks the queue to run the job again after Delay
// without spending one of its attempts.
type RescheduleError struct {
	Delay  time.Duration
	Reason string
}

func (e *RescheduleError) Error() string {
	return fmt.Sprintf("rescheduled in %s: %s", e.Delay, e.Reason)
}

// Reschedule returns a handler error that postpones the job by d
func Reschedule(d time.Duration, reason string) error {
	if d < 0 {
		d = 0
	}
	return &RescheduleError{Delay: d, Reason: reason}
}

func rescheduleDelay(err error) (time.Duration, bool) {
	var re *RescheduleError
	if errors.As(err, &re) {
		return re.Delay, true
	}
	return 0, false
}

// DefaultTimeout bounds a single handler run when Enqueue is called without Timeout.
const DefaultTimeout = 2 * time.Minute

// Handler processes a single job. A nil error completes the job.
type Handler func(ctx context.Context, job *Job) error

// Recurring describes a job that is fired on a schedule.
// Entries are keyed by Name; scheduling the same Name again replaces the entry.
type Recurring struct {
	Name    string        `json:"name"`
	Queue   string        `json:"queue"`
	Payload []byte        `json:"payload"`
	Spec    string        `json:"spec"` // cron expression or "@every 2m"
	Retry   RetryPolicy   `json:"retry"`
	Timeout time.Duration `json:"timeout"`
}

// Queue defines the interface for job queue operations
type Queue interface {
	// Enqueue adds a job and returns its ID
	Enqueue(ctx context.Context, queue string, payload []byte, opts ...Option) (string, error)

	// ScheduleRecurring upserts a recurring entry by name
	ScheduleRecurring(ctx context.Context, r Recurring) error

	// RunScheduler fires due recurring entries until ctx is done
	RunScheduler(ctx context.Context) error

	// Consume runs handler for jobs of queue with at most concurrency parallel runs.
	// It blocks until ctx is done.
	Consume(ctx context.Context, queue string, handler Handler, concurrency int) error

	// DeadLetters returns dead jobs, newest first. An empty queue means all queues.
	DeadLetters(ctx context.Context, queue string, limit int) ([]*Job, error)

	// RetryDead moves a dead job back to pending with a fresh attempt budget
	RetryDead(ctx context.Context, queue, id string) error

	// Stats returns job counts for a queue
	Stats(ctx context.Context, queue string) (*Stats, error)

	// Close releases the backend
	Close() error
}

// Option configures a single Enqueue call
type Option func(*enqueueOptions)

type enqueueOptions struct {
	id      string
	delay   time.Duration
	retry   RetryPolicy
	timeout time.Duration
}

// JobID sets a deterministic job ID. Enqueueing an existing ID fails with ErrDuplicateJob.
func JobID(id string) Option {
	return func(o *enqueueOptions) { o.id = id }
}

// Delay postpones the first run. Negative values run immediately.
func Delay(d time.Duration) Option {
	return func(o *enqueueOptions) {
		if d > 0 {
			o.delay = d
		}
	}
}

// Retry sets the retry policy
func Retry(p RetryPolicy) Option {
	return func(o *enqueueOptions) { o.retry = p }
}

// Timeout bounds each handler run
func Timeout(d time.Duration) Option {
	return func(o *enqueueOptions) { o.timeout = d }
}

func buildOptions(opts []Option) enqueueOptions {
	o := enqueueOptions{retry: DefaultRetryPolicy, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	o.retry = o.retry.withDefaults()
	if o.timeout <= 0 {
		o.timeout = DefaultTimeout
	}
	return o
}

package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketJobs      = []byte("jobs")
	bucketScheduled = []byte("scheduled")
	bucketRunning   = []byte("running")
	bucketDead      = []byte("dead_letter")
	bucketRecurring = []byte("recurring")
)

// BoltConfig contains BoltQueue tuning
type BoltConfig struct {
	// PollInterval is how often idle workers look for ready jobs
	PollInterval time.Duration
	// LeaseGrace is added to the job timeout to form the lease
	LeaseGrace time.Duration
	// SchedulerInterval is how often recurring entries are checked
	SchedulerInterval time.Duration
}

func (c *BoltConfig) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.LeaseGrace <= 0 {
		c.LeaseGrace = 30 * time.Second
	}
	if c.SchedulerInterval <= 0 {
		c.SchedulerInterval = time.Second
	}
}

// BoltQueue implements Queue using BoltDB.
//
// Layout: jobs holds the job records; scheduled, running and dead_letter hold
// one sub-bucket per queue name with index entries pointing at job IDs.
// Scheduled and dead entries are keyed by a big-endian timestamp so cursor
// order is time order.
type BoltQueue struct {
	db     *bolt.DB
	cfg    BoltConfig
	logger *slog.Logger
}

// NewBoltQueue opens (or creates) a queue database at path
func NewBoltQueue(path string, cfg BoltConfig, logger *slog.Logger) (*BoltQueue, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketJobs, bucketScheduled, bucketRunning, bucketDead, bucketRecurring} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	cfg.setDefaults()
	return &BoltQueue{db: db, cfg: cfg, logger: logger.With("component", "queue")}, nil
}

// Enqueue adds a job to the queue
func (q *BoltQueue) Enqueue(ctx context.Context, queue string, payload []byte, opts ...Option) (string, error) {
	if queue == "" {
		return "", errors.New("queue name is required")
	}

	job := newJob(queue, payload, buildOptions(opts), time.Now())
	err := q.db.Update(func(tx *bolt.Tx) error {
		return insertJob(tx, job)
	})
	if err != nil {
		return "", err
	}
	return job.ID, nil
}

// Dequeue leases the next ready job of queue. Returns nil, nil if none is ready.
func (q *BoltQueue) Dequeue(ctx context.Context, queue string) (*Job, error) {
	var job *Job
	now := time.Now()

	err := q.db.Update(func(tx *bolt.Tx) error {
		scheduled := tx.Bucket(bucketScheduled).Bucket([]byte(queue))
		if scheduled == nil {
			return nil
		}

		c := scheduled.Cursor()
		for k, v := c.First(); k != nil; k, v = c.First() {
			if keyTime(k).After(now) {
				return nil // all remaining are in the future
			}
			if err := scheduled.Delete(k); err != nil {
				return err
			}

			j := getJob(tx, v)
			if j == nil || j.Status == StatusCompleted || j.Status == StatusDead {
				continue // stale index entry
			}

			j.Status = StatusRunning
			j.Attempts++
			j.LeaseUntil = now.Add(j.Timeout + q.cfg.LeaseGrace)
			j.UpdatedAt = now

			running, err := tx.Bucket(bucketRunning).CreateBucketIfNotExists([]byte(queue))
			if err != nil {
				return err
			}
			if err := running.Put([]byte(j.ID), encodeTime(j.LeaseUntil)); err != nil {
				return err
			}
			if err := putJob(tx, j); err != nil {
				return err
			}
			job = j
			return nil
		}
		return nil
	})

	return job, err
}

// Complete marks a leased job as done
func (q *BoltQueue) Complete(ctx context.Context, job *Job) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		if err := releaseLease(tx, job); err != nil {
			return err
		}
		job.Status = StatusCompleted
		job.LeaseUntil = time.Time{}
		job.UpdatedAt = time.Now()
		return putJob(tx, job)
	})
}

// Defer releases a leased job and schedules it to run again at runAt
func (q *BoltQueue) Defer(ctx context.Context, job *Job, runAt time.Time, cause error) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		if err := releaseLease(tx, job); err != nil {
			return err
		}
		job.Status = StatusDeferred
		job.LeaseUntil = time.Time{}
		job.RunAt = runAt
		job.UpdatedAt = time.Now()
		if cause != nil {
			job.LastError = cause.Error()
		}
		return scheduleJob(tx, job)
	})
}

// Kill releases a leased job and moves it to the dead letter set
func (q *BoltQueue) Kill(ctx context.Context, job *Job, cause error) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		if err := releaseLease(tx, job); err != nil {
			return err
		}
		return killJob(tx, job, cause, time.Now())
	})
}

// Get retrieves a job by ID. Returns nil, nil if it does not exist.
func (q *BoltQueue) Get(ctx context.Context, id string) (*Job, error) {
	var job *Job
	err := q.db.View(func(tx *bolt.Tx) error {
		job = getJob(tx, []byte(id))
		return nil
	})
	return job, err
}

// RecoverExpired returns jobs whose lease ran out to the schedule.
// Leases only expire when a worker died or ignored its timeout.
func (q *BoltQueue) RecoverExpired(ctx context.Context, queue string, now time.Time) (int, error) {
	recovered := 0

	err := q.db.Update(func(tx *bolt.Tx) error {
		running := tx.Bucket(bucketRunning).Bucket([]byte(queue))
		if running == nil {
			return nil
		}

		var expired [][]byte
		c := running.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if decodeTime(v).Before(now) {
				expired = append(expired, append([]byte(nil), k...))
			}
		}

		for _, id := range expired {
			if err := running.Delete(id); err != nil {
				return err
			}
			job := getJob(tx, id)
			if job == nil {
				continue
			}

			cause := errors.New("lease expired")
			if job.Exhausted() {
				if err := killJob(tx, job, cause, now); err != nil {
					return err
				}
			} else {
				job.Status = StatusPending
				job.LeaseUntil = time.Time{}
				job.RunAt = now
				job.LastError = cause.Error()
				job.UpdatedAt = now
				if err := scheduleJob(tx, job); err != nil {
					return err
				}
			}
			recovered++
		}
		return nil
	})

	return recovered, err
}

// DeadLetters returns dead jobs newest first
func (q *BoltQueue) DeadLetters(ctx context.Context, queue string, limit int) ([]*Job, error) {
	var jobs []*Job

	err := q.db.View(func(tx *bolt.Tx) error {
		dead := tx.Bucket(bucketDead)
		var names [][]byte
		if queue != "" {
			names = [][]byte{[]byte(queue)}
		} else {
			err := dead.ForEach(func(k, v []byte) error {
				if v == nil {
					names = append(names, append([]byte(nil), k...))
				}
				return nil
			})
			if err != nil {
				return err
			}
		}

		for _, name := range names {
			b := dead.Bucket(name)
			if b == nil {
				continue
			}
			c := b.Cursor()
			count := 0
			for k, v := c.Last(); k != nil; k, v = c.Prev() {
				if job := getJob(tx, v); job != nil {
					jobs = append(jobs, job)
					count++
				}
				if limit > 0 && count >= limit {
					break
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].DeadAt.After(jobs[j].DeadAt) })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// RetryDead moves a dead job back to pending with a fresh attempt budget
func (q *BoltQueue) RetryDead(ctx context.Context, queue, id string) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		job := getJob(tx, []byte(id))
		if job == nil || job.Status != StatusDead || (queue != "" && job.Queue != queue) {
			return fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}

		if dead := tx.Bucket(bucketDead).Bucket([]byte(job.Queue)); dead != nil {
			if err := dead.Delete(timeKey(job.DeadAt, job.ID)); err != nil {
				return err
			}
		}

		now := time.Now()
		job.Status = StatusPending
		job.Attempts = 0
		job.RunAt = now
		job.DeadAt = time.Time{}
		job.UpdatedAt = now
		return scheduleJob(tx, job)
	})
}

// Stats returns job counts for queue. An empty queue counts all jobs.
func (q *BoltQueue) Stats(ctx context.Context, queue string) (*Stats, error) {
	stats := &Stats{}

	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job Job
			if err := json.Unmarshal(v, &job); err != nil {
				return nil
			}
			if queue != "" && job.Queue != queue {
				return nil
			}

			stats.Total++
			switch job.Status {
			case StatusPending:
				stats.Pending++
			case StatusRunning:
				stats.Running++
			case StatusDeferred:
				stats.Deferred++
			case StatusCompleted:
				stats.Completed++
			case StatusDead:
				stats.Dead++
			}
			return nil
		})
	})

	return stats, err
}

// CleanupCompleted deletes completed jobs older than maxAge
func (q *BoltQueue) CleanupCompleted(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	deleted := 0

	err := q.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)

		var toDelete [][]byte
		err := jobs.ForEach(func(k, v []byte) error {
			var job Job
			if err := json.Unmarshal(v, &job); err != nil {
				return nil
			}
			if job.Status == StatusCompleted && job.UpdatedAt.Before(cutoff) {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range toDelete {
			if err := jobs.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})

	return deleted, err
}

// CleanupDead deletes dead jobs older than maxAge and keeps at most maxCount per queue.
// Zero disables the corresponding limit.
func (q *BoltQueue) CleanupDead(ctx context.Context, maxAge time.Duration, maxCount int) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	deleted := 0

	err := q.db.Update(func(tx *bolt.Tx) error {
		dead := tx.Bucket(bucketDead)
		jobs := tx.Bucket(bucketJobs)

		var names [][]byte
		err := dead.ForEach(func(k, v []byte) error {
			if v == nil {
				names = append(names, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, name := range names {
			b := dead.Bucket(name)
			total := b.Stats().KeyN

			type entry struct{ key, id []byte }
			var toDelete []entry
			c := b.Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				tooOld := maxAge > 0 && keyTime(k).Before(cutoff)
				tooMany := maxCount > 0 && total-len(toDelete) > maxCount
				if !tooOld && !tooMany {
					break // oldest first, the rest are kept
				}
				toDelete = append(toDelete, entry{append([]byte(nil), k...), append([]byte(nil), v...)})
			}

			for _, e := range toDelete {
				if err := b.Delete(e.key); err != nil {
					return err
				}
				if err := jobs.Delete(e.id); err != nil {
					return err
				}
				deleted++
			}
		}
		return nil
	})

	return deleted, err
}

// Close closes the database connection
func (q *BoltQueue) Close() error {
	return q.db.Close()
}

// DB returns the underlying bolt.DB instance
func (q *BoltQueue) DB() *bolt.DB {
	return q.db
}

func insertJob(tx *bolt.Tx, job *Job) error {
	if tx.Bucket(bucketJobs).Get([]byte(job.ID)) != nil {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}
	return scheduleJob(tx, job)
}

func scheduleJob(tx *bolt.Tx, job *Job) error {
	scheduled, err := tx.Bucket(bucketScheduled).CreateBucketIfNotExists([]byte(job.Queue))
	if err != nil {
		return err
	}
	if err := scheduled.Put(timeKey(job.RunAt, job.ID), []byte(job.ID)); err != nil {
		return fmt.Errorf("failed to add to schedule index: %w", err)
	}
	return putJob(tx, job)
}

func killJob(tx *bolt.Tx, job *Job, cause error, now time.Time) error {
	dead, err := tx.Bucket(bucketDead).CreateBucketIfNotExists([]byte(job.Queue))
	if err != nil {
		return err
	}
	job.Status = StatusDead
	job.LeaseUntil = time.Time{}
	job.DeadAt = now
	job.UpdatedAt = now
	if cause != nil {
		job.LastError = cause.Error()
	}
	if err := dead.Put(timeKey(job.DeadAt, job.ID), []byte(job.ID)); err != nil {
		return fmt.Errorf("failed to add to dead letter index: %w", err)
	}
	return putJob(tx, job)
}

func releaseLease(tx *bolt.Tx, job *Job) error {
	running := tx.Bucket(bucketRunning).Bucket([]byte(job.Queue))
	if running == nil {
		return ErrLeaseLost
	}
	lease := running.Get([]byte(job.ID))
	if lease == nil || !decodeTime(lease).Equal(job.LeaseUntil) {
		return ErrLeaseLost
	}
	return running.Delete([]byte(job.ID))
}

func putJob(tx *bolt.Tx, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := tx.Bucket(bucketJobs).Put([]byte(job.ID), data); err != nil {
		return fmt.Errorf("failed to store job: %w", err)
	}
	return nil
}

// getJob returns nil for missing or undecodable records
func getJob(tx *bolt.Tx, id []byte) *Job {
	data := tx.Bucket(bucketJobs).Get(id)
	if data == nil {
		return nil
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil
	}
	return &job
}

// timeKey creates a sortable key from timestamp and ID
func timeKey(t time.Time, id string) []byte {
	k := make([]byte, 8+len(id))
	binary.BigEndian.PutUint64(k, uint64(t.UnixNano()))
	copy(k[8:], id)
	return k
}

// keyTime extracts the timestamp from an index key
func keyTime(k []byte) time.Time {
	if len(k) < 8 {
		return time.Time{}
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(k[:8])))
}

func encodeTime(t time.Time) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(t.UnixNano()))
	return b
}

func decodeTime(b []byte) time.Time {
	return keyTime(b)
}

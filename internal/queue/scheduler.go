package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	bolt "go.etcd.io/bbolt"
)

// recurringEntry is the stored form of a Recurring plus its firing state
type recurringEntry struct {
	Recurring
	NextRunAt time.Time `json:"next_run_at"`
	LastJobID string    `json:"last_job_id,omitempty"`
}

// ScheduleRecurring upserts a recurring entry keyed by r.Name.
// Re-registering an unchanged entry keeps its next run time, so repeated
// process starts neither reset nor duplicate the schedule.
func (q *BoltQueue) ScheduleRecurring(ctx context.Context, r Recurring) error {
	if r.Name == "" || r.Queue == "" {
		return errors.New("recurring entry needs a name and a queue")
	}
	sched, err := cron.ParseStandard(r.Spec)
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", r.Spec, err)
	}
	r.Retry = r.Retry.withDefaults()
	if r.Timeout <= 0 {
		r.Timeout = DefaultTimeout
	}

	now := time.Now()
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecurring)
		entry := recurringEntry{Recurring: r, NextRunAt: sched.Next(now)}

		if data := b.Get([]byte(r.Name)); data != nil {
			var existing recurringEntry
			if err := json.Unmarshal(data, &existing); err == nil {
				entry.LastJobID = existing.LastJobID
				if existing.Spec == r.Spec {
					entry.NextRunAt = existing.NextRunAt
				}
			}
		}

		data, err := json.Marshal(&entry)
		if err != nil {
			return fmt.Errorf("failed to marshal recurring entry: %w", err)
		}
		return b.Put([]byte(r.Name), data)
	})
}

// RunScheduler fires due recurring entries until ctx is done
func (q *BoltQueue) RunScheduler(ctx context.Context) error {
	logger := q.logger.With("component", "scheduler")
	logger.Info("starting recurring scheduler", "interval", q.cfg.SchedulerInterval)

	ticker := time.NewTicker(q.cfg.SchedulerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("recurring scheduler stopped")
			return nil
		case <-ticker.C:
			if _, err := q.fireDue(time.Now()); err != nil {
				logger.Error("failed to fire recurring entries", "error", err)
			}
		}
	}
}

// fireDue enqueues a job for every entry whose next run time has passed.
// An entry whose previous job is still in flight skips the tick.
func (q *BoltQueue) fireDue(now time.Time) (int, error) {
	fired := 0

	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecurring)

		var due []recurringEntry
		err := b.ForEach(func(k, v []byte) error {
			var entry recurringEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				q.logger.Warn("skipping undecodable recurring entry", "name", string(k), "error", err)
				return nil
			}
			if !entry.NextRunAt.After(now) {
				due = append(due, entry)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, entry := range due {
			sched, err := cron.ParseStandard(entry.Spec)
			if err != nil {
				q.logger.Warn("skipping recurring entry with invalid schedule", "name", entry.Name, "error", err)
				continue
			}
			entry.NextRunAt = sched.Next(now)

			last := getJob(tx, []byte(entry.LastJobID))
			if last != nil && last.Status.InFlight() {
				q.logger.Debug("previous run still in flight, skipping tick",
					"name", entry.Name,
					"job_id", last.ID,
				)
			} else {
				o := enqueueOptions{
					id:      entry.Name + ":" + strconv.FormatInt(now.UnixNano(), 10),
					retry:   entry.Retry,
					timeout: entry.Timeout,
				}
				job := newJob(entry.Queue, entry.Payload, o, now)
				job.Recurring = entry.Name
				if err := insertJob(tx, job); err != nil {
					return err
				}
				entry.LastJobID = job.ID
				fired++
			}

			data, err := json.Marshal(&entry)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(entry.Name), data); err != nil {
				return err
			}
		}
		return nil
	})

	return fired, err
}

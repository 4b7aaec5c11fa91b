package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func loadEntry(t *testing.T, q *BoltQueue, name string) recurringEntry {
	t.Helper()
	var entry recurringEntry
	err := q.db.View(func(tx *bolt.Tx) error {
		return json.Unmarshal(tx.Bucket(bucketRecurring).Get([]byte(name)), &entry)
	})
	if err != nil {
		t.Fatalf("failed to load entry %s: %v", name, err)
	}
	return entry
}

// makeDue moves the next run of an entry into the past
func makeDue(t *testing.T, q *BoltQueue, name string) {
	t.Helper()
	entry := loadEntry(t, q, name)
	entry.NextRunAt = time.Now().Add(-time.Second)
	err := q.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(&entry)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRecurring).Put([]byte(name), data)
	})
	if err != nil {
		t.Fatalf("failed to update entry %s: %v", name, err)
	}
}

func TestScheduleRecurringUpsert(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	r := Recurring{Name: "reply-check", Queue: "replies", Spec: "@every 2m"}
	if err := q.ScheduleRecurring(ctx, r); err != nil {
		t.Fatalf("ScheduleRecurring() error = %v", err)
	}
	first := loadEntry(t, q, "reply-check")

	// registering again with the same spec keeps the schedule
	if err := q.ScheduleRecurring(ctx, r); err != nil {
		t.Fatalf("ScheduleRecurring() error = %v", err)
	}
	second := loadEntry(t, q, "reply-check")
	if !second.NextRunAt.Equal(first.NextRunAt) {
		t.Errorf("NextRunAt changed on re-register: %v -> %v", first.NextRunAt, second.NextRunAt)
	}

	// a new spec replaces the entry
	r.Spec = "@every 1h"
	if err := q.ScheduleRecurring(ctx, r); err != nil {
		t.Fatal(err)
	}
	third := loadEntry(t, q, "reply-check")
	if third.Spec != "@every 1h" {
		t.Errorf("Spec = %v, want @every 1h", third.Spec)
	}
	if !third.NextRunAt.After(first.NextRunAt) {
		t.Errorf("NextRunAt = %v, want after %v", third.NextRunAt, first.NextRunAt)
	}
}

func TestScheduleRecurringInvalidSpec(t *testing.T) {
	q := newTestQueue(t)

	err := q.ScheduleRecurring(context.Background(), Recurring{Name: "x", Queue: "replies", Spec: "not a schedule"})
	if err == nil {
		t.Fatal("ScheduleRecurring() expected error for invalid spec")
	}
}

func TestFireDueSingleFlight(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if err := q.ScheduleRecurring(ctx, Recurring{Name: "reply-check", Queue: "replies", Spec: "@every 2m"}); err != nil {
		t.Fatal(err)
	}

	makeDue(t, q, "reply-check")
	fired, err := q.fireDue(time.Now())
	if err != nil {
		t.Fatalf("fireDue() error = %v", err)
	}
	if fired != 1 {
		t.Fatalf("fireDue() = %v, want 1", fired)
	}

	job, err := q.Dequeue(ctx, "replies")
	if err != nil || job == nil {
		t.Fatalf("Dequeue() = %v, %v", job, err)
	}
	if job.Recurring != "reply-check" {
		t.Errorf("Recurring = %v, want reply-check", job.Recurring)
	}

	// previous run still running: tick is skipped
	makeDue(t, q, "reply-check")
	fired, err = q.fireDue(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if fired != 0 {
		t.Errorf("fireDue() while running = %v, want 0", fired)
	}
	if next := loadEntry(t, q, "reply-check").NextRunAt; !next.After(time.Now()) {
		t.Errorf("NextRunAt = %v, want advanced past a skipped tick", next)
	}

	if err := q.Complete(ctx, job); err != nil {
		t.Fatal(err)
	}

	makeDue(t, q, "reply-check")
	fired, err = q.fireDue(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if fired != 1 {
		t.Errorf("fireDue() after completion = %v, want 1", fired)
	}
}

func TestFireDueNotYetDue(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if err := q.ScheduleRecurring(ctx, Recurring{Name: "lead-complete", Queue: "maintenance", Spec: "@every 1h"}); err != nil {
		t.Fatal(err)
	}

	fired, err := q.fireDue(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if fired != 0 {
		t.Errorf("fireDue() = %v, want 0", fired)
	}
}

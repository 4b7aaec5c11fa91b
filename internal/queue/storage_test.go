package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestQueue(t *testing.T) *BoltQueue {
	t.Helper()
	q, err := NewBoltQueue(filepath.Join(t.TempDir(), "queue.db"), BoltConfig{
		PollInterval:      10 * time.Millisecond,
		LeaseGrace:        50 * time.Millisecond,
		SchedulerInterval: 10 * time.Millisecond,
	}, testLogger())
	if err != nil {
		t.Fatalf("NewBoltQueue() error = %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestBoltQueueEnqueueDequeue(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "dispatch", []byte(`{"lead":"1"}`), JobID("job-1"))
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if id != "job-1" {
		t.Errorf("Enqueue() id = %v, want job-1", id)
	}

	got, err := q.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil || got.Status != StatusPending {
		t.Fatalf("Get() = %+v, want pending job", got)
	}

	// other queues do not see the job
	other, err := q.Dequeue(ctx, "replies")
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if other != nil {
		t.Errorf("Dequeue(replies) = %v, want nil", other.ID)
	}

	job, err := q.Dequeue(ctx, "dispatch")
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if job == nil {
		t.Fatal("Dequeue() returned nil")
	}
	if job.Status != StatusRunning {
		t.Errorf("Dequeue().Status = %v, want %v", job.Status, StatusRunning)
	}
	if job.Attempts != 1 {
		t.Errorf("Dequeue().Attempts = %v, want 1", job.Attempts)
	}
	if string(job.Payload) != `{"lead":"1"}` {
		t.Errorf("Dequeue().Payload = %s", job.Payload)
	}

	// leased job is not handed out twice
	again, err := q.Dequeue(ctx, "dispatch")
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if again != nil {
		t.Errorf("second Dequeue() = %v, want nil", again.ID)
	}

	if err := q.Complete(ctx, job); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	got, _ = q.Get(ctx, "job-1")
	if got.Status != StatusCompleted {
		t.Errorf("Status after Complete() = %v, want %v", got.Status, StatusCompleted)
	}
}

func TestBoltQueueDuplicateJobID(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "dispatch", nil, JobID("dispatch:lead:1")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	_, err := q.Enqueue(ctx, "dispatch", nil, JobID("dispatch:lead:1"))
	if !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("second Enqueue() error = %v, want ErrDuplicateJob", err)
	}

	// completed jobs still block their id
	job, _ := q.Dequeue(ctx, "dispatch")
	if err := q.Complete(ctx, job); err != nil {
		t.Fatal(err)
	}
	_, err = q.Enqueue(ctx, "dispatch", nil, JobID("dispatch:lead:1"))
	if !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("Enqueue() after complete error = %v, want ErrDuplicateJob", err)
	}
}

func TestBoltQueueDelay(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "dispatch", nil, JobID("later"), Delay(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, "dispatch", nil, JobID("now")); err != nil {
		t.Fatal(err)
	}

	job, err := q.Dequeue(ctx, "dispatch")
	if err != nil {
		t.Fatal(err)
	}
	if job == nil || job.ID != "now" {
		t.Fatalf("Dequeue() = %v, want job now", job)
	}

	job, err = q.Dequeue(ctx, "dispatch")
	if err != nil {
		t.Fatal(err)
	}
	if job != nil {
		t.Errorf("Dequeue() = %v, want nil while delayed job is not due", job.ID)
	}
}

func TestBoltQueueDeferAndKill(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "dispatch", nil, JobID("j1")); err != nil {
		t.Fatal(err)
	}

	job, _ := q.Dequeue(ctx, "dispatch")
	if err := q.Defer(ctx, job, time.Now().Add(-time.Millisecond), errors.New("421 try later")); err != nil {
		t.Fatalf("Defer() error = %v", err)
	}

	got, _ := q.Get(ctx, "j1")
	if got.Status != StatusDeferred {
		t.Errorf("Status = %v, want %v", got.Status, StatusDeferred)
	}
	if got.LastError != "421 try later" {
		t.Errorf("LastError = %q", got.LastError)
	}

	job, _ = q.Dequeue(ctx, "dispatch")
	if job == nil {
		t.Fatal("deferred job was not dequeued")
	}
	if job.Attempts != 2 {
		t.Errorf("Attempts = %v, want 2", job.Attempts)
	}

	if err := q.Kill(ctx, job, errors.New("550 no such user")); err != nil {
		t.Fatalf("Kill() error = %v", err)
	}

	dead, err := q.DeadLetters(ctx, "dispatch", 10)
	if err != nil {
		t.Fatalf("DeadLetters() error = %v", err)
	}
	if len(dead) != 1 || dead[0].ID != "j1" {
		t.Fatalf("DeadLetters() = %v, want [j1]", dead)
	}
	if dead[0].LastError != "550 no such user" {
		t.Errorf("LastError = %q", dead[0].LastError)
	}

	all, err := q.DeadLetters(ctx, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Errorf("DeadLetters(all) = %d jobs, want 1", len(all))
	}

	if err := q.RetryDead(ctx, "dispatch", "j1"); err != nil {
		t.Fatalf("RetryDead() error = %v", err)
	}
	got, _ = q.Get(ctx, "j1")
	if got.Status != StatusPending || got.Attempts != 0 {
		t.Errorf("after RetryDead() status = %v attempts = %v", got.Status, got.Attempts)
	}
	dead, _ = q.DeadLetters(ctx, "dispatch", 10)
	if len(dead) != 0 {
		t.Errorf("DeadLetters() after retry = %d jobs, want 0", len(dead))
	}

	if err := q.RetryDead(ctx, "dispatch", "j1"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("RetryDead() on pending job error = %v, want ErrJobNotFound", err)
	}
}

func TestBoltQueueLeaseLost(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "dispatch", nil, JobID("j1"), Timeout(time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	job, _ := q.Dequeue(ctx, "dispatch")

	n, err := q.RecoverExpired(ctx, "dispatch", time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("RecoverExpired() error = %v", err)
	}
	if n != 1 {
		t.Errorf("RecoverExpired() = %v, want 1", n)
	}

	if err := q.Complete(ctx, job); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("Complete() after expiry error = %v, want ErrLeaseLost", err)
	}

	got, _ := q.Get(ctx, "j1")
	if got.Status != StatusPending {
		t.Errorf("Status = %v, want %v", got.Status, StatusPending)
	}
}

func TestBoltQueueStats(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := q.Enqueue(ctx, "dispatch", nil, JobID(id)); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := q.Enqueue(ctx, "replies", nil); err != nil {
		t.Fatal(err)
	}
	job, _ := q.Dequeue(ctx, "dispatch")
	_ = job

	stats, err := q.Stats(ctx, "dispatch")
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("Total = %v, want 3", stats.Total)
	}
	if stats.Pending != 2 {
		t.Errorf("Pending = %v, want 2", stats.Pending)
	}
	if stats.Running != 1 {
		t.Errorf("Running = %v, want 1", stats.Running)
	}
}

func TestBoltQueueCleanup(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	for _, id := range []string{"done", "dead1", "dead2", "dead3"} {
		if _, err := q.Enqueue(ctx, "dispatch", nil, JobID(id)); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 4; i++ {
		job, _ := q.Dequeue(ctx, "dispatch")
		if job.ID == "done" {
			q.Complete(ctx, job)
		} else {
			q.Kill(ctx, job, errors.New("boom"))
		}
	}

	deleted, err := q.CleanupCompleted(ctx, -time.Second)
	if err != nil {
		t.Fatalf("CleanupCompleted() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("CleanupCompleted() = %v, want 1", deleted)
	}

	deleted, err = q.CleanupDead(ctx, 0, 1)
	if err != nil {
		t.Fatalf("CleanupDead() error = %v", err)
	}
	if deleted != 2 {
		t.Errorf("CleanupDead() = %v, want 2", deleted)
	}

	dead, _ := q.DeadLetters(ctx, "dispatch", 0)
	if len(dead) != 1 {
		t.Errorf("DeadLetters() = %d jobs, want 1", len(dead))
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, Backoff: 5 * time.Minute, MaxBackoff: time.Hour}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 5 * time.Minute},
		{1, 5 * time.Minute},
		{2, 10 * time.Minute},
		{3, 20 * time.Minute},
		{4, 40 * time.Minute},
		{5, time.Hour},
		{40, time.Hour},
	}

	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestNewBoltQueueCreateDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "queue.db")

	q, err := NewBoltQueue(path, BoltConfig{}, testLogger())
	if err != nil {
		t.Fatalf("NewBoltQueue() error = %v", err)
	}
	defer q.Close()

	if q.cfg.PollInterval != time.Second {
		t.Errorf("PollInterval default = %v, want 1s", q.cfg.PollInterval)
	}
}

func TestCleanerStartStop(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "dispatch", []byte("{}")); err != nil {
		t.Fatal(err)
	}
	job, err := q.Dequeue(ctx, "dispatch")
	if err != nil || job == nil {
		t.Fatalf("Dequeue() = %v, %v", job, err)
	}
	if err := q.Complete(ctx, job); err != nil {
		t.Fatal(err)
	}

	c := NewCleaner(q, CleanerConfig{
		CompletedMaxAge:   time.Nanosecond,
		CompletedInterval: time.Hour,
	}, testLogger())

	time.Sleep(time.Millisecond)
	c.Start(ctx)
	c.Stop()
	c.Stop()

	got, err := q.Get(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("completed job should be removed, got status %v", got.Status)
	}
}

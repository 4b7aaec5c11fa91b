package queue

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestAsynqQueue(t *testing.T) *AsynqQueue {
	t.Helper()
	addr := os.Getenv("DRIPLINE_TEST_REDIS")
	if addr == "" {
		t.Skip("DRIPLINE_TEST_REDIS not set")
	}

	q, err := NewAsynqQueue(context.Background(), AsynqConfig{
		Addr:  addr,
		Retry: RetryPolicy{MaxAttempts: 2, Backoff: 10 * time.Millisecond},
	}, testLogger())
	if err != nil {
		t.Fatalf("NewAsynqQueue() error = %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestAsynqQueueDuplicateJobID(t *testing.T) {
	q := newTestAsynqQueue(t)
	ctx := context.Background()

	queue := "test-" + uuid.New().String()
	id := "dispatch:" + uuid.New().String() + ":1"

	got, err := q.Enqueue(ctx, queue, []byte("{}"), JobID(id), Delay(time.Hour))
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if got != id {
		t.Errorf("Enqueue() id = %v, want %v", got, id)
	}

	_, err = q.Enqueue(ctx, queue, []byte("{}"), JobID(id), Delay(time.Hour))
	if !errors.Is(err, ErrDuplicateJob) {
		t.Errorf("second Enqueue() error = %v, want ErrDuplicateJob", err)
	}
}

func TestAsynqQueueConsume(t *testing.T) {
	q := newTestAsynqQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := "test-" + uuid.New().String()
	got := make(chan string, 1)
	handler := func(ctx context.Context, job *Job) error {
		got <- string(job.Payload)
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Consume(ctx, queue, handler, 1)
	}()

	if _, err := q.Enqueue(ctx, queue, []byte("hello")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	select {
	case payload := <-got:
		if payload != "hello" {
			t.Errorf("payload = %v, want hello", payload)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("job was not consumed")
	}

	cancel()
	<-done
}

func TestAsynqScheduleRecurringUpsert(t *testing.T) {
	q := newTestAsynqQueue(t)
	ctx := context.Background()

	for _, spec := range []string{"@every 2m", "@every 5m"} {
		if err := q.ScheduleRecurring(ctx, Recurring{Name: "reply-check", Queue: "replies", Spec: spec}); err != nil {
			t.Fatalf("ScheduleRecurring() error = %v", err)
		}
	}

	configs, err := q.GetConfigs()
	if err != nil {
		t.Fatal(err)
	}
	if len(configs) != 1 {
		t.Fatalf("GetConfigs() = %d entries, want 1", len(configs))
	}
	if configs[0].Cronspec != "@every 5m" {
		t.Errorf("Cronspec = %v, want @every 5m", configs[0].Cronspec)
	}
}

package drip

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/foxzi/dripline/internal/imap"
	"github.com/foxzi/dripline/internal/queue"
	"github.com/foxzi/dripline/internal/smtp"
	"github.com/foxzi/dripline/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type env struct {
	store *store.Store
	queue *queue.BoltQueue
	relay *Relay
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()

	s, err := store.Open(store.DriverSQLite, filepath.Join(dir, "dripline.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	q, err := queue.NewBoltQueue(filepath.Join(dir, "queue.db"), queue.BoltConfig{}, testLogger())
	if err != nil {
		t.Fatalf("NewBoltQueue() error = %v", err)
	}
	t.Cleanup(func() { q.Close() })

	return &env{store: s, queue: q, relay: NewRelay(s, q, nil, testLogger())}
}

// seedCampaign creates a mailbox and a campaign with the given step waits
func (e *env) seedCampaign(t *testing.T, waits ...int) *store.Campaign {
	t.Helper()
	ctx := context.Background()

	mb := &store.Mailbox{Email: "sender@example.com", Name: "Sender", IsActive: true}
	if err := e.store.CreateMailbox(ctx, mb); err != nil {
		t.Fatalf("CreateMailbox() error = %v", err)
	}

	c := &store.Campaign{Name: "Outreach", Type: store.CampaignRecruitment, MailboxID: mb.ID}
	for i, wait := range waits {
		c.Steps = append(c.Steps, store.Step{
			Order:    i + 1,
			Subject:  "Hi {{name}}",
			Body:     "<p>Hi {{name}}, from {Company}</p>",
			WaitDays: wait,
		})
	}
	if err := e.store.CreateCampaign(ctx, c); err != nil {
		t.Fatalf("CreateCampaign() error = %v", err)
	}
	return c
}

func (e *env) job(t *testing.T, id string) *queue.Job {
	t.Helper()
	job, err := e.queue.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", id, err)
	}
	return job
}

func (e *env) payload(t *testing.T, id string) DispatchPayload {
	t.Helper()
	job := e.job(t, id)
	if job == nil {
		t.Fatalf("job %s not queued", id)
	}
	var p DispatchPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		t.Fatalf("invalid payload: %v", err)
	}
	return p
}

// fakeTransport records sent messages
type fakeTransport struct {
	mu   sync.Mutex
	sent []*smtp.Message
	err  error
}

func (f *fakeTransport) Send(ctx context.Context, msg *smtp.Message) (*smtp.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, msg)
	return &smtp.SendResult{MessageID: msg.MessageID}, nil
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// fakeReader returns a fixed set of inbound messages
type fakeReader struct {
	messages []imap.InboundMessage
	err      error
	since    time.Time
}

func (f *fakeReader) ListUnseen(ctx context.Context, since time.Time) ([]imap.InboundMessage, error) {
	f.since = since
	return f.messages, f.err
}

// failingEnqueuer fails every enqueue
type failingEnqueuer struct{}

func (failingEnqueuer) Enqueue(ctx context.Context, queue string, payload []byte, opts ...queue.Option) (string, error) {
	return "", errors.New("queue unavailable")
}

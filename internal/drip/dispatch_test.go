package drip

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/foxzi/dripline/internal/imap"
	"github.com/foxzi/dripline/internal/queue"
	"github.com/foxzi/dripline/internal/ratelimit"
	"github.com/foxzi/dripline/internal/smtp"
	"github.com/foxzi/dripline/internal/store"
)

var messageIDPattern = regexp.MustCompile(`^\d+\.[0-9a-f-]+\.[0-9a-f-]+@example\.com$`)

func newTestDispatcher(e *env, transport Transport, limiter *ratelimit.Limiter) *Dispatcher {
	return NewDispatcher(e.store, transport, limiter, e.relay, DispatchConfig{
		TrackingBaseURL: "https://track.example.com/",
	}, testLogger())
}

// enroll ingests one lead and returns it
func enroll(t *testing.T, e *env, c *store.Campaign, row Row) *store.Lead {
	t.Helper()
	ctx := context.Background()
	if _, err := NewIngester(e.store, e.relay, testLogger()).Ingest(ctx, c.ID, []Row{row}); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	leads, err := e.store.ListLeads(ctx, c.ID, store.LeadFilter{})
	if err != nil {
		t.Fatal(err)
	}
	for i := range leads {
		if leads[i].Email == strings.ToLower(row.Email) {
			return &leads[i]
		}
	}
	t.Fatalf("lead %s not found", row.Email)
	return nil
}

func TestDispatchTwoStepScenario(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.seedCampaign(t, 0, 2)
	lead := enroll(t, e, c, Row{Email: "amit@example.com", Name: "Amit", Company: "Acme"})

	transport := &fakeTransport{}
	d := newTestDispatcher(e, transport, nil)

	if err := d.Dispatch(ctx, e.payload(t, DispatchJobID(lead.ID, 1))); err != nil {
		t.Fatalf("Dispatch(step 1) error = %v", err)
	}
	if transport.count() != 1 {
		t.Fatalf("sent %d messages, want 1", transport.count())
	}

	msg := transport.sent[0]
	if msg.Subject != "Hi Amit" {
		t.Errorf("Subject = %q", msg.Subject)
	}
	if !strings.Contains(msg.HTML, "<p>Hi Amit, from Acme</p>") {
		t.Errorf("HTML = %q", msg.HTML)
	}
	if msg.From != "sender@example.com" || msg.To != "amit@example.com" {
		t.Errorf("From/To = %s/%s", msg.From, msg.To)
	}
	if !messageIDPattern.MatchString(msg.MessageID) {
		t.Errorf("MessageID = %q, want <millis>.<lead>.<step>@example.com", msg.MessageID)
	}
	if !strings.Contains(msg.MessageID, "."+lead.ID+"."+c.Steps[0].ID+"@") {
		t.Errorf("MessageID %q does not carry lead and step", msg.MessageID)
	}

	logs, _ := e.store.ListLogs(ctx, lead.ID)
	if len(logs) != 1 {
		t.Fatalf("ListLogs() = %d, want 1", len(logs))
	}
	if logs[0].MessageID != msg.MessageID || logs[0].Status != store.LogSent {
		t.Errorf("log = %+v", logs[0])
	}
	wantPixel := `<img src="https://track.example.com/track/open/` + logs[0].ID + `" width="1" height="1" alt="" style="display:none" />`
	if !strings.HasSuffix(msg.HTML, wantPixel) {
		t.Errorf("HTML does not end with tracking pixel: %q", msg.HTML)
	}

	got, _ := e.store.GetLead(ctx, lead.ID)
	if got.Status != store.LeadActive || got.CurrentStep != 1 {
		t.Errorf("lead = %s step %d, want ACTIVE step 1", got.Status, got.CurrentStep)
	}

	second := e.job(t, DispatchJobID(lead.ID, 2))
	if second == nil {
		t.Fatal("step 2 not queued")
	}
	if delay := time.Until(second.RunAt); delay < 47*time.Hour || delay > 48*time.Hour {
		t.Errorf("step 2 delay = %v, want 172800000ms", delay)
	}

	// the lead answers before step 2 is due
	reader := &fakeReader{messages: []imap.InboundMessage{{
		From:      "amit@example.com",
		InReplyTo: msg.MessageID,
	}}}
	if _, err := NewReconciler(e.store, reader, 0, testLogger()).Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if err := d.Dispatch(ctx, e.payload(t, DispatchJobID(lead.ID, 2))); err != nil {
		t.Fatalf("Dispatch(step 2) error = %v", err)
	}
	if transport.count() != 1 {
		t.Errorf("sent %d messages after reply, want 1", transport.count())
	}
	logs, _ = e.store.ListLogs(ctx, lead.ID)
	if len(logs) != 1 || logs[0].Status != store.LogReplied {
		t.Errorf("logs after reply = %+v", logs)
	}
	got, _ = e.store.GetLead(ctx, lead.ID)
	if got.Status != store.LeadReplied {
		t.Errorf("lead status = %s, want REPLIED", got.Status)
	}
}

func TestDispatchRedeliveryDoesNotResend(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.seedCampaign(t, 0)
	lead := enroll(t, e, c, Row{Email: "a@example.com"})

	transport := &fakeTransport{}
	d := newTestDispatcher(e, transport, nil)
	p := e.payload(t, DispatchJobID(lead.ID, 1))

	for i := 0; i < 2; i++ {
		if err := d.Dispatch(ctx, p); err != nil {
			t.Fatalf("Dispatch() #%d error = %v", i+1, err)
		}
	}
	if transport.count() != 1 {
		t.Errorf("sent %d messages, want 1", transport.count())
	}
	logs, _ := e.store.ListLogs(ctx, lead.ID)
	if len(logs) != 1 {
		t.Errorf("ListLogs() = %d, want 1", len(logs))
	}
}

func TestDispatchRepliedLead(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.seedCampaign(t, 0)
	lead := enroll(t, e, c, Row{Email: "a@example.com"})

	if _, err := e.store.RecordReply(ctx, lead.ID, ""); err != nil {
		t.Fatal(err)
	}

	transport := &fakeTransport{}
	if err := newTestDispatcher(e, transport, nil).Dispatch(ctx, e.payload(t, DispatchJobID(lead.ID, 1))); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if transport.count() != 0 {
		t.Errorf("sent %d messages to a replied lead", transport.count())
	}
	if logs, _ := e.store.ListLogs(ctx, lead.ID); len(logs) != 0 {
		t.Errorf("ListLogs() = %d, want 0", len(logs))
	}
}

func TestDispatchMissingEntities(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.seedCampaign(t, 0)
	lead := enroll(t, e, c, Row{Email: "a@example.com"})

	transport := &fakeTransport{}
	d := newTestDispatcher(e, transport, nil)

	tests := []struct {
		name string
		p    DispatchPayload
	}{
		{"unknown lead", DispatchPayload{CampaignID: c.ID, LeadID: "missing", StepOrder: 1}},
		{"unknown campaign", DispatchPayload{CampaignID: "missing", LeadID: lead.ID, StepOrder: 1}},
		{"unknown step", DispatchPayload{CampaignID: c.ID, LeadID: lead.ID, StepOrder: 9}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := d.Dispatch(ctx, tc.p); err != nil {
				t.Errorf("Dispatch() error = %v, want nil", err)
			}
		})
	}
	if transport.count() != 0 {
		t.Errorf("sent %d messages, want 0", transport.count())
	}
}

func TestDispatchDeletedLeadCompletesJob(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.seedCampaign(t, 0, 1)
	lead := enroll(t, e, c, Row{Email: "gone@example.com"})

	if err := e.store.DeleteLead(ctx, lead.ID); err != nil {
		t.Fatalf("DeleteLead() error = %v", err)
	}

	job, err := e.queue.Dequeue(ctx, QueueDispatch)
	if err != nil || job == nil {
		t.Fatalf("Dequeue() = %v, %v", job, err)
	}
	if job.ID != DispatchJobID(lead.ID, 1) {
		t.Fatalf("dequeued %s, want the deleted lead's first step", job.ID)
	}

	transport := &fakeTransport{}
	if err := newTestDispatcher(e, transport, nil).Handle(ctx, job); err != nil {
		t.Errorf("Handle() error = %v, want nil so the job completes", err)
	}
	if transport.count() != 0 {
		t.Errorf("sent %d messages to a deleted lead", transport.count())
	}
	if next := e.job(t, DispatchJobID(lead.ID, 2)); next != nil {
		t.Errorf("step 2 queued for a deleted lead: %s", next.ID)
	}
}

func TestDispatchStepGapEndsChain(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	mb := &store.Mailbox{Email: "sender@example.com", Name: "Sender", IsActive: true}
	if err := e.store.CreateMailbox(ctx, mb); err != nil {
		t.Fatal(err)
	}
	c := &store.Campaign{Name: "Gapped", MailboxID: mb.ID, Steps: []store.Step{
		{Order: 1, Subject: "One", Body: "<p>1</p>"},
		{Order: 3, Subject: "Three", Body: "<p>3</p>", WaitDays: 1},
	}}
	if err := e.store.CreateCampaign(ctx, c); err != nil {
		t.Fatal(err)
	}
	lead := enroll(t, e, c, Row{Email: "a@example.com"})

	transport := &fakeTransport{}
	d := newTestDispatcher(e, transport, nil)
	if err := d.Dispatch(ctx, e.payload(t, DispatchJobID(lead.ID, 1))); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if transport.count() != 1 {
		t.Fatalf("sent %d messages, want 1", transport.count())
	}
	for _, order := range []int{2, 3} {
		if job := e.job(t, DispatchJobID(lead.ID, order)); job != nil {
			t.Errorf("step %d queued after step 1, want the chain to end", order)
		}
	}

	got, _ := e.store.GetLead(ctx, lead.ID)
	if got.Status != store.LeadActive || got.CurrentStep != 1 {
		t.Errorf("lead = %s step %d, want ACTIVE step 1", got.Status, got.CurrentStep)
	}
}

func TestDispatchTemporaryFailure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.seedCampaign(t, 0, 1)
	lead := enroll(t, e, c, Row{Email: "a@example.com"})

	transport := &fakeTransport{err: &smtp.DeliveryError{Temporary: true, Code: 451, Message: "try later"}}
	d := newTestDispatcher(e, transport, nil)
	p := e.payload(t, DispatchJobID(lead.ID, 1))

	err := d.Dispatch(ctx, p)
	if err == nil || errors.Is(err, queue.ErrSkipRetry) {
		t.Fatalf("Dispatch() error = %v, want retryable error", err)
	}
	if job := e.job(t, DispatchJobID(lead.ID, 2)); job != nil {
		t.Error("step 2 queued although step 1 failed")
	}
	logs, _ := e.store.ListLogs(ctx, lead.ID)
	if len(logs) != 1 || logs[0].MessageID != "" || logs[0].Status != store.LogSent {
		t.Errorf("logs = %+v, want one unsent log", logs)
	}

	transport.err = nil
	if err := d.Dispatch(ctx, p); err != nil {
		t.Fatalf("retry Dispatch() error = %v", err)
	}
	logs, _ = e.store.ListLogs(ctx, lead.ID)
	if len(logs) != 1 || logs[0].MessageID == "" {
		t.Errorf("logs after retry = %+v", logs)
	}
	if job := e.job(t, DispatchJobID(lead.ID, 2)); job == nil {
		t.Error("step 2 not queued after successful retry")
	}
}

func TestDispatchPermanentFailure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.seedCampaign(t, 0, 1)
	lead := enroll(t, e, c, Row{Email: "a@example.com"})

	transport := &fakeTransport{err: &smtp.DeliveryError{Code: 550, Message: "no such user"}}
	err := newTestDispatcher(e, transport, nil).Dispatch(ctx, e.payload(t, DispatchJobID(lead.ID, 1)))
	if !errors.Is(err, queue.ErrSkipRetry) {
		t.Fatalf("Dispatch() error = %v, want ErrSkipRetry", err)
	}

	logs, _ := e.store.ListLogs(ctx, lead.ID)
	if len(logs) != 1 || logs[0].Status != store.LogFailed || logs[0].Error != "no such user" {
		t.Errorf("logs = %+v, want one FAILED log", logs)
	}
	if job := e.job(t, DispatchJobID(lead.ID, 2)); job != nil {
		t.Error("step 2 queued after permanent failure")
	}
}

func TestDispatchQuotaReschedules(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.seedCampaign(t, 0)
	lead := enroll(t, e, c, Row{Email: "a@example.com"})

	limiter, err := ratelimit.Open(filepath.Join(t.TempDir(), "limits.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer limiter.Stop()

	// mailboxes default to 50 messages a day
	for i := 0; i < 50; i++ {
		limiter.Reserve(ctx, c.MailboxID, ratelimit.LimitConfig{MessagesPerDay: 50})
	}

	transport := &fakeTransport{}
	err = newTestDispatcher(e, transport, limiter).Dispatch(ctx, e.payload(t, DispatchJobID(lead.ID, 1)))

	var re *queue.RescheduleError
	if !errors.As(err, &re) {
		t.Fatalf("Dispatch() error = %v, want RescheduleError", err)
	}
	if re.Delay <= 0 || re.Delay > 24*time.Hour {
		t.Errorf("reschedule delay = %v", re.Delay)
	}
	if transport.count() != 0 {
		t.Errorf("sent %d messages over quota", transport.count())
	}
	if got := limiter.Counts(c.MailboxID).DailyCount; got != 50 {
		t.Errorf("DailyCount = %d, want 50", got)
	}
}

func TestDispatchFailedSendRefundsQuota(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.seedCampaign(t, 0)
	lead := enroll(t, e, c, Row{Email: "a@example.com"})

	limiter, err := ratelimit.Open(filepath.Join(t.TempDir(), "limits.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer limiter.Stop()

	transport := &fakeTransport{err: errors.New("connection reset")}
	d := newTestDispatcher(e, transport, limiter)
	if err := d.Dispatch(ctx, e.payload(t, DispatchJobID(lead.ID, 1))); err == nil {
		t.Fatal("Dispatch() should fail")
	}
	if got := limiter.Counts(c.MailboxID).DailyCount; got != 0 {
		t.Errorf("DailyCount after failed send = %d, want 0", got)
	}

	transport.err = nil
	if err := d.Dispatch(ctx, e.payload(t, DispatchJobID(lead.ID, 1))); err != nil {
		t.Fatal(err)
	}
	if got := limiter.Counts(c.MailboxID).DailyCount; got != 1 {
		t.Errorf("DailyCount after send = %d, want 1", got)
	}
}

func TestDispatchHandleInvalidPayload(t *testing.T) {
	e := newEnv(t)
	d := newTestDispatcher(e, &fakeTransport{}, nil)

	err := d.Handle(context.Background(), &queue.Job{ID: "x", Payload: []byte("not json")})
	if !errors.Is(err, queue.ErrSkipRetry) {
		t.Errorf("Handle() error = %v, want ErrSkipRetry", err)
	}
}

func TestDispatchMessageIDDomain(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.seedCampaign(t, 0)
	lead := enroll(t, e, c, Row{Email: "a@example.com"})

	transport := &fakeTransport{}
	d := NewDispatcher(e.store, transport, nil, e.relay, DispatchConfig{MessageIDDomain: "mail.dripline.test"}, testLogger())
	if err := d.Dispatch(ctx, e.payload(t, DispatchJobID(lead.ID, 1))); err != nil {
		t.Fatal(err)
	}

	msg := transport.sent[0]
	if !strings.HasSuffix(msg.MessageID, "@mail.dripline.test") {
		t.Errorf("MessageID = %q", msg.MessageID)
	}
	if strings.Contains(msg.HTML, "<img") {
		t.Errorf("pixel added without tracking URL: %q", msg.HTML)
	}
}

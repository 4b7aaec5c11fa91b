package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mssola/user_agent"

	"github.com/foxzi/dripline/internal/metrics"
	"github.com/foxzi/dripline/internal/store"
)

// transparentGIF is a 1x1 transparent GIF
var transparentGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00, 0xff, 0xff, 0xff,
	0x00, 0x00, 0x00, 0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00,
	0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

const (
	defaultTrackerBuffer  = 1024
	defaultTrackerWorkers = 4
	openUpdateTimeout     = 5 * time.Second
)

// OpenEvent is a pixel hit waiting to be applied
type OpenEvent struct {
	LogID     string
	UserAgent string
	Bot       bool
}

// Tracker applies SENT to OPENED transitions off the request path
type Tracker struct {
	store  *store.Store
	events chan OpenEvent
	logger *slog.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewTracker starts workers draining open events
func NewTracker(s *store.Store, buffer, workers int, logger *slog.Logger) *Tracker {
	if buffer <= 0 {
		buffer = defaultTrackerBuffer
	}
	if workers <= 0 {
		workers = defaultTrackerWorkers
	}

	t := &Tracker{
		store:  s,
		events: make(chan OpenEvent, buffer),
		logger: logger.With("component", "tracker"),
	}
	for i := 0; i < workers; i++ {
		t.wg.Add(1)
		go t.worker()
	}
	return t
}

// Record queues an open event. It never blocks; events are dropped when the buffer is full.
func (t *Tracker) Record(ev OpenEvent) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return false
	}

	select {
	case t.events <- ev:
		return true
	default:
		t.logger.Warn("open event dropped, buffer full", "log_id", ev.LogID)
		metrics.IncOpens("dropped")
		return false
	}
}

// Close stops accepting events and waits for queued ones to be applied
func (t *Tracker) Close() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		close(t.events)
		t.mu.Unlock()
	})
	t.wg.Wait()
}

func (t *Tracker) worker() {
	defer t.wg.Done()
	for ev := range t.events {
		t.apply(ev)
	}
}

func (t *Tracker) apply(ev OpenEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), openUpdateTimeout)
	defer cancel()

	changed, err := t.store.TransitionLog(ctx, ev.LogID, store.LogOpened)
	if err != nil {
		t.logger.Error("failed to record open", "log_id", ev.LogID, "error", err)
		metrics.IncOpens("error")
		return
	}
	if !changed {
		metrics.IncOpens("ignored")
		return
	}

	t.logger.Debug("email opened", "log_id", ev.LogID, "bot", ev.Bot)
	metrics.IncOpens("opened")
}

// handleTrackOpen handles GET /track/open/{logId}
func (s *Server) handleTrackOpen(w http.ResponseWriter, r *http.Request) {
	logID := chi.URLParam(r, "logId")

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.WriteHeader(http.StatusOK)
	w.Write(transparentGIF)

	if logID == "" {
		return
	}
	ua := r.UserAgent()
	s.tracker.Record(OpenEvent{
		LogID:     logID,
		UserAgent: ua,
		Bot:       user_agent.New(ua).Bot(),
	})
}

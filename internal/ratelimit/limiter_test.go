package ratelimit

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestLimiter(t *testing.T, cfg *Config) (*Limiter, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "limits.db")
	l, err := Open(path, cfg)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { l.Stop() })
	return l, path
}

func TestOpenDefaults(t *testing.T) {
	l, _ := newTestLimiter(t, nil)
	if l.config.FlushInterval != 10*time.Second {
		t.Errorf("FlushInterval = %v, want 10s", l.config.FlushInterval)
	}
}

func TestReserveDailyLimit(t *testing.T) {
	l, _ := newTestLimiter(t, nil)
	ctx := context.Background()
	limit := LimitConfig{MessagesPerDay: 3}

	for i := 0; i < 3; i++ {
		res, err := l.Reserve(ctx, "mb-1", limit)
		if err != nil {
			t.Fatal(err)
		}
		if !res.Allowed {
			t.Fatalf("Reserve() #%d denied", i+1)
		}
	}

	res, err := l.Reserve(ctx, "mb-1", limit)
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed {
		t.Error("Reserve() over the daily limit should be denied")
	}
	if res.RetryAfter <= 0 || res.RetryAfter > 24*time.Hour {
		t.Errorf("RetryAfter = %v, want within a day", res.RetryAfter)
	}

	// other keys are independent
	if res, _ := l.Reserve(ctx, "mb-2", limit); !res.Allowed {
		t.Error("Reserve() for another mailbox should be allowed")
	}
}

func TestReserveHourlyLimit(t *testing.T) {
	l, _ := newTestLimiter(t, nil)
	ctx := context.Background()
	limit := LimitConfig{MessagesPerHour: 1, MessagesPerDay: 10}

	if res, _ := l.Reserve(ctx, "mb", limit); !res.Allowed {
		t.Fatal("first Reserve() denied")
	}
	res, _ := l.Reserve(ctx, "mb", limit)
	if res.Allowed || res.RetryAfter > time.Hour {
		t.Errorf("Reserve() = %+v, want denied within the hour", res)
	}
}

func TestWindowsReset(t *testing.T) {
	l, _ := newTestLimiter(t, nil)
	ctx := context.Background()
	limit := LimitConfig{MessagesPerDay: 1}

	start := time.Now()
	l.now = func() time.Time { return start }
	if res, _ := l.Reserve(ctx, "mb", limit); !res.Allowed {
		t.Fatal("first Reserve() denied")
	}
	if res, _ := l.Reserve(ctx, "mb", limit); res.Allowed {
		t.Fatal("second Reserve() allowed")
	}

	l.now = func() time.Time { return start.Add(25 * time.Hour) }
	if res, _ := l.Reserve(ctx, "mb", limit); !res.Allowed {
		t.Error("Reserve() after the day window should be allowed")
	}
}

func TestRefund(t *testing.T) {
	l, _ := newTestLimiter(t, nil)
	ctx := context.Background()
	limit := LimitConfig{MessagesPerDay: 1}

	l.Reserve(ctx, "mb", limit)
	l.Refund("mb")
	l.Refund("unknown")

	if got := l.Counts("mb").DailyCount; got != 0 {
		t.Errorf("DailyCount after refund = %d, want 0", got)
	}
	if res, _ := l.Reserve(ctx, "mb", limit); !res.Allowed {
		t.Error("Reserve() after refund should be allowed")
	}
}

func TestCountersPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "limits.db")
	ctx := context.Background()

	l, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	l.Reserve(ctx, "mb", LimitConfig{})
	l.Reserve(ctx, "mb", LimitConfig{})
	if err := l.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	reopened, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Stop()

	if got := reopened.Counts("mb").DailyCount; got != 2 {
		t.Errorf("DailyCount after reopen = %d, want 2", got)
	}
}

func TestWaitPacing(t *testing.T) {
	l, _ := newTestLimiter(t, &Config{PerMinute: 600}) // one every 100ms
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := l.Wait(ctx, "mb"); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("three waits took %v, want at least 150ms", elapsed)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := l.Wait(cancelled, "mb"); err == nil {
		t.Error("Wait() with cancelled context should fail")
	}
}

func TestWaitDisabled(t *testing.T) {
	l, _ := newTestLimiter(t, nil)
	for i := 0; i < 100; i++ {
		if err := l.Wait(context.Background(), "mb"); err != nil {
			t.Fatal(err)
		}
	}
}

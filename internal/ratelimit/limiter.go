// Package ratelimit enforces per-mailbox sending quotas and pacing.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/time/rate"
)

var bucketRateLimits = []byte("rate_limits")

// Config contains rate limit configuration
type Config struct {
	// PerMinute paces sends of one mailbox; zero disables pacing
	PerMinute int `yaml:"per_minute"`

	// Persistence settings
	FlushInterval time.Duration `yaml:"flush_interval,omitempty"`
}

// LimitConfig contains quota values for one key
type LimitConfig struct {
	MessagesPerHour int `yaml:"messages_per_hour" json:"messages_per_hour"`
	MessagesPerDay  int `yaml:"messages_per_day" json:"messages_per_day"`
}

// Counter tracks rate limit counters
type Counter struct {
	HourlyCount int       `json:"hourly_count"`
	DailyCount  int       `json:"daily_count"`
	HourStart   time.Time `json:"hour_start"`
	DayStart    time.Time `json:"day_start"`
}

// Result contains the quota decision
type Result struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter counts sends per key with hourly and daily windows persisted in bbolt
type Limiter struct {
	db       *bolt.DB
	ownsDB   bool
	config   *Config
	counters map[string]*Counter
	pacers   map[string]*rate.Limiter
	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// Open creates a limiter backed by its own database file
func Open(path string, cfg *Config) (*Limiter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open rate limit database: %w", err)
	}

	l, err := NewLimiter(db, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	l.ownsDB = true
	return l, nil
}

// NewLimiter creates a new rate limiter on an open database
func NewLimiter(db *bolt.DB, cfg *Config) (*Limiter, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRateLimits)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limits bucket: %w", err)
	}

	l := &Limiter{
		db:       db,
		config:   cfg,
		counters: make(map[string]*Counter),
		pacers:   make(map[string]*rate.Limiter),
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}

	if err := l.loadCounters(); err != nil {
		return nil, fmt.Errorf("failed to load counters: %w", err)
	}

	go l.persistLoop()

	return l, nil
}

// Reserve takes one unit of the key's quota if available
func (l *Limiter) Reserve(ctx context.Context, key string, limit LimitConfig) (*Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	counter := l.getOrCreateCounter(key, now)
	resetExpiredCounters(counter, now)

	if limit.MessagesPerHour > 0 && counter.HourlyCount >= limit.MessagesPerHour {
		return &Result{RetryAfter: counter.HourStart.Add(time.Hour).Sub(now)}, nil
	}
	if limit.MessagesPerDay > 0 && counter.DailyCount >= limit.MessagesPerDay {
		return &Result{RetryAfter: counter.DayStart.Add(24 * time.Hour).Sub(now)}, nil
	}

	counter.HourlyCount++
	counter.DailyCount++
	return &Result{Allowed: true}, nil
}

// Refund returns a unit reserved for a send that did not happen
func (l *Limiter) Refund(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if counter, ok := l.counters[key]; ok {
		if counter.HourlyCount > 0 {
			counter.HourlyCount--
		}
		if counter.DailyCount > 0 {
			counter.DailyCount--
		}
	}
}

// Wait blocks until the key may send under the per minute pace
func (l *Limiter) Wait(ctx context.Context, key string) error {
	if l.config.PerMinute <= 0 {
		return nil
	}

	l.mu.Lock()
	pacer, ok := l.pacers[key]
	if !ok {
		pacer = rate.NewLimiter(rate.Limit(float64(l.config.PerMinute)/60), 1)
		l.pacers[key] = pacer
	}
	l.mu.Unlock()

	return pacer.Wait(ctx)
}

// Counts returns the current counters of key
func (l *Limiter) Counts(key string) Counter {
	l.mu.Lock()
	defer l.mu.Unlock()

	counter, ok := l.counters[key]
	if !ok {
		return Counter{}
	}
	c := *counter
	now := l.now()
	if now.Sub(c.HourStart) >= time.Hour {
		c.HourlyCount = 0
	}
	if now.Sub(c.DayStart) >= 24*time.Hour {
		c.DailyCount = 0
	}
	return c
}

// Stop stops the rate limiter and persists counters
func (l *Limiter) Stop() error {
	var err error
	l.stopOnce.Do(func() {
		close(l.stopCh)
		err = l.persistCounters()
		if l.ownsDB {
			if cerr := l.db.Close(); err == nil {
				err = cerr
			}
		}
	})
	return err
}

func (l *Limiter) getOrCreateCounter(key string, now time.Time) *Counter {
	counter, exists := l.counters[key]
	if !exists {
		counter = &Counter{
			HourStart: now,
			DayStart:  now,
		}
		l.counters[key] = counter
	}
	return counter
}

func resetExpiredCounters(counter *Counter, now time.Time) {
	if now.Sub(counter.HourStart) >= time.Hour {
		counter.HourlyCount = 0
		counter.HourStart = now
	}
	if now.Sub(counter.DayStart) >= 24*time.Hour {
		counter.DailyCount = 0
		counter.DayStart = now
	}
}

func (l *Limiter) loadCounters() error {
	return l.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRateLimits)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			var counter Counter
			if err := json.Unmarshal(v, &counter); err != nil {
				return nil // skip invalid entries
			}
			l.counters[string(k)] = &counter
			return nil
		})
	})
}

func (l *Limiter) persistCounters() error {
	l.mu.Lock()
	snapshot := make(map[string][]byte, len(l.counters))
	for key, counter := range l.counters {
		data, err := json.Marshal(counter)
		if err != nil {
			continue
		}
		snapshot[key] = data
	}
	l.mu.Unlock()

	return l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRateLimits)
		if bucket == nil {
			return nil
		}
		for key, data := range snapshot {
			if err := bucket.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Limiter) persistLoop() {
	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.persistCounters()
		}
	}
}

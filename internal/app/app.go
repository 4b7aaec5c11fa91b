package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/foxzi/dripline/internal/api"
	"github.com/foxzi/dripline/internal/config"
	"github.com/foxzi/dripline/internal/dkim"
	"github.com/foxzi/dripline/internal/drip"
	"github.com/foxzi/dripline/internal/imap"
	"github.com/foxzi/dripline/internal/metrics"
	"github.com/foxzi/dripline/internal/queue"
	"github.com/foxzi/dripline/internal/ratelimit"
	"github.com/foxzi/dripline/internal/smtp"
	"github.com/foxzi/dripline/internal/store"
)

// App is the main application
type App struct {
	config      *config.Config
	store       *store.Store
	queue       queue.Queue
	cleaner     *queue.Cleaner
	relay       *drip.Relay
	dispatcher  *drip.Dispatcher
	reconciler  *drip.Reconciler
	completer   *drip.Completer
	rateLimiter *ratelimit.Limiter
	apiServer   *api.Server
	metrics     *metrics.Metrics
	collector   *metrics.Collector
	metricsSrv  *metrics.Server
	logger      *slog.Logger

	stopWork context.CancelFunc
	workers  sync.WaitGroup
}

// New creates a new application
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := SetupLogger(cfg.Logging)

	s, err := OpenStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	q, boltQueue, err := OpenQueue(ctx, cfg, logger)
	if err != nil {
		s.Close()
		return nil, err
	}

	limiter, err := ratelimit.Open(cfg.Dispatch.LimitsPath, &ratelimit.Config{PerMinute: cfg.Dispatch.PerMinute})
	if err != nil {
		q.Close()
		s.Close()
		return nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}

	smtpClient := smtp.NewClient(smtp.Config{
		Host:               cfg.SMTP.Host,
		Port:               cfg.SMTP.Port,
		Username:           cfg.SMTP.Username,
		Password:           cfg.SMTP.Password,
		TLS:                cfg.SMTP.TLS,
		InsecureSkipVerify: cfg.SMTP.InsecureSkipVerify,
		Timeout:            cfg.SMTP.Timeout,
		Helo:               cfg.SMTP.Helo,
	}, logger.With("component", "smtp_client"))

	if cfg.DKIM.Enabled {
		signer, err := dkim.Load(cfg.DKIM.KeyFile, cfg.DKIM.Domain, cfg.DKIM.Selector)
		if err != nil {
			limiter.Stop()
			q.Close()
			s.Close()
			return nil, fmt.Errorf("failed to load DKIM key: %w", err)
		}
		if err := signer.SelfCheck(); err != nil {
			limiter.Stop()
			q.Close()
			s.Close()
			return nil, fmt.Errorf("DKIM key self check failed: %w", err)
		}
		smtpClient.SetDKIMSigner(signer)
		logger.Info("DKIM signing enabled", "domain", cfg.DKIM.Domain, "selector", cfg.DKIM.Selector)
	}

	relay := drip.NewRelay(s, q, map[string][]queue.Option{
		drip.QueueDispatch: DispatchOptions(cfg.Dispatch),
	}, logger)

	dispatcher := drip.NewDispatcher(s, smtpClient, limiter, relay, drip.DispatchConfig{
		TrackingBaseURL: cfg.Server.BaseURL,
		MessageIDDomain: cfg.Dispatch.MessageIDDomain,
		SendTimeout:     cfg.Dispatch.SendTimeout,
		HourlyLimit:     cfg.Dispatch.HourlyLimit,
	}, logger)

	var reconciler *drip.Reconciler
	if cfg.Reconcile.Enabled {
		reader := imap.NewReader(imap.Config{
			Host:               cfg.IMAP.Host,
			Port:               cfg.IMAP.Port,
			Username:           cfg.IMAP.Username,
			Password:           cfg.IMAP.Password,
			TLS:                cfg.IMAP.TLS,
			InsecureSkipVerify: cfg.IMAP.InsecureSkipVerify,
			Folder:             cfg.IMAP.Folder,
			Timeout:            cfg.IMAP.Timeout,
		}, logger.With("component", "imap_reader"))
		reconciler = drip.NewReconciler(s, reader, cfg.Reconcile.Lookback, logger)
	}

	completer := drip.NewCompleter(s, cfg.Drip.CompleteAfter, logger)
	ingester := drip.NewIngester(s, relay, logger)
	apiServer := api.NewServer(s, ingester, q, &cfg.Server, logger)
	apiServer.SetLimiter(limiter)

	a := &App{
		config:      cfg,
		store:       s,
		queue:       q,
		relay:       relay,
		dispatcher:  dispatcher,
		reconciler:  reconciler,
		completer:   completer,
		rateLimiter: limiter,
		apiServer:   apiServer,
		logger:      logger,
	}

	if boltQueue != nil {
		a.cleaner = queue.NewCleaner(boltQueue, queue.CleanerConfig{
			CompletedMaxAge:   cfg.Queue.Retention.CompletedMaxAge,
			CompletedInterval: cfg.Queue.Retention.CleanupInterval,
			DeadMaxAge:        cfg.Queue.Retention.DeadMaxAge,
			DeadMaxCount:      cfg.Queue.Retention.DeadMaxCount,
			DeadInterval:      cfg.Queue.Retention.CleanupInterval,
		}, logger.With("component", "cleaner"))
	}

	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
		metrics.SetGlobal(a.metrics)

		storagePath := ""
		if boltQueue != nil {
			storagePath = cfg.Queue.Path
		}
		a.collector = metrics.NewCollector(a.metrics, queueStats(q),
			[]string{drip.QueueDispatch, drip.QueueReplies, drip.QueueMaintenance},
			storagePath, cfg.Metrics.FlushInterval)
		a.metricsSrv = metrics.NewServer(a.metrics, metrics.ServerConfig{
			Addr:       cfg.Metrics.ListenAddr,
			Path:       cfg.Metrics.Path,
			AllowedIPs: cfg.Metrics.AllowedIPs,
		}, logger.With("component", "metrics"))
		logger.Info("metrics enabled", "addr", cfg.Metrics.ListenAddr)
	}

	return a, nil
}

// OpenStore connects to the database and applies the schema
func OpenStore(ctx context.Context, cfg config.DatabaseConfig) (*store.Store, error) {
	s, err := store.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// OpenQueue creates the configured queue backend. The bolt queue is also
// returned on its own because retention cleanup only exists for it.
func OpenQueue(ctx context.Context, cfg *config.Config, logger *slog.Logger) (queue.Queue, *queue.BoltQueue, error) {
	switch cfg.Queue.Backend {
	case "asynq":
		q, err := queue.NewAsynqQueue(ctx, queue.AsynqConfig{
			Addr:      cfg.Queue.Redis.Addr,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Retry:     dispatchRetry(cfg.Dispatch),
			Retention: cfg.Queue.Retention.CompletedMaxAge,
		}, logger.With("component", "queue"))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return q, nil, nil
	default:
		q, err := queue.NewBoltQueue(cfg.Queue.Path, queue.BoltConfig{
			PollInterval: cfg.Queue.PollInterval,
			LeaseGrace:   cfg.Queue.LeaseGrace,
		}, logger.With("component", "queue"))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create queue: %w", err)
		}
		return q, q, nil
	}
}

// DispatchOptions returns the enqueue options of dispatch jobs
func DispatchOptions(cfg config.DispatchConfig) []queue.Option {
	return []queue.Option{
		queue.Retry(dispatchRetry(cfg)),
		queue.Timeout(cfg.Timeout),
	}
}

func dispatchRetry(cfg config.DispatchConfig) queue.RetryPolicy {
	return queue.RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		Backoff:     cfg.Backoff,
		MaxBackoff:  cfg.MaxBackoff,
	}
}

func queueStats(q queue.Queue) metrics.QueueStatsFunc {
	return func(ctx context.Context, name string) (*metrics.QueueStats, error) {
		stats, err := q.Stats(ctx, name)
		if err != nil {
			return nil, err
		}
		return &metrics.QueueStats{
			Pending:   stats.Pending,
			Running:   stats.Running,
			Deferred:  stats.Deferred,
			Completed: stats.Completed,
			Dead:      stats.Dead,
		}, nil
	}
}

// schedule upserts the recurring entries
func (a *App) schedule(ctx context.Context) error {
	if a.reconciler != nil {
		err := a.queue.ScheduleRecurring(ctx, queue.Recurring{
			Name:    drip.EntryReplyCheck,
			Queue:   drip.QueueReplies,
			Spec:    a.config.Reconcile.Interval,
			Retry:   queue.RetryPolicy{MaxAttempts: 1},
			Timeout: a.config.Reconcile.Timeout,
		})
		if err != nil {
			return fmt.Errorf("failed to schedule reply check: %w", err)
		}
	}

	if a.completer.Enabled() {
		err := a.queue.ScheduleRecurring(ctx, queue.Recurring{
			Name:  drip.EntryLeadComplete,
			Queue: drip.QueueMaintenance,
			Spec:  a.config.Drip.CompleteEvery,
			Retry: queue.RetryPolicy{MaxAttempts: 1},
		})
		if err != nil {
			return fmt.Errorf("failed to schedule lead completion: %w", err)
		}
	}
	return nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting dripline",
		"api_addr", a.config.Server.ListenAddr,
		"queue_backend", a.config.Queue.Backend,
		"database", a.config.Database.Driver,
		"reconcile", a.reconciler != nil,
	)

	// Create context that listens for signals
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.schedule(ctx); err != nil {
		return err
	}

	// Workers stop through their own context so the API can drain first
	workCtx, stopWork := context.WithCancel(context.Background())
	defer stopWork()
	a.stopWork = stopWork

	errCh := make(chan error, 4)

	consume := func(name string, handler queue.Handler, concurrency int) {
		a.workers.Add(1)
		go func() {
			defer a.workers.Done()
			if err := a.queue.Consume(workCtx, name, handler, concurrency); err != nil {
				errCh <- fmt.Errorf("%s consumer: %w", name, err)
			}
		}()
	}
	consume(drip.QueueDispatch, a.dispatcher.Handle, a.config.Dispatch.Concurrency)
	if a.reconciler != nil {
		consume(drip.QueueReplies, a.reconciler.Handle, 1)
	}
	consume(drip.QueueMaintenance, a.completer.Handle, 1)

	a.workers.Add(2)
	go func() {
		defer a.workers.Done()
		if err := a.queue.RunScheduler(workCtx); err != nil {
			errCh <- fmt.Errorf("scheduler: %w", err)
		}
	}()
	go func() {
		defer a.workers.Done()
		a.relay.Run(workCtx, a.config.Queue.OutboxSweep)
	}()

	if a.cleaner != nil {
		a.cleaner.Start(workCtx)
	}

	if a.collector != nil {
		a.collector.Start(workCtx)
		go func() {
			if err := a.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// API first so pending open updates reach the store
	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	if a.stopWork != nil {
		a.stopWork()
	}
	done := make(chan struct{})
	go func() {
		a.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers did not stop in time")
	}

	if a.cleaner != nil {
		a.cleaner.Stop()
	}
	if a.collector != nil {
		a.collector.Stop()
		if err := a.metricsSrv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	// Persist quota counters
	if err := a.rateLimiter.Stop(); err != nil {
		a.logger.Error("rate limiter stop error", "error", err)
	}
	if err := a.queue.Close(); err != nil {
		a.logger.Error("queue close error", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("database close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// SetupLogger creates a logger based on configuration
func SetupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

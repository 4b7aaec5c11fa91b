package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/foxzi/dripline/internal/metrics"
)

// AsynqConfig configures the redis backed queue
type AsynqConfig struct {
	Addr     string
	Password string
	DB       int

	// Retry is the backoff applied to every task; per-job backoff is not stored by asynq
	Retry RetryPolicy

	// Retention keeps completed tasks around so JobID stays deduplicated
	Retention time.Duration

	// SyncInterval is how often recurring entries are pushed to the scheduler
	SyncInterval time.Duration
}

// AsynqQueue implements Queue on top of hibiken/asynq
type AsynqQueue struct {
	redisOpt  asynq.RedisClientOpt
	rdb       *redis.Client
	client    *asynq.Client
	inspector *asynq.Inspector
	cfg       AsynqConfig
	logger    *slog.Logger

	mu        sync.Mutex
	recurring map[string]*asynq.PeriodicTaskConfig
}

// NewAsynqQueue connects to redis and returns a queue backed by asynq
func NewAsynqQueue(ctx context.Context, cfg AsynqConfig, logger *slog.Logger) (*AsynqQueue, error) {
	cfg.Retry = cfg.Retry.withDefaults()
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 10 * time.Second
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	redisOpt := asynq.RedisClientOpt{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}
	return &AsynqQueue{
		redisOpt:  redisOpt,
		rdb:       rdb,
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		cfg:       cfg,
		logger:    logger.With("component", "queue", "backend", "asynq"),
		recurring: make(map[string]*asynq.PeriodicTaskConfig),
	}, nil
}

// Enqueue adds a task; the queue name doubles as the task type
func (q *AsynqQueue) Enqueue(ctx context.Context, queue string, payload []byte, opts ...Option) (string, error) {
	o := buildOptions(opts)

	taskOpts := []asynq.Option{
		asynq.Queue(queue),
		asynq.MaxRetry(o.retry.MaxAttempts - 1),
		asynq.Timeout(o.timeout),
		asynq.Retention(q.cfg.Retention),
	}
	if o.delay > 0 {
		taskOpts = append(taskOpts, asynq.ProcessIn(o.delay))
	}
	if o.id != "" {
		taskOpts = append(taskOpts, asynq.TaskID(o.id))
	}

	info, err := q.client.EnqueueContext(ctx, asynq.NewTask(queue, payload), taskOpts...)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			return "", fmt.Errorf("%w: %s", ErrDuplicateJob, o.id)
		}
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}
	return info.ID, nil
}

// ScheduleRecurring upserts the entry; the periodic task manager picks it up on its next sync.
// Unique keeps a tick from being enqueued while the previous one is still queued or running.
func (q *AsynqQueue) ScheduleRecurring(ctx context.Context, r Recurring) error {
	if r.Name == "" || r.Queue == "" {
		return errors.New("recurring entry needs a name and a queue")
	}
	r.Retry = r.Retry.withDefaults()
	if r.Timeout <= 0 {
		r.Timeout = DefaultTimeout
	}

	cfg := &asynq.PeriodicTaskConfig{
		Cronspec: r.Spec,
		Task:     asynq.NewTask(r.Queue, r.Payload),
		Opts: []asynq.Option{
			asynq.Queue(r.Queue),
			asynq.MaxRetry(r.Retry.MaxAttempts - 1),
			asynq.Timeout(r.Timeout),
			asynq.Unique(r.Timeout),
		},
	}

	q.mu.Lock()
	q.recurring[r.Name] = cfg
	q.mu.Unlock()
	return nil
}

// GetConfigs implements asynq.PeriodicTaskConfigProvider
func (q *AsynqQueue) GetConfigs() ([]*asynq.PeriodicTaskConfig, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	names := make([]string, 0, len(q.recurring))
	for name := range q.recurring {
		names = append(names, name)
	}
	sort.Strings(names)

	configs := make([]*asynq.PeriodicTaskConfig, 0, len(names))
	for _, name := range names {
		configs = append(configs, q.recurring[name])
	}
	return configs, nil
}

// RunScheduler runs the asynq periodic task manager until ctx is done
func (q *AsynqQueue) RunScheduler(ctx context.Context) error {
	logger := q.logger.With("component", "scheduler")

	mgr, err := asynq.NewPeriodicTaskManager(asynq.PeriodicTaskManagerOpts{
		RedisConnOpt:               q.redisOpt,
		PeriodicTaskConfigProvider: q,
		SyncInterval:               q.cfg.SyncInterval,
		SchedulerOpts: &asynq.SchedulerOpts{
			Logger: asynqLogger{logger},
			PostEnqueueFunc: func(info *asynq.TaskInfo, err error) {
				if errors.Is(err, asynq.ErrDuplicateTask) {
					logger.Debug("previous run still in flight, skipping tick")
					return
				}
				if err != nil {
					logger.Error("failed to enqueue recurring task", "error", err)
				}
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create periodic task manager: %w", err)
	}

	if err := mgr.Start(); err != nil {
		return fmt.Errorf("failed to start periodic task manager: %w", err)
	}
	logger.Info("recurring scheduler started")

	<-ctx.Done()
	mgr.Shutdown()
	logger.Info("recurring scheduler stopped")
	return nil
}

// Consume runs an asynq server bound to a single queue until ctx is done
func (q *AsynqQueue) Consume(ctx context.Context, queue string, handler Handler, concurrency int) error {
	if handler == nil {
		return errors.New("handler is required")
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	logger := q.logger.With("queue", queue)

	srv := asynq.NewServer(q.redisOpt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{queue: 1},
		Logger:      asynqLogger{logger},
		RetryDelayFunc: func(n int, err error, t *asynq.Task) time.Duration {
			if d, ok := rescheduleDelay(err); ok {
				return d
			}
			return q.cfg.Retry.Delay(n + 1)
		},
		// a reschedule does not bump the retry counter
		IsFailure: func(err error) bool {
			_, ok := rescheduleDelay(err)
			return !ok
		},
	})

	err := srv.Start(asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		id, _ := asynq.GetTaskID(ctx)
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)

		job := &Job{
			ID:       id,
			Queue:    queue,
			Payload:  t.Payload(),
			Status:   StatusRunning,
			Attempts: retried + 1,
			Retry:    RetryPolicy{MaxAttempts: maxRetry + 1, Backoff: q.cfg.Retry.Backoff, MaxBackoff: q.cfg.Retry.MaxBackoff},
		}

		err := handler(ctx, job)
		switch {
		case err == nil:
			metrics.IncJobsProcessed(queue, "completed")
			return nil
		case isReschedule(err):
			metrics.IncJobsProcessed(queue, "rescheduled")
			return err
		case errors.Is(err, ErrSkipRetry):
			metrics.IncJobsProcessed(queue, "dead")
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		case job.Exhausted():
			metrics.IncJobsProcessed(queue, "dead")
		default:
			metrics.IncJobsProcessed(queue, "retried")
		}
		return err
	}))
	if err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}
	logger.Info("starting queue processor", "workers", concurrency)

	<-ctx.Done()
	srv.Shutdown()
	logger.Info("queue processor stopped")
	return nil
}

// DeadLetters lists archived tasks
func (q *AsynqQueue) DeadLetters(ctx context.Context, queue string, limit int) ([]*Job, error) {
	queues := []string{queue}
	if queue == "" {
		var err error
		if queues, err = q.inspector.Queues(); err != nil {
			return nil, fmt.Errorf("failed to list queues: %w", err)
		}
	}

	var listOpts []asynq.ListOption
	if limit > 0 {
		listOpts = append(listOpts, asynq.PageSize(limit))
	}

	var jobs []*Job
	for _, name := range queues {
		tasks, err := q.inspector.ListArchivedTasks(name, listOpts...)
		if err != nil {
			if errors.Is(err, asynq.ErrQueueNotFound) {
				continue
			}
			return nil, fmt.Errorf("failed to list archived tasks: %w", err)
		}
		for _, t := range tasks {
			jobs = append(jobs, &Job{
				ID:        t.ID,
				Queue:     t.Queue,
				Payload:   t.Payload,
				Status:    StatusDead,
				Attempts:  t.Retried + 1,
				Retry:     RetryPolicy{MaxAttempts: t.MaxRetry + 1},
				Timeout:   t.Timeout,
				LastError: t.LastErr,
				DeadAt:    t.LastFailedAt,
				UpdatedAt: t.LastFailedAt,
			})
		}
	}

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].DeadAt.After(jobs[j].DeadAt) })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// RetryDead runs an archived task again
func (q *AsynqQueue) RetryDead(ctx context.Context, queue, id string) error {
	if queue == "" {
		return errors.New("queue name is required")
	}
	if err := q.inspector.RunTask(queue, id); err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			return fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return fmt.Errorf("failed to run task: %w", err)
	}
	return nil
}

// Stats maps asynq queue info onto Stats
func (q *AsynqQueue) Stats(ctx context.Context, queue string) (*Stats, error) {
	info, err := q.inspector.GetQueueInfo(queue)
	if err != nil {
		if errors.Is(err, asynq.ErrQueueNotFound) {
			return &Stats{}, nil
		}
		return nil, fmt.Errorf("failed to get queue info: %w", err)
	}
	return &Stats{
		Pending:   int64(info.Pending + info.Scheduled),
		Running:   int64(info.Active),
		Deferred:  int64(info.Retry),
		Completed: int64(info.Completed),
		Dead:      int64(info.Archived),
		Total:     int64(info.Size + info.Completed),
	}, nil
}

func isReschedule(err error) bool {
	_, ok := rescheduleDelay(err)
	return ok
}

// Close closes the redis connections
func (q *AsynqQueue) Close() error {
	return errors.Join(q.client.Close(), q.inspector.Close(), q.rdb.Close())
}

// asynqLogger routes asynq's internal logging through slog
type asynqLogger struct {
	logger *slog.Logger
}

func (l asynqLogger) Debug(args ...interface{}) { l.logger.Debug(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...interface{})  { l.logger.Info(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...interface{})  { l.logger.Warn(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...interface{}) { l.logger.Error(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...interface{}) { l.logger.Error(fmt.Sprint(args...)) }

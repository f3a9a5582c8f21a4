// Package dispatch содержит очередь заданий на выдачу кредитов, хранящуюся в БД.
//
// Задание создаётся в той же транзакции, что и заказ. Воркер забирает готовые задания,
// вызывает выдачу и при ошибке откладывает задание с экспоненциальной задержкой.
// После исчерпания попыток задание переводится в dead-letter.
package dispatch

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/creditstore/internal/apperr"
	"github.com/mmeshcher/creditstore/internal/fulfillment"
	"github.com/mmeshcher/creditstore/internal/metrics"
	"github.com/mmeshcher/creditstore/internal/model"
)

const (
	defaultPollInterval = time.Second
	defaultMaxAttempts  = 5
	defaultBatchSize    = 10
	defaultLease        = 2 * time.Minute
	defaultBaseBackoff  = 2 * time.Second
	defaultMaxBackoff   = 5 * time.Minute
)

// Store описывает операции с заданиями и заказами, нужные очереди.
type Store interface {
	LeaseDueJobs(ctx context.Context, limit int, lease time.Duration) ([]model.FulfillmentJob, error)
	GetOrder(ctx context.Context, id uuid.UUID) (*model.Order, error)
	CompleteJob(ctx context.Context, id int64) error
	RetryJob(ctx context.Context, id int64, nextRunAt time.Time, lastErr string) error
	DeadLetterJob(ctx context.Context, id int64, lastErr string) error
	EnqueueFulfillment(ctx context.Context, orderID uuid.UUID) (bool, error)
}

// Fulfiller выполняет выдачу кредитов по заказу.
type Fulfiller interface {
	Fulfill(ctx context.Context, order model.Order) (fulfillment.Result, error)
}

// Config содержит параметры опроса и повторов.
type Config struct {
	PollInterval time.Duration
	MaxAttempts  int
	BatchSize    int
	Lease        time.Duration
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
}

// Queue обрабатывает очередь заданий на выдачу.
type Queue struct {
	store     Store
	fulfiller Fulfiller
	cfg       Config
	logger    *zap.Logger
	wake      chan struct{}

	now func() time.Time
}

// NewQueue создаёт воркер очереди выдачи.
func NewQueue(store Store, f Fulfiller, cfg Config, logger *zap.Logger) *Queue {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Lease <= 0 {
		cfg.Lease = defaultLease
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = defaultBaseBackoff
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = max(defaultMaxBackoff, cfg.BaseBackoff)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		store:     store,
		fulfiller: f,
		cfg:       cfg,
		logger:    logger,
		wake:      make(chan struct{}, 1),
		now:       time.Now,
	}
}

// Notify будит воркер, не дожидаясь очередного опроса. Никогда не блокируется.
func (q *Queue) Notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Requeue ставит заказ в очередь выдачи повторно: создаёт задание или возвращает его
// из dead-letter. Возвращает false, если задание уже ждёт запуска или выполнено.
func (q *Queue) Requeue(ctx context.Context, orderID uuid.UUID) (bool, error) {
	queued, err := q.store.EnqueueFulfillment(ctx, orderID)
	if err != nil {
		return false, err
	}
	if queued {
		q.logger.Info("fulfillment job requeued", zap.String("order_id", orderID.String()))
		q.Notify()
	}
	return queued, nil
}

// Run обрабатывает задания до отмены контекста.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		q.drain(ctx)

		select {
		case <-ctx.Done():
			q.logger.Info("dispatch queue stopped")
			return nil
		case <-ticker.C:
		case <-q.wake:
		}
	}
}

// drain забирает задания пачками, пока очередь не опустеет.
func (q *Queue) drain(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := q.ProcessBatch(ctx)
		if err != nil {
			q.logger.Error("lease fulfillment jobs failed", zap.Error(err))
			return
		}
		if n < q.cfg.BatchSize {
			return
		}
	}
}

// ProcessBatch обрабатывает одну пачку готовых заданий и возвращает их число.
func (q *Queue) ProcessBatch(ctx context.Context) (int, error) {
	jobs, err := q.store.LeaseDueJobs(ctx, q.cfg.BatchSize, q.cfg.Lease)
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		q.process(ctx, job)
	}
	return len(jobs), nil
}

func (q *Queue) process(ctx context.Context, job model.FulfillmentJob) {
	log := q.logger.With(
		zap.Int64("job_id", job.ID),
		zap.String("order_id", job.OrderID.String()),
		zap.Int("attempt", job.Attempts),
	)

	order, err := q.store.GetOrder(ctx, job.OrderID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			q.deadLetter(ctx, log, job, err)
			return
		}
		q.retry(ctx, log, job, err)
		return
	}

	res, err := q.fulfiller.Fulfill(ctx, *order)
	switch {
	case err == nil, res.Outcome == metrics.OutcomeFailed:
		// FAILED уже записан в заказ; повтор привёл бы к noop.
		if err := q.store.CompleteJob(ctx, job.ID); err != nil {
			log.Error("complete job failed", zap.Error(err))
			return
		}
		log.Info("fulfillment job done", zap.String("outcome", res.Outcome))
	default:
		q.retry(ctx, log, job, err)
	}
}

func (q *Queue) retry(ctx context.Context, log *zap.Logger, job model.FulfillmentJob, cause error) {
	if job.Attempts >= q.cfg.MaxAttempts {
		q.deadLetter(ctx, log, job, cause)
		return
	}

	next := q.now().Add(Backoff(job.Attempts, q.cfg.BaseBackoff, q.cfg.MaxBackoff))
	if err := q.store.RetryJob(ctx, job.ID, next, cause.Error()); err != nil {
		log.Error("reschedule job failed", zap.Error(err))
		return
	}
	log.Warn("fulfillment job rescheduled", zap.Time("next_run_at", next), zap.Error(cause))
}

func (q *Queue) deadLetter(ctx context.Context, log *zap.Logger, job model.FulfillmentJob, cause error) {
	if err := q.store.DeadLetterJob(ctx, job.ID, cause.Error()); err != nil {
		log.Error("dead-letter job failed", zap.Error(err))
		return
	}
	log.Error("fulfillment job dead-lettered", zap.Error(cause))
}

// Backoff возвращает задержку перед попыткой attempt+1: base*2^(attempt-1), не больше maxDelay,
// со случайной составляющей в верхней половине интервала.
func Backoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt && d < maxDelay; i++ {
		d *= 2
	}
	d = min(d, maxDelay)

	half := d / 2
	if half <= 0 {
		return d
	}
	return half + rand.N(half+1)
}

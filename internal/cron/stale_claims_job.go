package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mmeshcher/creditstore/internal/metrics"
)

const (
	defaultStaleClaimTimeout = 10 * time.Minute
	staleClaimsBatch         = 100
)

type staleClaimStore interface {
	ListStaleClaims(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error)
	FailStaleClaim(ctx context.Context, id uuid.UUID, before time.Time) (bool, error)
}

// StaleClaimsJobParams задают параметры задания сверки зависших захватов.
type StaleClaimsJobParams struct {
	Logger  *zap.Logger
	Store   staleClaimStore
	Timeout time.Duration
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type staleClaimsJob struct {
	logger  *zap.Logger
	store   staleClaimStore
	timeout time.Duration
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewStaleClaimsJob создаёт задание, переводящее в FAILED заказы, захваченные дольше timeout.
// Повторно такие заказы не выдаются: партнёр мог успеть выдать кредиты.
func NewStaleClaimsJob(params StaleClaimsJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	if params.Store == nil {
		return nil, errors.New("stale claim store required")
	}
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = defaultStaleClaimTimeout
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &staleClaimsJob{
		logger:  params.Logger,
		store:   params.Store,
		timeout: timeout,
		metrics: params.Metrics,
		now:     now,
	}, nil
}

func (j *staleClaimsJob) Name() string { return "stale-claims" }

func (j *staleClaimsJob) Run(ctx context.Context) error {
	before := j.now().Add(-j.timeout)

	ids, err := j.store.ListStaleClaims(ctx, before, staleClaimsBatch)
	if err != nil {
		return fmt.Errorf("list stale claims: %w", err)
	}

	var errs []error
	for _, id := range ids {
		failed, err := j.store.FailStaleClaim(ctx, id, before)
		if err != nil {
			errs = append(errs, fmt.Errorf("order %s: %w", id, err))
			continue
		}
		if !failed {
			continue
		}
		j.metrics.FulfillmentOutcome(metrics.OutcomeFailed)
		j.logger.Warn("stale claim force-failed",
			zap.String("order_id", id.String()),
			zap.Time("claimed_before", before),
		)
	}

	return multierr.Combine(errs...)
}

package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/creditstore/internal/metrics"
)

const defaultInterval = time.Minute

// ServiceParams задают параметры сервиса периодических заданий.
type ServiceParams struct {
	Logger   *zap.Logger
	Registry *Registry
	Lock     Lock
	Metrics  *metrics.CronJobMetrics
	Interval time.Duration
}

// Service выполняет зарегистрированные задания с фиксированным интервалом.
type Service struct {
	logger   *zap.Logger
	registry *Registry
	lock     Lock
	metrics  *metrics.CronJobMetrics
	interval time.Duration
}

// NewService создаёт сервис периодических заданий.
func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	if params.Lock == nil {
		return nil, errors.New("lock required")
	}
	registry := params.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	interval := params.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Service{
		logger:   params.Logger,
		registry: registry,
		lock:     params.Lock,
		metrics:  params.Metrics,
		interval: interval,
	}, nil
}

// Run выполняет циклы до отмены контекста.
func (s *Service) Run(ctx context.Context) error {
	if err := s.runCycle(ctx); err != nil {
		s.logger.Error("scheduled run failed", zap.Error(err))
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("cron service stopped")
			return nil
		case <-ticker.C:
			if err := s.runCycle(ctx); err != nil {
				s.logger.Error("scheduled run failed", zap.Error(err))
			}
		}
	}
}

func (s *Service) runCycle(ctx context.Context) error {
	locked, err := s.lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("lock acquire: %w", err)
	}
	if !locked {
		s.logger.Debug("another instance holds the cron lock, skipping cycle")
		return nil
	}
	defer func() {
		if relErr := s.lock.Release(context.WithoutCancel(ctx)); relErr != nil {
			s.logger.Error("failed to release cron lock", zap.Error(relErr))
		}
	}()

	for _, job := range s.registry.Jobs() {
		s.runJob(ctx, job)
	}
	return nil
}

func (s *Service) runJob(ctx context.Context, job Job) {
	log := s.logger.With(zap.String("job", job.Name()))

	start := time.Now()
	err := job.Run(ctx)
	duration := time.Since(start)
	s.metrics.ObserveDuration(job.Name(), duration)

	if err != nil {
		log.Error("job failed", zap.Duration("duration", duration), zap.Error(err))
		s.metrics.IncFailure(job.Name())
		return
	}
	log.Debug("job completed", zap.Duration("duration", duration))
	s.metrics.IncSuccess(job.Name())
}

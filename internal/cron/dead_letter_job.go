package cron

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

type deadJobCounter interface {
	CountDeadJobs(ctx context.Context) (int64, error)
}

type deadLetterReportJob struct {
	logger *zap.Logger
	store  deadJobCounter
}

// NewDeadLetterReportJob создаёт задание, сообщающее о заданиях выдачи в dead-letter.
func NewDeadLetterReportJob(logger *zap.Logger, store deadJobCounter) (Job, error) {
	if logger == nil {
		return nil, errors.New("logger required")
	}
	if store == nil {
		return nil, errors.New("job counter required")
	}
	return &deadLetterReportJob{logger: logger, store: store}, nil
}

func (j *deadLetterReportJob) Name() string { return "dead-letter-report" }

func (j *deadLetterReportJob) Run(ctx context.Context) error {
	n, err := j.store.CountDeadJobs(ctx)
	if err != nil {
		return fmt.Errorf("count dead jobs: %w", err)
	}
	if n > 0 {
		j.logger.Error("fulfillment jobs require manual action", zap.Int64("dead_jobs", n))
	}
	return nil
}

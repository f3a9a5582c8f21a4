package repository

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mmeshcher/creditstore/internal/apperr"
	"github.com/mmeshcher/creditstore/internal/model"
)

const maxJobErrorLen = 1024

// LeaseDueJobs выдаёт до limit готовых к запуску заданий и сдвигает их next_run_at на lease,
// чтобы другие экземпляры воркера их пропустили. Счётчик попыток увеличивается сразу.
func (r *PostgresRepository) LeaseDueJobs(ctx context.Context, limit int, lease time.Duration) ([]model.FulfillmentJob, error) {
	rows, err := r.pool.Query(ctx,
		`UPDATE fulfillment_jobs
		 SET next_run_at = now() + $2 * interval '1 millisecond', attempts = attempts + 1, updated_at = now()
		 WHERE id IN (
		     SELECT id FROM fulfillment_jobs
		     WHERE status = $3 AND next_run_at <= now()
		     ORDER BY next_run_at
		     LIMIT $1
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, order_id, status, attempts, next_run_at, last_error`,
		limit, lease.Milliseconds(), string(model.JobPending),
	)
	if err != nil {
		return nil, storeErr("lease jobs", err)
	}
	defer rows.Close()

	var jobs []model.FulfillmentJob
	for rows.Next() {
		var (
			j      model.FulfillmentJob
			status string
		)
		if err := rows.Scan(&j.ID, &j.OrderID, &status, &j.Attempts, &j.NextRunAt, &j.LastError); err != nil {
			return nil, storeErr("scan job", err)
		}
		j.Status = model.JobStatus(status)
		jobs = append(jobs, j)
	}

	if err := rows.Err(); err != nil {
		return nil, storeErr("rows error", err)
	}

	return jobs, nil
}

// EnqueueFulfillment ставит задание на выдачу для заказа, если его ещё нет,
// либо возвращает в очередь задание из dead-letter. Возвращает false, если задание
// уже ждёт запуска или выполнено.
func (r *PostgresRepository) EnqueueFulfillment(ctx context.Context, orderID uuid.UUID) (bool, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`INSERT INTO fulfillment_jobs (order_id) VALUES ($1)
		 ON CONFLICT (order_id) DO UPDATE
		 SET status = $2, attempts = 0, next_run_at = now(), last_error = NULL, updated_at = now()
		 WHERE fulfillment_jobs.status = $3`,
		orderID, string(model.JobPending), string(model.JobDead),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return false, apperr.ErrNotFound
		}
		return false, storeErr("enqueue fulfillment", err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

// CompleteJob помечает задание выполненным.
func (r *PostgresRepository) CompleteJob(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE fulfillment_jobs SET status = $2, last_error = NULL, updated_at = now() WHERE id = $1`,
		id, string(model.JobDone),
	)
	if err != nil {
		return storeErr("complete job", err)
	}
	return nil
}

// RetryJob откладывает задание до nextRunAt, сохраняя текст последней ошибки.
func (r *PostgresRepository) RetryJob(ctx context.Context, id int64, nextRunAt time.Time, lastErr string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE fulfillment_jobs SET next_run_at = $2, last_error = $3, updated_at = now() WHERE id = $1`,
		id, nextRunAt, truncateJobError(lastErr),
	)
	if err != nil {
		return storeErr("retry job", err)
	}
	return nil
}

// DeadLetterJob переводит задание в dead-letter после исчерпания попыток.
func (r *PostgresRepository) DeadLetterJob(ctx context.Context, id int64, lastErr string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE fulfillment_jobs SET status = $2, last_error = $3, updated_at = now() WHERE id = $1`,
		id, string(model.JobDead), truncateJobError(lastErr),
	)
	if err != nil {
		return storeErr("dead-letter job", err)
	}
	return nil
}

// CountDeadJobs возвращает число заданий в dead-letter.
func (r *PostgresRepository) CountDeadJobs(ctx context.Context) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx,
		`SELECT count(*) FROM fulfillment_jobs WHERE status = $1`, string(model.JobDead),
	).Scan(&n)
	if err != nil {
		return 0, storeErr("count dead jobs", err)
	}
	return n, nil
}

func truncateJobError(message string) string {
	if len(message) <= maxJobErrorLen {
		return message
	}
	// Режем по границе руны: PostgreSQL не примет невалидный UTF-8 в text.
	cut := maxJobErrorLen
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}
	return message[:cut]
}

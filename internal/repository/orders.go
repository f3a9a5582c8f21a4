package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/creditstore/internal/apperr"
	"github.com/mmeshcher/creditstore/internal/model"
)

const orderColumns = `id, user_id, product_id, product_name, email, status, price, credits_amount, quantity,
	created_at, completed_at, delivery_link, external_control_id, customer_name`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*model.Order, error) {
	var (
		o      model.Order
		status string
	)
	err := row.Scan(&o.ID, &o.UserID, &o.ProductID, &o.ProductName, &o.Email, &status, &o.Price,
		&o.CreditsAmount, &o.Quantity, &o.CreatedAt, &o.CompletedAt, &o.DeliveryLink,
		&o.ExternalControlID, &o.CustomerName)
	if err != nil {
		return nil, err
	}
	o.Status = model.OrderStatus(status)
	return &o, nil
}

// PlaceOrderInput описывает покупку пакета кредитов со списанием с кошелька.
type PlaceOrderInput struct {
	UserID       uuid.UUID
	Product      model.Product
	Email        string
	CustomerName *string
}

// PlaceOrder в одной транзакции списывает цену продукта с кошелька, пишет операцию покупки,
// создаёт заказ и ставит задание на выдачу кредитов. Строка кошелька блокируется,
// поэтому покупки одного пользователя выполняются последовательно.
func (r *PostgresRepository) PlaceOrder(ctx context.Context, in PlaceOrderInput) (*model.Order, error) {
	var order *model.Order

	err := r.withRetry(ctx, func() error {
		o, err := r.placeOrder(ctx, in)
		order = o
		return err
	})
	if err != nil {
		if errors.Is(err, apperr.ErrInsufficientBalance) {
			return nil, err
		}
		return nil, storeErr("place order", err)
	}

	return order, nil
}

func (r *PostgresRepository) placeOrder(ctx context.Context, in PlaceOrderInput) (*model.Order, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	price := in.Product.Price
	hasWallet := true

	var balance decimal.Decimal
	err = tx.QueryRow(ctx, `SELECT balance FROM wallets WHERE user_id = $1 FOR UPDATE`, in.UserID).Scan(&balance)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("lock wallet: %w", err)
		}
		hasWallet = false
		balance = decimal.Zero
	}

	if balance.LessThan(price) {
		return nil, apperr.ErrInsufficientBalance
	}

	if hasWallet {
		_, err = tx.Exec(ctx,
			`UPDATE wallets SET balance = balance - $2, updated_at = now() WHERE user_id = $1`,
			in.UserID, price,
		)
		if err != nil {
			return nil, fmt.Errorf("debit wallet: %w", err)
		}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO transactions (user_id, type, amount, description) VALUES ($1, $2, $3, $4)`,
		in.UserID, string(model.TransactionPurchase), price.Neg(), "purchase: "+in.Product.Name,
	)
	if err != nil {
		return nil, fmt.Errorf("insert purchase transaction: %w", err)
	}

	order, err := scanOrder(tx.QueryRow(ctx,
		`INSERT INTO orders (user_id, product_id, product_name, email, status, price, credits_amount, customer_name)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING `+orderColumns,
		in.UserID, in.Product.ID, in.Product.Name, in.Email, string(model.OrderStatusCompleted),
		price, in.Product.CreditsAmount, in.CustomerName,
	))
	if err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}

	_, err = tx.Exec(ctx, `INSERT INTO fulfillment_jobs (order_id) VALUES ($1)`, order.ID)
	if err != nil {
		return nil, fmt.Errorf("enqueue fulfillment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return order, nil
}

// GetOrder возвращает заказ по идентификатору.
func (r *PostgresRepository) GetOrder(ctx context.Context, id uuid.UUID) (*model.Order, error) {
	order, err := scanOrder(r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.ErrNotFound
		}
		return nil, storeErr("get order", err)
	}
	return order, nil
}

// GetOrderForUser возвращает заказ, только если он принадлежит пользователю.
func (r *PostgresRepository) GetOrderForUser(ctx context.Context, id, userID uuid.UUID) (*model.Order, error) {
	order, err := scanOrder(r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 AND user_id = $2`, id, userID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.ErrNotFound
		}
		return nil, storeErr("get order", err)
	}
	return order, nil
}

// ListOrdersByUser возвращает заказы пользователя, новые первыми.
func (r *PostgresRepository) ListOrdersByUser(ctx context.Context, userID uuid.UUID) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, storeErr("select orders", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, storeErr("scan order", err)
		}
		orders = append(orders, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, storeErr("rows error", err)
	}

	return orders, nil
}

// ClaimOrder захватывает заказ для выдачи кредитов. Обновление выполняется, только если
// delivery_link ещё пуст, поэтому из параллельных вызовов заказ получает ровно один.
func (r *PostgresRepository) ClaimOrder(ctx context.Context, id uuid.UUID) (bool, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE orders
		 SET delivery_link = $2, fulfillment_state = $3, claimed_at = now()
		 WHERE id = $1 AND delivery_link IS NULL`,
		id, model.ProgressSentinel, string(model.DeliveryClaimed),
	)
	if err != nil {
		return false, storeErr("claim order", err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

// CompleteDelivery фиксирует успешную выдачу кредитов по захваченному заказу.
func (r *PostgresRepository) CompleteDelivery(ctx context.Context, id uuid.UUID, link string, quantity int) error {
	return r.withRetry(ctx, func() error {
		return r.resolveClaim(ctx,
			`UPDATE orders
			 SET delivery_link = $2, fulfillment_state = $3, credits_amount = $4, completed_at = now()
			 WHERE id = $1 AND delivery_link = $5`,
			id, link, string(model.DeliveryDelivered), quantity, model.ProgressSentinel,
		)
	})
}

// FailDelivery фиксирует окончательную ошибку выдачи по захваченному заказу.
func (r *PostgresRepository) FailDelivery(ctx context.Context, id uuid.UUID, reason string) error {
	return r.withRetry(ctx, func() error {
		return r.resolveClaim(ctx,
			`UPDATE orders
			 SET delivery_link = $2, fulfillment_state = $3
			 WHERE id = $1 AND delivery_link = $4`,
			id, model.FailureLink(reason), string(model.DeliveryFailed), model.ProgressSentinel,
		)
	})
}

// ReleaseClaim снимает захват, возвращая delivery_link в NULL. Применяется, только
// если партнёр ещё не вызывался.
func (r *PostgresRepository) ReleaseClaim(ctx context.Context, id uuid.UUID) error {
	return r.withRetry(ctx, func() error {
		return r.resolveClaim(ctx,
			`UPDATE orders
			 SET delivery_link = NULL, fulfillment_state = $2, claimed_at = NULL
			 WHERE id = $1 AND delivery_link = $3`,
			id, string(model.DeliveryUnclaimed), model.ProgressSentinel,
		)
	})
}

func (r *PostgresRepository) resolveClaim(ctx context.Context, sql string, args ...any) error {
	cmdTag, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return storeErr("resolve claim", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrClaimLost
	}
	return nil
}

// ListStaleClaims возвращает заказы, захваченные раньше указанного момента и так и не завершённые.
func (r *PostgresRepository) ListStaleClaims(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM orders
		 WHERE fulfillment_state = $1 AND delivery_link = $2 AND claimed_at < $3
		 ORDER BY claimed_at
		 LIMIT $4`,
		string(model.DeliveryClaimed), model.ProgressSentinel, before, limit,
	)
	if err != nil {
		return nil, storeErr("select stale claims", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, storeErr("scan stale claim", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, storeErr("rows error", err)
	}

	return ids, nil
}

// FailStaleClaim переводит зависший захват в окончательную ошибку, если он всё ещё зависший.
func (r *PostgresRepository) FailStaleClaim(ctx context.Context, id uuid.UUID, before time.Time) (bool, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE orders
		 SET delivery_link = $2, fulfillment_state = $3
		 WHERE id = $1 AND delivery_link = $4 AND claimed_at < $5`,
		id, model.FailureLink(model.FailureStaleClaim), string(model.DeliveryFailed), model.ProgressSentinel, before,
	)
	if err != nil {
		return false, storeErr("fail stale claim", err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

// CancelOrder переводит заказ в статус cancelled. При refund цена заказа возвращается
// на кошелёк не более одного раза.
func (r *PostgresRepository) CancelOrder(ctx context.Context, id uuid.UUID, refund bool) (*model.Order, error) {
	var order *model.Order

	err := r.withRetry(ctx, func() error {
		o, err := r.cancelOrder(ctx, id, refund)
		order = o
		return err
	})
	if err != nil {
		if errors.Is(err, apperr.ErrNotCancellable) || errors.Is(err, apperr.ErrNotFound) {
			return nil, err
		}
		return nil, storeErr("cancel order", err)
	}

	return order, nil
}

func (r *PostgresRepository) cancelOrder(ctx context.Context, id uuid.UUID, refund bool) (*model.Order, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		status     string
		userID     uuid.UUID
		price      decimal.Decimal
		refundedAt *time.Time
	)
	err = tx.QueryRow(ctx,
		`SELECT status, user_id, price, refunded_at FROM orders WHERE id = $1 FOR UPDATE`, id,
	).Scan(&status, &userID, &price, &refundedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.ErrNotFound
		}
		return nil, fmt.Errorf("lock order: %w", err)
	}

	if model.OrderStatus(status) == model.OrderStatusCancelled {
		return nil, apperr.ErrNotCancellable
	}

	if refund && refundedAt == nil && price.IsPositive() {
		_, err = tx.Exec(ctx,
			`INSERT INTO transactions (user_id, type, amount, external_id, description)
			 VALUES ($1, $2, $3, $4, $5)`,
			userID, string(model.TransactionRefund), price, "refund:"+id.String(), "refund: order "+id.String(),
		)
		if err != nil {
			return nil, fmt.Errorf("insert refund transaction: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO wallets (user_id, balance, updated_at)
			 VALUES ($1, $2, now())
			 ON CONFLICT (user_id) DO UPDATE
			 SET balance = wallets.balance + EXCLUDED.balance, updated_at = now()`,
			userID, price,
		)
		if err != nil {
			return nil, fmt.Errorf("credit refund: %w", err)
		}

		if _, err = tx.Exec(ctx, `UPDATE orders SET refunded_at = now() WHERE id = $1`, id); err != nil {
			return nil, fmt.Errorf("mark refunded: %w", err)
		}
	}

	order, err := scanOrder(tx.QueryRow(ctx,
		`UPDATE orders SET status = $2 WHERE id = $1 RETURNING `+orderColumns,
		id, string(model.OrderStatusCancelled),
	))
	if err != nil {
		return nil, fmt.Errorf("update order status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return order, nil
}

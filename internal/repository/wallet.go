package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/creditstore/internal/model"
)

// DepositInput описывает зачисление подтверждённого платежа.
type DepositInput struct {
	UserID      uuid.UUID
	Amount      decimal.Decimal
	PaymentID   string
	Description string
}

// GetWallet возвращает кошелёк пользователя. Отсутствующий кошелёк считается нулевым.
func (r *PostgresRepository) GetWallet(ctx context.Context, userID uuid.UUID) (*model.Wallet, error) {
	w := model.Wallet{UserID: userID}
	err := r.pool.QueryRow(ctx,
		`SELECT balance, updated_at FROM wallets WHERE user_id = $1`,
		userID,
	).Scan(&w.Balance, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			w.Balance = decimal.Zero
			w.UpdatedAt = time.Time{}
			return &w, nil
		}
		return nil, storeErr("get wallet", err)
	}
	return &w, nil
}

// ListTransactions возвращает журнал операций пользователя, новые записи первыми.
func (r *PostgresRepository) ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]model.Transaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, type, amount, external_id, description, created_at
		 FROM transactions
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, storeErr("select transactions", err)
	}
	defer rows.Close()

	var res []model.Transaction
	for rows.Next() {
		var (
			t   model.Transaction
			typ string
		)
		if err := rows.Scan(&t.ID, &t.UserID, &typ, &t.Amount, &t.ExternalID, &t.Description, &t.CreatedAt); err != nil {
			return nil, storeErr("scan transaction", err)
		}
		t.Type = model.TransactionType(typ)
		res = append(res, t)
	}

	if err := rows.Err(); err != nil {
		return nil, storeErr("rows error", err)
	}

	return res, nil
}

// ApplyDeposit атомарно зачисляет платёж на кошелёк. Повторное зачисление того же
// PaymentID ничего не меняет и возвращает model.DepositDuplicate.
func (r *PostgresRepository) ApplyDeposit(ctx context.Context, in DepositInput) (model.DepositResult, error) {
	var result model.DepositResult

	err := r.withRetry(ctx, func() error {
		res, err := r.applyDeposit(ctx, in)
		result = res
		return err
	})
	if err != nil {
		return "", storeErr("apply deposit", err)
	}

	return result, nil
}

func (r *PostgresRepository) applyDeposit(ctx context.Context, in DepositInput) (model.DepositResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	// Уникальный external_id делает вставку идемпотентной: дубликат ждёт коммита первой
	// транзакции и затем ничего не вставляет.
	cmdTag, err := tx.Exec(ctx,
		`INSERT INTO transactions (user_id, type, amount, external_id, description)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (external_id) DO NOTHING`,
		in.UserID, string(model.TransactionDeposit), in.Amount, in.PaymentID, in.Description,
	)
	if err != nil {
		return "", err
	}
	if cmdTag.RowsAffected() == 0 {
		return model.DepositDuplicate, nil
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO wallets (user_id, balance, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (user_id) DO UPDATE
		 SET balance = wallets.balance + EXCLUDED.balance, updated_at = now()`,
		in.UserID, in.Amount,
	)
	if err != nil {
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", err
	}

	return model.DepositApplied, nil
}

package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/creditstore/internal/apperr"
	"github.com/mmeshcher/creditstore/internal/model"
)

// GetActiveProduct возвращает активный продукт по идентификатору.
func (r *PostgresRepository) GetActiveProduct(ctx context.Context, id uuid.UUID) (*model.Product, error) {
	var p model.Product
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, credits_amount, price, active FROM products WHERE id = $1 AND active`,
		id,
	).Scan(&p.ID, &p.Name, &p.CreditsAmount, &p.Price, &p.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.ErrProductNotFound
		}
		return nil, storeErr("get product", err)
	}
	return &p, nil
}

// ListActiveProducts возвращает каталог активных продуктов по возрастанию цены.
func (r *PostgresRepository) ListActiveProducts(ctx context.Context) ([]model.Product, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, credits_amount, price, active FROM products WHERE active ORDER BY price`,
	)
	if err != nil {
		return nil, storeErr("select products", err)
	}
	defer rows.Close()

	var res []model.Product
	for rows.Next() {
		var p model.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.CreditsAmount, &p.Price, &p.Active); err != nil {
			return nil, storeErr("scan product", err)
		}
		res = append(res, p)
	}

	if err := rows.Err(); err != nil {
		return nil, storeErr("rows error", err)
	}

	return res, nil
}

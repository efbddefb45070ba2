package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Lizaveta3333/liza-backend/internal/model"
)

// ProductRepositoryImpl implements ProductRepository using PostgreSQL.
type ProductRepositoryImpl struct {
	pool *pgxpool.Pool
}

// NewProductRepositoryImpl creates a new ProductRepository implementation.
func NewProductRepositoryImpl(pool *pgxpool.Pool) ProductRepository {
	return &ProductRepositoryImpl{pool: pool}
}

// Create creates a product sold by sellerID.
func (r *ProductRepositoryImpl) Create(ctx context.Context, sellerID int64, price float64, stock int) (*model.Product, error) {
	var p model.Product

	err := conn(ctx, r.pool).QueryRow(ctx,
		`INSERT INTO products (seller_id, price, stock) VALUES ($1, $2, $3) RETURNING id, seller_id, price, stock`,
		sellerID, price, stock,
	).Scan(&p.ID, &p.SellerID, &p.Price, &p.Stock)
	if err != nil {
		return nil, fmt.Errorf("failed to create product: %w", err)
	}

	return &p, nil
}

// GetForUpdate reads and locks a product row.
func (r *ProductRepositoryImpl) GetForUpdate(ctx context.Context, id int64) (*model.Product, error) {
	tx, ok := TxFromContext(ctx)
	if !ok {
		return nil, ErrNoTransaction
	}

	var p model.Product

	err := tx.QueryRow(ctx, `SELECT id, seller_id, price, stock FROM products WHERE id = $1 FOR UPDATE`, id).
		Scan(&p.ID, &p.SellerID, &p.Price, &p.Stock)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrProductNotFound
	}

	if err != nil {
		return nil, err
	}

	return &p, nil
}

// AdjustStock adds delta to the product stock.
func (r *ProductRepositoryImpl) AdjustStock(ctx context.Context, id int64, delta int) error {
	tag, err := conn(ctx, r.pool).Exec(ctx,
		`UPDATE products SET stock = stock + $2 WHERE id = $1 AND stock + $2 >= 0`,
		id, delta,
	)
	if err != nil {
		return fmt.Errorf("failed to adjust stock: %w", err)
	}

	if tag.RowsAffected() == 0 {
		var exists bool
		if err := conn(ctx, r.pool).QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, id,
		).Scan(&exists); err != nil {
			return err
		}

		if !exists {
			return model.ErrProductNotFound
		}

		return model.ErrInsufficientStock
	}

	return nil
}

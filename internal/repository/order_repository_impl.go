package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Lizaveta3333/liza-backend/internal/model"
)

const orderColumns = `id, buyer_id, seller_id, product_id, quantity, total_price, status, message, created_at, updated_at`

// OrderRepositoryImpl implements OrderRepository using PostgreSQL.
type OrderRepositoryImpl struct {
	pool *pgxpool.Pool
}

// NewOrderRepositoryImpl creates a new OrderRepository implementation.
func NewOrderRepositoryImpl(pool *pgxpool.Pool) OrderRepository {
	return &OrderRepositoryImpl{pool: pool}
}

// Create inserts a new order.
func (r *OrderRepositoryImpl) Create(ctx context.Context, order *model.Order) (*model.Order, error) {
	row := conn(ctx, r.pool).QueryRow(ctx,
		`INSERT INTO orders (buyer_id, seller_id, product_id, quantity, total_price, status, message)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+orderColumns,
		order.BuyerID, order.SellerID, order.ProductID, order.Quantity, order.TotalPrice, string(order.Status), order.Message,
	)

	created, err := scanOrder(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	return created, nil
}

// GetByID retrieves an order by ID.
func (r *OrderRepositoryImpl) GetByID(ctx context.Context, id int64) (*model.Order, error) {
	order, err := scanOrder(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrOrderNotFound
	}

	return order, err
}

// GetForUpdate reads and locks an order row.
func (r *OrderRepositoryImpl) GetForUpdate(ctx context.Context, id int64) (*model.Order, error) {
	tx, ok := TxFromContext(ctx)
	if !ok {
		return nil, ErrNoTransaction
	}

	order, err := scanOrder(tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrOrderNotFound
	}

	return order, err
}

// Update writes the mutable order fields and bumps updated_at.
func (r *OrderRepositoryImpl) Update(ctx context.Context, order *model.Order) error {
	err := conn(ctx, r.pool).QueryRow(ctx,
		`UPDATE orders
		 SET quantity = $2, total_price = $3, status = $4, message = $5, updated_at = now()
		 WHERE id = $1
		 RETURNING updated_at`,
		order.ID, order.Quantity, order.TotalPrice, string(order.Status), order.Message,
	).Scan(&order.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ErrOrderNotFound
	}

	return err
}

// ListByBuyer lists a buyer's orders, newest first.
func (r *OrderRepositoryImpl) ListByBuyer(ctx context.Context, buyerID int64, limit, offset int) ([]*model.Order, error) {
	return r.list(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE buyer_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`,
		buyerID, limit, offset,
	)
}

// ListBySeller lists orders for a seller's products, newest first.
func (r *OrderRepositoryImpl) ListBySeller(ctx context.Context, sellerID int64, limit, offset int) ([]*model.Order, error) {
	return r.list(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE seller_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`,
		sellerID, limit, offset,
	)
}

func (r *OrderRepositoryImpl) list(ctx context.Context, query string, args ...any) ([]*model.Order, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := []*model.Order{}

	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}

		orders = append(orders, o)
	}

	return orders, rows.Err()
}

func scanOrder(row pgx.Row) (*model.Order, error) {
	var (
		o      model.Order
		status string
	)

	err := row.Scan(&o.ID, &o.BuyerID, &o.SellerID, &o.ProductID, &o.Quantity, &o.TotalPrice, &status, &o.Message,
		&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}

	o.Status = model.OrderStatus(status)

	return &o, nil
}

package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/groupcart/groupbuy-service/internal/domain"
	"github.com/jackc/pgx/v5"
)

// CreateOrderIfAbsent inserts a group-originated order unless one already
// exists for the same (group_id, user_id). The partial unique index on
// orders(group_id, user_id) makes redelivered completion events harmless.
func (r *PostgresRepository) CreateOrderIfAbsent(ctx context.Context, order *domain.Order) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin order tx: %w", err)
	}
	defer tx.Rollback(ctx)

	insertQuery := `
		INSERT INTO orders (id, group_id, user_id, total_amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (group_id, user_id) DO NOTHING
	`
	result, err := tx.Exec(ctx, insertQuery, order.ID, order.GroupID, order.UserID, order.TotalAmount, order.Status)
	if err != nil {
		return false, fmt.Errorf("insert order: %w", err)
	}
	if result.RowsAffected() == 0 {
		// Already materialized by an earlier delivery.
		return false, tx.Commit(ctx)
	}

	if err := insertOrderItems(ctx, tx, order.ID, order.Items); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

// CreateOrder inserts a direct single-buyer order.
func (r *PostgresRepository) CreateOrder(ctx context.Context, order *domain.Order) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin order tx: %w", err)
	}
	defer tx.Rollback(ctx)

	insertQuery := `
		INSERT INTO orders (id, group_id, user_id, total_amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
	`
	if _, err := tx.Exec(ctx, insertQuery, order.ID, order.GroupID, order.UserID, order.TotalAmount, order.Status); err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	if err := insertOrderItems(ctx, tx, order.ID, order.Items); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertOrderItems(ctx context.Context, tx pgx.Tx, orderID uuid.UUID, items []domain.OrderItem) error {
	itemQuery := `
		INSERT INTO order_items (order_id, product_id, quantity, unit_price)
		VALUES ($1, $2, $3, $4)
	`
	for _, item := range items {
		if _, err := tx.Exec(ctx, itemQuery, orderID, item.ProductID, item.Quantity, item.UnitPrice); err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}
	return nil
}

// GetOrder retrieves an order and its items.
func (r *PostgresRepository) GetOrder(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	var order domain.Order
	query := `
		SELECT id, group_id, user_id, total_amount, status, payment_id, created_at, updated_at
		FROM orders
		WHERE id = $1
	`
	err := r.db.QueryRow(ctx, query, orderID).Scan(
		&order.ID, &order.GroupID, &order.UserID, &order.TotalAmount,
		&order.Status, &order.PaymentID, &order.CreatedAt, &order.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}

	rows, err := r.db.Query(ctx, `
		SELECT product_id, quantity, unit_price
		FROM order_items
		WHERE order_id = $1
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ProductID, &item.Quantity, &item.UnitPrice); err != nil {
			return nil, err
		}
		order.Items = append(order.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &order, nil
}

// ListOrdersByGroup returns all orders materialized for a group.
func (r *PostgresRepository) ListOrdersByGroup(ctx context.Context, groupID uuid.UUID) ([]domain.Order, error) {
	query := `
		SELECT id, group_id, user_id, total_amount, status, payment_id, created_at, updated_at
		FROM orders
		WHERE group_id = $1
		ORDER BY created_at ASC
	`
	rows, err := r.db.Query(ctx, query, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		var o domain.Order
		if err := rows.Scan(
			&o.ID, &o.GroupID, &o.UserID, &o.TotalAmount, &o.Status,
			&o.PaymentID, &o.CreatedAt, &o.UpdatedAt,
		); err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

/**
 * @description
 * PostgreSQL implementation of the payment side of the Repository. Payments
 * follow the same optimistic-version discipline as groups, and the partial
 * unique index payments_live_per_order (one row per order_id while status is
 * pending/processing/completed) enforces the at-most-one-live-payment rule
 * even under concurrent CreatePayment calls.
 */

package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/groupcart/groupbuy-service/internal/domain"
	"github.com/jackc/pgx/v5"
)

const paymentColumns = `
	id, order_id, user_id, amount, currency, method, status,
	gateway_payment_id, gateway_raw_response, transaction_fee, refund_id,
	completed_at, version, created_at, updated_at
`

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	var p domain.Payment
	err := row.Scan(
		&p.ID, &p.OrderID, &p.UserID, &p.Amount, &p.Currency, &p.Method, &p.Status,
		&p.GatewayPaymentID, &p.GatewayRawResponse, &p.TransactionFee, &p.RefundID,
		&p.CompletedAt, &p.Version, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &p, nil
}

// CreatePendingPayment inserts a payment at status pending, version 1. The
// row must be durable before the gateway round-trip so a later webhook can
// always be correlated.
func (r *PostgresRepository) CreatePendingPayment(ctx context.Context, payment *domain.Payment) error {
	query := `
		INSERT INTO payments (id, order_id, user_id, amount, currency, method, status, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		payment.ID, payment.OrderID, payment.UserID, payment.Amount,
		payment.Currency, payment.Method, domain.PaymentStatusPending,
	).Scan(&payment.CreatedAt, &payment.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrPaymentExists
		}
		if isForeignKeyViolation(err) {
			return ErrOrderNotFound
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	payment.Status = domain.PaymentStatusPending
	payment.Version = 1
	return nil
}

// AttachGatewayPaymentID records the gateway's id exactly once. The id is
// immutable afterwards; it is the idempotency key webhooks resolve against.
func (r *PostgresRepository) AttachGatewayPaymentID(ctx context.Context, paymentID uuid.UUID, gatewayPaymentID string, rawResponse []byte) error {
	query := `
		UPDATE payments
		SET gateway_payment_id = $2, gateway_raw_response = $3, updated_at = NOW()
		WHERE id = $1 AND gateway_payment_id IS NULL
	`
	result, err := r.db.Exec(ctx, query, paymentID, gatewayPaymentID, rawResponse)
	if err != nil {
		return fmt.Errorf("attach gateway payment id: %w", err)
	}
	if result.RowsAffected() == 0 {
		var exists bool
		if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payments WHERE id = $1)`, paymentID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrPaymentNotFound
		}
		return ErrGatewayIDAlreadySet
	}
	return nil
}

// GetPayment retrieves a payment by its internal id.
func (r *PostgresRepository) GetPayment(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	return scanPayment(r.db.QueryRow(ctx, query, paymentID))
}

// GetPaymentByGatewayID resolves the gateway's payment id to the internal
// payment record. This is the webhook correlation path.
func (r *PostgresRepository) GetPaymentByGatewayID(ctx context.Context, gatewayPaymentID string) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE gateway_payment_id = $1`
	return scanPayment(r.db.QueryRow(ctx, query, gatewayPaymentID))
}

// TransitionPayment applies a status change conditioned on the expected
// version. When the transition carries an order status (paid on completion,
// cancelled on refund), the order row is updated in the same transaction.
func (r *PostgresRepository) TransitionPayment(ctx context.Context, paymentID uuid.UUID, transition PaymentTransition, expectedVersion int64) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transition tx: %w", err)
	}
	defer tx.Rollback(ctx)

	updateQuery := `
		UPDATE payments
		SET status = $3,
		    completed_at = COALESCE($4, completed_at),
		    transaction_fee = COALESCE($5, transaction_fee),
		    refund_id = COALESCE($6, refund_id),
		    gateway_raw_response = COALESCE($7, gateway_raw_response),
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING order_id
	`
	var orderID uuid.UUID
	err = tx.QueryRow(ctx, updateQuery,
		paymentID, expectedVersion, transition.ToStatus,
		transition.CompletedAt, transition.TransactionFee, transition.RefundID, transition.RawResponse,
	).Scan(&orderID)
	if err != nil {
		if err == pgx.ErrNoRows {
			var exists bool
			if scanErr := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payments WHERE id = $1)`, paymentID).Scan(&exists); scanErr != nil {
				return scanErr
			}
			if !exists {
				return ErrPaymentNotFound
			}
			return ErrVersionConflict
		}
		return fmt.Errorf("conditional payment update: %w", err)
	}

	if transition.OrderStatus != "" {
		orderQuery := `
			UPDATE orders
			SET status = $2, payment_id = $3, updated_at = NOW()
			WHERE id = $1
		`
		result, err := tx.Exec(ctx, orderQuery, orderID, transition.OrderStatus, paymentID)
		if err != nil {
			return fmt.Errorf("update linked order: %w", err)
		}
		if result.RowsAffected() == 0 {
			return ErrOrderNotFound
		}
	}

	return tx.Commit(ctx)
}

/**
 * @description
 * This file defines the Payment aggregate and the settlement DTOs. A payment
 * is the sole mutator of its own status; orders observe payment transitions
 * through explicit update calls, never shared state.
 *
 * @notes
 * - The legal transitions form a directed graph with no back edges:
 *   pending -> processing -> completed -> refunded
 *   pending -> processing -> failed
 *   pending -> failed
 * - `GatewayPaymentID` is set at most once and is the idempotency key for
 *   applying gateway webhooks.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Payment statuses.
const (
	PaymentStatusPending    = "pending"
	PaymentStatusProcessing = "processing"
	PaymentStatusCompleted  = "completed"
	PaymentStatusFailed     = "failed"
	PaymentStatusRefunded   = "refunded"
)

// paymentTransitions encodes the forward edges of the settlement state
// machine. Anything not listed here is illegal.
var paymentTransitions = map[string]map[string]bool{
	PaymentStatusPending:    {PaymentStatusProcessing: true, PaymentStatusFailed: true},
	PaymentStatusProcessing: {PaymentStatusCompleted: true, PaymentStatusFailed: true},
	PaymentStatusCompleted:  {PaymentStatusRefunded: true},
}

// IsLegalPaymentTransition reports whether moving from one status to the
// next follows a forward edge of the settlement state machine.
func IsLegalPaymentTransition(from, to string) bool {
	return paymentTransitions[from][to]
}

// IsTerminalPaymentStatus reports whether a payment can never move again
// except along its remaining forward edges (failed and refunded are final;
// completed can still be refunded).
func IsTerminalPaymentStatus(status string) bool {
	return status == PaymentStatusFailed || status == PaymentStatusRefunded
}

// Payment represents one settlement attempt for an order. At most one
// non-terminal payment may exist per order at any time.
type Payment struct {
	ID                 uuid.UUID  `json:"id" db:"id"`
	OrderID            uuid.UUID  `json:"order_id" db:"order_id"`
	UserID             uuid.UUID  `json:"user_id" db:"user_id"`
	Amount             int64      `json:"amount" db:"amount"` // in halalas
	Currency           string     `json:"currency" db:"currency"`
	Method             string     `json:"method" db:"method"`
	Status             string     `json:"status" db:"status"`
	GatewayPaymentID   *string    `json:"gateway_payment_id,omitempty" db:"gateway_payment_id"`
	GatewayRawResponse []byte     `json:"-" db:"gateway_raw_response"`
	TransactionFee     *int64     `json:"transaction_fee,omitempty" db:"transaction_fee"`
	RefundID           *string    `json:"refund_id,omitempty" db:"refund_id"`
	CompletedAt        *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	Version            int64      `json:"-" db:"version"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at" db:"updated_at"`
}

// CreatePaymentRequest is the DTO for initiating settlement of an order.
type CreatePaymentRequest struct {
	OrderID  uuid.UUID `json:"order_id"`
	Amount   int64     `json:"amount"` // in halalas
	Currency string    `json:"currency"`
	Method   string    `json:"method"`
}

// CreatePaymentResponse carries the persisted payment plus the redirect
// handle the buyer needs to confirm the charge with the gateway.
type CreatePaymentResponse struct {
	Payment     *Payment `json:"payment"`
	RedirectURL string   `json:"redirect_url,omitempty"`
}

// RefundRequest is the DTO for refunding a completed payment.
type RefundRequest struct {
	Amount int64 `json:"amount"` // in halalas
}

// GatewayWebhookEvent is the payload the payment gateway delivers to the
// webhook endpoint. Delivery is at-least-once; the handler must be safely
// callable any number of times with the same payload.
type GatewayWebhookEvent struct {
	EventID          string `json:"event_id"`
	GatewayPaymentID string `json:"gateway_payment_id"`
	Status           string `json:"status"`
	TransactionFee   *int64 `json:"transaction_fee,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

/**
 * @description
 * This file contains the payment settlement adapter: charge creation against
 * the external gateway, the webhook-driven state machine, and refunds.
 *
 * Key invariants:
 * - The payment row is durable as `pending` before the gateway round-trip,
 *   so a webhook can always be correlated regardless of response ordering.
 * - Webhook application is idempotent: duplicate deliveries and backward
 *   edges are successful no-ops, so the gateway's at-least-once delivery
 *   loop always converges.
 * - `gateway_payment_id` is set once and never changes; it is the
 *   idempotency key.
 */

package app

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/groupcart/groupbuy-service/internal/domain"
	"github.com/groupcart/groupbuy-service/internal/store"
	"github.com/groupcart/groupbuy-service/pkg/gatewayclient"
)

// GatewayAPI is the slice of the gateway client the settlement adapter
// consumes. Declared here so tests can substitute the gateway.
type GatewayAPI interface {
	CreateCharge(ctx context.Context, req gatewayclient.ChargeRequest) (*gatewayclient.ChargeResponse, error)
	CreateRefund(ctx context.Context, gatewayPaymentID string, amount int64) (*gatewayclient.RefundResponse, error)
	DefaultCurrency() string
}

// Settlement drives payments through their state machine.
type Settlement struct {
	repo          store.Repository
	gateway       GatewayAPI
	webhookSecret string
	maxRetries    int
	backoff       time.Duration
	now           func() time.Time
}

// NewSettlement creates a new settlement adapter.
func NewSettlement(repo store.Repository, gateway GatewayAPI, webhookSecret string, maxRetries int, backoff time.Duration) *Settlement {
	if maxRetries <= 0 {
		maxRetries = defaultJoinMaxRetries
	}
	if backoff <= 0 {
		backoff = defaultJoinBackoff
	}
	return &Settlement{
		repo:          repo,
		gateway:       gateway,
		webhookSecret: webhookSecret,
		maxRetries:    maxRetries,
		backoff:       backoff,
		now:           time.Now,
	}
}

// SetClock overrides the time source for tests.
func (s *Settlement) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// CreateOrder persists a direct single-buyer order (no group involved).
func (s *Settlement) CreateOrder(ctx context.Context, userID uuid.UUID, req domain.CreateOrderRequest) (*domain.Order, error) {
	if len(req.Items) == 0 {
		return nil, ErrInvalidAmount
	}
	order := &domain.Order{
		ID:     uuid.New(),
		UserID: userID,
		Items:  req.Items,
		Status: domain.OrderStatusPending,
	}
	for _, item := range req.Items {
		if item.Quantity <= 0 || item.UnitPrice <= 0 {
			return nil, ErrInvalidAmount
		}
	}
	order.TotalAmount = order.ItemsTotal()

	if err := s.repo.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	log.Printf("level=info component=settlement op=create_order order_id=%s user_id=%s total=%d", order.ID, userID, order.TotalAmount)
	return order, nil
}

// GetOrder returns an order projection.
func (s *Settlement) GetOrder(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	return s.repo.GetOrder(ctx, orderID)
}

// CreatePayment initiates settlement of an order. The pending payment row
// is written before the gateway call; the gateway id attaches afterwards,
// exactly once. A transport failure leaves the pending row in place as a
// recoverable record and surfaces ErrUpstreamUnavailable; a definitive
// gateway rejection marks the payment failed so the caller can retry with a
// fresh payment.
func (s *Settlement) CreatePayment(ctx context.Context, userID uuid.UUID, req domain.CreatePaymentRequest) (*domain.CreatePaymentResponse, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	order, err := s.repo.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, store.ErrOrderNotFound
	}
	if req.Amount != order.TotalAmount {
		return nil, ErrInvalidAmount
	}

	currency := strings.TrimSpace(req.Currency)
	if currency == "" {
		currency = s.gateway.DefaultCurrency()
	}

	payment := &domain.Payment{
		ID:       uuid.New(),
		OrderID:  order.ID,
		UserID:   userID,
		Amount:   req.Amount,
		Currency: currency,
		Method:   req.Method,
	}
	if err := s.repo.CreatePendingPayment(ctx, payment); err != nil {
		return nil, err
	}

	charge, err := s.gateway.CreateCharge(ctx, gatewayclient.ChargeRequest{
		Amount:    payment.Amount,
		Currency:  payment.Currency,
		Method:    payment.Method,
		Reference: payment.ID.String(),
	})
	if err != nil {
		if errors.Is(err, gatewayclient.ErrUpstreamUnavailable) {
			// Ambiguous outcome: the charge may or may not exist upstream.
			// Leave the pending row for reconciliation.
			log.Printf("level=warn component=settlement op=create_payment outcome=upstream_unavailable payment_id=%s order_id=%s err=%v", payment.ID, order.ID, err)
			return nil, err
		}
		// Definitive rejection: close this payment out so a retry can open
		// a fresh one.
		s.failPayment(ctx, payment.ID)
		log.Printf("level=warn component=settlement op=create_payment outcome=rejected payment_id=%s order_id=%s err=%v", payment.ID, order.ID, err)
		return nil, err
	}

	if err := s.repo.AttachGatewayPaymentID(ctx, payment.ID, charge.ID, charge.Raw); err != nil {
		return nil, fmt.Errorf("attach gateway id: %w", err)
	}
	gatewayID := charge.ID
	payment.GatewayPaymentID = &gatewayID
	payment.GatewayRawResponse = charge.Raw

	log.Printf("level=info component=settlement op=create_payment outcome=pending payment_id=%s order_id=%s gateway_payment_id=%s amount=%d currency=%s",
		payment.ID, order.ID, charge.ID, payment.Amount, payment.Currency)

	return &domain.CreatePaymentResponse{Payment: payment, RedirectURL: charge.RedirectURL}, nil
}

func (s *Settlement) failPayment(ctx context.Context, paymentID uuid.UUID) {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		payment, err := s.repo.GetPayment(ctx, paymentID)
		if err != nil {
			log.Printf("level=error component=settlement msg=\"failed payment lookup during close-out\" payment_id=%s err=%v", paymentID, err)
			return
		}
		if !domain.IsLegalPaymentTransition(payment.Status, domain.PaymentStatusFailed) {
			return
		}
		err = s.repo.TransitionPayment(ctx, paymentID, store.PaymentTransition{ToStatus: domain.PaymentStatusFailed}, payment.Version)
		if err == nil || !errors.Is(err, store.ErrVersionConflict) {
			if err != nil {
				log.Printf("level=error component=settlement msg=\"payment close-out failed\" payment_id=%s err=%v", paymentID, err)
			}
			return
		}
	}
}

// GetPayment returns a payment projection.
func (s *Settlement) GetPayment(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	return s.repo.GetPayment(ctx, paymentID)
}

// VerifyWebhookSignature checks the HMAC-SHA256 of the raw payload in
// constant time. Nothing else happens before this passes.
func (s *Settlement) VerifyWebhookSignature(signature string, rawPayload []byte) error {
	header := strings.TrimSpace(signature)
	header = strings.TrimPrefix(header, "sha256=")
	if header == "" {
		return ErrInvalidSignature
	}

	provided, err := hex.DecodeString(header)
	if err != nil {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(s.webhookSecret))
	mac.Write(rawPayload)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}

// HandleWebhook applies a gateway status notification. Duplicate deliveries
// and illegal or backward edges are successful no-ops so the gateway stops
// retrying; only signature failures and malformed payloads are rejected.
func (s *Settlement) HandleWebhook(ctx context.Context, signature string, rawPayload []byte) error {
	if err := s.VerifyWebhookSignature(signature, rawPayload); err != nil {
		return err
	}

	var event domain.GatewayWebhookEvent
	if err := json.Unmarshal(rawPayload, &event); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if strings.TrimSpace(event.GatewayPaymentID) == "" {
		return fmt.Errorf("%w: missing gateway_payment_id", ErrMalformedPayload)
	}

	target := normalizeGatewayStatus(event.Status)
	if target == "" {
		return fmt.Errorf("%w: unknown status %q", ErrMalformedPayload, event.Status)
	}

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		payment, err := s.repo.GetPaymentByGatewayID(ctx, event.GatewayPaymentID)
		if err != nil {
			return err
		}

		// The gateway may collapse or reorder its processing notification,
		// so a completed report on a pending payment hops through
		// processing instead of being dropped.
		step := target
		if payment.Status == domain.PaymentStatusPending && target == domain.PaymentStatusCompleted {
			step = domain.PaymentStatusProcessing
		}

		if payment.Status == target || !domain.IsLegalPaymentTransition(payment.Status, step) {
			// Duplicate delivery or stale replay; already settled.
			log.Printf("level=info component=settlement op=webhook outcome=noop payment_id=%s current=%s reported=%s",
				payment.ID, payment.Status, target)
			return nil
		}

		transition := store.PaymentTransition{
			ToStatus:       step,
			TransactionFee: event.TransactionFee,
			RawResponse:    rawPayload,
		}
		if step == domain.PaymentStatusCompleted {
			completedAt := s.now()
			transition.CompletedAt = &completedAt
			transition.OrderStatus = domain.OrderStatusPaid
		}

		switch err := s.repo.TransitionPayment(ctx, payment.ID, transition, payment.Version); {
		case err == nil:
			log.Printf("level=info component=settlement op=webhook outcome=applied payment_id=%s from=%s to=%s",
				payment.ID, payment.Status, step)
			if step != target {
				continue
			}
			return nil
		case errors.Is(err, store.ErrVersionConflict):
			continue
		default:
			return err
		}
	}
	return ErrContention
}

// Refund refunds a completed payment through the gateway, then transitions
// it to refunded and cancels the linked order. Validation happens before
// any mutation.
func (s *Settlement) Refund(ctx context.Context, paymentID uuid.UUID, amount int64) (*domain.Payment, error) {
	payment, err := s.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if amount <= 0 || amount > payment.Amount {
		return nil, ErrInvalidRefundAmount
	}
	if payment.Status != domain.PaymentStatusCompleted {
		return nil, ErrPaymentNotRefundable
	}
	if payment.GatewayPaymentID == nil {
		return nil, ErrPaymentNotRefundable
	}

	refund, err := s.gateway.CreateRefund(ctx, *payment.GatewayPaymentID, amount)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		refundID := refund.ID
		transition := store.PaymentTransition{
			ToStatus:    domain.PaymentStatusRefunded,
			OrderStatus: domain.OrderStatusCancelled,
			RefundID:    &refundID,
			RawResponse: refund.Raw,
		}
		switch err := s.repo.TransitionPayment(ctx, payment.ID, transition, payment.Version); {
		case err == nil:
			log.Printf("level=info component=settlement op=refund outcome=applied payment_id=%s refund_id=%s amount=%d",
				payment.ID, refund.ID, amount)
			return s.repo.GetPayment(ctx, payment.ID)
		case errors.Is(err, store.ErrVersionConflict):
			payment, err = s.repo.GetPayment(ctx, payment.ID)
			if err != nil {
				return nil, err
			}
			if payment.Status == domain.PaymentStatusRefunded {
				// A concurrent writer already recorded the refund.
				return payment, nil
			}
			if payment.Status != domain.PaymentStatusCompleted {
				return nil, ErrPaymentNotRefundable
			}
			continue
		default:
			return nil, err
		}
	}
	return nil, ErrContention
}

// normalizeGatewayStatus maps the gateway's vocabulary onto the internal
// state machine.
func normalizeGatewayStatus(status string) string {
	switch strings.TrimSpace(strings.ToLower(status)) {
	case "completed", "successful", "success", "paid":
		return domain.PaymentStatusCompleted
	case "processing", "initiated", "in_progress":
		return domain.PaymentStatusProcessing
	case "failed", "failure", "declined":
		return domain.PaymentStatusFailed
	case "refunded":
		return domain.PaymentStatusRefunded
	default:
		return ""
	}
}

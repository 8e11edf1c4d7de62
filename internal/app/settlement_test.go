package app

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/groupcart/groupbuy-service/internal/domain"
	"github.com/groupcart/groupbuy-service/internal/store"
	"github.com/groupcart/groupbuy-service/pkg/gatewayclient"
)

const testWebhookSecret = "whsec_test"

type stubGateway struct {
	chargeErr error
	refundErr error

	chargeCalls int
	refundCalls int

	lastChargeReq  gatewayclient.ChargeRequest
	lastRefundAmt  int64
	lastRefundedID string
}

func (g *stubGateway) CreateCharge(ctx context.Context, req gatewayclient.ChargeRequest) (*gatewayclient.ChargeResponse, error) {
	g.chargeCalls++
	g.lastChargeReq = req
	if g.chargeErr != nil {
		return nil, g.chargeErr
	}
	return &gatewayclient.ChargeResponse{
		ID:          fmt.Sprintf("gw_pay_%d", g.chargeCalls),
		Status:      "initiated",
		RedirectURL: "https://gateway.example/confirm/abc",
		Raw:         []byte(`{"id":"gw_pay"}`),
	}, nil
}

func (g *stubGateway) CreateRefund(ctx context.Context, gatewayPaymentID string, amount int64) (*gatewayclient.RefundResponse, error) {
	g.refundCalls++
	g.lastRefundedID = gatewayPaymentID
	g.lastRefundAmt = amount
	if g.refundErr != nil {
		return nil, g.refundErr
	}
	return &gatewayclient.RefundResponse{
		ID:     fmt.Sprintf("gw_ref_%d", g.refundCalls),
		Status: "refunded",
		Raw:    []byte(`{"id":"gw_ref"}`),
	}, nil
}

func (g *stubGateway) DefaultCurrency() string { return "SAR" }

func newTestSettlement(repo store.Repository, gateway GatewayAPI) *Settlement {
	return NewSettlement(repo, gateway, testWebhookSecret, 10, time.Millisecond)
}

func seedOrder(t *testing.T, repo *memoryStore, userID uuid.UUID, total int64) *domain.Order {
	t.Helper()
	order := &domain.Order{
		ID:     uuid.New(),
		UserID: userID,
		Items: []domain.OrderItem{{
			ProductID: uuid.New(),
			Quantity:  1,
			UnitPrice: total,
		}},
		TotalAmount: total,
		Status:      domain.OrderStatusPending,
	}
	if err := repo.CreateOrder(context.Background(), order); err != nil {
		t.Fatalf("seed order: %v", err)
	}
	return order
}

func signPayload(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func webhookPayload(t *testing.T, gatewayPaymentID, status string) []byte {
	t.Helper()
	body, err := json.Marshal(domain.GatewayWebhookEvent{
		EventID:          uuid.NewString(),
		GatewayPaymentID: gatewayPaymentID,
		Status:           status,
	})
	if err != nil {
		t.Fatalf("marshal webhook payload: %v", err)
	}
	return body
}

func TestCreatePayment_PersistsPendingBeforeGatewayCall(t *testing.T) {
	repo := newMemoryStore()
	gateway := &stubGateway{}
	settlement := newTestSettlement(repo, gateway)

	userID := uuid.New()
	order := seedOrder(t, repo, userID, 1000)

	resp, err := settlement.CreatePayment(context.Background(), userID, domain.CreatePaymentRequest{
		OrderID: order.ID,
		Amount:  1000,
		Method:  "card",
	})
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}
	if resp.RedirectURL == "" {
		t.Fatal("expected a redirect URL")
	}
	if resp.Payment.Currency != "SAR" {
		t.Fatalf("expected default currency SAR, got %q", resp.Payment.Currency)
	}
	if resp.Payment.GatewayPaymentID == nil {
		t.Fatal("expected gateway payment id to be attached")
	}
	if gateway.lastChargeReq.Reference != resp.Payment.ID.String() {
		t.Fatalf("expected charge reference %s, got %s", resp.Payment.ID, gateway.lastChargeReq.Reference)
	}

	stored, err := repo.GetPayment(context.Background(), resp.Payment.ID)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if stored.Status != domain.PaymentStatusPending {
		t.Fatalf("expected pending payment, got %q", stored.Status)
	}
}

func TestCreatePayment_RejectsNonPositiveAmount(t *testing.T) {
	settlement := newTestSettlement(newMemoryStore(), &stubGateway{})

	_, err := settlement.CreatePayment(context.Background(), uuid.New(), domain.CreatePaymentRequest{
		OrderID: uuid.New(),
		Amount:  0,
	})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestCreatePayment_RejectsAmountMismatch(t *testing.T) {
	repo := newMemoryStore()
	settlement := newTestSettlement(repo, &stubGateway{})

	userID := uuid.New()
	order := seedOrder(t, repo, userID, 1000)

	_, err := settlement.CreatePayment(context.Background(), userID, domain.CreatePaymentRequest{
		OrderID: order.ID,
		Amount:  999,
	})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for amount != order total, got %v", err)
	}
}

func TestCreatePayment_RejectsForeignOrder(t *testing.T) {
	repo := newMemoryStore()
	settlement := newTestSettlement(repo, &stubGateway{})

	order := seedOrder(t, repo, uuid.New(), 1000)

	_, err := settlement.CreatePayment(context.Background(), uuid.New(), domain.CreatePaymentRequest{
		OrderID: order.ID,
		Amount:  1000,
	})
	if !errors.Is(err, store.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound for foreign order, got %v", err)
	}
}

func TestCreatePayment_RejectsSecondLivePayment(t *testing.T) {
	repo := newMemoryStore()
	settlement := newTestSettlement(repo, &stubGateway{})

	userID := uuid.New()
	order := seedOrder(t, repo, userID, 1000)
	req := domain.CreatePaymentRequest{OrderID: order.ID, Amount: 1000}

	if _, err := settlement.CreatePayment(context.Background(), userID, req); err != nil {
		t.Fatalf("first payment: %v", err)
	}
	if _, err := settlement.CreatePayment(context.Background(), userID, req); !errors.Is(err, store.ErrPaymentExists) {
		t.Fatalf("expected ErrPaymentExists, got %v", err)
	}
}

func TestCreatePayment_LeavesPendingOnTransportFailure(t *testing.T) {
	repo := newMemoryStore()
	gateway := &stubGateway{chargeErr: gatewayclient.ErrUpstreamUnavailable}
	settlement := newTestSettlement(repo, gateway)

	userID := uuid.New()
	order := seedOrder(t, repo, userID, 1000)

	_, err := settlement.CreatePayment(context.Background(), userID, domain.CreatePaymentRequest{
		OrderID: order.ID,
		Amount:  1000,
	})
	if !errors.Is(err, gatewayclient.ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}

	// The pending row must survive for reconciliation, so a retry is
	// rejected until it is resolved.
	if _, err := settlement.CreatePayment(context.Background(), userID, domain.CreatePaymentRequest{
		OrderID: order.ID,
		Amount:  1000,
	}); !errors.Is(err, store.ErrPaymentExists) {
		t.Fatalf("expected ErrPaymentExists while pending row is live, got %v", err)
	}
}

func TestCreatePayment_MarksFailedOnDefinitiveRejection(t *testing.T) {
	repo := newMemoryStore()
	gateway := &stubGateway{chargeErr: &gatewayclient.ErrorResponse{}}
	settlement := newTestSettlement(repo, gateway)

	userID := uuid.New()
	order := seedOrder(t, repo, userID, 1000)
	req := domain.CreatePaymentRequest{OrderID: order.ID, Amount: 1000}

	_, err := settlement.CreatePayment(context.Background(), userID, req)
	var gatewayErr *gatewayclient.ErrorResponse
	if !errors.As(err, &gatewayErr) {
		t.Fatalf("expected gateway rejection, got %v", err)
	}

	// The rejected payment closed out as failed, so a fresh attempt opens.
	gateway.chargeErr = nil
	if _, err := settlement.CreatePayment(context.Background(), userID, req); err != nil {
		t.Fatalf("retry after rejection should succeed, got %v", err)
	}
}

func TestHandleWebhook_RejectsInvalidSignature(t *testing.T) {
	repo := newMemoryStore()
	settlement := newTestSettlement(repo, &stubGateway{})

	payload := webhookPayload(t, "gw_pay_1", "completed")
	err := settlement.HandleWebhook(context.Background(), "deadbeef", payload)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	err = settlement.HandleWebhook(context.Background(), "", payload)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for missing header, got %v", err)
	}
}

func TestHandleWebhook_RejectsMalformedPayload(t *testing.T) {
	settlement := newTestSettlement(newMemoryStore(), &stubGateway{})

	payload := []byte("{not json")
	err := settlement.HandleWebhook(context.Background(), signPayload(payload), payload)
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}

	payload = []byte(`{"status":"completed"}`)
	err = settlement.HandleWebhook(context.Background(), signPayload(payload), payload)
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload for missing gateway id, got %v", err)
	}
}

func createLivePayment(t *testing.T, repo *memoryStore, settlement *Settlement) *domain.Payment {
	t.Helper()
	userID := uuid.New()
	order := seedOrder(t, repo, userID, 1000)
	resp, err := settlement.CreatePayment(context.Background(), userID, domain.CreatePaymentRequest{
		OrderID: order.ID,
		Amount:  1000,
		Method:  "card",
	})
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}
	return resp.Payment
}

func TestHandleWebhook_CompletesPaymentAndMarksOrderPaid(t *testing.T) {
	repo := newMemoryStore()
	settlement := newTestSettlement(repo, &stubGateway{})
	payment := createLivePayment(t, repo, settlement)

	payload := webhookPayload(t, *payment.GatewayPaymentID, "completed")
	if err := settlement.HandleWebhook(context.Background(), signPayload(payload), payload); err != nil {
		t.Fatalf("webhook: %v", err)
	}

	stored, _ := repo.GetPayment(context.Background(), payment.ID)
	if stored.Status != domain.PaymentStatusCompleted {
		t.Fatalf("expected completed payment, got %q", stored.Status)
	}
	if stored.CompletedAt == nil {
		t.Fatal("expected completed_at to be stamped")
	}

	order, _ := repo.GetOrder(context.Background(), payment.OrderID)
	if order.Status != domain.OrderStatusPaid {
		t.Fatalf("expected order paid, got %q", order.Status)
	}
	if order.PaymentID == nil || *order.PaymentID != payment.ID {
		t.Fatalf("expected order linked to payment %s", payment.ID)
	}
}

func TestHandleWebhook_DuplicateDeliveryIsNoOp(t *testing.T) {
	repo := newMemoryStore()
	settlement := newTestSettlement(repo, &stubGateway{})
	payment := createLivePayment(t, repo, settlement)

	payload := webhookPayload(t, *payment.GatewayPaymentID, "completed")
	if err := settlement.HandleWebhook(context.Background(), signPayload(payload), payload); err != nil {
		t.Fatalf("first delivery: %v", err)
	}

	first, _ := repo.GetPayment(context.Background(), payment.ID)

	if err := settlement.HandleWebhook(context.Background(), signPayload(payload), payload); err != nil {
		t.Fatalf("duplicate delivery must succeed, got %v", err)
	}

	second, _ := repo.GetPayment(context.Background(), payment.ID)
	if !second.CompletedAt.Equal(*first.CompletedAt) {
		t.Fatalf("duplicate delivery must not move completed_at: %v vs %v", first.CompletedAt, second.CompletedAt)
	}
	if second.Version != first.Version {
		t.Fatalf("duplicate delivery must not write: version %d vs %d", first.Version, second.Version)
	}
}

func TestHandleWebhook_IgnoresBackwardEdge(t *testing.T) {
	repo := newMemoryStore()
	settlement := newTestSettlement(repo, &stubGateway{})
	payment := createLivePayment(t, repo, settlement)

	completed := webhookPayload(t, *payment.GatewayPaymentID, "completed")
	if err := settlement.HandleWebhook(context.Background(), signPayload(completed), completed); err != nil {
		t.Fatalf("completed delivery: %v", err)
	}

	// A late processing replay must not regress the payment.
	processing := webhookPayload(t, *payment.GatewayPaymentID, "processing")
	if err := settlement.HandleWebhook(context.Background(), signPayload(processing), processing); err != nil {
		t.Fatalf("stale replay must succeed, got %v", err)
	}

	stored, _ := repo.GetPayment(context.Background(), payment.ID)
	if stored.Status != domain.PaymentStatusCompleted {
		t.Fatalf("expected payment to stay completed, got %q", stored.Status)
	}
}

func TestHandleWebhook_FailsPendingPayment(t *testing.T) {
	repo := newMemoryStore()
	settlement := newTestSettlement(repo, &stubGateway{})
	payment := createLivePayment(t, repo, settlement)

	payload := webhookPayload(t, *payment.GatewayPaymentID, "failed")
	if err := settlement.HandleWebhook(context.Background(), signPayload(payload), payload); err != nil {
		t.Fatalf("webhook: %v", err)
	}

	stored, _ := repo.GetPayment(context.Background(), payment.ID)
	if stored.Status != domain.PaymentStatusFailed {
		t.Fatalf("expected failed payment, got %q", stored.Status)
	}
}

func TestHandleWebhook_UnknownGatewayID(t *testing.T) {
	settlement := newTestSettlement(newMemoryStore(), &stubGateway{})

	payload := webhookPayload(t, "gw_pay_unknown", "completed")
	err := settlement.HandleWebhook(context.Background(), signPayload(payload), payload)
	if !errors.Is(err, store.ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
}

func completedPayment(t *testing.T, repo *memoryStore, settlement *Settlement) *domain.Payment {
	t.Helper()
	payment := createLivePayment(t, repo, settlement)
	payload := webhookPayload(t, *payment.GatewayPaymentID, "completed")
	if err := settlement.HandleWebhook(context.Background(), signPayload(payload), payload); err != nil {
		t.Fatalf("complete payment: %v", err)
	}
	stored, err := repo.GetPayment(context.Background(), payment.ID)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	return stored
}

func TestRefund_RefundsCompletedPayment(t *testing.T) {
	repo := newMemoryStore()
	gateway := &stubGateway{}
	settlement := newTestSettlement(repo, gateway)
	payment := completedPayment(t, repo, settlement)

	refunded, err := settlement.Refund(context.Background(), payment.ID, payment.Amount)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refunded.Status != domain.PaymentStatusRefunded {
		t.Fatalf("expected refunded payment, got %q", refunded.Status)
	}
	if refunded.RefundID == nil {
		t.Fatal("expected refund id to be recorded")
	}
	if gateway.lastRefundedID != *payment.GatewayPaymentID {
		t.Fatalf("expected gateway refund for %s, got %s", *payment.GatewayPaymentID, gateway.lastRefundedID)
	}
	if gateway.lastRefundAmt != payment.Amount {
		t.Fatalf("expected refund amount %d, got %d", payment.Amount, gateway.lastRefundAmt)
	}

	order, _ := repo.GetOrder(context.Background(), payment.OrderID)
	if order.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled order, got %q", order.Status)
	}
}

func TestRefund_RejectsOutOfBoundsAmountBeforeAnyMutation(t *testing.T) {
	repo := newMemoryStore()
	gateway := &stubGateway{}
	settlement := newTestSettlement(repo, gateway)
	payment := completedPayment(t, repo, settlement)

	if _, err := settlement.Refund(context.Background(), payment.ID, payment.Amount+50); !errors.Is(err, ErrInvalidRefundAmount) {
		t.Fatalf("expected ErrInvalidRefundAmount for overdrawn refund, got %v", err)
	}
	if _, err := settlement.Refund(context.Background(), payment.ID, 0); !errors.Is(err, ErrInvalidRefundAmount) {
		t.Fatalf("expected ErrInvalidRefundAmount for zero refund, got %v", err)
	}
	if gateway.refundCalls != 0 {
		t.Fatalf("rejected refunds must not reach the gateway, got %d calls", gateway.refundCalls)
	}

	stored, _ := repo.GetPayment(context.Background(), payment.ID)
	if stored.Status != domain.PaymentStatusCompleted {
		t.Fatalf("rejected refund must not change the payment, got %q", stored.Status)
	}
}

func TestRefund_RejectsNonCompletedPayment(t *testing.T) {
	repo := newMemoryStore()
	gateway := &stubGateway{}
	settlement := newTestSettlement(repo, gateway)
	payment := createLivePayment(t, repo, settlement)

	if _, err := settlement.Refund(context.Background(), payment.ID, payment.Amount); !errors.Is(err, ErrPaymentNotRefundable) {
		t.Fatalf("expected ErrPaymentNotRefundable for pending payment, got %v", err)
	}
	if gateway.refundCalls != 0 {
		t.Fatalf("rejected refunds must not reach the gateway, got %d calls", gateway.refundCalls)
	}
}

func TestRefund_RepeatedRefundRejected(t *testing.T) {
	repo := newMemoryStore()
	settlement := newTestSettlement(repo, &stubGateway{})
	payment := completedPayment(t, repo, settlement)

	if _, err := settlement.Refund(context.Background(), payment.ID, payment.Amount); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if _, err := settlement.Refund(context.Background(), payment.ID, payment.Amount); !errors.Is(err, ErrPaymentNotRefundable) {
		t.Fatalf("expected ErrPaymentNotRefundable for second refund, got %v", err)
	}
}

/**
 * @description
 * This file contains the HTTP handlers for the settlement endpoints: payment
 * creation, refunds, and the payment gateway webhook. The webhook handler
 * reads the raw body before any parsing so the signature covers exactly the
 * bytes the gateway signed.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/groupcart/groupbuy-service/internal/app"
	"github.com/groupcart/groupbuy-service/internal/domain"
	"github.com/groupcart/groupbuy-service/internal/store"
	"github.com/groupcart/groupbuy-service/pkg/gatewayclient"
)

const gatewaySignatureHeader = "X-Gateway-Signature"

// maxWebhookBody caps how much of a webhook payload is read.
const maxWebhookBody = 1 << 20

// CreatePaymentHandler initiates settlement of an order.
func (h *GroupBuyHandlers) CreatePaymentHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticatedUserID(w, r)
	if !ok {
		return
	}

	var req domain.CreatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=create_payment outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	resp, err := h.settlement.CreatePayment(r.Context(), userID, req)
	if err != nil {
		var gatewayErr *gatewayclient.ErrorResponse
		switch {
		case errors.Is(err, app.ErrInvalidAmount):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, store.ErrOrderNotFound):
			h.writeError(w, http.StatusNotFound, "Order not found")
		case errors.Is(err, store.ErrPaymentExists):
			h.writeError(w, http.StatusConflict, "A payment for this order is already in progress")
		case errors.Is(err, gatewayclient.ErrUpstreamUnavailable):
			h.writeError(w, http.StatusBadGateway, "Payment gateway is unavailable. Please retry.")
		case errors.As(err, &gatewayErr):
			h.writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("Payment was declined: %v", gatewayErr))
		default:
			log.Printf("level=error component=api endpoint=create_payment outcome=error user_id=%s order_id=%s err=%v", userID, req.OrderID, err)
			h.writeError(w, http.StatusInternalServerError, "Failed to create payment")
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, resp)
}

// GetPaymentHandler returns a single payment.
func (h *GroupBuyHandlers) GetPaymentHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticatedUserID(w, r)
	if !ok {
		return
	}

	paymentID, err := uuid.Parse(chi.URLParam(r, "paymentID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid payment ID format")
		return
	}

	payment, err := h.settlement.GetPayment(r.Context(), paymentID)
	if err != nil {
		if errors.Is(err, store.ErrPaymentNotFound) {
			h.writeError(w, http.StatusNotFound, "Payment not found")
			return
		}
		log.Printf("level=error component=api endpoint=get_payment outcome=error payment_id=%s err=%v", paymentID, err)
		h.writeError(w, http.StatusInternalServerError, "Failed to fetch payment")
		return
	}
	if payment.UserID != userID {
		h.writeError(w, http.StatusNotFound, "Payment not found")
		return
	}

	h.writeJSON(w, http.StatusOK, payment)
}

// RefundPaymentHandler refunds a completed payment. This is an internal
// endpoint; customer support and the ops tooling call it, not buyers.
func (h *GroupBuyHandlers) RefundPaymentHandler(w http.ResponseWriter, r *http.Request) {
	paymentID, err := uuid.Parse(chi.URLParam(r, "paymentID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid payment ID format")
		return
	}

	var req domain.RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=refund_payment outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	payment, err := h.settlement.Refund(r.Context(), paymentID, req.Amount)
	if err != nil {
		var gatewayErr *gatewayclient.ErrorResponse
		switch {
		case errors.Is(err, store.ErrPaymentNotFound):
			h.writeError(w, http.StatusNotFound, "Payment not found")
		case errors.Is(err, app.ErrInvalidRefundAmount):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, app.ErrPaymentNotRefundable):
			h.writeError(w, http.StatusConflict, "Payment is not in a refundable state")
		case errors.Is(err, gatewayclient.ErrUpstreamUnavailable):
			h.writeError(w, http.StatusBadGateway, "Payment gateway is unavailable. Please retry.")
		case errors.As(err, &gatewayErr):
			h.writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("Refund was declined: %v", gatewayErr))
		case errors.Is(err, app.ErrContention):
			w.Header().Set("Retry-After", "1")
			h.writeError(w, http.StatusServiceUnavailable, "Payment is busy. Please retry.")
		default:
			log.Printf("level=error component=api endpoint=refund_payment outcome=error payment_id=%s err=%v", paymentID, err)
			h.writeError(w, http.StatusInternalServerError, "Failed to refund payment")
		}
		return
	}

	log.Printf("level=info component=api endpoint=refund_payment outcome=refunded payment_id=%s amount=%d", paymentID, req.Amount)
	h.writeJSON(w, http.StatusOK, payment)
}

// PaymentWebhookHandler receives status notifications from the payment
// gateway. The signature is verified over the raw body before anything else
// happens; duplicate deliveries return 200 so the gateway stops retrying.
func (h *GroupBuyHandlers) PaymentWebhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		log.Printf("level=warn component=api endpoint=payment_webhook outcome=reject reason=body_read_failed err=%v", err)
		h.writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	err = h.settlement.HandleWebhook(r.Context(), r.Header.Get(gatewaySignatureHeader), body)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrInvalidSignature):
			log.Printf("level=warn component=api endpoint=payment_webhook outcome=reject reason=invalid_signature")
			h.writeError(w, http.StatusUnauthorized, "Invalid signature")
		case errors.Is(err, app.ErrMalformedPayload):
			log.Printf("level=warn component=api endpoint=payment_webhook outcome=reject reason=malformed_payload err=%v", err)
			h.writeError(w, http.StatusBadRequest, "Malformed payload")
		case errors.Is(err, store.ErrPaymentNotFound):
			// Unknown gateway id. Refusing with 404 makes the gateway retry
			// until the charge record lands, which covers delivery racing
			// the charge response.
			h.writeError(w, http.StatusNotFound, "Payment not found")
		case errors.Is(err, app.ErrContention):
			w.Header().Set("Retry-After", "1")
			h.writeError(w, http.StatusServiceUnavailable, "Busy. Please retry.")
		default:
			log.Printf("level=error component=api endpoint=payment_webhook outcome=error err=%v", err)
			h.writeError(w, http.StatusInternalServerError, "Failed to process webhook")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

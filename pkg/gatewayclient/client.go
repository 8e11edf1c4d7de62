/**
 * @description
 * This package provides a client for the external payment gateway. It
 * encapsulates authenticated HTTP requests for creating charges and refunds,
 * request body construction, and response parsing.
 *
 * @notes
 * - The gateway is unreliable: transport failures, timeouts and 5xx
 *   responses surface as ErrUpstreamUnavailable so callers can retry with
 *   backoff; 4xx responses decode into ErrorResponse, a definitive
 *   rejection.
 * - Currency and the fee schedule are explicit construction config, not
 *   ambient state.
 */
package gatewayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// ErrUpstreamUnavailable is returned when the gateway cannot be reached or
// answers with a server error. Callers treat it as retryable.
var ErrUpstreamUnavailable = errors.New("payment gateway unavailable")

// Config carries the gateway settings the client is constructed with.
type Config struct {
	BaseURL         string
	APIKey          string
	DefaultCurrency string
	Timeout         time.Duration
}

// Client is a client for the payment gateway API.
type Client struct {
	baseURL         string
	apiKey          string
	defaultCurrency string
	httpClient      *http.Client
}

// NewClient creates a new payment gateway client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	currency := cfg.DefaultCurrency
	if currency == "" {
		currency = "SAR"
	}
	return &Client{
		baseURL:         cfg.BaseURL,
		apiKey:          cfg.APIKey,
		defaultCurrency: currency,
		httpClient:      &http.Client{Timeout: timeout},
	}
}

// DefaultCurrency returns the currency charges fall back to when the caller
// does not specify one.
func (c *Client) DefaultCurrency() string {
	return c.defaultCurrency
}

// ChargeRequest is the payload for creating a charge.
type ChargeRequest struct {
	Amount      int64  `json:"amount"` // smallest currency unit
	Currency    string `json:"currency"`
	Method      string `json:"method"`
	Reference   string `json:"reference"` // internal payment id
	Description string `json:"description,omitempty"`
}

// ChargeResponse is the gateway's answer to a charge creation.
type ChargeResponse struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	RedirectURL    string `json:"redirect_url,omitempty"`
	TransactionFee int64  `json:"transaction_fee,omitempty"`
	Raw            []byte `json:"-"`
}

// RefundRequest is the payload for refunding a charge.
type RefundRequest struct {
	Amount int64 `json:"amount"`
}

// RefundResponse is the gateway's answer to a refund request.
type RefundResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Raw    []byte `json:"-"`
}

// ErrorResponse represents a definitive rejection from the gateway.
type ErrorResponse struct {
	Errors []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Status string `json:"status"`
	} `json:"errors"`
}

func (e *ErrorResponse) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("gateway error: %s - %s", e.Errors[0].Title, e.Errors[0].Detail)
	}
	return "unknown gateway error"
}

// CreateCharge asks the gateway to create a charge and returns the gateway
// payment id plus the redirect handle the buyer confirms with.
func (c *Client) CreateCharge(ctx context.Context, req ChargeRequest) (*ChargeResponse, error) {
	if req.Currency == "" {
		req.Currency = c.defaultCurrency
	}

	body, err := c.doRequest(ctx, http.MethodPost, "/v1/charges", req, "create_charge")
	if err != nil {
		return nil, err
	}

	var resp ChargeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode charge response: %w", err)
	}
	resp.Raw = body
	return &resp, nil
}

// CreateRefund asks the gateway to refund (part of) a settled charge.
func (c *Client) CreateRefund(ctx context.Context, gatewayPaymentID string, amount int64) (*RefundResponse, error) {
	path := fmt.Sprintf("/v1/charges/%s/refunds", gatewayPaymentID)
	body, err := c.doRequest(ctx, http.MethodPost, path, RefundRequest{Amount: amount}, "create_refund")
	if err != nil {
		return nil, err
	}

	var resp RefundResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode refund response: %w", err)
	}
	resp.Raw = body
	return &resp, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, payload interface{}, op string) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-gateway-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("level=warn component=gateway_client op=%s msg=\"transport failure\" err=%v", op, err)
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", op, err)
	}

	if resp.StatusCode >= 500 {
		log.Printf("level=warn component=gateway_client op=%s status=%d msg=\"server error\"", op, resp.StatusCode)
		return nil, fmt.Errorf("%w: status %d", ErrUpstreamUnavailable, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=gateway_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, resp.StatusCode)
			return nil, fmt.Errorf("decode error response (status %d)", resp.StatusCode)
		}
		return nil, &errResp
	}

	return bodyBytes, nil
}

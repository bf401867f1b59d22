// Package gateway is a small client for the payment gateway's payment request
// and batch disbursement endpoints.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"payroll-settlement/internal/config"
)

// ErrMissingID means the gateway answered 2xx without an identifier.
var ErrMissingID = errors.New("gateway: response missing id")

// APIError is a non-2xx gateway response.
type APIError struct {
	StatusCode int
	ErrorCode  string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway: status %d: %s: %s", e.StatusCode, e.ErrorCode, e.Message)
}

// Temporary reports whether retrying the same call may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// PaymentRequest asks the gateway to collect a payment into a virtual account.
type PaymentRequest struct {
	Amount       int64
	Currency     string
	ReferenceID  string
	ChannelCode  string
	CustomerName string
	Metadata     map[string]any
}

// PaymentRequestResult is the part of the gateway's answer the pipeline keeps.
type PaymentRequestResult struct {
	ID            string
	Status        string
	AccountNumber string
}

// DisbursementItem is one payout line of a batch.
type DisbursementItem struct {
	ExternalID        string `json:"external_id"`
	Amount            int64  `json:"amount"`
	BankCode          string `json:"bank_code"`
	AccountHolderName string `json:"bank_account_name"`
	AccountNumber     string `json:"bank_account_number"`
	Description       string `json:"description"`
}

// BatchResult is the gateway's answer to a batch disbursement.
type BatchResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Client talks to the gateway over HTTPS with basic auth.
type Client struct {
	baseURL   string
	secretKey string
	http      *http.Client
}

func New(cfg config.Config) *Client {
	timeout := cfg.GatewayTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:   cfg.GatewayBaseURL,
		secretKey: cfg.GatewaySecretKey,
		http:      &http.Client{Timeout: timeout},
	}
}

type paymentRequestBody struct {
	Amount        int64          `json:"amount"`
	Currency      string         `json:"currency"`
	ReferenceID   string         `json:"reference_id"`
	PaymentMethod paymentMethod  `json:"payment_method"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type paymentMethod struct {
	Type           string         `json:"type"`
	Reusability    string         `json:"reusability"`
	VirtualAccount virtualAccount `json:"virtual_account"`
}

type virtualAccount struct {
	ChannelCode       string            `json:"channel_code"`
	ChannelProperties channelProperties `json:"channel_properties"`
}

type channelProperties struct {
	CustomerName string `json:"customer_name"`
}

type paymentRequestResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	PaymentMethod struct {
		VirtualAccount struct {
			ChannelProperties struct {
				VirtualAccountNumber string `json:"virtual_account_number"`
			} `json:"channel_properties"`
		} `json:"virtual_account"`
	} `json:"payment_method"`
}

// CreatePaymentRequest opens a one-time virtual account payment.
func (c *Client) CreatePaymentRequest(ctx context.Context, req PaymentRequest) (PaymentRequestResult, error) {
	body := paymentRequestBody{
		Amount:      req.Amount,
		Currency:    req.Currency,
		ReferenceID: req.ReferenceID,
		PaymentMethod: paymentMethod{
			Type:        "VIRTUAL_ACCOUNT",
			Reusability: "ONE_TIME_USE",
			VirtualAccount: virtualAccount{
				ChannelCode:       req.ChannelCode,
				ChannelProperties: channelProperties{CustomerName: req.CustomerName},
			},
		},
		Metadata: req.Metadata,
	}
	var out paymentRequestResponse
	if err := c.do(ctx, "/payment_requests", req.ReferenceID, body, &out); err != nil {
		return PaymentRequestResult{}, fmt.Errorf("create payment request %s: %w", req.ReferenceID, err)
	}
	if out.ID == "" {
		return PaymentRequestResult{}, fmt.Errorf("create payment request %s: %w", req.ReferenceID, ErrMissingID)
	}
	return PaymentRequestResult{
		ID:            out.ID,
		Status:        out.Status,
		AccountNumber: out.PaymentMethod.VirtualAccount.ChannelProperties.VirtualAccountNumber,
	}, nil
}

type batchBody struct {
	Reference     string             `json:"reference"`
	Disbursements []DisbursementItem `json:"disbursements"`
}

// CreateBatchDisbursement submits every item in one call. The reference doubles
// as the idempotency key so a resubmitted batch is deduplicated by the gateway.
func (c *Client) CreateBatchDisbursement(ctx context.Context, reference string, items []DisbursementItem) (BatchResult, error) {
	var out BatchResult
	if err := c.do(ctx, "/batch_disbursements", reference, batchBody{Reference: reference, Disbursements: items}, &out); err != nil {
		return BatchResult{}, fmt.Errorf("create batch disbursement %s: %w", reference, err)
	}
	if out.ID == "" {
		return BatchResult{}, fmt.Errorf("create batch disbursement %s: %w", reference, ErrMissingID)
	}
	return out, nil
}

type errorBody struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

func (c *Client) do(ctx context.Context, path, idempotencyKey string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.secretKey, "")
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("X-IDEMPOTENCY-KEY", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var eb errorBody
		if json.Unmarshal(raw, &eb) == nil {
			apiErr.ErrorCode = eb.ErrorCode
			apiErr.Message = eb.Message
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

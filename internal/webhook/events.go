package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"payroll-settlement/internal/models"
)

// Class is the kind of provider event, derived from the envelope's event name.
type Class int

const (
	ClassUnknown Class = iota
	ClassPaymentRequest
	ClassPayment
	ClassDisbursement
)

func (c Class) String() string {
	switch c {
	case ClassPaymentRequest:
		return "payment_request"
	case ClassPayment:
		return "payment"
	case ClassDisbursement:
		return "disbursement"
	default:
		return "unknown"
	}
}

func classify(event string) Class {
	switch {
	case strings.HasPrefix(event, "payment_request."):
		return ClassPaymentRequest
	case strings.HasPrefix(event, "payment."):
		return ClassPayment
	case event == "disbursement":
		return ClassDisbursement
	default:
		return ClassUnknown
	}
}

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type paymentRequestEvent struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type paymentEvent struct {
	ID               string `json:"id"`
	PaymentRequestID string `json:"payment_request_id"`
	Status           string `json:"status"`
}

type disbursementEvent struct {
	ExternalID string `json:"external_id"`
	Status     string `json:"status"`
	BatchID    string `json:"batch_id"`
}

func decodeEnvelope(body []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return envelope{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if env.Event == "" {
		return envelope{}, fmt.Errorf("%w: missing event name", ErrMalformedEvent)
	}
	return env, nil
}

// decodeData decodes the event payload, which must be a JSON object.
func decodeData(raw json.RawMessage, dst any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return fmt.Errorf("%w: data must be an object", ErrMalformedEvent)
	}
	if err := json.Unmarshal(trimmed, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return nil
}

// transactionStatusFor maps a provider payment status to the transaction's terminal status.
// Both SUCCEEDED and PAID are accepted as the paid signal.
func transactionStatusFor(status string) (models.TransactionStatus, bool) {
	switch status {
	case "SUCCEEDED", "PAID":
		return models.TransactionPaid, true
	case "FAILED":
		return models.TransactionFailed, true
	case "EXPIRED":
		return models.TransactionExpired, true
	default:
		return "", false
	}
}

func payrollStatusFor(status string) (models.PayrollStatus, bool) {
	switch status {
	case "COMPLETED":
		return models.PayrollPaid, true
	case "FAILED":
		return models.PayrollFailed, true
	default:
		return "", false
	}
}

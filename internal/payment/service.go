// Package payment starts payroll payments: it validates the request against the
// period's payrolls, opens a gateway payment request and records the PENDING
// transaction the webhook router later settles.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"payroll-settlement/internal/gateway"
	"payroll-settlement/internal/models"
	"payroll-settlement/internal/ratelimit"
	"payroll-settlement/internal/store"
	"payroll-settlement/internal/telemetry"
)

var (
	ErrInvalidRequest     = errors.New("payment: invalid request")
	ErrNotFound           = errors.New("payment: not found")
	ErrAmountMismatch     = errors.New("payment: total amount does not match payroll data")
	ErrUnsupportedChannel = errors.New("payment: unsupported virtual account type")
	ErrOpenTransaction    = errors.New("payment: period already has a pending transaction")
	ErrRateLimited        = errors.New("payment: too many payment requests")
)

const defaultCustomerName = "Default HR Name"

// Store is what initiation needs from the transaction store.
type Store interface {
	ListPayrollsByPeriod(ctx context.Context, periodID int64) ([]models.Payroll, error)
	HasOpenTransaction(ctx context.Context, periodID int64) (bool, error)
	CreateTransaction(ctx context.Context, p store.CreateTransactionParams) (models.PaymentTransaction, error)
	FindTransactionByID(ctx context.Context, id int64) (models.PaymentTransaction, bool, error)
}

// Gateway opens payment requests.
type Gateway interface {
	CreatePaymentRequest(ctx context.Context, req gateway.PaymentRequest) (gateway.PaymentRequestResult, error)
}

// Limiter throttles initiation per user.
type Limiter interface {
	AllowUser(ctx context.Context, userID int64) (ratelimit.Decision, error)
}

// Cache holds read copies of transactions.
type Cache interface {
	TransactionKey(id int64) string
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, v any) error
}

// InitiateRequest is the body of POST /payments/initiate.
type InitiateRequest struct {
	PayrollPeriodID int64  `json:"payrollPeriodId"`
	TotalAmount     int64  `json:"totalAmount"`
	VAType          string `json:"vaType"`
	CustomerName    string `json:"customerName,omitempty"`
}

// Initiation is what the caller needs to complete the payment.
type Initiation struct {
	Transaction          models.PaymentTransaction `json:"transaction"`
	PaymentRequestID     string                    `json:"paymentRequestId"`
	ChannelCode          string                    `json:"channelCode"`
	VirtualAccountNumber string                    `json:"virtualAccountNumber,omitempty"`
}

// Service implements payment initiation and lookup.
type Service struct {
	store    Store
	gateway  Gateway
	limiter  Limiter
	cache    Cache
	currency string
	log      *slog.Logger
}

// NewService wires the service. limiter and cache may be nil.
func NewService(st Store, gw Gateway, limiter Limiter, cache Cache, currency string, logger *slog.Logger) *Service {
	if currency == "" {
		currency = "IDR"
	}
	return &Service{store: st, gateway: gw, limiter: limiter, cache: cache, currency: currency, log: logger}
}

func channelCode(vaType string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(vaType)) {
	case "bca":
		return "BCA", true
	case "bni":
		return "BNI", true
	case "bri":
		return "BRI", true
	case "mandiri":
		return "MANDIRI", true
	default:
		return "", false
	}
}

// Initiate opens a payment request for the whole period on behalf of userID.
func (s *Service) Initiate(ctx context.Context, userID int64, req InitiateRequest) (Initiation, error) {
	if userID <= 0 || req.PayrollPeriodID <= 0 || req.TotalAmount <= 0 {
		return Initiation{}, ErrInvalidRequest
	}
	if s.limiter != nil {
		d, err := s.limiter.AllowUser(ctx, userID)
		if err != nil {
			// Redis trouble should not block payroll; let the request through.
			s.log.Warn("rate limiter unavailable", "user_id", userID, "err", err)
		} else if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			return Initiation{}, ErrRateLimited
		}
	}

	payrolls, err := s.store.ListPayrollsByPeriod(ctx, req.PayrollPeriodID)
	if err != nil {
		return Initiation{}, fmt.Errorf("list payrolls: %w", err)
	}
	if len(payrolls) == 0 {
		return Initiation{}, fmt.Errorf("%w: no payrolls for period %d", ErrNotFound, req.PayrollPeriodID)
	}
	var total int64
	for _, p := range payrolls {
		total += p.NetSalary
	}
	if total != req.TotalAmount {
		return Initiation{}, fmt.Errorf("%w: expected %d, got %d", ErrAmountMismatch, total, req.TotalAmount)
	}
	channel, ok := channelCode(req.VAType)
	if !ok {
		return Initiation{}, fmt.Errorf("%w: %q", ErrUnsupportedChannel, req.VAType)
	}
	open, err := s.store.HasOpenTransaction(ctx, req.PayrollPeriodID)
	if err != nil {
		return Initiation{}, fmt.Errorf("check open transaction: %w", err)
	}
	if open {
		return Initiation{}, ErrOpenTransaction
	}

	customer := req.CustomerName
	if customer == "" {
		customer = defaultCustomerName
	}
	reference := fmt.Sprintf("pr-%d-%s", req.PayrollPeriodID, uuid.NewString())
	pr, err := s.gateway.CreatePaymentRequest(ctx, gateway.PaymentRequest{
		Amount:       total,
		Currency:     s.currency,
		ReferenceID:  reference,
		ChannelCode:  channel,
		CustomerName: customer,
		Metadata:     map[string]any{"payrollPeriodId": fmt.Sprint(req.PayrollPeriodID)},
	})
	if err != nil {
		return Initiation{}, err
	}

	tx, err := s.store.CreateTransaction(ctx, store.CreateTransactionParams{
		PayrollPeriodID:          req.PayrollPeriodID,
		TotalAmount:              total,
		PaymentMethod:            models.PaymentMethodPaymentRequest,
		PaidByID:                 userID,
		ReferenceID:              reference,
		ExternalPaymentRequestID: pr.ID,
	})
	if errors.Is(err, store.ErrOpenTransaction) {
		s.log.Error("concurrent initiation left an orphan payment request", "payment_request_id", pr.ID, "payroll_period_id", req.PayrollPeriodID)
		return Initiation{}, ErrOpenTransaction
	}
	if err != nil {
		return Initiation{}, fmt.Errorf("save transaction for %s: %w", pr.ID, err)
	}
	s.log.Info("payment initiated", "transaction_id", tx.ID, "payroll_period_id", tx.PayrollPeriodID,
		"payment_request_id", pr.ID, "amount", total, "user_id", userID)

	return Initiation{
		Transaction:          tx,
		PaymentRequestID:     pr.ID,
		ChannelCode:          channel,
		VirtualAccountNumber: pr.AccountNumber,
	}, nil
}

// GetTransaction reads a transaction, preferring the cache.
func (s *Service) GetTransaction(ctx context.Context, id int64) (models.PaymentTransaction, error) {
	var key string
	if s.cache != nil {
		key = s.cache.TransactionKey(id)
		var cached models.PaymentTransaction
		if hit, err := s.cache.Get(ctx, key, &cached); err == nil && hit {
			return cached, nil
		}
	}
	tx, found, err := s.store.FindTransactionByID(ctx, id)
	if err != nil {
		return models.PaymentTransaction{}, fmt.Errorf("find transaction %d: %w", id, err)
	}
	if !found {
		return models.PaymentTransaction{}, fmt.Errorf("%w: transaction %d", ErrNotFound, id)
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, key, tx); err != nil {
			s.log.Warn("cache fill failed", "transaction_id", id, "err", err)
		}
	}
	return tx, nil
}

// Package webhook turns payment provider callbacks into once-only transitions
// of payment transactions and payrolls.
package webhook

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"payroll-settlement/internal/models"
	"payroll-settlement/internal/store"
	"payroll-settlement/internal/telemetry"
)

var (
	// ErrUnauthorized means the callback token did not match the configured secret.
	ErrUnauthorized = errors.New("webhook: invalid callback token")
	// ErrMalformedEvent means the body could not be decoded into a known event shape.
	ErrMalformedEvent = errors.New("webhook: malformed event")
)

// EventPayrollStatusUpdate is the real-time event sent when a payroll is paid out or fails.
const EventPayrollStatusUpdate = "payroll_status_update"

// Outcome describes what a handled callback did.
type Outcome string

const (
	OutcomeApplied           Outcome = "applied"
	OutcomeDuplicate         Outcome = "duplicate"
	OutcomeRedispatched      Outcome = "redispatched"
	OutcomeNotFound          Outcome = "not_found"
	OutcomeIgnored           Outcome = "ignored"
	OutcomeCorrelationFailed Outcome = "correlation_failed"
)

// Store is the part of the transaction store the router drives.
type Store interface {
	FindTransactionByExternalID(ctx context.Context, externalID string) (models.PaymentTransaction, bool, error)
	FindTransactionByBatchID(ctx context.Context, periodID int64, batchID string) (models.PaymentTransaction, bool, error)
	ConfirmTransactionPaid(ctx context.Context, id int64) (store.Result, error)
	MarkTransactionTerminal(ctx context.Context, id int64, from, to models.TransactionStatus) (store.Result, error)
	FindOutboxEntry(ctx context.Context, transactionID int64) (models.OutboxEntry, bool, error)
	FindPayroll(ctx context.Context, id int64) (models.Payroll, bool, error)
	MarkPayrollTerminal(ctx context.Context, payrollID int64, to models.PayrollStatus, paidAt *time.Time) (store.Result, error)
}

// Dispatcher publishes the disbursement job of a paid transaction.
type Dispatcher interface {
	Dispatch(ctx context.Context, transactionID int64) error
}

// Notifier pushes an event to a user's live connections.
type Notifier interface {
	Broadcast(userID int64, event string, payload any, excludeConnID string) (int, error)
}

// Cache drops stale read copies after a transition.
type Cache interface {
	TransactionKey(id int64) string
	PeriodKey(periodID int64) string
	Invalidate(ctx context.Context, keys ...string) error
}

// StatusUpdate is the payload of EventPayrollStatusUpdate.
type StatusUpdate struct {
	PayrollID       int64                `json:"payrollId"`
	Status          models.PayrollStatus `json:"status"`
	EmployeeID      int64                `json:"employeeId"`
	PayrollPeriodID int64                `json:"payrollPeriodId"`
}

// Router authenticates, classifies and applies provider callbacks.
type Router struct {
	secret     [sha256.Size]byte
	hasSecret  bool
	store      Store
	dispatcher Dispatcher
	notifier   Notifier
	cache      Cache
	log        *slog.Logger
	now        func() time.Time
}

// NewRouter builds a router. cache may be nil. An empty secret rejects every callback.
func NewRouter(secret string, st Store, d Dispatcher, n Notifier, cache Cache, logger *slog.Logger) *Router {
	return &Router{
		secret:     sha256.Sum256([]byte(secret)),
		hasSecret:  secret != "",
		store:      st,
		dispatcher: d,
		notifier:   n,
		cache:      cache,
		log:        logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (r *Router) authenticate(token string) bool {
	got := sha256.Sum256([]byte(token))
	return r.hasSecret && subtle.ConstantTimeCompare(got[:], r.secret[:]) == 1
}

// Handle processes one callback body. A nil error means the provider should be
// told "ok", whether or not anything changed.
func (r *Router) Handle(ctx context.Context, token string, body []byte) (Outcome, error) {
	if !r.authenticate(token) {
		telemetry.WebhookEvents.WithLabelValues("unknown", "unauthorized").Inc()
		return "", ErrUnauthorized
	}
	env, err := decodeEnvelope(body)
	if err != nil {
		telemetry.WebhookEvents.WithLabelValues("unknown", "malformed").Inc()
		return "", err
	}

	class := classify(env.Event)
	var out Outcome
	switch class {
	case ClassPaymentRequest:
		var ev paymentRequestEvent
		if err = decodeData(env.Data, &ev); err == nil {
			if ev.ID == "" {
				err = fmt.Errorf("%w: %s without data.id", ErrMalformedEvent, env.Event)
			} else {
				out, err = r.settle(ctx, ev.ID, ev.Status)
			}
		}
	case ClassPayment:
		var ev paymentEvent
		if err = decodeData(env.Data, &ev); err == nil {
			if ev.PaymentRequestID == "" {
				err = fmt.Errorf("%w: %s without data.payment_request_id", ErrMalformedEvent, env.Event)
			} else {
				out, err = r.settle(ctx, ev.PaymentRequestID, ev.Status)
			}
		}
	case ClassDisbursement:
		var ev disbursementEvent
		if err = decodeData(env.Data, &ev); err == nil {
			out, err = r.disbursementResult(ctx, ev)
		}
	default:
		r.log.Warn("unhandled webhook event", "event", env.Event)
		out = OutcomeIgnored
	}

	label := string(out)
	switch {
	case errors.Is(err, ErrMalformedEvent):
		label = "malformed"
	case err != nil:
		label = "error"
	}
	telemetry.WebhookEvents.WithLabelValues(class.String(), label).Inc()
	return out, err
}

// settle applies a payment status to the transaction created for the
// provider's payment request.
func (r *Router) settle(ctx context.Context, externalID, status string) (Outcome, error) {
	tx, found, err := r.store.FindTransactionByExternalID(ctx, externalID)
	if err != nil {
		return "", fmt.Errorf("find transaction %s: %w", externalID, err)
	}
	if !found {
		r.log.Warn("transaction not found for payment request", "payment_request_id", externalID, "status", status)
		return OutcomeNotFound, nil
	}
	to, ok := transactionStatusFor(status)
	if !ok {
		r.log.Info("payment status needs no transition", "transaction_id", tx.ID, "status", status)
		return OutcomeIgnored, nil
	}

	if to != models.TransactionPaid {
		res, err := r.store.MarkTransactionTerminal(ctx, tx.ID, models.TransactionPending, to)
		if err != nil {
			return "", fmt.Errorf("mark transaction %d %s: %w", tx.ID, to, err)
		}
		if res != store.Applied {
			telemetry.DuplicateDeliveries.WithLabelValues("transaction").Inc()
			r.log.Info("transaction already processed", "transaction_id", tx.ID, "status", status)
			return OutcomeDuplicate, nil
		}
		telemetry.Transitions.WithLabelValues("transaction", string(to)).Inc()
		r.invalidate(ctx, tx)
		r.log.Info("transaction settled", "transaction_id", tx.ID, "status", to)
		return OutcomeApplied, nil
	}

	res, err := r.store.ConfirmTransactionPaid(ctx, tx.ID)
	if err != nil {
		return "", fmt.Errorf("confirm transaction %d: %w", tx.ID, err)
	}
	if res == store.Applied {
		telemetry.Transitions.WithLabelValues("transaction", string(models.TransactionPaid)).Inc()
		telemetry.Transitions.WithLabelValues("payroll_period", string(models.PayrollProcessing)).Inc()
		r.invalidate(ctx, tx)
		r.log.Info("transaction paid, payrolls processing", "transaction_id", tx.ID, "payroll_period_id", tx.PayrollPeriodID)
		if err := r.dispatcher.Dispatch(ctx, tx.ID); err != nil {
			return OutcomeApplied, err
		}
		return OutcomeApplied, nil
	}

	telemetry.DuplicateDeliveries.WithLabelValues("transaction").Inc()
	// A retry after a failed publish: the swap is done but the job never went out.
	entry, found, err := r.store.FindOutboxEntry(ctx, tx.ID)
	if err != nil {
		return "", fmt.Errorf("find outbox entry %d: %w", tx.ID, err)
	}
	if found && entry.DispatchedAt == nil && entry.Attempts > 0 {
		r.log.Info("re-dispatching disbursement job", "transaction_id", tx.ID, "attempts", entry.Attempts)
		if err := r.dispatcher.Dispatch(ctx, tx.ID); err != nil {
			return OutcomeDuplicate, err
		}
		return OutcomeRedispatched, nil
	}
	r.log.Info("transaction already processed", "transaction_id", tx.ID, "status", status)
	return OutcomeDuplicate, nil
}

func (r *Router) invalidate(ctx context.Context, tx models.PaymentTransaction) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Invalidate(ctx, r.cache.TransactionKey(tx.ID), r.cache.PeriodKey(tx.PayrollPeriodID)); err != nil {
		r.log.Warn("cache invalidation failed", "transaction_id", tx.ID, "err", err)
	}
}

func (r *Router) invalidatePeriod(ctx context.Context, periodID int64) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Invalidate(ctx, r.cache.PeriodKey(periodID)); err != nil {
		r.log.Warn("cache invalidation failed", "payroll_period_id", periodID, "err", err)
	}
}

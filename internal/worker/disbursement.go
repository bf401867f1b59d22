package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"payroll-settlement/internal/archive"
	"payroll-settlement/internal/gateway"
	"payroll-settlement/internal/models"
	"payroll-settlement/internal/queue"
	"payroll-settlement/internal/store"
)

// Store is what the disbursement handler reads and writes.
type Store interface {
	FindTransactionByID(ctx context.Context, id int64) (models.PaymentTransaction, bool, error)
	ListPayrollsForDisbursement(ctx context.Context, periodID int64) ([]models.PayrollDisbursement, error)
	RecordBatchID(ctx context.Context, transactionID int64, batchID string) (store.Result, error)
}

// Gateway submits batch payouts.
type Gateway interface {
	CreateBatchDisbursement(ctx context.Context, reference string, items []gateway.DisbursementItem) (gateway.BatchResult, error)
}

// Cache drops read-side entries the handler makes stale.
type Cache interface {
	TransactionKey(id int64) string
	PeriodKey(periodID int64) string
	Invalidate(ctx context.Context, keys ...string) error
}

// Receipt is the archived record of one submitted batch.
type Receipt struct {
	TransactionID   int64                      `json:"transactionId"`
	PayrollPeriodID int64                      `json:"payrollPeriodId"`
	Reference       string                     `json:"reference"`
	BatchID         string                     `json:"batchId"`
	BatchStatus     string                     `json:"batchStatus"`
	Items           []gateway.DisbursementItem `json:"items"`
	SubmittedAt     time.Time                  `json:"submittedAt"`
}

// DisbursementHandler pays out every payroll of a PAID transaction in one batch.
type DisbursementHandler struct {
	store   Store
	gateway Gateway
	archive archive.Uploader
	cache   Cache
	log     *slog.Logger
	now     func() time.Time
}

// NewDisbursementHandler wires the handler. uploader may be nil to skip receipts.
func NewDisbursementHandler(st Store, gw Gateway, uploader archive.Uploader, logger *slog.Logger) *DisbursementHandler {
	return &DisbursementHandler{store: st, gateway: gw, archive: uploader, log: logger, now: time.Now}
}

// WithCache makes the handler invalidate cached reads once a batch id is recorded.
func (h *DisbursementHandler) WithCache(c Cache) *DisbursementHandler {
	h.cache = c
	return h
}

// BatchReference is the gateway reference and idempotency key of a transaction's payout.
func BatchReference(transactionID int64) string {
	return fmt.Sprintf("transaction-%d", transactionID)
}

// Handle processes one disbursement job message.
func (h *DisbursementHandler) Handle(ctx context.Context, msg queue.Message) error {
	var job models.DisbursementJob
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		return Permanent(fmt.Errorf("decode disbursement job: %w", err))
	}
	if job.TransactionID <= 0 {
		return Permanent(errors.New("disbursement job without transaction id"))
	}
	log := h.log.With("transaction_id", job.TransactionID)

	tx, found, err := h.store.FindTransactionByID(ctx, job.TransactionID)
	if err != nil {
		return fmt.Errorf("load transaction: %w", err)
	}
	if !found {
		return Permanent(fmt.Errorf("transaction %d not found", job.TransactionID))
	}
	if tx.Status != models.TransactionPaid {
		return Permanent(fmt.Errorf("transaction %d is %s, not PAID", tx.ID, tx.Status))
	}
	if tx.BatchDisbursementID != nil {
		log.Info("batch already submitted", "batch_id", *tx.BatchDisbursementID)
		return nil
	}

	payrolls, err := h.store.ListPayrollsForDisbursement(ctx, tx.PayrollPeriodID)
	if err != nil {
		return fmt.Errorf("load payrolls: %w", err)
	}
	if len(payrolls) == 0 {
		return Permanent(fmt.Errorf("no payrolls to disburse for period %d", tx.PayrollPeriodID))
	}

	items := make([]gateway.DisbursementItem, 0, len(payrolls))
	for _, p := range payrolls {
		bank, account := p.Employee.Destination()
		items = append(items, gateway.DisbursementItem{
			ExternalID:        models.PayrollExternalID(p.Payroll.ID),
			Amount:            p.Payroll.NetSalary,
			BankCode:          bank,
			AccountHolderName: p.Employee.Name,
			AccountNumber:     account,
			Description:       "Payroll for " + p.Employee.Name,
		})
	}

	reference := BatchReference(tx.ID)
	batch, err := h.gateway.CreateBatchDisbursement(ctx, reference, items)
	if err != nil {
		var apiErr *gateway.APIError
		if errors.As(err, &apiErr) {
			log.Warn("gateway rejected batch", "status", apiErr.StatusCode, "code", apiErr.ErrorCode, "temporary", apiErr.Temporary())
		}
		return err
	}

	res, err := h.store.RecordBatchID(ctx, tx.ID, batch.ID)
	if err != nil {
		return fmt.Errorf("record batch id %s: %w", batch.ID, err)
	}
	if res == store.AlreadyProcessed {
		log.Info("batch id already recorded", "batch_id", batch.ID)
	} else {
		log.Info("batch disbursement submitted", "batch_id", batch.ID, "items", len(items), "payroll_period_id", tx.PayrollPeriodID)
		h.invalidate(ctx, tx)
	}

	h.saveReceipt(ctx, Receipt{
		TransactionID:   tx.ID,
		PayrollPeriodID: tx.PayrollPeriodID,
		Reference:       reference,
		BatchID:         batch.ID,
		BatchStatus:     batch.Status,
		Items:           items,
		SubmittedAt:     h.now().UTC(),
	})
	return nil
}

func (h *DisbursementHandler) invalidate(ctx context.Context, tx models.PaymentTransaction) {
	if h.cache == nil {
		return
	}
	if err := h.cache.Invalidate(ctx, h.cache.TransactionKey(tx.ID), h.cache.PeriodKey(tx.PayrollPeriodID)); err != nil {
		h.log.Warn("cache invalidation failed", "transaction_id", tx.ID, "err", err)
	}
}

func (h *DisbursementHandler) saveReceipt(ctx context.Context, r Receipt) {
	if h.archive == nil {
		return
	}
	body, err := json.Marshal(r)
	if err != nil {
		h.log.Warn("encode receipt failed", "transaction_id", r.TransactionID, "err", err)
		return
	}
	location, err := h.archive.Upload(ctx, archive.ReceiptKey(r.TransactionID, r.BatchID), body, "application/json")
	if err != nil {
		h.log.Warn("archive receipt failed", "transaction_id", r.TransactionID, "batch_id", r.BatchID, "err", err)
		return
	}
	h.log.Debug("receipt archived", "transaction_id", r.TransactionID, "location", location)
}

// Package memory provides an in-process implementation of the transaction
// store. It honours the same compare-and-swap contract as the Postgres store
// by serializing every operation on one mutex, and backs STORE_BACKEND=memory
// for local runs and the pipeline's tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"payroll-settlement/internal/models"
	"payroll-settlement/internal/store"
)

// Store is a mutex-guarded in-memory transaction store.
type Store struct {
	mu           sync.Mutex
	nextTxID     int64
	transactions map[int64]models.PaymentTransaction
	payrolls     map[int64]models.Payroll
	employees    map[int64]models.Employee
	outbox       map[int64]models.OutboxEntry
	now          func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		transactions: make(map[int64]models.PaymentTransaction),
		payrolls:     make(map[int64]models.Payroll),
		employees:    make(map[int64]models.Employee),
		outbox:       make(map[int64]models.OutboxEntry),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// PutEmployee inserts or replaces an employee.
func (s *Store) PutEmployee(e models.Employee) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.employees[e.ID] = e
}

// PutPayroll inserts or replaces a payroll.
func (s *Store) PutPayroll(p models.Payroll) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payrolls[p.ID] = p
}

// PutTransaction inserts or replaces a transaction as-is.
func (s *Store) PutTransaction(tx models.PaymentTransaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transactions[tx.ID] = tx
	if tx.ID > s.nextTxID {
		s.nextTxID = tx.ID
	}
}

func (s *Store) FindTransactionByExternalID(_ context.Context, externalID string) (models.PaymentTransaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tx := range s.transactions {
		if tx.ExternalPaymentRequestID == externalID {
			return copyTransaction(tx), true, nil
		}
	}
	return models.PaymentTransaction{}, false, nil
}

func (s *Store) FindTransactionByID(_ context.Context, id int64) (models.PaymentTransaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[id]
	return copyTransaction(tx), ok, nil
}

func (s *Store) FindTransactionByBatchID(_ context.Context, periodID int64, batchID string) (models.PaymentTransaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tx := range s.transactions {
		if tx.PayrollPeriodID == periodID && tx.BatchDisbursementID != nil && *tx.BatchDisbursementID == batchID {
			return copyTransaction(tx), true, nil
		}
	}
	return models.PaymentTransaction{}, false, nil
}

func (s *Store) HasOpenTransaction(_ context.Context, periodID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasOpenLocked(periodID), nil
}

func (s *Store) hasOpenLocked(periodID int64) bool {
	for _, tx := range s.transactions {
		if tx.PayrollPeriodID == periodID && tx.Status == models.TransactionPending {
			return true
		}
	}
	return false
}

func (s *Store) CreateTransaction(_ context.Context, p store.CreateTransactionParams) (models.PaymentTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasOpenLocked(p.PayrollPeriodID) {
		return models.PaymentTransaction{}, store.ErrOpenTransaction
	}
	s.nextTxID++
	now := s.now()
	tx := models.PaymentTransaction{
		ID:                       s.nextTxID,
		PayrollPeriodID:          p.PayrollPeriodID,
		TotalAmount:              p.TotalAmount,
		PaymentMethod:            p.PaymentMethod,
		Status:                   models.TransactionPending,
		PaidByID:                 p.PaidByID,
		ReferenceID:              p.ReferenceID,
		ExternalPaymentRequestID: p.ExternalPaymentRequestID,
		CreatedAt:                now,
		UpdatedAt:                now,
	}
	s.transactions[tx.ID] = tx
	return tx, nil
}

func (s *Store) MarkTransactionTerminal(ctx context.Context, id int64, from, to models.TransactionStatus) (store.Result, error) {
	if from != models.TransactionPending || !to.Terminal() {
		return 0, store.ErrInvalidTransition
	}
	if to == models.TransactionPaid {
		return s.ConfirmTransactionPaid(ctx, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[id]
	if !ok || tx.Status != from {
		return store.AlreadyProcessed, nil
	}
	tx.Status = to
	tx.UpdatedAt = s.now()
	s.transactions[id] = tx
	return store.Applied, nil
}

func (s *Store) ConfirmTransactionPaid(_ context.Context, id int64) (store.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[id]
	if !ok || tx.Status != models.TransactionPending {
		return store.AlreadyProcessed, nil
	}
	now := s.now()
	tx.Status = models.TransactionPaid
	tx.UpdatedAt = now
	s.transactions[id] = tx
	s.markProcessingLocked(tx.PayrollPeriodID)
	if _, exists := s.outbox[id]; !exists {
		s.outbox[id] = models.OutboxEntry{TransactionID: id, CreatedAt: now}
	}
	return store.Applied, nil
}

func (s *Store) MarkPayrollsProcessing(_ context.Context, periodID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markProcessingLocked(periodID), nil
}

func (s *Store) markProcessingLocked(periodID int64) int64 {
	var n int64
	for id, p := range s.payrolls {
		if p.PayrollPeriodID == periodID && p.Status == models.PayrollUnpaid {
			p.Status = models.PayrollProcessing
			s.payrolls[id] = p
			n++
		}
	}
	return n
}

func (s *Store) MarkPayrollTerminal(_ context.Context, payrollID int64, to models.PayrollStatus, paidAt *time.Time) (store.Result, error) {
	if to != models.PayrollPaid && to != models.PayrollFailed {
		return 0, store.ErrInvalidTransition
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payrolls[payrollID]
	if !ok || p.Status != models.PayrollProcessing {
		return store.AlreadyProcessed, nil
	}
	p.Status = to
	if to == models.PayrollPaid && paidAt != nil {
		t := *paidAt
		p.PaidDate = &t
	}
	s.payrolls[payrollID] = p
	return store.Applied, nil
}

func (s *Store) RecordBatchID(_ context.Context, transactionID int64, batchID string) (store.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[transactionID]
	if !ok || tx.Status != models.TransactionPaid || tx.BatchDisbursementID != nil {
		return store.AlreadyProcessed, nil
	}
	b := batchID
	tx.BatchDisbursementID = &b
	tx.UpdatedAt = s.now()
	s.transactions[transactionID] = tx
	return store.Applied, nil
}

func (s *Store) FindPayroll(_ context.Context, id int64) (models.Payroll, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payrolls[id]
	return copyPayroll(p), ok, nil
}

func (s *Store) ListPayrollsByPeriod(_ context.Context, periodID int64) ([]models.Payroll, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Payroll
	for _, p := range s.payrolls {
		if p.PayrollPeriodID == periodID {
			out = append(out, copyPayroll(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListPayrollsForDisbursement(ctx context.Context, periodID int64) ([]models.PayrollDisbursement, error) {
	payrolls, err := s.ListPayrollsByPeriod(ctx, periodID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.PayrollDisbursement, 0, len(payrolls))
	for _, p := range payrolls {
		emp, ok := s.employees[p.EmployeeID]
		if !ok {
			// Inner join semantics: payrolls without an employee row are skipped.
			continue
		}
		out = append(out, models.PayrollDisbursement{Payroll: p, Employee: emp})
	}
	return out, nil
}

func (s *Store) FindOutboxEntry(_ context.Context, transactionID int64) (models.OutboxEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.outbox[transactionID]
	if ok && e.DispatchedAt != nil {
		t := *e.DispatchedAt
		e.DispatchedAt = &t
	}
	return e, ok, nil
}

func (s *Store) MarkDispatched(_ context.Context, transactionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.outbox[transactionID]
	if !ok || e.DispatchedAt != nil {
		return nil
	}
	now := s.now()
	e.DispatchedAt = &now
	e.Attempts++
	s.outbox[transactionID] = e
	return nil
}

func (s *Store) RecordDispatchFailure(_ context.Context, transactionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.outbox[transactionID]
	if !ok || e.DispatchedAt != nil {
		return nil
	}
	e.Attempts++
	s.outbox[transactionID] = e
	return nil
}

func (s *Store) ListPendingDispatches(_ context.Context, olderThan time.Time, limit int) ([]models.OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.OutboxEntry
	for _, e := range s.outbox {
		if e.DispatchedAt == nil && e.CreatedAt.Before(olderThan) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func copyTransaction(tx models.PaymentTransaction) models.PaymentTransaction {
	if tx.BatchDisbursementID != nil {
		b := *tx.BatchDisbursementID
		tx.BatchDisbursementID = &b
	}
	return tx
}

func copyPayroll(p models.Payroll) models.Payroll {
	if p.PaidDate != nil {
		t := *p.PaidDate
		p.PaidDate = &t
	}
	return p
}

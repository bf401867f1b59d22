package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"payroll-settlement/internal/models"
)

// Store wraps pgxpool for Postgres persistence. Every status change is a
// single UPDATE guarded by the expected current status.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// querier is satisfied by both the pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const transactionColumns = `id, payroll_period_id, total_amount, payment_method, status, paid_by_id,
	reference_id, external_payment_request_id, batch_disbursement_id, created_at, updated_at`

func scanTransaction(row pgx.Row) (models.PaymentTransaction, bool, error) {
	var tx models.PaymentTransaction
	var status string
	var batch pgtype.Text
	err := row.Scan(&tx.ID, &tx.PayrollPeriodID, &tx.TotalAmount, &tx.PaymentMethod, &status, &tx.PaidByID,
		&tx.ReferenceID, &tx.ExternalPaymentRequestID, &batch, &tx.CreatedAt, &tx.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.PaymentTransaction{}, false, nil
	}
	if err != nil {
		return models.PaymentTransaction{}, false, fmt.Errorf("scan transaction: %w", err)
	}
	tx.Status = models.TransactionStatus(status)
	tx.BatchDisbursementID = textPtr(batch)
	return tx, true, nil
}

// FindTransactionByExternalID looks a transaction up by the gateway payment-request id.
func (s *Store) FindTransactionByExternalID(ctx context.Context, externalID string) (models.PaymentTransaction, bool, error) {
	return scanTransaction(s.pool.QueryRow(ctx, `
		SELECT `+transactionColumns+` FROM payment_transactions WHERE external_payment_request_id = $1
	`, externalID))
}

// FindTransactionByID fetches a transaction by id.
func (s *Store) FindTransactionByID(ctx context.Context, id int64) (models.PaymentTransaction, bool, error) {
	return scanTransaction(s.pool.QueryRow(ctx, `
		SELECT `+transactionColumns+` FROM payment_transactions WHERE id = $1
	`, id))
}

// FindTransactionByBatchID finds the transaction of a period that owns the given batch disbursement.
func (s *Store) FindTransactionByBatchID(ctx context.Context, periodID int64, batchID string) (models.PaymentTransaction, bool, error) {
	return scanTransaction(s.pool.QueryRow(ctx, `
		SELECT `+transactionColumns+` FROM payment_transactions
		WHERE payroll_period_id = $1 AND batch_disbursement_id = $2
	`, periodID, batchID))
}

// HasOpenTransaction reports whether the period already has a PENDING transaction.
func (s *Store) HasOpenTransaction(ctx context.Context, periodID int64) (bool, error) {
	var open bool
	if err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM payment_transactions WHERE payroll_period_id = $1 AND status = $2)
	`, periodID, models.TransactionPending).Scan(&open); err != nil {
		return false, fmt.Errorf("query open transaction: %w", err)
	}
	return open, nil
}

// CreateTransactionParams collects inputs required to insert a transaction.
type CreateTransactionParams struct {
	PayrollPeriodID          int64
	TotalAmount              int64
	PaymentMethod            string
	PaidByID                 int64
	ReferenceID              string
	ExternalPaymentRequestID string
}

// CreateTransaction inserts a PENDING transaction. A second open transaction
// for the same period is rejected with ErrOpenTransaction.
func (s *Store) CreateTransaction(ctx context.Context, p CreateTransactionParams) (models.PaymentTransaction, error) {
	now := time.Now().UTC()
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO payment_transactions (payroll_period_id, total_amount, payment_method, status, paid_by_id,
			reference_id, external_payment_request_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		RETURNING id
	`, p.PayrollPeriodID, p.TotalAmount, p.PaymentMethod, models.TransactionPending, p.PaidByID,
		p.ReferenceID, p.ExternalPaymentRequestID, now).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "ux_payment_transactions_open_period" {
			return models.PaymentTransaction{}, ErrOpenTransaction
		}
		return models.PaymentTransaction{}, fmt.Errorf("insert transaction: %w", err)
	}
	return models.PaymentTransaction{
		ID:                       id,
		PayrollPeriodID:          p.PayrollPeriodID,
		TotalAmount:              p.TotalAmount,
		PaymentMethod:            p.PaymentMethod,
		Status:                   models.TransactionPending,
		PaidByID:                 p.PaidByID,
		ReferenceID:              p.ReferenceID,
		ExternalPaymentRequestID: p.ExternalPaymentRequestID,
		CreatedAt:                now,
		UpdatedAt:                now,
	}, nil
}

// MarkTransactionTerminal moves a transaction from `from` to the terminal `to`
// status if, and only if, it is still in `from`. PAID is routed through
// ConfirmTransactionPaid so the payroll cascade is never skipped.
func (s *Store) MarkTransactionTerminal(ctx context.Context, id int64, from, to models.TransactionStatus) (Result, error) {
	if err := validateTransactionTransition(from, to); err != nil {
		return 0, err
	}
	if to == models.TransactionPaid {
		return s.ConfirmTransactionPaid(ctx, id)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE payment_transactions SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, from, to)
	if err != nil {
		return 0, fmt.Errorf("update transaction status: %w", err)
	}
	return resultFromRows(tag.RowsAffected()), nil
}

// ConfirmTransactionPaid applies PENDING -> PAID, cascades the period's
// payrolls to PROCESSING and records the pending disbursement in the outbox,
// all in one database transaction. The cascade only runs when the swap applied.
func (s *Store) ConfirmTransactionPaid(ctx context.Context, id int64) (Result, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var periodID int64
	err = tx.QueryRow(ctx, `
		UPDATE payment_transactions SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING payroll_period_id
	`, id, models.TransactionPending, models.TransactionPaid).Scan(&periodID)
	if errors.Is(err, pgx.ErrNoRows) {
		return AlreadyProcessed, nil
	}
	if err != nil {
		return 0, fmt.Errorf("update transaction status: %w", err)
	}

	if _, err := markPayrollsProcessing(ctx, tx, periodID); err != nil {
		return 0, err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO disbursement_outbox (transaction_id, created_at) VALUES ($1, NOW())
		ON CONFLICT (transaction_id) DO NOTHING
	`, id); err != nil {
		return 0, fmt.Errorf("insert outbox: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return Applied, nil
}

// MarkPayrollsProcessing moves every UNPAID payroll of the period to PROCESSING
// and returns how many moved.
func (s *Store) MarkPayrollsProcessing(ctx context.Context, periodID int64) (int64, error) {
	return markPayrollsProcessing(ctx, s.pool, periodID)
}

func markPayrollsProcessing(ctx context.Context, q querier, periodID int64) (int64, error) {
	tag, err := q.Exec(ctx, `
		UPDATE payrolls SET status = $3 WHERE payroll_period_id = $1 AND status = $2
	`, periodID, models.PayrollUnpaid, models.PayrollProcessing)
	if err != nil {
		return 0, fmt.Errorf("cascade payrolls: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkPayrollTerminal moves a PROCESSING payroll to PAID or FAILED. paidAt is
// only written for PAID.
func (s *Store) MarkPayrollTerminal(ctx context.Context, payrollID int64, to models.PayrollStatus, paidAt *time.Time) (Result, error) {
	if err := validatePayrollTerminal(to); err != nil {
		return 0, err
	}
	if to != models.PayrollPaid {
		paidAt = nil
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE payrolls SET status = $3, paid_date = COALESCE($4, paid_date)
		WHERE id = $1 AND status = $2
	`, payrollID, models.PayrollProcessing, to, paidAt)
	if err != nil {
		return 0, fmt.Errorf("update payroll status: %w", err)
	}
	return resultFromRows(tag.RowsAffected()), nil
}

// RecordBatchID writes the gateway batch id onto a PAID transaction exactly once.
func (s *Store) RecordBatchID(ctx context.Context, transactionID int64, batchID string) (Result, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE payment_transactions SET batch_disbursement_id = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2 AND batch_disbursement_id IS NULL
	`, transactionID, models.TransactionPaid, batchID)
	if err != nil {
		return 0, fmt.Errorf("record batch id: %w", err)
	}
	return resultFromRows(tag.RowsAffected()), nil
}

// FindPayroll fetches a payroll by id.
func (s *Store) FindPayroll(ctx context.Context, id int64) (models.Payroll, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, employee_id, payroll_period_id, net_salary, status, paid_date FROM payrolls WHERE id = $1
	`, id)
	p, err := scanPayroll(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Payroll{}, false, nil
	}
	if err != nil {
		return models.Payroll{}, false, err
	}
	return p, true, nil
}

// ListPayrollsByPeriod returns all payrolls of a period ordered by id.
func (s *Store) ListPayrollsByPeriod(ctx context.Context, periodID int64) ([]models.Payroll, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, employee_id, payroll_period_id, net_salary, status, paid_date
		FROM payrolls WHERE payroll_period_id = $1 ORDER BY id
	`, periodID)
	if err != nil {
		return nil, fmt.Errorf("query payrolls: %w", err)
	}
	defer rows.Close()

	var out []models.Payroll
	for rows.Next() {
		p, err := scanPayroll(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListPayrollsForDisbursement returns the period's payrolls joined to employee bank data.
func (s *Store) ListPayrollsForDisbursement(ctx context.Context, periodID int64) ([]models.PayrollDisbursement, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT p.id, p.employee_id, p.payroll_period_id, p.net_salary, p.status, p.paid_date,
			e.user_id, e.name, e.bank_code, e.account_number
		FROM payrolls p JOIN employees e ON e.id = p.employee_id
		WHERE p.payroll_period_id = $1 ORDER BY p.id
	`, periodID)
	if err != nil {
		return nil, fmt.Errorf("query payroll disbursements: %w", err)
	}
	defer rows.Close()

	var out []models.PayrollDisbursement
	for rows.Next() {
		var d models.PayrollDisbursement
		var status string
		var paid pgtype.Timestamptz
		if err := rows.Scan(&d.Payroll.ID, &d.Payroll.EmployeeID, &d.Payroll.PayrollPeriodID, &d.Payroll.NetSalary,
			&status, &paid, &d.Employee.UserID, &d.Employee.Name, &d.Employee.BankCode, &d.Employee.AccountNumber); err != nil {
			return nil, fmt.Errorf("scan payroll disbursement: %w", err)
		}
		d.Payroll.Status = models.PayrollStatus(status)
		d.Payroll.PaidDate = timePtr(paid)
		d.Employee.ID = d.Payroll.EmployeeID
		out = append(out, d)
	}
	return out, rows.Err()
}

// FindOutboxEntry returns the outbox row of a transaction.
func (s *Store) FindOutboxEntry(ctx context.Context, transactionID int64) (models.OutboxEntry, bool, error) {
	var (
		e            models.OutboxEntry
		dispatchedAt pgtype.Timestamptz
	)
	err := s.pool.QueryRow(ctx, `
		SELECT transaction_id, attempts, created_at, dispatched_at FROM disbursement_outbox WHERE transaction_id = $1
	`, transactionID).Scan(&e.TransactionID, &e.Attempts, &e.CreatedAt, &dispatchedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.OutboxEntry{}, false, nil
	}
	if err != nil {
		return models.OutboxEntry{}, false, fmt.Errorf("query outbox: %w", err)
	}
	e.DispatchedAt = timePtr(dispatchedAt)
	return e, true, nil
}

// MarkDispatched records a successful publish for the transaction's outbox row.
func (s *Store) MarkDispatched(ctx context.Context, transactionID int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE disbursement_outbox SET dispatched_at = NOW(), attempts = attempts + 1
		WHERE transaction_id = $1 AND dispatched_at IS NULL
	`, transactionID)
	if err != nil {
		return fmt.Errorf("mark dispatched: %w", err)
	}
	return nil
}

// RecordDispatchFailure counts a failed publish attempt.
func (s *Store) RecordDispatchFailure(ctx context.Context, transactionID int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE disbursement_outbox SET attempts = attempts + 1
		WHERE transaction_id = $1 AND dispatched_at IS NULL
	`, transactionID)
	if err != nil {
		return fmt.Errorf("record dispatch failure: %w", err)
	}
	return nil
}

// ListPendingDispatches returns undispatched outbox rows created before olderThan.
func (s *Store) ListPendingDispatches(ctx context.Context, olderThan time.Time, limit int) ([]models.OutboxEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT transaction_id, attempts, created_at FROM disbursement_outbox
		WHERE dispatched_at IS NULL AND created_at < $1
		ORDER BY created_at LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending dispatches: %w", err)
	}
	defer rows.Close()

	var out []models.OutboxEntry
	for rows.Next() {
		var e models.OutboxEntry
		if err := rows.Scan(&e.TransactionID, &e.Attempts, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanPayroll(row pgx.Row) (models.Payroll, error) {
	var p models.Payroll
	var status string
	var paid pgtype.Timestamptz
	if err := row.Scan(&p.ID, &p.EmployeeID, &p.PayrollPeriodID, &p.NetSalary, &status, &paid); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Payroll{}, err
		}
		return models.Payroll{}, fmt.Errorf("scan payroll: %w", err)
	}
	p.Status = models.PayrollStatus(status)
	p.PaidDate = timePtr(paid)
	return p, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"payroll-settlement/internal/models"
)

// These tests run against a real database when POSTGRES_TEST_DSN is set.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	ctx := context.Background()
	st, err := New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(st.Close)
	if err := st.RunMigrations(ctx); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	return st
}

func seedPeriod(t *testing.T, st *Store) (periodID int64, payrollIDs []int64) {
	t.Helper()
	ctx := context.Background()
	if err := st.pool.QueryRow(ctx, `INSERT INTO payroll_periods (name) VALUES ($1) RETURNING id`, "test-"+uuid.NewString()).Scan(&periodID); err != nil {
		t.Fatalf("insert period: %v", err)
	}
	for i, salary := range []int64{5_000_000, 4_000_000} {
		var empID, payrollID int64
		if err := st.pool.QueryRow(ctx, `INSERT INTO employees (user_id, name, account_number) VALUES ($1, $2, $3) RETURNING id`,
			100+i, "employee", "BCA-123").Scan(&empID); err != nil {
			t.Fatalf("insert employee: %v", err)
		}
		if err := st.pool.QueryRow(ctx, `INSERT INTO payrolls (employee_id, payroll_period_id, net_salary) VALUES ($1, $2, $3) RETURNING id`,
			empID, periodID, salary).Scan(&payrollID); err != nil {
			t.Fatalf("insert payroll: %v", err)
		}
		payrollIDs = append(payrollIDs, payrollID)
	}
	return periodID, payrollIDs
}

func TestPostgresSettlementLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	periodID, payrollIDs := seedPeriod(t, st)

	tx, err := st.CreateTransaction(ctx, CreateTransactionParams{
		PayrollPeriodID:          periodID,
		TotalAmount:              9_000_000,
		PaymentMethod:            models.PaymentMethodPaymentRequest,
		PaidByID:                 42,
		ReferenceID:              "ref-" + uuid.NewString(),
		ExternalPaymentRequestID: "pr-" + uuid.NewString(),
	})
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	if _, err := st.CreateTransaction(ctx, CreateTransactionParams{
		PayrollPeriodID: periodID, PaymentMethod: models.PaymentMethodPaymentRequest,
		ReferenceID: "x", ExternalPaymentRequestID: "pr-" + uuid.NewString(),
	}); !errors.Is(err, ErrOpenTransaction) {
		t.Fatalf("expected ErrOpenTransaction, got %v", err)
	}

	if res, err := st.ConfirmTransactionPaid(ctx, tx.ID); err != nil || res != Applied {
		t.Fatalf("confirm: res=%v err=%v", res, err)
	}
	if res, _ := st.ConfirmTransactionPaid(ctx, tx.ID); res != AlreadyProcessed {
		t.Fatalf("second confirm should be already processed, got %v", res)
	}
	if entry, found, _ := st.FindOutboxEntry(ctx, tx.ID); !found || entry.DispatchedAt != nil {
		t.Fatalf("expected undispatched outbox row, got %+v found=%v", entry, found)
	}

	rows, err := st.ListPayrollsForDisbursement(ctx, periodID)
	if err != nil || len(rows) != 2 {
		t.Fatalf("list disbursements: %v %d", err, len(rows))
	}
	for _, r := range rows {
		if r.Payroll.Status != models.PayrollProcessing {
			t.Fatalf("payroll %d status %s", r.Payroll.ID, r.Payroll.Status)
		}
	}

	if res, _ := st.RecordBatchID(ctx, tx.ID, "B1"); res != Applied {
		t.Fatalf("record batch: %v", res)
	}
	if res, _ := st.RecordBatchID(ctx, tx.ID, "B2"); res != AlreadyProcessed {
		t.Fatalf("batch id must be written once")
	}

	now := time.Now()
	if res, _ := st.MarkPayrollTerminal(ctx, payrollIDs[0], models.PayrollPaid, &now); res != Applied {
		t.Fatalf("mark payroll paid: %v", res)
	}
	if res, _ := st.MarkPayrollTerminal(ctx, payrollIDs[0], models.PayrollPaid, &now); res != AlreadyProcessed {
		t.Fatalf("duplicate payroll swap must not apply")
	}
	p, found, err := st.FindPayroll(ctx, payrollIDs[0])
	if err != nil || !found || p.PaidDate == nil {
		t.Fatalf("payroll after paid: %+v found=%v err=%v", p, found, err)
	}
}

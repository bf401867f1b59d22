package webhook

import (
	"context"
	"fmt"
	"time"

	"payroll-settlement/internal/models"
	"payroll-settlement/internal/store"
	"payroll-settlement/internal/telemetry"
)

// disbursementResult applies a per-payroll payout outcome reported for a batch.
// The payroll moves on the callback alone, which may arrive before the worker
// has recorded the batch id. Correlating the batch to its transaction only
// picks who is notified.
func (r *Router) disbursementResult(ctx context.Context, ev disbursementEvent) (Outcome, error) {
	payrollID, ok := models.ParsePayrollExternalID(ev.ExternalID)
	if !ok {
		r.log.Warn("invalid disbursement external_id", "external_id", ev.ExternalID)
		return OutcomeIgnored, nil
	}
	to, ok := payrollStatusFor(ev.Status)
	if !ok {
		r.log.Warn("unhandled disbursement status", "payroll_id", payrollID, "status", ev.Status)
		return OutcomeIgnored, nil
	}

	payroll, found, err := r.store.FindPayroll(ctx, payrollID)
	if err != nil {
		return "", fmt.Errorf("find payroll %d: %w", payrollID, err)
	}
	if !found {
		r.log.Warn("payroll not found for disbursement", "payroll_id", payrollID)
		return OutcomeNotFound, nil
	}

	var paidAt *time.Time
	if to == models.PayrollPaid {
		now := r.now()
		paidAt = &now
	}
	res, err := r.store.MarkPayrollTerminal(ctx, payrollID, to, paidAt)
	if err != nil {
		return "", fmt.Errorf("mark payroll %d %s: %w", payrollID, to, err)
	}
	if res != store.Applied {
		telemetry.DuplicateDeliveries.WithLabelValues("payroll").Inc()
		r.log.Info("payroll already processed", "payroll_id", payrollID, "status", to)
		return OutcomeDuplicate, nil
	}
	telemetry.Transitions.WithLabelValues("payroll", string(to)).Inc()
	r.log.Info("payroll updated", "payroll_id", payrollID, "status", to, "batch_id", ev.BatchID)

	var tx models.PaymentTransaction
	found = false
	if ev.BatchID != "" {
		tx, found, err = r.store.FindTransactionByBatchID(ctx, payroll.PayrollPeriodID, ev.BatchID)
		if err != nil {
			// The payroll is already updated; only the notification is lost.
			r.log.Error("correlate disbursement batch", "payroll_id", payrollID, "batch_id", ev.BatchID, "err", err)
		}
	}
	if !found {
		telemetry.CorrelationFailures.Inc()
		r.invalidatePeriod(ctx, payroll.PayrollPeriodID)
		r.log.Error("disbursement batch matches no transaction, user not notified",
			"payroll_id", payrollID, "payroll_period_id", payroll.PayrollPeriodID, "batch_id", ev.BatchID)
		return OutcomeCorrelationFailed, nil
	}
	r.invalidate(ctx, tx)

	update := StatusUpdate{
		PayrollID:       payrollID,
		Status:          to,
		EmployeeID:      payroll.EmployeeID,
		PayrollPeriodID: payroll.PayrollPeriodID,
	}
	if _, err := r.notifier.Broadcast(tx.PaidByID, EventPayrollStatusUpdate, update, ""); err != nil {
		r.log.Warn("payroll status broadcast failed", "payroll_id", payrollID, "user_id", tx.PaidByID, "err", err)
	}
	return OutcomeApplied, nil
}

package store

import (
	"errors"
	"fmt"

	"payroll-settlement/internal/models"
)

// Result reports whether a conditional status update took effect.
type Result int

const (
	// Applied means the record was in the expected status and was moved.
	Applied Result = iota + 1
	// AlreadyProcessed means the record had already left the expected status;
	// nothing was written.
	AlreadyProcessed
)

func (r Result) String() string {
	switch r {
	case Applied:
		return "applied"
	case AlreadyProcessed:
		return "already_processed"
	default:
		return "unknown"
	}
}

var (
	// ErrInvalidTransition is returned for transitions the state machine never allows,
	// such as moving a payroll to UNPAID. It signals a caller bug, not a race.
	ErrInvalidTransition = errors.New("store: invalid status transition")
	// ErrOpenTransaction is returned when a period already has a PENDING transaction.
	ErrOpenTransaction = errors.New("store: payroll period already has an open transaction")
)

func validateTransactionTransition(from, to models.TransactionStatus) error {
	if from != models.TransactionPending || !to.Terminal() {
		return fmt.Errorf("%w: transaction %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

func validatePayrollTerminal(to models.PayrollStatus) error {
	if to != models.PayrollPaid && to != models.PayrollFailed {
		return fmt.Errorf("%w: payroll PROCESSING -> %s", ErrInvalidTransition, to)
	}
	return nil
}

func resultFromRows(n int64) Result {
	if n == 0 {
		return AlreadyProcessed
	}
	return Applied
}

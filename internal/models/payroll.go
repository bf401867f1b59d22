package models

import (
	"strconv"
	"strings"
	"time"
)

// TransactionStatus enumerates payment transaction states persisted in Postgres.
type TransactionStatus string

const (
	TransactionPending TransactionStatus = "PENDING"
	TransactionPaid    TransactionStatus = "PAID"
	TransactionFailed  TransactionStatus = "FAILED"
	TransactionExpired TransactionStatus = "EXPIRED"
)

// Terminal reports whether the status can no longer change.
func (s TransactionStatus) Terminal() bool {
	switch s {
	case TransactionPaid, TransactionFailed, TransactionExpired:
		return true
	}
	return false
}

// PayrollStatus enumerates payroll states. Payrolls only move forward:
// UNPAID -> PROCESSING -> {PAID, FAILED}.
type PayrollStatus string

const (
	PayrollUnpaid     PayrollStatus = "UNPAID"
	PayrollProcessing PayrollStatus = "PROCESSING"
	PayrollPaid       PayrollStatus = "PAID"
	PayrollFailed     PayrollStatus = "FAILED"
)

// PaymentMethodPaymentRequest tags transactions collected through a gateway payment request.
const PaymentMethodPaymentRequest = "PAYMENT_REQUEST"

// PaymentTransaction is one attempt to collect payment for a payroll period.
type PaymentTransaction struct {
	ID                       int64             `json:"id"`
	PayrollPeriodID          int64             `json:"payroll_period_id"`
	TotalAmount              int64             `json:"total_amount"`
	PaymentMethod            string            `json:"payment_method"`
	Status                   TransactionStatus `json:"status"`
	PaidByID                 int64             `json:"paid_by_id"`
	ReferenceID              string            `json:"reference_id"`
	ExternalPaymentRequestID string            `json:"external_payment_request_id"`
	BatchDisbursementID      *string           `json:"batch_disbursement_id,omitempty"`
	CreatedAt                time.Time         `json:"created_at"`
	UpdatedAt                time.Time         `json:"updated_at"`
}

// Payroll is one employee's pay record within a period.
type Payroll struct {
	ID              int64         `json:"id"`
	EmployeeID      int64         `json:"employee_id"`
	PayrollPeriodID int64         `json:"payroll_period_id"`
	NetSalary       int64         `json:"net_salary"`
	Status          PayrollStatus `json:"status"`
	PaidDate        *time.Time    `json:"paid_date,omitempty"`
}

// Employee carries the bank data needed to pay out a payroll.
type Employee struct {
	ID            int64  `json:"id"`
	UserID        int64  `json:"user_id"`
	Name          string `json:"name"`
	BankCode      string `json:"bank_code"`
	AccountNumber string `json:"account_number"`
}

// Destination returns the bank code and bare account number. Accounts stored
// as "BCA-1234567890" carry the bank code as a prefix.
func (e Employee) Destination() (bankCode, accountNumber string) {
	bankCode, accountNumber = e.BankCode, e.AccountNumber
	if prefix, rest, ok := strings.Cut(accountNumber, "-"); ok && rest != "" {
		if bankCode == "" {
			bankCode = strings.ToUpper(prefix)
		}
		if strings.EqualFold(prefix, bankCode) {
			accountNumber = rest
		}
	}
	return bankCode, accountNumber
}

// PayrollExternalID is the payout reference of a payroll, e.g. "payroll-42".
func PayrollExternalID(payrollID int64) string {
	return "payroll-" + strconv.FormatInt(payrollID, 10)
}

// ParsePayrollExternalID decodes a payout reference back to a payroll id.
func ParsePayrollExternalID(s string) (int64, bool) {
	rest, ok := strings.CutPrefix(s, "payroll-")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	// Only the form PayrollExternalID emits names a payroll.
	if PayrollExternalID(id) != s {
		return 0, false
	}
	return id, true
}

// PayrollDisbursement is a payroll joined to its employee's bank data.
type PayrollDisbursement struct {
	Payroll  Payroll  `json:"payroll"`
	Employee Employee `json:"employee"`
}

// DisbursementJob is the queue message asking the worker to pay out a transaction.
type DisbursementJob struct {
	TransactionID int64 `json:"transactionId"`
}

// OutboxEntry tracks whether the disbursement job for a paid transaction was published.
type OutboxEntry struct {
	TransactionID int64      `json:"transaction_id"`
	Attempts      int        `json:"attempts"`
	CreatedAt     time.Time  `json:"created_at"`
	DispatchedAt  *time.Time `json:"dispatched_at,omitempty"`
}

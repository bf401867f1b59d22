package models

import "testing"

func TestEmployeeDestination(t *testing.T) {
	cases := []struct {
		name     string
		emp      Employee
		wantBank string
		wantAcct string
	}{
		{"prefixed account", Employee{AccountNumber: "BCA-1234567890"}, "BCA", "1234567890"},
		{"explicit bank code", Employee{BankCode: "BNI", AccountNumber: "998877"}, "BNI", "998877"},
		{"explicit matches prefix", Employee{BankCode: "MANDIRI", AccountNumber: "mandiri-0987"}, "MANDIRI", "0987"},
		{"explicit differs from prefix", Employee{BankCode: "BRI", AccountNumber: "X-1"}, "BRI", "X-1"},
	}
	for _, tc := range cases {
		bank, acct := tc.emp.Destination()
		if bank != tc.wantBank || acct != tc.wantAcct {
			t.Fatalf("%s: got (%s, %s) want (%s, %s)", tc.name, bank, acct, tc.wantBank, tc.wantAcct)
		}
	}
}

func TestTransactionStatusTerminal(t *testing.T) {
	if TransactionPending.Terminal() {
		t.Fatalf("pending must not be terminal")
	}
	for _, s := range []TransactionStatus{TransactionPaid, TransactionFailed, TransactionExpired} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
}

func TestPayrollExternalIDRoundTrip(t *testing.T) {
	if got := PayrollExternalID(42); got != "payroll-42" {
		t.Fatalf("external id = %q", got)
	}
	if id, ok := ParsePayrollExternalID("payroll-42"); !ok || id != 42 {
		t.Fatalf("parse = %d %v", id, ok)
	}
	for _, bad := range []string{"", "payroll-", "payroll-abc", "payroll-0", "payroll--3", "salary-42", "payroll-4 2", "payroll-+11", "payroll-011", "payroll-00011"} {
		if _, ok := ParsePayrollExternalID(bad); ok {
			t.Fatalf("%q should not parse", bad)
		}
	}
}

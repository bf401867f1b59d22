package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"payroll-settlement/internal/archive"
	"payroll-settlement/internal/cache"
	"payroll-settlement/internal/gateway"
	"payroll-settlement/internal/models"
	"payroll-settlement/internal/queue"
	"payroll-settlement/internal/store/memory"
)

type fakeGateway struct {
	references []string
	items      [][]gateway.DisbursementItem
	err        error
}

func (f *fakeGateway) CreateBatchDisbursement(_ context.Context, reference string, items []gateway.DisbursementItem) (gateway.BatchResult, error) {
	f.references = append(f.references, reference)
	f.items = append(f.items, items)
	if f.err != nil {
		return gateway.BatchResult{}, f.err
	}
	return gateway.BatchResult{ID: "batch-77", Status: "PENDING"}, nil
}

type failingUploader struct{}

func (failingUploader) Upload(context.Context, string, []byte, string) (string, error) {
	return "", errors.New("disk full")
}

func seededStore() *memory.Store {
	st := memory.New()
	st.PutEmployee(models.Employee{ID: 1, UserID: 101, Name: "Siti", AccountNumber: "BCA-1234567890"})
	st.PutEmployee(models.Employee{ID: 2, UserID: 102, Name: "Budi", BankCode: "BNI", AccountNumber: "998877"})
	st.PutPayroll(models.Payroll{ID: 11, EmployeeID: 1, PayrollPeriodID: 7, NetSalary: 5_000_000, Status: models.PayrollProcessing})
	st.PutPayroll(models.Payroll{ID: 12, EmployeeID: 2, PayrollPeriodID: 7, NetSalary: 4_000_000, Status: models.PayrollProcessing})
	st.PutTransaction(models.PaymentTransaction{ID: 5, PayrollPeriodID: 7, TotalAmount: 9_000_000, Status: models.TransactionPaid, PaidByID: 42})
	return st
}

func jobMessage(t *testing.T, txID int64) queue.Message {
	t.Helper()
	body, err := json.Marshal(models.DisbursementJob{TransactionID: txID})
	if err != nil {
		t.Fatalf("marshal job: %v", err)
	}
	return queue.Message{ID: "m1", Topic: "disbursement_queue", Body: body}
}

func TestDisbursementSubmitsBatchAndRecordsID(t *testing.T) {
	st := seededStore()
	gw := &fakeGateway{}
	dir := t.TempDir()
	h := NewDisbursementHandler(st, gw, &archive.LocalUploader{BaseDir: dir}, discard())

	if err := h.Handle(context.Background(), jobMessage(t, 5)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(gw.references) != 1 || gw.references[0] != "transaction-5" {
		t.Fatalf("unexpected references %v", gw.references)
	}
	want := []gateway.DisbursementItem{
		{ExternalID: "payroll-11", Amount: 5_000_000, BankCode: "BCA", AccountHolderName: "Siti", AccountNumber: "1234567890", Description: "Payroll for Siti"},
		{ExternalID: "payroll-12", Amount: 4_000_000, BankCode: "BNI", AccountHolderName: "Budi", AccountNumber: "998877", Description: "Payroll for Budi"},
	}
	got := gw.items[0]
	if len(got) != len(want) {
		t.Fatalf("expected %d items, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("item %d = %+v, want %+v", i, got[i], want[i])
		}
	}

	tx, _, _ := st.FindTransactionByID(context.Background(), 5)
	if tx.BatchDisbursementID == nil || *tx.BatchDisbursementID != "batch-77" {
		t.Fatalf("batch id not recorded: %+v", tx)
	}

	data, err := os.ReadFile(filepath.Join(dir, "disbursements", "5", "batch-77.json"))
	if err != nil {
		t.Fatalf("receipt not archived: %v", err)
	}
	var receipt Receipt
	if err := json.Unmarshal(data, &receipt); err != nil || receipt.BatchID != "batch-77" || len(receipt.Items) != 2 {
		t.Fatalf("unexpected receipt %+v %v", receipt, err)
	}
}

func TestDisbursementRedeliveryAfterRecordIsNoop(t *testing.T) {
	st := seededStore()
	gw := &fakeGateway{}
	h := NewDisbursementHandler(st, gw, nil, discard())

	for i := 0; i < 2; i++ {
		if err := h.Handle(context.Background(), jobMessage(t, 5)); err != nil {
			t.Fatalf("handle %d: %v", i, err)
		}
	}
	if len(gw.references) != 1 {
		t.Fatalf("batch must be submitted once, got %d calls", len(gw.references))
	}
}

func TestDisbursementPermanentFailures(t *testing.T) {
	st := seededStore()
	st.PutTransaction(models.PaymentTransaction{ID: 6, PayrollPeriodID: 7, Status: models.TransactionPending})
	st.PutTransaction(models.PaymentTransaction{ID: 8, PayrollPeriodID: 99, Status: models.TransactionPaid})
	gw := &fakeGateway{}
	h := NewDisbursementHandler(st, gw, nil, discard())

	cases := map[string]queue.Message{
		"not found":   jobMessage(t, 404),
		"not paid":    jobMessage(t, 6),
		"no payrolls": jobMessage(t, 8),
		"bad body":    {ID: "m1", Body: []byte("{")},
		"missing id":  {ID: "m1", Body: []byte(`{}`)},
	}
	for name, msg := range cases {
		if err := h.Handle(context.Background(), msg); !IsPermanent(err) {
			t.Fatalf("%s: expected permanent error, got %v", name, err)
		}
	}
	if len(gw.references) != 0 {
		t.Fatalf("gateway must not be called, got %v", gw.references)
	}
}

func TestDisbursementGatewayFailureIsRetryable(t *testing.T) {
	st := seededStore()
	gw := &fakeGateway{err: &gateway.APIError{StatusCode: 503, ErrorCode: "SERVER_ERROR", Message: "unavailable"}}
	h := NewDisbursementHandler(st, gw, nil, discard())

	err := h.Handle(context.Background(), jobMessage(t, 5))
	if err == nil || IsPermanent(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	tx, _, _ := st.FindTransactionByID(context.Background(), 5)
	if tx.BatchDisbursementID != nil {
		t.Fatalf("batch id must not be recorded on failure")
	}
}

func TestDisbursementArchiveFailureDoesNotFailJob(t *testing.T) {
	st := seededStore()
	h := NewDisbursementHandler(st, &fakeGateway{}, failingUploader{}, discard())
	if err := h.Handle(context.Background(), jobMessage(t, 5)); err != nil {
		t.Fatalf("archive failure must be swallowed, got %v", err)
	}
}

type fakeCache struct {
	keys []string
	err  error
}

func (f *fakeCache) TransactionKey(id int64) string  { return fmt.Sprintf("tx:%d", id) }
func (f *fakeCache) PeriodKey(periodID int64) string { return fmt.Sprintf("period:%d", periodID) }
func (f *fakeCache) Invalidate(_ context.Context, keys ...string) error {
	f.keys = append(f.keys, keys...)
	return f.err
}

func TestDisbursementInvalidatesCachedTransaction(t *testing.T) {
	st := seededStore()
	c := &fakeCache{}
	h := NewDisbursementHandler(st, &fakeGateway{}, nil, discard()).WithCache(c)

	for i := 0; i < 2; i++ {
		if err := h.Handle(context.Background(), jobMessage(t, 5)); err != nil {
			t.Fatalf("handle %d: %v", i, err)
		}
	}
	if len(c.keys) != 2 || c.keys[0] != "tx:5" || c.keys[1] != "period:7" {
		t.Fatalf("expected one invalidation of tx:5 and period:7, got %v", c.keys)
	}
}

func TestDisbursementCacheFailureDoesNotFailJob(t *testing.T) {
	h := NewDisbursementHandler(seededStore(), &fakeGateway{}, nil, discard()).WithCache(&fakeCache{err: errors.New("redis down")})
	if err := h.Handle(context.Background(), jobMessage(t, 5)); err != nil {
		t.Fatalf("cache failure must be swallowed, got %v", err)
	}
}

func TestDisbursementDropsStaleReadCacheEntry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	rc := cache.New(client, "test", 0)
	ctx := context.Background()

	st := seededStore()
	before, _, _ := st.FindTransactionByID(ctx, 5)
	if err := rc.Set(ctx, rc.TransactionKey(5), before); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	h := NewDisbursementHandler(st, &fakeGateway{}, nil, discard()).WithCache(rc)
	if err := h.Handle(ctx, jobMessage(t, 5)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	var cached models.PaymentTransaction
	hit, err := rc.Get(ctx, rc.TransactionKey(5), &cached)
	if err != nil || hit {
		t.Fatalf("cached transaction without batch id must be gone: hit=%v err=%v %+v", hit, err, cached)
	}
}

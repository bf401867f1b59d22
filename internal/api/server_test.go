package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"payroll-settlement/internal/gateway"
	"payroll-settlement/internal/models"
	"payroll-settlement/internal/payment"
	"payroll-settlement/internal/webhook"
)

type fakeWebhooks struct {
	token string
	body  string
	out   webhook.Outcome
	err   error
}

func (f *fakeWebhooks) Handle(_ context.Context, token string, body []byte) (webhook.Outcome, error) {
	f.token, f.body = token, string(body)
	return f.out, f.err
}

type fakePayments struct {
	userID int64
	req    payment.InitiateRequest
	err    error
}

func (f *fakePayments) Initiate(_ context.Context, userID int64, req payment.InitiateRequest) (payment.Initiation, error) {
	f.userID, f.req = userID, req
	if f.err != nil {
		return payment.Initiation{}, f.err
	}
	return payment.Initiation{
		Transaction:      models.PaymentTransaction{ID: 1, PayrollPeriodID: req.PayrollPeriodID, Status: models.TransactionPending},
		PaymentRequestID: "pr-1",
		ChannelCode:      "BCA",
	}, nil
}

func (f *fakePayments) GetTransaction(_ context.Context, id int64) (models.PaymentTransaction, error) {
	if id != 1 {
		return models.PaymentTransaction{}, fmt.Errorf("%w: transaction %d", payment.ErrNotFound, id)
	}
	return models.PaymentTransaction{ID: 1, Status: models.TransactionPaid}, nil
}

type fakeDLQ struct{}

func (fakeDLQ) DLQPeek(context.Context, int64) ([]string, error) { return []string{"m1"}, nil }

func newServer(wh *fakeWebhooks, pay *fakePayments) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(wh, pay, nil, fakeDLQ{}, logger).Router()
}

func do(t *testing.T, h http.Handler, method, path string, headers map[string]string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestWebhookStatusCodes(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"ok", nil, http.StatusOK},
		{"unauthorized", webhook.ErrUnauthorized, http.StatusUnauthorized},
		{"malformed", fmt.Errorf("%w: bad json", webhook.ErrMalformedEvent), http.StatusBadRequest},
		{"dispatch failure", fmt.Errorf("publish: %w", io.ErrUnexpectedEOF), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		wh := &fakeWebhooks{out: webhook.OutcomeApplied, err: tc.err}
		rec := do(t, newServer(wh, &fakePayments{}), http.MethodPost, "/webhooks/xendit",
			map[string]string{"x-callback-token": "secret"}, `{"event":"payment.succeeded"}`)
		if rec.Code != tc.want {
			t.Fatalf("%s: status = %d, want %d", tc.name, rec.Code, tc.want)
		}
		if wh.token != "secret" || wh.body != `{"event":"payment.succeeded"}` {
			t.Fatalf("%s: router saw token=%q body=%q", tc.name, wh.token, wh.body)
		}
		if tc.want == http.StatusOK && strings.TrimSpace(rec.Body.String()) != `{"status":"ok"}` {
			t.Fatalf("unexpected ack body %q", rec.Body.String())
		}
	}
}

func TestWebhookFallbackTokenHeader(t *testing.T) {
	wh := &fakeWebhooks{}
	do(t, newServer(wh, &fakePayments{}), http.MethodPost, "/webhooks/xendit", map[string]string{"callback-token": "alt"}, `{}`)
	if wh.token != "alt" {
		t.Fatalf("token = %q", wh.token)
	}
}

func TestInitiate(t *testing.T) {
	pay := &fakePayments{}
	rec := do(t, newServer(&fakeWebhooks{}, pay), http.MethodPost, "/payments/initiate",
		map[string]string{"X-User-ID": "42"}, `{"payrollPeriodId":7,"totalAmount":9000000,"vaType":"bca"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if pay.userID != 42 || pay.req.PayrollPeriodID != 7 || pay.req.TotalAmount != 9_000_000 || pay.req.VAType != "bca" {
		t.Fatalf("unexpected call user=%d req=%+v", pay.userID, pay.req)
	}
	var res payment.Initiation
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil || res.PaymentRequestID != "pr-1" {
		t.Fatalf("decode: %+v %v", res, err)
	}
}

func TestInitiateErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{payment.ErrAmountMismatch, http.StatusBadRequest},
		{payment.ErrUnsupportedChannel, http.StatusBadRequest},
		{payment.ErrNotFound, http.StatusNotFound},
		{payment.ErrOpenTransaction, http.StatusConflict},
		{payment.ErrRateLimited, http.StatusTooManyRequests},
		{fmt.Errorf("create: %w", &gateway.APIError{StatusCode: 400, ErrorCode: "API_VALIDATION_ERROR"}), http.StatusBadGateway},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := do(t, newServer(&fakeWebhooks{}, &fakePayments{err: tc.err}), http.MethodPost, "/payments/initiate",
			map[string]string{"X-User-ID": "42"}, `{"payrollPeriodId":7,"totalAmount":1,"vaType":"bca"}`)
		if rec.Code != tc.want {
			t.Fatalf("%v: status = %d, want %d", tc.err, rec.Code, tc.want)
		}
	}
}

func TestInitiateRejectsBadInput(t *testing.T) {
	h := newServer(&fakeWebhooks{}, &fakePayments{})
	if rec := do(t, h, http.MethodPost, "/payments/initiate", nil, `{}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing user: status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/payments/initiate", map[string]string{"X-User-ID": "42"}, `{`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad json: status = %d", rec.Code)
	}
}

func TestGetTransaction(t *testing.T) {
	h := newServer(&fakeWebhooks{}, &fakePayments{})
	if rec := do(t, h, http.MethodGet, "/payments/transactions/1", nil, ""); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/payments/transactions/2", nil, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing: status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/payments/transactions/abc", nil, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id: status = %d", rec.Code)
	}
}

func TestHealthAndDLQ(t *testing.T) {
	h := newServer(&fakeWebhooks{}, &fakePayments{})
	if rec := do(t, h, http.MethodGet, "/healthz", nil, ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
	rec := do(t, h, http.MethodGet, "/dlq", nil, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "m1") {
		t.Fatalf("dlq: %d %s", rec.Code, rec.Body.String())
	}
}

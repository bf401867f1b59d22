package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"payroll-settlement/internal/gateway"
	"payroll-settlement/internal/models"
	"payroll-settlement/internal/payment"
	"payroll-settlement/internal/telemetry"
	"payroll-settlement/internal/webhook"
)

const maxBodyBytes = 1 << 20

// Webhooks handles provider callbacks.
type Webhooks interface {
	Handle(ctx context.Context, token string, body []byte) (webhook.Outcome, error)
}

// Payments starts and reads payment transactions.
type Payments interface {
	Initiate(ctx context.Context, userID int64, req payment.InitiateRequest) (payment.Initiation, error)
	GetTransaction(ctx context.Context, id int64) (models.PaymentTransaction, error)
}

// DLQ exposes dead-lettered disbursement jobs.
type DLQ interface {
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// Server wires HTTP handlers for the settlement API.
type Server struct {
	webhooks Webhooks
	payments Payments
	realtime http.Handler
	dlq      DLQ
	log      *slog.Logger
}

// New constructs the API server. realtime and dlq may be nil.
func New(wh Webhooks, payments Payments, realtime http.Handler, dlq DLQ, logger *slog.Logger) *Server {
	return &Server{
		webhooks: wh,
		payments: payments,
		realtime: realtime,
		dlq:      dlq,
		log:      logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/webhooks/xendit", s.handleWebhook)
	r.Post("/payments/initiate", s.handleInitiate)
	r.Get("/payments/transactions/{id}", s.handleGetTransaction)
	if s.realtime != nil {
		r.Get("/ws", s.realtime.ServeHTTP)
	}
	if s.dlq != nil {
		r.Get("/dlq", s.handleDLQ)
	}
	return r
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("x-callback-token")
	if token == "" {
		token = r.Header.Get("callback-token")
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	outcome, err := s.webhooks.Handle(r.Context(), token, body)
	switch {
	case errors.Is(err, webhook.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "invalid callback token")
	case errors.Is(err, webhook.ErrMalformedEvent):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		s.log.Error("webhook processing failed", "err", err)
		writeError(w, http.StatusInternalServerError, "processing failed")
	default:
		s.log.Debug("webhook handled", "outcome", outcome)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.Header.Get("X-User-ID"), 10, 64)
	if err != nil || userID <= 0 {
		writeError(w, http.StatusUnauthorized, "X-User-ID header required")
		return
	}
	var req payment.InitiateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	res, err := s.payments.Initiate(r.Context(), userID, req)
	if err != nil {
		s.writePaymentError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid transaction id")
		return
	}
	tx, err := s.payments.GetTransaction(r.Context(), id)
	if err != nil {
		s.writePaymentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// handleDLQ returns the DLQ contents (IDs only).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.dlq.DLQPeek(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) writePaymentError(w http.ResponseWriter, err error) {
	var apiErr *gateway.APIError
	switch {
	case errors.Is(err, payment.ErrInvalidRequest),
		errors.Is(err, payment.ErrAmountMismatch),
		errors.Is(err, payment.ErrUnsupportedChannel):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, payment.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, payment.ErrOpenTransaction):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, payment.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.As(err, &apiErr), errors.Is(err, gateway.ErrMissingID):
		s.log.Error("gateway call failed", "err", err)
		writeError(w, http.StatusBadGateway, "payment gateway error")
	default:
		s.log.Error("payment request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			// The upgrade hijacks the connection; wrapping the writer would hide http.Hijacker.
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("http request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

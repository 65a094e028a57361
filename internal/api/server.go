// Package api exposes the adapter's HTTP surface to the POS and operators:
// receipt submission, buffer status, forced sync, refund checks, the DLQ
// operator endpoints, health, and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/optilane/kkt-adapter/internal/breaker"
	"github.com/optilane/kkt-adapter/internal/buffer"
	"github.com/optilane/kkt-adapter/internal/fiscal"
	"github.com/optilane/kkt-adapter/internal/syncer"
)

// Error codes of the uniform envelope. Callers branch on these.
const (
	CodeBufferFull     = "BufferFull"
	CodeInvalidRequest = "InvalidRequest"
	CodeRefundBlocked  = "RefundBlocked"
	CodeLockContention = "LockContention"
	CodeNotFound       = "NotFound"
	CodeInternal       = "Internal"
)

// Envelope is the uniform error response body.
type Envelope struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// SyncTrigger requests an immediate sync cycle.
type SyncTrigger interface {
	ForceSync(ctx context.Context) error
}

// ConnectivityProbe reports the damped ERP connectivity classification.
type ConnectivityProbe interface {
	Online() bool
}

// Server wires the handlers. All collaborators are injected; the server
// composes the fiscalization service and the sync worker without either
// referencing the other.
type Server struct {
	fiscal  *fiscal.Service
	store   *buffer.Store
	brk     *breaker.Breaker
	sync    SyncTrigger
	erpLink ConnectivityProbe
}

// NewServer returns a Server. |erpLink| may be nil when no heartbeat is
// configured.
func NewServer(svc *fiscal.Service, store *buffer.Store, brk *breaker.Breaker, sync SyncTrigger, erpLink ConnectivityProbe) *Server {
	return &Server{fiscal: svc, store: store, brk: brk, sync: sync, erpLink: erpLink}
}

// Routes builds the HTTP handler.
func (s *Server) Routes() http.Handler {
	var r = chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/v1/kkt/receipt", s.handleReceipt)
	r.Get("/v1/kkt/buffer/status", s.handleBufferStatus)
	r.Post("/v1/kkt/buffer/sync", s.handleForceSync)
	r.Get("/v1/kkt/dlq", s.handleListDLQ)
	r.Post("/v1/kkt/dlq/{id}/resolve", s.handleResolveDLQ)
	r.Post("/v1/pos/refund", s.handleRefundCheck)
	r.Get("/v1/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Serve runs an http.Server until |ctx| is cancelled, then drains in-flight
// requests. Queue it on the process task group.
func (s *Server) Serve(ctx context.Context, addr string) error {
	var srv = &http.Server{Addr: addr, Handler: s.Routes()}

	var done = make(chan error, 1)
	go func() { done <- srv.ListenAndServe() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		var drainCtx, cancel = context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(drainCtx)
	}
}

type receiptRequest struct {
	PosID      string          `json:"pos_id"`
	Type       string          `json:"type"`
	OriginalID string          `json:"original_id"`
	Payload    json.RawMessage `json:"payload"`
}

func (s *Server) handleReceipt(w http.ResponseWriter, r *http.Request) {
	var req receiptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "request body is not valid JSON", false)
		return
	}

	var resp, err = s.fiscal.Submit(r.Context(), fiscal.SubmitRequest{
		PosID:          req.PosID,
		Type:           req.Type,
		OriginalID:     req.OriginalID,
		Payload:        req.Payload,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	var full *buffer.BufferFullError
	var blocked *fiscal.RefundBlockedError
	switch {
	case errors.Is(err, fiscal.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error(), false)
	case errors.As(err, &full):
		// Not retryable by the client: the cashier must stop selling
		// until the buffer drains.
		writeError(w, http.StatusServiceUnavailable, CodeBufferFull, err.Error(), false)
	case errors.As(err, &blocked):
		writeError(w, http.StatusConflict, CodeRefundBlocked, err.Error(), true)
	default:
		log.WithField("err", err).Error("receipt submission failed")
		writeError(w, http.StatusInternalServerError, CodeInternal, "internal error", true)
	}
}

type bufferStatusResponse struct {
	*buffer.StatusSummary
	CircuitBreakerState string `json:"circuit_breaker_state"`
}

func (s *Server) handleBufferStatus(w http.ResponseWriter, r *http.Request) {
	var sum, err = s.store.Status(r.Context())
	if err != nil {
		log.WithField("err", err).Error("failed to compute buffer status")
		writeError(w, http.StatusInternalServerError, CodeInternal, "internal error", true)
		return
	}
	writeJSON(w, http.StatusOK, bufferStatusResponse{
		StatusSummary:       sum,
		CircuitBreakerState: s.brk.State().String(),
	})
}

func (s *Server) handleForceSync(w http.ResponseWriter, r *http.Request) {
	var err = s.sync.ForceSync(r.Context())
	if errors.Is(err, syncer.ErrLockHeld) {
		writeError(w, http.StatusConflict, CodeLockContention, err.Error(), true)
		return
	} else if err != nil {
		log.WithField("err", err).Error("forced sync failed")
		writeError(w, http.StatusInternalServerError, CodeInternal, "internal error", true)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type refundCheckRequest struct {
	OriginalFiscalDocID string `json:"original_fiscal_doc_id"`
}

func (s *Server) handleRefundCheck(w http.ResponseWriter, r *http.Request) {
	var req refundCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "request body is not valid JSON", false)
		return
	}

	var decision, err = s.fiscal.CheckRefund(r.Context(), req.OriginalFiscalDocID)
	if errors.Is(err, fiscal.ErrInvalidRequest) {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error(), false)
		return
	} else if err != nil {
		log.WithField("err", err).Error("refund check failed")
		writeError(w, http.StatusInternalServerError, CodeInternal, "internal error", true)
		return
	}

	if !decision.Allowed {
		writeJSON(w, http.StatusConflict, decision)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

type dlqEntry struct {
	ID            string `json:"id"`
	FailedAt      int64  `json:"failed_at"`
	Reason        string `json:"reason"`
	RetryAttempts int    `json:"retry_attempts"`
	LastError     string `json:"last_error,omitempty"`
	PayloadHash   string `json:"payload_hash"`
	ResolvedAt    *int64 `json:"resolved_at,omitempty"`
	ResolvedBy    string `json:"resolved_by,omitempty"`
}

func (s *Server) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	var includeResolved = r.URL.Query().Get("include_resolved") == "true"
	var letters, err = s.store.ListDLQ(r.Context(), includeResolved)
	if err != nil {
		log.WithField("err", err).Error("failed to list dead letters")
		writeError(w, http.StatusInternalServerError, CodeInternal, "internal error", true)
		return
	}

	var out = make([]dlqEntry, 0, len(letters))
	for _, l := range letters {
		var e = dlqEntry{
			ID:            l.ID,
			FailedAt:      l.FailedAt,
			Reason:        l.Reason,
			RetryAttempts: l.RetryAttempts,
			LastError:     l.LastError.String,
			PayloadHash:   l.PayloadHash,
			ResolvedBy:    l.ResolvedBy.String,
		}
		if l.ResolvedAt.Valid {
			e.ResolvedAt = &l.ResolvedAt.Int64
		}
		out = append(out, e)
	}
	writeJSON(w, http.StatusOK, out)
}

type resolveDLQRequest struct {
	ResolvedBy string `json:"resolved_by"`
}

func (s *Server) handleResolveDLQ(w http.ResponseWriter, r *http.Request) {
	var req resolveDLQRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ResolvedBy == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "resolved_by is required", false)
		return
	}

	var err = s.store.ResolveDLQ(r.Context(), chi.URLParam(r, "id"), req.ResolvedBy)
	if errors.Is(err, buffer.ErrNotFound) {
		writeError(w, http.StatusNotFound, CodeNotFound, "no unresolved dead letter with that id", false)
		return
	} else if err != nil {
		log.WithField("err", err).Error("failed to resolve dead letter")
		writeError(w, http.StatusInternalServerError, CodeInternal, "internal error", true)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

type healthResponse struct {
	Status     string            `json:"status"`
	Subsystems map[string]string `json:"subsystems"`
}

// handleHealth is used by readiness probes and must stay cheap: one
// read-only ping, no writes.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var resp = healthResponse{Status: "ok", Subsystems: map[string]string{}}

	if err := s.store.DB().PingContext(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Subsystems["buffer"] = "unavailable"
	} else {
		resp.Subsystems["buffer"] = "ok"
	}
	resp.Subsystems["circuit_breaker"] = s.brk.State().String()
	if s.erpLink != nil {
		if s.erpLink.Online() {
			resp.Subsystems["erp_link"] = "online"
		} else {
			resp.Subsystems["erp_link"] = "offline"
		}
	}

	var code = http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithField("err", err).Warn("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, code int, errorCode, message string, retryable bool) {
	writeJSON(w, code, Envelope{ErrorCode: errorCode, Message: message, Retryable: retryable})
}

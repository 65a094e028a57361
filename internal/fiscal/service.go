// Package fiscal implements the two-phase fiscalization protocol. Phase 1
// (validate, durably buffer, print) always succeeds while the buffer has
// capacity and never touches the OFD; Phase 2 (remote delivery) is the sync
// worker's job and is merely kicked from here.
package fiscal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"

	"github.com/optilane/kkt-adapter/internal/buffer"
	"github.com/optilane/kkt-adapter/internal/hlc"
	"github.com/optilane/kkt-adapter/internal/kkt"
)

// ErrInvalidRequest marks shape violations in the submitted document.
var ErrInvalidRequest = errors.New("invalid request")

// RefundBlockedError rejects a compensating receipt whose antecedent the
// OFD has not acknowledged yet.
type RefundBlockedError struct {
	OriginalID string
	Status     string
}

func (e *RefundBlockedError) Error() string {
	return fmt.Sprintf("antecedent receipt %s is %s, not synced", e.OriginalID, e.Status)
}

// MaxIdempotencyKeyLen bounds the Idempotency-Key header value.
const MaxIdempotencyKeyLen = 128

// SubmitRequest is one receipt submission from the POS.
type SubmitRequest struct {
	PosID          string
	Type           string
	OriginalID     string
	Payload        json.RawMessage
	IdempotencyKey string
}

// SubmitResponse answers a submission. Status is "printed" when the KKT
// confirmed paper output, "buffered" when the receipt is durable but
// printing failed or was skipped, or the stored receipt's status for an
// idempotent replay.
type SubmitResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// RefundDecision answers a refund admissibility check.
type RefundDecision struct {
	Allowed    bool   `json:"allowed"`
	SyncStatus string `json:"sync_status"`
	Reason     string `json:"reason,omitempty"`
}

// Service orchestrates Phase 1. The buffer and breaker are shared with the
// sync worker; neither component references the other.
type Service struct {
	store   *buffer.Store
	clock   *hlc.Clock
	printer kkt.Driver
	// kick triggers a best-effort Phase 2 attempt via the sync worker.
	// Routing the inline attempt through the worker keeps delivery
	// single-flight under the cluster lock.
	kick func()

	// idem caches idempotency-key -> receipt id so POS retries skip the
	// key-indexed lookup.
	idem *lru.Cache[string, string]
}

// NewService wires a fiscalization service. |kick| may be nil.
func NewService(store *buffer.Store, clock *hlc.Clock, printer kkt.Driver, kick func()) *Service {
	var cache, _ = lru.New[string, string](1024)
	return &Service{
		store:   store,
		clock:   clock,
		printer: printer,
		kick:    kick,
		idem:    cache,
	}
}

// Submit executes Phase 1 for one receipt.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	// Fast path for POS retries: the key was seen by this process.
	if id, ok := s.idem.Get(req.IdempotencyKey); ok {
		if existing, err := s.store.Get(ctx, id); err == nil {
			return &SubmitResponse{ID: existing.ID, Status: existing.Status}, nil
		}
		s.idem.Remove(req.IdempotencyKey)
	}

	// Compensation rule: a refund or correction may not precede OFD
	// confirmation of its antecedent. An antecedent absent from the live
	// buffer was archived, and archival never removes unsynced receipts.
	if req.Type == buffer.TypeRefund || req.Type == buffer.TypeCorrection {
		var antecedent, err = s.store.Get(ctx, req.OriginalID)
		if err == nil && antecedent.Status != buffer.StatusSynced {
			return nil, &RefundBlockedError{OriginalID: req.OriginalID, Status: antecedent.Status}
		} else if err != nil && !errors.Is(err, buffer.ErrNotFound) {
			return nil, fmt.Errorf("looking up antecedent receipt: %w", err)
		}
	}

	var ts = s.clock.Now()
	var receipt = &buffer.Receipt{
		ID:             uuid.NewString(),
		PosID:          req.PosID,
		CreatedAt:      time.Now().Unix(),
		HLCLocal:       ts.Wall,
		HLCCounter:     int64(ts.Counter),
		Type:           req.Type,
		Payload:        req.Payload,
		IdempotencyKey: req.IdempotencyKey,
	}
	if req.OriginalID != "" {
		receipt.OriginalID = sql.NullString{String: req.OriginalID, Valid: true}
	}

	var err = s.store.Insert(ctx, receipt)
	var dup *buffer.DuplicateKeyError
	if errors.As(err, &dup) {
		// Idempotent create: echo the original id. The replayed payload
		// is discarded even when its bytes differ.
		if !dup.PayloadMatches {
			log.WithFields(log.Fields{
				"receipt":        dup.ID,
				"idempotencyKey": req.IdempotencyKey,
				"payloadHash":    buffer.HashPayload(req.Payload),
			}).Info("idempotency key replayed with different payload bytes; keeping original")
		}
		s.idem.Add(req.IdempotencyKey, dup.ID)
		return &SubmitResponse{ID: dup.ID, Status: dup.Status}, nil
	} else if err != nil {
		return nil, err
	}
	s.idem.Add(req.IdempotencyKey, receipt.ID)

	// The receipt is durable; the contract to the POS is satisfied. A
	// print failure is an operator problem (the fiscal document is held
	// by the FN regardless of paper) and must not fail the sale.
	var status = "printed"
	if err = s.printer.Print(ctx, req.Payload); err != nil {
		status = "buffered"
		printFailures.Inc()
		log.WithFields(log.Fields{
			"receipt": receipt.ID,
			"posID":   req.PosID,
			"err":     err,
		}).Warn("KKT print failed; receipt is buffered and legally captured")
	}

	if s.kick != nil {
		s.kick()
	}
	return &SubmitResponse{ID: receipt.ID, Status: status}, nil
}

// CheckRefund reports whether a refund of |originalID| would be admitted.
func (s *Service) CheckRefund(ctx context.Context, originalID string) (*RefundDecision, error) {
	if originalID == "" {
		return nil, fmt.Errorf("%w: original_fiscal_doc_id is required", ErrInvalidRequest)
	}

	var antecedent, err = s.store.Get(ctx, originalID)
	if errors.Is(err, buffer.ErrNotFound) {
		// Absent from the live buffer implies prior successful delivery.
		return &RefundDecision{Allowed: true, SyncStatus: "archived"}, nil
	} else if err != nil {
		return nil, fmt.Errorf("looking up receipt: %w", err)
	}

	if antecedent.Status != buffer.StatusSynced {
		return &RefundDecision{
			Allowed:    false,
			SyncStatus: antecedent.Status,
			Reason:     "antecedent not synced",
		}, nil
	}
	return &RefundDecision{Allowed: true, SyncStatus: buffer.StatusSynced}, nil
}

func validate(req SubmitRequest) error {
	if req.IdempotencyKey == "" {
		return fmt.Errorf("%w: Idempotency-Key header is required", ErrInvalidRequest)
	}
	if len(req.IdempotencyKey) > MaxIdempotencyKeyLen {
		return fmt.Errorf("%w: Idempotency-Key exceeds %d bytes", ErrInvalidRequest, MaxIdempotencyKeyLen)
	}
	if req.PosID == "" {
		return fmt.Errorf("%w: pos_id is required", ErrInvalidRequest)
	}
	switch req.Type {
	case buffer.TypeSale:
	case buffer.TypeRefund, buffer.TypeCorrection:
		if req.OriginalID == "" {
			return fmt.Errorf("%w: original_id is required for %s receipts", ErrInvalidRequest, req.Type)
		}
	default:
		return fmt.Errorf("%w: unknown receipt type %q", ErrInvalidRequest, req.Type)
	}
	if len(req.Payload) == 0 || !json.Valid(req.Payload) {
		return fmt.Errorf("%w: payload must be a JSON document", ErrInvalidRequest)
	}
	return nil
}

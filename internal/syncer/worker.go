// Package syncer drains pending receipts to the OFD. A single logical
// worker runs per cluster, enforced by a lease-based lock; without the lock
// exactly-once delivery is not guaranteed.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/optilane/kkt-adapter/internal/breaker"
	"github.com/optilane/kkt-adapter/internal/buffer"
	"github.com/optilane/kkt-adapter/internal/hlc"
	"github.com/optilane/kkt-adapter/internal/ofd"
)

// staleClaimFactor scales the sync interval into the stale-syncing cutoff.
const staleClaimFactor = 5

// Config tunes the worker.
type Config struct {
	// Interval between sync cycles.
	Interval time.Duration
	// BatchSize bounds receipts claimed per cycle.
	BatchSize int
}

// Worker periodically claims pending receipts and delivers them through the
// circuit breaker in HLC order.
type Worker struct {
	store  *buffer.Store
	brk    *breaker.Breaker
	client *ofd.Client
	clock  *hlc.Clock
	locker Locker
	cfg    Config

	kick chan struct{}
}

// New wires a Worker. The buffer and breaker are shared with the
// fiscalization service.
func New(store *buffer.Store, brk *breaker.Breaker, client *ofd.Client, clock *hlc.Clock, locker Locker, cfg Config) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Worker{
		store:  store,
		brk:    brk,
		client: client,
		clock:  clock,
		locker: locker,
		cfg:    cfg,
		kick:   make(chan struct{}, 1),
	}
}

// Kick schedules a best-effort sync attempt without blocking. Used for the
// inline Phase 2 trigger after a submission.
func (w *Worker) Kick() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// ForceSync runs one cycle on behalf of POST /v1/kkt/buffer/sync. It
// returns ErrLockHeld when a sync is already running; otherwise the cycle
// proceeds in the background and the call returns immediately.
func (w *Worker) ForceSync(ctx context.Context) error {
	var release, err = w.locker.TryAcquire(ctx)
	if err != nil {
		return err
	}
	go func() {
		var cycleCtx, cancel = context.WithTimeout(context.Background(), w.cfg.Interval*staleClaimFactor)
		defer cancel()
		defer release(cycleCtx)
		w.cycle(cycleCtx)
	}()
	return nil
}

// Run is the worker loop; queue it on the process task group. On startup it
// reverts claims orphaned by a previous crash.
func (w *Worker) Run(ctx context.Context) error {
	if _, err := w.store.RevertStaleSyncing(ctx, staleClaimFactor*w.cfg.Interval); err != nil {
		return fmt.Errorf("recovering stale claims: %w", err)
	}

	var ticker = time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-w.kick:
		}
		w.attempt(ctx)
	}
}

func (w *Worker) attempt(ctx context.Context) {
	var release, err = w.locker.TryAcquire(ctx)
	if errors.Is(err, ErrLockHeld) {
		log.Debug("sync lock held elsewhere; skipping cycle")
		return
	} else if err != nil {
		log.WithField("err", err).Warn("failed to acquire sync lock")
		return
	}
	defer release(ctx)

	w.cycle(ctx)
}

func (w *Worker) cycle(ctx context.Context) {
	if w.brk.State() == breaker.Open {
		return
	}

	var claimed, err = w.store.ClaimPending(ctx, w.cfg.BatchSize)
	if err != nil {
		log.WithField("err", err).Error("failed to claim pending receipts")
		return
	}
	if len(claimed) == 0 {
		return
	}

	cyclesTotal.Inc()
	if err = w.store.AppendEvent(ctx, buffer.EventSyncStarted, "",
		fmt.Sprintf(`{"batch":%d}`, len(claimed))); err != nil {
		log.WithField("err", err).Warn("failed to append sync_started event")
	}

	var synced, retried, dead, released int
	for i := range claimed {
		if ctx.Err() != nil {
			// Shutdown mid-batch: return unattempted claims; anything
			// missed here is caught by the stale-claim revert.
			w.release(claimed[i:])
			released += len(claimed) - i
			break
		}
		switch w.deliver(ctx, &claimed[i]) {
		case deliverySynced:
			synced++
		case deliveryRetried:
			retried++
		case deliveryDead:
			dead++
		case deliveryShortCircuit:
			// The circuit opened; no point attempting the rest.
			w.release(claimed[i:])
			released += len(claimed) - i
		}
		if released > 0 {
			break
		}
	}

	if err = w.store.AppendEvent(ctx, buffer.EventSyncCompleted, "",
		fmt.Sprintf(`{"synced":%d,"retried":%d,"dead_lettered":%d,"released":%d}`,
			synced, retried, dead, released)); err != nil {
		log.WithField("err", err).Warn("failed to append sync_completed event")
	}
	log.WithFields(log.Fields{
		"claimed": len(claimed), "synced": synced, "retried": retried,
		"deadLettered": dead, "released": released,
	}).Info("sync cycle completed")
}

type deliveryOutcome int

const (
	deliverySynced deliveryOutcome = iota
	deliveryRetried
	deliveryDead
	deliveryShortCircuit
)

func (w *Worker) deliver(ctx context.Context, r *buffer.Receipt) deliveryOutcome {
	var result, err = w.brk.Call(ctx, func(ctx context.Context) ofd.Result {
		return w.client.Submit(ctx, r.Payload)
	})
	if errors.Is(err, breaker.ErrOpen) {
		return deliveryShortCircuit
	}

	switch result.Class {
	case ofd.ClassSuccess:
		if err := w.store.MarkSynced(ctx, r.ID, result.ServerTime); err != nil {
			log.WithFields(log.Fields{"receipt": r.ID, "err": err}).
				Error("failed to mark receipt synced")
			return deliveryRetried
		}
		w.clock.Observe(result.ServerTime)
		return deliverySynced

	case ofd.ClassTransient:
		dlq, err := w.store.IncrementRetry(ctx, r.ID, result.Err.Error())
		if err != nil {
			log.WithFields(log.Fields{"receipt": r.ID, "err": err}).
				Error("failed to record delivery retry")
		}
		if dlq {
			log.WithFields(log.Fields{"receipt": r.ID, "cause": result.Err}).
				Error("receipt exhausted its retry budget and was dead-lettered")
			return deliveryDead
		}
		return deliveryRetried

	default: // ofd.ClassPermanent
		if err := w.store.MoveToDLQ(ctx, r.ID, buffer.ReasonPermanentReject, result.Err.Error()); err != nil {
			log.WithFields(log.Fields{"receipt": r.ID, "err": err}).
				Error("failed to dead-letter rejected receipt")
			return deliveryRetried
		}
		log.WithFields(log.Fields{"receipt": r.ID, "cause": result.Err}).
			Warn("OFD permanently rejected receipt; moved to DLQ")
		return deliveryDead
	}
}

func (w *Worker) release(claimed []buffer.Receipt) {
	// Best effort with a fresh context; the claims are otherwise caught
	// by the stale-syncing revert on next startup.
	var ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := range claimed {
		if err := w.store.ReleaseClaim(ctx, claimed[i].ID); err != nil {
			log.WithFields(log.Fields{"receipt": claimed[i].ID, "err": err}).
				Warn("failed to release unattempted claim")
		}
	}
}

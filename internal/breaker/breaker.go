// Package breaker gates OFD calls behind a three-state circuit breaker so a
// failing operator cannot slow down the local fiscal path.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/optilane/kkt-adapter/internal/buffer"
	"github.com/optilane/kkt-adapter/internal/ofd"
)

// State of the breaker. The gauge encoding (CLOSED=0, OPEN=1, HALF_OPEN=2)
// follows the wire contract of the heartbeat and metrics surfaces.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ErrOpen is returned by Call when the breaker short-circuits. It never
// reaches the POS caller; the receipt simply stays buffered.
var ErrOpen = errors.New("circuit breaker is open")

// EventSink receives circuit_opened / circuit_closed lifecycle events.
// *buffer.Store satisfies it.
type EventSink interface {
	AppendEvent(ctx context.Context, eventType, receiptID, metadata string) error
}

// Config holds the breaker thresholds.
type Config struct {
	// FailureThreshold consecutive transient failures open the circuit.
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before probing.
	RecoveryTimeout time.Duration
	// SuccessThreshold consecutive probe successes close the circuit.
	SuccessThreshold int
}

// Breaker wraps OFD calls. All transitions are serialized by the mutex;
// callers observe at most one transition per call.
type Breaker struct {
	mu        sync.Mutex
	cfg       Config
	state     State
	failures  int
	successes int
	deadline  time.Time // governs Open -> HalfOpen; monotonic reading.
	probing   bool      // HalfOpen admits one in-flight probe.

	events EventSink
	now    func() time.Time
}

// New returns a closed Breaker.
func New(cfg Config, events EventSink) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	var b = &Breaker{cfg: cfg, events: events, now: time.Now}
	stateGauge.Set(float64(Closed))
	return b
}

// State reports the current state, applying the Open -> HalfOpen timer.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeProbe()
	return b.state
}

// Call invokes |fn| through the breaker. When the circuit is open (or a
// half-open probe is already in flight) it returns ErrOpen without touching
// the network. Otherwise it returns fn's classified result and feeds the
// classification back into the breaker: transient failures count toward
// opening, successes toward closing, and permanent failures are neutral
// because they indict the receipt, not the operator.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) ofd.Result) (ofd.Result, error) {
	if err := b.admit(); err != nil {
		shortCircuits.Inc()
		return ofd.Result{}, err
	}

	var result = fn(ctx)
	b.record(ctx, result.Class)
	return result, nil
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeProbe()
	switch b.state {
	case Closed:
		return nil
	case HalfOpen:
		if b.probing {
			return ErrOpen
		}
		b.probing = true
		return nil
	default:
		return ErrOpen
	}
}

// maybeProbe transitions Open -> HalfOpen once the recovery deadline has
// passed. Caller must hold b.mu.
func (b *Breaker) maybeProbe() {
	if b.state == Open && !b.now().Before(b.deadline) {
		b.state = HalfOpen
		b.successes = 0
		b.probing = false
		stateGauge.Set(float64(HalfOpen))
		log.Info("circuit breaker probing OFD recovery")
	}
}

func (b *Breaker) record(ctx context.Context, class ofd.Class) {
	b.mu.Lock()
	var emit string

	switch b.state {
	case Closed:
		switch class {
		case ofd.ClassTransient:
			b.failures++
			if b.failures >= b.cfg.FailureThreshold {
				b.toOpen()
				emit = buffer.EventCircuitOpened
			}
		case ofd.ClassSuccess:
			b.failures = 0
		}
		// Permanent: neutral.

	case HalfOpen:
		b.probing = false
		switch class {
		case ofd.ClassTransient:
			b.toOpen()
			emit = buffer.EventCircuitOpened
		case ofd.ClassSuccess:
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				b.toClosed()
				emit = buffer.EventCircuitClosed
			}
		}
		// Permanent: proves reachability but confirms nothing; neutral.
	}
	var failures = b.failures
	b.mu.Unlock()

	// Event emission is observability, not the hot path; it happens
	// outside the mutex and failures are only logged.
	if emit != "" && b.events != nil {
		var md = ""
		if emit == buffer.EventCircuitOpened {
			md = fmt.Sprintf(`{"consecutive_failures":%d}`, failures)
		}
		if err := b.events.AppendEvent(ctx, emit, "", md); err != nil {
			log.WithFields(log.Fields{"event": emit, "err": err}).
				Warn("failed to append circuit breaker event")
		}
	}
}

// toOpen must be called with b.mu held.
func (b *Breaker) toOpen() {
	b.state = Open
	b.deadline = b.now().Add(b.cfg.RecoveryTimeout)
	b.successes = 0
	b.probing = false
	stateGauge.Set(float64(Open))
	transitions.WithLabelValues("open").Inc()
	log.WithField("recoveryTimeout", b.cfg.RecoveryTimeout).
		Warn("circuit breaker opened; OFD calls are short-circuited")
}

// toClosed must be called with b.mu held.
func (b *Breaker) toClosed() {
	b.state = Closed
	b.failures = 0
	b.successes = 0
	stateGauge.Set(float64(Closed))
	transitions.WithLabelValues("closed").Inc()
	log.Info("circuit breaker closed; OFD delivery resumed")
}

// Package heartbeat pushes periodic terminal status to the ERP. Heartbeat
// failures never affect fiscalization; connectivity classification is
// damped with hysteresis so brief glitches do not flap alerts.
package heartbeat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Payload is the status document posted to the ERP heartbeat sink.
type Payload struct {
	PosID               string  `json:"pos_id"`
	BufferFullness      float64 `json:"buffer_fullness"`
	CircuitBreakerState string  `json:"circuit_breaker_state"`
	ClockDriftS         int64   `json:"clock_drift_s"`
}

// SnapshotFunc assembles the current Payload. Composed at startup from the
// buffer, breaker, and clock; the emitter itself stays decoupled from them.
type SnapshotFunc func(ctx context.Context) (Payload, error)

// Config tunes the emitter.
type Config struct {
	// URL of the ERP heartbeat sink.
	URL string
	// Interval between pushes.
	Interval time.Duration
	// Timeout per push.
	Timeout time.Duration
	// OfflineFailures consecutive failed pushes report the terminal offline.
	OfflineFailures int
	// OnlineSuccesses consecutive successes report it online again.
	OnlineSuccesses int
}

// Emitter periodically pushes snapshots and tracks connectivity.
type Emitter struct {
	cfg      Config
	snapshot SnapshotFunc
	http     *http.Client

	mu        sync.Mutex
	online    bool
	successes int
	failures  int
}

// New returns an Emitter which starts in the online state.
func New(cfg Config, snapshot SnapshotFunc) *Emitter {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.OfflineFailures <= 0 {
		cfg.OfflineFailures = 3
	}
	if cfg.OnlineSuccesses <= 0 {
		cfg.OnlineSuccesses = 2
	}
	var e = &Emitter{
		cfg:      cfg,
		snapshot: snapshot,
		http:     &http.Client{Timeout: cfg.Timeout},
		online:   true,
	}
	onlineGauge.Set(1)
	return e
}

// Online reports the damped connectivity classification.
func (e *Emitter) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// Run is the emitter loop; queue it on the process task group.
func (e *Emitter) Run(ctx context.Context) error {
	var ticker = time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.Beat(ctx)
		}
	}
}

// Beat pushes one heartbeat and applies hysteresis to the outcome.
func (e *Emitter) Beat(ctx context.Context) {
	e.observe(e.push(ctx) == nil)
}

func (e *Emitter) push(ctx context.Context) error {
	var payload, err = e.snapshot(ctx)
	if err != nil {
		return fmt.Errorf("assembling heartbeat: %w", err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding heartbeat: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building heartbeat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.http.Do(req)
	if err != nil {
		return fmt.Errorf("pushing heartbeat: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("heartbeat sink responded %s", resp.Status)
	}
	return nil
}

func (e *Emitter) observe(ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ok {
		e.successes++
		e.failures = 0
		if !e.online && e.successes >= e.cfg.OnlineSuccesses {
			e.online = true
			onlineGauge.Set(1)
			log.Info("terminal reported online to ERP")
		}
	} else {
		e.failures++
		e.successes = 0
		if e.online && e.failures >= e.cfg.OfflineFailures {
			e.online = false
			onlineGauge.Set(0)
			log.WithField("consecutiveFailures", e.failures).
				Warn("terminal reported offline to ERP")
		}
	}
}

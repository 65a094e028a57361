// Package hlc implements the hybrid logical clock which orders receipts
// independently of wall-clock accuracy. The clock never regresses: if the
// wall clock is set backwards, the last observed second is retained and the
// counter keeps incrementing until real time catches up.
package hlc

import (
	"math"
	"sync"
	"time"
)

// Timestamp is a single HLC reading. Wall is wall-clock seconds and Counter
// disambiguates events within the same second.
type Timestamp struct {
	Wall    int64  `json:"hlc_local"`
	Counter uint64 `json:"hlc_counter"`
}

// Before returns true if a happened before b.
func (a Timestamp) Before(b Timestamp) bool {
	if a.Wall != b.Wall {
		return a.Wall < b.Wall
	}
	return a.Counter < b.Counter
}

// Clock issues linearizable timestamps. Two invocations within the same
// process are strictly ordered.
type Clock struct {
	mu      sync.Mutex
	wall    int64
	counter uint64

	// now is swappable for tests.
	now func() time.Time
}

// NewClock returns a Clock backed by the system wall clock.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// NewClockAt returns a Clock reading time through |now|.
func NewClockAt(now func() time.Time) *Clock {
	return &Clock{now: now}
}

// Now assigns the next timestamp.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	var phys = c.now().Unix()
	if phys > c.wall {
		c.wall = phys
		c.counter = 0
	} else {
		c.counter++
	}
	driftGauge.Set(float64(c.wall - phys))

	return Timestamp{Wall: c.wall, Counter: c.counter}
}

// Observe merges an authoritative server component, typically the OFD
// acknowledgement time, so that later local stamps dominate it.
func (c *Clock) Observe(serverWall int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if serverWall > c.wall {
		c.wall = serverWall
		c.counter = 0
	}
}

// Drift reports how far the HLC has run ahead of the wall clock. Zero when
// the wall clock is healthy; positive after a regression.
func (c *Clock) Drift() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var d = c.wall - c.now().Unix()
	if d < 0 {
		d = 0
	}
	return time.Duration(d) * time.Second
}

// NoServer is the sort key assigned to receipts which the OFD has not yet
// acknowledged. It dominates every real server component.
const NoServer int64 = math.MaxInt64

// Key is the total order over receipts: (hlc_server ?? +inf, hlc_local,
// hlc_counter) ascending.
type Key struct {
	Server int64 // NoServer when unassigned.
	Local  Timestamp
}

// Compare returns -1, 0 or +1 ordering a relative to b.
func Compare(a, b Key) int {
	switch {
	case a.Server < b.Server:
		return -1
	case a.Server > b.Server:
		return 1
	case a.Local.Before(b.Local):
		return -1
	case b.Local.Before(a.Local):
		return 1
	}
	return 0
}

package hlc

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimestampsAdvanceWithinOneSecond(t *testing.T) {
	var fixed = time.Unix(1700000000, 0)
	var clock = NewClockAt(func() time.Time { return fixed })

	var a = clock.Now()
	var b = clock.Now()
	var c = clock.Now()

	require.Equal(t, int64(1700000000), a.Wall)
	require.True(t, a.Before(b))
	require.True(t, b.Before(c))
	require.Equal(t, uint64(2), c.Counter)
}

func TestCounterResetsWhenSecondAdvances(t *testing.T) {
	var now = time.Unix(100, 0)
	var clock = NewClockAt(func() time.Time { return now })

	_ = clock.Now()
	_ = clock.Now()
	now = time.Unix(101, 0)

	var ts = clock.Now()
	require.Equal(t, int64(101), ts.Wall)
	require.Zero(t, ts.Counter)
}

func TestWallClockRegressionDoesNotRegressHLC(t *testing.T) {
	var now = time.Unix(1700000000, 0)
	var clock = NewClockAt(func() time.Time { return now })

	var before = clock.Now()

	// Regress the wall clock by five minutes.
	now = now.Add(-5 * time.Minute)

	var prev = before
	for i := 0; i < 100; i++ {
		var ts = clock.Now()
		require.True(t, prev.Before(ts), "tuple must stay monotone")
		require.Equal(t, before.Wall, ts.Wall)
		prev = ts
	}
	require.Equal(t, 5*time.Minute, clock.Drift())

	// Wall clock catches up; the counter resets.
	now = time.Unix(1700000000+1, 0)
	var ts = clock.Now()
	require.True(t, prev.Before(ts))
	require.Zero(t, ts.Counter)
}

func TestObserveMergesServerComponent(t *testing.T) {
	var now = time.Unix(500, 0)
	var clock = NewClockAt(func() time.Time { return now })

	_ = clock.Now()
	clock.Observe(900)

	var ts = clock.Now()
	require.Equal(t, int64(900), ts.Wall)
	require.Equal(t, uint64(1), ts.Counter)
}

func TestConcurrentCallersObserveStrictOrder(t *testing.T) {
	var clock = NewClock()
	var mu sync.Mutex
	var seen = make(map[Timestamp]struct{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				var ts = clock.Now()
				mu.Lock()
				_, dup := seen[ts]
				seen[ts] = struct{}{}
				mu.Unlock()
				require.False(t, dup, "duplicate timestamp issued")
			}
		}()
	}
	wg.Wait()
	require.Len(t, seen, 8*500)
}

func TestCompareOrdersServerConfirmedFirst(t *testing.T) {
	var confirmed = Key{Server: 1000, Local: Timestamp{Wall: 50, Counter: 3}}
	var pending = Key{Server: NoServer, Local: Timestamp{Wall: 10, Counter: 0}}

	require.Equal(t, -1, Compare(confirmed, pending))
	require.Equal(t, 1, Compare(pending, confirmed))

	var laterLocal = Key{Server: NoServer, Local: Timestamp{Wall: 10, Counter: 1}}
	require.Equal(t, -1, Compare(pending, laterLocal))
	require.Equal(t, 0, Compare(pending, pending))
}

package syncer

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/optilane/kkt-adapter/internal/breaker"
	"github.com/optilane/kkt-adapter/internal/buffer"
	"github.com/optilane/kkt-adapter/internal/hlc"
	"github.com/optilane/kkt-adapter/internal/ofd"
)

type env struct {
	store  *buffer.Store
	brk    *breaker.Breaker
	worker *Worker
}

func testEnv(t *testing.T, ofdURL string, opts buffer.Options) *env {
	t.Helper()

	var store, err = buffer.Open(filepath.Join(t.TempDir(), "buffer.db"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	var brk = breaker.New(breaker.Config{
		FailureThreshold: 5,
		RecoveryTimeout:  time.Minute,
		SuccessThreshold: 2,
	}, store)
	var worker = New(store, brk, ofd.NewClient(ofdURL, time.Second),
		hlc.NewClock(), &LocalLocker{}, Config{Interval: time.Minute, BatchSize: 50})
	return &env{store: store, brk: brk, worker: worker}
}

func insertPending(t *testing.T, store *buffer.Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, store.Insert(context.Background(), &buffer.Receipt{
			ID:             "r-" + string(rune('a'+i)),
			PosID:          "POS-001",
			CreatedAt:      int64(100 + i),
			HLCLocal:       int64(100 + i),
			Type:           buffer.TypeSale,
			Payload:        []byte(`{"total":1000}`),
			IdempotencyKey: "k-" + string(rune('a'+i)),
		}))
	}
}

func TestCycleDrainsBufferInHLCOrder(t *testing.T) {
	var delivered int32
	var serverTime int64 = 5000
	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&delivered, 1)
		var st = atomic.AddInt64(&serverTime, 1)
		fmt.Fprintf(w, `{"server_time": %d, "ack_id": "ack-%d"}`, st, st)
	}))
	defer server.Close()

	var e = testEnv(t, server.URL, buffer.Options{})
	insertPending(t, e.store, 5)

	e.worker.cycle(context.Background())

	var sum, err = e.store.Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5, sum.Synced)
	require.Zero(t, sum.Pending)
	require.Equal(t, int32(5), atomic.LoadInt32(&delivered))

	// Server-assigned times follow HLC submission order.
	var prev int64
	for i := 0; i < 5; i++ {
		r, err := e.store.Get(context.Background(), "r-"+string(rune('a'+i)))
		require.NoError(t, err)
		require.True(t, r.HLCServer.Valid)
		require.Greater(t, r.HLCServer.Int64, prev)
		prev = r.HLCServer.Int64
	}
}

func TestTransientFailuresRetryAndOpenBreaker(t *testing.T) {
	var calls int32
	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	var e = testEnv(t, server.URL, buffer.Options{})
	insertPending(t, e.store, 8)

	e.worker.cycle(context.Background())

	// Five transient failures opened the breaker; the remaining claims
	// were released without touching the network.
	require.Equal(t, breaker.Open, e.brk.State())
	require.Equal(t, int32(5), atomic.LoadInt32(&calls))

	var sum, err = e.store.Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, 8, sum.Pending, "all receipts remain buffered")
	require.Zero(t, sum.Syncing, "no claims are stranded")

	// With the breaker open the next cycle is a no-op.
	e.worker.cycle(context.Background())
	require.Equal(t, int32(5), atomic.LoadInt32(&calls))
}

func TestPermanentRejectionDeadLetters(t *testing.T) {
	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	var e = testEnv(t, server.URL, buffer.Options{})
	insertPending(t, e.store, 1)

	e.worker.cycle(context.Background())

	var letters, err = e.store.ListDLQ(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	require.Equal(t, buffer.ReasonPermanentReject, letters[0].Reason)

	// Permanent rejections never open the breaker.
	require.Equal(t, breaker.Closed, e.brk.State())
}

func TestForceSyncReportsLockContention(t *testing.T) {
	var e = testEnv(t, "http://127.0.0.1:0", buffer.Options{})

	var locker = &LocalLocker{}
	e.worker.locker = locker

	var release, err = locker.TryAcquire(context.Background())
	require.NoError(t, err)

	require.ErrorIs(t, e.worker.ForceSync(context.Background()), ErrLockHeld)

	release(context.Background())
	require.NoError(t, e.worker.ForceSync(context.Background()))
}

func TestOfflineBurstDrainsAfterRecovery(t *testing.T) {
	var down = int32(1)
	var serverTime int64 = 9000
	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&down) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var st = atomic.AddInt64(&serverTime, 1)
		fmt.Fprintf(w, `{"server_time": %d, "ack_id": "ack-%d"}`, st, st)
	}))
	defer server.Close()

	var e = testEnv(t, server.URL, buffer.Options{})
	insertPending(t, e.store, 10)

	// OFD down: the cycle opens the breaker, everything stays pending.
	e.worker.cycle(context.Background())
	require.Equal(t, breaker.Open, e.brk.State())

	// OFD restored. Swap in a fresh closed breaker rather than waiting out
	// the minute-long recovery timeout.
	atomic.StoreInt32(&down, 0)
	e.brk = breaker.New(breaker.Config{FailureThreshold: 5, RecoveryTimeout: time.Minute, SuccessThreshold: 2}, e.store)
	e.worker.brk = e.brk

	// Successive cycles, clearing retry backoff between them.
	for i := 0; i < 8; i++ {
		e.worker.cycle(context.Background())
		var sum, err = e.store.Status(context.Background())
		require.NoError(t, err)
		if sum.Synced == 10 {
			break
		}
		time.Sleep(1100 * time.Millisecond)
	}

	var sum, err = e.store.Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, 10, sum.Synced)
	letters, err := e.store.ListDLQ(context.Background(), false)
	require.NoError(t, err)
	require.Empty(t, letters, "DLQ unchanged by an offline burst")
}

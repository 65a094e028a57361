package fiscal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/optilane/kkt-adapter/internal/buffer"
	"github.com/optilane/kkt-adapter/internal/hlc"
	"github.com/optilane/kkt-adapter/internal/kkt"
)

func testService(t *testing.T, printer kkt.Driver) (*Service, *buffer.Store, *int) {
	t.Helper()

	var store, err = buffer.Open(filepath.Join(t.TempDir(), "buffer.db"), buffer.Options{Capacity: 5})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	var kicks int
	var svc = NewService(store, hlc.NewClock(), printer, func() { kicks++ })
	return svc, store, &kicks
}

func saleRequest(key string) SubmitRequest {
	return SubmitRequest{
		PosID:          "POS-001",
		Type:           buffer.TypeSale,
		Payload:        []byte(`{"total":1000}`),
		IdempotencyKey: key,
	}
}

func TestSubmitHappyPath(t *testing.T) {
	var printer = &kkt.Stub{}
	var svc, store, kicks = testService(t, printer)
	var ctx = context.Background()

	var resp, err = svc.Submit(ctx, saleRequest("k-A1"))
	require.NoError(t, err)
	require.NotEmpty(t, resp.ID)
	require.Equal(t, "printed", resp.Status)
	require.Equal(t, 1, *kicks)
	require.Len(t, printer.Printed(), 1)

	var stored, gerr = store.Get(ctx, resp.ID)
	require.NoError(t, gerr)
	require.Equal(t, buffer.StatusPending, stored.Status)
	require.NotZero(t, stored.HLCLocal)
}

func TestSubmitIsIdempotent(t *testing.T) {
	var svc, store, _ = testService(t, &kkt.Stub{})
	var ctx = context.Background()

	first, err := svc.Submit(ctx, saleRequest("k-C1"))
	require.NoError(t, err)

	// Same key, different payload bytes: original id, payload discarded.
	var replay = saleRequest("k-C1")
	replay.Payload = []byte(`{"total":9999}`)
	second, err := svc.Submit(ctx, replay)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	stored, err := store.Get(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, []byte(`{"total":1000}`), stored.Payload)

	sum, err := store.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sum.Pending)
}

func TestSubmitSurvivesPrintFailure(t *testing.T) {
	var svc, store, kicks = testService(t, &kkt.Stub{Err: errors.New("paper jam")})
	var ctx = context.Background()

	var resp, err = svc.Submit(ctx, saleRequest("k-1"))
	require.NoError(t, err, "print failures must not fail the sale")
	require.Equal(t, "buffered", resp.Status)
	require.Equal(t, 1, *kicks)

	var stored, gerr = store.Get(ctx, resp.ID)
	require.NoError(t, gerr)
	require.Equal(t, buffer.StatusPending, stored.Status)
}

func TestSubmitPropagatesBufferFull(t *testing.T) {
	var svc, _, _ = testService(t, &kkt.Stub{})
	var ctx = context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.Submit(ctx, saleRequest(string(rune('a'+i))))
		require.NoError(t, err)
	}

	var _, err = svc.Submit(ctx, saleRequest("k-overflow"))
	var full *buffer.BufferFullError
	require.ErrorAs(t, err, &full)
}

func TestRefundBlockedUntilAntecedentSynced(t *testing.T) {
	var svc, store, _ = testService(t, &kkt.Stub{})
	var ctx = context.Background()

	sale, err := svc.Submit(ctx, saleRequest("k-sale"))
	require.NoError(t, err)

	var refund = SubmitRequest{
		PosID:          "POS-001",
		Type:           buffer.TypeRefund,
		OriginalID:     sale.ID,
		Payload:        []byte(`{"total":-1000}`),
		IdempotencyKey: "k-refund",
	}
	_, err = svc.Submit(ctx, refund)
	var blocked *RefundBlockedError
	require.ErrorAs(t, err, &blocked)
	require.Equal(t, buffer.StatusPending, blocked.Status)

	decision, err := svc.CheckRefund(ctx, sale.ID)
	require.NoError(t, err)
	require.False(t, decision.Allowed)
	require.Equal(t, buffer.StatusPending, decision.SyncStatus)
	require.Equal(t, "antecedent not synced", decision.Reason)

	// Deliver the sale, then the refund is admitted.
	_, err = store.ClaimPending(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, store.MarkSynced(ctx, sale.ID, 9000))

	decision, err = svc.CheckRefund(ctx, sale.ID)
	require.NoError(t, err)
	require.True(t, decision.Allowed)
	require.Equal(t, buffer.StatusSynced, decision.SyncStatus)

	resp, err := svc.Submit(ctx, refund)
	require.NoError(t, err)
	require.NotEmpty(t, resp.ID)
}

func TestRefundOfArchivedReceiptIsPermitted(t *testing.T) {
	var svc, _, _ = testService(t, &kkt.Stub{})
	var ctx = context.Background()

	var decision, err = svc.CheckRefund(ctx, "long-gone-id")
	require.NoError(t, err)
	require.True(t, decision.Allowed)
	require.Equal(t, "archived", decision.SyncStatus)

	_, err = svc.Submit(ctx, SubmitRequest{
		PosID:          "POS-001",
		Type:           buffer.TypeRefund,
		OriginalID:     "long-gone-id",
		Payload:        []byte(`{"total":-500}`),
		IdempotencyKey: "k-archived-refund",
	})
	require.NoError(t, err)
}

func TestSubmitValidation(t *testing.T) {
	var svc, _, _ = testService(t, &kkt.Stub{})
	var ctx = context.Background()

	var cases = []struct {
		name string
		mut  func(*SubmitRequest)
	}{
		{"missing key", func(r *SubmitRequest) { r.IdempotencyKey = "" }},
		{"oversized key", func(r *SubmitRequest) {
			for len(r.IdempotencyKey) <= MaxIdempotencyKeyLen {
				r.IdempotencyKey += "x"
			}
		}},
		{"missing pos_id", func(r *SubmitRequest) { r.PosID = "" }},
		{"unknown type", func(r *SubmitRequest) { r.Type = "exchange" }},
		{"refund without original", func(r *SubmitRequest) { r.Type = buffer.TypeRefund }},
		{"empty payload", func(r *SubmitRequest) { r.Payload = nil }},
		{"malformed payload", func(r *SubmitRequest) { r.Payload = []byte(`{"total":`) }},
	}
	for _, tc := range cases {
		var req = saleRequest("k-valid")
		tc.mut(&req)
		var _, err = svc.Submit(ctx, req)
		require.ErrorIs(t, err, ErrInvalidRequest, tc.name)
	}
}

func TestIdempotencyCacheFastPath(t *testing.T) {
	var svc, _, kicks = testService(t, &kkt.Stub{})
	var ctx = context.Background()

	first, err := svc.Submit(ctx, saleRequest("k-cached"))
	require.NoError(t, err)

	// The replay is answered from the cache; no Phase 2 kick, no print.
	var before = *kicks
	second, err := svc.Submit(ctx, saleRequest("k-cached"))
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, buffer.StatusPending, second.Status)
	require.Equal(t, before, *kicks)
}

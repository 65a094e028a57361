package ofd

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubmitClassifiesSuccess(t *testing.T) {
	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/receipts", r.URL.Path)
		w.Write([]byte(`{"server_time": 1700000123, "ack_id": "ack-42"}`))
	}))
	defer server.Close()

	var result = NewClient(server.URL, time.Second).Submit(context.Background(), []byte(`{}`))
	require.Equal(t, ClassSuccess, result.Class)
	require.Equal(t, int64(1700000123), result.ServerTime)
	require.Equal(t, "ack-42", result.AckID)
	require.NoError(t, result.Err)
}

func TestSubmitClassifiesTransient(t *testing.T) {
	for _, status := range []int{http.StatusInternalServerError, http.StatusBadGateway, http.StatusTooManyRequests} {
		var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		var result = NewClient(server.URL, time.Second).Submit(context.Background(), nil)
		server.Close()

		require.Equal(t, ClassTransient, result.Class, "status %d", status)
		require.Error(t, result.Err)
	}
}

func TestSubmitClassifiesConnectionErrorAsTransient(t *testing.T) {
	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // Refuse connections.

	var result = NewClient(server.URL, time.Second).Submit(context.Background(), nil)
	require.Equal(t, ClassTransient, result.Class)
}

func TestSubmitClassifiesPermanent(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusConflict} {
		var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		var result = NewClient(server.URL, time.Second).Submit(context.Background(), nil)
		server.Close()

		require.Equal(t, ClassPermanent, result.Class, "status %d", status)
	}
}

func TestSubmitRejectsMalformedAcknowledgement(t *testing.T) {
	var cases = []string{
		`not json at all`,
		`{"ack_id": "ack-1"}`,
		`{"server_time": 0, "ack_id": "ack-1"}`,
		`{"server_time": 1700000123}`,
	}
	for _, body := range cases {
		var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(body))
		}))
		var result = NewClient(server.URL, time.Second).Submit(context.Background(), nil)
		server.Close()

		require.Equal(t, ClassPermanent, result.Class, "body %s", body)
	}
}

func TestSubmitHonorsTimeout(t *testing.T) {
	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	var start = time.Now()
	var result = NewClient(server.URL, 50*time.Millisecond).Submit(context.Background(), nil)
	require.Equal(t, ClassTransient, result.Class)
	require.Less(t, time.Since(start), time.Second)
}

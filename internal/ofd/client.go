// Package ofd wraps the remote fiscal data operator. The client performs a
// single attempt per call and classifies the outcome; retry scheduling
// belongs to the sync worker and gating to the circuit breaker.
package ofd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Class partitions OFD call outcomes.
type Class int

const (
	// ClassSuccess: the OFD acknowledged the receipt.
	ClassSuccess Class = iota
	// ClassTransient: timeout, connection error, HTTP 5xx or 429. The
	// receipt stays buffered and is retried later.
	ClassTransient
	// ClassPermanent: HTTP 4xx (other than 429) or an acknowledgement
	// failing schema validation. The receipt is dead-lettered.
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	}
	return fmt.Sprintf("Class(%d)", int(c))
}

// Result is the classified outcome of one submission.
type Result struct {
	Class      Class
	ServerTime int64  // HLC server component; set on success.
	AckID      string // Operator acknowledgement identifier; set on success.
	Err        error  // Cause; set on transient and permanent outcomes.
}

// acknowledgement is the slice of the operator response the adapter needs.
// The full schema is owned by the operator.
type acknowledgement struct {
	ServerTime *int64 `json:"server_time"`
	AckID      string `json:"ack_id"`
}

// Client posts fiscal payloads to {base}/receipts.
type Client struct {
	base string
	http *http.Client
}

// NewClient returns a Client with the given per-call timeout.
func NewClient(base string, timeout time.Duration) *Client {
	return &Client{
		base: base,
		http: &http.Client{Timeout: timeout},
	}
}

// Submit delivers one fiscal payload. It never retries.
func (c *Client) Submit(ctx context.Context, payload []byte) Result {
	var req, err = http.NewRequestWithContext(ctx, http.MethodPost,
		c.base+"/receipts", bytes.NewReader(payload))
	if err != nil {
		return Result{Class: ClassPermanent, Err: fmt.Errorf("building OFD request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{Class: ClassTransient, Err: fmt.Errorf("calling OFD: %w", err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return c.parseAck(resp.Body)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Result{Class: ClassTransient,
			Err: fmt.Errorf("OFD responded %s", resp.Status)}
	default:
		return Result{Class: ClassPermanent,
			Err: fmt.Errorf("OFD rejected receipt: %s", resp.Status)}
	}
}

func (c *Client) parseAck(body io.Reader) Result {
	var ack acknowledgement
	if err := json.NewDecoder(body).Decode(&ack); err != nil {
		return Result{Class: ClassPermanent,
			Err: fmt.Errorf("decoding OFD acknowledgement: %w", err)}
	}
	if ack.ServerTime == nil || *ack.ServerTime <= 0 || ack.AckID == "" {
		return Result{Class: ClassPermanent,
			Err: fmt.Errorf("OFD acknowledgement failed validation: server_time=%v ack_id=%q",
				ack.ServerTime, ack.AckID)}
	}
	return Result{Class: ClassSuccess, ServerTime: *ack.ServerTime, AckID: ack.AckID}
}

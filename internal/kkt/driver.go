// Package kkt abstracts the physical fiscal printer. The adapter only needs
// a "print" capability with a deadline; printing failures never fail a sale
// because the receipt is durably stored first.
package kkt

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Driver prints a fiscal receipt.
type Driver interface {
	Print(ctx context.Context, payload []byte) error
}

// HTTPDriver talks to a vendor bridge exposing the printer over HTTP.
type HTTPDriver struct {
	url  string
	http *http.Client
}

// NewHTTPDriver returns a driver posting payloads to |url|.
func NewHTTPDriver(url string, timeout time.Duration) *HTTPDriver {
	return &HTTPDriver{
		url:  url,
		http: &http.Client{Timeout: timeout},
	}
}

func (d *HTTPDriver) Print(ctx context.Context, payload []byte) error {
	var req, err = http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building print request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling KKT bridge: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("KKT bridge responded %s", resp.Status)
	}
	return nil
}

// Stub is a Driver for tests and printer-less deployments. It records
// printed payloads and returns the configured error.
type Stub struct {
	mu      sync.Mutex
	Err     error
	printed [][]byte
}

func (s *Stub) Print(_ context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.printed = append(s.printed, payload)
	return nil
}

// Printed returns a copy of the payloads printed so far.
func (s *Stub) Printed() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.printed...)
}

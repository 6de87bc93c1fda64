package testutil

import (
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
)

// ErrNetworkDown is returned by SwitchableTransport while it is down.
var ErrNetworkDown = errors.New("testutil: network down")

// SwitchableTransport wraps a RoundTripper and can simulate a transport
// failure (no response at all) on demand. It counts every attempt that
// reached the wire.
type SwitchableTransport struct {
	Base http.RoundTripper

	down     atomic.Bool
	mu       sync.Mutex
	attempts []string
}

// NewSwitchableTransport wraps base (http.DefaultTransport when nil).
func NewSwitchableTransport(base http.RoundTripper) *SwitchableTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &SwitchableTransport{Base: base}
}

// SetDown makes every subsequent request fail with ErrNetworkDown.
func (t *SwitchableTransport) SetDown(down bool) {
	t.down.Store(down)
}

// RoundTrip implements http.RoundTripper.
func (t *SwitchableTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.mu.Lock()
	t.attempts = append(t.attempts, req.Method+" "+req.URL.Path)
	t.mu.Unlock()

	if t.down.Load() {
		return nil, ErrNetworkDown
	}
	return t.Base.RoundTrip(req)
}

// Attempts returns "METHOD /path" for every request seen, up or down.
func (t *SwitchableTransport) Attempts() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.attempts...)
}

// Reset forgets recorded attempts.
func (t *SwitchableTransport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts = nil
}

// Client returns an http.Client using this transport.
func (t *SwitchableTransport) Client() *http.Client {
	return &http.Client{Transport: t}
}

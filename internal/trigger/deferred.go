package trigger

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/offsync/internal/connectivity"
)

// DefaultRetryDelay is how long Deferred waits before re-issuing a
// registration whose handler failed.
const DefaultRetryDelay = 30 * time.Second

// ErrSchedulerClosed is returned by Register after Run has returned.
var ErrSchedulerClosed = errors.New("trigger: deferred scheduler closed")

// Handler runs the work registered under tag.
type Handler func(ctx context.Context, tag string) error

// DeferredOption configures a Deferred.
type DeferredOption func(*Deferred)

// WithRetryDelay overrides DefaultRetryDelay.
func WithRetryDelay(d time.Duration) DeferredOption {
	return func(s *Deferred) { s.retryDelay = d }
}

// WithDeferredLogger sets the logger.
func WithDeferredLogger(l *slog.Logger) DeferredOption {
	return func(s *Deferred) { s.logger = l }
}

// Deferred is a deferred-task scheduler: registrations are held by tag and
// delivered to the handler once the network is up. Registering a tag that
// is already pending is a no-op. Each delivery consumes the registration.
//
// Thread-safety: Register and Len are safe for concurrent use. Run must be
// called once.
type Deferred struct {
	monitor    *connectivity.Monitor
	retryDelay time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	handler Handler
	pending map[string]struct{}
	closed  bool
	retries map[string]*time.Timer
	wake    chan struct{}
}

// NewDeferred creates a scheduler gated on monitor (nil means always online).
func NewDeferred(monitor *connectivity.Monitor, opts ...DeferredOption) *Deferred {
	d := &Deferred{
		monitor:    monitor,
		retryDelay: DefaultRetryDelay,
		logger:     slog.Default(),
		pending:    make(map[string]struct{}),
		retries:    make(map[string]*time.Timer),
		wake:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Deferred) bind(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = h
}

// Register records tag for delivery.
func (d *Deferred) Register(_ context.Context, tag string) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrSchedulerClosed
	}
	d.pending[tag] = struct{}{}
	d.mu.Unlock()

	d.signal()
	return nil
}

// Len returns the number of registrations waiting for delivery.
func (d *Deferred) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Tags returns the pending registrations, sorted.
func (d *Deferred) Tags() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	tags := make([]string, 0, len(d.pending))
	for tag := range d.pending {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Run delivers registrations until ctx ends. Handler errors re-register the
// tag after the retry delay.
func (d *Deferred) Run(ctx context.Context) error {
	if d.monitor != nil {
		unsubscribe := d.monitor.Subscribe(func(online bool) {
			if online {
				d.signal()
			}
		})
		defer unsubscribe()
	}
	defer d.shutdown()

	d.signal()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.wake:
		}
		if d.monitor != nil && !d.monitor.Online() {
			continue
		}
		for _, tag := range d.take() {
			d.deliver(ctx, tag)
		}
	}
}

func (d *Deferred) deliver(ctx context.Context, tag string) {
	d.mu.Lock()
	handler := d.handler
	d.mu.Unlock()
	if handler == nil {
		d.logger.Warn("deferred registration without handler", "tag", tag)
		return
	}

	err := handler(ctx, tag)
	if err == nil || ctx.Err() != nil {
		return
	}
	d.logger.Info("deferred task incomplete, re-registering", "tag", tag, "delay", d.retryDelay, "error", err)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if prev, ok := d.retries[tag]; ok {
		prev.Stop()
	}
	d.retries[tag] = time.AfterFunc(d.retryDelay, func() {
		_ = d.Register(ctx, tag)
	})
}

// take consumes every pending registration.
func (d *Deferred) take() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	tags := make([]string, 0, len(d.pending))
	for tag := range d.pending {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	clear(d.pending)
	return tags
}

func (d *Deferred) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Deferred) shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for tag, t := range d.retries {
		t.Stop()
		delete(d.retries, tag)
	}
}

package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/offsync/internal/connectivity"
	"github.com/roach88/offsync/internal/outbox"
)

// State is the trigger's position in its lifecycle.
type State int

const (
	Unregistered State = iota
	Registered
	Firing
)

func (s State) String() string {
	switch s {
	case Unregistered:
		return "unregistered"
	case Registered:
		return "registered"
	case Firing:
		return "firing"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Replayer runs one replay pass. *outbox.Manager implements it.
type Replayer interface {
	ReplayAll(ctx context.Context) (outbox.Report, error)
}

// ErrItemsRemaining is returned to the scheduler when a pass left items in
// the queue, so the registration is re-issued.
var ErrItemsRemaining = errors.New("trigger: items remain queued")

// Option configures a Trigger.
type Option func(*Trigger)

// WithDeferred attaches a deferred-task scheduler. Without one the trigger
// fires immediately on RegisterSync.
func WithDeferred(d *Deferred) Option {
	return func(t *Trigger) { t.deferred = d }
}

// WithMonitor sets the connectivity source. Without one the network is
// assumed up.
func WithMonitor(m *connectivity.Monitor) Option {
	return func(t *Trigger) { t.monitor = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Trigger) { t.logger = l }
}

// Trigger fires replay passes.
//
// Thread-safety: all methods are safe for concurrent use. Passes fired in
// the background run on goroutines tracked until Close.
type Trigger struct {
	replayer Replayer
	deferred *Deferred
	monitor  *connectivity.Monitor
	logger   *slog.Logger

	mu          sync.Mutex
	state       State
	last        outbox.Report
	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
}

// New creates a Trigger around replayer.
func New(replayer Replayer, opts ...Option) *Trigger {
	t := &Trigger{
		replayer: replayer,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.deferred != nil {
		t.deferred.bind(t.handleSync)
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	return t
}

// State returns the current lifecycle state.
func (t *Trigger) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// LastReport returns the outcome of the most recent completed pass.
func (t *Trigger) LastReport() outbox.Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// RegisterSync requests a background replay for tag. It never blocks on
// network I/O.
func (t *Trigger) RegisterSync(ctx context.Context, tag string) error {
	if t.deferred != nil {
		err := t.deferred.Register(ctx, tag)
		if err == nil {
			t.setState(Registered)
			return nil
		}
		t.logger.Warn("deferred registration failed, firing directly", "tag", tag, "error", err)
	}
	if !t.online() {
		t.logger.Debug("offline, replay waits for connectivity", "tag", tag)
		return nil
	}
	t.fireAsync("register")
	return nil
}

// Start fires one pass (the page-load analog) and begins watching for
// offline→online transitions.
func (t *Trigger) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.unsubscribe != nil {
		t.mu.Unlock()
		return nil
	}
	if t.monitor != nil {
		t.unsubscribe = t.monitor.Subscribe(func(online bool) {
			if online {
				t.fireAsync("online")
			}
		})
	} else {
		t.unsubscribe = func() {}
	}
	t.mu.Unlock()

	if t.online() {
		t.fireAsync("start")
	}
	return nil
}

// Fire runs one pass synchronously and returns its report.
func (t *Trigger) Fire(ctx context.Context) (outbox.Report, error) {
	t.setState(Firing)
	report, err := t.replayer.ReplayAll(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()
	// A skipped pass overlapped one that is still running; that pass owns
	// the state.
	if report.Skipped {
		return report, err
	}
	t.last = report
	if t.deferred != nil && t.deferred.Len() > 0 {
		t.state = Registered
	} else {
		t.state = Unregistered
	}
	return report, err
}

// Close stops watching connectivity and waits for background passes.
func (t *Trigger) Close() error {
	t.mu.Lock()
	unsub := t.unsubscribe
	t.unsubscribe = nil
	t.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	t.cancel()
	t.wg.Wait()
	return nil
}

// handleSync is the Deferred handler. A pass that leaves items behind
// reports ErrItemsRemaining so the scheduler re-registers the tag.
func (t *Trigger) handleSync(ctx context.Context, tag string) error {
	report, err := t.Fire(ctx)
	if err != nil {
		return err
	}
	if report.Skipped || report.Remaining > 0 {
		return fmt.Errorf("%w: tag %s, %d left", ErrItemsRemaining, tag, report.Remaining)
	}
	return nil
}

func (t *Trigger) fireAsync(reason string) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if t.ctx.Err() != nil {
			return
		}
		report, err := t.Fire(t.ctx)
		if err != nil {
			t.logger.Warn("replay pass failed", "reason", reason, "error", err)
			return
		}
		if !report.Skipped {
			t.logger.Debug("replay pass fired", "reason", reason, "remaining", report.Remaining)
		}
	}()
}

func (t *Trigger) online() bool {
	return t.monitor == nil || t.monitor.Online()
}

func (t *Trigger) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/roach88/offsync/internal/auth"
	"github.com/roach88/offsync/internal/metrics"
	"github.com/roach88/offsync/internal/model"
)

// DefaultMaxRetries is the retry ceiling. An item is dropped once its retry
// count exceeds it, i.e. after 1 + DefaultMaxRetries failed attempts.
const DefaultMaxRetries = 5

// DefaultSyncTag is the tag handed to the registrar after each enqueue.
const DefaultSyncTag = "offsync-sync"

// maxErrorBody bounds how much of a rejected response body is kept.
const maxErrorBody = 512

// Store is the persistence the manager needs. *store.Store satisfies it.
type Store interface {
	InsertQueueItem(ctx context.Context, item model.QueueItem) (model.QueueItem, error)
	QueueItems(ctx context.Context) ([]model.QueueItem, error)
	UpdateQueueItem(ctx context.Context, item model.QueueItem) error
	DeleteQueueItem(ctx context.Context, id string) error
	QueueLen(ctx context.Context) (int, error)
}

// Registrar asks for a background replay. The replay trigger implements it.
type Registrar interface {
	RegisterSync(ctx context.Context, tag string) error
}

// Publisher receives sync messages. *notify.Hub implements it.
type Publisher interface {
	Publish(msg model.SyncMessage)
}

// Request describes a mutation to queue.
type Request struct {
	URL           string          // Absolute, or relative to the API base URL
	Method        string          // POST, PUT, PATCH, DELETE
	Data          json.RawMessage // JSON body; nil for none
	CorrelationID string          // Ties the item to a local record ("grains/42")
}

// Report summarises one replay pass.
type Report struct {
	Skipped   bool `json:"skipped"` // Another pass was already running
	Attempted int  `json:"attempted"`
	Succeeded int  `json:"succeeded"`
	Retried   int  `json:"retried"`  // Transport failures kept for later
	Rejected  int  `json:"rejected"` // Non-2xx, dropped
	Dropped   int  `json:"dropped"`  // Retry ceiling reached
	Remaining int  `json:"remaining"`

	Rejections []*HTTPError        `json:"-"`
	Failures   []*PermanentFailure `json:"-"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithHTTPClient sets the client used for replay.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.client = c }
}

// WithTokenSource sets where the bearer token comes from. It is read at
// replay time, never at enqueue time.
func WithTokenSource(src auth.TokenSource) Option {
	return func(m *Manager) { m.tokens = src }
}

// WithRegistrar sets the replay trigger notified after each enqueue.
func WithRegistrar(r Registrar) Option {
	return func(m *Manager) { m.registrar = r }
}

// WithPublisher sets the sync message sink.
func WithPublisher(p Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

// WithIDGenerator overrides the UUIDv7 id source.
func WithIDGenerator(g IDGenerator) Option {
	return func(m *Manager) { m.ids = g }
}

// WithClock overrides the enqueue timestamp source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithMaxRetries overrides DefaultMaxRetries.
func WithMaxRetries(n int) Option {
	return func(m *Manager) { m.maxRetries = n }
}

// WithSyncTag overrides DefaultSyncTag.
func WithSyncTag(tag string) Option {
	return func(m *Manager) { m.syncTag = tag }
}

// WithMetrics records queue metrics.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Manager owns the mutation queue.
//
// Thread-safety: all methods are safe for concurrent use. At most one
// ReplayAll runs at a time; overlapping calls return a skipped Report.
type Manager struct {
	store      Store
	baseURL    *url.URL
	client     *http.Client
	tokens     auth.TokenSource
	registrar  Registrar
	publisher  Publisher
	ids        IDGenerator
	now        func() time.Time
	maxRetries int
	syncTag    string
	metrics    *metrics.Metrics
	logger     *slog.Logger

	mu       sync.Mutex
	flushing bool
}

// New creates a Manager. baseURL resolves relative item URLs.
func New(st Store, baseURL string, opts ...Option) (*Manager, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url %q: %w", baseURL, err)
	}
	m := &Manager{
		store:      st,
		baseURL:    base,
		client:     http.DefaultClient,
		ids:        UUIDv7Generator{},
		now:        time.Now,
		maxRetries: DefaultMaxRetries,
		syncTag:    DefaultSyncTag,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// SetRegistrar replaces the registrar after construction. The trigger needs
// the manager to exist first, so the composition root wires it this way.
func (m *Manager) SetRegistrar(r Registrar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registrar = r
}

// Enqueue persists a mutation and requests background replay. It performs
// no network I/O. A failed registration is logged; the item stays queued
// and is picked up by the next online transition.
func (m *Manager) Enqueue(ctx context.Context, req Request) (model.QueueItem, error) {
	if req.URL == "" {
		return model.QueueItem{}, fmt.Errorf("%w: url is required", ErrInvalidRequest)
	}
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		return model.QueueItem{}, fmt.Errorf("%w: method is required", ErrInvalidRequest)
	}
	if len(req.Data) > 0 && !json.Valid(req.Data) {
		return model.QueueItem{}, fmt.Errorf("%w: data is not valid JSON", ErrInvalidRequest)
	}

	id := m.ids.Generate()
	item, err := m.store.InsertQueueItem(ctx, model.QueueItem{
		ID:             id,
		URL:            req.URL,
		Method:         method,
		Data:           req.Data,
		Timestamp:      m.now(),
		CorrelationID:  req.CorrelationID,
		IdempotencyKey: "offsync-" + id,
	})
	if err != nil {
		return model.QueueItem{}, err
	}

	m.metrics.Enqueued()
	m.refreshDepth(ctx)
	m.logger.Info("mutation queued", "id", item.ID, "method", item.Method, "url", item.URL)

	m.mu.Lock()
	registrar := m.registrar
	m.mu.Unlock()
	if registrar != nil {
		if err := registrar.RegisterSync(ctx, m.syncTag); err != nil {
			m.logger.Warn("register sync failed", "tag", m.syncTag, "error", err)
		}
	}
	return item, nil
}

// ReplayAll drains the queue in FIFO order. It returns an error only when
// the store fails, a credential cannot be resolved, or ctx ends; per-item
// outcomes are in the Report and on the publisher.
func (m *Manager) ReplayAll(ctx context.Context) (Report, error) {
	if !m.begin() {
		return Report{Skipped: true}, nil
	}
	defer m.end()

	start := time.Now()
	defer func() { m.metrics.ObserveReplay(time.Since(start).Seconds()) }()

	items, err := m.store.QueueItems(ctx)
	if err != nil {
		return Report{}, err
	}

	var report Report
	for _, item := range items {
		report.Attempted++
		stop, err := m.replayOne(ctx, item, &report)
		if err != nil {
			m.finish(ctx, &report)
			return report, err
		}
		if stop {
			break
		}
	}
	m.finish(ctx, &report)

	m.logger.Info("replay pass finished",
		"attempted", report.Attempted,
		"succeeded", report.Succeeded,
		"retried", report.Retried,
		"rejected", report.Rejected,
		"dropped", report.Dropped,
		"remaining", report.Remaining,
	)
	return report, nil
}

// replayOne sends one item and applies the outcome. stop is true when the
// pass must end here to keep later items behind this one.
func (m *Manager) replayOne(ctx context.Context, item model.QueueItem, report *Report) (stop bool, err error) {
	sendErr := m.send(ctx, item)
	if sendErr == nil {
		if err := m.store.DeleteQueueItem(ctx, item.ID); err != nil {
			return true, err
		}
		report.Succeeded++
		m.metrics.Replayed("success")
		m.publish(model.MessageSyncCompleted, model.SyncPayload{ID: item.ID, Success: true})
		return false, nil
	}

	var httpErr *HTTPError
	if errors.As(sendErr, &httpErr) {
		if err := m.store.DeleteQueueItem(ctx, item.ID); err != nil {
			return true, err
		}
		report.Rejected++
		report.Rejections = append(report.Rejections, httpErr)
		m.metrics.Replayed("rejected")
		m.logger.Warn("mutation rejected by remote", "id", item.ID, "status", httpErr.StatusCode)
		m.publish(model.MessageHTTPRejected, model.SyncPayload{ID: item.ID, Status: httpErr.StatusCode, Error: httpErr.Error()})
		m.publish(model.MessageSyncCompleted, model.SyncPayload{ID: item.ID, Status: httpErr.StatusCode})
		return false, nil
	}

	if !IsNetwork(sendErr) {
		return true, sendErr
	}
	// A cancelled pass is not the remote's fault; leave the retry budget alone.
	if ctx.Err() != nil {
		return true, ctx.Err()
	}

	item.Retries++
	item.LastError = sendErr.Error()
	if item.Retries > m.maxRetries {
		if err := m.store.DeleteQueueItem(ctx, item.ID); err != nil {
			return true, err
		}
		pf := &PermanentFailure{Item: item, Err: sendErr}
		report.Dropped++
		report.Failures = append(report.Failures, pf)
		m.metrics.Replayed("dropped")
		m.logger.Error("mutation dropped at retry ceiling", "id", item.ID, "attempts", item.Retries, "error", sendErr)
		m.publish(model.MessagePermanentFailure, model.SyncPayload{ID: item.ID, Error: pf.Error()})
		m.publish(model.MessageSyncCompleted, model.SyncPayload{ID: item.ID})
		return true, nil
	}

	if err := m.store.UpdateQueueItem(ctx, item); err != nil {
		return true, err
	}
	report.Retried++
	m.metrics.Replayed("retry")
	m.logger.Warn("mutation replay failed, will retry", "id", item.ID, "retries", item.Retries, "error", sendErr)
	return true, nil
}

// send issues one replay request. It returns nil on 2xx, *HTTPError on any
// other status and *NetworkError when no response arrived.
func (m *Manager) send(ctx context.Context, item model.QueueItem) error {
	target, err := m.resolve(item.URL)
	if err != nil {
		return &HTTPError{ItemID: item.ID, Body: err.Error()}
	}

	var body io.Reader
	if len(item.Data) > 0 {
		body = bytes.NewReader(item.Data)
	}
	req, err := http.NewRequestWithContext(ctx, item.Method, target.String(), body)
	if err != nil {
		return &HTTPError{ItemID: item.ID, Body: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", item.IdempotencyKey)
	// The credential only goes to the API host.
	if target.Host == m.baseURL.Host {
		if err := auth.Apply(ctx, m.tokens, req); err != nil {
			return fmt.Errorf("resolve credential for %s: %w", item.ID, err)
		}
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return &NetworkError{ItemID: item.ID, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &HTTPError{ItemID: item.ID, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
}

func (m *Manager) resolve(raw string) (*url.URL, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse item url %q: %w", raw, err)
	}
	return m.baseURL.ResolveReference(ref), nil
}

// Pending returns the queue depth.
func (m *Manager) Pending(ctx context.Context) (int, error) {
	return m.store.QueueLen(ctx)
}

// Items returns the queued mutations in replay order.
func (m *Manager) Items(ctx context.Context) ([]model.QueueItem, error) {
	return m.store.QueueItems(ctx)
}

// Drop removes one item without replaying it.
func (m *Manager) Drop(ctx context.Context, id string) error {
	if err := m.store.DeleteQueueItem(ctx, id); err != nil {
		return err
	}
	m.logger.Info("mutation dropped by operator", "id", id)
	m.refreshDepth(ctx)
	return nil
}

func (m *Manager) begin() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.flushing {
		return false
	}
	m.flushing = true
	return true
}

func (m *Manager) end() {
	m.mu.Lock()
	m.flushing = false
	m.mu.Unlock()
}

func (m *Manager) finish(ctx context.Context, report *Report) {
	n, err := m.store.QueueLen(context.WithoutCancel(ctx))
	if err != nil {
		m.logger.Warn("read queue depth failed", "error", err)
		return
	}
	report.Remaining = n
	m.metrics.SetQueueDepth(n)
}

func (m *Manager) refreshDepth(ctx context.Context) {
	n, err := m.store.QueueLen(ctx)
	if err != nil {
		return
	}
	m.metrics.SetQueueDepth(n)
}

func (m *Manager) publish(t model.SyncMessageType, p model.SyncPayload) {
	if m.publisher == nil {
		return
	}
	m.publisher.Publish(model.SyncMessage{Type: t, Payload: p})
}

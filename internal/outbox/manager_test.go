package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/auth"
	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/store"
	"github.com/roach88/offsync/internal/testutil"
)

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []model.SyncMessage
}

func (p *recordingPublisher) Publish(msg model.SyncMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
}

func (p *recordingPublisher) ofType(t model.SyncMessageType) []model.SyncMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []model.SyncMessage
	for _, m := range p.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

type recordingRegistrar struct {
	tags []string
}

func (r *recordingRegistrar) RegisterSync(_ context.Context, tag string) error {
	r.tags = append(r.tags, tag)
	return nil
}

func createTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "outbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestManager(t *testing.T, baseURL string, opts ...Option) (*Manager, *store.Store) {
	t.Helper()
	st := createTestStore(t)
	m, err := New(st, baseURL, opts...)
	require.NoError(t, err)
	return m, st
}

func wheat() Request {
	return Request{
		URL:           "/api/grains",
		Method:        "post",
		Data:          json.RawMessage(`{"name":"Wheat"}`),
		CorrelationID: "grains/1",
	}
}

func TestEnqueue_PersistsWithoutNetwork(t *testing.T) {
	network := testutil.NewSwitchableTransport(nil)
	reg := &recordingRegistrar{}
	clock := testutil.NewManualClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	m, _ := newTestManager(t, "http://remote.invalid",
		WithHTTPClient(network.Client()),
		WithRegistrar(reg),
		WithIDGenerator(NewFixedGenerator("item-1")),
		WithClock(clock.Now),
	)
	ctx := context.Background()

	item, err := m.Enqueue(ctx, wheat())
	require.NoError(t, err)

	assert.Equal(t, "item-1", item.ID)
	assert.Equal(t, "POST", item.Method)
	assert.Equal(t, 0, item.Retries)
	assert.Equal(t, "offsync-item-1", item.IdempotencyKey)
	assert.Equal(t, clock.Now(), item.Timestamp)
	assert.Empty(t, network.Attempts(), "enqueue must not touch the network")
	assert.Equal(t, []string{DefaultSyncTag}, reg.tags)

	n, err := m.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEnqueue_RejectsInvalidRequest(t *testing.T) {
	m, _ := newTestManager(t, "http://remote.invalid")
	ctx := context.Background()

	_, err := m.Enqueue(ctx, Request{Method: "POST"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = m.Enqueue(ctx, Request{URL: "/api/grains"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = m.Enqueue(ctx, Request{URL: "/api/grains", Method: "POST", Data: json.RawMessage(`{nope`)})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestReplayAll_AllSuccessEmptiesQueue(t *testing.T) {
	remote := testutil.NewFakeRemote(t)
	remote.Handle("POST", "/api/grains", testutil.Route{Status: http.StatusCreated, Body: `{"ok":true}`})

	token := "stale"
	pub := &recordingPublisher{}
	m, _ := newTestManager(t, remote.URL(),
		WithPublisher(pub),
		WithIDGenerator(NewFixedGenerator("a", "b", "c")),
		WithTokenSource(auth.TokenFunc(func(context.Context) (string, error) { return token, nil })),
	)
	ctx := context.Background()

	for _, name := range []string{"Wheat", "Rice", "Maize"} {
		_, err := m.Enqueue(ctx, Request{
			URL:    "/api/grains",
			Method: "POST",
			Data:   json.RawMessage(`{"name":"` + name + `"}`),
		})
		require.NoError(t, err)
	}
	token = "fresh"

	report, err := m.ReplayAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Attempted)
	assert.Equal(t, 3, report.Succeeded)
	assert.Equal(t, 0, report.Remaining)

	n, err := m.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	reqs := remote.RequestsTo("POST", "/api/grains")
	require.Len(t, reqs, 3)
	assert.JSONEq(t, `{"name":"Wheat"}`, string(reqs[0].Body))
	assert.JSONEq(t, `{"name":"Rice"}`, string(reqs[1].Body))
	assert.JSONEq(t, `{"name":"Maize"}`, string(reqs[2].Body))
	assert.Equal(t, "Bearer fresh", reqs[0].Header.Get("Authorization"), "token is read at replay time")
	assert.Equal(t, "application/json", reqs[0].Header.Get("Content-Type"))
	assert.Equal(t, "offsync-a", reqs[0].Header.Get("Idempotency-Key"))

	completed := pub.ofType(model.MessageSyncCompleted)
	require.Len(t, completed, 3)
	assert.Equal(t, model.SyncPayload{ID: "a", Success: true}, completed[0].Payload)
}

func TestReplayAll_AlwaysFailingItemDroppedAfterSixAttempts(t *testing.T) {
	network := testutil.NewSwitchableTransport(nil)
	network.SetDown(true)
	pub := &recordingPublisher{}
	m, st := newTestManager(t, "http://remote.invalid",
		WithHTTPClient(network.Client()),
		WithPublisher(pub),
		WithIDGenerator(NewFixedGenerator("doomed")),
	)
	ctx := context.Background()

	_, err := m.Enqueue(ctx, wheat())
	require.NoError(t, err)

	for pass := 1; pass <= DefaultMaxRetries; pass++ {
		report, err := m.ReplayAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Retried, "pass %d", pass)

		items, err := st.QueueItems(ctx)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, pass, items[0].Retries)
		assert.Contains(t, items[0].LastError, "network")
	}
	assert.Empty(t, pub.ofType(model.MessagePermanentFailure))

	report, err := m.ReplayAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Dropped)
	require.Len(t, report.Failures, 1)
	assert.True(t, IsPermanent(report.Failures[0]))
	assert.ErrorIs(t, report.Failures[0], testutil.ErrNetworkDown)

	// Further passes find nothing to do.
	_, err = m.ReplayAll(ctx)
	require.NoError(t, err)

	assert.Len(t, network.Attempts(), DefaultMaxRetries+1)
	assert.Len(t, pub.ofType(model.MessagePermanentFailure), 1)

	completed := pub.ofType(model.MessageSyncCompleted)
	require.Len(t, completed, 1)
	assert.False(t, completed[0].Payload.Success)

	n, err := m.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestReplayAll_StopsAtFirstNetworkFailure(t *testing.T) {
	remote := testutil.NewFakeRemote(t)
	network := testutil.NewSwitchableTransport(nil)
	m, st := newTestManager(t, remote.URL(),
		WithHTTPClient(network.Client()),
		WithIDGenerator(NewFixedGenerator("first", "second")),
	)
	ctx := context.Background()

	_, err := m.Enqueue(ctx, wheat())
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, Request{URL: "/api/sales", Method: "POST", Data: json.RawMessage(`{}`)})
	require.NoError(t, err)

	network.SetDown(true)
	report, err := m.ReplayAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Attempted)
	assert.Equal(t, 2, report.Remaining)

	items, err := st.QueueItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, 1, items[0].Retries)
	assert.Equal(t, 0, items[1].Retries, "second item must not be attempted before the first")

	network.SetDown(false)
	report, err = m.ReplayAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Succeeded)

	reqs := remote.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "/api/grains", reqs[0].Path)
	assert.Equal(t, "/api/sales", reqs[1].Path)
}

func TestReplayAll_HTTPRejectionIsTerminal(t *testing.T) {
	remote := testutil.NewFakeRemote(t)
	remote.Handle("POST", "/api/grains", testutil.Route{Status: http.StatusUnprocessableEntity, Body: `{"error":"duplicate"}`})
	pub := &recordingPublisher{}
	m, _ := newTestManager(t, remote.URL(),
		WithPublisher(pub),
		WithIDGenerator(NewFixedGenerator("bad", "good")),
	)
	ctx := context.Background()

	_, err := m.Enqueue(ctx, wheat())
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, Request{URL: "/api/sales", Method: "POST", Data: json.RawMessage(`{}`)})
	require.NoError(t, err)

	report, err := m.ReplayAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Rejected)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 0, report.Remaining)
	require.Len(t, report.Rejections, 1)
	assert.Equal(t, http.StatusUnprocessableEntity, report.Rejections[0].StatusCode)
	assert.Contains(t, report.Rejections[0].Body, "duplicate")

	rejected := pub.ofType(model.MessageHTTPRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, "bad", rejected[0].Payload.ID)
	assert.Equal(t, http.StatusUnprocessableEntity, rejected[0].Payload.Status)

	completed := pub.ofType(model.MessageSyncCompleted)
	require.Len(t, completed, 2)
	assert.False(t, completed[0].Payload.Success)
	assert.True(t, completed[1].Payload.Success)
}

func TestReplayAll_OverlappingPassIsSkipped(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	m, _ := newTestManager(t, srv.URL)
	ctx := context.Background()
	_, err := m.Enqueue(ctx, wheat())
	require.NoError(t, err)

	done := make(chan Report, 1)
	go func() {
		report, _ := m.ReplayAll(ctx)
		done <- report
	}()

	<-entered
	report, err := m.ReplayAll(ctx)
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	close(release)

	first := <-done
	assert.False(t, first.Skipped)
	assert.Equal(t, 1, first.Succeeded)
	assert.Equal(t, int32(1), calls.Load())
}

func TestReplayAll_CancelledContextKeepsRetryBudget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	m, st := newTestManager(t, srv.URL)
	_, err := m.Enqueue(context.Background(), wheat())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = m.ReplayAll(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	items, err := st.QueueItems(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 0, items[0].Retries)
}

func TestReplayAll_CredentialFailureLeavesQueueUntouched(t *testing.T) {
	remote := testutil.NewFakeRemote(t)
	errLocked := errors.New("keychain locked")
	m, st := newTestManager(t, remote.URL(),
		WithIDGenerator(NewFixedGenerator("a", "b")),
		WithTokenSource(auth.TokenFunc(func(context.Context) (string, error) { return "", errLocked })),
	)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := m.Enqueue(ctx, wheat())
		require.NoError(t, err)
	}

	_, err := m.ReplayAll(ctx)
	require.ErrorIs(t, err, errLocked)
	assert.False(t, IsNetwork(err))

	items, err := st.QueueItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, item := range items {
		assert.Equal(t, 0, item.Retries, item.ID)
	}
	assert.Empty(t, remote.Requests())
}

func TestReplayAll_TokenOnlySentToAPIHost(t *testing.T) {
	remote := testutil.NewFakeRemote(t)
	other := testutil.NewFakeRemote(t)
	m, _ := newTestManager(t, remote.URL(),
		WithTokenSource(auth.StaticToken("secret")),
	)
	ctx := context.Background()

	_, err := m.Enqueue(ctx, wheat())
	require.NoError(t, err)
	foreign := wheat()
	foreign.URL = other.URL() + "/api/grains"
	_, err = m.Enqueue(ctx, foreign)
	require.NoError(t, err)

	report, err := m.ReplayAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Succeeded)

	own := remote.RequestsTo("POST", "/api/grains")
	require.Len(t, own, 1)
	assert.Equal(t, "Bearer secret", own[0].Header.Get("Authorization"))

	leaked := other.RequestsTo("POST", "/api/grains")
	require.Len(t, leaked, 1)
	assert.Empty(t, leaked[0].Header.Get("Authorization"))
}

func TestDrop_RemovesItem(t *testing.T) {
	m, _ := newTestManager(t, "http://remote.invalid", WithIDGenerator(NewFixedGenerator("x", "y")))
	ctx := context.Background()

	_, err := m.Enqueue(ctx, wheat())
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, wheat())
	require.NoError(t, err)

	require.NoError(t, m.Drop(ctx, "x"))

	items, err := m.Items(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "y", items[0].ID)
}

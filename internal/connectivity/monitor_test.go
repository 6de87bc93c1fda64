package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_NotifiesOnlyOnChange(t *testing.T) {
	m := NewMonitor(true, nil)

	var got []bool
	m.Subscribe(func(online bool) { got = append(got, online) })

	m.SetOnline(true)
	m.SetOnline(false)
	m.SetOnline(false)
	m.SetOnline(true)

	assert.Equal(t, []bool{false, true}, got)
	assert.True(t, m.Online())
}

func TestMonitor_Unsubscribe(t *testing.T) {
	m := NewMonitor(false, nil)

	calls := 0
	unsub := m.Subscribe(func(bool) { calls++ })
	unsub()

	m.SetOnline(true)
	assert.Equal(t, 0, calls)
}

func TestMonitor_ListenerMaySubscribe(t *testing.T) {
	m := NewMonitor(false, nil)

	m.Subscribe(func(bool) {
		// Re-entrant use must not deadlock.
		_ = m.Online()
		m.Subscribe(func(bool) {})
	})

	require.NotPanics(t, func() { m.SetOnline(true) })
}

func TestProber_OnlineOnAnyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m := NewMonitor(false, nil)
	p := NewProber(m, srv.Client(), srv.URL+"/api/health", 0, nil)

	assert.True(t, p.Probe(context.Background()))
	assert.True(t, m.Online())
}

func TestProber_OfflineOnTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	m := NewMonitor(true, nil)
	p := NewProber(m, nil, url, 0, nil)

	assert.False(t, p.Probe(context.Background()))
	assert.False(t, m.Online())
}

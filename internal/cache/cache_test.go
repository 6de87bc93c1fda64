package cache

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/testutil"
)

func createTestCache(t *testing.T, clock *testutil.ManualClock) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "cache.db"), WithNow(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newClock() *testutil.ManualClock {
	return testutil.NewManualClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
}

func TestPutMatch_RoundTripsResponse(t *testing.T) {
	s := createTestCache(t, newClock())
	ctx := context.Background()

	entry := model.CacheEntry{
		Key:    "GET http://app/api/dashboard",
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   []byte(`{"stock":42}`),
		MaxAge: 5 * time.Minute,
	}
	require.NoError(t, s.Put(ctx, "api-cache-v1", entry))

	got, ok, err := s.Match(ctx, "api-cache-v1", entry.Key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, entry.Body, got.Body)
	assert.Equal(t, http.StatusOK, got.Status)
	assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
	assert.Equal(t, 5*time.Minute, got.MaxAge)

	_, ok, err = s.Match(ctx, "other-v1", entry.Key)
	require.NoError(t, err)
	assert.False(t, ok, "partitions are isolated")
}

func TestMatch_EvictsStaleEntry(t *testing.T) {
	clock := newClock()
	s := createTestCache(t, clock)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "api-cache-v1", model.CacheEntry{
		Key: "k", Status: 200, Body: []byte("x"), MaxAge: time.Minute,
	}))

	clock.Advance(time.Minute)
	_, ok, err := s.Match(ctx, "api-cache-v1", "k")
	require.NoError(t, err)
	assert.True(t, ok, "entry is fresh at exactly max age")

	clock.Advance(time.Millisecond)
	_, ok, err = s.Match(ctx, "api-cache-v1", "k")
	require.NoError(t, err)
	assert.False(t, ok)

	keys, err := s.Keys(ctx, "api-cache-v1")
	require.NoError(t, err)
	assert.Empty(t, keys, "stale entry is evicted on read")
}

func TestEvict_SparesEntryReplacedSinceRead(t *testing.T) {
	clock := newClock()
	s := createTestCache(t, clock)
	ctx := context.Background()

	stale := clock.Now().UnixMilli()
	require.NoError(t, s.Put(ctx, "api-cache-v1", model.CacheEntry{Key: "k", Status: 200, Body: []byte("old"), MaxAge: time.Minute}))
	clock.Advance(2 * time.Minute)
	require.NoError(t, s.Put(ctx, "api-cache-v1", model.CacheEntry{Key: "k", Status: 200, Body: []byte("new"), MaxAge: time.Minute}))

	require.NoError(t, s.evict(ctx, "api-cache-v1", "k", stale))

	got, ok, err := s.Match(ctx, "api-cache-v1", "k")
	require.NoError(t, err)
	require.True(t, ok, "newer entry survives eviction of the stale one")
	assert.Equal(t, []byte("new"), got.Body)
}

func TestMatch_ZeroMaxAgeNeverExpires(t *testing.T) {
	clock := newClock()
	s := createTestCache(t, clock)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "app-v1", model.CacheEntry{Key: "/index.html", Status: 200, Body: []byte("<html>")}))
	clock.Advance(365 * 24 * time.Hour)

	_, ok, err := s.Match(ctx, "app-v1", "/index.html")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPutAll_IsAllOrNothing(t *testing.T) {
	s := createTestCache(t, newClock())
	ctx := context.Background()

	ctxCancelled, cancel := context.WithCancel(ctx)
	cancel()
	err := s.PutAll(ctxCancelled, "app-v1", []model.CacheEntry{
		{Key: "/", Status: 200, Body: []byte("a")},
		{Key: "/index.html", Status: 200, Body: []byte("b")},
	})
	require.Error(t, err)

	keys, err := s.Keys(ctx, "app-v1")
	require.NoError(t, err)
	assert.Empty(t, keys)

	require.NoError(t, s.PutAll(ctx, "app-v1", []model.CacheEntry{
		{Key: "/", Status: 200, Body: []byte("a")},
		{Key: "/index.html", Status: 200, Body: []byte("b")},
	}))
	keys, err = s.Keys(ctx, "app-v1")
	require.NoError(t, err)
	assert.Equal(t, []string{"/", "/index.html"}, keys)
}

func TestPut_RequiresPartition(t *testing.T) {
	s := createTestCache(t, newClock())
	err := s.Put(context.Background(), "", model.CacheEntry{Key: "k"})
	assert.ErrorIs(t, err, ErrEmptyPartition)

	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "put", se.Op)
}

func TestPartitions_DeleteCascadesEntries(t *testing.T) {
	s := createTestCache(t, newClock())
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "app-v0", model.CacheEntry{Key: "/", Status: 200}))
	require.NoError(t, s.Put(ctx, "app-v1", model.CacheEntry{Key: "/", Status: 200}))

	parts, err := s.Partitions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"app-v0", "app-v1"}, parts)

	require.NoError(t, s.DeletePartition(ctx, "app-v0"))

	parts, err = s.Partitions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"app-v1"}, parts)

	keys, err := s.Keys(ctx, "app-v0")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

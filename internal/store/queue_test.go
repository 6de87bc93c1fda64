package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertQueueItem_AssignsIncreasingSeq(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	a, err := s.InsertQueueItem(ctx, createTestQueueItem("a", "/api/grains"))
	require.NoError(t, err)
	b, err := s.InsertQueueItem(ctx, createTestQueueItem("b", "/api/grains"))
	require.NoError(t, err)

	assert.Greater(t, b.Seq, a.Seq)
}

func TestInsertQueueItem_DuplicateIDFails(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.InsertQueueItem(ctx, createTestQueueItem("a", "/api/grains"))
	require.NoError(t, err)
	_, err = s.InsertQueueItem(ctx, createTestQueueItem("a", "/api/sales"))

	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "insert_queue_item", se.Op)
}

func TestQueueItems_FIFOEvenWithSameTimestamp(t *testing.T) {
	ts := time.UnixMilli(1_700_000_000_000)
	s := createTestStore(t, fixedNow(ts))
	ctx := context.Background()

	ids := []string{"z", "m", "a", "q"}
	for _, id := range ids {
		_, err := s.InsertQueueItem(ctx, createTestQueueItem(id, "/api/grains"))
		require.NoError(t, err)
	}

	items, err := s.QueueItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, len(ids))
	for i, id := range ids {
		assert.Equal(t, id, items[i].ID, "position %d", i)
		assert.True(t, ts.Equal(items[i].Timestamp))
	}
}

func TestQueueItems_RoundTripsFields(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	item := createTestQueueItem("a", "/api/grains")
	item.CorrelationID = "grains/g1"
	item.Method = "PUT"
	_, err := s.InsertQueueItem(ctx, item)
	require.NoError(t, err)

	items, err := s.QueueItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	got := items[0]
	assert.Equal(t, "/api/grains", got.URL)
	assert.Equal(t, "PUT", got.Method)
	assert.JSONEq(t, `{"name":"Wheat"}`, string(got.Data))
	assert.Equal(t, 0, got.Retries)
	assert.Equal(t, "grains/g1", got.CorrelationID)
	assert.Equal(t, "key-a", got.IdempotencyKey)
}

func TestQueueItems_NilDataStaysNil(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	item := createTestQueueItem("d", "/api/grains/g1")
	item.Method = "DELETE"
	item.Data = nil
	_, err := s.InsertQueueItem(ctx, item)
	require.NoError(t, err)

	items, err := s.QueueItems(ctx)
	require.NoError(t, err)
	assert.Nil(t, items[0].Data)
}

func TestUpdateQueueItem(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	item, err := s.InsertQueueItem(ctx, createTestQueueItem("a", "/api/grains"))
	require.NoError(t, err)

	item.Retries = 3
	item.LastError = "connection refused"
	require.NoError(t, s.UpdateQueueItem(ctx, item))

	items, err := s.QueueItems(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, items[0].Retries)
	assert.Equal(t, "connection refused", items[0].LastError)
}

func TestUpdateQueueItem_Missing(t *testing.T) {
	s := createTestStore(t)

	err := s.UpdateQueueItem(context.Background(), createTestQueueItem("ghost", "/api/grains"))
	assert.True(t, IsNotFound(err))
}

func TestDeleteQueueItem_AndLen(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.InsertQueueItem(ctx, createTestQueueItem(fmt.Sprintf("i%d", i), "/api/grains"))
		require.NoError(t, err)
	}

	require.NoError(t, s.DeleteQueueItem(ctx, "i1"))
	require.NoError(t, s.DeleteQueueItem(ctx, "i1"))

	n, err := s.QueueLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPendingCorrelations(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	a := createTestQueueItem("a", "/api/grains")
	a.CorrelationID = "grains/g1"
	b := createTestQueueItem("b", "/api/grains")
	b.CorrelationID = "grains/g1"
	c := createTestQueueItem("c", "/api/analytics")

	_, err := s.InsertQueueItem(ctx, a)
	require.NoError(t, err)
	_, err = s.InsertQueueItem(ctx, b)
	require.NoError(t, err)
	_, err = s.InsertQueueItem(ctx, c)
	require.NoError(t, err)

	set, err := s.PendingCorrelations(ctx)
	require.NoError(t, err)
	assert.Len(t, set, 1)
	assert.Contains(t, set, "grains/g1")
}

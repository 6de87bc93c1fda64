package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/offsync/internal/model"
)

// createTestStore creates a new file-backed store in a temp dir for testing.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// fixedNow returns a clock that always reports the same instant.
func fixedNow(ts time.Time) Option {
	return WithNow(func() time.Time { return ts })
}

// createTestRecord builds a record whose data is {"name": name}.
func createTestRecord(id, name string) model.Record {
	data, _ := json.Marshal(map[string]string{"name": name})
	return model.Record{ID: id, Data: data}
}

// createTestQueueItem builds a minimal queue item.
func createTestQueueItem(id, url string) model.QueueItem {
	return model.QueueItem{
		ID:             id,
		URL:            url,
		Method:         "POST",
		Data:           json.RawMessage(`{"name":"Wheat"}`),
		IdempotencyKey: "key-" + id,
	}
}

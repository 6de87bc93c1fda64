package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err, "database file was not created")
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		require.NoError(t, err, "Open() iteration %d", i)
		if i == 0 {
			require.NoError(t, s.Put(ctx, CollectionGrains, createTestRecord("g1", "Wheat")))
		}
		s.Close()
	}

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	rec, err := s.Get(ctx, CollectionGrains, "g1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Wheat"}`, string(rec.Data))

	version, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, currentSchemaVersion, version)
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open("/nonexistent/dir/test.db")
	require.Error(t, err)

	var se *StorageError
	assert.ErrorAs(t, err, &se)
}

func TestOpen_Pragmas(t *testing.T) {
	s := createTestStore(t)

	assert.NoError(t, s.verifyPragma("journal_mode", "wal"))
	assert.NoError(t, s.verifyPragma("synchronous", "1"))
	assert.NoError(t, s.verifyPragma("foreign_keys", "1"))
}

func TestOpen_DefaultCollections(t *testing.T) {
	s := createTestStore(t)

	names, err := s.Collections(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"godowns", "grains", "inventory", "purchases", "sales", "users"}, names)
}

func TestOpen_WithCollections(t *testing.T) {
	s := createTestStore(t, WithCollections("payments"))

	names, err := s.Collections(context.Background())
	require.NoError(t, err)
	assert.Contains(t, names, "payments")
}

// An older on-disk schema gains the missing collections and tables without
// losing what was already stored.
func TestOpen_UpgradesOlderSchemaWithoutDroppingData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")

	raw, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = raw.Exec(schemaSQL)
	require.NoError(t, err)
	_, err = raw.Exec(`INSERT INTO collections (name, created_at) VALUES ('grains', 0)`)
	require.NoError(t, err)
	_, err = raw.Exec(`INSERT INTO records (collection, id, data, updated_at) VALUES ('grains', 'g1', '{"name":"Rice"}', 0)`)
	require.NoError(t, err)
	_, err = raw.Exec(`PRAGMA user_version = 1`)
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	rec, err := s.Get(ctx, CollectionGrains, "g1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Rice"}`, string(rec.Data))

	names, err := s.Collections(ctx)
	require.NoError(t, err)
	assert.Contains(t, names, CollectionGodowns)

	_, err = s.AppendTelemetry(ctx, "events", []byte(`{}`))
	assert.NoError(t, err, "telemetry_buffer should exist after upgrade")
}

func TestClose_NilDB(t *testing.T) {
	s := &Store{db: nil}
	assert.NoError(t, s.Close())
}

func TestClose_ThenOperationsFailWithStorageError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.QueueLen(context.Background())
	require.Error(t, err)

	var se *StorageError
	assert.ErrorAs(t, err, &se)
	assert.Equal(t, "queue_len", se.Op)
}

// Package cache stores HTTP responses in named partitions backed by SQLite.
//
// Entries carry their own freshness window. An expired entry is evicted the
// first time Match sees it; there is no background sweeper.
package cache

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/offsync/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// readers bounds concurrent connections. WAL lets readers proceed while a
// writer holds the lock.
const readers = 4

// Store is a partitioned response cache.
//
// Thread-safety: safe for concurrent use.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures Open.
type Option func(*Store)

// WithNow overrides the clock used for StoredAt and freshness checks.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open creates or opens the cache database at path.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, storageErr("open", "", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, storageErr("open", "", fmt.Errorf("connect: %w", err))
	}
	db.SetMaxOpenConns(readers)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, storageErr("migrate", "", err)
	}

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Match returns the entry for key in partition. A stale entry is deleted
// and reported as a miss.
func (s *Store) Match(ctx context.Context, partition, key string) (model.CacheEntry, bool, error) {
	var (
		entry    model.CacheEntry
		header   []byte
		storedAt int64
		maxAgeMS int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT key, status, header, body, stored_at, max_age_ms
		FROM entries WHERE partition = ? AND key = ?
	`, partition, key).Scan(&entry.Key, &entry.Status, &header, &entry.Body, &storedAt, &maxAgeMS)
	if err == sql.ErrNoRows {
		return model.CacheEntry{}, false, nil
	}
	if err != nil {
		return model.CacheEntry{}, false, storageErr("match", partition, err)
	}

	entry.StoredAt = time.UnixMilli(storedAt)
	entry.MaxAge = time.Duration(maxAgeMS) * time.Millisecond
	if len(header) > 0 {
		if err := json.Unmarshal(header, &entry.Header); err != nil {
			return model.CacheEntry{}, false, storageErr("match", partition, fmt.Errorf("decode header: %w", err))
		}
	}
	if entry.Body == nil {
		entry.Body = []byte{}
	}

	if !entry.Fresh(s.now()) {
		if err := s.evict(ctx, partition, key, storedAt); err != nil {
			return model.CacheEntry{}, false, err
		}
		return model.CacheEntry{}, false, nil
	}
	return entry, true, nil
}

// Put stores entry, replacing any previous entry with the same key.
// A zero StoredAt is set to now.
func (s *Store) Put(ctx context.Context, partition string, entry model.CacheEntry) error {
	return s.PutAll(ctx, partition, []model.CacheEntry{entry})
}

// PutAll stores every entry in one transaction: either all are written or
// none are.
func (s *Store) PutAll(ctx context.Context, partition string, entries []model.CacheEntry) error {
	if partition == "" {
		return storageErr("put", partition, ErrEmptyPartition)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("put", partition, err)
	}
	defer tx.Rollback()

	now := s.now()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO partitions (name, created_at) VALUES (?, ?)
		ON CONFLICT(name) DO NOTHING
	`, partition, now.UnixMilli()); err != nil {
		return storageErr("put", partition, err)
	}

	for _, e := range entries {
		if e.StoredAt.IsZero() {
			e.StoredAt = now
		}
		header, err := json.Marshal(headerOrEmpty(e.Header))
		if err != nil {
			return storageErr("put", partition, fmt.Errorf("encode header: %w", err))
		}
		body := e.Body
		if body == nil {
			body = []byte{}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO entries (partition, key, status, header, body, stored_at, max_age_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(partition, key) DO UPDATE SET
				status = excluded.status,
				header = excluded.header,
				body = excluded.body,
				stored_at = excluded.stored_at,
				max_age_ms = excluded.max_age_ms
		`, partition, e.Key, e.Status, header, body, e.StoredAt.UnixMilli(), e.MaxAge.Milliseconds()); err != nil {
			return storageErr("put", partition, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("put", partition, err)
	}
	return nil
}

// Delete removes one entry. Removing an absent entry is not an error.
func (s *Store) Delete(ctx context.Context, partition, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE partition = ? AND key = ?`, partition, key); err != nil {
		return storageErr("delete", partition, err)
	}
	return nil
}

// evict removes an expired entry unless a newer Put has replaced it.
func (s *Store) evict(ctx context.Context, partition, key string, storedAt int64) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM entries WHERE partition = ? AND key = ? AND stored_at = ?`,
		partition, key, storedAt); err != nil {
		return storageErr("evict", partition, err)
	}
	return nil
}

// Keys returns the keys stored in partition, sorted.
func (s *Store) Keys(ctx context.Context, partition string) ([]string, error) {
	return s.strings(ctx, "keys", partition, `SELECT key FROM entries WHERE partition = ? ORDER BY key`, partition)
}

// Partitions returns every partition name, sorted.
func (s *Store) Partitions(ctx context.Context) ([]string, error) {
	return s.strings(ctx, "partitions", "", `SELECT name FROM partitions ORDER BY name`)
}

// DeletePartition removes a partition and all of its entries.
func (s *Store) DeletePartition(ctx context.Context, partition string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM partitions WHERE name = ?`, partition); err != nil {
		return storageErr("delete_partition", partition, err)
	}
	return nil
}

func (s *Store) strings(ctx context.Context, op, partition, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(op, partition, err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, storageErr(op, partition, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, partition, err)
	}
	return out, nil
}

func headerOrEmpty(h http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	return h
}

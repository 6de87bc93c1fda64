package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/offsync/internal/model"
)

var errEmptyID = errors.New("record id is required")

// Collections returns every registered collection name in sorted order.
func (s *Store) Collections(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM collections ORDER BY name COLLATE BINARY ASC`)
	if err != nil {
		return nil, storageErr("collections", "", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, storageErr("collections", "", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("collections", "", err)
	}
	return names, nil
}

// Add inserts a new record. Fails with ErrRecordExists if the id is taken.
func (s *Store) Add(ctx context.Context, collection string, rec model.Record) error {
	if err := s.checkWrite(ctx, "add", collection, rec); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO records (collection, id, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(collection, id) DO NOTHING
	`, collection, rec.ID, dataOrNull(rec.Data), s.now().UnixMilli())
	if err != nil {
		return storageErr("add", collection, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("add", collection, err)
	}
	if n == 0 {
		return storageErr("add", collection, fmt.Errorf("%w: %s", ErrRecordExists, rec.ID))
	}
	return nil
}

// Put inserts or replaces a record.
func (s *Store) Put(ctx context.Context, collection string, rec model.Record) error {
	if err := s.checkWrite(ctx, "put", collection, rec); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (collection, id, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at
	`, collection, rec.ID, dataOrNull(rec.Data), s.now().UnixMilli())
	if err != nil {
		return storageErr("put", collection, err)
	}
	return nil
}

// Get returns one record. Fails with ErrNotFound when absent.
func (s *Store) Get(ctx context.Context, collection, id string) (model.Record, error) {
	if err := s.requireCollection(ctx, "get", collection); err != nil {
		return model.Record{}, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, data, updated_at FROM records
		WHERE collection = ? AND id = ?
	`, collection, id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Record{}, storageErr("get", collection, fmt.Errorf("%w: %s", ErrNotFound, id))
	}
	if err != nil {
		return model.Record{}, storageErr("get", collection, err)
	}
	return rec, nil
}

// GetAll returns every record in a collection ordered by id.
// Returns an empty slice (not nil) for an empty collection.
func (s *Store) GetAll(ctx context.Context, collection string) ([]model.Record, error) {
	if err := s.requireCollection(ctx, "get_all", collection); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, data, updated_at FROM records
		WHERE collection = ?
		ORDER BY id COLLATE BINARY ASC
	`, collection)
	if err != nil {
		return nil, storageErr("get_all", collection, err)
	}
	defer rows.Close()

	records := []model.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, storageErr("get_all", collection, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("get_all", collection, err)
	}
	return records, nil
}

// Delete removes a record. Deleting an absent record is not an error.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if err := s.requireCollection(ctx, "delete", collection); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE collection = ? AND id = ?`, collection, id); err != nil {
		return storageErr("delete", collection, err)
	}
	return nil
}

func (s *Store) checkWrite(ctx context.Context, op, collection string, rec model.Record) error {
	if rec.ID == "" {
		return storageErr(op, collection, errEmptyID)
	}
	return s.requireCollection(ctx, op, collection)
}

// requireCollection fails with ErrUnknownCollection for unregistered names.
// Collections are never removed, so the check cannot go stale between the
// lookup and the statement that follows it.
func (s *Store) requireCollection(ctx context.Context, op, collection string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM collections WHERE name = ?`, collection).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return storageErr(op, collection, ErrUnknownCollection)
	}
	if err != nil {
		return storageErr(op, collection, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (model.Record, error) {
	var (
		rec       model.Record
		data      []byte
		updatedAt int64
	)
	if err := row.Scan(&rec.ID, &data, &updatedAt); err != nil {
		return model.Record{}, err
	}
	rec.Data = data
	rec.UpdatedAt = time.UnixMilli(updatedAt)
	return rec, nil
}

// dataOrNull stores an empty payload as the JSON literal null so the
// NOT NULL column always holds valid JSON.
func dataOrNull(data []byte) []byte {
	if len(data) == 0 {
		return []byte("null")
	}
	return data
}

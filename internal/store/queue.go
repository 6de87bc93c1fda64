package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/offsync/internal/model"
)

const tablePendingMutations = "pending_mutations"

// InsertQueueItem persists a new pending mutation and returns it with the
// store-assigned Seq. The item ID must be unique; ids are never reused.
func (s *Store) InsertQueueItem(ctx context.Context, item model.QueueItem) (model.QueueItem, error) {
	if item.ID == "" {
		return model.QueueItem{}, storageErr("insert_queue_item", tablePendingMutations, errors.New("queue item id is required"))
	}
	if item.Timestamp.IsZero() {
		item.Timestamp = s.now()
	}

	var data any
	if len(item.Data) > 0 {
		data = []byte(item.Data)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_mutations
		(id, url, method, data, timestamp, retries, correlation_id, idempotency_key, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		item.ID,
		item.URL,
		item.Method,
		data,
		item.Timestamp.UnixMilli(),
		item.Retries,
		item.CorrelationID,
		item.IdempotencyKey,
		item.LastError,
	)
	if err != nil {
		return model.QueueItem{}, storageErr("insert_queue_item", tablePendingMutations, err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return model.QueueItem{}, storageErr("insert_queue_item", tablePendingMutations, err)
	}
	item.Seq = seq
	return item, nil
}

// QueueItems returns every pending mutation in enqueue order (seq ASC).
// Returns an empty slice (not nil) when the queue is empty.
func (s *Store) QueueItems(ctx context.Context) ([]model.QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, url, method, data, timestamp, retries, correlation_id, idempotency_key, last_error
		FROM pending_mutations
		ORDER BY seq ASC
	`)
	if err != nil {
		return nil, storageErr("queue_items", tablePendingMutations, err)
	}
	defer rows.Close()

	items := []model.QueueItem{}
	for rows.Next() {
		var (
			item model.QueueItem
			data []byte
			ts   int64
		)
		if err := rows.Scan(
			&item.Seq,
			&item.ID,
			&item.URL,
			&item.Method,
			&data,
			&ts,
			&item.Retries,
			&item.CorrelationID,
			&item.IdempotencyKey,
			&item.LastError,
		); err != nil {
			return nil, storageErr("queue_items", tablePendingMutations, err)
		}
		if len(data) > 0 {
			item.Data = data
		}
		item.Timestamp = time.UnixMilli(ts)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("queue_items", tablePendingMutations, err)
	}
	return items, nil
}

// UpdateQueueItem persists the retry count and last error of an item.
// Fails with ErrNotFound if the item was already removed.
func (s *Store) UpdateQueueItem(ctx context.Context, item model.QueueItem) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_mutations SET retries = ?, last_error = ? WHERE id = ?
	`, item.Retries, item.LastError, item.ID)
	if err != nil {
		return storageErr("update_queue_item", tablePendingMutations, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("update_queue_item", tablePendingMutations, err)
	}
	if n == 0 {
		return storageErr("update_queue_item", tablePendingMutations, fmt.Errorf("%w: %s", ErrNotFound, item.ID))
	}
	return nil
}

// DeleteQueueItem removes a pending mutation. Removing an absent item is not
// an error.
func (s *Store) DeleteQueueItem(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_mutations WHERE id = ?`, id); err != nil {
		return storageErr("delete_queue_item", tablePendingMutations, err)
	}
	return nil
}

// QueueLen returns the number of pending mutations.
func (s *Store) QueueLen(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_mutations`).Scan(&n); err != nil {
		return 0, storageErr("queue_len", tablePendingMutations, err)
	}
	return n, nil
}

// PendingCorrelations returns the set of correlation ids that still have a
// pending mutation.
func (s *Store) PendingCorrelations(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT correlation_id FROM pending_mutations WHERE correlation_id != ''
	`)
	if err != nil {
		return nil, storageErr("pending_correlations", tablePendingMutations, err)
	}
	defer rows.Close()

	set := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr("pending_correlations", tablePendingMutations, err)
		}
		set[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("pending_correlations", tablePendingMutations, err)
	}
	return set, nil
}

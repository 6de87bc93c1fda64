// Package readmodel applies writes to the local store first and queues the
// matching API mutation, so reads reflect a change before the remote has
// confirmed it.
package readmodel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/outbox"
	"github.com/roach88/offsync/internal/store"
)

// Store is the local state the updater reads and writes.
type Store interface {
	Put(ctx context.Context, collection string, rec model.Record) error
	Get(ctx context.Context, collection, id string) (model.Record, error)
	GetAll(ctx context.Context, collection string) ([]model.Record, error)
	Delete(ctx context.Context, collection, id string) error
	PendingCorrelations(ctx context.Context) (map[string]struct{}, error)
}

// Queue accepts mutations for replay. *outbox.Manager implements it.
type Queue interface {
	Enqueue(ctx context.Context, req outbox.Request) (model.QueueItem, error)
}

// ErrInvalidData is returned when record data is not a JSON object.
var ErrInvalidData = errors.New("readmodel: data must be a JSON object")

// Option configures an Updater.
type Option func(*Updater)

// WithIDGenerator sets where new record ids come from.
func WithIDGenerator(g outbox.IDGenerator) Option {
	return func(u *Updater) { u.ids = g }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(u *Updater) { u.logger = l }
}

// Updater is the optimistic read model.
//
// Thread-safety: safe for concurrent use; each call is a local write
// followed by an enqueue.
type Updater struct {
	store  Store
	queue  Queue
	ids    outbox.IDGenerator
	logger *slog.Logger
}

// New creates an Updater.
func New(st Store, q Queue, opts ...Option) *Updater {
	u := &Updater{
		store:  st,
		queue:  q,
		ids:    outbox.UUIDv7Generator{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// CorrelationID ties a queued mutation to the record it changes.
func CorrelationID(collection, id string) string {
	return collection + "/" + id
}

// Create stores a new record and queues POST /api/<collection>. The id is
// taken from data's "id" field, or generated and written into data.
func (u *Updater) Create(ctx context.Context, collection string, data json.RawMessage) (model.Record, error) {
	fields, err := decodeObject(data)
	if err != nil {
		return model.Record{}, err
	}
	id := recordID(fields)
	if id == "" {
		id = u.ids.Generate()
		fields["id"] = id
	}
	body, err := json.Marshal(fields)
	if err != nil {
		return model.Record{}, fmt.Errorf("encode record: %w", err)
	}

	rec := model.Record{ID: id, Data: body}
	err = u.apply(ctx, collection, id, func() error {
		return u.store.Put(ctx, collection, rec)
	}, outbox.Request{
		URL:    collectionPath(collection),
		Method: "POST",
		Data:   body,
	})
	if err != nil {
		return model.Record{}, err
	}
	return u.store.Get(ctx, collection, id)
}

// Update replaces a record and queues PUT /api/<collection>/<id>.
func (u *Updater) Update(ctx context.Context, collection, id string, data json.RawMessage) (model.Record, error) {
	if _, err := decodeObject(data); err != nil {
		return model.Record{}, err
	}
	rec := model.Record{ID: id, Data: data}
	err := u.apply(ctx, collection, id, func() error {
		return u.store.Put(ctx, collection, rec)
	}, outbox.Request{
		URL:    recordPath(collection, id),
		Method: "PUT",
		Data:   data,
	})
	if err != nil {
		return model.Record{}, err
	}
	return u.store.Get(ctx, collection, id)
}

// Delete removes a record and queues DELETE /api/<collection>/<id>.
func (u *Updater) Delete(ctx context.Context, collection, id string) error {
	return u.apply(ctx, collection, id, func() error {
		return u.store.Delete(ctx, collection, id)
	}, outbox.Request{
		URL:    recordPath(collection, id),
		Method: "DELETE",
	})
}

// List returns the local records of a collection.
func (u *Updater) List(ctx context.Context, collection string) ([]model.Record, error) {
	return u.store.GetAll(ctx, collection)
}

// Get returns one local record.
func (u *Updater) Get(ctx context.Context, collection, id string) (model.Record, error) {
	return u.store.Get(ctx, collection, id)
}

// ApplyRemote stores records confirmed by the remote, except those with a
// local mutation still queued; those keep their local version until replay.
// It returns how many records were written.
func (u *Updater) ApplyRemote(ctx context.Context, collection string, records []model.Record) (int, error) {
	pending, err := u.store.PendingCorrelations(ctx)
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, rec := range records {
		if _, ok := pending[CorrelationID(collection, rec.ID)]; ok {
			u.logger.Debug("remote record shadowed by pending mutation", "collection", collection, "id", rec.ID)
			continue
		}
		if err := u.store.Put(ctx, collection, rec); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

// apply performs the local write, then queues req. When queueing fails the
// local write is rolled back so local state never shows an unqueued change.
func (u *Updater) apply(ctx context.Context, collection, id string, write func() error, req outbox.Request) error {
	prev, err := u.store.Get(ctx, collection, id)
	existed := err == nil
	if err != nil && !store.IsNotFound(err) {
		return err
	}

	if err := write(); err != nil {
		return err
	}

	req.CorrelationID = CorrelationID(collection, id)
	if _, err := u.queue.Enqueue(ctx, req); err != nil {
		var rbErr error
		if existed {
			rbErr = u.store.Put(ctx, collection, prev)
		} else {
			rbErr = u.store.Delete(ctx, collection, id)
		}
		if rbErr != nil {
			u.logger.Error("rollback of local write failed", "collection", collection, "id", id, "error", rbErr)
		}
		return fmt.Errorf("queue %s %s: %w", req.Method, req.URL, err)
	}
	return nil
}

func decodeObject(data json.RawMessage) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil || fields == nil {
		return nil, ErrInvalidData
	}
	return fields, nil
}

// recordID returns the "id" field as text. Numeric ids keep their JSON form.
func recordID(fields map[string]any) string {
	switch v := fields["id"].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	}
	return ""
}

func collectionPath(collection string) string {
	return "/api/" + url.PathEscape(collection)
}

func recordPath(collection, id string) string {
	return collectionPath(collection) + "/" + url.PathEscape(id)
}

// ParseRemote decodes a remote collection listing: a JSON array of objects
// that each carry an "id". Numeric ids keep their JSON text form.
func ParseRemote(body []byte) ([]model.Record, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: listing is not a JSON array", ErrInvalidData)
	}
	records := make([]model.Record, 0, len(raw))
	for i, item := range raw {
		fields, err := decodeObject(item)
		if err != nil {
			return nil, fmt.Errorf("listing item %d: %w", i, err)
		}
		id := recordID(fields)
		if id == "" {
			return nil, fmt.Errorf("listing item %d: %w: missing id", i, ErrInvalidData)
		}
		records = append(records, model.Record{ID: id, Data: item})
	}
	return records, nil
}

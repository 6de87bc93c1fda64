package model

import (
	"encoding/json"
	"net/http"
	"time"
)

// Record is a domain entity (grain, purchase, sale, inventory line) held in
// a named collection of the local store.
type Record struct {
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// QueueItem is one not-yet-confirmed mutation awaiting replay.
type QueueItem struct {
	Seq            int64           `json:"seq"` // Store-assigned FIFO position
	ID             string          `json:"id"`  // UUIDv7, never reused
	URL            string          `json:"url"`
	Method         string          `json:"method"`
	Data           json.RawMessage `json:"data,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	Retries        int             `json:"retries"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	LastError      string          `json:"last_error,omitempty"`
}

// CacheEntry is a stored response keyed by request within a cache partition.
type CacheEntry struct {
	Key      string        `json:"key"`
	Status   int           `json:"status"`
	Header   http.Header   `json:"header,omitempty"`
	Body     []byte        `json:"body"`
	StoredAt time.Time     `json:"stored_at"`
	MaxAge   time.Duration `json:"max_age"`
}

// Fresh reports whether the entry is still inside its freshness window at now.
// A zero MaxAge never expires.
func (e CacheEntry) Fresh(now time.Time) bool {
	if e.MaxAge <= 0 {
		return true
	}
	return now.Sub(e.StoredAt) <= e.MaxAge
}

// TelemetryEvent is one analytics event as sent on the wire.
type TelemetryEvent struct {
	Category  string   `json:"category"`
	Action    string   `json:"action"`
	Label     string   `json:"label,omitempty"`
	Value     *float64 `json:"value,omitempty"`
	Timestamp int64    `json:"timestamp"` // Client time, Unix milliseconds
}

// MetricSample is one structured performance sample.
type MetricSample struct {
	Metric string  `json:"metric"`
	Value  float64 `json:"value"`
}

// SyncMessageType names a message published on the worker→page channel.
type SyncMessageType string

const (
	// MessageSyncCompleted announces the end of replay for one queue item.
	MessageSyncCompleted SyncMessageType = "SYNC_COMPLETED"
	// MessagePermanentFailure announces an item dropped at the retry ceiling.
	MessagePermanentFailure SyncMessageType = "PERMANENT_FAILURE"
	// MessageHTTPRejected announces an item the remote rejected with a status.
	MessageHTTPRejected SyncMessageType = "HTTP_REJECTED"
	// MessageOnline and MessageOffline announce connectivity transitions.
	MessageOnline  SyncMessageType = "NETWORK_ONLINE"
	MessageOffline SyncMessageType = "NETWORK_OFFLINE"
)

// SyncMessage is the envelope published to subscribers.
type SyncMessage struct {
	Type    SyncMessageType `json:"type"`
	Payload SyncPayload     `json:"payload"`
}

// SyncPayload identifies the queue item a message refers to.
type SyncPayload struct {
	ID      string `json:"id,omitempty"`
	Success bool   `json:"success"`
	Status  int    `json:"status,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Package notify carries sync messages from the background worker to any
// number of page-side subscribers.
package notify

import (
	"log/slog"
	"sync"

	"github.com/roach88/offsync/internal/model"
)

// Handler receives one published message.
type Handler func(model.SyncMessage)

// Hub is a goroutine-safe fan-out of SyncMessages. Handlers run synchronously
// on the publishing goroutine; a panicking handler is logged and skipped.
type Hub struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[uint64]Handler
	logger   *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		handlers: make(map[uint64]Handler),
		logger:   logger,
	}
}

// Subscribe registers h and returns the function that removes it.
// The returned function is safe to call more than once.
func (h *Hub) Subscribe(handler Handler) (unsubscribe func()) {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.handlers[id] = handler
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.handlers, id)
			h.mu.Unlock()
		})
	}
}

// Channel subscribes a buffered channel. Messages that do not fit in the
// buffer are dropped for that subscriber only.
func (h *Hub) Channel(size int) (<-chan model.SyncMessage, func()) {
	ch := make(chan model.SyncMessage, size)
	unsubscribe := h.Subscribe(func(msg model.SyncMessage) {
		select {
		case ch <- msg:
		default:
			h.logger.Warn("notify subscriber full, dropping message", "type", msg.Type, "id", msg.Payload.ID)
		}
	})
	return ch, unsubscribe
}

// Publish delivers msg to every current subscriber.
func (h *Hub) Publish(msg model.SyncMessage) {
	h.mu.RLock()
	handlers := make([]Handler, 0, len(h.handlers))
	for _, handler := range h.handlers {
		handlers = append(handlers, handler)
	}
	h.mu.RUnlock()

	for _, handler := range handlers {
		h.deliver(handler, msg)
	}
}

func (h *Hub) deliver(handler Handler, msg model.SyncMessage) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("notify handler panicked", "type", msg.Type, "panic", r)
		}
	}()
	handler(msg)
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.handlers)
}

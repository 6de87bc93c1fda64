// Package gateway exposes the offline-first core over HTTP.
//
// Requests under /api/ are forwarded to the remote API through the
// interception transport, so reads fall back to the cache. Writes that
// cannot reach the remote are queued and answered with 202 Accepted. The
// /_offsync/ routes expose queue state, manual replay, the local read model
// and a websocket stream of sync messages.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/offsync/internal/connectivity"
	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/notify"
	"github.com/roach88/offsync/internal/outbox"
	"github.com/roach88/offsync/internal/readmodel"
)

// QueuedHeader carries the queue item id of a write saved for later.
const QueuedHeader = "X-Offsync-Queued"

// Queue is the mutation queue as seen by the gateway.
type Queue interface {
	Enqueue(ctx context.Context, req outbox.Request) (model.QueueItem, error)
	Items(ctx context.Context) ([]model.QueueItem, error)
	Pending(ctx context.Context) (int, error)
}

// Replayer fires a replay pass on demand.
type Replayer interface {
	Fire(ctx context.Context) (outbox.Report, error)
}

// OfflineRecorder is told about writes queued while offline.
type OfflineRecorder interface {
	Action(action string)
}

// Options wires a Handler.
type Options struct {
	Upstream  string       // Remote API base URL
	Client    *http.Client // Routed through the interception transport
	Queue     Queue
	Replayer  Replayer
	ReadModel *readmodel.Updater
	Monitor   *connectivity.Monitor
	Hub       *notify.Hub
	Gatherer  prometheus.Gatherer // Serves /metrics when set
	Offline   OfflineRecorder
	Logger    *slog.Logger
}

// Handler serves the gateway routes.
type Handler struct {
	opts Options
}

// New creates a Handler.
func New(opts Options) *Handler {
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handler{opts: opts}
}

// Router returns a chi router with every gateway route registered.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	h.Register(r)
	return r
}

// Register registers the gateway routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Route("/_offsync", func(r chi.Router) {
		r.Get("/status", h.handleStatus)
		r.Get("/queue", h.handleQueue)
		r.Post("/replay", h.handleReplay)
		r.Get("/events", h.handleEvents)
		if h.opts.ReadModel != nil {
			r.Route("/collections/{collection}", func(r chi.Router) {
				r.Get("/", h.handleList)
				r.Post("/", h.handleCreate)
				r.Get("/{id}", h.handleGet)
				r.Put("/{id}", h.handleUpdate)
				r.Delete("/{id}", h.handleDelete)
			})
		}
	})
	if h.opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.opts.Gatherer, promhttp.HandlerOpts{}))
	}
	r.HandleFunc("/api/*", h.handleProxy)
}

// Status is the /_offsync/status body.
type Status struct {
	Online  bool `json:"online"`
	Pending int  `json:"pending"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	n, err := h.opts.Queue.Pending(r.Context())
	if err != nil {
		h.fail(w, r, http.StatusInternalServerError, "read queue", err)
		return
	}
	writeJSON(w, http.StatusOK, Status{Online: h.online(), Pending: n})
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	items, err := h.opts.Queue.Items(r.Context())
	if err != nil {
		h.fail(w, r, http.StatusInternalServerError, "read queue", err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) handleReplay(w http.ResponseWriter, r *http.Request) {
	if h.opts.Replayer == nil {
		writeError(w, http.StatusNotImplemented, "replay is not available")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	report, err := h.opts.Replayer.Fire(ctx)
	if err != nil {
		h.fail(w, r, http.StatusInternalServerError, "replay", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) online() bool {
	return h.opts.Monitor == nil || h.opts.Monitor.Online()
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, status int, what string, err error) {
	h.opts.Logger.ErrorContext(r.Context(), what+" failed",
		"request_id", middleware.GetReqID(r.Context()),
		"error", err.Error(),
	)
	writeError(w, status, what+" failed")
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func isClientError(err error) bool {
	return errors.Is(err, outbox.ErrInvalidRequest) || errors.Is(err, readmodel.ErrInvalidData)
}

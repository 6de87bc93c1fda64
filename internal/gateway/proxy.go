package gateway

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/roach88/offsync/internal/intercept"
	"github.com/roach88/offsync/internal/outbox"
	"github.com/roach88/offsync/internal/readmodel"
	"github.com/roach88/offsync/internal/store"
)

// maxWriteBody bounds a proxied write body; it may end up in the queue.
const maxWriteBody = 1 << 20

var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// QueuedResponse is the 202 body of a write saved for later.
type QueuedResponse struct {
	Queued  string `json:"queued"`
	Message string `json:"message"`
}

func (h *Handler) handleProxy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	target, err := h.target(r.URL)
	if err != nil {
		writeError(w, http.StatusBadGateway, "bad upstream")
		return
	}

	var body []byte
	if r.Method != http.MethodGet && r.Method != http.MethodHead && r.Body != nil {
		body, err = io.ReadAll(io.LimitReader(r.Body, maxWriteBody+1))
		if err != nil {
			writeError(w, http.StatusBadRequest, "read body")
			return
		}
		if len(body) > maxWriteBody {
			writeError(w, http.StatusRequestEntityTooLarge, "body too large")
			return
		}
	}

	isWrite := r.Method != http.MethodGet && r.Method != http.MethodHead
	if isWrite && !h.online() {
		h.queueWrite(w, r, body)
		return
	}

	out, err := http.NewRequestWithContext(ctx, r.Method, target, bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad request")
		return
	}
	copyHeader(out.Header, r.Header)

	resp, err := h.opts.Client.Do(out)
	if err != nil {
		if isWrite && ctx.Err() == nil {
			h.queueWrite(w, r, body)
			return
		}
		var ne *intercept.NetworkError
		if errors.As(err, &ne) {
			writeError(w, http.StatusServiceUnavailable, "offline and not cached")
			return
		}
		h.fail(w, r, http.StatusBadGateway, "proxy", err)
		return
	}
	defer resp.Body.Close()

	if collection, ok := listingCollection(r); ok && h.opts.ReadModel != nil && resp.StatusCode == http.StatusOK && resp.Header.Get(intercept.CacheHeader) == "" {
		h.relayListing(w, r, resp, collection)
		return
	}

	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// relayListing forwards a fresh collection listing and folds it into the
// local read model. Records with a queued local change are left alone.
func (h *Handler) relayListing(w http.ResponseWriter, r *http.Request, resp *http.Response, collection string) {
	ctx := r.Context()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		h.fail(w, r, http.StatusBadGateway, "read upstream", err)
		return
	}
	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)

	records, err := readmodel.ParseRemote(body)
	if err != nil {
		h.opts.Logger.DebugContext(ctx, "listing not applied", "collection", collection, "error", err)
		return
	}
	n, err := h.opts.ReadModel.ApplyRemote(ctx, collection, records)
	if err != nil {
		if !errors.Is(err, store.ErrUnknownCollection) {
			h.opts.Logger.WarnContext(ctx, "apply remote listing failed", "collection", collection, "error", err)
		}
		return
	}
	h.opts.Logger.DebugContext(ctx, "remote listing applied", "collection", collection, "records", n, "shadowed", len(records)-n)
}

// listingCollection reports whether r is a plain GET /api/<collection>.
func listingCollection(r *http.Request) (string, bool) {
	if r.Method != http.MethodGet {
		return "", false
	}
	rest, ok := strings.CutPrefix(r.URL.Path, "/api/")
	if !ok || rest == "" || strings.Contains(rest, "/") || r.URL.RawQuery != "" {
		return "", false
	}
	return rest, true
}

func (h *Handler) queueWrite(w http.ResponseWriter, r *http.Request, body []byte) {
	ctx := r.Context()
	item, err := h.opts.Queue.Enqueue(ctx, outbox.Request{
		URL:    r.URL.RequestURI(),
		Method: r.Method,
		Data:   body,
	})
	if err != nil {
		if isClientError(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.fail(w, r, http.StatusInternalServerError, "queue write", err)
		return
	}
	if h.opts.Offline != nil {
		h.opts.Offline.Action(r.Method + " " + r.URL.Path)
	}
	h.opts.Logger.InfoContext(ctx, "write queued for replay",
		"request_id", middleware.GetReqID(ctx),
		"id", item.ID,
		"method", r.Method,
		"path", r.URL.Path,
	)
	w.Header().Set(QueuedHeader, item.ID)
	writeJSON(w, http.StatusAccepted, QueuedResponse{
		Queued:  item.ID,
		Message: "saved offline, will sync",
	})
}

func (h *Handler) target(u *url.URL) (string, error) {
	base, err := url.Parse(h.opts.Upstream)
	if err != nil {
		return "", err
	}
	ref := &url.URL{Path: u.Path, RawPath: u.RawPath, RawQuery: u.RawQuery}
	return base.ResolveReference(ref).String(), nil
}

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	for _, k := range hopHeaders {
		dst.Del(k)
	}
}

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"nhooyr.io/websocket"
)

// eventBuffer is how many messages a slow subscriber may lag behind before
// messages to it are dropped.
const eventBuffer = 64

const writeTimeout = 5 * time.Second

// handleEvents streams every sync message to a websocket client as a JSON
// text frame until the client goes away.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if h.opts.Hub == nil {
		writeError(w, http.StatusNotImplemented, "event stream is not available")
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.opts.Logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "unexpected close")

	msgs, unsubscribe := h.opts.Hub.Channel(eventBuffer)
	defer unsubscribe()

	// Clients never send; CloseRead handles control frames and cancels ctx
	// when the peer closes.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case msg := <-msgs:
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				h.opts.Logger.Debug("websocket write failed", "error", err)
				return
			}
		}
	}
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/ashita-ai/kibitz/internal/hub"
	"github.com/ashita-ai/kibitz/internal/model"
)

const keepaliveInterval = 15 * time.Second

// relay forwards snapshots from sub to send until the stream ends, ctx is
// done or send fails. ping runs whenever the stream is idle for
// keepaliveInterval.
func relay(ctx context.Context, sub *hub.Subscription, send func(model.Snapshot) error, ping func() error) error {
	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()
	for {
		for {
			snap, ok := sub.TryNext()
			if !ok {
				break
			}
			if err := send(snap); err != nil {
				return err
			}
			keepalive.Reset(keepaliveInterval)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.Ready():
		case <-sub.Done():
			// Deliver anything queued before the stream ended.
			for {
				snap, ok := sub.TryNext()
				if !ok {
					return nil
				}
				if err := send(snap); err != nil {
					return err
				}
			}
		case <-keepalive.C:
			if err := ping(); err != nil {
				return err
			}
		}
	}
}

// HandleSubscribe handles GET /v1/sessions/{id}/subscribe (SSE). Each
// snapshot is sent as an "snapshot" event; the stream closes after the final
// snapshot of a finished session.
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}
	sub, err := h.games.Subscribe(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err, nil)
		return
	}
	defer h.games.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Long-lived stream: lift the server's WriteTimeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	send := func(snap model.Snapshot) error {
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		if _, err := w.Write(formatSSE("snapshot", data)); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	ping := func() error {
		if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	if err := relay(r.Context(), sub, send, ping); err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Debug("sse stream ended", "session_id", sub.SessionID, "error", err)
	}
}

// formatSSE formats one Server-Sent Events message.
func formatSSE(event string, data []byte) []byte {
	out := make([]byte, 0, len(event)+len(data)+16)
	out = append(out, "event: "...)
	out = append(out, event...)
	out = append(out, "\ndata: "...)
	out = append(out, data...)
	return append(out, "\n\n"...)
}

// HandleWebsocket handles GET /v1/sessions/{id}/ws. Snapshots are sent as
// JSON text frames; the connection closes normally after the final snapshot.
func (h *Handlers) HandleWebsocket(w http.ResponseWriter, r *http.Request) {
	sub, err := h.games.Subscribe(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err, nil)
		return
	}
	defer h.games.Unsubscribe(sub)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", "session_id", sub.SessionID, "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	// Observers only read; CloseRead handles control frames and cancels ctx
	// when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	send := func(snap model.Snapshot) error {
		wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return wsjson.Write(wctx, conn, snap)
	}
	ping := func() error {
		pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return conn.Ping(pctx)
	}
	if err := relay(ctx, sub, send, ping); err != nil {
		if !errors.Is(err, context.Canceled) {
			h.logger.Debug("websocket stream ended", "session_id", sub.SessionID, "error", err)
		}
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "session finished")
}

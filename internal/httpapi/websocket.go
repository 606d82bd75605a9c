package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 20 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // origin is enforced by the fronting proxy
}

// handleWS carries the same JSON events as the SSE stream, one per text
// message, and closes normally after the terminal event.
// GET /api/ws/{id}
func (h *StreamingHandler) handleWS(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	bus, err := h.svc.Events(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("WebSocket upgrade failed", zap.String("session_id", id), zap.Error(err))
		return
	}
	defer conn.Close()

	sub := bus.Subscribe(lastEventID(r))
	defer bus.Unsubscribe(sub)

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	// Reader pump: client messages are discarded; a read error means the
	// client is gone.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for _, ev := range sub.Backlog {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			h.logger.Debug("WebSocket client disconnected", zap.String("session_id", id))
			return
		case ev, ok := <-sub.C:
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended")
				if sub.Detached() {
					msg = websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "detached")
				}
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

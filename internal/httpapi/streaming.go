package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-copilot/internal/auth"
	"github.com/Kocoro-lab/research-copilot/internal/server"
	"github.com/Kocoro-lab/research-copilot/internal/streaming"
)

const defaultHeartbeat = 15 * time.Second

// StreamingHandler serves a session's events over SSE and WebSocket.
// Disconnecting never cancels the session.
type StreamingHandler struct {
	svc       *server.Service
	logger    *zap.Logger
	heartbeat time.Duration
}

func NewStreamingHandler(svc *server.Service, logger *zap.Logger) *StreamingHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamingHandler{svc: svc, logger: logger, heartbeat: defaultHeartbeat}
}

// RegisterRoutes registers SSE and WebSocket routes on the provided mux.
func (h *StreamingHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /api/stream/{id}", requireScope(auth.ScopeResearchRead, http.HandlerFunc(h.handleSSE)))
	mux.Handle("GET /api/ws/{id}", requireScope(auth.ScopeResearchRead, http.HandlerFunc(h.handleWS)))
}

// lastEventID reads the replay position from the Last-Event-ID header or the
// last_event_id query parameter.
func lastEventID(r *http.Request) uint64 {
	for _, v := range []string{r.Header.Get("Last-Event-ID"), r.URL.Query().Get("last_event_id")} {
		if v == "" {
			continue
		}
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

// handleSSE streams events for a session via Server-Sent Events.
// GET /api/stream/{id}
func (h *StreamingHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	bus, err := h.svc.Events(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "streaming not supported", Kind: "internal"})
		return
	}

	sub := bus.Subscribe(lastEventID(r))
	defer bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Send an initial comment to establish the stream
	fmt.Fprintf(w, ": connected to session %s\n\n", id)
	for _, ev := range sub.Backlog {
		if err := writeSSE(w, ev); err != nil {
			return
		}
	}
	flusher.Flush()

	hb := time.NewTicker(h.heartbeat)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", zap.String("session_id", id))
			return
		case ev, ok := <-sub.C:
			if !ok {
				if sub.Detached() {
					fmt.Fprint(w, ": detached, reconnect with Last-Event-ID\n\n")
					flusher.Flush()
				}
				return
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
		case <-hb.C:
			// Heartbeat to keep connections alive through proxies
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev streaming.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data)
	return err
}

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

const writeTimeout = 10 * time.Second

// streamWebSocket serves task progress over a websocket. Semantics match the
// SSE stream: current snapshot first, then live changes, closing after the
// terminal snapshot is delivered.
func (h *Handler) streamWebSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sub := h.engine.Subscribe(id)
	defer sub.Close()

	current, err := h.engine.Get(r.Context(), id)
	if err != nil {
		writeTaskError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// Drain reads so client close frames are processed.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(v interface{}) bool {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(v); err != nil {
			return false
		}
		return true
	}

	if !send(current.Summarize()) || current.Status.Terminal() {
		return
	}

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case snap, open := <-sub.Events():
			if !open {
				return
			}
			if !send(snap.Summarize()) {
				return
			}
			if snap.Status.Terminal() {
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "task finished"))
				return
			}
		}
	}
}

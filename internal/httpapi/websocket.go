package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/deepdive-labs/deepdive/internal/streaming"
)

const (
	wsReadWait  = 60 * time.Second
	wsWriteWait = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin checks belong to the fronting proxy
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamWebSocket handles GET /api/v1/research/{sessionId}/ws. Frames carry
// the same JSON as the SSE data lines.
func (h *Handler) StreamWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("sessionId")
	sub, err := h.research.Attach(r.Context(), id, lastEventID(r), h.opts.SubscriberBuffer)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	defer h.research.Streams().Unsubscribe(sub)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("WebSocket upgrade failed", zap.String("session_id", id), zap.Error(err))
		return
	}
	defer conn.Close()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(wsReadWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadWait))
	})

	// Reader pump: client frames are ignored, a read error means the peer left
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(ev streaming.Event) bool {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteMessage(websocket.TextMessage, payload(ev)) == nil
	}
	closeNormal := func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream finished")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
	}

	for _, ev := range sub.Replay {
		if !send(ev) {
			return
		}
		if ev.IsTerminal() {
			closeNormal()
			return
		}
	}

	timeout := time.NewTimer(h.opts.StreamTimeout)
	defer timeout.Stop()
	ping := time.NewTicker(h.opts.KeepAlive)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			h.logger.Info("WebSocket client disconnected", zap.String("session_id", id))
			return
		case <-timeout.C:
			closeNormal()
			return
		case ev, ok := <-sub.C:
			if !ok {
				closeNormal()
				return
			}
			if !send(ev) {
				return
			}
			if ev.IsTerminal() {
				closeNormal()
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

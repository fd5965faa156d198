package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/deepdive-labs/deepdive/internal/streaming"
)

// terminalPayload flattens the job result into the final event so clients
// read success, reportUrl and error at the top level.
type terminalPayload struct {
	Type     streaming.EventType `json:"type"`
	Phase    string              `json:"phase,omitempty"`
	Progress int                 `json:"progress"`
	Seq      uint64              `json:"seq"`
	*streaming.Result
}

// payload returns the JSON body sent for ev on SSE and WebSocket streams
func payload(ev streaming.Event) []byte {
	if ev.Result == nil {
		return ev.Marshal()
	}
	b, err := json.Marshal(terminalPayload{
		Type:     ev.Type,
		Phase:    ev.Phase,
		Progress: ev.Progress,
		Seq:      ev.Seq,
		Result:   ev.Result,
	})
	if err != nil {
		return ev.Marshal()
	}
	return b
}

// lastEventID reads the replay cursor from the Last-Event-ID header or the
// lastEventId query parameter
func lastEventID(r *http.Request) uint64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("lastEventId")
	}
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// StreamEvents handles GET /api/v1/research/{sessionId}/events
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("sessionId")
	sub, err := h.research.Attach(r.Context(), id, lastEventID(r), h.opts.SubscriberBuffer)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.serveSSE(w, r, id, sub)
}

func writeEvent(w http.ResponseWriter, ev streaming.Event) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, payload(ev))
	return err
}

// serveSSE writes sub to the client until the terminal event, a client
// disconnect or the stream timeout. Leaving early never cancels the job.
func (h *Handler) serveSSE(w http.ResponseWriter, r *http.Request, id string, sub *streaming.Subscription) {
	defer h.research.Streams().Unsubscribe(sub)

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.sendError(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fmt.Fprint(w, ": connected\n\n")
	for _, ev := range sub.Replay {
		if err := writeEvent(w, ev); err != nil {
			return
		}
		if ev.IsTerminal() {
			flusher.Flush()
			return
		}
	}
	flusher.Flush()

	timeout := time.NewTimer(h.opts.StreamTimeout)
	defer timeout.Stop()
	keepAlive := time.NewTicker(h.opts.KeepAlive)
	defer keepAlive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("SSE client disconnected", zap.String("session_id", id))
			return
		case <-timeout.C:
			fmt.Fprint(w, ": timeout\n\n")
			flusher.Flush()
			h.logger.Info("SSE wait timed out", zap.String("session_id", id))
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
			if ev.IsTerminal() {
				return
			}
		case <-keepAlive.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

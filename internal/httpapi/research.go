package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/deepdive-labs/deepdive/internal/orchestrator"
)

// StartResearch handles POST /api/v1/research. It answers with a resume
// notice as JSON, or streams the job's progress as server-sent events.
func (h *Handler) StartResearch(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Request
	body := http.MaxBytesReader(w, r.Body, h.opts.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			h.sendError(w, "Request body too large", http.StatusRequestEntityTooLarge)
		case errors.Is(err, io.EOF):
			h.sendError(w, "Request body is required", http.StatusBadRequest)
		default:
			h.sendError(w, "Invalid JSON body", http.StatusBadRequest)
		}
		return
	}

	sub, err := h.research.Submit(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if sub.Notice != nil {
		h.writeJSON(w, http.StatusOK, sub.Notice)
		return
	}

	h.logger.Info("Research stream opened",
		zap.String("session_id", sub.SessionID),
		zap.Bool("attached", sub.Attached),
	)
	stream, err := h.research.Attach(r.Context(), sub.SessionID, sub.Since, h.opts.SubscriberBuffer)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.serveSSE(w, r, sub.SessionID, stream)
}

// GetSession handles GET /api/v1/research/{sessionId}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.research.Get(r.Context(), r.PathValue("sessionId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, sess)
}

// DeleteSession handles DELETE /api/v1/research/{sessionId}
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("sessionId")
	if err := h.research.Delete(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.Info("Session deleted", zap.String("session_id", id))
	w.WriteHeader(http.StatusNoContent)
}

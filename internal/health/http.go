package health

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPHandler provides HTTP endpoints for health checks
type HTTPHandler struct {
	manager *Manager
	logger  *zap.Logger
}

// NewHTTPHandler creates a new HTTP handler for health checks
func NewHTTPHandler(manager *Manager, logger *zap.Logger) *HTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{manager: manager, logger: logger}
}

// RegisterRoutes registers health check endpoints with an HTTP mux
func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /health/ready", h.handleReadiness)
	mux.HandleFunc("GET /health/live", h.handleLiveness)
	mux.HandleFunc("GET /health/detailed", h.handleDetailed)
}

func statusCode(s CheckStatus) int {
	if s == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// handleHealth returns overall health status
func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := h.manager.Check(r.Context())
	h.writeJSON(w, statusCode(report.Overall.Status), map[string]interface{}{
		"status":    report.Overall.Status.String(),
		"message":   report.Overall.Message,
		"timestamp": report.Timestamp.Unix(),
		"duration":  report.Duration.String(),
		"degraded":  report.Overall.Degraded,
		"ready":     report.Overall.Ready,
		"live":      report.Overall.Live,
	})
}

// handleReadiness fails while a critical dependency is down
func (h *HTTPHandler) handleReadiness(w http.ResponseWriter, r *http.Request) {
	report := h.manager.Check(r.Context())
	code, message := http.StatusOK, "ready"
	if !report.Overall.Ready {
		code, message = http.StatusServiceUnavailable, "not ready"
	}
	h.writeJSON(w, code, map[string]interface{}{
		"status":    message,
		"ready":     report.Overall.Ready,
		"timestamp": time.Now().Unix(),
	})
}

// handleLiveness only reports that the process serves requests
func (h *HTTPHandler) handleLiveness(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "alive",
		"live":      true,
		"timestamp": time.Now().Unix(),
	})
}

// handleDetailed returns per-component results; ?cached=true skips running checks
func (h *HTTPHandler) handleDetailed(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("cached") == "true" {
		h.writeJSON(w, http.StatusOK, map[string]interface{}{
			"components": h.manager.LastResults(),
			"timestamp":  time.Now(),
		})
		return
	}
	report := h.manager.Check(r.Context())
	h.writeJSON(w, statusCode(report.Overall.Status), report)
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
	}
}

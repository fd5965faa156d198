package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/deepdive-labs/deepdive/internal/orchestrator"
	"github.com/deepdive-labs/deepdive/internal/reports"
	"github.com/deepdive-labs/deepdive/internal/session"
	"github.com/deepdive-labs/deepdive/internal/streaming"
)

// Research is the job surface the handlers drive
type Research interface {
	Submit(ctx context.Context, req orchestrator.Request) (*orchestrator.Submission, error)
	Get(ctx context.Context, id string) (*session.ResearchSession, error)
	Delete(ctx context.Context, id string) error
	Attach(ctx context.Context, id string, since uint64, buffer int) (*streaming.Subscription, error)
	Streams() *streaming.Manager
}

// Options tunes the HTTP surface
type Options struct {
	// StreamTimeout ends a client's wait on a stream; the job keeps running
	StreamTimeout time.Duration `mapstructure:"client_timeout"`
	// KeepAlive is the SSE comment / WebSocket ping interval
	KeepAlive    time.Duration `mapstructure:"keep_alive"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
	// SubscriberBuffer is the channel size of each stream subscription
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`
}

// DefaultOptions returns production settings
func DefaultOptions() Options {
	return Options{
		StreamTimeout:    10 * time.Minute,
		KeepAlive:        15 * time.Second,
		MaxBodyBytes:     64 << 10,
		SubscriberBuffer: 256,
	}
}

// Handler serves the research and report API
type Handler struct {
	research Research
	reports  reports.Store
	opts     Options
	logger   *zap.Logger
}

// NewHandler creates the API handler. reportStore may be nil, in which case
// report routes answer 503.
func NewHandler(research Research, reportStore reports.Store, opts Options, logger *zap.Logger) *Handler {
	def := DefaultOptions()
	if opts.StreamTimeout <= 0 {
		opts.StreamTimeout = def.StreamTimeout
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = def.KeepAlive
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = def.MaxBodyBytes
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = def.SubscriberBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{research: research, reports: reportStore, opts: opts, logger: logger}
}

// RegisterRoutes registers the API routes on mux
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/research", h.StartResearch)
	mux.HandleFunc("GET /api/v1/research/{sessionId}", h.GetSession)
	mux.HandleFunc("DELETE /api/v1/research/{sessionId}", h.DeleteSession)
	mux.HandleFunc("GET /api/v1/research/{sessionId}/events", h.StreamEvents)
	mux.HandleFunc("GET /api/v1/research/{sessionId}/ws", h.StreamWebSocket)
	mux.HandleFunc("GET /api/v1/reports", h.ListReports)
	mux.HandleFunc("GET /api/v1/reports/{filename}", h.GetReport)
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, reports.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, reports.ErrInvalidFilename):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrResumeRequired), errors.Is(err, orchestrator.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err as a JSON error. Unexpected errors are logged and their
// text is withheld from the client.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		msg = "Internal server error"
	}
	h.sendError(w, msg, code)
}

func (h *Handler) sendError(w http.ResponseWriter, message string, code int) {
	h.writeJSON(w, code, map[string]string{"error": message})
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("Failed to write response", zap.Error(err))
	}
}

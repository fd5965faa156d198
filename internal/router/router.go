package router

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/deepdive-labs/deepdive/internal/llm"
	"github.com/deepdive-labs/deepdive/internal/metrics"
)

// ErrAllModelsFailed is returned when every model in a fallback chain was rate limited
var ErrAllModelsFailed = errors.New("all models failed")

// TaskKind selects the model used for a call
type TaskKind string

const (
	TaskPlanning      TaskKind = "planning"
	TaskReasoning     TaskKind = "reasoning"
	TaskSummarization TaskKind = "summarization"
	TaskSynthesis     TaskKind = "synthesis"
)

// Kinds lists every task kind the pipeline routes
var Kinds = []TaskKind{TaskPlanning, TaskReasoning, TaskSummarization, TaskSynthesis}

// Config maps task kinds to models
type Config struct {
	Default   string            `mapstructure:"default" validate:"required"`
	Routes    map[string]string `mapstructure:"routes"`
	Fallbacks []string          `mapstructure:"fallbacks"`
}

// Router picks models per task kind and orders fallbacks
type Router struct {
	def       string
	routes    map[TaskKind]string
	fallbacks []string
}

// New builds a Router; kinds without a route use the default model
func New(cfg Config) (*Router, error) {
	if cfg.Default == "" {
		return nil, errors.New("router: default model is required")
	}
	r := &Router{def: cfg.Default, routes: make(map[TaskKind]string)}
	for k, model := range cfg.Routes {
		kind := TaskKind(k)
		if !validKind(kind) {
			return nil, fmt.Errorf("router: unknown task kind %q", k)
		}
		if model != "" {
			r.routes[kind] = model
		}
	}
	seen := make(map[string]bool)
	for _, m := range cfg.Fallbacks {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		r.fallbacks = append(r.fallbacks, m)
	}
	return r, nil
}

func validKind(k TaskKind) bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Route returns the primary model for kind
func (r *Router) Route(kind TaskKind) string {
	if m, ok := r.routes[kind]; ok {
		return m
	}
	return r.def
}

// FallbacksFor returns the ordered fallback models for primary, excluding primary itself
func (r *Router) FallbacksFor(primary string) []string {
	out := make([]string, 0, len(r.fallbacks))
	for _, m := range r.fallbacks {
		if m != primary {
			out = append(out, m)
		}
	}
	return out
}

// Client issues routed completions with rate-limit fallback
type Client struct {
	gw     llm.Gateway
	router *Router
	logger *zap.Logger
}

// NewClient creates a routed completion client
func NewClient(gw llm.Gateway, r *Router, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{gw: gw, router: r, logger: logger}
}

// Router exposes the routing table
func (c *Client) Router() *Router { return c.router }

// Chat routes a call for kind and falls back on rate limits
func (c *Client) Chat(ctx context.Context, kind TaskKind, messages []llm.Message, params llm.Params, usage *UsageTracker) (*llm.Response, error) {
	primary := c.router.Route(kind)
	return c.ChatWithFallback(ctx, primary, c.router.FallbacksFor(primary), messages, params, usage)
}

// ChatWithFallback tries primary and then each fallback in order. Only a
// rate-limited failure moves on to the next model; any other failure is
// returned at once. Usage is recorded for the model that answered.
func (c *Client) ChatWithFallback(ctx context.Context, primary string, fallbacks []string, messages []llm.Message, params llm.Params, usage *UsageTracker) (*llm.Response, error) {
	chain := append([]string{primary}, fallbacks...)
	var lastErr error
	for i, model := range chain {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		resp, err := c.gw.Chat(ctx, model, messages, params)
		if err == nil {
			if usage != nil {
				usage.Record(model, resp.PromptTokens, resp.CompletionTokens)
			}
			return resp, nil
		}
		if !llm.IsRateLimited(err) {
			return nil, err
		}
		lastErr = err
		if i+1 < len(chain) {
			next := chain[i+1]
			metrics.ModelFallbacks.WithLabelValues(model, next).Inc()
			c.logger.Warn("Model rate limited, falling back",
				zap.String("model", model),
				zap.String("next", next),
			)
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrAllModelsFailed, len(chain), lastErr)
}

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/deepdive-labs/deepdive/internal/circuitbreaker"
	"github.com/deepdive-labs/deepdive/internal/metrics"
	"github.com/deepdive-labs/deepdive/internal/tracing"
)

// Config configures an OpenAI-compatible chat completions endpoint
type Config struct {
	BaseURL           string        `mapstructure:"base_url" validate:"required,url"`
	APIKey            string        `mapstructure:"api_key"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute" validate:"gte=0"`
	Burst             int           `mapstructure:"burst" validate:"gte=0"`
	// Referer and Title are sent as attribution headers understood by aggregators
	Referer string `mapstructure:"referer"`
	Title   string `mapstructure:"title"`
}

// HTTPGateway calls /chat/completions on an OpenAI-compatible API
type HTTPGateway struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	cb      *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewHTTPGateway creates a gateway; a zero RequestsPerMinute disables client-side pacing
func NewHTTPGateway(cfg Config, logger *zap.Logger) *HTTPGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), burst)
	}

	cbCfg := circuitbreaker.GetCompletionConfig().ToConfig()
	cbCfg.IsSuccessful = upstreamAnswered
	cb := circuitbreaker.NewCircuitBreaker("completion", cbCfg, logger).Instrument("llm-gateway")

	return &HTTPGateway{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		cb:      cb,
		logger:  logger,
	}
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error,omitempty"`
}

// Chat sends one completion request. Failures are returned as *Error.
func (g *HTTPGateway) Chat(ctx context.Context, model string, messages []Message, params Params) (*Response, error) {
	if len(messages) == 0 {
		return nil, &Error{Class: ClassOther, Model: model, Message: "chat requires at least one message"}
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, &Error{Class: ClassOther, Model: model, Message: "rate limiter wait", Err: err}
		}
	}

	provider := DetectProvider(model)
	start := time.Now()
	var resp *Response
	err := g.cb.Execute(ctx, func() error {
		var callErr error
		resp, callErr = g.do(ctx, model, messages, params)
		return callErr
	})
	elapsed := time.Since(start).Seconds()

	if err != nil {
		var ge *Error
		if !errors.As(err, &ge) {
			// Breaker rejections and context errors
			ge = &Error{Class: ClassOther, Model: model, Err: err}
			err = ge
		}
		metrics.RecordCompletionMetrics(provider, model, string(ge.Class), elapsed)
		g.logger.Warn("Completion request failed",
			zap.String("model", model),
			zap.String("class", string(ge.Class)),
			zap.Int("status", ge.StatusCode),
			zap.Error(err),
		)
		return nil, err
	}

	metrics.RecordCompletionMetrics(provider, model, "ok", elapsed)
	metrics.RecordTokens(model, resp.PromptTokens, resp.CompletionTokens)
	return resp, nil
}

func (g *HTTPGateway) do(ctx context.Context, model string, messages []Message, params Params) (*Response, error) {
	body := chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
	}
	if params.JSON {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Class: ClassOther, Model: model, Message: "marshal request", Err: err}
	}

	endpoint := g.cfg.BaseURL + "/chat/completions"
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		tracing.EndSpan(span, err)
		return nil, &Error{Class: ClassOther, Model: model, Message: "create request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if g.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	}
	if g.cfg.Referer != "" {
		req.Header.Set("HTTP-Referer", g.cfg.Referer)
	}
	if g.cfg.Title != "" {
		req.Header.Set("X-Title", g.cfg.Title)
	}
	tracing.InjectTraceparent(ctx, req)

	resp, err := g.client.Do(req)
	if err != nil {
		tracing.EndSpan(span, err)
		return nil, &Error{Class: ClassOther, Model: model, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		tracing.EndSpan(span, err)
		return nil, &Error{Class: ClassOther, Model: model, StatusCode: resp.StatusCode, Message: "read response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		ge := &Error{
			Class:      ClassifyStatus(resp.StatusCode),
			Model:      model,
			StatusCode: resp.StatusCode,
			Message:    upstreamMessage(raw, resp.Status),
		}
		tracing.EndSpan(span, ge)
		return nil, ge
	}

	var decoded chatResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		ge := &Error{Class: ClassMalformed, Model: model, StatusCode: resp.StatusCode, Message: "decode response", Err: err}
		tracing.EndSpan(span, ge)
		return nil, ge
	}
	if decoded.Error != nil {
		ge := &Error{Class: ClassOther, Model: model, StatusCode: resp.StatusCode, Message: decoded.Error.Message}
		tracing.EndSpan(span, ge)
		return nil, ge
	}
	if len(decoded.Choices) == 0 || strings.TrimSpace(decoded.Choices[0].Message.Content) == "" {
		ge := &Error{Class: ClassMalformed, Model: model, StatusCode: resp.StatusCode, Message: "response has no content"}
		tracing.EndSpan(span, ge)
		return nil, ge
	}
	tracing.EndSpan(span, nil)

	out := &Response{
		Content:          decoded.Choices[0].Message.Content,
		Model:            model,
		PromptTokens:     decoded.Usage.PromptTokens,
		CompletionTokens: decoded.Usage.CompletionTokens,
		FinishReason:     decoded.Choices[0].FinishReason,
	}
	return out, nil
}

// upstreamMessage pulls error.message out of an error body when present
func upstreamMessage(raw []byte, fallback string) string {
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error.Message != "" {
		return body.Error.Message
	}
	if s := strings.TrimSpace(string(raw)); s != "" && len(s) < 300 {
		return s
	}
	return fallback
}

var _ Gateway = (*HTTPGateway)(nil)

// String helps log lines identify the endpoint
func (g *HTTPGateway) String() string {
	return fmt.Sprintf("llm.HTTPGateway(%s)", g.cfg.BaseURL)
}

// BreakerOpen reports whether the completion circuit breaker is rejecting calls
func (g *HTTPGateway) BreakerOpen() bool {
	return g.cb.Open()
}

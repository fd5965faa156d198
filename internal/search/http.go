package search

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/deepdive-labs/deepdive/internal/circuitbreaker"
	"github.com/deepdive-labs/deepdive/internal/tracing"
)

const maxResponseBytes = 4 << 20

// StatusError is a non-2xx answer from a search backend
type StatusError struct {
	Backend    string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Backend, e.StatusCode, e.Body)
}

// transport is the breaker-guarded HTTP client shared by the backends
type transport struct {
	name string
	http *circuitbreaker.HTTPWrapper
}

func newTransport(name string, timeout time.Duration, logger *zap.Logger) transport {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	return transport{
		name: name,
		http: circuitbreaker.NewHTTPWrapper(client, "search-"+name, "search", logger),
	}
}

// do sends req and returns the body of a 2xx response
func (t transport) do(ctx context.Context, req *http.Request) ([]byte, error) {
	ctx, span := tracing.StartHTTPSpan(ctx, req.Method, req.URL.String())
	req = req.WithContext(ctx)
	tracing.InjectTraceparent(ctx, req)

	resp, err := t.http.Do(req)
	if err != nil {
		tracing.EndSpan(span, err)
		return nil, fmt.Errorf("%s request failed: %w", t.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		tracing.EndSpan(span, err)
		return nil, fmt.Errorf("failed to read %s response: %w", t.name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(body)
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		err = &StatusError{Backend: t.name, StatusCode: resp.StatusCode, Body: snippet}
		tracing.EndSpan(span, err)
		return nil, err
	}
	tracing.EndSpan(span, nil)
	return body, nil
}

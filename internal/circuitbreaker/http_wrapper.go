package circuitbreaker

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPWrapper sends requests through a breaker-guarded http.Client
type HTTPWrapper struct {
	client *http.Client
	cb     *CircuitBreaker
	logger *zap.Logger
}

// NewHTTPWrapper creates a new HTTP wrapper using the HTTP breaker profile
func NewHTTPWrapper(client *http.Client, name, service string, logger *zap.Logger) *HTTPWrapper {
	return NewHTTPWrapperWithConfig(client, name, service, GetHTTPConfig().ToConfig(), logger)
}

// NewHTTPWrapperWithConfig creates an HTTP wrapper with an explicit breaker configuration
func NewHTTPWrapperWithConfig(client *http.Client, name, service string, config Config, logger *zap.Logger) *HTTPWrapper {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := NewCircuitBreaker(name, config, logger).Instrument(service)
	return &HTTPWrapper{client: client, cb: cb, logger: logger}
}

// Do executes an HTTP request through the circuit breaker. 5xx responses are treated as failures
// for breaker purposes; 4xx do not trip the breaker. The response is always handed back to the
// caller when one was received.
func (hw *HTTPWrapper) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := hw.cb.Execute(req.Context(), func() error {
		var doErr error
		resp, doErr = hw.client.Do(req)
		if doErr != nil {
			return doErr
		}
		if resp.StatusCode >= 500 {
			return &httpStatusError{code: resp.StatusCode}
		}
		return nil
	})

	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return resp, nil
	}
	return resp, err
}

// IsCircuitBreakerOpen returns true if the circuit breaker is open
func (hw *HTTPWrapper) IsCircuitBreakerOpen() bool {
	return hw.cb.Open()
}

// httpStatusError marks 5xx responses for breaker accounting
type httpStatusError struct{ code int }

func (e *httpStatusError) Error() string { return http.StatusText(e.code) }

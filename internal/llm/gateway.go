package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Message is one chat turn
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// System builds a system message
func System(content string) Message { return Message{Role: "system", Content: content} }

// User builds a user message
func User(content string) Message { return Message{Role: "user", Content: content} }

// Params are the sampling settings for one completion
type Params struct {
	Temperature float64
	MaxTokens   int
	// JSON asks the model for a JSON object response
	JSON bool
}

// Response is a completed chat call
type Response struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
	FinishReason     string
}

// Gateway issues chat completions against a named model
type Gateway interface {
	Chat(ctx context.Context, model string, messages []Message, params Params) (*Response, error)
}

// Class groups gateway failures by how a caller should react
type Class string

const (
	ClassRateLimited        Class = "rate_limited"
	ClassUnauthorized       Class = "unauthorized"
	ClassInsufficientCredit Class = "insufficient_credit"
	ClassMalformed          Class = "malformed_response"
	ClassOther              Class = "other"
)

// Error is a classified gateway failure
type Error struct {
	Class      Class
	StatusCode int
	Model      string
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("llm %s (%s, status %d): %s", e.Class, e.Model, e.StatusCode, msg)
	}
	return fmt.Sprintf("llm %s (%s): %s", e.Class, e.Model, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// ClassOf returns the class of err, ClassOther when err is not a gateway error
func ClassOf(err error) Class {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Class
	}
	return ClassOther
}

// IsRateLimited reports whether err is a rate-limit rejection
func IsRateLimited(err error) bool {
	return err != nil && ClassOf(err) == ClassRateLimited
}

// ClassifyStatus maps an HTTP status code to an error class
func ClassifyStatus(code int) Class {
	switch code {
	case http.StatusTooManyRequests:
		return ClassRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		return ClassUnauthorized
	case http.StatusPaymentRequired:
		return ClassInsufficientCredit
	default:
		return ClassOther
	}
}

// upstreamAnswered reports whether err came from a provider that responded
// deliberately. Such errors do not count against the circuit breaker.
func upstreamAnswered(err error) bool {
	switch ClassOf(err) {
	case ClassRateLimited, ClassUnauthorized, ClassInsufficientCredit, ClassMalformed:
		return true
	}
	return false
}

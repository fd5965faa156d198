package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/deepdive-labs/deepdive/internal/llm"
	"github.com/deepdive-labs/deepdive/internal/phases"
	"github.com/deepdive-labs/deepdive/internal/router"
	"github.com/deepdive-labs/deepdive/internal/search"
	"github.com/deepdive-labs/deepdive/internal/session"
)

// PhaseError wraps a failure with the phase it happened in
type PhaseError struct {
	Phase session.Status
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// Classify turns a job failure into the short message stored on the session
// and sent to the caller.
func Classify(err error) string {
	if err == nil {
		return ""
	}

	var ge *llm.Error
	if errors.As(err, &ge) {
		switch ge.Class {
		case llm.ClassRateLimited:
			return "All language models are rate limited. Please try again later."
		case llm.ClassUnauthorized:
			return "The language model provider rejected the API key."
		case llm.ClassInsufficientCredit:
			return "The language model account has insufficient credit."
		case llm.ClassMalformed:
			return "The language model returned a malformed response."
		}
	}

	var pe *phases.ParseError
	switch {
	case errors.Is(err, router.ErrAllModelsFailed):
		return "All language models are rate limited. Please try again later."
	case errors.Is(err, search.ErrExhausted):
		return "No search provider returned results for this question."
	case errors.As(err, &pe):
		return fmt.Sprintf("Could not understand the %s response from the language model.", pe.Stage)
	case errors.Is(err, session.ErrSessionNotFound):
		return "The research session was deleted."
	case errors.Is(err, context.Canceled):
		return "The research job was cancelled."
	}

	var phaseErr *PhaseError
	if errors.As(err, &phaseErr) {
		return fmt.Sprintf("Research failed while %s.", phaseErr.Phase)
	}
	return "Research failed unexpectedly."
}

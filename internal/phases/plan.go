package phases

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/deepdive-labs/deepdive/internal/llm"
	"github.com/deepdive-labs/deepdive/internal/router"
	"github.com/deepdive-labs/deepdive/internal/session"
)

const (
	minSubtopics = 3
	maxSubtopics = 7
)

type planResponse struct {
	Subtopics  []string `json:"subtopics" validate:"required,min=1,dive,required"`
	Complexity string   `json:"complexity" validate:"omitempty,oneof=low medium high LOW MEDIUM HIGH Low Medium High"`
}

// Plan decomposes question into 3-7 subtopics
func (e *Executor) Plan(ctx context.Context, question string, usage *router.UsageTracker) (*session.PlanningResult, error) {
	resp, err := e.llm.Chat(ctx, router.TaskPlanning,
		[]llm.Message{llm.System(planSystem), llm.User(planPrompt(question))},
		llm.Params{Temperature: 0.3, MaxTokens: 800, JSON: true},
		usage,
	)
	if err != nil {
		return nil, fmt.Errorf("planning failed: %w", err)
	}

	var parsed planResponse
	if err := decodeJSON("planning", resp.Content, &parsed); err != nil {
		return nil, err
	}

	subtopics := normalizeSubtopics(parsed.Subtopics)
	if len(subtopics) < minSubtopics {
		return nil, &ParseError{Stage: "planning", Err: fmt.Errorf("got %d usable subtopics, need at least %d", len(subtopics), minSubtopics)}
	}
	if len(subtopics) > maxSubtopics {
		e.logger.Info("Planner returned too many subtopics, truncating",
			zap.Int("returned", len(subtopics)),
			zap.Int("kept", maxSubtopics),
		)
		subtopics = subtopics[:maxSubtopics]
	}

	complexity := session.Complexity(strings.ToLower(parsed.Complexity))
	if complexity == "" {
		complexity = complexityFor(len(subtopics))
	}
	return &session.PlanningResult{
		Question:   question,
		Subtopics:  subtopics,
		Complexity: complexity,
	}, nil
}

var listMarkerRe = regexp.MustCompile(`^(\d+[.)]|[-*•])\s+`)

// normalizeSubtopics trims, drops list markers and case-insensitive duplicates
func normalizeSubtopics(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(listMarkerRe.ReplaceAllString(strings.TrimSpace(s), ""))
		key := strings.ToLower(s)
		if s == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	return out
}

func complexityFor(n int) session.Complexity {
	switch {
	case n <= 3:
		return session.ComplexityLow
	case n <= 5:
		return session.ComplexityMedium
	default:
		return session.ComplexityHigh
	}
}

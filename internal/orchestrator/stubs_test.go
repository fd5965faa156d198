package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deepdive-labs/deepdive/internal/router"
	"github.com/deepdive-labs/deepdive/internal/session"
	"github.com/deepdive-labs/deepdive/internal/streaming"
)

// stubPhases counts calls and answers with small deterministic results.
// Any hook left nil uses the default behaviour.
type stubPhases struct {
	mu    sync.Mutex
	calls map[session.Status]int

	plan       func(ctx context.Context, question string) (*session.PlanningResult, error)
	search     func(ctx context.Context, plan *session.PlanningResult) (*session.SearchResults, error)
	evaluate   func(ctx context.Context, results *session.SearchResults) (*session.EvaluationResults, error)
	synthesize func(ctx context.Context, question string) (*session.SynthesisResult, error)
}

func newStubPhases() *stubPhases {
	return &stubPhases{calls: make(map[session.Status]int)}
}

func (s *stubPhases) count(phase session.Status) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[phase]
}

func (s *stubPhases) hit(phase session.Status) {
	s.mu.Lock()
	s.calls[phase]++
	s.mu.Unlock()
}

func (s *stubPhases) Plan(ctx context.Context, question string, usage *router.UsageTracker) (*session.PlanningResult, error) {
	s.hit(session.StatusPlanning)
	usage.Record("stub-model", 10, 5)
	if s.plan != nil {
		return s.plan(ctx, question)
	}
	return &session.PlanningResult{
		Question:   question,
		Subtopics:  []string{question + " history", question + " today", question + " outlook"},
		Complexity: session.ComplexityMedium,
	}, nil
}

func (s *stubPhases) Search(ctx context.Context, question string, mode session.Mode, plan *session.PlanningResult) (*session.SearchResults, error) {
	s.hit(session.StatusSearching)
	if s.search != nil {
		return s.search(ctx, plan)
	}
	out := &session.SearchResults{}
	for i, sub := range plan.Subtopics {
		out.Subtopics = append(out.Subtopics, session.SubtopicSearch{
			Subtopic: sub,
			Query:    sub,
			Results: []session.SearchHit{{
				URL:      fmt.Sprintf("https://example.org/%d", i),
				Title:    sub,
				Snippet:  "snippet",
				Provider: "stub",
			}},
		})
	}
	return out, nil
}

func (s *stubPhases) Evaluate(ctx context.Context, question string, mode session.Mode, results *session.SearchResults, usage *router.UsageTracker) (*session.EvaluationResults, error) {
	s.hit(session.StatusEvaluating)
	usage.Record("stub-model", 20, 10)
	if s.evaluate != nil {
		return s.evaluate(ctx, results)
	}
	out := &session.EvaluationResults{}
	for _, sub := range results.Subtopics {
		ev := session.SubtopicEvaluation{Subtopic: sub.Subtopic}
		for _, hit := range sub.Results {
			ev.Sources = append(ev.Sources, session.EvaluatedSource{
				URL: hit.URL, Title: hit.Title, Summary: "summary", Relevance: 8, Credibility: 7, Tier: session.TierBatch,
			})
		}
		out.Subtopics = append(out.Subtopics, ev)
	}
	return out, nil
}

func (s *stubPhases) Synthesize(ctx context.Context, question string, mode session.Mode, plan *session.PlanningResult, eval *session.EvaluationResults, usage *router.UsageTracker) (*session.SynthesisResult, error) {
	s.hit(session.StatusSynthesizing)
	usage.Record("stub-model", 30, 15)
	if s.synthesize != nil {
		return s.synthesize(ctx, question)
	}
	return &session.SynthesisResult{
		Report:        "# " + question + "\n\nAnswer [1].\n",
		WordCount:     2,
		Sections:      []string{},
		KeyFindings:   []string{},
		CitationCount: 1,
		Model:         "stub-model",
	}, nil
}

// blockUntilCancelled is a phase hook that waits for its context
func blockUntilCancelled(started chan<- struct{}) func(ctx context.Context, question string) (*session.PlanningResult, error) {
	return func(ctx context.Context, question string) (*session.PlanningResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

// collect drains a subscription until the stream closes
func collect(t *testing.T, sub *streaming.Subscription) []streaming.Event {
	t.Helper()
	events := append([]streaming.Event(nil), sub.Replay...)
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			require.FailNow(t, "stream did not finish", "got %d events", len(events))
			return events
		}
	}
}

func terminal(t *testing.T, events []streaming.Event) streaming.Event {
	t.Helper()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.True(t, last.IsTerminal(), "last event is %s", last.Type)
	require.NotNil(t, last.Result)
	return last
}

func ofType(events []streaming.Event, typ streaming.EventType) []streaming.Event {
	var out []streaming.Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

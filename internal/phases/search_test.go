package phases

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/deepdive-labs/deepdive/internal/router"
	"github.com/deepdive-labs/deepdive/internal/search"
	"github.com/deepdive-labs/deepdive/internal/session"
)

func hits(prefix string, n int) []session.SearchHit {
	out := make([]session.SearchHit, n)
	for i := range out {
		out[i] = session.SearchHit{
			URL:      fmt.Sprintf("https://%s.example.org/%d", prefix, i),
			Title:    fmt.Sprintf("%s source %d", prefix, i),
			Snippet:  prefix + " snippet",
			Provider: "fake",
		}
	}
	return out
}

func TestSearchOneSubtopicFailing(t *testing.T) {
	s := &fakeSearcher{fn: func(sub string) (*session.SubtopicSearch, error) {
		if sub == "b" {
			return &session.SubtopicSearch{
				Subtopic: sub, Query: sub,
				Attempts: []session.BackendAttempt{{Backend: "brave", Outcome: session.OutcomeError}},
			}, fmt.Errorf("%w: all down", search.ErrExhausted)
		}
		return &session.SubtopicSearch{Subtopic: sub, Query: sub, Results: hits(sub, 3)}, nil
	}}
	e := NewExecutor(nil, s, nil, nil, Config{}, zaptest.NewLogger(t))

	res, err := e.Search(context.Background(), "q", session.ModeNormal, &session.PlanningResult{Subtopics: []string{"a", "b", "c"}})
	require.NoError(t, err)
	require.Len(t, res.Subtopics, 3)
	assert.Len(t, res.Subtopics[0].Results, 3)
	assert.Empty(t, res.Subtopics[1].Results)
	assert.NotNil(t, res.Subtopics[1].Results)
	assert.Equal(t, session.OutcomeError, res.Subtopics[1].Attempts[0].Outcome)
	assert.Len(t, res.Subtopics[2].Results, 3)
	assert.Equal(t, 3, s.calls, "subtopics are searched one by one")
	assert.True(t, Sufficient(res))
}

func TestSearchFailsWhenNothingFound(t *testing.T) {
	s := &fakeSearcher{fn: func(sub string) (*session.SubtopicSearch, error) {
		return nil, errors.New("boom")
	}}
	e := NewExecutor(nil, s, nil, nil, Config{}, zaptest.NewLogger(t))

	_, err := e.Search(context.Background(), "q", session.ModeNormal, &session.PlanningResult{Subtopics: []string{"a", "b", "c"}})
	assert.ErrorIs(t, err, search.ErrExhausted)
}

func TestSearchStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &fakeSearcher{fn: func(sub string) (*session.SubtopicSearch, error) {
		cancel()
		return &session.SubtopicSearch{Subtopic: sub, Results: hits(sub, 1)}, nil
	}}
	e := NewExecutor(nil, s, nil, nil, Config{}, zaptest.NewLogger(t))

	_, err := e.Search(ctx, "q", session.ModeNormal, &session.PlanningResult{Subtopics: []string{"a", "b", "c"}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, s.calls)
}

func TestSufficient(t *testing.T) {
	assert.False(t, Sufficient(nil))
	assert.False(t, Sufficient(&session.SearchResults{Subtopics: []session.SubtopicSearch{{Results: hits("a", 1)}, {}, {}}}))
	assert.True(t, Sufficient(&session.SearchResults{Subtopics: []session.SubtopicSearch{{Results: hits("a", 2)}, {}}}))
}

// deepBackend offers more hits than any mode evaluates
type deepBackend struct{}

func (deepBackend) Name() string     { return "deep" }
func (deepBackend) Configured() bool { return true }
func (deepBackend) Search(ctx context.Context, query string, limit int) ([]session.SearchHit, error) {
	all := hits("deep", 40)
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func TestMaxModeSearchesDeepEnoughToEvaluateItsCap(t *testing.T) {
	logger := zaptest.NewLogger(t)
	chain := search.NewChain([]search.Backend{deepBackend{}}, 10, 0, logger)
	c := newFakeCompleter(func(kind router.TaskKind, system, user string) (string, error) {
		return batchReply(user, 7, 7), nil
	})
	e := NewExecutor(c, chain, snippetContent{}, nil, Config{}, logger)
	plan := &session.PlanningResult{Subtopics: []string{"Remote work adoption rates since 2020"}}

	for _, tc := range []struct {
		mode session.Mode
		want int
	}{
		{session.ModeNormal, 10},
		{session.ModeMax, 30},
	} {
		results, err := e.Search(context.Background(), "q", tc.mode, plan)
		require.NoError(t, err)
		assert.Len(t, results.Subtopics[0].Results, tc.want, tc.mode)

		eval, err := e.Evaluate(context.Background(), "q", tc.mode, results, router.NewUsageTracker())
		require.NoError(t, err)
		assert.Len(t, eval.Subtopics[0].Sources, tc.want, tc.mode)
	}
}

func TestSearchAsksForTheModeCap(t *testing.T) {
	s := &fakeSearcher{fn: func(sub string) (*session.SubtopicSearch, error) {
		return &session.SubtopicSearch{Subtopic: sub, Results: hits(sub, 1)}, nil
	}}
	e := NewExecutor(nil, s, nil, nil, Config{}, zaptest.NewLogger(t))

	_, err := e.Search(context.Background(), "q", session.ModeMax, &session.PlanningResult{Subtopics: []string{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, []int{30, 30}, s.limits)
}

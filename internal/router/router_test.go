package router

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/deepdive-labs/deepdive/internal/llm"
)

// scriptedGateway answers per model: a nil error yields a response with fixed usage
type scriptedGateway struct {
	mu     sync.Mutex
	errs   map[string]error
	called []string
}

func (g *scriptedGateway) Chat(ctx context.Context, model string, messages []llm.Message, params llm.Params) (*llm.Response, error) {
	g.mu.Lock()
	g.called = append(g.called, model)
	g.mu.Unlock()
	if err := g.errs[model]; err != nil {
		return nil, err
	}
	return &llm.Response{Content: "ok from " + model, Model: model, PromptTokens: 100, CompletionTokens: 50}, nil
}

func rateLimited(model string) error {
	return &llm.Error{Class: llm.ClassRateLimited, Model: model, StatusCode: 429}
}

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	r, err := New(Config{
		Default:   "primary",
		Routes:    map[string]string{"synthesis": "writer"},
		Fallbacks: []string{"fb1", "primary", "fb2", "fb1"},
	})
	require.NoError(t, err)
	return r
}

func TestRouteAndFallbacks(t *testing.T) {
	r := newTestRouter(t)
	assert.Equal(t, "primary", r.Route(TaskPlanning))
	assert.Equal(t, "writer", r.Route(TaskSynthesis))
	assert.Equal(t, []string{"fb1", "fb2"}, r.FallbacksFor("primary"))
	assert.Equal(t, []string{"fb1", "primary", "fb2"}, r.FallbacksFor("writer"))

	_, err := New(Config{Default: "m", Routes: map[string]string{"bogus": "x"}})
	assert.Error(t, err)
	_, err = New(Config{})
	assert.Error(t, err)
}

func TestRateLimitFallsBackAndRecordsUsageOnce(t *testing.T) {
	gw := &scriptedGateway{errs: map[string]error{"primary": rateLimited("primary")}}
	c := NewClient(gw, newTestRouter(t), zaptest.NewLogger(t))
	usage := NewUsageTracker()

	resp, err := c.Chat(context.Background(), TaskPlanning, []llm.Message{llm.User("q")}, llm.Params{}, usage)
	require.NoError(t, err)
	assert.Equal(t, "fb1", resp.Model)
	assert.Equal(t, []string{"primary", "fb1"}, gw.called)

	assert.Equal(t, []string{"fb1"}, usage.Models(), "the rate-limited model records nothing")
	assert.Equal(t, 150, usage.TotalTokens())
	assert.Equal(t, map[string]int{"fb1": 150}, usage.ByModel())
}

func TestNonRateLimitErrorsAbort(t *testing.T) {
	for _, class := range []llm.Class{llm.ClassUnauthorized, llm.ClassInsufficientCredit, llm.ClassMalformed, llm.ClassOther} {
		gw := &scriptedGateway{errs: map[string]error{"primary": &llm.Error{Class: class, Model: "primary"}}}
		c := NewClient(gw, newTestRouter(t), zaptest.NewLogger(t))

		_, err := c.Chat(context.Background(), TaskReasoning, []llm.Message{llm.User("q")}, llm.Params{}, NewUsageTracker())
		require.Error(t, err)
		assert.Equal(t, class, llm.ClassOf(err))
		assert.Equal(t, []string{"primary"}, gw.called, "class %s must not fall back", class)
	}
}

func TestAllModelsRateLimited(t *testing.T) {
	gw := &scriptedGateway{errs: map[string]error{
		"primary": rateLimited("primary"),
		"fb1":     rateLimited("fb1"),
		"fb2":     rateLimited("fb2"),
	}}
	c := NewClient(gw, newTestRouter(t), zaptest.NewLogger(t))
	usage := NewUsageTracker()

	_, err := c.Chat(context.Background(), TaskPlanning, []llm.Message{llm.User("q")}, llm.Params{}, usage)
	assert.ErrorIs(t, err, ErrAllModelsFailed)
	assert.Equal(t, []string{"primary", "fb1", "fb2"}, gw.called)
	assert.Zero(t, usage.TotalTokens())
}

func TestCancelledContextStopsChain(t *testing.T) {
	gw := &scriptedGateway{}
	c := NewClient(gw, newTestRouter(t), zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Chat(ctx, TaskPlanning, []llm.Message{llm.User("q")}, llm.Params{}, nil)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, gw.called)
}

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/deepdive-labs/deepdive/internal/llm"
	"github.com/deepdive-labs/deepdive/internal/phases"
	"github.com/deepdive-labs/deepdive/internal/reports"
	"github.com/deepdive-labs/deepdive/internal/router"
	"github.com/deepdive-labs/deepdive/internal/session"
	"github.com/deepdive-labs/deepdive/internal/streaming"
)

var (
	batchSourceRe   = regexp.MustCompile(`(?m)^Source (\d+)$`)
	materialEntryRe = regexp.MustCompile(`(?m)^\[(\d+)\] `)
)

var remoteWorkSubtopics = []string{
	"Remote work adoption rates since 2020",
	"Productivity effects of remote work",
	"Employee wellbeing and remote work",
	"Impact on commercial real estate",
	"Hybrid work policies at large employers",
}

// scriptedModel plays the planner, evaluator and writer for the remote-work question
type scriptedModel struct{}

func (scriptedModel) Chat(ctx context.Context, kind router.TaskKind, messages []llm.Message, params llm.Params, usage *router.UsageTracker) (*llm.Response, error) {
	user := messages[len(messages)-1].Content
	var content string
	switch kind {
	case router.TaskPlanning:
		b, _ := json.Marshal(map[string]any{"subtopics": remoteWorkSubtopics, "complexity": "high"})
		content = string(b)
	case router.TaskSummarization:
		var evals []map[string]any
		for _, m := range batchSourceRe.FindAllStringSubmatch(user, -1) {
			idx, _ := strconv.Atoi(m[1])
			evals = append(evals, map[string]any{
				"index":       idx,
				"summary":     fmt.Sprintf("Findings from source %d.", idx),
				"keyPoints":   []string{"Remote work share rose sharply"},
				"relevance":   8,
				"credibility": "7.5",
			})
		}
		b, _ := json.Marshal(map[string]any{"evaluations": evals})
		content = string(b)
	case router.TaskSynthesis:
		var cites []string
		for _, m := range materialEntryRe.FindAllStringSubmatch(user, -1) {
			cites = append(cites, "["+m[1]+"]")
		}
		content = "# How has remote work changed since 2020?\n\n## Key Findings\n\n" +
			"- Adoption stabilised well above pre-2020 levels " + strings.Join(cites[:3], "") + "\n" +
			"- Productivity effects depend on the task " + strings.Join(cites[3:6], "") + "\n\n" +
			"## Detail\n\n" + strings.Join(cites, " ") + "\n"
	default:
		return nil, fmt.Errorf("unexpected task kind %s", kind)
	}
	usage.Record("gpt-test", 100, 40)
	return &llm.Response{Content: content, Model: "gpt-test", PromptTokens: 100, CompletionTokens: 40}, nil
}

// threeHits returns three sources per subtopic
type threeHits struct{}

func (threeHits) SearchSubtopic(ctx context.Context, subtopic, question string, limit int) (*session.SubtopicSearch, error) {
	out := &session.SubtopicSearch{Subtopic: subtopic, Query: subtopic}
	for i := 0; i < 3; i++ {
		out.Results = append(out.Results, session.SearchHit{
			URL:      fmt.Sprintf("https://www.bls.gov/remote/%s/%d", strings.ReplaceAll(strings.ToLower(subtopic[:6]), " ", "-"), i),
			Title:    fmt.Sprintf("%s (%d)", subtopic, i+1),
			Snippet:  subtopic + " remote work data",
			Provider: "stub",
		})
	}
	return out, nil
}

type snippetsOnly struct{}

func (snippetsOnly) ContentOrSnippet(ctx context.Context, url, snippet string) (string, bool) {
	return snippet, false
}

func TestRemoteWorkEndToEnd(t *testing.T) {
	logger := zaptest.NewLogger(t)
	exec := phases.NewExecutor(scriptedModel{}, threeHits{}, snippetsOnly{}, nil, phases.DefaultConfig(), logger)
	store := session.NewMemoryStore(logger, session.Options{})
	rs, err := reports.NewFileStore(t.TempDir(), logger)
	require.NoError(t, err)
	o := New(exec, store, rs, nil, Config{PersistSessions: true, HeartbeatInterval: time.Second}, logger)
	defer o.Shutdown(context.Background())

	sub, events := submitAndWait(t, o, Request{
		Question: "How has remote work changed since 2020?",
		Mode:     session.ModeNormal,
	})

	last := terminal(t, events)
	require.True(t, last.Result.Success, last.Result.Error)
	meta := last.Result.Metadata
	require.NotNil(t, meta)
	assert.Equal(t, 5, meta.SubtopicCount)
	assert.Equal(t, 15, meta.SourceCount)
	assert.Equal(t, []string{"gpt-test"}, meta.Models)
	// one planning call, one batch per subtopic, one synthesis call
	assert.Equal(t, 7*140, meta.TotalTokens)

	sess, err := o.Get(context.Background(), sub.SessionID)
	require.NoError(t, err)
	require.NotNil(t, sess.SynthesisResult)
	assert.Equal(t, 15, sess.SynthesisResult.CitationCount)
	assert.Equal(t, "gpt-test", sess.SynthesisResult.Model)
	assert.Len(t, sess.SynthesisResult.KeyFindings, 2)
	for _, ev := range sess.EvaluationResults.Subtopics {
		for _, src := range ev.Sources {
			assert.Equal(t, session.TierBatch, src.Tier)
			assert.InDelta(t, 7.5, src.Credibility, 0.001)
		}
	}

	report := last.Result.ReportContent
	assert.Contains(t, report, "## Sources")
	assert.Contains(t, report, "[43]")
	stored, err := rs.Get(context.Background(), last.Result.Filename)
	require.NoError(t, err)
	assert.Equal(t, report, stored.Content)

	for i := 1; i < len(events); i++ {
		assert.GreaterOrEqual(t, events[i].Progress, events[i-1].Progress)
	}
	assert.Len(t, ofType(events, streaming.EventPhaseComplete), 4)
}

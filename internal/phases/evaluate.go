package phases

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/montanaflynn/stats"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/deepdive-labs/deepdive/internal/credibility"
	"github.com/deepdive-labs/deepdive/internal/llm"
	"github.com/deepdive-labs/deepdive/internal/metrics"
	"github.com/deepdive-labs/deepdive/internal/router"
	"github.com/deepdive-labs/deepdive/internal/session"
)

type sourceEvaluation struct {
	Index       int      `json:"index" validate:"gte=1"`
	Summary     string   `json:"summary" validate:"required"`
	KeyPoints   []string `json:"keyPoints"`
	Citations   []string `json:"citations"`
	Relevance   *Score   `json:"relevance"`
	Credibility *Score   `json:"credibility"`
}

type batchResponse struct {
	Evaluations []sourceEvaluation `json:"evaluations" validate:"required,min=1,dive"`
}

type singleResponse struct {
	Summary     string   `json:"summary" validate:"required"`
	KeyPoints   []string `json:"keyPoints"`
	Citations   []string `json:"citations"`
	Relevance   *Score   `json:"relevance"`
	Credibility *Score   `json:"credibility"`
}

// Evaluate scores the sources of every subtopic. Each subtopic is capped to
// the mode's source count and scored in batches; a failed batch is retried
// source by source and a failed source gets a heuristic score, so every
// source ends up with a record.
func (e *Executor) Evaluate(ctx context.Context, question string, mode session.Mode, results *session.SearchResults, usage *router.UsageTracker) (*session.EvaluationResults, error) {
	if results == nil {
		return nil, errors.New("evaluation requires search results")
	}
	out := &session.EvaluationResults{Subtopics: make([]session.SubtopicEvaluation, 0, len(results.Subtopics))}
	for _, sub := range results.Subtopics {
		ev, err := e.EvaluateSubtopic(ctx, question, mode, sub, usage)
		if err != nil {
			return nil, err
		}
		out.Subtopics = append(out.Subtopics, ev)
	}
	return out, nil
}

// EvaluateSubtopic scores the capped sources of one subtopic. The only error
// it returns is cancellation of ctx.
func (e *Executor) EvaluateSubtopic(ctx context.Context, question string, mode session.Mode, sub session.SubtopicSearch, usage *router.UsageTracker) (session.SubtopicEvaluation, error) {
	hits := sub.Results
	if limit := e.cfg.SourceCap(mode); len(hits) > limit {
		hits = hits[:limit]
	}

	sources := make([]session.EvaluatedSource, 0, len(hits))
	for start := 0; start < len(hits); start += e.cfg.BatchSize {
		end := min(start+e.cfg.BatchSize, len(hits))
		items := e.fetchBatch(ctx, hits[start:end])
		if err := ctx.Err(); err != nil {
			return session.SubtopicEvaluation{}, err
		}

		scored, err := e.evaluateBatch(ctx, question, sub.Subtopic, items, usage)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return session.SubtopicEvaluation{}, ctxErr
			}
			e.logger.Warn("Batch evaluation failed, evaluating sources individually",
				zap.String("subtopic", sub.Subtopic),
				zap.Int("batch_size", len(items)),
				zap.Error(err),
			)
			scored = make([]session.EvaluatedSource, 0, len(items))
			for _, it := range items {
				src, err := e.evaluateOne(ctx, question, sub.Subtopic, it, usage)
				if err != nil {
					if ctxErr := ctx.Err(); ctxErr != nil {
						return session.SubtopicEvaluation{}, ctxErr
					}
					e.logger.Warn("Source evaluation failed, using heuristic",
						zap.String("url", it.hit.URL),
						zap.Error(err),
					)
					src = e.heuristic(sub.Subtopic, it)
				}
				scored = append(scored, src)
			}
		}
		for _, s := range scored {
			metrics.EvaluationTier.WithLabelValues(string(s.Tier)).Inc()
		}
		sources = append(sources, scored...)
	}

	return summarize(sub.Subtopic, sources), nil
}

// fetchBatch loads page content for a batch concurrently, falling back to snippets
func (e *Executor) fetchBatch(ctx context.Context, hits []session.SearchHit) []batchItem {
	items := make([]batchItem, len(hits))
	var g errgroup.Group
	g.SetLimit(len(hits))
	for i, h := range hits {
		items[i].hit = h
		if e.content == nil {
			items[i].content = h.Snippet
			continue
		}
		g.Go(func() error {
			text, _ := e.content.ContentOrSnippet(ctx, h.URL, h.Snippet)
			items[i].content = text
			return nil
		})
	}
	_ = g.Wait()
	return items
}

func (e *Executor) evaluateBatch(ctx context.Context, question, subtopic string, items []batchItem, usage *router.UsageTracker) ([]session.EvaluatedSource, error) {
	resp, err := e.llm.Chat(ctx, router.TaskSummarization,
		[]llm.Message{llm.System(batchSystem), llm.User(batchPrompt(question, subtopic, items))},
		llm.Params{Temperature: 0.2, MaxTokens: 600 * len(items), JSON: true},
		usage,
	)
	if err != nil {
		return nil, err
	}

	var parsed batchResponse
	if err := decodeJSON("batch evaluation", resp.Content, &parsed); err != nil {
		return nil, err
	}

	byIndex := make(map[int]sourceEvaluation, len(parsed.Evaluations))
	for _, ev := range parsed.Evaluations {
		byIndex[ev.Index] = ev
	}
	out := make([]session.EvaluatedSource, 0, len(items))
	for i, it := range items {
		ev, ok := byIndex[i+1]
		if !ok {
			return nil, &ParseError{Stage: "batch evaluation", Err: fmt.Errorf("missing evaluation for source %d of %d", i+1, len(items))}
		}
		out = append(out, toSource(it.hit, ev.Summary, ev.KeyPoints, ev.Citations, ev.Relevance, ev.Credibility, session.TierBatch))
	}
	return out, nil
}

func (e *Executor) evaluateOne(ctx context.Context, question, subtopic string, it batchItem, usage *router.UsageTracker) (session.EvaluatedSource, error) {
	resp, err := e.llm.Chat(ctx, router.TaskSummarization,
		[]llm.Message{llm.System(singleSystem), llm.User(singlePrompt(question, subtopic, it))},
		llm.Params{Temperature: 0.2, MaxTokens: 600, JSON: true},
		usage,
	)
	if err != nil {
		return session.EvaluatedSource{}, err
	}
	var parsed singleResponse
	if err := decodeJSON("source evaluation", resp.Content, &parsed); err != nil {
		return session.EvaluatedSource{}, err
	}
	return toSource(it.hit, parsed.Summary, parsed.KeyPoints, parsed.Citations, parsed.Relevance, parsed.Credibility, session.TierIndividual), nil
}

// heuristic scores a source from its domain and keyword overlap alone
func (e *Executor) heuristic(subtopic string, it batchItem) session.EvaluatedSource {
	text := it.hit.Title + " " + it.hit.Snippet
	summary := strings.TrimSpace(it.hit.Snippet)
	if summary == "" {
		summary = firstRunes(it.content, 300)
	}
	return session.EvaluatedSource{
		URL:         it.hit.URL,
		Title:       it.hit.Title,
		Summary:     summary,
		KeyPoints:   []string{},
		Relevance:   float64(Clamp(credibility.Relevance(subtopic, text))),
		Credibility: float64(Clamp(e.scorer.URL(it.hit.URL))),
		Tier:        session.TierHeuristic,
	}
}

func toSource(hit session.SearchHit, summary string, keyPoints, citations []string, rel, cred *Score, tier session.EvaluationTier) session.EvaluatedSource {
	if keyPoints == nil {
		keyPoints = []string{}
	}
	return session.EvaluatedSource{
		URL:         hit.URL,
		Title:       hit.Title,
		Summary:     strings.TrimSpace(summary),
		KeyPoints:   keyPoints,
		Citations:   citations,
		Relevance:   value(rel),
		Credibility: value(cred),
		Tier:        tier,
	}
}

func summarize(subtopic string, sources []session.EvaluatedSource) session.SubtopicEvaluation {
	rel := make([]float64, 0, len(sources))
	cred := make([]float64, 0, len(sources))
	for _, s := range sources {
		rel = append(rel, s.Relevance)
		cred = append(cred, s.Credibility)
	}
	return session.SubtopicEvaluation{
		Subtopic:           subtopic,
		Sources:            sources,
		AverageRelevance:   mean(rel),
		AverageCredibility: mean(cred),
	}
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m, err := stats.Mean(xs)
	if err != nil {
		return 0
	}
	return math.Round(m*100) / 100
}

// FilterHighQuality returns a copy of eval keeping only sources at or above
// both thresholds. Subtopics left without sources are dropped. eval itself
// is not modified.
func FilterHighQuality(eval *session.EvaluationResults, minRelevance, minCredibility float64) *session.EvaluationResults {
	out := &session.EvaluationResults{Subtopics: []session.SubtopicEvaluation{}}
	if eval == nil {
		return out
	}
	for _, sub := range eval.Subtopics {
		var kept []session.EvaluatedSource
		for _, s := range sub.Sources {
			if s.Relevance >= minRelevance && s.Credibility >= minCredibility {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			continue
		}
		out.Subtopics = append(out.Subtopics, summarize(sub.Subtopic, kept))
	}
	return out
}

func firstRunes(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n])
}

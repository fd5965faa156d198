package phases

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/deepdive-labs/deepdive/internal/formatting"
	"github.com/deepdive-labs/deepdive/internal/llm"
	"github.com/deepdive-labs/deepdive/internal/metrics"
	"github.com/deepdive-labs/deepdive/internal/router"
	"github.com/deepdive-labs/deepdive/internal/session"
)

const templateModel = "template"

// CitationNumber is the marker for source sourceIndex of subtopic
// subtopicIndex. stride must be at least the per-subtopic source count.
func CitationNumber(subtopicIndex, sourceIndex, stride int) int {
	return subtopicIndex*stride + sourceIndex + 1
}

// Synthesize writes the final report from the high quality sources. If the
// completion call fails the report is assembled from the evaluation
// summaries instead; only cancellation of ctx is returned as an error.
func (e *Executor) Synthesize(ctx context.Context, question string, mode session.Mode, plan *session.PlanningResult, eval *session.EvaluationResults, usage *router.UsageTracker) (*session.SynthesisResult, error) {
	if eval == nil {
		return nil, errors.New("synthesis requires evaluation results")
	}
	material := FilterHighQuality(eval, e.cfg.MinRelevance, e.cfg.MinCredibility)
	if len(material.Subtopics) == 0 {
		e.logger.Info("No sources passed the quality filter, synthesizing from all evaluated sources")
		material = FilterHighQuality(eval, 0, 0)
	}
	stride := e.cfg.SourceCap(mode)
	sources := numberedSources(material, stride)

	raw := ""
	model := templateModel
	fallback := false
	resp, err := e.llm.Chat(ctx, router.TaskSynthesis,
		[]llm.Message{llm.System(synthesisSystem), llm.User(synthesisPrompt(question, plan, material, stride))},
		llm.Params{Temperature: 0.4, MaxTokens: 4000},
		usage,
	)
	switch {
	case err != nil:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		e.logger.Warn("Synthesis completion failed, assembling report from template", zap.Error(err))
		metrics.SynthesisFallbacks.Inc()
		raw = templateReport(question, plan, material, stride)
		fallback = true
	case strings.TrimSpace(resp.Content) == "":
		e.logger.Warn("Synthesis completion was empty, assembling report from template", zap.String("model", resp.Model))
		metrics.SynthesisFallbacks.Inc()
		raw = templateReport(question, plan, material, stride)
		fallback = true
	default:
		raw = resp.Content
		model = resp.Model
	}

	body := formatting.EnsureHeading(formatting.StripSources(raw), question)
	citations := formatting.CountCitations(body)
	sections := formatting.Headings(body)
	findings := formatting.KeyFindings(body, e.cfg.KeyFindings)

	// Keep a sources section the model wrote itself
	report := body
	if formatting.HasSourcesSection(raw) {
		report = formatting.EnsureHeading(raw, question)
	}
	report = formatting.AppendSources(report, sources)
	var models []string
	if usage != nil {
		models = usage.Models()
	}
	report = formatting.AppendFooter(report, formatting.Footer{
		Models:      models,
		Mode:        string(mode),
		Sources:     len(sources),
		GeneratedAt: time.Now(),
		Fallback:    fallback,
	})

	if sections == nil {
		sections = []string{}
	}
	if findings == nil {
		findings = []string{}
	}
	return &session.SynthesisResult{
		Report:        report,
		WordCount:     formatting.WordCount(body),
		Sections:      sections,
		KeyFindings:   findings,
		CitationCount: citations,
		Model:         model,
		Fallback:      fallback,
	}, nil
}

func numberedSources(eval *session.EvaluationResults, stride int) []formatting.Source {
	var out []formatting.Source
	for si, sub := range eval.Subtopics {
		for ci, src := range sub.Sources {
			out = append(out, formatting.Source{Number: CitationNumber(si, ci, stride), Title: src.Title, URL: src.URL})
		}
	}
	return out
}

// templateReport builds a plain report from the subtopics and evaluation summaries
func templateReport(question string, plan *session.PlanningResult, eval *session.EvaluationResults, stride int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", strings.TrimSpace(question))

	b.WriteString("## Key Findings\n\n")
	findings := 0
	for si, sub := range eval.Subtopics {
		for ci, src := range sub.Sources {
			if len(src.KeyPoints) == 0 {
				continue
			}
			fmt.Fprintf(&b, "- %s [%d]\n", src.KeyPoints[0], CitationNumber(si, ci, stride))
			findings++
			break
		}
	}
	if findings == 0 {
		b.WriteString("- No key findings could be extracted from the evaluated sources.\n")
	}

	covered := make(map[string]bool)
	for si, sub := range eval.Subtopics {
		covered[sub.Subtopic] = true
		fmt.Fprintf(&b, "\n## %s\n\n", sub.Subtopic)
		for ci, src := range sub.Sources {
			summary := src.Summary
			if summary == "" {
				summary = src.Title
			}
			fmt.Fprintf(&b, "- %s [%d]\n", summary, CitationNumber(si, ci, stride))
		}
	}
	if plan != nil {
		for _, sub := range plan.Subtopics {
			if !covered[sub] {
				fmt.Fprintf(&b, "\n## %s\n\nNo sources met the quality bar for this subtopic.\n", sub)
			}
		}
	}
	return b.String()
}

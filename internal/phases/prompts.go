package phases

import (
	"fmt"
	"strings"

	"github.com/deepdive-labs/deepdive/internal/session"
)

const planSystem = `You are a research planner. Break the user's question into 3 to 7 focused subtopics that together answer it.
Respond with JSON only: {"subtopics": ["..."], "complexity": "low|medium|high"}`

const batchSystem = `You evaluate web sources for a research report. For every numbered source return an object with
"index" (the source number), "summary" (2-3 sentences), "keyPoints" (short strings), "citations" (facts or figures worth citing),
"relevance" (0-10, how well it addresses the subtopic) and "credibility" (0-10, how trustworthy the source is).
Respond with JSON only: {"evaluations": [ ... ]}`

const singleSystem = `You evaluate one web source for a research report. Return "summary" (2-3 sentences), "keyPoints",
"citations", "relevance" (0-10) and "credibility" (0-10).
Respond with JSON only: {"summary": "...", "keyPoints": [], "citations": [], "relevance": 0, "credibility": 0}`

const synthesisSystem = `You are a research analyst writing a cited markdown report. Start with a "# " title, include a
"## Key Findings" section of bullet points, then one "## " section per theme. Cite sources inline with their bracketed
numbers, for example [3]. Only cite numbers listed in the material. Do not invent sources.`

func planPrompt(question string) string {
	return "Question: " + question
}

type batchItem struct {
	hit     session.SearchHit
	content string
}

func batchPrompt(question, subtopic string, items []batchItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research question: %s\nSubtopic: %s\n\n", question, subtopic)
	for i, it := range items {
		fmt.Fprintf(&b, "Source %d\nTitle: %s\nURL: %s\nContent:\n%s\n\n", i+1, it.hit.Title, it.hit.URL, it.content)
	}
	return b.String()
}

func singlePrompt(question, subtopic string, it batchItem) string {
	return fmt.Sprintf("Research question: %s\nSubtopic: %s\n\nTitle: %s\nURL: %s\nContent:\n%s\n",
		question, subtopic, it.hit.Title, it.hit.URL, it.content)
}

func synthesisPrompt(question string, planning *session.PlanningResult, eval *session.EvaluationResults, stride int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research question: %s\n", question)
	if planning != nil {
		fmt.Fprintf(&b, "Complexity: %s\n", planning.Complexity)
	}
	b.WriteString("\nEvaluated material by subtopic:\n")
	for si, sub := range eval.Subtopics {
		fmt.Fprintf(&b, "\n### %s\n", sub.Subtopic)
		for ci, src := range sub.Sources {
			fmt.Fprintf(&b, "[%d] %s (%s) relevance %.1f credibility %.1f\n", CitationNumber(si, ci, stride), src.Title, src.URL, src.Relevance, src.Credibility)
			if src.Summary != "" {
				fmt.Fprintf(&b, "Summary: %s\n", src.Summary)
			}
			for _, kp := range src.KeyPoints {
				fmt.Fprintf(&b, "- %s\n", kp)
			}
		}
	}
	return b.String()
}

package phases

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/deepdive-labs/deepdive/internal/search"
	"github.com/deepdive-labs/deepdive/internal/session"
)

// Search runs every subtopic through the search chain, one at a time, asking
// for as many hits as mode evaluates. A subtopic that no backend could answer
// is kept with an empty result list. The phase fails only when no subtopic
// produced anything.
func (e *Executor) Search(ctx context.Context, question string, mode session.Mode, plan *session.PlanningResult) (*session.SearchResults, error) {
	if plan == nil || len(plan.Subtopics) == 0 {
		return nil, errors.New("search requires a plan with subtopics")
	}

	limit := e.cfg.SourceCap(mode)
	out := &session.SearchResults{Subtopics: make([]session.SubtopicSearch, 0, len(plan.Subtopics))}
	for _, sub := range plan.Subtopics {
		res, err := e.search.SearchSubtopic(ctx, sub, question, limit)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if err != nil {
			e.logger.Warn("Subtopic search failed, recording empty result",
				zap.String("subtopic", sub),
				zap.Error(err),
			)
		}
		if res == nil {
			res = &session.SubtopicSearch{Subtopic: sub, Query: search.BuildQuery(sub, question)}
		}
		if err != nil {
			res.Results = nil
		}
		if res.Results == nil {
			res.Results = []session.SearchHit{}
		}
		out.Subtopics = append(out.Subtopics, *res)
	}

	total := out.TotalResults()
	if !Sufficient(out) {
		e.logger.Warn("Search returned fewer results than subtopics",
			zap.Int("results", total),
			zap.Int("subtopics", len(out.Subtopics)),
		)
	}
	if total == 0 {
		return nil, fmt.Errorf("%w: no results for any of %d subtopics", search.ErrExhausted, len(out.Subtopics))
	}
	return out, nil
}

// Sufficient reports whether there is at least one result per subtopic on
// average. It is a diagnostic only.
func Sufficient(r *session.SearchResults) bool {
	return r != nil && r.TotalResults() >= len(r.Subtopics)
}

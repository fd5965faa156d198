package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/deepdive-labs/deepdive/internal/metrics"
	"github.com/deepdive-labs/deepdive/internal/session"
)

var (
	// ErrExhausted is returned when no backend produced a result for a query
	ErrExhausted = errors.New("search providers exhausted")
	// ErrNotConfigured marks a backend that has no credentials
	ErrNotConfigured = errors.New("search backend not configured")
)

// Backend is one web search provider
type Backend interface {
	Name() string
	// Configured reports whether the backend has what it needs to be called
	Configured() bool
	Search(ctx context.Context, query string, limit int) ([]session.SearchHit, error)
}

// Config selects and tunes the search backends
type Config struct {
	BraveAPIKey  string        `mapstructure:"brave_api_key"`
	SerperAPIKey string        `mapstructure:"serper_api_key"`
	DuckDuckGo   bool          `mapstructure:"duckduckgo"`
	// MaxResults applies when the caller passes no limit
	MaxResults int           `mapstructure:"max_results" validate:"gte=0,lte=50"`
	Timeout    time.Duration `mapstructure:"timeout"`
	// PolitenessDelay is the minimum gap between two subtopic searches
	PolitenessDelay time.Duration `mapstructure:"politeness_delay"`
}

// Chain tries backends in priority order
type Chain struct {
	backends   []Backend
	maxResults int
	pacer      *rate.Limiter
	logger     *zap.Logger
}

// NewChain builds a chain over backends in the given order. A zero delay
// disables pacing between subtopic searches.
func NewChain(backends []Backend, maxResults int, delay time.Duration, logger *zap.Logger) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxResults <= 0 {
		maxResults = 10
	}
	var pacer *rate.Limiter
	if delay > 0 {
		pacer = rate.NewLimiter(rate.Every(delay), 1)
	}
	return &Chain{backends: backends, maxResults: maxResults, pacer: pacer, logger: logger}
}

// NewChainFromConfig wires Brave, Serper and DuckDuckGo in that order
func NewChainFromConfig(cfg Config, logger *zap.Logger) *Chain {
	backends := []Backend{
		NewBrave(cfg.BraveAPIKey, cfg.Timeout, logger),
		NewSerper(cfg.SerperAPIKey, cfg.Timeout, logger),
		NewDuckDuckGo(cfg.DuckDuckGo, cfg.Timeout, logger),
	}
	return NewChain(backends, cfg.MaxResults, cfg.PolitenessDelay, logger)
}

// Backends returns the configured backend names
func (c *Chain) Backends() []string {
	var names []string
	for _, b := range c.backends {
		if b.Configured() {
			names = append(names, b.Name())
		}
	}
	return names
}

const maxQueryRunes = 300

// BuildQuery derives the query sent for a subtopic. Short subtopics borrow
// context from the original question.
func BuildQuery(subtopic, question string) string {
	q := strings.Join(strings.Fields(subtopic), " ")
	if len(strings.Fields(q)) < 4 && question != "" {
		q = q + " " + strings.Join(strings.Fields(question), " ")
	}
	if r := []rune(q); len(r) > maxQueryRunes {
		q = string(r[:maxQueryRunes])
	}
	return strings.TrimSpace(q)
}

// SearchSubtopic queries backends in order until one returns usable results,
// keeping at most limit hits; limit <= 0 uses the configured maximum. The
// returned record always lists every attempt. When nothing was found the
// record is returned together with an error wrapping ErrExhausted.
func (c *Chain) SearchSubtopic(ctx context.Context, subtopic, question string, limit int) (*session.SubtopicSearch, error) {
	if limit <= 0 {
		limit = c.maxResults
	}
	if c.pacer != nil {
		if err := c.pacer.Wait(ctx); err != nil {
			return nil, err
		}
	}

	query := BuildQuery(subtopic, question)
	out := &session.SubtopicSearch{Subtopic: subtopic, Query: query}

	for _, b := range c.backends {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if !b.Configured() {
			out.Attempts = append(out.Attempts, session.BackendAttempt{Backend: b.Name(), Outcome: session.OutcomeSkipped})
			metrics.SearchRequests.WithLabelValues(b.Name(), session.OutcomeSkipped).Inc()
			continue
		}

		hits, err := b.Search(ctx, query, limit)
		if err == nil {
			// hits without a usable URL count as nothing found
			hits = dedupe(hits, limit)
		}
		switch {
		case err != nil:
			out.Attempts = append(out.Attempts, session.BackendAttempt{Backend: b.Name(), Outcome: session.OutcomeError, Error: err.Error()})
			metrics.SearchRequests.WithLabelValues(b.Name(), session.OutcomeError).Inc()
			c.logger.Warn("Search backend failed",
				zap.String("backend", b.Name()),
				zap.String("query", query),
				zap.Error(err),
			)
		case len(hits) == 0:
			out.Attempts = append(out.Attempts, session.BackendAttempt{Backend: b.Name(), Outcome: session.OutcomeEmpty})
			metrics.SearchRequests.WithLabelValues(b.Name(), session.OutcomeEmpty).Inc()
			c.logger.Info("Search backend returned no results",
				zap.String("backend", b.Name()),
				zap.String("query", query),
			)
		default:
			out.Attempts = append(out.Attempts, session.BackendAttempt{Backend: b.Name(), Outcome: session.OutcomeOK})
			metrics.SearchRequests.WithLabelValues(b.Name(), session.OutcomeOK).Inc()
			out.Results = hits
			return out, nil
		}
	}

	return out, fmt.Errorf("%w for %q: %s", ErrExhausted, query, describeAttempts(out.Attempts))
}

func describeAttempts(attempts []session.BackendAttempt) string {
	if len(attempts) == 0 {
		return "no backends"
	}
	parts := make([]string, 0, len(attempts))
	for _, a := range attempts {
		parts = append(parts, a.Backend+"="+a.Outcome)
	}
	return strings.Join(parts, ", ")
}

// dedupe drops repeated or empty URLs and caps the list
func dedupe(hits []session.SearchHit, limit int) []session.SearchHit {
	seen := make(map[string]bool, len(hits))
	out := make([]session.SearchHit, 0, len(hits))
	for _, h := range hits {
		u := strings.TrimSpace(h.URL)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		h.URL = u
		out = append(out, h)
		if len(out) == limit {
			break
		}
	}
	return out
}

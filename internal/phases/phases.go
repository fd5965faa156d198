package phases

import (
	"context"

	"go.uber.org/zap"

	"github.com/deepdive-labs/deepdive/internal/credibility"
	"github.com/deepdive-labs/deepdive/internal/llm"
	"github.com/deepdive-labs/deepdive/internal/router"
	"github.com/deepdive-labs/deepdive/internal/session"
)

// Completer issues routed completion calls
type Completer interface {
	Chat(ctx context.Context, kind router.TaskKind, messages []llm.Message, params llm.Params, usage *router.UsageTracker) (*llm.Response, error)
}

// Searcher runs the backend fallback chain for one subtopic
type Searcher interface {
	SearchSubtopic(ctx context.Context, subtopic, question string, limit int) (*session.SubtopicSearch, error)
}

// ContentSource returns page text, or the snippet when the page is unavailable
type ContentSource interface {
	ContentOrSnippet(ctx context.Context, url, snippet string) (string, bool)
}

// Config tunes the phase executors
type Config struct {
	BatchSize      int     `mapstructure:"batch_size" validate:"gte=1,lte=10"`
	NormalCap      int     `mapstructure:"normal_cap" validate:"gte=1"`
	MaxCap         int     `mapstructure:"max_cap" validate:"gtefield=NormalCap"`
	MinRelevance   float64 `mapstructure:"min_relevance" validate:"gte=0,lte=10"`
	MinCredibility float64 `mapstructure:"min_credibility" validate:"gte=0,lte=10"`
	KeyFindings    int     `mapstructure:"key_findings" validate:"gte=0"`
}

// DefaultConfig returns the production tuning
func DefaultConfig() Config {
	return Config{
		BatchSize:      4,
		NormalCap:      10,
		MaxCap:         30,
		MinRelevance:   5,
		MinCredibility: 4,
		KeyFindings:    6,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.NormalCap <= 0 {
		c.NormalCap = d.NormalCap
	}
	if c.MaxCap < c.NormalCap {
		c.MaxCap = max(d.MaxCap, c.NormalCap)
	}
	if c.KeyFindings <= 0 {
		c.KeyFindings = d.KeyFindings
	}
	return c
}

// SourceCap is the number of sources evaluated per subtopic in mode. It is
// also the citation stride, so citation numbers never collide.
func (c Config) SourceCap(mode session.Mode) int {
	if mode == session.ModeMax {
		return c.MaxCap
	}
	return c.NormalCap
}

// Executor runs the four pipeline phases. It holds no per-job state.
type Executor struct {
	llm     Completer
	search  Searcher
	content ContentSource
	scorer  *credibility.Scorer
	cfg     Config
	logger  *zap.Logger
}

// NewExecutor wires the phase executors to their collaborators
func NewExecutor(c Completer, s Searcher, content ContentSource, scorer *credibility.Scorer, cfg Config, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if scorer == nil {
		scorer = credibility.New(nil)
	}
	return &Executor{
		llm:     c,
		search:  s,
		content: content,
		scorer:  scorer,
		cfg:     cfg.withDefaults(),
		logger:  logger,
	}
}

// Config returns the effective tuning
func (e *Executor) Config() Config { return e.cfg }

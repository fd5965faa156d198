package pricing

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	pmetrics "github.com/deepdive-labs/deepdive/internal/metrics"
)

// fallbackPer1K applies when the table has no default of its own
const fallbackPer1K = 0.002

// Price is the USD cost of 1K tokens for one model. Split input/output
// prices win over a combined one when both are present.
type Price struct {
	InputPer1K    float64 `yaml:"input_per_1k"`
	OutputPer1K   float64 `yaml:"output_per_1k"`
	CombinedPer1K float64 `yaml:"combined_per_1k"`
}

func (p Price) cost(in, out int) (float64, bool) {
	switch {
	case p.InputPer1K > 0 && p.OutputPer1K > 0:
		return float64(in)/1000*p.InputPer1K + float64(out)/1000*p.OutputPer1K, true
	case p.CombinedPer1K > 0:
		return float64(in+out) / 1000 * p.CombinedPer1K, true
	}
	return 0, false
}

type document struct {
	Pricing struct {
		Defaults struct {
			CombinedPer1K float64 `yaml:"combined_per_1k"`
		} `yaml:"defaults"`
		Models map[string]map[string]Price `yaml:"models"` // provider -> model id
	} `yaml:"pricing"`
}

type entry struct {
	provider string
	price    Price
}

// Table is an immutable pricing table indexed by model id
type Table struct {
	defaultPer1K float64
	models       map[string]entry
}

// Parse reads the pricing section of a models.yaml document
func Parse(data []byte) (*Table, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse pricing: %w", err)
	}
	if doc.Pricing.Defaults.CombinedPer1K < 0 {
		return nil, errors.New("pricing.defaults.combined_per_1k must be >= 0")
	}

	t := &Table{defaultPer1K: doc.Pricing.Defaults.CombinedPer1K, models: make(map[string]entry)}
	for provider, models := range doc.Pricing.Models {
		for model, p := range models {
			if p.InputPer1K < 0 || p.OutputPer1K < 0 || p.CombinedPer1K < 0 {
				return nil, fmt.Errorf("negative price for %s:%s", provider, model)
			}
			if prev, dup := t.models[model]; dup {
				return nil, fmt.Errorf("model %s priced under both %s and %s", model, prev.provider, provider)
			}
			t.models[model] = entry{provider: provider, price: p}
		}
	}
	return t, nil
}

// ReadTable parses the pricing file at path
func ReadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// PerToken is the combined default price of a single token
func (t *Table) PerToken() float64 {
	if t.defaultPer1K > 0 {
		return t.defaultPer1K / 1000
	}
	return fallbackPer1K / 1000
}

// Provider returns the provider section that prices model, or ""
func (t *Table) Provider(model string) string {
	return t.models[model].provider
}

// Cost prices a call. ok is false when model is not in the table and the
// default per-token price was used.
func (t *Table) Cost(model string, in, out int) (cost float64, ok bool) {
	in, out = max(in, 0), max(out, 0)
	if e, found := t.models[model]; found {
		if c, priced := e.price.cost(in, out); priced {
			return c, true
		}
	}
	return float64(in+out) * t.PerToken(), false
}

var (
	current atomic.Pointer[Table]

	pathMu sync.Mutex
	path   string
)

func candidates() []string {
	pathMu.Lock()
	defer pathMu.Unlock()
	return []string{path, os.Getenv("DEEPDIVE_PRICING_PATH"), "./config/models.yaml", "/app/config/models.yaml"}
}

// load returns the first readable table among the candidates, or an empty
// one
func load() *Table {
	for _, p := range candidates() {
		if p == "" {
			continue
		}
		t, err := ReadTable(p)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				zap.L().Warn("Failed to load pricing table", zap.String("path", p), zap.Error(err))
			}
			continue
		}
		zap.L().Info("Loaded pricing table", zap.String("path", p), zap.Int("models", len(t.models)))
		return t
	}
	return &Table{models: map[string]entry{}}
}

func active() *Table {
	if t := current.Load(); t != nil {
		return t
	}
	current.CompareAndSwap(nil, load())
	return current.Load()
}

// LoadFile installs the table at p and makes p the first candidate for
// Reload
func LoadFile(p string) error {
	t, err := ReadTable(p)
	if err != nil {
		return err
	}
	pathMu.Lock()
	path = p
	pathMu.Unlock()
	current.Store(t)
	return nil
}

// Reload re-reads the table from the candidate paths
func Reload() {
	current.Store(load())
}

// DefaultPerToken returns the default combined price per token
func DefaultPerToken() float64 {
	return active().PerToken()
}

// ProviderForModel returns the provider section that prices model, if any
func ProviderForModel(model string) string {
	if model == "" {
		return ""
	}
	return active().Provider(model)
}

// CostForSplit prices a call against the active table. Unknown models fall
// back to the default per-token price and are counted.
func CostForSplit(model string, inputTokens, outputTokens int) float64 {
	cost, ok := active().Cost(model, inputTokens, outputTokens)
	if !ok {
		reason := "unknown_model"
		if model == "" {
			reason = "missing_model"
		}
		pmetrics.PricingFallbacks.WithLabelValues(reason).Inc()
	}
	return cost
}

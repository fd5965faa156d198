package credibility

import (
	"fmt"
	"math"
	"net/url"
	"os"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config holds domain credibility rules on a 0-10 scale
type Config struct {
	DomainGroups []struct {
		Category string   `yaml:"category"`
		Score    float64  `yaml:"score"`
		Domains  []string `yaml:"domains"`
	} `yaml:"domain_groups"`

	TLDPatterns []struct {
		Suffix string  `yaml:"suffix"`
		Score  float64 `yaml:"score"`
	} `yaml:"tld_patterns"`

	DefaultScore float64 `yaml:"default_score"`
}

// Scorer rates sources from static signals
type Scorer struct {
	cfg *Config
}

// New returns a Scorer over cfg; nil uses the built-in tiers
func New(cfg *Config) *Scorer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Scorer{cfg: cfg}
}

// Load reads the credibility table from path, falling back to the built-in
// tiers when the file is missing or invalid
func Load(path string, logger *zap.Logger) *Scorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path == "" {
		return New(nil)
	}
	cfg, err := ReadConfig(path)
	if err != nil {
		logger.Warn("Failed to load credibility config, using defaults",
			zap.String("path", path),
			zap.Error(err),
		)
		return New(nil)
	}
	logger.Info("Loaded credibility config",
		zap.String("path", path),
		zap.Int("groups", len(cfg.DomainGroups)),
	)
	return New(cfg)
}

// ReadConfig parses a credibility yaml file
func ReadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse credibility config: %w", err)
	}
	for _, g := range cfg.DomainGroups {
		if outOfRange(g.Score) {
			return nil, fmt.Errorf("credibility group %q score %.1f outside [0,10]", g.Category, g.Score)
		}
	}
	for _, p := range cfg.TLDPatterns {
		if outOfRange(p.Score) {
			return nil, fmt.Errorf("credibility tld pattern %q score %.1f outside [0,10]", p.Suffix, p.Score)
		}
	}
	if outOfRange(cfg.DefaultScore) {
		return nil, fmt.Errorf("credibility default score %.1f outside [0,10]", cfg.DefaultScore)
	}
	return &cfg, nil
}

func outOfRange(score float64) bool {
	return score < 0 || score > 10
}

// DefaultConfig is the built-in tier table
func DefaultConfig() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTiers), &cfg)
	return &cfg
}

const defaultTiers = `
domain_groups:
  - category: high
    score: 9
    domains: [nature.com, science.org, nih.gov, who.int, oecd.org, imf.org, worldbank.org,
              nber.org, arxiv.org, reuters.com, apnews.com, bls.gov, census.gov, federalreserve.gov]
  - category: medium
    score: 7
    domains: [wikipedia.org, bbc.com, nytimes.com, economist.com, ft.com, wsj.com, bloomberg.com,
              hbr.org, mckinsey.com, brookings.edu, pewresearch.org, theguardian.com, forbes.com]
tld_patterns:
  - suffix: .edu
    score: 8
  - suffix: .gov
    score: 8
  - suffix: .org
    score: 6
  - suffix: .com
    score: 5
default_score: 4
`

// ExtractDomain returns the lowercase host of rawURL without port or leading "www."
func ExtractDomain(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	host := strings.ToLower(parsed.Hostname())
	return strings.TrimPrefix(host, "www."), nil
}

// NormalizeURL lowercases scheme and host, drops "www.", fragments,
// tracking parameters and a trailing slash
func NormalizeURL(rawURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", err
	}
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.TrimPrefix(strings.ToLower(parsed.Host), "www.")
	parsed.Fragment = ""
	if parsed.RawQuery != "" {
		q := parsed.Query()
		for key := range q {
			if strings.HasPrefix(key, "utm_") || key == "fbclid" || key == "gclid" || key == "ref" {
				q.Del(key)
			}
		}
		parsed.RawQuery = q.Encode()
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	return parsed.String(), nil
}

// Domain scores a host. Curated groups win over generic suffixes.
func (s *Scorer) Domain(domain string) float64 {
	domain = strings.ToLower(domain)
	for _, g := range s.cfg.DomainGroups {
		for _, known := range g.Domains {
			known = strings.ToLower(known)
			if domain == known || strings.HasSuffix(domain, "."+known) {
				return g.Score
			}
		}
	}
	for _, p := range s.cfg.TLDPatterns {
		if strings.HasSuffix(domain, p.Suffix) {
			return p.Score
		}
	}
	return s.cfg.DefaultScore
}

// URL scores the domain of rawURL; unparsable URLs get the default score
func (s *Scorer) URL(rawURL string) float64 {
	domain, err := ExtractDomain(rawURL)
	if err != nil || domain == "" {
		return s.cfg.DefaultScore
	}
	return s.Domain(domain)
}

var wordRe = regexp.MustCompile(`[\p{L}\p{N}]+`)

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "what": true, "are": true,
	"how": true, "does": true, "its": true, "from": true, "into": true, "this": true,
	"that": true, "their": true, "about": true, "over": true, "between": true, "of": true,
	"on": true, "in": true, "to": true, "a": true, "an": true, "is": true, "by": true,
}

// Terms returns the distinct lowercase content words of s
func Terms(s string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, w := range wordRe.FindAllString(strings.ToLower(s), -1) {
		if len(w) < 3 || stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

// Relevance scores the keyword overlap between a subtopic and a source's
// text: 2 with no shared terms, rising linearly to 10 when every term appears
func Relevance(subtopic, text string) float64 {
	terms := Terms(subtopic)
	if len(terms) == 0 {
		return 5
	}
	have := make(map[string]bool)
	for _, w := range Terms(text) {
		have[w] = true
	}
	matched := 0
	for _, t := range terms {
		if have[t] || have[strings.TrimSuffix(t, "s")] || have[t+"s"] {
			matched++
		}
	}
	score := 2 + 8*float64(matched)/float64(len(terms))
	return math.Round(score*10) / 10
}

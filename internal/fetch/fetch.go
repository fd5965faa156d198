package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/deepdive-labs/deepdive/internal/circuitbreaker"
	"github.com/deepdive-labs/deepdive/internal/metrics"
	"github.com/deepdive-labs/deepdive/internal/tracing"
)

// ErrNotHTML is returned for responses that carry no readable text
var ErrNotHTML = errors.New("content is not html or text")

// Config tunes page fetching
type Config struct {
	Timeout  time.Duration `mapstructure:"timeout"`
	MaxBytes int64         `mapstructure:"max_bytes" validate:"gte=0"`
	MaxChars int           `mapstructure:"max_chars" validate:"gte=0"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// Fetcher downloads pages and reduces them to plain text
type Fetcher struct {
	cfg    Config
	http   *circuitbreaker.HTTPWrapper
	cache  *cache.Cache
	logger *zap.Logger
}

// New creates a Fetcher with defaults for unset fields
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 2 << 20
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = 6000
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Minute
	}
	client := &http.Client{Timeout: cfg.Timeout}
	return &Fetcher{
		cfg:    cfg,
		http:   circuitbreaker.NewHTTPWrapper(client, "content-fetch", "fetch", logger),
		cache:  cache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		logger: logger,
	}
}

// Fetch returns the readable text of url, truncated to MaxChars
func (f *Fetcher) Fetch(ctx context.Context, url string) (string, error) {
	if v, ok := f.cache.Get(url); ok {
		metrics.ContentFetches.WithLabelValues("cached").Inc()
		return v.(string), nil
	}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodGet, url)

	text, err := f.fetch(ctx, url)
	tracing.EndSpan(span, err)
	if err != nil {
		return "", err
	}
	f.cache.SetDefault(url, text)
	metrics.ContentFetches.WithLabelValues("ok").Inc()
	return text, nil
}

func (f *Fetcher) fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; deepdive/1.0)")
	req.Header.Set("Accept", "text/html,text/plain;q=0.9")
	tracing.InjectTraceparent(ctx, req)

	resp, err := f.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("failed to fetch %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", url, err)
	}

	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	var text string
	switch {
	case ct == "" || strings.Contains(ct, "html"):
		text, err = ExtractText(body)
		if err != nil {
			return "", err
		}
	case strings.HasPrefix(ct, "text/"):
		text = strings.Join(strings.Fields(string(body)), " ")
	default:
		return "", ErrNotHTML
	}
	if text == "" {
		return "", ErrNotHTML
	}
	return truncate(text, f.cfg.MaxChars), nil
}

// ContentOrSnippet returns page text when it can be fetched and the search
// snippet otherwise. The boolean reports whether page text was used.
func (f *Fetcher) ContentOrSnippet(ctx context.Context, url, snippet string) (string, bool) {
	text, err := f.Fetch(ctx, url)
	if err != nil {
		metrics.ContentFetches.WithLabelValues("fallback").Inc()
		f.logger.Debug("Content fetch failed, using snippet",
			zap.String("url", url),
			zap.Error(err),
		)
		return snippet, false
	}
	return text, true
}

var skipElements = map[string]bool{
	"script": true, "style": true, "noscript": true, "nav": true,
	"header": true, "footer": true, "aside": true, "form": true,
	"svg": true, "iframe": true, "template": true,
}

var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "section": true, "article": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"tr": true, "td": true, "blockquote": true, "pre": true,
}

// ExtractText returns the visible text of an HTML document, preferring the
// <article> or <main> element when the page has one
func ExtractText(body []byte) (string, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to parse html: %w", err)
	}
	root := findFirst(doc, "article")
	if root == nil {
		root = findFirst(doc, "main")
	}
	if root == nil {
		root = doc
	}

	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skipElements[n.Data] {
			return
		}
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockElements[n.Data] {
			sb.WriteByte('\n')
		}
	}
	walk(root)

	lines := strings.Split(sb.String(), "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if l = strings.Join(strings.Fields(l), " "); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n"), nil
}

func findFirst(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirst(c, tag); found != nil {
			return found
		}
	}
	return nil
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

// BreakerOpen reports whether page fetches are being short-circuited
func (f *Fetcher) BreakerOpen() bool {
	return f.http.IsCircuitBreakerOpen()
}

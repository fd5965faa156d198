package search

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/deepdive-labs/deepdive/internal/session"
)

const duckDuckGoEndpoint = "https://html.duckduckgo.com/html/"

// DuckDuckGo scrapes the keyless HTML results page
type DuckDuckGo struct {
	enabled  bool
	endpoint string
	t        transport
}

// NewDuckDuckGo creates the HTML backend
func NewDuckDuckGo(enabled bool, timeout time.Duration, logger *zap.Logger) *DuckDuckGo {
	return &DuckDuckGo{enabled: enabled, endpoint: duckDuckGoEndpoint, t: newTransport("duckduckgo", timeout, logger)}
}

// WithEndpoint points the backend at another URL
func (d *DuckDuckGo) WithEndpoint(endpoint string) *DuckDuckGo {
	d.endpoint = endpoint
	return d
}

func (d *DuckDuckGo) Name() string     { return "duckduckgo" }
func (d *DuckDuckGo) Configured() bool { return d.enabled }

func (d *DuckDuckGo) Search(ctx context.Context, query string, limit int) ([]session.SearchHit, error) {
	if !d.Configured() {
		return nil, ErrNotConfigured
	}
	form := url.Values{}
	form.Set("q", query)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create duckduckgo request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; deepdive/1.0)")

	body, err := d.t.do(ctx, req)
	if err != nil {
		return nil, err
	}
	hits, err := parseDuckDuckGo(body)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// parseDuckDuckGo walks the results page collecting result__a links and the
// result__snippet that follows each of them
func parseDuckDuckGo(body []byte) ([]session.SearchHit, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse duckduckgo page: %w", err)
	}

	var hits []session.SearchHit
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			switch {
			case hasClass(n, "result__a"):
				hits = append(hits, session.SearchHit{
					URL:      resolveRedirect(attr(n, "href")),
					Title:    textOf(n),
					Provider: "duckduckgo",
				})
				return
			case hasClass(n, "result__snippet") && len(hits) > 0:
				hits[len(hits)-1].Snippet = textOf(n)
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return hits, nil
}

// resolveRedirect unwraps //duckduckgo.com/l/?uddg=<target> links
func resolveRedirect(href string) string {
	if href == "" {
		return ""
	}
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	return href
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func textOf(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			sb.WriteString(node.Data)
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}

// stripTags removes inline markup such as <strong> from API snippets
func stripTags(s string) string {
	if !strings.Contains(s, "<") && !strings.Contains(s, "&") {
		return s
	}
	z := html.NewTokenizer(strings.NewReader(s))
	var sb strings.Builder
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(sb.String()), " ")
		case html.TextToken:
			sb.Write(z.Text())
		}
	}
}

package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/deepdive-labs/deepdive/internal/session"
)

const braveEndpoint = "https://api.search.brave.com/res/v1/web/search"

// Brave queries the Brave Search web API
type Brave struct {
	apiKey   string
	endpoint string
	t        transport
}

// NewBrave creates the Brave backend; an empty key leaves it unconfigured
func NewBrave(apiKey string, timeout time.Duration, logger *zap.Logger) *Brave {
	return &Brave{apiKey: apiKey, endpoint: braveEndpoint, t: newTransport("brave", timeout, logger)}
}

// WithEndpoint points the backend at another base URL
func (b *Brave) WithEndpoint(endpoint string) *Brave {
	b.endpoint = endpoint
	return b
}

func (b *Brave) Name() string     { return "brave" }
func (b *Brave) Configured() bool { return b.apiKey != "" }

type braveResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

func (b *Brave) Search(ctx context.Context, query string, limit int) ([]session.SearchHit, error) {
	if !b.Configured() {
		return nil, ErrNotConfigured
	}
	if limit <= 0 || limit > 20 {
		limit = 20
	}
	params := url.Values{}
	params.Set("q", query)
	params.Set("count", strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create brave request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", b.apiKey)

	body, err := b.t.do(ctx, req)
	if err != nil {
		return nil, err
	}
	var parsed braveResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode brave response: %w", err)
	}

	hits := make([]session.SearchHit, 0, len(parsed.Web.Results))
	for _, r := range parsed.Web.Results {
		hits = append(hits, session.SearchHit{
			URL:      r.URL,
			Title:    stripTags(r.Title),
			Snippet:  stripTags(r.Description),
			Provider: b.Name(),
		})
	}
	return hits, nil
}

package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/deepdive-labs/deepdive/internal/session"
)

const serperEndpoint = "https://google.serper.dev/search"

// Serper queries Google results through serper.dev
type Serper struct {
	apiKey   string
	endpoint string
	t        transport
}

// NewSerper creates the Serper backend; an empty key leaves it unconfigured
func NewSerper(apiKey string, timeout time.Duration, logger *zap.Logger) *Serper {
	return &Serper{apiKey: apiKey, endpoint: serperEndpoint, t: newTransport("serper", timeout, logger)}
}

// WithEndpoint points the backend at another URL
func (s *Serper) WithEndpoint(endpoint string) *Serper {
	s.endpoint = endpoint
	return s
}

func (s *Serper) Name() string     { return "serper" }
func (s *Serper) Configured() bool { return s.apiKey != "" }

type serperRequest struct {
	Q   string `json:"q"`
	Num int    `json:"num"`
}

type serperResponse struct {
	Organic []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
	} `json:"organic"`
}

func (s *Serper) Search(ctx context.Context, query string, limit int) ([]session.SearchHit, error) {
	if !s.Configured() {
		return nil, ErrNotConfigured
	}
	if limit <= 0 {
		limit = 10
	}
	payload, err := json.Marshal(serperRequest{Q: query, Num: limit})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal serper request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create serper request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", s.apiKey)

	body, err := s.t.do(ctx, req)
	if err != nil {
		return nil, err
	}
	var parsed serperResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode serper response: %w", err)
	}

	hits := make([]session.SearchHit, 0, len(parsed.Organic))
	for _, r := range parsed.Organic {
		hits = append(hits, session.SearchHit{
			URL:      r.Link,
			Title:    r.Title,
			Snippet:  r.Snippet,
			Provider: s.Name(),
		})
	}
	return hits, nil
}

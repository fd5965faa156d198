package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestGateway(t *testing.T, handler http.HandlerFunc) *HTTPGateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPGateway(Config{BaseURL: srv.URL + "/v1/", APIKey: "k"}, zaptest.NewLogger(t))
}

func TestChatSuccess(t *testing.T) {
	var got chatRequest
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices":[{"message":{"role":"assistant","content":"{\"ok\":true}"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":12,"completion_tokens":34}
		}`))
	})

	resp, err := g.Chat(context.Background(), "gpt-4o-mini",
		[]Message{System("be brief"), User("hi")}, Params{Temperature: 0.2, MaxTokens: 100, JSON: true})
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, resp.Content)
	assert.Equal(t, 12, resp.PromptTokens)
	assert.Equal(t, 34, resp.CompletionTokens)
	assert.Equal(t, "gpt-4o-mini", resp.Model)

	assert.Equal(t, "gpt-4o-mini", got.Model)
	require.NotNil(t, got.ResponseFormat)
	assert.Equal(t, "json_object", got.ResponseFormat.Type)
	assert.Len(t, got.Messages, 2)
}

func TestChatClassifiesFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		class  Class
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":{"message":"slow down"}}`, ClassRateLimited},
		{"unauthorized", http.StatusUnauthorized, `{"error":{"message":"bad key"}}`, ClassUnauthorized},
		{"forbidden", http.StatusForbidden, ``, ClassUnauthorized},
		{"no credit", http.StatusPaymentRequired, `{"error":{"message":"add credits"}}`, ClassInsufficientCredit},
		{"server error", http.StatusBadGateway, `upstream down`, ClassOther},
		{"malformed body", http.StatusOK, `not json`, ClassMalformed},
		{"empty choices", http.StatusOK, `{"choices":[]}`, ClassMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := g.Chat(context.Background(), "m", []Message{User("q")}, Params{})
			require.Error(t, err)
			assert.Equal(t, tt.class, ClassOf(err))

			var ge *Error
			require.ErrorAs(t, err, &ge)
			assert.Equal(t, "m", ge.Model)
		})
	}
}

func TestRateLimitsDoNotOpenBreaker(t *testing.T) {
	calls := 0
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusTooManyRequests)
	})
	for i := 0; i < 20; i++ {
		_, err := g.Chat(context.Background(), "m", []Message{User("q")}, Params{})
		assert.True(t, IsRateLimited(err))
	}
	assert.Equal(t, 20, calls)
}

func TestChatRequiresMessages(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	_, err := g.Chat(context.Background(), "m", nil, Params{})
	assert.Equal(t, ClassOther, ClassOf(err))
}

func TestClassifyStatus(t *testing.T) {
	assert.Equal(t, ClassRateLimited, ClassifyStatus(429))
	assert.Equal(t, ClassUnauthorized, ClassifyStatus(401))
	assert.Equal(t, ClassInsufficientCredit, ClassifyStatus(402))
	assert.Equal(t, ClassOther, ClassifyStatus(500))
	assert.False(t, IsRateLimited(nil))
}

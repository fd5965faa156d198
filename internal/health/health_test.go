package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func ok(context.Context) error { return nil }

func TestOverallStatus(t *testing.T) {
	tests := []struct {
		name      string
		checkers  []Checker
		want      CheckStatus
		wantReady bool
	}{
		{
			name:      "all healthy",
			checkers:  []Checker{NewPingChecker("sessions", true, ok), NewPingChecker("reports", false, ok)},
			want:      StatusHealthy,
			wantReady: true,
		},
		{
			name: "critical failure",
			checkers: []Checker{
				NewPingChecker("sessions", true, func(context.Context) error { return errors.New("connection refused") }),
			},
			want:      StatusUnhealthy,
			wantReady: false,
		},
		{
			name: "non-critical failure",
			checkers: []Checker{
				NewPingChecker("sessions", true, ok),
				NewPingChecker("reports", false, func(context.Context) error { return errors.New("down") }),
			},
			want:      StatusDegraded,
			wantReady: true,
		},
		{
			name:      "open breaker",
			checkers:  []Checker{NewBreakerChecker("llm", func() bool { return true })},
			want:      StatusDegraded,
			wantReady: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := NewManager(zaptest.NewLogger(t))
			for _, c := range tc.checkers {
				require.NoError(t, m.RegisterChecker(c))
			}
			report := m.Check(context.Background())
			assert.Equal(t, tc.want, report.Overall.Status)
			assert.Equal(t, tc.wantReady, report.Overall.Ready)
			assert.Len(t, m.LastResults(), len(tc.checkers))
		})
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	require.NoError(t, m.RegisterChecker(NewPingChecker("sessions", true, ok)))
	assert.Error(t, m.RegisterChecker(NewPingChecker("sessions", true, ok)))
	assert.Error(t, m.RegisterChecker(NewPingChecker("", true, ok)))
	assert.Equal(t, []string{"sessions"}, m.Names())
}

func TestPingCheckerHonoursTimeoutAndBreaker(t *testing.T) {
	slow := NewPingChecker("sessions", true, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}).WithTimeout(20 * time.Millisecond)
	res := runCheck(context.Background(), slow)
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Equal(t, "sessions", res.Component)
	assert.True(t, res.Critical)

	called := false
	guarded := NewPingChecker("reports", true, func(context.Context) error {
		called = true
		return nil
	}).WithBreaker(func() bool { return true })
	res = runCheck(context.Background(), guarded)
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.False(t, called, "an open breaker skips the ping")
}

func TestReadinessEndpoint(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	healthy := true
	require.NoError(t, m.RegisterChecker(NewPingChecker("sessions", true, func(context.Context) error {
		if healthy {
			return nil
		}
		return errors.New("redis unavailable")
	})))
	mux := http.NewServeMux()
	NewHTTPHandler(m, zaptest.NewLogger(t)).RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	healthy = false
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/detailed", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body struct {
		Components map[string]struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		} `json:"components"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unhealthy", body.Components["sessions"].Status)
	assert.Equal(t, "redis unavailable", body.Components["sessions"].Error)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/deepdive-labs/deepdive/internal/reports"
)

func TestReportRoutes(t *testing.T) {
	f := newFixture(t, &fakePhases{})
	name, err := f.reports.Save(context.Background(), reports.SaveRequest{
		SessionID: "s1",
		Question:  "How do tides work?",
		Content:   "# Tides\n\nThe moon [1].\n",
		Models:    []string{"fake-model"},
		WordCount: 3,
	})
	require.NoError(t, err)

	resp, err := http.Get(f.srv.URL + "/api/v1/reports?limit=5")
	require.NoError(t, err)
	var list struct {
		Reports []reports.Meta `json:"reports"`
		Count   int            `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, name, list.Reports[0].Filename)

	resp, err = http.Get(f.srv.URL + "/api/v1/reports/" + name)
	require.NoError(t, err)
	var report reports.Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	resp.Body.Close()
	assert.Equal(t, "# Tides\n\nThe moon [1].\n", report.Content)
	assert.Equal(t, "How do tides work?", report.Question)

	resp, err = http.Get(f.srv.URL + "/api/v1/reports/" + name + "?format=markdown")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "text/markdown; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Equal(t, "# Tides\n\nThe moon [1].\n", string(body))

	for path, code := range map[string]int{
		"/api/v1/reports/Not_Valid.txt":           http.StatusBadRequest,
		"/api/v1/reports/never-written-report.md": http.StatusNotFound,
		"/api/v1/reports?limit=abc":               http.StatusBadRequest,
	} {
		resp, err := http.Get(f.srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, code, resp.StatusCode, path)
	}
}

func TestReportRoutesWithoutStore(t *testing.T) {
	mux := http.NewServeMux()
	NewHandler(nil, nil, Options{}, zaptest.NewLogger(t)).RegisterRoutes(mux)
	for _, path := range []string{"/api/v1/reports", "/api/v1/reports/a.md"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
}

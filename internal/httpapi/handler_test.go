package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/deepdive-labs/deepdive/internal/orchestrator"
	"github.com/deepdive-labs/deepdive/internal/reports"
	"github.com/deepdive-labs/deepdive/internal/router"
	"github.com/deepdive-labs/deepdive/internal/session"
)

// fakePhases finishes every phase immediately unless gate is set, in which
// case planning waits for it
type fakePhases struct {
	gate chan struct{}
}

func (f *fakePhases) Plan(ctx context.Context, question string, usage *router.UsageTracker) (*session.PlanningResult, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	usage.Record("fake-model", 10, 5)
	return &session.PlanningResult{Question: question, Subtopics: []string{"a", "b"}, Complexity: session.ComplexityLow}, nil
}

func (f *fakePhases) Search(ctx context.Context, question string, mode session.Mode, plan *session.PlanningResult) (*session.SearchResults, error) {
	out := &session.SearchResults{}
	for _, sub := range plan.Subtopics {
		out.Subtopics = append(out.Subtopics, session.SubtopicSearch{
			Subtopic: sub,
			Query:    sub,
			Results:  []session.SearchHit{{URL: "https://example.org/" + sub, Title: sub, Provider: "fake"}},
		})
	}
	return out, nil
}

func (f *fakePhases) Evaluate(ctx context.Context, question string, mode session.Mode, results *session.SearchResults, usage *router.UsageTracker) (*session.EvaluationResults, error) {
	out := &session.EvaluationResults{}
	for _, sub := range results.Subtopics {
		out.Subtopics = append(out.Subtopics, session.SubtopicEvaluation{
			Subtopic: sub.Subtopic,
			Sources: []session.EvaluatedSource{{
				URL: sub.Results[0].URL, Title: sub.Subtopic, Relevance: 7, Credibility: 7, Tier: session.TierHeuristic,
			}},
		})
	}
	return out, nil
}

func (f *fakePhases) Synthesize(ctx context.Context, question string, mode session.Mode, plan *session.PlanningResult, eval *session.EvaluationResults, usage *router.UsageTracker) (*session.SynthesisResult, error) {
	usage.Record("fake-model", 20, 10)
	return &session.SynthesisResult{Report: "# " + question + "\n\nDone [1].\n", WordCount: 2, CitationCount: 1, Model: "fake-model"}, nil
}

type fixture struct {
	srv     *httptest.Server
	orch    *orchestrator.Orchestrator
	store   session.Store
	reports *reports.FileStore
}

func newFixture(t *testing.T, phases orchestrator.Phases) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := session.NewMemoryStore(logger, session.Options{})
	rs, err := reports.NewFileStore(t.TempDir(), logger)
	require.NoError(t, err)
	orch := orchestrator.New(phases, store, rs, nil, orchestrator.Config{
		PersistSessions:   true,
		HeartbeatInterval: time.Second,
	}, logger)

	mux := http.NewServeMux()
	NewHandler(orch, rs, Options{KeepAlive: time.Second}, logger).RegisterRoutes(mux)
	srv := httptest.NewServer(Middleware(logger, mux))
	t.Cleanup(func() {
		srv.Close()
		orch.Shutdown(context.Background())
	})
	return &fixture{srv: srv, orch: orch, store: store, reports: rs}
}

type wireEvent struct {
	Type          string `json:"type"`
	Phase         string `json:"phase"`
	Progress      int    `json:"progress"`
	Seq           uint64 `json:"seq"`
	SessionID     string `json:"sessionId"`
	Success       *bool  `json:"success"`
	ReportURL     string `json:"reportUrl"`
	Filename      string `json:"filename"`
	ReportContent string `json:"reportContent"`
	Error         string `json:"error"`
}

type frame struct {
	id    uint64
	event string
	data  wireEvent
}

// readFrames parses SSE frames until the body ends
func readFrames(t *testing.T, resp *http.Response) []frame {
	t.Helper()
	defer resp.Body.Close()
	var frames []frame
	var cur frame
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if cur.event != "" {
				frames = append(frames, cur)
			}
			cur = frame{}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			n, err := strconv.ParseUint(strings.TrimPrefix(line, "id: "), 10, 64)
			require.NoError(t, err)
			cur.id = n
		case strings.HasPrefix(line, "event: "):
			cur.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &cur.data))
		}
	}
	return frames
}

func postResearch(t *testing.T, ctx context.Context, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/api/v1/research", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestStartResearchStreamsToCompletion(t *testing.T) {
	f := newFixture(t, &fakePhases{})

	resp := postResearch(t, context.Background(), f.srv.URL, `{"question":"Why is the sky blue?","researchMode":"normal"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	frames := readFrames(t, resp)
	require.NotEmpty(t, frames)

	for i := 1; i < len(frames); i++ {
		assert.Greater(t, frames[i].id, frames[i-1].id)
		assert.GreaterOrEqual(t, frames[i].data.Progress, frames[i-1].data.Progress)
	}
	last := frames[len(frames)-1]
	assert.Equal(t, "complete", last.event)
	assert.Equal(t, last.id, last.data.Seq)
	require.NotNil(t, last.data.Success)
	assert.True(t, *last.data.Success)
	assert.Equal(t, 100, last.data.Progress)
	assert.Equal(t, "/api/v1/reports/"+last.data.Filename, last.data.ReportURL)
	assert.Contains(t, last.data.ReportContent, "# Why is the sky blue?")
	assert.NotEmpty(t, last.data.SessionID)
}

func TestStartResearchRejectsBadInput(t *testing.T) {
	f := newFixture(t, &fakePhases{})
	tests := []struct {
		name string
		body string
		code int
	}{
		{"empty question", `{"question":"   "}`, http.StatusBadRequest},
		{"unknown mode", `{"question":"q","researchMode":"turbo"}`, http.StatusBadRequest},
		{"malformed json", `{"question":`, http.StatusBadRequest},
		{"missing body", ``, http.StatusBadRequest},
		{"too large", `{"question":"` + strings.Repeat("x", 70<<10) + `"}`, http.StatusRequestEntityTooLarge},
		{"unknown session", `{"question":"q","sessionId":"nope"}`, http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := postResearch(t, context.Background(), f.srv.URL, tc.body)
			defer resp.Body.Close()
			assert.Equal(t, tc.code, resp.StatusCode)
			var body map[string]string
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestDuplicateQuestionReturnsResumeNotice(t *testing.T) {
	f := newFixture(t, &fakePhases{})
	ctx := context.Background()
	created, err := f.store.Create(ctx, "Is fusion close?", session.ModeNormal)
	require.NoError(t, err)
	_, err = f.store.Update(ctx, created.ID, func(rs *session.ResearchSession) error {
		require.NoError(t, rs.Advance(session.StatusPlanning))
		rs.RecordProgress(10, "planning", "")
		return nil
	})
	require.NoError(t, err)

	resp := postResearch(t, ctx, f.srv.URL, `{"question":"Is fusion close?"}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var notice orchestrator.ResumeNotice
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&notice))
	assert.True(t, notice.ResumeAvailable)
	assert.Equal(t, created.ID, notice.SessionID)
	assert.Equal(t, 10, notice.ExistingProgress)
	assert.Equal(t, "planning", notice.ExistingPhase)
}

func TestGetAndDeleteSession(t *testing.T) {
	f := newFixture(t, &fakePhases{})
	frames := readFrames(t, postResearch(t, context.Background(), f.srv.URL, `{"question":"What is a qubit?"}`))
	id := frames[len(frames)-1].data.SessionID

	resp, err := http.Get(f.srv.URL + "/api/v1/research/" + id)
	require.NoError(t, err)
	var sess session.ResearchSession
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sess))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, session.StatusCompleted, sess.Status)
	assert.Equal(t, 100, sess.Progress)

	del := func() int {
		req, _ := http.NewRequest(http.MethodDelete, f.srv.URL+"/api/v1/research/"+id, nil)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	assert.Equal(t, http.StatusNoContent, del())
	assert.Equal(t, http.StatusNotFound, del())

	resp, err = http.Get(f.srv.URL + "/api/v1/research/" + id)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventsReplayWithLastEventID(t *testing.T) {
	f := newFixture(t, &fakePhases{})
	first := readFrames(t, postResearch(t, context.Background(), f.srv.URL, `{"question":"How do vaccines work?"}`))
	last := first[len(first)-1]

	get := func(lastID string) []frame {
		req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/api/v1/research/"+last.data.SessionID+"/events", nil)
		if lastID != "" {
			req.Header.Set("Last-Event-ID", lastID)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		return readFrames(t, resp)
	}

	all := get("")
	assert.Len(t, all, len(first))
	tail := get(strconv.FormatUint(last.id-1, 10))
	require.Len(t, tail, 1)
	assert.Equal(t, "complete", tail[0].event)
	assert.Equal(t, last.id, tail[0].id)
}

func TestEventsForUnknownOrOrphanedSession(t *testing.T) {
	f := newFixture(t, &fakePhases{})
	resp, err := http.Get(f.srv.URL + "/api/v1/research/missing/events")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	orphan, err := f.store.Create(context.Background(), "Where did everyone go?", session.ModeNormal)
	require.NoError(t, err)
	resp, err = http.Get(f.srv.URL + "/api/v1/research/" + orphan.ID + "/events")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestClientDisconnectDoesNotCancelJob(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, &fakePhases{gate: gate})

	ctx, cancel := context.WithCancel(context.Background())
	resp := postResearch(t, ctx, f.srv.URL, `{"question":"Will it rain tomorrow?"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	reader := bufio.NewReader(resp.Body)
	var id string
	for id == "" {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if data, ok := strings.CutPrefix(strings.TrimSpace(line), "data: "); ok {
			var ev wireEvent
			require.NoError(t, json.Unmarshal([]byte(data), &ev))
			id = ev.SessionID
		}
	}
	cancel()
	resp.Body.Close()

	close(gate)
	resp, err := http.Get(f.srv.URL + "/api/v1/research/" + id + "/events")
	require.NoError(t, err)
	frames := readFrames(t, resp)
	require.NotEmpty(t, frames)
	last := frames[len(frames)-1]
	assert.Equal(t, "complete", last.event)
	require.NotNil(t, last.data.Success)
	assert.True(t, *last.data.Success)
}

func TestWebSocketStream(t *testing.T) {
	f := newFixture(t, &fakePhases{})
	frames := readFrames(t, postResearch(t, context.Background(), f.srv.URL, `{"question":"What is dark matter?"}`))
	id := frames[len(frames)-1].data.SessionID

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/v1/research/" + id + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var got []wireEvent
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		var ev wireEvent
		require.NoError(t, json.Unmarshal(msg, &ev))
		got = append(got, ev)
	}
	require.Len(t, got, len(frames))
	last := got[len(got)-1]
	assert.Equal(t, "complete", last.Type)
	require.NotNil(t, last.Success)
	assert.True(t, *last.Success)
	assert.Equal(t, frames[len(frames)-1].data.ReportContent, last.ReportContent)
}

func TestPayloadFlattensResult(t *testing.T) {
	f := newFixture(t, &fakePhases{})
	frames := readFrames(t, postResearch(t, context.Background(), f.srv.URL, `{"question":"Is coffee healthy?"}`))
	sub := f.orch.Streams().Subscribe(frames[0].data.SessionID, 0, 16)
	defer f.orch.Streams().Unsubscribe(sub)
	require.NotEmpty(t, sub.Replay)

	raw := payload(sub.Replay[len(sub.Replay)-1])
	var flat map[string]any
	require.NoError(t, json.Unmarshal(raw, &flat))
	assert.Equal(t, true, flat["success"])
	assert.Equal(t, "complete", flat["type"])
	assert.NotContains(t, flat, "result")
	assert.False(t, bytes.Contains(payload(sub.Replay[0]), []byte(`"success"`)))
}

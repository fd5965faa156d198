package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/deepdive-labs/deepdive/internal/metrics"
	"github.com/deepdive-labs/deepdive/internal/reports"
	"github.com/deepdive-labs/deepdive/internal/router"
	"github.com/deepdive-labs/deepdive/internal/session"
	"github.com/deepdive-labs/deepdive/internal/streaming"
	"github.com/deepdive-labs/deepdive/internal/tracing"
)

// Progress checkpoints
const (
	progressStart        = 0
	progressPlanning     = 10
	progressPlanned      = 20
	progressSearching    = 25
	progressSearched     = 40
	progressEvaluating   = 45
	progressEvaluated    = 70
	progressSynthesizing = 75
	progressSynthesized  = 90
	progressComplete     = 100
)

// state is the working set of one job attempt
type state struct {
	sess  *session.ResearchSession
	usage *router.UsageTracker
	em    *emitter
}

// result fills one slot of the session
type result func(*session.ResearchSession) error

type step struct {
	status     session.Status
	start, end int
	label      string
	// cached returns a summary when the slot is already populated
	cached func(*session.ResearchSession) (string, bool)
	exec   func(ctx context.Context, st *state) (result, string, error)
}

func (o *Orchestrator) steps() []step {
	return []step{
		{
			status: session.StatusPlanning,
			start:  progressPlanning,
			end:    progressPlanned,
			label:  "Planning research approach",
			cached: func(s *session.ResearchSession) (string, bool) {
				if s.PlanningResult == nil {
					return "", false
				}
				return planSummary(s.PlanningResult), true
			},
			exec: o.plan,
		},
		{
			status: session.StatusSearching,
			start:  progressSearching,
			end:    progressSearched,
			label:  "Searching for sources",
			cached: func(s *session.ResearchSession) (string, bool) {
				if s.SearchResults == nil {
					return "", false
				}
				return searchSummary(s.SearchResults), true
			},
			exec: o.search,
		},
		{
			status: session.StatusEvaluating,
			start:  progressEvaluating,
			end:    progressEvaluated,
			label:  "Evaluating sources",
			cached: func(s *session.ResearchSession) (string, bool) {
				if s.EvaluationResults == nil {
					return "", false
				}
				return evaluationSummary(s.EvaluationResults), true
			},
			exec: o.evaluate,
		},
		{
			status: session.StatusSynthesizing,
			start:  progressSynthesizing,
			end:    progressSynthesized,
			label:  "Writing the report",
			cached: func(s *session.ResearchSession) (string, bool) {
				if s.SynthesisResult == nil {
					return "", false
				}
				return synthesisSummary(s.SynthesisResult), true
			},
			exec: o.synthesize,
		},
	}
}

func (o *Orchestrator) plan(ctx context.Context, st *state) (result, string, error) {
	r, err := o.phases.Plan(ctx, st.sess.Question, st.usage)
	if err != nil {
		return nil, "", err
	}
	return func(rs *session.ResearchSession) error { return rs.SetPlanning(r) }, planSummary(r), nil
}

func (o *Orchestrator) search(ctx context.Context, st *state) (result, string, error) {
	r, err := o.phases.Search(ctx, st.sess.Question, st.sess.Mode, st.sess.PlanningResult)
	if err != nil {
		return nil, "", err
	}
	return func(rs *session.ResearchSession) error { return rs.SetSearch(r) }, searchSummary(r), nil
}

func (o *Orchestrator) evaluate(ctx context.Context, st *state) (result, string, error) {
	r, err := o.phases.Evaluate(ctx, st.sess.Question, st.sess.Mode, st.sess.SearchResults, st.usage)
	if err != nil {
		return nil, "", err
	}
	return func(rs *session.ResearchSession) error { return rs.SetEvaluation(r) }, evaluationSummary(r), nil
}

func (o *Orchestrator) synthesize(ctx context.Context, st *state) (result, string, error) {
	s := st.sess
	r, err := o.phases.Synthesize(ctx, s.Question, s.Mode, s.PlanningResult, s.EvaluationResults, st.usage)
	if err != nil {
		return nil, "", err
	}
	return func(rs *session.ResearchSession) error { return rs.SetSynthesis(r) }, synthesisSummary(r), nil
}

func planSummary(r *session.PlanningResult) string {
	return fmt.Sprintf("%d subtopics, %s complexity", len(r.Subtopics), r.Complexity)
}

func searchSummary(r *session.SearchResults) string {
	return fmt.Sprintf("%d results across %d subtopics", r.TotalResults(), len(r.Subtopics))
}

func evaluationSummary(r *session.EvaluationResults) string {
	return fmt.Sprintf("%d sources evaluated", r.TotalSources())
}

func synthesisSummary(r *session.SynthesisResult) string {
	return fmt.Sprintf("%d words, %d citations", r.WordCount, r.CitationCount)
}

// run executes one attempt of a job and always ends its stream with a
// terminal event.
func (o *Orchestrator) run(ctx context.Context, sess *session.ResearchSession, resumed bool) {
	started := o.now()
	mode := string(sess.Mode)
	metrics.JobsStarted.WithLabelValues(mode, strconv.FormatBool(resumed)).Inc()
	metrics.JobsRunning.Inc()
	defer metrics.JobsRunning.Dec()

	logger := o.logger.With(zap.String("session_id", sess.ID))
	st := &state{
		sess:  sess,
		usage: router.NewUsageTracker(),
		em: &emitter{
			ctx:     ctx,
			id:      sess.ID,
			streams: o.streams,
			store:   o.store,
			logger:  logger,
		},
	}
	st.usage.Restore(sess.Usage)

	details := "Starting research"
	if resumed {
		details = "Resuming research"
	}
	logger.Info(details,
		zap.String("mode", mode),
		zap.Int("progress", sess.Progress),
		zap.String("status", string(sess.Status)),
	)
	st.em.progress(streaming.Event{
		Type:     streaming.EventProgress,
		Phase:    string(sess.Status),
		Progress: progressStart,
		Details:  details,
	})

	for _, s := range o.steps() {
		if err := o.runStep(ctx, st, s, logger); err != nil {
			o.fail(ctx, st, err, started, logger)
			return
		}
	}
	o.finish(ctx, st, started, logger)
}

func (o *Orchestrator) runStep(ctx context.Context, st *state, s step, logger *zap.Logger) error {
	phase := string(s.status)
	if summary, ok := s.cached(st.sess); ok {
		metrics.PhasesSkipped.WithLabelValues(phase).Inc()
		logger.Info("Skipping phase with stored result", zap.String("phase", phase))
		st.em.progress(streaming.Event{
			Type:     streaming.EventPhaseResumed,
			Phase:    phase,
			Progress: s.end,
			Details:  fmt.Sprintf("Resuming from %s: %s", phase, summary),
		})
		return nil
	}

	if err := ctx.Err(); err != nil {
		return &PhaseError{Phase: s.status, Err: err}
	}
	if err := o.apply(ctx, st, func(rs *session.ResearchSession) error {
		if err := rs.Advance(s.status); err != nil {
			return err
		}
		rs.RecordProgress(s.start, phase, s.label)
		return nil
	}); err != nil {
		return &PhaseError{Phase: s.status, Err: err}
	}
	st.em.publish(streaming.Event{
		Type:     streaming.EventProgress,
		Phase:    phase,
		Progress: s.start,
		Details:  s.label,
	})

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go st.em.heartbeat(hbCtx, o.cfg.HeartbeatInterval, s.status, s.start, hbDone)

	phaseCtx, span := tracing.StartPhaseSpan(ctx, phase, st.sess.ID)
	t0 := time.Now()
	fill, summary, err := s.exec(phaseCtx, st)
	stopHeartbeat()
	<-hbDone
	tracing.EndSpan(span, err)

	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.PhaseDuration.WithLabelValues(phase, status).Observe(time.Since(t0).Seconds())
	if err != nil {
		logger.Warn("Phase failed", zap.String("phase", phase), zap.Error(err))
		return &PhaseError{Phase: s.status, Err: err}
	}

	if err := o.apply(ctx, st, func(rs *session.ResearchSession) error {
		if err := fill(rs); err != nil {
			return err
		}
		rs.Usage = st.usage.Snapshot()
		rs.RecordProgress(s.end, phase, summary)
		return nil
	}); err != nil {
		return &PhaseError{Phase: s.status, Err: fmt.Errorf("failed to store %s result: %w", phase, err)}
	}

	logger.Info("Phase complete",
		zap.String("phase", phase),
		zap.String("summary", summary),
		zap.Duration("duration", time.Since(t0)),
	)
	st.em.publish(streaming.Event{
		Type:     streaming.EventPhaseComplete,
		Phase:    phase,
		Progress: s.end,
		Details:  summary,
	})
	return nil
}

// apply updates the session and refreshes the working copy. An update that
// reached memory but not the durable backend is good enough to go on.
func (o *Orchestrator) apply(ctx context.Context, st *state, fn func(*session.ResearchSession) error) error {
	updated, err := o.store.Update(ctx, st.sess.ID, fn)
	if err != nil && !errors.Is(err, session.ErrNotPersisted) {
		return err
	}
	if err != nil {
		o.logger.Warn("Continuing with unpersisted session update",
			zap.String("session_id", st.sess.ID),
			zap.Error(err),
		)
	}
	st.sess = updated
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, st *state, started time.Time, logger *zap.Logger) {
	s := st.sess
	synth := s.SynthesisResult

	filename := ""
	if o.reports != nil {
		name, err := o.reports.Save(ctx, reports.SaveRequest{
			SessionID: s.ID,
			Question:  s.Question,
			Content:   synth.Report,
			Models:    st.usage.Models(),
			WordCount: synth.WordCount,
		})
		if err != nil {
			metrics.ReportSaves.WithLabelValues(o.reports.Name(), "error").Inc()
			logger.Error("Failed to save report", zap.String("store", o.reports.Name()), zap.Error(err))
		} else {
			metrics.ReportSaves.WithLabelValues(o.reports.Name(), "ok").Inc()
			filename = name
		}
	}

	elapsed := o.now().Sub(started)
	subtopics := 0
	if s.PlanningResult != nil {
		subtopics = len(s.PlanningResult.Subtopics)
	}
	meta := &session.Metadata{
		TotalTokens:   st.usage.TotalTokens(),
		Models:        st.usage.Models(),
		SubtopicCount: subtopics,
		SourceCount:   s.EvaluationResults.TotalSources(),
		CostUSD:       st.usage.CostUSD(),
		DurationMs:    elapsed.Milliseconds(),
	}

	if err := o.apply(ctx, st, func(rs *session.ResearchSession) error {
		rs.Usage = st.usage.Snapshot()
		return rs.Complete(meta, filename, o.now())
	}); err != nil {
		o.fail(ctx, st, err, started, logger)
		return
	}

	metrics.RecordJobMetrics(string(s.Mode), string(session.StatusCompleted), elapsed.Seconds())
	logger.Info("Research completed",
		zap.String("filename", filename),
		zap.Int("total_tokens", meta.TotalTokens),
		zap.Int("sources", meta.SourceCount),
		zap.Duration("duration", elapsed),
	)
	st.em.publish(streaming.Event{
		Type:     streaming.EventComplete,
		Phase:    string(session.StatusCompleted),
		Progress: progressComplete,
		Result:   o.successResult(s.ID, filename, synth.Report, meta),
	})
}

// fail records err on the session and closes the stream with an error
// event. A job stopped by Shutdown leaves the session unfinished so it can
// be resumed after a restart.
func (o *Orchestrator) fail(ctx context.Context, st *state, err error, started time.Time, logger *zap.Logger) {
	msg := Classify(err)
	shutdown := o.ctx.Err() != nil

	switch {
	case shutdown:
		msg = "The server is shutting down. Resume this session to continue."
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if ferr := o.store.Flush(flushCtx); ferr != nil {
			logger.Warn("Failed to flush session on shutdown", zap.Error(ferr))
		}
		cancel()
	default:
		_, uerr := o.store.Update(context.WithoutCancel(ctx), st.sess.ID, func(rs *session.ResearchSession) error {
			rs.Usage = st.usage.Snapshot()
			return rs.Fail(msg)
		})
		if uerr != nil && !errors.Is(uerr, session.ErrNotPersisted) {
			logger.Warn("Failed to record session failure", zap.Error(uerr))
		}
	}

	metrics.RecordJobMetrics(string(st.sess.Mode), string(session.StatusFailed), o.now().Sub(started).Seconds())
	logger.Error("Research failed", zap.String("message", msg), zap.Error(err))
	st.em.publish(streaming.Event{
		Type:     streaming.EventError,
		Phase:    string(session.StatusFailed),
		Progress: st.sess.Progress,
		Details:  msg,
		Result: &streaming.Result{
			Success:   false,
			SessionID: st.sess.ID,
			Error:     msg,
			Timestamp: o.now(),
		},
	})
}

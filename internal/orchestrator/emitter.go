package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/deepdive-labs/deepdive/internal/metrics"
	"github.com/deepdive-labs/deepdive/internal/session"
	"github.com/deepdive-labs/deepdive/internal/streaming"
)

// emitter publishes progress for one job and mirrors it onto the session
type emitter struct {
	ctx     context.Context
	id      string
	streams *streaming.Manager
	store   session.Store
	logger  *zap.Logger
}

// publish sends evt without touching the session store
func (e *emitter) publish(evt streaming.Event) streaming.Event {
	out, ok := e.streams.Publish(e.id, evt)
	if !ok {
		e.logger.Debug("Dropped event on finished stream",
			zap.String("session_id", e.id),
			zap.String("type", string(evt.Type)),
		)
	}
	return out
}

// progress publishes evt and records it on the session. A store failure is
// logged and counted; the job carries on.
func (e *emitter) progress(evt streaming.Event) {
	out := e.publish(evt)
	_, err := e.store.Update(e.ctx, e.id, func(rs *session.ResearchSession) error {
		rs.RecordProgress(out.Progress, out.Phase, out.Details)
		return nil
	})
	if err != nil && !errors.Is(err, session.ErrNotPersisted) {
		metrics.ProgressPersistFailures.Inc()
		e.logger.Warn("Failed to persist progress",
			zap.String("session_id", e.id),
			zap.Int("progress", out.Progress),
			zap.Error(err),
		)
	}
}

var heartbeatDetails = map[session.Status][]string{
	session.StatusPlanning: {
		"Breaking the question into subtopics",
		"Estimating question complexity",
		"Still planning",
	},
	session.StatusSearching: {
		"Querying search providers",
		"Collecting results for each subtopic",
		"Still searching",
	},
	session.StatusEvaluating: {
		"Reading source pages",
		"Scoring relevance and credibility",
		"Still evaluating sources",
	},
	session.StatusSynthesizing: {
		"Drafting the report",
		"Adding citations",
		"Still writing",
	},
}

// heartbeat emits a progress event at a fixed percentage every interval
// until ctx is cancelled, then closes done.
func (e *emitter) heartbeat(ctx context.Context, interval time.Duration, phase session.Status, percent int, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	details := heartbeatDetails[phase]
	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evt := streaming.Event{
				Type:     streaming.EventHeartbeat,
				Phase:    string(phase),
				Progress: percent,
			}
			if len(details) > 0 {
				evt.Details = details[i%len(details)]
			}
			e.progress(evt)
		}
	}
}

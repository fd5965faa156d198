package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/deepdive-labs/deepdive/internal/reports"
	"github.com/deepdive-labs/deepdive/internal/router"
	"github.com/deepdive-labs/deepdive/internal/session"
	"github.com/deepdive-labs/deepdive/internal/streaming"
)

var (
	// ErrInvalidRequest is returned for an empty question or an unknown mode
	ErrInvalidRequest = errors.New("invalid research request")
	// ErrResumeRequired is returned when a failed session is submitted without resume
	ErrResumeRequired = errors.New("session failed; resume required")
	// ErrNotRunning is returned when attaching to an unfinished session that no job is driving
	ErrNotRunning = errors.New("session is not running")
	// ErrShuttingDown is returned once Shutdown has been called
	ErrShuttingDown = errors.New("orchestrator is shutting down")
)

// Phases runs the four research phases
type Phases interface {
	Plan(ctx context.Context, question string, usage *router.UsageTracker) (*session.PlanningResult, error)
	Search(ctx context.Context, question string, mode session.Mode, plan *session.PlanningResult) (*session.SearchResults, error)
	Evaluate(ctx context.Context, question string, mode session.Mode, results *session.SearchResults, usage *router.UsageTracker) (*session.EvaluationResults, error)
	Synthesize(ctx context.Context, question string, mode session.Mode, plan *session.PlanningResult, eval *session.EvaluationResults, usage *router.UsageTracker) (*session.SynthesisResult, error)
}

// Config controls job execution
type Config struct {
	// PersistSessions enables the shared session store and resumable lookup
	PersistSessions   bool          `mapstructure:"persist"`
	ResumeWindow      time.Duration `mapstructure:"resume_window"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ReportBaseURL     string        `mapstructure:"report_base_url"`
}

// DefaultConfig returns production settings
func DefaultConfig() Config {
	return Config{
		PersistSessions:   true,
		ResumeWindow:      2 * time.Hour,
		HeartbeatInterval: 5 * time.Second,
		ReportBaseURL:     "/api/v1/reports/",
	}
}

// Request starts or continues a research job
type Request struct {
	Question  string       `json:"question"`
	SessionID string       `json:"sessionId,omitempty"`
	Resume    bool         `json:"resume,omitempty"`
	Mode      session.Mode `json:"researchMode,omitempty"`
}

// ResumeNotice tells the caller an unfinished session already asks the same question
type ResumeNotice struct {
	ResumeAvailable  bool   `json:"resumeAvailable"`
	SessionID        string `json:"sessionId"`
	ExistingProgress int    `json:"existingProgress"`
	ExistingPhase    string `json:"existingPhase"`
}

// Submission is the outcome of Submit. Either Notice is set and nothing was
// started, or SessionID names a stream whose events after Since belong to
// the job the caller asked for.
type Submission struct {
	SessionID string
	Since     uint64
	Notice    *ResumeNotice
	Attached  bool
}

type job struct {
	cancel context.CancelFunc
	since  uint64
}

// Orchestrator drives sessions through Plan, Search, Evaluate and Synthesize.
// Jobs run on a context owned by the orchestrator, so a caller that goes
// away never cancels work.
type Orchestrator struct {
	phases   Phases
	store    session.Store
	ownStore bool
	reports  reports.Store
	streams  *streaming.Manager
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	running   map[string]*job
	questions map[string]*questionLock
	closed    bool
}

// questionLock serialises lookup-then-create for one question
type questionLock struct {
	mu   sync.Mutex
	refs int
}

// New creates an orchestrator. When persistence is disabled, or store is
// nil, sessions live in a private in-memory store. reportStore may be nil.
func New(phases Phases, store session.Store, reportStore reports.Store, streams *streaming.Manager, cfg Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.ResumeWindow <= 0 {
		cfg.ResumeWindow = def.ResumeWindow
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.ReportBaseURL == "" {
		cfg.ReportBaseURL = def.ReportBaseURL
	}
	if streams == nil {
		streams = streaming.NewManager(streaming.Options{}, logger)
	}

	o := &Orchestrator{
		phases:  phases,
		store:   store,
		reports: reportStore,
		streams: streams,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		running:   make(map[string]*job),
		questions: make(map[string]*questionLock),
	}
	if !cfg.PersistSessions || store == nil {
		o.store = session.NewMemoryStore(logger, session.Options{})
		o.ownStore = true
	}
	o.ctx, o.cancel = context.WithCancel(context.Background())
	if o.ownStore {
		o.store.Start(o.ctx)
	}
	return o
}

// Streams returns the progress stream manager
func (o *Orchestrator) Streams() *streaming.Manager { return o.streams }

// Submit validates req and either returns a resume notice, attaches to a
// running job, or starts a job in the background.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (*Submission, error) {
	if o.ctx.Err() != nil {
		return nil, ErrShuttingDown
	}
	question := strings.TrimSpace(req.Question)
	mode := req.Mode
	if mode == "" {
		mode = session.ModeNormal
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: unknown research mode %q", ErrInvalidRequest, mode)
	}

	if req.SessionID != "" {
		sess, err := o.store.Get(ctx, req.SessionID)
		if err != nil {
			return nil, err
		}
		return o.continueSession(ctx, sess, req.Resume)
	}

	if question == "" {
		return nil, fmt.Errorf("%w: question is required", ErrInvalidRequest)
	}

	if o.cfg.PersistSessions {
		unlock := o.lockQuestion(question)
		defer unlock()
		existing, err := o.store.FindResumable(ctx, question, o.now().Add(-o.cfg.ResumeWindow))
		switch {
		case err == nil && req.Resume:
			return o.continueSession(ctx, existing, true)
		case err == nil:
			o.logger.Info("Found resumable session",
				zap.String("session_id", existing.ID),
				zap.Int("progress", existing.Progress),
				zap.String("phase", existing.CurrentPhase),
			)
			return &Submission{
				SessionID: existing.ID,
				Notice: &ResumeNotice{
					ResumeAvailable:  true,
					SessionID:        existing.ID,
					ExistingProgress: existing.Progress,
					ExistingPhase:    existing.CurrentPhase,
				},
			}, nil
		case !errors.Is(err, session.ErrSessionNotFound):
			o.logger.Warn("Resumable session lookup failed", zap.Error(err))
		}
	}

	sess, err := o.store.Create(ctx, question, mode)
	if err != nil {
		return nil, err
	}
	return o.start(sess, false)
}

// lockQuestion holds off other first submissions of question until the
// returned func is called
func (o *Orchestrator) lockQuestion(question string) func() {
	o.mu.Lock()
	l, ok := o.questions[question]
	if !ok {
		l = &questionLock{}
		o.questions[question] = l
	}
	l.refs++
	o.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		o.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(o.questions, question)
		}
		o.mu.Unlock()
	}
}

func (o *Orchestrator) continueSession(ctx context.Context, sess *session.ResearchSession, resume bool) (*Submission, error) {
	switch sess.Status {
	case session.StatusCompleted:
		since := o.lastSeq(sess.ID)
		o.publishTerminal(ctx, sess)
		return &Submission{SessionID: sess.ID, Since: since, Attached: true}, nil
	case session.StatusFailed:
		if !resume {
			return nil, fmt.Errorf("%w: %s", ErrResumeRequired, sess.ID)
		}
		reopened, err := o.store.Update(ctx, sess.ID, func(rs *session.ResearchSession) error {
			return rs.Reopen()
		})
		if err != nil && !errors.Is(err, session.ErrNotPersisted) {
			return nil, fmt.Errorf("failed to reopen session: %w", err)
		}
		sess = reopened
	}
	return o.start(sess, true)
}

// start launches a job for sess unless one is already running, in which
// case the caller is attached to it.
func (o *Orchestrator) start(sess *session.ResearchSession, resumed bool) (*Submission, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrShuttingDown
	}
	if j, ok := o.running[sess.ID]; ok {
		return &Submission{SessionID: sess.ID, Since: j.since, Attached: true}, nil
	}

	since := o.lastSeq(sess.ID)
	ctx, cancel := context.WithCancel(o.ctx)
	o.running[sess.ID] = &job{cancel: cancel, since: since}
	o.streams.Open(sess.ID, sess.Progress)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		o.run(ctx, sess, resumed)
		o.mu.Lock()
		delete(o.running, sess.ID)
		o.mu.Unlock()
	}()
	return &Submission{SessionID: sess.ID, Since: since}, nil
}

func (o *Orchestrator) lastSeq(id string) uint64 {
	if last, ok := o.streams.Last(id); ok {
		return last.Seq
	}
	return 0
}

// Running reports whether a job is executing for id in this process
func (o *Orchestrator) Running(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.running[id]
	return ok
}

// Get returns the stored session
func (o *Orchestrator) Get(ctx context.Context, id string) (*session.ResearchSession, error) {
	return o.store.Get(ctx, id)
}

// Delete removes a session and cancels its job if one is running
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	if err := o.store.Delete(ctx, id); err != nil {
		return err
	}
	o.mu.Lock()
	j, ok := o.running[id]
	o.mu.Unlock()
	if ok {
		j.cancel()
	} else {
		o.streams.Forget(id)
	}
	return nil
}

// Attach subscribes to the progress stream of id, replaying events after
// since. A finished session whose stream is gone gets its terminal event
// published again.
func (o *Orchestrator) Attach(ctx context.Context, id string, since uint64, buffer int) (*streaming.Subscription, error) {
	o.mu.Lock()
	j, running := o.running[id]
	o.mu.Unlock()
	if running {
		return o.streams.Subscribe(id, max(since, j.since), buffer), nil
	}
	if o.streams.Active(id) {
		return o.streams.Subscribe(id, since, buffer), nil
	}
	if _, ok := o.streams.Last(id); ok {
		return o.streams.Subscribe(id, since, buffer), nil
	}

	sess, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sess.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s", ErrNotRunning, id)
	}
	o.publishTerminal(ctx, sess)
	return o.streams.Subscribe(id, since, buffer), nil
}

// publishTerminal replays the final event of a finished session
func (o *Orchestrator) publishTerminal(ctx context.Context, sess *session.ResearchSession) {
	o.streams.Open(sess.ID, sess.Progress)
	if sess.Status == session.StatusFailed {
		o.streams.Publish(sess.ID, streaming.Event{
			Type:     streaming.EventError,
			Phase:    string(session.StatusFailed),
			Progress: sess.Progress,
			Details:  sess.ErrorMessage,
			Result: &streaming.Result{
				Success:   false,
				SessionID: sess.ID,
				Error:     sess.ErrorMessage,
				Timestamp: o.now(),
			},
		})
		return
	}

	content := ""
	if sess.SynthesisResult != nil {
		content = sess.SynthesisResult.Report
	}
	if o.reports != nil && sess.ReportFilename != "" {
		if r, err := o.reports.Get(ctx, sess.ReportFilename); err == nil {
			content = r.Content
		} else {
			o.logger.Warn("Failed to load stored report",
				zap.String("session_id", sess.ID),
				zap.String("filename", sess.ReportFilename),
				zap.Error(err),
			)
		}
	}
	o.streams.Publish(sess.ID, streaming.Event{
		Type:     streaming.EventComplete,
		Phase:    string(session.StatusCompleted),
		Progress: 100,
		Result:   o.successResult(sess.ID, sess.ReportFilename, content, sess.Metadata),
	})
}

func (o *Orchestrator) successResult(id, filename, content string, meta *session.Metadata) *streaming.Result {
	res := &streaming.Result{
		Success:       true,
		SessionID:     id,
		Filename:      filename,
		ReportContent: content,
		Metadata:      meta,
		Timestamp:     o.now(),
	}
	if filename != "" {
		res.ReportURL = o.cfg.ReportBaseURL + filename
	}
	return res
}

// Ping checks the session store
func (o *Orchestrator) Ping(ctx context.Context) error {
	return o.store.Ping(ctx)
}

// Shutdown stops accepting work, cancels running jobs and waits for them
// to record their state.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("failed to stop research jobs: %w", ctx.Err())
	}

	if o.ownStore {
		return o.store.Close(ctx)
	}
	return nil
}

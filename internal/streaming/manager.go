package streaming

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/deepdive-labs/deepdive/internal/session"
)

// EventType names a progress event
type EventType string

const (
	EventProgress      EventType = "progress"
	EventHeartbeat     EventType = "heartbeat"
	EventPhaseComplete EventType = "phase_complete"
	EventPhaseResumed  EventType = "phase_resumed"
	EventComplete      EventType = "complete"
	EventError         EventType = "error"
)

// Result is the payload of the final event of a job
type Result struct {
	Success       bool              `json:"success"`
	SessionID     string            `json:"sessionId"`
	ReportURL     string            `json:"reportUrl,omitempty"`
	Filename      string            `json:"filename,omitempty"`
	ReportContent string            `json:"reportContent,omitempty"`
	Metadata      *session.Metadata `json:"metadata,omitempty"`
	Error         string            `json:"error,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// Event is one message on a session's progress stream
type Event struct {
	SessionID string    `json:"sessionId"`
	Type      EventType `json:"type"`
	Phase     string    `json:"phase,omitempty"`
	Progress  int       `json:"progress"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq"`
	Result    *Result   `json:"result,omitempty"`
}

// IsTerminal reports whether the event closes the stream
func (e Event) IsTerminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

// Marshal returns JSON for event payloads in SSE or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Options tunes a Manager
type Options struct {
	// Capacity is the replay ring size per session
	Capacity int
	// Retain is how long a finished stream stays replayable
	Retain time.Duration
	// TerminalWait bounds how long Publish waits on a slow subscriber for the final event
	TerminalWait time.Duration
}

// Manager provides in-memory pub/sub for session progress events with
// per-session replay. Events on one session are delivered in sequence order
// with non-decreasing progress; the terminal event is delivered last and
// closes every subscriber.
type Manager struct {
	mu      sync.Mutex
	streams map[string]*stream
	opts    Options
	logger  *zap.Logger
}

type stream struct {
	mu           sync.Mutex
	ring         *ring
	subs         map[*Subscription]struct{}
	lastProgress int
	closed       bool
	forget       *time.Timer
}

// Subscription is a live view of one session stream
type Subscription struct {
	C <-chan Event
	// Replay holds buffered events newer than the requested sequence,
	// captured atomically with the subscription
	Replay []Event

	ch        chan Event
	sessionID string
	once      sync.Once
}

// NewManager creates a streaming manager
func NewManager(opts Options, logger *zap.Logger) *Manager {
	if opts.Capacity <= 0 {
		opts.Capacity = 256
	}
	if opts.Retain <= 0 {
		opts.Retain = 10 * time.Minute
	}
	if opts.TerminalWait <= 0 {
		opts.TerminalWait = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		streams: make(map[string]*stream),
		opts:    opts,
		logger:  logger,
	}
}

func (m *Manager) streamFor(sessionID string) *stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.streams[sessionID]
	if st == nil {
		st = &stream{
			ring: newRing(m.opts.Capacity),
			subs: make(map[*Subscription]struct{}),
		}
		m.streams[sessionID] = st
	}
	return st
}

// Open prepares a stream for a new job attempt. A stream finished by an
// earlier attempt is reopened; its sequence numbers continue.
func (m *Manager) Open(sessionID string, progress int) {
	st := m.streamFor(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.closed = false
	if st.forget != nil {
		st.forget.Stop()
		st.forget = nil
	}
	if progress > st.lastProgress {
		st.lastProgress = progress
	}
}

// Subscribe attaches to sessionID and returns the events with Seq > since
// together with a channel for what follows. On a finished stream the
// channel is already closed and Replay ends with the terminal event.
func (m *Manager) Subscribe(sessionID string, since uint64, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch, sessionID: sessionID}

	st := m.streamFor(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	sub.Replay = st.ring.since(since)
	if st.closed {
		sub.close()
		return sub
	}
	st.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes the subscriber and closes its channel.
func (m *Manager) Unsubscribe(sub *Subscription) {
	m.mu.Lock()
	st := m.streams[sub.sessionID]
	m.mu.Unlock()
	if st != nil {
		st.mu.Lock()
		delete(st.subs, sub)
		st.mu.Unlock()
	}
	sub.close()
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

// Publish stamps evt with the next sequence number, clamps its progress so
// it never goes below an earlier event and delivers it. Progress events to
// a full subscriber are dropped; the terminal event waits up to
// TerminalWait. Events published after the terminal event are discarded.
func (m *Manager) Publish(sessionID string, evt Event) (Event, bool) {
	st := m.streamFor(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed {
		return evt, false
	}

	evt.SessionID = sessionID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	if evt.Progress < st.lastProgress {
		evt.Progress = st.lastProgress
	}
	st.lastProgress = evt.Progress
	st.ring.nextSeq++
	evt.Seq = st.ring.nextSeq
	st.ring.push(evt)

	terminal := evt.IsTerminal()
	for sub := range st.subs {
		if !terminal {
			select {
			case sub.ch <- evt:
			default:
				// Drop if subscriber is slow
			}
			continue
		}
		select {
		case sub.ch <- evt:
		case <-time.After(m.opts.TerminalWait):
			m.logger.Warn("Dropped terminal event for slow subscriber",
				zap.String("session_id", sessionID))
		}
	}

	if terminal {
		st.closed = true
		for sub := range st.subs {
			sub.close()
		}
		st.subs = make(map[*Subscription]struct{})
		st.forget = time.AfterFunc(m.opts.Retain, func() { m.forget(sessionID, st) })
	}
	return evt, true
}

// ReplaySince returns events with Seq > since (best-effort within ring capacity).
func (m *Manager) ReplaySince(sessionID string, since uint64) []Event {
	m.mu.Lock()
	st := m.streams[sessionID]
	m.mu.Unlock()
	if st == nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.ring.since(since)
}

// Last returns the most recent event for a session
func (m *Manager) Last(sessionID string) (Event, bool) {
	evs := m.ReplaySince(sessionID, 0)
	if len(evs) == 0 {
		return Event{}, false
	}
	return evs[len(evs)-1], true
}

// Active reports whether a stream exists and has not finished
func (m *Manager) Active(sessionID string) bool {
	m.mu.Lock()
	st := m.streams[sessionID]
	m.mu.Unlock()
	if st == nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return !st.closed
}

// Forget drops a finished stream and its history immediately
func (m *Manager) Forget(sessionID string) {
	m.mu.Lock()
	st := m.streams[sessionID]
	m.mu.Unlock()
	if st != nil {
		m.forget(sessionID, st)
	}
}

func (m *Manager) forget(sessionID string, st *stream) {
	st.mu.Lock()
	closed := st.closed
	st.mu.Unlock()
	if !closed {
		return
	}
	m.mu.Lock()
	if m.streams[sessionID] == st {
		delete(m.streams, sessionID)
	}
	m.mu.Unlock()
}

// ring is a fixed-capacity ring buffer of events
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}

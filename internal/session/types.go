package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSessionNotFound is returned when a session doesn't exist
	ErrSessionNotFound = errors.New("session not found")

	// ErrSlotAlreadySet is returned when a phase result slot is written twice
	ErrSlotAlreadySet = errors.New("result slot already set")

	// ErrInvalidTransition is returned when a status change would move backwards
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidSession is returned when session data is invalid
	ErrInvalidSession = errors.New("invalid session")

	// ErrNotPersisted marks an update that was applied in memory but could not
	// be written to the durable backend. The returned session is still valid.
	ErrNotPersisted = errors.New("session update not persisted")
)

// Status is the lifecycle state of a research session
type Status string

const (
	StatusPending      Status = "pending"
	StatusPlanning     Status = "planning"
	StatusSearching    Status = "searching"
	StatusEvaluating   Status = "evaluating"
	StatusSynthesizing Status = "synthesizing"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

var statusRank = map[Status]int{
	StatusPending:      0,
	StatusPlanning:     1,
	StatusSearching:    2,
	StatusEvaluating:   3,
	StatusSynthesizing: 4,
	StatusCompleted:    5,
}

// IsTerminal reports whether no further work happens for the session
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Mode selects how many sources are evaluated per subtopic
type Mode string

const (
	ModeNormal Mode = "normal"
	ModeMax    Mode = "max"
)

// Valid reports whether m is a known mode
func (m Mode) Valid() bool {
	return m == ModeNormal || m == ModeMax
}

// Complexity is the planner's estimate of how hard the question is
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// PlanningResult is the output of the planning phase
type PlanningResult struct {
	Question   string     `json:"question"`
	Subtopics  []string   `json:"subtopics"`
	Complexity Complexity `json:"complexity"`
}

// SearchHit is a single result returned by a search backend
type SearchHit struct {
	URL      string `json:"url"`
	Title    string `json:"title"`
	Snippet  string `json:"snippet"`
	Provider string `json:"provider"`
}

// Search attempt outcomes. A skipped backend was never called.
const (
	OutcomeOK      = "ok"
	OutcomeEmpty   = "empty"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
)

// BackendAttempt records what one search backend did for a subtopic
type BackendAttempt struct {
	Backend string `json:"backend"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

// SubtopicSearch holds the search results for one subtopic
type SubtopicSearch struct {
	Subtopic string           `json:"subtopic"`
	Query    string           `json:"query"`
	Results  []SearchHit      `json:"results"`
	Attempts []BackendAttempt `json:"attempts,omitempty"`
}

// SearchResults is the output of the search phase, one entry per subtopic
type SearchResults struct {
	Subtopics []SubtopicSearch `json:"subtopics"`
}

// TotalResults counts hits across all subtopics
func (r *SearchResults) TotalResults() int {
	if r == nil {
		return 0
	}
	n := 0
	for _, s := range r.Subtopics {
		n += len(s.Results)
	}
	return n
}

// EvaluationTier names the degradation level that produced a source score
type EvaluationTier string

const (
	TierBatch      EvaluationTier = "batch"
	TierIndividual EvaluationTier = "individual"
	TierHeuristic  EvaluationTier = "heuristic"
)

// EvaluatedSource is one scored source
type EvaluatedSource struct {
	URL         string         `json:"url"`
	Title       string         `json:"title"`
	Summary     string         `json:"summary"`
	KeyPoints   []string       `json:"keyPoints"`
	Citations   []string       `json:"citations,omitempty"`
	Relevance   float64        `json:"relevance"`
	Credibility float64        `json:"credibility"`
	Tier        EvaluationTier `json:"tier"`
}

// SubtopicEvaluation holds the scored sources for one subtopic
type SubtopicEvaluation struct {
	Subtopic           string            `json:"subtopic"`
	Sources            []EvaluatedSource `json:"sources"`
	AverageRelevance   float64           `json:"averageRelevance"`
	AverageCredibility float64           `json:"averageCredibility"`
}

// EvaluationResults is the output of the evaluation phase
type EvaluationResults struct {
	Subtopics []SubtopicEvaluation `json:"subtopics"`
}

// TotalSources counts evaluated sources across all subtopics
func (r *EvaluationResults) TotalSources() int {
	if r == nil {
		return 0
	}
	n := 0
	for _, s := range r.Subtopics {
		n += len(s.Sources)
	}
	return n
}

// SynthesisResult is the output of the synthesis phase
type SynthesisResult struct {
	Report        string   `json:"report"`
	WordCount     int      `json:"wordCount"`
	Sections      []string `json:"sections"`
	KeyFindings   []string `json:"keyFindings"`
	CitationCount int      `json:"citationCount"`
	Model         string   `json:"model"`
	Fallback      bool     `json:"fallback,omitempty"`
}

// UsageEntry is the token total for one model
type UsageEntry struct {
	Model            string `json:"model"`
	PromptTokens     int    `json:"promptTokens"`
	CompletionTokens int    `json:"completionTokens"`
}

// Metadata is attached to a session when it completes
type Metadata struct {
	TotalTokens   int      `json:"totalTokens"`
	Models        []string `json:"models"`
	SubtopicCount int      `json:"subtopicsInvestigated"`
	SourceCount   int      `json:"sourcesEvaluated"`
	CostUSD       float64  `json:"costUsd"`
	DurationMs    int64    `json:"durationMs"`
}

// ResearchSession is the durable record of one research job
type ResearchSession struct {
	ID             string     `json:"id"`
	Question       string     `json:"question"`
	Mode           Mode       `json:"researchMode"`
	Status         Status     `json:"status"`
	Progress       int        `json:"progress"`
	CurrentPhase   string     `json:"currentPhase"`
	Details        string     `json:"details,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	ErrorMessage   string     `json:"errorMessage,omitempty"`
	ReportFilename string     `json:"reportFilename,omitempty"`

	PlanningResult    *PlanningResult    `json:"planningResult,omitempty"`
	SearchResults     *SearchResults     `json:"searchResults,omitempty"`
	EvaluationResults *EvaluationResults `json:"evaluationResults,omitempty"`
	SynthesisResult   *SynthesisResult   `json:"synthesisResult,omitempty"`

	Usage    []UsageEntry `json:"usage,omitempty"`
	Metadata *Metadata    `json:"metadata,omitempty"`
}

// SetPlanning fills the planning slot
func (s *ResearchSession) SetPlanning(r *PlanningResult) error {
	if s.PlanningResult != nil {
		return fmt.Errorf("planning: %w", ErrSlotAlreadySet)
	}
	s.PlanningResult = r
	return nil
}

// SetSearch fills the search slot
func (s *ResearchSession) SetSearch(r *SearchResults) error {
	if s.SearchResults != nil {
		return fmt.Errorf("search: %w", ErrSlotAlreadySet)
	}
	s.SearchResults = r
	return nil
}

// SetEvaluation fills the evaluation slot
func (s *ResearchSession) SetEvaluation(r *EvaluationResults) error {
	if s.EvaluationResults != nil {
		return fmt.Errorf("evaluation: %w", ErrSlotAlreadySet)
	}
	s.EvaluationResults = r
	return nil
}

// SetSynthesis fills the synthesis slot
func (s *ResearchSession) SetSynthesis(r *SynthesisResult) error {
	if s.SynthesisResult != nil {
		return fmt.Errorf("synthesis: %w", ErrSlotAlreadySet)
	}
	s.SynthesisResult = r
	return nil
}

// filledSlots counts the populated result slots
func (s *ResearchSession) filledSlots() int {
	n := 0
	if s.PlanningResult != nil {
		n++
	}
	if s.SearchResults != nil {
		n++
	}
	if s.EvaluationResults != nil {
		n++
	}
	if s.SynthesisResult != nil {
		n++
	}
	return n
}

// Advance moves the session forward to a working status. Staying in the
// current status is allowed; moving backwards or out of a terminal state is not.
func (s *ResearchSession) Advance(next Status) error {
	if s.Status.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, next)
	}
	nextRank, ok := statusRank[next]
	if !ok || next == StatusCompleted {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, next)
	}
	if nextRank < statusRank[s.Status] {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, next)
	}
	s.Status = next
	s.CurrentPhase = string(next)
	return nil
}

// RecordProgress applies a progress tick. Percentages never go down and only
// a completed session may reach 100.
func (s *ResearchSession) RecordProgress(percent int, phase, details string) {
	if percent < s.Progress {
		percent = s.Progress
	}
	if percent >= 100 && s.Status != StatusCompleted {
		percent = 99
	}
	if percent < 0 {
		percent = 0
	}
	s.Progress = percent
	if phase != "" {
		s.CurrentPhase = phase
	}
	s.Details = details
}

// Complete marks the session completed at 100%
func (s *ResearchSession) Complete(meta *Metadata, reportFilename string, at time.Time) error {
	if s.Status.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, StatusCompleted)
	}
	s.Status = StatusCompleted
	s.Progress = 100
	s.CurrentPhase = string(StatusCompleted)
	s.Details = ""
	s.Metadata = meta
	s.ReportFilename = reportFilename
	s.CompletedAt = &at
	return nil
}

// Fail marks the session failed with a short message
func (s *ResearchSession) Fail(message string) error {
	if s.Status.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, StatusFailed)
	}
	s.Status = StatusFailed
	s.ErrorMessage = message
	return nil
}

// Reopen starts a new attempt on a failed session. Result slots are kept.
func (s *ResearchSession) Reopen() error {
	if s.Status != StatusFailed {
		return fmt.Errorf("%w: reopen from %s", ErrInvalidTransition, s.Status)
	}
	s.Status = StatusPending
	s.ErrorMessage = ""
	s.Details = ""
	return nil
}

// Clone returns a deep copy of the session
func (s *ResearchSession) Clone() *ResearchSession {
	data, err := json.Marshal(s)
	if err != nil {
		// Every field is plain data; marshal cannot fail
		panic(fmt.Sprintf("session: clone marshal: %v", err))
	}
	var out ResearchSession
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("session: clone unmarshal: %v", err))
	}
	return &out
}

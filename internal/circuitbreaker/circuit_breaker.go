package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the admission mode of a breaker
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	}
	return "unknown"
}

var (
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrTooManyRequests    = errors.New("too many requests in half-open state")
)

// Config tunes a single breaker
type Config struct {
	MaxRequests      uint32        // probes admitted while half-open
	Interval         time.Duration // closed-state count window; zero keeps counts until a transition
	Timeout          time.Duration // open period before the first probe
	FailureThreshold uint32        // consecutive failures that open a closed breaker
	SuccessThreshold uint32        // consecutive probe successes that close it again
	OnStateChange    func(name string, from State, to State)

	// IsSuccessful reports whether a non-nil error still counts as a healthy
	// answer, e.g. a rate limit or a missing row. Nil treats every error as
	// a failure.
	IsSuccessful func(err error) bool
}

func DefaultConfig() Config {
	return Config{
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          10 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
	}
}

// Counts is the tally of the current window. It resets on every state change
// and, while closed, once per Config.Interval.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *Counts) pass() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) fail() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// ticket identifies the window a request was admitted in; outcomes from an
// earlier window are dropped
type ticket struct {
	window uint64
	state  State
}

// CircuitBreaker guards calls to one upstream dependency
type CircuitBreaker struct {
	name   string
	cfg    Config
	logger *zap.Logger
	clock  func() time.Time

	// set by Instrument before the breaker is shared
	dependency string

	mu       sync.Mutex
	state    State
	window   uint64
	counts   Counts
	until    time.Time
	openedAt time.Time
}

func NewCircuitBreaker(name string, cfg Config, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := &CircuitBreaker{
		name:   name,
		cfg:    cfg,
		logger: logger,
		clock:  time.Now,
		state:  StateClosed,
	}
	cb.reset(cb.clock())
	return cb
}

func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs fn when the breaker admits it and returns fn's error
// unchanged. A context that is already done is returned without counting a
// request.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t, err := cb.admit()
	if err != nil {
		cb.observe(t.state, outcomeRejected)
		return err
	}

	settled := false
	defer func() {
		// fn panicked
		if !settled {
			cb.settle(t, false)
		}
	}()

	err = fn()
	healthy := cb.healthy(err)
	settled = true
	cb.settle(t, healthy)
	if healthy {
		cb.observe(t.state, outcomeSuccess)
	} else {
		cb.observe(t.state, outcomeFailure)
	}
	return err
}

func (cb *CircuitBreaker) healthy(err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, context.Canceled):
		// the caller gave up; says nothing about the dependency
		return true
	case cb.cfg.IsSuccessful != nil:
		return cb.cfg.IsSuccessful(err)
	}
	return false
}

// State reports the state as of now. An open breaker whose timeout has
// passed reads as half-open.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advance(cb.clock())
	return cb.state
}

// Open is shorthand for State() == StateOpen
func (cb *CircuitBreaker) Open() bool {
	return cb.State() == StateOpen
}

func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// OpenedAt returns when the breaker last opened; zero unless it is open
func (cb *CircuitBreaker) OpenedAt() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateOpen {
		return time.Time{}
	}
	return cb.openedAt
}

func (cb *CircuitBreaker) admit() (ticket, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.advance(cb.clock())
	t := ticket{window: cb.window, state: cb.state}
	switch {
	case cb.state == StateOpen:
		return t, ErrCircuitBreakerOpen
	case cb.state == StateHalfOpen && cb.counts.Requests >= cb.cfg.MaxRequests:
		return t, ErrTooManyRequests
	}
	cb.counts.Requests++
	return t, nil
}

func (cb *CircuitBreaker) settle(t ticket, healthy bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock()
	cb.advance(now)
	if cb.window != t.window {
		return
	}

	if healthy {
		cb.counts.pass()
		if cb.state == StateHalfOpen && cb.counts.ConsecutiveSuccesses >= cb.cfg.SuccessThreshold {
			cb.moveTo(StateClosed, now)
		}
		return
	}
	cb.counts.fail()
	if cb.state == StateHalfOpen || cb.counts.ConsecutiveFailures >= cb.cfg.FailureThreshold {
		cb.moveTo(StateOpen, now)
	}
}

// advance applies time-driven changes: the closed window rolling over and
// the open period ending. Callers hold mu.
func (cb *CircuitBreaker) advance(now time.Time) {
	switch cb.state {
	case StateClosed:
		if !cb.until.IsZero() && now.After(cb.until) {
			cb.reset(now)
		}
	case StateOpen:
		if now.After(cb.until) {
			cb.moveTo(StateHalfOpen, now)
		}
	}
}

func (cb *CircuitBreaker) moveTo(next State, now time.Time) {
	if cb.state == next {
		return
	}
	prev := cb.state
	cb.state = next
	if next == StateOpen {
		cb.openedAt = now
	}
	cb.reset(now)

	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.name, prev, next)
	}
	cb.recordTransition(prev, next)

	fields := []zap.Field{
		zap.String("breaker", cb.name),
		zap.String("from", prev.String()),
		zap.String("to", next.String()),
	}
	if next == StateOpen {
		cb.logger.Warn("Circuit breaker opened", append(fields, zap.Duration("retry_in", cb.cfg.Timeout))...)
		return
	}
	cb.logger.Info("Circuit breaker state changed", fields...)
}

// reset starts a new window for the current state. Callers hold mu.
func (cb *CircuitBreaker) reset(now time.Time) {
	cb.window++
	cb.counts = Counts{}
	cb.until = time.Time{}
	switch cb.state {
	case StateClosed:
		if cb.cfg.Interval > 0 {
			cb.until = now.Add(cb.cfg.Interval)
		}
	case StateOpen:
		cb.until = now.Add(cb.cfg.Timeout)
	}
}

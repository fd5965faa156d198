package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// manualClock lets tests step through timeouts without sleeping
type manualClock struct{ now time.Time }

func (c *manualClock) Now() time.Time          { return c.now }
func (c *manualClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBreaker(t *testing.T, config Config) (*CircuitBreaker, *manualClock) {
	clock := &manualClock{now: time.Unix(1700000000, 0)}
	cb := NewCircuitBreaker("test", config, zaptest.NewLogger(t))
	cb.clock = clock.Now
	cb.reset(clock.Now())
	return cb, clock
}

func TestCircuitBreakerStates(t *testing.T) {
	config := DefaultConfig()
	config.FailureThreshold = 3
	config.SuccessThreshold = 2
	config.MaxRequests = 5
	config.Timeout = 100 * time.Millisecond
	config.Interval = 200 * time.Millisecond

	cb, clock := newTestBreaker(t, config)
	ctx := context.Background()

	assert.Equal(t, StateClosed, cb.State())

	for i := 0; i < 3; i++ {
		require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	}
	assert.Equal(t, StateClosed, cb.State())

	for i := 0; i < 3; i++ {
		assert.Error(t, cb.Execute(ctx, func() error { return errors.New("test error") }))
	}
	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, clock.Now(), cb.OpenedAt())

	err := cb.Execute(ctx, func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)

	clock.Advance(150 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.True(t, cb.OpenedAt().IsZero())

	for i := 0; i < 2; i++ {
		require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	config := DefaultConfig()
	config.FailureThreshold = 1
	config.Timeout = time.Second

	cb, clock := newTestBreaker(t, config)
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errors.New("down") })
	require.Equal(t, StateOpen, cb.State())

	clock.Advance(2 * time.Second)
	require.Equal(t, StateHalfOpen, cb.State())
	_ = cb.Execute(ctx, func() error { return errors.New("still down") })
	assert.Equal(t, StateOpen, cb.State())
}

func TestClosedWindowRollsOver(t *testing.T) {
	config := DefaultConfig()
	config.FailureThreshold = 3
	config.Interval = time.Minute

	cb, clock := newTestBreaker(t, config)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_ = cb.Execute(ctx, func() error { return errors.New("flaky") })
	}
	clock.Advance(2 * time.Minute)
	_ = cb.Execute(ctx, func() error { return errors.New("flaky") })

	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, uint32(1), cb.Counts().ConsecutiveFailures)
}

func TestCircuitBreakerMaxRequests(t *testing.T) {
	config := DefaultConfig()
	config.MaxRequests = 2
	config.Timeout = 100 * time.Millisecond
	config.SuccessThreshold = 5

	cb, clock := newTestBreaker(t, config)
	ctx := context.Background()

	cb.mu.Lock()
	cb.moveTo(StateHalfOpen, clock.Now())
	cb.mu.Unlock()

	for i := 0; i < 2; i++ {
		require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	}

	err := cb.Execute(ctx, func() error { return nil })
	assert.ErrorIs(t, err, ErrTooManyRequests)
}

func TestPanicCountsAsFailure(t *testing.T) {
	config := DefaultConfig()
	config.FailureThreshold = 1
	cb, _ := newTestBreaker(t, config)

	assert.Panics(t, func() {
		_ = cb.Execute(context.Background(), func() error { panic("boom") })
	})
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreakerCounts(t *testing.T) {
	cb := NewCircuitBreaker("test", DefaultConfig(), zaptest.NewLogger(t))
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return nil })
	_ = cb.Execute(ctx, func() error { return errors.New("error") })
	_ = cb.Execute(ctx, func() error { return nil })

	counts := cb.Counts()
	assert.Equal(t, uint32(3), counts.Requests)
	assert.Equal(t, uint32(2), counts.TotalSuccesses)
	assert.Equal(t, uint32(1), counts.TotalFailures)
}

func TestStateChangeCallback(t *testing.T) {
	config := DefaultConfig()
	config.FailureThreshold = 2

	var callbackCalled bool
	var fromState, toState State
	config.OnStateChange = func(name string, from State, to State) {
		callbackCalled = true
		fromState = from
		toState = to
	}

	cb := NewCircuitBreaker("test", config, zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_ = cb.Execute(ctx, func() error { return errors.New("error") })
	}

	assert.True(t, callbackCalled)
	assert.Equal(t, StateClosed, fromState)
	assert.Equal(t, StateOpen, toState)
}

var errRateLimited = errors.New("rate limited")

func TestClassifiedErrorsDoNotTrip(t *testing.T) {
	config := DefaultConfig()
	config.FailureThreshold = 2
	config.IsSuccessful = func(err error) bool { return errors.Is(err, errRateLimited) }

	cb := NewCircuitBreaker("classified", config, zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		err := cb.Execute(ctx, func() error { return errRateLimited })
		// The caller still sees the original error
		assert.ErrorIs(t, err, errRateLimited)
	}
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, uint32(0), cb.Counts().TotalFailures)

	for i := 0; i < 2; i++ {
		_ = cb.Execute(ctx, func() error { return errors.New("boom") })
	}
	assert.Equal(t, StateOpen, cb.State())
}

func TestCancelledContextIsNotAFailure(t *testing.T) {
	config := DefaultConfig()
	config.FailureThreshold = 1
	cb := NewCircuitBreaker("cancel", config, zaptest.NewLogger(t))

	err := cb.Execute(context.Background(), func() error { return context.Canceled })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err = cb.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
	assert.Equal(t, uint32(0), cb.Counts().Requests)
}

package health

import (
	"context"
	"time"
)

// PingFunc probes a dependency
type PingFunc func(ctx context.Context) error

// PingChecker reports a dependency healthy when its ping succeeds. A slow
// ping marks it degraded; an open circuit breaker marks it unhealthy
// without pinging.
type PingChecker struct {
	name        string
	critical    bool
	timeout     time.Duration
	slow        time.Duration
	ping        PingFunc
	breakerOpen func() bool
}

// NewPingChecker creates a checker named name around ping
func NewPingChecker(name string, critical bool, ping PingFunc) *PingChecker {
	return &PingChecker{
		name:     name,
		critical: critical,
		timeout:  5 * time.Second,
		slow:     100 * time.Millisecond,
		ping:     ping,
	}
}

// WithBreaker makes the checker consult a circuit breaker first
func (c *PingChecker) WithBreaker(open func() bool) *PingChecker {
	c.breakerOpen = open
	return c
}

// WithTimeout overrides the check timeout
func (c *PingChecker) WithTimeout(d time.Duration) *PingChecker {
	c.timeout = d
	return c
}

func (c *PingChecker) Name() string           { return c.name }
func (c *PingChecker) IsCritical() bool       { return c.critical }
func (c *PingChecker) Timeout() time.Duration { return c.timeout }

func (c *PingChecker) Check(ctx context.Context) CheckResult {
	if c.breakerOpen != nil && c.breakerOpen() {
		return CheckResult{
			Status:  StatusUnhealthy,
			Error:   "circuit breaker open",
			Message: c.name + " circuit breaker is open",
		}
	}

	start := time.Now()
	if err := c.ping(ctx); err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Error:   err.Error(),
			Message: c.name + " ping failed",
		}
	}
	if time.Since(start) > c.slow {
		return CheckResult{Status: StatusDegraded, Message: c.name + " responding with high latency"}
	}
	return CheckResult{Status: StatusHealthy, Message: c.name + " healthy"}
}

// BreakerChecker reports an outbound dependency degraded while its
// circuit breaker is open. It never makes a call itself.
type BreakerChecker struct {
	name string
	open func() bool
}

// NewBreakerChecker creates a non-critical checker over a breaker state
func NewBreakerChecker(name string, open func() bool) *BreakerChecker {
	return &BreakerChecker{name: name, open: open}
}

func (c *BreakerChecker) Name() string           { return c.name }
func (c *BreakerChecker) IsCritical() bool       { return false }
func (c *BreakerChecker) Timeout() time.Duration { return time.Second }

func (c *BreakerChecker) Check(ctx context.Context) CheckResult {
	if c.open() {
		return CheckResult{Status: StatusDegraded, Message: c.name + " circuit breaker is open"}
	}
	return CheckResult{Status: StatusHealthy, Message: c.name + " circuit breaker closed"}
}

package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeSuccess  = "success"
	outcomeFailure  = "failure"
	outcomeRejected = "rejected"
)

var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deepdive_circuit_breaker_state",
			Help: "Breaker state per dependency (0=closed, 1=half-open, 2=open)",
		},
		[]string{"breaker", "dependency"},
	)

	breakerCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepdive_circuit_breaker_calls_total",
			Help: "Calls offered to a breaker by the state they met and their outcome",
		},
		[]string{"breaker", "dependency", "state", "outcome"},
	)

	breakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepdive_circuit_breaker_transitions_total",
			Help: "Breaker state transitions",
		},
		[]string{"breaker", "dependency", "from", "to"},
	)

	breakerOpenSince = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deepdive_circuit_breaker_open_since_seconds",
			Help: "Unix time the breaker last opened, 0 while closed",
		},
		[]string{"breaker", "dependency"},
	)
)

// instrumented holds every breaker with exported series, for the periodic
// state refresh
var instrumented struct {
	mu       sync.Mutex
	breakers []*CircuitBreaker
}

// Instrument exports the breaker's series under the given dependency label
// and returns cb. Call it once, before the breaker is shared.
func (cb *CircuitBreaker) Instrument(dependency string) *CircuitBreaker {
	cb.dependency = dependency
	breakerState.WithLabelValues(cb.name, dependency).Set(float64(cb.State()))
	breakerOpenSince.WithLabelValues(cb.name, dependency).Set(0)

	instrumented.mu.Lock()
	instrumented.breakers = append(instrumented.breakers, cb)
	instrumented.mu.Unlock()
	return cb
}

func (cb *CircuitBreaker) observe(state State, outcome string) {
	if cb.dependency == "" {
		return
	}
	breakerCalls.WithLabelValues(cb.name, cb.dependency, state.String(), outcome).Inc()
}

func (cb *CircuitBreaker) recordTransition(from, to State) {
	if cb.dependency == "" {
		return
	}
	breakerTransitions.WithLabelValues(cb.name, cb.dependency, from.String(), to.String()).Inc()
	breakerState.WithLabelValues(cb.name, cb.dependency).Set(float64(to))
	switch {
	case to == StateOpen:
		breakerOpenSince.WithLabelValues(cb.name, cb.dependency).Set(float64(cb.openedAt.Unix()))
	case from == StateOpen:
		breakerOpenSince.WithLabelValues(cb.name, cb.dependency).Set(0)
	}
}

// refreshStates re-reads every instrumented breaker, so an open breaker whose
// timeout passed without traffic shows as half-open
func refreshStates() {
	instrumented.mu.Lock()
	breakers := append([]*CircuitBreaker(nil), instrumented.breakers...)
	instrumented.mu.Unlock()

	for _, cb := range breakers {
		breakerState.WithLabelValues(cb.name, cb.dependency).Set(float64(cb.State()))
	}
}

// StartMetricsCollection refreshes breaker state gauges until ctx is done
func StartMetricsCollection(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				refreshStates()
			}
		}
	}()
}

// Package circuitbreaker guards a dependency with a closed → open →
// half-open circuit.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal: requests flow through
	StateOpen                  // Tripped: requests are rejected
	StateHalfOpen              // Probing: one request allowed to test recovery
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	cbStateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "auction",
		Subsystem: "circuitbreaker",
		Name:      "state_transitions_total",
		Help:      "Circuit breaker state transitions by breaker, from-state, and to-state.",
	}, []string{"breaker", "from_state", "to_state"})

	cbState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "auction",
		Subsystem: "circuitbreaker",
		Name:      "state",
		Help:      "Current breaker state: 0 closed, 1 open, 2 half-open.",
	}, []string{"breaker"})
)

func init() {
	prometheus.MustRegister(cbStateTransitions, cbState)
}

// Breaker trips open after threshold consecutive failures and rejects calls
// for openDuration. Then it lets a single probe through: success closes the
// circuit, failure opens it again.
type Breaker struct {
	name         string
	threshold    int
	openDuration time.Duration
	now          func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
}

// New creates a breaker reporting metrics under name.
func New(name string, threshold int, openDuration time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	b := &Breaker{
		name:         name,
		threshold:    threshold,
		openDuration: openDuration,
		now:          time.Now,
	}
	cbState.WithLabelValues(name).Set(float64(StateClosed))
	return b
}

// Name returns the breaker's metric label.
func (b *Breaker) Name() string {
	return b.name
}

// Allow reports whether a call may proceed. An open circuit whose
// openDuration has elapsed moves to half-open and admits one probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.lastFailure) >= b.openDuration {
			b.transition(StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return false // probe in flight
	default:
		return true
	}
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == StateHalfOpen {
		b.transition(StateClosed)
	}
}

// RecordFailure counts a failure, tripping the circuit at the threshold or
// when a probe fails.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()

	switch {
	case b.state == StateHalfOpen:
		b.transition(StateOpen)
	case b.state == StateClosed && b.failures >= b.threshold:
		b.transition(StateOpen)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transition changes state. Caller must hold b.mu.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	cbStateTransitions.WithLabelValues(b.name, from.String(), to.String()).Inc()
	cbState.WithLabelValues(b.name).Set(float64(to))
}

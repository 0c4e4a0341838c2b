package health

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/optfleet/hive-gateway/internal/types"
)

// State represents the state of a circuit breaker.
type State int

const (
	StateClosed   State = iota // healthy, requests flow
	StateOpen                  // unhealthy, requests blocked
	StateHalfOpen              // probing, one request allowed
)

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

// Config holds the per-endpoint circuit breaker thresholds.
type Config struct {
	// FailureThreshold opens the circuit once this many failures/timeouts sit
	// in the trailing window.
	FailureThreshold int

	// FailureRateThreshold opens the circuit once the windowed failure rate
	// exceeds it, provided at least MinObservations have been recorded.
	FailureRateThreshold float64
	MinObservations      int

	// Window is the trailing horizon; older observations are discarded lazily
	// on each update.
	Window time.Duration

	RecoveryProbeInterval time.Duration
}

type observation struct {
	at      time.Time
	outcome types.Outcome
	latency time.Duration
}

// Breaker is a per-endpoint circuit breaker over a rolling observation
// window. State transitions are serialized by the mutex; the half-open probe
// slot is claimed with a compare-and-swap so at most one probe is in flight.
type Breaker struct {
	mu sync.Mutex

	cfg            Config
	state          State
	openedAt       time.Time
	lastTransition time.Time
	window         []observation

	probeInFlight atomic.Bool
}

func NewBreaker(cfg Config) *Breaker {
	return &Breaker{
		cfg:            cfg,
		state:          StateClosed,
		lastTransition: time.Now(),
	}
}

// State returns the current circuit state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// currentState returns state, transitioning OPEN→HALF_OPEN if the probe
// interval elapsed. Must be called with mu held.
func (b *Breaker) currentState() State {
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cfg.RecoveryProbeInterval {
		b.transition(StateHalfOpen)
	}
	return b.state
}

func (b *Breaker) transition(next State) {
	b.state = next
	b.lastTransition = time.Now()
}

// Allow reports whether a request may go through. In half-open state it
// grants the single probe slot to the first caller; later callers are
// refused until the probe resolves.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState() {
	case StateClosed:
		return true
	case StateHalfOpen:
		return b.probeInFlight.CompareAndSwap(false, true)
	case StateOpen:
		return false
	}
	return false
}

// ReleaseProbe returns an unused probe slot, for callers that were granted
// the probe but routed elsewhere.
func (b *Breaker) ReleaseProbe() {
	b.probeInFlight.Store(false)
}

// Record folds one call outcome into the window and applies transitions.
func (b *Breaker) Record(outcome types.Outcome, latency time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.prune(now)
	b.window = append(b.window, observation{at: now, outcome: outcome, latency: latency})

	state := b.currentState()

	if outcome == types.OutcomeSuccess {
		if state == StateHalfOpen {
			// Probe succeeded: close and start a fresh window.
			b.transition(StateClosed)
			b.window = b.window[:0]
			b.probeInFlight.Store(false)
		}
		return
	}

	switch state {
	case StateClosed:
		failures, total := b.tally()
		if failures >= b.cfg.FailureThreshold ||
			(total >= b.cfg.MinObservations && float64(failures)/float64(total) > b.cfg.FailureRateThreshold) {
			b.transition(StateOpen)
			b.openedAt = now
		}
	case StateHalfOpen:
		// Probe failed: reopen and restart the cool-down.
		b.transition(StateOpen)
		b.openedAt = now
		b.probeInFlight.Store(false)
	}
}

// prune drops observations older than the window horizon. Must be called
// with mu held.
func (b *Breaker) prune(now time.Time) {
	if b.cfg.Window <= 0 {
		return
	}
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for i < len(b.window) && b.window[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.window = append(b.window[:0], b.window[i:]...)
	}
}

// tally counts failures and total observations in the window. Must be called
// with mu held.
func (b *Breaker) tally() (failures, total int) {
	for _, o := range b.window {
		if o.outcome != types.OutcomeSuccess {
			failures++
		}
	}
	return failures, len(b.window)
}

// Stats is a point-in-time view of a breaker, for routing and export.
type Stats struct {
	State          State
	Observations   int
	Failures       int
	Timeouts       int
	SuccessRate    float64
	FailureRate    float64
	LastTransition time.Time
}

// Stats snapshots the rolling counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.prune(time.Now())
	s := Stats{
		State:          b.currentState(),
		Observations:   len(b.window),
		LastTransition: b.lastTransition,
	}
	for _, o := range b.window {
		switch o.outcome {
		case types.OutcomeFailure:
			s.Failures++
		case types.OutcomeTimeout:
			s.Failures++
			s.Timeouts++
		}
	}
	if s.Observations > 0 {
		s.FailureRate = float64(s.Failures) / float64(s.Observations)
		s.SuccessRate = 1 - s.FailureRate
	} else {
		s.SuccessRate = 1
	}
	return s
}

package health

import (
	"sync"
	"time"

	"github.com/optfleet/hive-gateway/internal/types"
)

// tokenCap bounds each dedup generation; on overflow the current generation
// rotates to previous, so a token stays suppressed for at least one full
// generation after it resolves.
const tokenCap = 4096

// Tracker manages circuit breakers for all endpoints. Updates to different
// endpoints never contend: each breaker carries its own lock.
type Tracker struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      Config

	tokenMu  sync.Mutex
	resolved map[string]struct{}
	prevGen  map[string]struct{}
}

// NewTracker creates a health tracker with the given circuit breaker config.
func NewTracker(cfg Config) *Tracker {
	return &Tracker{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
		resolved: make(map[string]struct{}),
		prevGen:  make(map[string]struct{}),
	}
}

// Breaker returns (or lazily creates) the circuit breaker for an endpoint.
func (t *Tracker) Breaker(endpoint string) *Breaker {
	t.mu.RLock()
	b, ok := t.breakers[endpoint]
	t.mu.RUnlock()
	if ok {
		return b
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	// Double-check after acquiring write lock
	if b, ok := t.breakers[endpoint]; ok {
		return b
	}
	b = NewBreaker(t.cfg)
	t.breakers[endpoint] = b
	return b
}

// Eligible reports whether the endpoint may be routed to: the circuit is
// closed, or half-open and this caller won the single probe slot. A caller
// granted the probe slot that then routes elsewhere must call ReleaseProbe.
func (t *Tracker) Eligible(endpoint string) bool {
	return t.Breaker(endpoint).Allow()
}

// ReleaseProbe returns an unused half-open probe slot.
func (t *Tracker) ReleaseProbe(endpoint string) {
	t.Breaker(endpoint).ReleaseProbe()
}

// Report records one call resolution. The token identifies the call; a
// second report with the same token is a no-op and returns false. Reporting
// never blocks behind dispatch and is safe from many in-flight requests.
func (t *Tracker) Report(endpoint, token string, outcome types.Outcome, latency time.Duration) bool {
	if token != "" && !t.claim(token) {
		return false
	}
	t.Breaker(endpoint).Record(outcome, latency)
	return true
}

// claim marks the token resolved, returning false if it already was.
func (t *Tracker) claim(token string) bool {
	t.tokenMu.Lock()
	defer t.tokenMu.Unlock()
	if _, dup := t.resolved[token]; dup {
		return false
	}
	if _, dup := t.prevGen[token]; dup {
		return false
	}
	if len(t.resolved) >= tokenCap {
		t.prevGen = t.resolved
		t.resolved = make(map[string]struct{}, tokenCap)
	}
	t.resolved[token] = struct{}{}
	return true
}

// FailureRate returns the endpoint's windowed failure rate, 0 for unknown
// endpoints. Used for degraded-mode routing.
func (t *Tracker) FailureRate(endpoint string) float64 {
	return t.Breaker(endpoint).Stats().FailureRate
}

// Snapshot returns per-endpoint stats for every tracked breaker.
func (t *Tracker) Snapshot() map[string]Stats {
	t.mu.RLock()
	ids := make([]string, 0, len(t.breakers))
	for id := range t.breakers {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	out := make(map[string]Stats, len(ids))
	for _, id := range ids {
		out[id] = t.Breaker(id).Stats()
	}
	return out
}

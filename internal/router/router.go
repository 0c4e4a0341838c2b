package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/optfleet/hive-gateway/internal/capability"
	"github.com/optfleet/hive-gateway/internal/config"
	"github.com/optfleet/hive-gateway/internal/entitlement"
	"github.com/optfleet/hive-gateway/internal/health"
	"github.com/optfleet/hive-gateway/internal/ledger"
	"github.com/optfleet/hive-gateway/internal/registry"
	"github.com/optfleet/hive-gateway/internal/telemetry"
	"github.com/optfleet/hive-gateway/internal/types"
)

// RoutingFailure means no endpoint could be dispatched to within the
// deadline. It carries the endpoints that were tried so the caller can make
// an informed retry/escalate decision.
type RoutingFailure struct {
	Capability string
	Attempted  []string
	Reason     string
}

func (e *RoutingFailure) Error() string {
	if len(e.Attempted) == 0 {
		return fmt.Sprintf("routing failed for %q: %s", e.Capability, e.Reason)
	}
	return fmt.Sprintf("routing failed for %q after trying [%s]: %s",
		e.Capability, strings.Join(e.Attempted, ", "), e.Reason)
}

// Deps wires the router's collaborators. Capabilities, Entitlement, Budget
// and Metrics are optional.
type Deps struct {
	Registry     *registry.Registry
	Health       *health.Tracker
	Ledger       *ledger.Ledger
	Capabilities *capability.Client
	Entitlement  *entitlement.Evaluator
	Budget       *ledger.BudgetTracker
	Dispatcher   Dispatcher
	Metrics      *telemetry.Metrics
	Config       func() *config.Config
}

// Router selects an endpoint per request context, dispatches the call, and
// records the outcome into the health tracker and ledger exactly once.
type Router struct {
	deps Deps

	rrMu sync.Mutex
	rr   map[string]int
}

func New(deps Deps) *Router {
	return &Router{
		deps: deps,
		rr:   make(map[string]int),
	}
}

// Route picks an endpoint for the request, dispatches it, and returns the
// response. A dispatch failure is retried at most MaxRetries times against a
// different eligible endpoint while time budget remains.
func (r *Router) Route(ctx context.Context, rc *types.RequestContext) (*types.Result, error) {
	cfg := r.deps.Config()
	deadline := rc.DeadlineOr(cfg.Routing.DefaultTimeout)

	candidates := r.candidates(ctx, rc)
	if len(candidates) == 0 {
		return nil, &RoutingFailure{
			Capability: rc.Capability,
			Reason:     "no endpoint matches the capability and tenant entitlement",
		}
	}

	eligible, probes := r.filterEligible(candidates)
	degraded := false
	if len(eligible) == 0 {
		// Forced degraded-mode routing: take the least-bad endpoint rather
		// than failing outright.
		eligible = []*registry.Endpoint{r.leastBad(candidates)}
		degraded = true
		if r.deps.Metrics != nil {
			r.deps.Metrics.RecordDegraded(rc.Capability)
		}
	}

	ranked := r.rank(ctx, rc, eligible)
	if rc.PreferEndpoint != "" {
		ranked = preferFirst(ranked, rc.PreferEndpoint)
	}

	maxAttempts := 1 + cfg.Routing.MaxRetries
	if degraded {
		maxAttempts = 1
	}
	if maxAttempts > len(ranked) {
		maxAttempts = len(ranked)
	}

	// Return probe slots we were granted but will not use.
	defer func() {
		for id, granted := range probes {
			if granted {
				r.deps.Health.ReleaseProbe(id)
			}
		}
	}()

	var attempted []string
	for i := 0; i < maxAttempts; i++ {
		if time.Until(deadline) <= 0 {
			break
		}
		ep := ranked[i]
		delete(probes, ep.ID) // the dispatch outcome resolves the probe
		attempted = append(attempted, ep.ID)

		payload, outcome, latency := r.dispatch(ctx, rc, ep, deadline)
		if outcome == types.OutcomeSuccess {
			return &types.Result{
				RequestID: rc.RequestID,
				Endpoint:  ep.ID,
				Payload:   payload,
				Degraded:  degraded,
				LatencyMs: latency.Milliseconds(),
			}, nil
		}
		slog.Warn("dispatch failed",
			"request_id", rc.RequestID,
			"endpoint", ep.ID,
			"outcome", outcome.String(),
			"attempt", i+1,
		)
	}

	return nil, &RoutingFailure{
		Capability: rc.Capability,
		Attempted:  attempted,
		Reason:     "all attempts failed or deadline exhausted",
	}
}

// candidates resolves the endpoint set for the request: capability catalog
// first, registry filter as fallback, entitlement last.
func (r *Router) candidates(ctx context.Context, rc *types.RequestContext) []*registry.Endpoint {
	var eps []*registry.Endpoint

	if rc.Capability != "" && r.deps.Capabilities != nil {
		ids, _ := r.deps.Capabilities.Resolve(rc.Capability)
		for _, id := range ids {
			if ep, err := r.deps.Registry.Get(id); err == nil {
				eps = append(eps, ep)
			}
		}
	}
	if len(eps) == 0 {
		eps = r.deps.Registry.List(registry.Filter{Capability: rc.Capability})
	}

	if r.deps.Entitlement == nil {
		return eps
	}
	entitled := eps[:0]
	for _, ep := range eps {
		ok := r.deps.Entitlement.Allowed(ctx, entitlement.Input{
			Tenant:     rc.Tenant,
			Tier:       ep.Tier,
			Region:     ep.Region,
			Capability: rc.Capability,
		})
		if ok {
			entitled = append(entitled, ep)
		}
	}
	return entitled
}

// filterEligible keeps endpoints the health tracker admits. The returned map
// marks endpoints we hold a half-open probe slot for; unused slots must be
// released.
func (r *Router) filterEligible(eps []*registry.Endpoint) ([]*registry.Endpoint, map[string]bool) {
	probes := make(map[string]bool)
	var eligible []*registry.Endpoint
	for _, ep := range eps {
		halfOpen := r.deps.Health.Breaker(ep.ID).State() == health.StateHalfOpen
		if !r.deps.Health.Eligible(ep.ID) {
			continue
		}
		eligible = append(eligible, ep)
		if halfOpen {
			probes[ep.ID] = true
		}
	}
	return eligible, probes
}

// leastBad returns the candidate with the lowest recent failure rate.
func (r *Router) leastBad(eps []*registry.Endpoint) *registry.Endpoint {
	best := eps[0]
	bestRate := r.deps.Health.FailureRate(best.ID)
	for _, ep := range eps[1:] {
		if rate := r.deps.Health.FailureRate(ep.ID); rate < bestRate {
			best, bestRate = ep, rate
		}
	}
	return best
}

const unknownLatency = time.Duration(math.MaxInt64)

// rank orders eligible endpoints by the request's optimization goal, lowest
// score first. Score ties rotate round-robin per capability to spread load.
func (r *Router) rank(ctx context.Context, rc *types.RequestContext, eps []*registry.Endpoint) []*registry.Endpoint {
	cfg := r.deps.Config()

	scores := make(map[string]float64, len(eps))
	for _, ep := range eps {
		scores[ep.ID] = r.score(ctx, rc, ep, cfg)
	}

	ranked := append([]*registry.Endpoint(nil), eps...)
	sort.Slice(ranked, func(i, j int) bool {
		si, sj := scores[ranked[i].ID], scores[ranked[j].ID]
		if si != sj {
			return si < sj
		}
		return ranked[i].ID < ranked[j].ID
	})

	// Rotate the leading equal-score group by the round-robin counter.
	lead := 1
	for lead < len(ranked) && scores[ranked[lead].ID] == scores[ranked[0].ID] {
		lead++
	}
	if lead > 1 {
		r.rrMu.Lock()
		shift := r.rr[rc.Capability] % lead
		r.rr[rc.Capability]++
		r.rrMu.Unlock()
		rotated := append([]*registry.Endpoint(nil), ranked[shift:lead]...)
		rotated = append(rotated, ranked[:shift]...)
		copy(ranked[:lead], rotated)
	}
	return ranked
}

func (r *Router) score(ctx context.Context, rc *types.RequestContext, ep *registry.Endpoint, cfg *config.Config) float64 {
	switch rc.Goal {
	case types.GoalLatency:
		p50 := r.deps.Ledger.P50(ep.ID, cfg.Routing.LatencyRankWindow)
		if p50 == 0 {
			p50 = unknownLatency // unobserved endpoints rank last, round-robin explores them
		}
		return float64(p50)
	case types.GoalCost:
		cost := ep.CostPerUnit
		if r.deps.Budget != nil {
			// The closer a tenant is to its monthly budget, the harder
			// expensive endpoints are pushed down.
			spent := r.deps.Budget.SpentFraction(ctx, rc.Tenant, cfg.Ledger.BudgetFor(rc.Tenant))
			cost = math.Pow(cost, 1+spent)
		}
		return cost
	default: // reliability
		return -r.deps.Health.Breaker(ep.ID).Stats().SuccessRate
	}
}

func preferFirst(ranked []*registry.Endpoint, id string) []*registry.Endpoint {
	for i, ep := range ranked {
		if ep.ID == id {
			out := append([]*registry.Endpoint{ep}, ranked[:i]...)
			return append(out, ranked[i+1:]...)
		}
	}
	return ranked
}

// dispatch runs one call against one endpoint. The outcome is reported to
// the health tracker and ledger exactly once, before returning, even when
// the caller times out and the response straggles in later.
func (r *Router) dispatch(ctx context.Context, rc *types.RequestContext, ep *registry.Endpoint, deadline time.Time) (payload []byte, outcome types.Outcome, latency time.Duration) {
	token := uuid.NewString()
	start := time.Now()

	var resolved atomic.Bool
	resolve := func(o types.Outcome, lat time.Duration) bool {
		if !resolved.CompareAndSwap(false, true) {
			return false
		}
		cost := 0.0
		if o == types.OutcomeSuccess {
			cost = ep.CostPerUnit
		}
		r.deps.Health.Report(ep.ID, token, o, lat)
		r.deps.Ledger.Record(ledger.Entry{
			Tenant:   rc.Tenant,
			Endpoint: ep.ID,
			At:       time.Now(),
			Latency:  lat,
			Cost:     cost,
			Outcome:  o,
		})
		if cost > 0 && r.deps.Budget != nil {
			go func() {
				spendCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				if err := r.deps.Budget.RecordSpend(spendCtx, rc.Tenant, cost); err != nil {
					slog.Warn("budget spend record failed", "tenant", rc.Tenant, "error", err)
				}
			}()
		}
		if r.deps.Metrics != nil {
			r.deps.Metrics.RecordRequest(telemetry.RequestLabels{
				Tenant:     rc.Tenant,
				Capability: rc.Capability,
				Endpoint:   ep.ID,
				Goal:       string(rc.Goal),
				Outcome:    o.String(),
				DurationMs: float64(lat.Milliseconds()),
				CostUSD:    cost,
			})
		}
		return true
	}

	callCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	type callResult struct {
		payload []byte
		err     error
	}
	done := make(chan callResult, 1)
	go func() {
		body, err := r.deps.Dispatcher.Call(callCtx, ep, rc.Payload)
		lat := time.Since(start)
		// A straggler resolving after the deadline branch below is a no-op:
		// the resolved flag guarantees a single Health/Ledger update.
		if err != nil {
			o := types.OutcomeFailure
			if errors.Is(err, context.DeadlineExceeded) {
				o = types.OutcomeTimeout
			}
			resolve(o, lat)
		} else {
			resolve(types.OutcomeSuccess, lat)
		}
		done <- callResult{payload: body, err: err}
	}()

	select {
	case res := <-done:
		lat := time.Since(start)
		if res.err != nil {
			o := types.OutcomeFailure
			if errors.Is(res.err, context.DeadlineExceeded) {
				o = types.OutcomeTimeout
			}
			return nil, o, lat
		}
		return res.payload, types.OutcomeSuccess, lat
	case <-callCtx.Done():
		lat := time.Since(start)
		resolve(types.OutcomeTimeout, lat)
		return nil, types.OutcomeTimeout, lat
	}
}

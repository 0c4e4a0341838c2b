package router

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/optfleet/hive-gateway/internal/config"
	"github.com/optfleet/hive-gateway/internal/health"
	"github.com/optfleet/hive-gateway/internal/ledger"
	"github.com/optfleet/hive-gateway/internal/registry"
	"github.com/optfleet/hive-gateway/internal/types"
)

// dispatchFunc adapts a function to the Dispatcher interface.
type dispatchFunc func(ctx context.Context, ep *registry.Endpoint, payload json.RawMessage) (json.RawMessage, error)

func (f dispatchFunc) Call(ctx context.Context, ep *registry.Endpoint, payload json.RawMessage) (json.RawMessage, error) {
	return f(ctx, ep, payload)
}

func testRouter(t *testing.T, eps []*registry.Endpoint, d Dispatcher) (*Router, *health.Tracker, *ledger.Ledger) {
	t.Helper()
	reg := registry.New()
	for _, ep := range eps {
		if err := reg.Register(ep); err != nil {
			t.Fatal(err)
		}
	}
	tracker := health.NewTracker(health.Config{
		FailureThreshold:      5,
		FailureRateThreshold:  0.5,
		MinObservations:       10,
		Window:                time.Minute,
		RecoveryProbeInterval: 15 * time.Second,
	})
	led := ledger.New(time.Hour)
	r := New(Deps{
		Registry:   reg,
		Health:     tracker,
		Ledger:     led,
		Dispatcher: d,
		Config:     config.DefaultConfig,
	})
	return r, tracker, led
}

func okDispatcher(t *testing.T) (Dispatcher, *[]string) {
	t.Helper()
	var calls []string
	return dispatchFunc(func(ctx context.Context, ep *registry.Endpoint, payload json.RawMessage) (json.RawMessage, error) {
		calls = append(calls, ep.ID)
		return json.RawMessage(`{"ok":true}`), nil
	}), &calls
}

func endpoint(id string, cost float64) *registry.Endpoint {
	return &registry.Endpoint{
		ID:           id,
		Region:       "us-east-1",
		Tier:         config.TierCostOptimized,
		CostPerUnit:  cost,
		Capabilities: []string{"solve-lp"},
	}
}

func request(goal types.Goal) *types.RequestContext {
	return &types.RequestContext{
		RequestID:  "req-1",
		Tenant:     "acme",
		Capability: "solve-lp",
		Goal:       goal,
		Payload:    json.RawMessage(`{}`),
		Deadline:   time.Now().Add(5 * time.Second),
	}
}

func TestRoute_GoalCostPicksCheapest(t *testing.T) {
	d, _ := okDispatcher(t)
	r, _, _ := testRouter(t, []*registry.Endpoint{
		endpoint("ep-cheap", 1.0),
		endpoint("ep-fast", 3.0),
	}, d)

	res, err := r.Route(context.Background(), request(types.GoalCost))
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if res.Endpoint != "ep-cheap" {
		t.Errorf("goal=cost: expected ep-cheap, got %s", res.Endpoint)
	}
}

func TestRoute_GoalLatencyPicksFastest(t *testing.T) {
	d, _ := okDispatcher(t)
	r, _, led := testRouter(t, []*registry.Endpoint{
		endpoint("ep-cheap", 1.0),
		endpoint("ep-fast", 3.0),
	}, d)

	// Seed observed latencies: cheap=500ms, fast=50ms.
	for i := 0; i < 5; i++ {
		led.Record(ledger.Entry{Tenant: "acme", Endpoint: "ep-cheap", At: time.Now(), Latency: 500 * time.Millisecond, Outcome: types.OutcomeSuccess})
		led.Record(ledger.Entry{Tenant: "acme", Endpoint: "ep-fast", At: time.Now(), Latency: 50 * time.Millisecond, Outcome: types.OutcomeSuccess})
	}

	res, err := r.Route(context.Background(), request(types.GoalLatency))
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if res.Endpoint != "ep-fast" {
		t.Errorf("goal=latency: expected ep-fast, got %s", res.Endpoint)
	}
}

func TestRoute_GoalReliabilityPicksHealthiest(t *testing.T) {
	d, _ := okDispatcher(t)
	r, tracker, _ := testRouter(t, []*registry.Endpoint{
		endpoint("ep-flaky", 1.0),
		endpoint("ep-solid", 1.0),
	}, d)

	tracker.Report("ep-flaky", "r1", types.OutcomeFailure, time.Millisecond)
	tracker.Report("ep-flaky", "r2", types.OutcomeSuccess, time.Millisecond)
	tracker.Report("ep-solid", "r3", types.OutcomeSuccess, time.Millisecond)
	tracker.Report("ep-solid", "r4", types.OutcomeSuccess, time.Millisecond)

	res, err := r.Route(context.Background(), request(types.GoalReliability))
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if res.Endpoint != "ep-solid" {
		t.Errorf("goal=reliability: expected ep-solid, got %s", res.Endpoint)
	}
}

func TestRoute_OpenCircuitExcluded(t *testing.T) {
	d, _ := okDispatcher(t)
	r, tracker, _ := testRouter(t, []*registry.Endpoint{
		endpoint("ep-a", 1.0),
		endpoint("ep-b", 2.0),
	}, d)

	// 5 consecutive timeouts trip ep-a's breaker.
	for i := 0; i < 5; i++ {
		tracker.Report("ep-a", "", types.OutcomeTimeout, time.Second)
	}
	if tracker.Breaker("ep-a").State() != health.StateOpen {
		t.Fatal("expected ep-a circuit open")
	}

	// Cheapest endpoint is ep-a, but it must be skipped.
	res, err := r.Route(context.Background(), request(types.GoalCost))
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if res.Endpoint != "ep-b" {
		t.Errorf("expected ep-b while ep-a is open, got %s", res.Endpoint)
	}
	if res.Degraded {
		t.Error("expected non-degraded route while an eligible endpoint remains")
	}
}

func TestRoute_DegradedWhenAllOpen(t *testing.T) {
	d, _ := okDispatcher(t)
	r, tracker, _ := testRouter(t, []*registry.Endpoint{
		endpoint("ep-a", 1.0),
		endpoint("ep-b", 2.0),
	}, d)

	for i := 0; i < 5; i++ {
		tracker.Report("ep-a", "", types.OutcomeTimeout, time.Second)
		tracker.Report("ep-b", "", types.OutcomeTimeout, time.Second)
	}
	// ep-b gets one success so its failure rate is the least bad.
	tracker.Report("ep-b", "", types.OutcomeSuccess, time.Millisecond)

	res, err := r.Route(context.Background(), request(types.GoalCost))
	if err != nil {
		t.Fatalf("expected degraded routing to still serve, got %v", err)
	}
	if !res.Degraded {
		t.Error("expected degraded flag")
	}
	if res.Endpoint != "ep-b" {
		t.Errorf("expected least-bad ep-b, got %s", res.Endpoint)
	}
}

func TestRoute_RetriesOnceOnAlternate(t *testing.T) {
	var calls []string
	d := dispatchFunc(func(ctx context.Context, ep *registry.Endpoint, payload json.RawMessage) (json.RawMessage, error) {
		calls = append(calls, ep.ID)
		if ep.ID == "ep-a" {
			return nil, errors.New("connection refused")
		}
		return json.RawMessage(`{"ok":true}`), nil
	})
	r, _, _ := testRouter(t, []*registry.Endpoint{
		endpoint("ep-a", 1.0),
		endpoint("ep-b", 2.0),
	}, d)

	res, err := r.Route(context.Background(), request(types.GoalCost))
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if res.Endpoint != "ep-b" {
		t.Errorf("expected retry to land on ep-b, got %s", res.Endpoint)
	}
	if len(calls) != 2 || calls[0] != "ep-a" || calls[1] != "ep-b" {
		t.Errorf("expected attempts [ep-a ep-b], got %v", calls)
	}
}

func TestRoute_FailureSurfacesAttemptedEndpoints(t *testing.T) {
	d := dispatchFunc(func(ctx context.Context, ep *registry.Endpoint, payload json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("boom")
	})
	r, _, _ := testRouter(t, []*registry.Endpoint{
		endpoint("ep-a", 1.0),
		endpoint("ep-b", 2.0),
	}, d)

	_, err := r.Route(context.Background(), request(types.GoalCost))
	var rf *RoutingFailure
	if !errors.As(err, &rf) {
		t.Fatalf("expected RoutingFailure, got %v", err)
	}
	if len(rf.Attempted) != 2 {
		t.Errorf("expected 2 attempted endpoints, got %v", rf.Attempted)
	}
}

func TestRoute_NoCandidates(t *testing.T) {
	d, _ := okDispatcher(t)
	r, _, _ := testRouter(t, nil, d)

	_, err := r.Route(context.Background(), request(types.GoalCost))
	var rf *RoutingFailure
	if !errors.As(err, &rf) {
		t.Fatalf("expected RoutingFailure, got %v", err)
	}
}

func TestRoute_RoundRobinSpreadsTies(t *testing.T) {
	d, calls := okDispatcher(t)
	r, _, _ := testRouter(t, []*registry.Endpoint{
		endpoint("ep-a", 1.0),
		endpoint("ep-b", 1.0), // same cost: tie
	}, d)

	for i := 0; i < 4; i++ {
		if _, err := r.Route(context.Background(), request(types.GoalCost)); err != nil {
			t.Fatalf("Route failed: %v", err)
		}
	}

	seen := map[string]int{}
	for _, id := range *calls {
		seen[id]++
	}
	if seen["ep-a"] != 2 || seen["ep-b"] != 2 {
		t.Errorf("expected tie-broken round robin to spread 2/2, got %v", seen)
	}
}

func TestRoute_PreferredEndpointWins(t *testing.T) {
	d, _ := okDispatcher(t)
	r, _, _ := testRouter(t, []*registry.Endpoint{
		endpoint("ep-cheap", 1.0),
		endpoint("ep-fast", 3.0),
	}, d)

	rc := request(types.GoalCost)
	rc.PreferEndpoint = "ep-fast"
	res, err := r.Route(context.Background(), rc)
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if res.Endpoint != "ep-fast" {
		t.Errorf("expected preferred ep-fast, got %s", res.Endpoint)
	}
}

func TestDispatch_ExactlyOneUpdateOnLateResponse(t *testing.T) {
	started := make(chan struct{}, 1)
	d := dispatchFunc(func(ctx context.Context, ep *registry.Endpoint, payload json.RawMessage) (json.RawMessage, error) {
		started <- struct{}{}
		time.Sleep(60 * time.Millisecond) // straggles past the deadline
		return json.RawMessage(`{"late":true}`), nil
	})
	r, tracker, led := testRouter(t, []*registry.Endpoint{
		endpoint("ep-a", 1.0),
	}, d)

	rc := request(types.GoalCost)
	rc.Deadline = time.Now().Add(20 * time.Millisecond)

	_, err := r.Route(context.Background(), rc)
	var rf *RoutingFailure
	if !errors.As(err, &rf) {
		t.Fatalf("expected RoutingFailure on timeout, got %v", err)
	}
	<-started

	// The timeout was recorded before Route returned.
	stats := tracker.Breaker("ep-a").Stats()
	if stats.Observations != 1 || stats.Timeouts != 1 {
		t.Fatalf("expected exactly 1 timeout observation, got %+v", stats)
	}

	// Wait out the straggler; it must not double count.
	time.Sleep(80 * time.Millisecond)
	stats = tracker.Breaker("ep-a").Stats()
	if stats.Observations != 1 {
		t.Errorf("late response double-counted: %+v", stats)
	}
	if got := led.Query(ledger.Query{Endpoint: "ep-a"}).Count; got != 1 {
		t.Errorf("expected exactly 1 ledger entry, got %d", got)
	}
}

func TestDispatch_SuccessRecordsHealthAndLedger(t *testing.T) {
	d, _ := okDispatcher(t)
	r, tracker, led := testRouter(t, []*registry.Endpoint{
		endpoint("ep-a", 2.5),
	}, d)

	res, err := r.Route(context.Background(), request(types.GoalCost))
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if res.Endpoint != "ep-a" {
		t.Fatalf("unexpected endpoint %s", res.Endpoint)
	}

	if got := tracker.Breaker("ep-a").Stats().Observations; got != 1 {
		t.Errorf("expected 1 health observation, got %d", got)
	}
	agg := led.Query(ledger.Query{Endpoint: "ep-a"})
	if agg.Count != 1 {
		t.Fatalf("expected 1 ledger entry, got %d", agg.Count)
	}
	if agg.TotalCost != 2.5 {
		t.Errorf("expected recorded cost 2.5, got %v", agg.TotalCost)
	}
}

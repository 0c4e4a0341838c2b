package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/optfleet/hive-gateway/internal/config"
	"github.com/optfleet/hive-gateway/internal/health"
	"github.com/optfleet/hive-gateway/internal/ledger"
	"github.com/optfleet/hive-gateway/internal/registry"
	"github.com/optfleet/hive-gateway/internal/router"
	"github.com/optfleet/hive-gateway/internal/swarm"
	"github.com/optfleet/hive-gateway/internal/types"
)

type dispatchFunc func(ctx context.Context, ep *registry.Endpoint, payload json.RawMessage) (json.RawMessage, error)

func (f dispatchFunc) Call(ctx context.Context, ep *registry.Endpoint, payload json.RawMessage) (json.RawMessage, error) {
	return f(ctx, ep, payload)
}

func testHandler(t *testing.T, d router.Dispatcher) *Handler {
	t.Helper()
	reg := registry.New()
	for _, ep := range []*registry.Endpoint{
		{ID: "ep-1", Region: "us-east-1", Tier: config.TierCostOptimized, CostPerUnit: 1, Capabilities: []string{"classify"}},
		{ID: "ep-2", Region: "eu-west-1", Tier: config.TierLatencyOptimized, CostPerUnit: 3, Capabilities: []string{"classify"}},
	} {
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
	rt := router.New(router.Deps{
		Registry:   reg,
		Health:     tracker,
		Ledger:     led,
		Dispatcher: d,
		Config:     config.DefaultConfig,
	})
	orch := swarm.New(rt, nil, config.DefaultConfig)
	return NewHandler(reg, tracker, led, rt, orch, config.DefaultConfig)
}

func submit(t *testing.T, h *Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/submit", strings.NewReader(body))
	w := httptest.NewRecorder()
	w.Header().Set("X-Request-ID", "req_test_1")
	h.Submit(w, req)
	return w
}

func TestSubmit_SingleCall(t *testing.T) {
	d := dispatchFunc(func(ctx context.Context, ep *registry.Endpoint, payload json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"label":"X"}`), nil
	})
	h := testHandler(t, d)

	w := submit(t, h, `{"tenant":"acme","capability":"classify","goal":"cost","payload":{"doc":"..."}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var res types.Result
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if res.Endpoint != "ep-1" {
		t.Errorf("goal=cost should pick the cheaper ep-1, got %s", res.Endpoint)
	}
	if res.Degraded {
		t.Error("unexpected degraded flag")
	}
}

func TestSubmit_ValidationErrors(t *testing.T) {
	h := testHandler(t, dispatchFunc(func(ctx context.Context, ep *registry.Endpoint, payload json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}))

	tests := []struct {
		name string
		body string
	}{
		{"missing tenant", `{"capability":"classify"}`},
		{"missing capability", `{"tenant":"acme"}`},
		{"bad goal", `{"tenant":"acme","capability":"classify","goal":"cheapest"}`},
		{"bad json", `{not json`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := submit(t, h, tt.body); w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestSubmit_RoutingFailure(t *testing.T) {
	d := dispatchFunc(func(ctx context.Context, ep *registry.Endpoint, payload json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("connection refused")
	})
	h := testHandler(t, d)

	w := submit(t, h, `{"tenant":"acme","capability":"classify"}`)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	var resp struct {
		Error struct {
			Code      string   `json:"code"`
			Attempted []string `json:"attempted"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error.Code != "routing_failure" {
		t.Errorf("code = %q", resp.Error.Code)
	}
	if len(resp.Error.Attempted) == 0 {
		t.Error("expected attempted endpoints in the error body")
	}
}

func TestSubmit_SwarmConsensus(t *testing.T) {
	d := dispatchFunc(func(ctx context.Context, ep *registry.Endpoint, payload json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"label":"X"}`), nil
	})
	h := testHandler(t, d)

	w := submit(t, h, `{"tenant":"acme","capability":"classify","swarm_size":3,"quorum":3}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var out types.ConsensusResult
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.AgreementScore != 1.0 {
		t.Errorf("agreement = %v, want 1.0", out.AgreementScore)
	}
	if !out.QuorumMet {
		t.Error("expected quorumMet")
	}
	if string(out.Merged) != `{"label":"X"}` {
		t.Errorf("merged = %s", out.Merged)
	}
}

func TestSubmit_SwarmInsufficientQuorum(t *testing.T) {
	d := dispatchFunc(func(ctx context.Context, ep *registry.Endpoint, payload json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("endpoint unavailable")
	})
	h := testHandler(t, d)

	w := submit(t, h, `{"tenant":"acme","capability":"classify","swarm_size":3,"quorum":3,"deadline_ms":500}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409, body = %s", w.Code, w.Body.String())
	}

	var resp consensusError
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error.Code != "insufficient_quorum" {
		t.Errorf("code = %q", resp.Error.Code)
	}
	if resp.Consensus == nil || len(resp.Consensus.Results) == 0 {
		t.Error("expected partial results in the error body")
	}
}

func TestListEndpoints(t *testing.T) {
	h := testHandler(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/endpoints?tier="+config.TierCostOptimized, nil)
	w := httptest.NewRecorder()
	h.ListEndpoints(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp endpointListResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Endpoints) != 1 || resp.Endpoints[0].ID != "ep-1" {
		t.Errorf("endpoints = %+v, want just ep-1", resp.Endpoints)
	}
}

func TestEndpointHealth(t *testing.T) {
	h := testHandler(t, nil)
	h.health.Report("ep-1", "", types.OutcomeSuccess, 40*time.Millisecond)
	h.health.Report("ep-1", "", types.OutcomeFailure, 40*time.Millisecond)
	h.ledger.Record(ledger.Entry{Tenant: "acme", Endpoint: "ep-1", At: time.Now(), Latency: 40 * time.Millisecond, Cost: 2, Outcome: types.OutcomeSuccess})

	req := httptest.NewRequest(http.MethodGet, "/v1/endpoints/health?tenant=acme", nil)
	w := httptest.NewRecorder()
	h.EndpointHealth(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp map[string][]endpointHealth
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	rows := resp["endpoints"]
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	byID := map[string]endpointHealth{}
	for _, row := range rows {
		byID[row.ID] = row
	}
	ep1 := byID["ep-1"]
	if ep1.CircuitState != "closed" {
		t.Errorf("circuit = %q", ep1.CircuitState)
	}
	if ep1.SuccessRate != 0.5 {
		t.Errorf("success rate = %v, want 0.5", ep1.SuccessRate)
	}
	if ep1.WindowCostUSD != 2 {
		t.Errorf("cost = %v, want 2", ep1.WindowCostUSD)
	}
	if ep2 := byID["ep-2"]; ep2.CircuitState != "closed" || ep2.SuccessRate != 1 {
		t.Errorf("untracked endpoint should default to closed/1.0: %+v", ep2)
	}
}

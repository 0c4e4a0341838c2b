package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/optfleet/hive-gateway/internal/config"
	"github.com/optfleet/hive-gateway/internal/health"
	"github.com/optfleet/hive-gateway/internal/httputil"
	"github.com/optfleet/hive-gateway/internal/ledger"
	"github.com/optfleet/hive-gateway/internal/registry"
	"github.com/optfleet/hive-gateway/internal/router"
	"github.com/optfleet/hive-gateway/internal/swarm"
	"github.com/optfleet/hive-gateway/internal/types"
)

// Handler holds dependencies for the gateway HTTP handlers.
type Handler struct {
	registry     *registry.Registry
	health       *health.Tracker
	ledger       *ledger.Ledger
	router       *router.Router
	orchestrator *swarm.Orchestrator
	cfg          func() *config.Config
}

func NewHandler(reg *registry.Registry, tracker *health.Tracker, led *ledger.Ledger, rt *router.Router, orch *swarm.Orchestrator, cfg func() *config.Config) *Handler {
	return &Handler{
		registry:     reg,
		health:       tracker,
		ledger:       led,
		router:       rt,
		orchestrator: orch,
		cfg:          cfg,
	}
}

// submitRequest is the inbound task shape. swarm_size absent or 1 means a
// single routed call; greater fans out through the orchestrator.
type submitRequest struct {
	Tenant     string          `json:"tenant"`
	Capability string          `json:"capability"`
	Payload    json.RawMessage `json:"payload"`
	Goal       string          `json:"goal"`
	DeadlineMs int64           `json:"deadline_ms"`
	SwarmSize  int             `json:"swarm_size"`

	PreferEndpoint string `json:"prefer_endpoint,omitempty"`

	// Swarm tuning, all optional.
	Agents              []types.AgentSpec `json:"agents,omitempty"`
	Quorum              int               `json:"quorum,omitempty"`
	SimilarityThreshold float64           `json:"similarity_threshold,omitempty"`
	MinAgreement        float64           `json:"min_agreement,omitempty"`
}

// Submit handles POST /v1/submit
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")
	receivedAt := time.Now()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteBadRequestError(w, reqID, "Failed to read request body")
		return
	}
	defer r.Body.Close()

	var req submitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httputil.WriteBadRequestError(w, reqID, "Invalid JSON: "+err.Error())
		return
	}
	if req.Tenant == "" {
		req.Tenant = r.Header.Get("X-Hive-Tenant")
	}
	if req.Tenant == "" {
		httputil.WriteBadRequestError(w, reqID, "tenant is required")
		return
	}
	if req.Capability == "" {
		httputil.WriteBadRequestError(w, reqID, "capability is required")
		return
	}
	goal, err := types.ParseGoal(req.Goal)
	if err != nil {
		httputil.WriteBadRequestError(w, reqID, err.Error())
		return
	}

	deadline := receivedAt.Add(h.cfg().Routing.DefaultTimeout)
	if req.DeadlineMs > 0 {
		deadline = receivedAt.Add(time.Duration(req.DeadlineMs) * time.Millisecond)
	}

	if req.SwarmSize > 1 || len(req.Agents) > 1 {
		h.submitSwarm(w, r, reqID, &req, goal, deadline, receivedAt)
		return
	}
	h.submitSingle(w, r, reqID, &req, goal, deadline, receivedAt)
}

func (h *Handler) submitSingle(w http.ResponseWriter, r *http.Request, reqID string, req *submitRequest, goal types.Goal, deadline, receivedAt time.Time) {
	rc := &types.RequestContext{
		RequestID:      reqID,
		Tenant:         req.Tenant,
		Capability:     req.Capability,
		Goal:           goal,
		Payload:        req.Payload,
		Deadline:       deadline,
		PreferEndpoint: req.PreferEndpoint,
		ReceivedAt:     receivedAt,
	}

	res, err := h.router.Route(r.Context(), rc)
	if err != nil {
		var rf *router.RoutingFailure
		if errors.As(err, &rf) {
			slog.Warn("routing failed",
				"request_id", reqID,
				"tenant", req.Tenant,
				"capability", req.Capability,
				"attempted", rf.Attempted,
			)
			httputil.WriteRoutingFailure(w, reqID, rf.Reason, rf.Attempted)
			return
		}
		httputil.WriteInternalError(w, reqID, "Routing failed")
		return
	}

	slog.Info("request completed",
		"request_id", reqID,
		"tenant", req.Tenant,
		"capability", req.Capability,
		"goal", string(goal),
		"endpoint", res.Endpoint,
		"degraded", res.Degraded,
		"latency_ms", res.LatencyMs,
		"duration_ms", time.Since(receivedAt).Milliseconds(),
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

// consensusError pairs the error envelope with whatever partial consensus
// state exists, so callers can inspect dissent instead of retrying blind.
type consensusError struct {
	Error     httputil.APIErrorBody  `json:"error"`
	Consensus *types.ConsensusResult `json:"consensus,omitempty"`
}

func (h *Handler) submitSwarm(w http.ResponseWriter, r *http.Request, reqID string, req *submitRequest, goal types.Goal, deadline, receivedAt time.Time) {
	agents := req.Agents
	if len(agents) == 0 {
		agents = make([]types.AgentSpec, req.SwarmSize)
		for i := range agents {
			agents[i] = types.AgentSpec{ID: fmt.Sprintf("agent-%d", i+1), Goal: goal}
		}
	}

	task := &types.SwarmTask{
		TaskID:              reqID,
		Tenant:              req.Tenant,
		Capability:          req.Capability,
		Payload:             req.Payload,
		Agents:              agents,
		Quorum:              req.Quorum,
		SimilarityThreshold: req.SimilarityThreshold,
		MinAgreement:        req.MinAgreement,
		Deadline:            deadline,
	}

	out, err := h.orchestrator.Execute(r.Context(), task)
	if err != nil {
		var iq *swarm.InsufficientQuorumError
		var low *swarm.LowAgreementError
		switch {
		case errors.As(err, &iq):
			writeConsensusError(w, reqID, "insufficient_quorum", iq.Error(), out)
		case errors.As(err, &low):
			writeConsensusError(w, reqID, "low_agreement", low.Error(), out)
		default:
			httputil.WriteInternalError(w, reqID, "Swarm execution failed")
		}
		return
	}

	slog.Info("swarm completed",
		"request_id", reqID,
		"tenant", req.Tenant,
		"capability", req.Capability,
		"agents", len(agents),
		"participants", out.Participants,
		"agreement_score", out.AgreementScore,
		"dissenting", len(out.Dissenting),
		"duration_ms", time.Since(receivedAt).Milliseconds(),
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func writeConsensusError(w http.ResponseWriter, reqID, code, message string, out *types.ConsensusResult) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", reqID)
	w.WriteHeader(http.StatusConflict)
	json.NewEncoder(w).Encode(consensusError{
		Error: httputil.APIErrorBody{
			Message:   message,
			Type:      "consensus_error",
			Code:      code,
			HiveReqID: reqID,
		},
		Consensus: out,
	})
}

// ListEndpoints handles GET /v1/endpoints
func (h *Handler) ListEndpoints(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	eps := h.registry.List(registry.Filter{
		Tier:       q.Get("tier"),
		Region:     q.Get("region"),
		Capability: q.Get("capability"),
	})

	out := make([]endpointObject, 0, len(eps))
	for _, ep := range eps {
		out = append(out, endpointObject{
			ID:           ep.ID,
			Region:       ep.Region,
			Tier:         ep.Tier,
			CostPerUnit:  ep.CostPerUnit,
			Capabilities: ep.Capabilities,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(endpointListResponse{Endpoints: out})
}

type endpointObject struct {
	ID           string   `json:"id"`
	Region       string   `json:"region"`
	Tier         string   `json:"tier"`
	CostPerUnit  float64  `json:"cost_per_unit"`
	Capabilities []string `json:"capabilities"`
}

type endpointListResponse struct {
	Endpoints []endpointObject `json:"endpoints"`
}

// endpointHealth is one row of the health export: circuit state plus the
// windowed ledger rollup.
type endpointHealth struct {
	ID             string  `json:"id"`
	CircuitState   string  `json:"circuit_state"`
	SuccessRate    float64 `json:"success_rate"`
	Observations   int     `json:"observations"`
	P50LatencyMs   int64   `json:"p50_latency_ms"`
	P95LatencyMs   int64   `json:"p95_latency_ms"`
	WindowCostUSD  float64 `json:"window_cost_usd"`
	LastTransition string  `json:"last_transition,omitempty"`
}

// EndpointHealth handles GET /v1/endpoints/health. Optional query params:
// tenant scopes the cost rollup, window_s bounds how far back to aggregate.
func (h *Handler) EndpointHealth(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenant := q.Get("tenant")
	var window time.Duration
	if s := q.Get("window_s"); s != "" {
		secs, err := strconv.Atoi(s)
		if err != nil || secs <= 0 {
			httputil.WriteBadRequestError(w, w.Header().Get("X-Request-ID"), "window_s must be a positive integer")
			return
		}
		window = time.Duration(secs) * time.Second
	}

	stats := h.health.Snapshot()
	out := make([]endpointHealth, 0, len(h.registry.IDs()))
	for _, id := range h.registry.IDs() {
		agg := h.ledger.Query(ledger.Query{Tenant: tenant, Endpoint: id, Window: window})
		row := endpointHealth{
			ID:            id,
			CircuitState:  health.StateClosed.String(),
			SuccessRate:   1,
			P50LatencyMs:  agg.P50Latency.Milliseconds(),
			P95LatencyMs:  agg.P95Latency.Milliseconds(),
			WindowCostUSD: agg.TotalCost,
		}
		if st, ok := stats[id]; ok {
			row.CircuitState = st.State.String()
			row.SuccessRate = st.SuccessRate
			row.Observations = st.Observations
			if !st.LastTransition.IsZero() {
				row.LastTransition = st.LastTransition.UTC().Format(time.RFC3339)
			}
		}
		out = append(out, row)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string][]endpointHealth{"endpoints": out})
}

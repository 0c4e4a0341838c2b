package swarm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/optfleet/hive-gateway/internal/config"
	"github.com/optfleet/hive-gateway/internal/router"
	"github.com/optfleet/hive-gateway/internal/telemetry"
	"github.com/optfleet/hive-gateway/internal/types"
)

// InsufficientQuorumError means fewer than quorum-many agents answered before
// the task deadline. Partial results travel with the error.
type InsufficientQuorumError struct {
	TaskID   string
	Received int
	Quorum   int
}

func (e *InsufficientQuorumError) Error() string {
	return fmt.Sprintf("swarm %s: %d of required %d results arrived", e.TaskID, e.Received, e.Quorum)
}

// Caller routes one call. Satisfied by *router.Router.
type Caller interface {
	Route(ctx context.Context, rc *types.RequestContext) (*types.Result, error)
}

var _ Caller = (*router.Router)(nil)

// Orchestrator fans a swarm task out to independently routed agent calls and
// reduces the answers through the consensus aggregator.
type Orchestrator struct {
	caller  Caller
	metrics *telemetry.Metrics
	config  func() *config.Config
}

func New(caller Caller, metrics *telemetry.Metrics, cfg func() *config.Config) *Orchestrator {
	return &Orchestrator{caller: caller, metrics: metrics, config: cfg}
}

// Execute runs the task: one routed call per agent spec, at most
// MaxConcurrency in flight at once, each bounded by the task deadline. The
// join waits for either all agents or the deadline, then hands whatever
// arrived to the aggregator, provided at least quorum-many succeeded.
func (o *Orchestrator) Execute(ctx context.Context, task *types.SwarmTask) (*types.ConsensusResult, error) {
	cfg := o.config()
	quorum := task.Quorum
	if quorum <= 0 {
		quorum = cfg.Swarm.DefaultQuorum
	}
	threshold := task.SimilarityThreshold
	if threshold <= 0 {
		threshold = cfg.Swarm.DefaultSimilarityThreshold
	}
	minAgreement := task.MinAgreement
	if minAgreement <= 0 {
		minAgreement = cfg.Swarm.DefaultMinAgreement
	}
	maxConcurrency := cfg.Swarm.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = len(task.Agents)
	}
	deadline := task.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(cfg.Routing.DefaultTimeout)
	}

	fanCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	results := make(chan types.AgentResult, len(task.Agents))
	sem := make(chan struct{}, maxConcurrency)
	for _, agent := range task.Agents {
		go func() {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-fanCtx.Done():
				results <- types.AgentResult{
					AgentID: agent.ID,
					Error:   "deadline expired before dispatch",
				}
				return
			}
			results <- o.callAgent(fanCtx, task, agent, deadline)
		}()
	}

	collected := make([]types.AgentResult, 0, len(task.Agents))
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
join:
	for len(collected) < len(task.Agents) {
		select {
		case r := <-results:
			collected = append(collected, r)
		case <-timer.C:
			// Stragglers are abandoned; their router calls record timeout
			// outcomes on their own.
			break join
		case <-ctx.Done():
			break join
		}
	}

	succeeded := 0
	for _, r := range collected {
		if r.Success {
			succeeded++
		}
	}
	if succeeded < quorum {
		if o.metrics != nil {
			o.metrics.RecordSwarm("insufficient_quorum", 0)
		}
		return &types.ConsensusResult{
				TaskID:       task.TaskID,
				Participants: succeeded,
				Results:      collected,
			}, &InsufficientQuorumError{
				TaskID:   task.TaskID,
				Received: succeeded,
				Quorum:   quorum,
			}
	}

	out, err := Aggregate(task.TaskID, collected, threshold, minAgreement)
	if o.metrics != nil {
		status := "ok"
		if err != nil {
			status = "low_agreement"
		}
		o.metrics.RecordSwarm(status, out.AgreementScore)
	}
	return out, err
}

// callAgent issues one routed call and normalizes the answer for consensus.
func (o *Orchestrator) callAgent(ctx context.Context, task *types.SwarmTask, agent types.AgentSpec, deadline time.Time) types.AgentResult {
	goal := agent.Goal
	if goal == "" {
		goal = types.GoalReliability
	}
	rc := &types.RequestContext{
		RequestID:      task.TaskID + "/" + agent.ID,
		Tenant:         task.Tenant,
		Capability:     task.Capability,
		Goal:           goal,
		Payload:        task.Payload,
		Deadline:       deadline,
		PreferEndpoint: agent.Endpoint,
		ReceivedAt:     time.Now(),
	}

	res, err := o.caller.Route(ctx, rc)
	if err != nil {
		slog.Warn("swarm agent call failed",
			"task_id", task.TaskID,
			"agent_id", agent.ID,
			"error", err,
		)
		return types.AgentResult{AgentID: agent.ID, Error: err.Error()}
	}
	return types.AgentResult{
		AgentID:  agent.ID,
		Endpoint: res.Endpoint,
		Payload:  res.Payload,
		Key:      NormalizeKey(res.Payload),
		Success:  true,
		Latency:  time.Duration(res.LatencyMs) * time.Millisecond,
	}
}

package types

import (
	"encoding/json"
	"time"
)

// Result is the response for a single routed call.
type Result struct {
	RequestID string          `json:"request_id"`
	Endpoint  string          `json:"endpoint"`
	Payload   json.RawMessage `json:"payload"`

	// Degraded is set when no endpoint was fully eligible and the router fell
	// back to the least-unhealthy one.
	Degraded  bool  `json:"degraded"`
	LatencyMs int64 `json:"latency_ms"`
}

// AgentSpec configures one member of a swarm. An empty Endpoint means the
// router chooses.
type AgentSpec struct {
	ID       string `json:"id"`
	Endpoint string `json:"endpoint,omitempty"`
	Goal     Goal   `json:"goal,omitempty"`
}

// SwarmTask fans one sub-problem out to several independently routed calls.
type SwarmTask struct {
	TaskID     string          `json:"task_id"`
	Tenant     string          `json:"tenant"`
	Capability string          `json:"capability"`
	Payload    json.RawMessage `json:"payload"`
	Agents     []AgentSpec     `json:"agents"`

	// Quorum is the minimum number of successful results required before
	// consensus is attempted.
	Quorum int `json:"quorum"`

	// SimilarityThreshold is the pairwise similarity two results need in
	// order to land in the same cluster.
	SimilarityThreshold float64 `json:"similarity_threshold"`

	// MinAgreement is the agreement score below which the consensus is
	// reported as low-agreement rather than silently picked.
	MinAgreement float64 `json:"min_agreement"`

	Deadline time.Time `json:"-"`
}

// AgentResult is one swarm member's outcome.
type AgentResult struct {
	AgentID  string          `json:"agent_id"`
	Endpoint string          `json:"endpoint"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Key      ComparisonKey   `json:"-"`
	Success  bool            `json:"success"`
	Error    string          `json:"error,omitempty"`
	Latency  time.Duration   `json:"-"`
}

// ConsensusResult is the merged answer for a swarm task.
type ConsensusResult struct {
	TaskID string          `json:"task_id"`
	Merged json.RawMessage `json:"merged,omitempty"`

	// Participants is the number of successful results consensus was scored
	// over. Missing or failed agents are excluded from the denominator.
	Participants   int     `json:"participants"`
	AgreementScore float64 `json:"agreement_score"`

	// QuorumMet is true only when quorum-many results arrived and the
	// agreement score reached the task minimum.
	QuorumMet  bool     `json:"quorum_met"`
	Dissenting []string `json:"dissenting,omitempty"`

	Results []AgentResult `json:"results,omitempty"`
}

// ComparisonKey is the normalized form of a result payload used for pairwise
// similarity. Exactly one of the shape fields is populated.
type ComparisonKey struct {
	Label   string
	Value   *float64
	Fields  []string
	Invalid bool
}

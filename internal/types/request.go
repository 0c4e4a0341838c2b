package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Goal is the optimization objective for endpoint selection.
type Goal string

const (
	GoalLatency     Goal = "latency"
	GoalCost        Goal = "cost"
	GoalReliability Goal = "reliability"
)

// ParseGoal validates a goal string from the wire.
func ParseGoal(s string) (Goal, error) {
	switch Goal(s) {
	case GoalLatency, GoalCost, GoalReliability:
		return Goal(s), nil
	case "":
		return GoalReliability, nil
	}
	return "", fmt.Errorf("unknown optimization goal: %q", s)
}

// RequestContext is the canonical internal representation of a single routed
// call. It is created once per inbound call and never mutated afterwards.
type RequestContext struct {
	RequestID  string          `json:"request_id"`
	Tenant     string          `json:"tenant"`
	Capability string          `json:"capability"`
	Goal       Goal            `json:"goal"`
	Payload    json.RawMessage `json:"payload"`
	Deadline   time.Time       `json:"-"`

	// PreferEndpoint pins the call to a specific endpoint when that endpoint
	// is eligible; the router falls back to normal selection otherwise.
	PreferEndpoint string `json:"prefer_endpoint,omitempty"`

	ReceivedAt time.Time `json:"-"`
}

// Deadline or the given fallback when no deadline was set.
func (rc *RequestContext) DeadlineOr(fallback time.Duration) time.Time {
	if rc.Deadline.IsZero() {
		return time.Now().Add(fallback)
	}
	return rc.Deadline
}

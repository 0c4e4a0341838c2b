package swarm

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/optfleet/hive-gateway/internal/types"
)

// LowAgreementError means quorum-many results arrived but no cluster of
// mutually similar answers reached the agreement minimum. The full result set
// travels with the error so the caller can escalate or retry with a larger
// swarm instead of silently picking a low-confidence answer.
type LowAgreementError struct {
	TaskID         string
	AgreementScore float64
	MinAgreement   float64
	Dissenting     []string
}

func (e *LowAgreementError) Error() string {
	return fmt.Sprintf("swarm %s: agreement %.2f below minimum %.2f (dissenting: %s)",
		e.TaskID, e.AgreementScore, e.MinAgreement, strings.Join(e.Dissenting, ", "))
}

// NormalizeKey derives the comparison key for a result payload. Three shapes
// are recognized: a classification label (bare JSON string or {"label": ...}),
// a numeric objective value (bare number or {"value": ...}), and a structured
// object compared by its field-name set. Anything unparseable gets an Invalid
// key, which matches nothing.
func NormalizeKey(payload json.RawMessage) types.ComparisonKey {
	var label string
	if err := json.Unmarshal(payload, &label); err == nil {
		return types.ComparisonKey{Label: label}
	}
	var value float64
	if err := json.Unmarshal(payload, &value); err == nil {
		return types.ComparisonKey{Value: &value}
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil || len(obj) == 0 {
		return types.ComparisonKey{Invalid: true}
	}
	if raw, ok := obj["label"]; ok && len(obj) == 1 {
		if err := json.Unmarshal(raw, &label); err == nil {
			return types.ComparisonKey{Label: label}
		}
	}
	if raw, ok := obj["value"]; ok && len(obj) == 1 {
		if err := json.Unmarshal(raw, &value); err == nil {
			return types.ComparisonKey{Value: &value}
		}
	}

	fields := make([]string, 0, len(obj))
	for k := range obj {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return types.ComparisonKey{Fields: fields}
}

// Similarity scores two comparison keys in [0,1]. Keys of different shapes
// never match.
func Similarity(a, b types.ComparisonKey) float64 {
	switch {
	case a.Invalid || b.Invalid:
		return 0
	case a.Label != "" || b.Label != "":
		if a.Label == b.Label {
			return 1
		}
		return 0
	case a.Value != nil && b.Value != nil:
		return numericSimilarity(*a.Value, *b.Value)
	case len(a.Fields) > 0 && len(b.Fields) > 0:
		return jaccard(a.Fields, b.Fields)
	default:
		return 0
	}
}

// numericSimilarity is 1 minus the relative difference, floored at 0. Two
// zeros are identical.
func numericSimilarity(a, b float64) float64 {
	if a == b {
		return 1
	}
	denom := math.Max(math.Abs(a), math.Abs(b))
	sim := 1 - math.Abs(a-b)/denom
	if sim < 0 {
		return 0
	}
	return sim
}

// jaccard is the set-overlap ratio of two sorted field-name slices.
func jaccard(a, b []string) float64 {
	inter := 0
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			inter++
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// Aggregate reduces successful agent results to one answer. It builds the
// largest cluster in which every pair scores at least threshold, takes the
// cluster fraction as the agreement score, and lists everyone outside the
// cluster as dissenting. Failed agents are excluded from the denominator.
func Aggregate(taskID string, results []types.AgentResult, threshold, minAgreement float64) (*types.ConsensusResult, error) {
	succ := make([]types.AgentResult, 0, len(results))
	for _, r := range results {
		if r.Success {
			succ = append(succ, r)
		}
	}
	// Seeds are visited in agent-id order so cluster selection is
	// deterministic regardless of arrival order.
	sort.Slice(succ, func(i, j int) bool { return succ[i].AgentID < succ[j].AgentID })

	cluster := largestCluster(succ, threshold)

	out := &types.ConsensusResult{
		TaskID:       taskID,
		Participants: len(succ),
		Results:      results,
	}
	if len(succ) == 0 {
		return out, &LowAgreementError{TaskID: taskID, MinAgreement: minAgreement}
	}

	out.AgreementScore = float64(len(cluster)) / float64(len(succ))
	out.Merged = merge(cluster).Payload

	inCluster := make(map[string]bool, len(cluster))
	for _, r := range cluster {
		inCluster[r.AgentID] = true
	}
	for _, r := range succ {
		if !inCluster[r.AgentID] {
			out.Dissenting = append(out.Dissenting, r.AgentID)
		}
	}

	if out.AgreementScore < minAgreement {
		return out, &LowAgreementError{
			TaskID:         taskID,
			AgreementScore: out.AgreementScore,
			MinAgreement:   minAgreement,
			Dissenting:     out.Dissenting,
		}
	}
	out.QuorumMet = true
	return out, nil
}

// largestCluster greedily grows a cluster around each seed in order,
// admitting a candidate only when it is similar to every current member, and
// keeps the biggest. Earlier seeds win ties.
func largestCluster(succ []types.AgentResult, threshold float64) []types.AgentResult {
	var best []types.AgentResult
	for i := range succ {
		cluster := []types.AgentResult{succ[i]}
		for j := range succ {
			if j == i {
				continue
			}
			ok := true
			for _, member := range cluster {
				if Similarity(member.Key, succ[j].Key) < threshold {
					ok = false
					break
				}
			}
			if ok {
				cluster = append(cluster, succ[j])
			}
		}
		if len(cluster) > len(best) {
			best = cluster
		}
	}
	return best
}

// merge picks the cluster representative: lowest observed latency, agent id
// as the final tie-break.
func merge(cluster []types.AgentResult) types.AgentResult {
	best := cluster[0]
	for _, r := range cluster[1:] {
		if r.Latency < best.Latency || (r.Latency == best.Latency && r.AgentID < best.AgentID) {
			best = r
		}
	}
	return best
}

package config

import "time"

// Endpoint tiers as declared in endpoint descriptors.
const (
	TierCostOptimized        = "cost-optimized"
	TierLatencyOptimized     = "latency-optimized"
	TierReliabilityOptimized = "reliability-optimized"
)

// EndpointsConfig is the endpoint descriptor catalog (endpoints.yaml).
type EndpointsConfig struct {
	Endpoints []EndpointDescriptor `yaml:"endpoints"`
}

// EndpointDescriptor declares one inference endpoint's profile.
type EndpointDescriptor struct {
	ID           string   `yaml:"id"`
	Region       string   `yaml:"region"`
	Tier         string   `yaml:"tier"`
	CostPerUnit  float64  `yaml:"cost_per_unit"`
	Capabilities []string `yaml:"capabilities"`

	BaseURL       string        `yaml:"base_url"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxConcurrent int           `yaml:"max_concurrent"`
}

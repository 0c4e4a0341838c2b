package entitlement

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"

	"github.com/optfleet/hive-gateway/internal/config"
)

// Input is the data sent to OPA when deciding whether a tenant may route to
// an endpoint tier.
type Input struct {
	Tenant     string `json:"tenant"`
	Tier       string `json:"tier"`
	Region     string `json:"region"`
	Capability string `json:"capability"`
}

// Evaluator gates endpoint candidates by tenant tier entitlement. With no
// policies loaded every candidate is allowed; once policies are active,
// evaluation errors fail closed.
type Evaluator struct {
	mu       sync.RWMutex
	prepared *rego.PreparedEvalQuery
	cfg      func() config.EntitlementConfig
}

// NewEvaluator creates an entitlement evaluator. Call Load() to compile policies.
func NewEvaluator(cfg func() config.EntitlementConfig) *Evaluator {
	return &Evaluator{cfg: cfg}
}

// Load compiles Rego modules from the bundle path.
func (e *Evaluator) Load() error {
	cfg := e.cfg()
	if !cfg.Enabled {
		return nil
	}
	modules, err := LoadRegoFiles(cfg.BundlePath)
	if err != nil {
		return fmt.Errorf("load rego files: %w", err)
	}
	if len(modules) == 0 {
		slog.Warn("no rego files found", "path", cfg.BundlePath)
		return nil
	}
	return e.LoadFromModules(modules)
}

// LoadFromModules compiles policies from provided module sources (useful for testing).
func (e *Evaluator) LoadFromModules(modules map[string]string) error {
	r := rego.New(
		rego.Query("data.hive.entitlement.allow"),
		func() func(*rego.Rego) {
			mods := make([]func(*rego.Rego), 0, len(modules))
			for name, src := range modules {
				mods = append(mods, rego.Module(name, src))
			}
			return func(r *rego.Rego) {
				for _, m := range mods {
					m(r)
				}
			}
		}(),
	)

	prepared, err := r.PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("prepare rego: %w", err)
	}

	e.mu.Lock()
	e.prepared = &prepared
	e.mu.Unlock()

	slog.Info("entitlement policies loaded", "modules", len(modules))
	return nil
}

// Allowed reports whether the tenant may route to the given tier.
func (e *Evaluator) Allowed(ctx context.Context, in Input) bool {
	e.mu.RLock()
	prepared := e.prepared
	e.mu.RUnlock()

	if prepared == nil {
		// No policies loaded: every tier is entitled.
		return true
	}

	cfg := e.cfg()
	timeout := cfg.EvaluationTimeout
	if timeout == 0 {
		timeout = 100 * time.Millisecond
	}

	evalCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results, err := prepared.Eval(evalCtx, rego.EvalInput(in))
	if err != nil {
		slog.Error("entitlement evaluation failed", "tenant", in.Tenant, "error", err)
		// Fail closed
		return false
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false
	}
	allowed, _ := results[0].Expressions[0].Value.(bool)
	return allowed
}

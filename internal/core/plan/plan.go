// Package plan computes the start plan for a stack: which order services
// start in, and which readiness gates each start waits behind.
package plan

import (
	"github.com/upstack-io/upstack/internal/core/probe"
	"github.com/upstack-io/upstack/internal/core/stack"
)

// =============================================================================
// Start Plan Types
// =============================================================================

// Gate is a readiness condition one service start waits behind.
type Gate struct {
	// Service is the dependency that must reach the condition.
	Service string `json:"service"`
	// Condition is the readiness state required of the dependency.
	Condition stack.Condition `json:"condition"`
	// Policy is the bounded polling policy for service_healthy and
	// service_completed_successfully gates, derived from the dependency's
	// health check declaration.
	Policy probe.Policy `json:"policy"`
}

// Step is one service start in the plan, with the gates that must clear
// before the container may be started.
type Step struct {
	Service stack.Service `json:"service"`
	Gates   []Gate        `json:"gates,omitempty"`
}

// StartPlan is the ordered sequence of service starts for a stack.
type StartPlan struct {
	Steps []Step `json:"steps"`
}

// ServiceNames returns the planned start order.
func (p *StartPlan) ServiceNames() []string {
	names := make([]string, 0, len(p.Steps))
	for _, s := range p.Steps {
		names = append(names, s.Service.Name)
	}
	return names
}

// =============================================================================
// Planning
// =============================================================================

// Build computes the start plan for a stack: services in topological order,
// each annotated with the gates its depends_on edges impose. Health-gated and
// completion-gated edges carry the probe policy of the dependency so the
// runner knows how long it may poll before giving up.
func Build(st *stack.Stack) *StartPlan {
	ordered := TopologicalSort(st.Services)

	p := &StartPlan{Steps: make([]Step, 0, len(ordered))}
	for _, svc := range ordered {
		step := Step{Service: svc}
		for _, dep := range svc.DependsOn {
			gate := Gate{
				Service:   dep.Service,
				Condition: dep.Condition,
			}
			switch dep.Condition {
			case stack.ConditionHealthy, stack.ConditionCompleted:
				if target := st.Service(dep.Service); target != nil {
					gate.Policy = probe.PolicyFrom(target.HealthCheck)
				} else {
					gate.Policy = probe.DefaultPolicy()
				}
			}
			step.Gates = append(step.Gates, gate)
		}
		p.Steps = append(p.Steps, step)
	}
	return p
}

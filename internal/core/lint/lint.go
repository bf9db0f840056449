// Package lint contains pure structural checks for deployment descriptors.
// Each check maps one descriptor property to zero or more findings.
package lint

import (
	"fmt"
	"strings"

	"github.com/upstack-io/upstack/internal/core/envfile"
	"github.com/upstack-io/upstack/internal/core/probe"
	"github.com/upstack-io/upstack/internal/core/stack"
)

// =============================================================================
// Finding Types
// =============================================================================

// Severity classifies a finding.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Rule identifiers, stable for machine consumption.
const (
	RuleHostPortCollision  = "host-port-collision"
	RuleGateWithoutProbe   = "gate-without-probe"
	RuleProbeCredentials   = "probe-credentials"
	RuleUnpinnedImage      = "unpinned-image"
	RuleEnvFileMissing     = "env-file-missing"
)

// Finding is a single lint result.
type Finding struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Field    string   `json:"field"`
	Message  string   `json:"message"`
}

// Findings is a list of lint results.
type Findings []Finding

// Errors returns only the error-severity findings.
func (f Findings) Errors() Findings {
	var out Findings
	for _, finding := range f {
		if finding.Severity == SeverityError {
			out = append(out, finding)
		}
	}
	return out
}

// HasErrors reports whether any finding is an error.
func (f Findings) HasErrors() bool {
	return len(f.Errors()) > 0
}

// =============================================================================
// Lint Entry Point
// =============================================================================

// Input bundles a parsed stack with the environment files it references.
// EnvVars maps env file path to the variables parsed from it; a referenced
// path absent from the map is reported as a finding.
type Input struct {
	Stack   *stack.Stack
	EnvVars map[string]map[string]string
}

// Lint runs all checks against a descriptor and returns the findings,
// grouped by check in declaration order.
func Lint(in Input) Findings {
	var findings Findings
	findings = append(findings, CheckHostPorts(in.Stack)...)
	findings = append(findings, CheckGates(in.Stack)...)
	findings = append(findings, CheckProbeCredentials(in.Stack, in.EnvVars)...)
	findings = append(findings, CheckImagePins(in.Stack)...)
	return findings
}

// =============================================================================
// Checks
// =============================================================================

// CheckHostPorts reports host ports published by more than one service.
// Two services cannot both bind the same host port on the same protocol.
func CheckHostPorts(st *stack.Stack) Findings {
	type claim struct {
		service string
		field   string
	}
	claimed := make(map[string]claim)

	var findings Findings
	for _, svc := range st.Services {
		for i, p := range svc.Ports {
			if p.Published == 0 {
				continue // dynamically assigned, cannot collide
			}
			proto := p.Protocol
			if proto == "" {
				proto = "tcp"
			}
			key := fmt.Sprintf("%s/%d/%s", p.HostIP, p.Published, proto)
			field := fmt.Sprintf("services.%s.ports[%d]", svc.Name, i)
			if prev, ok := claimed[key]; ok {
				findings = append(findings, Finding{
					Rule:     RuleHostPortCollision,
					Severity: SeverityError,
					Field:    field,
					Message:  fmt.Sprintf("host port %d/%s already published by service %q (%s)", p.Published, proto, prev.service, prev.field),
				})
				continue
			}
			claimed[key] = claim{service: svc.Name, field: field}
		}
	}
	return findings
}

// CheckGates reports service_healthy gates whose target declares no health
// check: the orchestrator could never observe the dependency becoming healthy.
func CheckGates(st *stack.Stack) Findings {
	var findings Findings
	for _, svc := range st.Services {
		for _, dep := range svc.DependsOn {
			if dep.Condition != stack.ConditionHealthy {
				continue
			}
			target := st.Service(dep.Service)
			if target == nil {
				continue // parser reports unknown targets
			}
			if target.HealthCheck == nil || len(target.HealthCheck.Test) == 0 {
				findings = append(findings, Finding{
					Rule:     RuleGateWithoutProbe,
					Severity: SeverityError,
					Field:    fmt.Sprintf("services.%s.depends_on.%s", svc.Name, dep.Service),
					Message:  fmt.Sprintf("condition service_healthy requires service %q to declare a healthcheck", dep.Service),
				})
			}
		}
	}
	return findings
}

// CheckProbeCredentials verifies that every variable a health check command
// references is satisfiable from the service's environment: its env files
// plus inline environment. A probe that interpolates an unset credential
// will never pass.
func CheckProbeCredentials(st *stack.Stack, envVars map[string]map[string]string) Findings {
	var findings Findings
	for _, svc := range st.Services {
		if svc.HealthCheck == nil || len(svc.HealthCheck.Test) == 0 {
			continue
		}

		available := make(map[string]string)
		for _, path := range svc.EnvFiles {
			vars, ok := envVars[path]
			if !ok {
				findings = append(findings, Finding{
					Rule:     RuleEnvFileMissing,
					Severity: SeverityError,
					Field:    fmt.Sprintf("services.%s.env_file", svc.Name),
					Message:  fmt.Sprintf("referenced env file %q was not provided", path),
				})
				continue
			}
			for k, v := range vars {
				available[k] = v
			}
		}
		for k, v := range svc.Environment {
			available[k] = v
		}

		wanted := probe.Credentials(svc.HealthCheck.Test)
		for _, name := range envfile.MissingKeys(available, wanted) {
			findings = append(findings, Finding{
				Rule:     RuleProbeCredentials,
				Severity: SeverityError,
				Field:    fmt.Sprintf("services.%s.healthcheck.test", svc.Name),
				Message:  fmt.Sprintf("healthcheck references %s which is not set by the service environment or env files", name),
			})
		}
	}
	return findings
}

// CheckImagePins flags images that float: untagged or tagged :latest.
func CheckImagePins(st *stack.Stack) Findings {
	var findings Findings
	for _, svc := range st.Services {
		if svc.Image == "" {
			continue // built from context
		}
		tag := imageTag(svc.Image)
		if tag == "" || tag == "latest" {
			findings = append(findings, Finding{
				Rule:     RuleUnpinnedImage,
				Severity: SeverityWarning,
				Field:    fmt.Sprintf("services.%s.image", svc.Name),
				Message:  fmt.Sprintf("image %q is not pinned to a version", svc.Image),
			})
		}
	}
	return findings
}

// imageTag extracts the tag from an image reference, "" if untagged.
// A colon inside the last path segment separates the tag; digests pin too.
func imageTag(image string) string {
	if i := strings.LastIndex(image, "@"); i >= 0 {
		return image[i+1:] // digest-pinned
	}
	slash := strings.LastIndex(image, "/")
	colon := strings.LastIndex(image, ":")
	if colon > slash {
		return image[colon+1:]
	}
	return ""
}

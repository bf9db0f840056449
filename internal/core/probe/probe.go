// Package probe provides pure functions for health probe policy and
// command rendering. No I/O happens here; executing probes is the shell's job.
package probe

import (
	"errors"
	"strings"
	"time"

	"github.com/upstack-io/upstack/internal/core/envfile"
	"github.com/upstack-io/upstack/internal/core/stack"
)

// =============================================================================
// Errors
// =============================================================================

var (
	ErrNoTest       = errors.New("health check has no test command")
	ErrTestDisabled = errors.New("health check is disabled")
	ErrUnknownForm  = errors.New("unknown health check test form")
)

// =============================================================================
// Policy
// =============================================================================

// Compose defaults for unset health check fields.
const (
	DefaultInterval    = 30 * time.Second
	DefaultTimeout     = 30 * time.Second
	DefaultRetries     = 3
	DefaultStartPeriod = 0 * time.Second
)

// Policy is the bounded polling policy for a health probe: poll every
// Interval, each attempt bounded by Timeout, up to Retries consecutive
// failures before the service is declared unhealthy.
type Policy struct {
	Interval    time.Duration `json:"interval"`
	Timeout     time.Duration `json:"timeout"`
	Retries     int           `json:"retries"`
	StartPeriod time.Duration `json:"start_period"`
}

// DefaultPolicy returns the compose-default probe policy.
func DefaultPolicy() Policy {
	return Policy{
		Interval:    DefaultInterval,
		Timeout:     DefaultTimeout,
		Retries:     DefaultRetries,
		StartPeriod: DefaultStartPeriod,
	}
}

// PolicyFrom derives a Policy from a descriptor health check, filling
// unset fields with compose defaults.
func PolicyFrom(hc *stack.HealthCheck) Policy {
	p := DefaultPolicy()
	if hc == nil {
		return p
	}
	if hc.Interval > 0 {
		p.Interval = hc.Interval
	}
	if hc.Timeout > 0 {
		p.Timeout = hc.Timeout
	}
	if hc.Retries > 0 {
		p.Retries = hc.Retries
	}
	if hc.StartPeriod > 0 {
		p.StartPeriod = hc.StartPeriod
	}
	return p
}

// Budget returns the maximum time a gate may wait for this probe:
// the start period plus one interval-spaced attempt per retry.
func (p Policy) Budget() time.Duration {
	return p.StartPeriod + time.Duration(p.Retries)*(p.Interval+p.Timeout)
}

// =============================================================================
// Command Rendering
// =============================================================================

// Render resolves a health check test into an executable argv, interpolating
// variable placeholders from the given environment.
//
// Forms follow the compose convention:
//   - ["CMD", ...]       - exec form, returned as-is after interpolation
//   - ["CMD-SHELL", cmd] - shell form, wrapped in /bin/sh -c
//   - ["NONE"]           - probe disabled
func Render(test []string, env map[string]string) ([]string, error) {
	if len(test) == 0 {
		return nil, ErrNoTest
	}

	switch test[0] {
	case "NONE":
		return nil, ErrTestDisabled
	case "CMD":
		if len(test) < 2 {
			return nil, ErrNoTest
		}
		argv := make([]string, 0, len(test)-1)
		for _, arg := range test[1:] {
			argv = append(argv, envfile.Substitute(arg, env))
		}
		return argv, nil
	case "CMD-SHELL":
		if len(test) < 2 {
			return nil, ErrNoTest
		}
		return []string{"/bin/sh", "-c", envfile.Substitute(test[1], env)}, nil
	default:
		return nil, ErrUnknownForm
	}
}

// CommandLine renders a health check test to a single display string,
// e.g. "mysqladmin ping -h localhost -u u -pp".
func CommandLine(test []string, env map[string]string) (string, error) {
	argv, err := Render(test, env)
	if err != nil {
		return "", err
	}
	if argv[0] == "/bin/sh" && len(argv) == 3 && argv[1] == "-c" {
		return argv[2], nil
	}
	return strings.Join(argv, " "), nil
}

// Credentials returns the variable names referenced by a health check test.
// Used to cross-check the probe against the env file it draws from.
func Credentials(test []string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, arg := range test {
		for _, ref := range envfile.References(arg) {
			if !seen[ref] {
				seen[ref] = true
				names = append(names, ref)
			}
		}
	}
	return names
}

// =============================================================================
// Health Evaluation
// =============================================================================

// Health is the readiness state of a probed service.
type Health string

const (
	HealthStarting  Health = "starting"
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
	HealthUnknown   Health = "unknown"
)

// Evaluate maps a probe attempt history to a health state: one success is
// healthy, fewer consecutive failures than the retry budget is still
// starting, and an exhausted budget is unhealthy.
func Evaluate(p Policy, consecutiveFailures int, succeeded bool) Health {
	if succeeded {
		return HealthHealthy
	}
	if consecutiveFailures >= p.Retries {
		return HealthUnhealthy
	}
	return HealthStarting
}

// Aggregate determines overall stack health from per-service states.
func Aggregate(states []Health) Health {
	if len(states) == 0 {
		return HealthUnknown
	}

	unhealthy := 0
	pending := 0
	for _, s := range states {
		switch s {
		case HealthUnhealthy:
			unhealthy++
		case HealthStarting, HealthUnknown:
			pending++
		}
	}

	if unhealthy == len(states) {
		return HealthUnhealthy
	}
	if unhealthy > 0 {
		return HealthUnhealthy
	}
	if pending > 0 {
		return HealthStarting
	}
	return HealthHealthy
}

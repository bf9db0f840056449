// Package run holds the domain model for a stack run: one invocation of
// bringing a descriptor's services up, with its lifecycle state machine.
package run

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/upstack-io/upstack/internal/core/probe"
)

// =============================================================================
// Errors
// =============================================================================

var (
	ErrInvalidTransition = errors.New("invalid status transition")
)

// =============================================================================
// Run Status
// =============================================================================

type Status string

const (
	StatusPending  Status = "pending"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusFailed   Status = "failed"
)

// validTransitions defines the allowed state transitions.
var validTransitions = map[Status][]Status{
	StatusPending:  {StatusStarting},
	StatusStarting: {StatusRunning, StatusFailed},
	StatusRunning:  {StatusStopping, StatusFailed},
	StatusStopping: {StatusStopped, StatusFailed},
	StatusStopped:  {StatusStarting},
	StatusFailed:   {StatusStarting},
}

// ValidateTransition checks if a status transition is valid.
func ValidateTransition(from, to Status) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return ErrInvalidTransition
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return ErrInvalidTransition
}

// =============================================================================
// Service State
// =============================================================================

// ServiceState is the observed state of one service within a run.
type ServiceState struct {
	Name        string       `json:"name"`
	ContainerID string       `json:"container_id,omitempty"`
	Status      string       `json:"status,omitempty"` // engine status: created, running, exited...
	Health      probe.Health `json:"health,omitempty"`
	ExitCode    int          `json:"exit_code,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// =============================================================================
// Run
// =============================================================================

// Run represents one invocation of bringing a stack up.
type Run struct {
	ID        string         `json:"id"`
	StackName string         `json:"stack_name"`
	Status    Status         `json:"status"`
	Services  []ServiceState `json:"services,omitempty"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	StartedAt *time.Time     `json:"started_at,omitempty"`
	StoppedAt *time.Time     `json:"stopped_at,omitempty"`
}

// New creates a pending run for the named stack.
func New(stackName string) *Run {
	now := time.Now().UTC()
	return &Run{
		ID:        uuid.New().String(),
		StackName: stackName,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transition attempts to move the run to a new status.
func (r *Run) Transition(to Status) error {
	if err := ValidateTransition(r.Status, to); err != nil {
		return err
	}

	r.Status = to
	r.UpdatedAt = time.Now().UTC()

	// Clear error on retry
	if to == StatusStarting {
		r.Error = ""
	}

	if to == StatusRunning {
		now := time.Now().UTC()
		r.StartedAt = &now
	}
	if to == StatusStopped {
		now := time.Now().UTC()
		r.StoppedAt = &now
	}

	return nil
}

// Fail transitions to failed with an error message.
// A run can fail while starting, running or stopping.
func (r *Run) Fail(message string) error {
	switch r.Status {
	case StatusStarting, StatusRunning, StatusStopping:
		r.Status = StatusFailed
		r.Error = message
		r.UpdatedAt = time.Now().UTC()
		return nil
	default:
		return ErrInvalidTransition
	}
}

// Health returns the aggregate health of the run's probed services: any
// unhealthy service makes the run unhealthy, a service still starting keeps
// it starting. Services without a probe report no health and do not
// contribute; a run with no probed services is unknown.
func (r *Run) Health() probe.Health {
	states := make([]probe.Health, 0, len(r.Services))
	for _, s := range r.Services {
		if s.Health == "" {
			continue
		}
		states = append(states, s.Health)
	}
	return probe.Aggregate(states)
}

// Service returns the state entry for a named service, nil if absent.
func (r *Run) Service(name string) *ServiceState {
	for i := range r.Services {
		if r.Services[i].Name == name {
			return &r.Services[i]
		}
	}
	return nil
}

// SetService records or replaces the state entry for a service.
func (r *Run) SetService(state ServiceState) {
	for i := range r.Services {
		if r.Services[i].Name == state.Name {
			r.Services[i] = state
			return
		}
	}
	r.Services = append(r.Services, state)
}

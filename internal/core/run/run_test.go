package run

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upstack-io/upstack/internal/core/probe"
)

func TestNew(t *testing.T) {
	r := New("invoicer")
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, "invoicer", r.StackName)
	assert.Equal(t, StatusPending, r.Status)
	assert.False(t, r.CreatedAt.IsZero())
}

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusStarting, true},
		{StatusStarting, StatusRunning, true},
		{StatusStarting, StatusFailed, true},
		{StatusRunning, StatusStopping, true},
		{StatusStopping, StatusStopped, true},
		{StatusStopped, StatusStarting, true},
		{StatusFailed, StatusStarting, true},
		{StatusPending, StatusRunning, false},
		{StatusStopped, StatusStopping, false},
		{StatusRunning, StatusPending, false},
		{Status("bogus"), StatusRunning, false},
	}

	for _, tt := range tests {
		err := ValidateTransition(tt.from, tt.to)
		if tt.ok {
			assert.NoError(t, err, "%s -> %s", tt.from, tt.to)
		} else {
			assert.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", tt.from, tt.to)
		}
	}
}

func TestRun_Lifecycle(t *testing.T) {
	r := New("invoicer")

	require.NoError(t, r.Transition(StatusStarting))
	require.NoError(t, r.Transition(StatusRunning))
	require.NotNil(t, r.StartedAt)

	require.NoError(t, r.Transition(StatusStopping))
	require.NoError(t, r.Transition(StatusStopped))
	require.NotNil(t, r.StoppedAt)

	// Restart clears the slate
	require.NoError(t, r.Transition(StatusStarting))
	assert.Empty(t, r.Error)
}

func TestRun_Fail(t *testing.T) {
	r := New("invoicer")
	require.NoError(t, r.Transition(StatusStarting))

	require.NoError(t, r.Fail("db never became healthy"))
	assert.Equal(t, StatusFailed, r.Status)
	assert.Equal(t, "db never became healthy", r.Error)

	// Retry after failure clears the error
	require.NoError(t, r.Transition(StatusStarting))
	assert.Empty(t, r.Error)

	// Cannot fail a pending run
	fresh := New("x")
	assert.ErrorIs(t, fresh.Fail("nope"), ErrInvalidTransition)
}

func TestRun_ServiceState(t *testing.T) {
	r := New("invoicer")
	assert.Nil(t, r.Service("db"))

	r.SetService(ServiceState{Name: "db", Status: "running", Health: probe.HealthStarting})
	r.SetService(ServiceState{Name: "app", Status: "created"})
	require.Len(t, r.Services, 2)

	r.SetService(ServiceState{Name: "db", Status: "running", Health: probe.HealthHealthy})
	require.Len(t, r.Services, 2)

	db := r.Service("db")
	require.NotNil(t, db)
	assert.Equal(t, probe.HealthHealthy, db.Health)
}

func TestRun_Health(t *testing.T) {
	r := New("invoicer")
	assert.Equal(t, probe.HealthUnknown, r.Health())

	// app has no probe and never contributes
	r.SetService(ServiceState{Name: "app", Status: "running"})
	assert.Equal(t, probe.HealthUnknown, r.Health())

	r.SetService(ServiceState{Name: "db", Status: "running", Health: probe.HealthStarting})
	assert.Equal(t, probe.HealthStarting, r.Health())

	r.SetService(ServiceState{Name: "db", Status: "running", Health: probe.HealthHealthy})
	assert.Equal(t, probe.HealthHealthy, r.Health())

	r.SetService(ServiceState{Name: "cache", Status: "running", Health: probe.HealthUnhealthy})
	assert.Equal(t, probe.HealthUnhealthy, r.Health())
}

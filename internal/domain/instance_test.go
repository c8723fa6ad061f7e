package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateTransitionClosure(t *testing.T) {
	allStates := []InstanceStatus{StatusCreated, StatusReady, StatusRunning, StatusWarm, StatusSleeping, StatusStopped, StatusDestroyed}
	for _, s := range allStates {
		assert.NoError(t, ValidateTransition(s, StatusDestroyed), "Destroyed must be reachable from %s", s)
	}

	cases := []struct {
		from, to InstanceStatus
		ok       bool
	}{
		{StatusCreated, StatusReady, true},
		{StatusReady, StatusRunning, true},
		{StatusReady, StatusReady, true},
		{StatusRunning, StatusWarm, true},
		{StatusRunning, StatusStopped, true},
		{StatusWarm, StatusRunning, true},
		{StatusWarm, StatusSleeping, true},
		{StatusWarm, StatusStopped, true},
		{StatusSleeping, StatusRunning, true},
		{StatusSleeping, StatusStopped, true},
		{StatusStopped, StatusRunning, true},
		{StatusCreated, StatusRunning, false},
		{StatusRunning, StatusSleeping, false},
		{StatusSleeping, StatusWarm, false},
		{StatusStopped, StatusWarm, false},
	}
	for _, c := range cases {
		err := ValidateTransition(c.from, c.to)
		if c.ok {
			assert.NoErrorf(t, err, "%s -> %s should be allowed", c.from, c.to)
		} else {
			assert.Errorf(t, err, "%s -> %s should be rejected", c.from, c.to)
		}
	}
}

func TestIsActive(t *testing.T) {
	i := &Instance{Status: StatusRunning}
	assert.True(t, i.IsActive())
	i.Status = StatusWarm
	assert.True(t, i.IsActive())
	i.Status = StatusSleeping
	assert.False(t, i.IsActive())
}

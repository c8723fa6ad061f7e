package sleeppolicy

import (
	"testing"

	"github.com/mvm-project/mvm/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestEvaluateRunningToWarm(t *testing.T) {
	th := DefaultThresholds()
	instances := []*domain.Instance{
		{ID: "i-1", Status: domain.StatusRunning, Idle: domain.IdleMetrics{IdleSeconds: 400, CPUPercent: 1, NetBytes: 0}},
		{ID: "i-2", Status: domain.StatusRunning, Idle: domain.IdleMetrics{IdleSeconds: 400, CPUPercent: 50, NetBytes: 0}}, // too busy
		{ID: "i-3", Status: domain.StatusRunning, Idle: domain.IdleMetrics{IdleSeconds: 10}},                              // not idle enough
	}
	recs := Evaluate(instances, th)
	assert.Len(t, recs, 1)
	assert.Equal(t, "i-1", recs[0].InstanceID)
	assert.Equal(t, ActionWarm, recs[0].Action)
}

func TestEvaluateSortedColdestFirst(t *testing.T) {
	th := DefaultThresholds()
	instances := []*domain.Instance{
		{ID: "warm-short", Status: domain.StatusWarm, Idle: domain.IdleMetrics{IdleSeconds: 1000}},
		{ID: "warm-long", Status: domain.StatusWarm, Idle: domain.IdleMetrics{IdleSeconds: 5000}},
	}
	recs := Evaluate(instances, th)
	assert.Len(t, recs, 2)
	assert.Equal(t, "warm-long", recs[0].InstanceID)
	assert.Equal(t, "warm-short", recs[1].InstanceID)
}

func TestEvaluateUnderPressureCap(t *testing.T) {
	th := DefaultThresholds()
	instances := []*domain.Instance{
		{ID: "a", Status: domain.StatusWarm, Idle: domain.IdleMetrics{IdleSeconds: 3000}},
		{ID: "b", Status: domain.StatusWarm, Idle: domain.IdleMetrics{IdleSeconds: 2000}},
		{ID: "c", Status: domain.StatusWarm, Idle: domain.IdleMetrics{IdleSeconds: 1000}},
	}
	recs := EvaluateUnderPressure(instances, th, 2)
	assert.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].InstanceID)
	assert.Equal(t, "b", recs[1].InstanceID)
}

// Package sleeppolicy evaluates per-instance idle metrics and
// recommends Warm/Sleep transitions. Grounded on the teacher's
// internal/pool/pool_lifecycle.go tiered-eviction idea (Active->Idle->
// Suspended->Destroyed), generalized to the spec's exact two-tier
// Running->Warm->Sleeping thresholds.
package sleeppolicy

import (
	"sort"

	"github.com/mvm-project/mvm/internal/domain"
)

// Action is the closed set of sleep-policy recommendations.
type Action string

const (
	ActionNone Action = "None"
	ActionWarm Action = "Warm"
	ActionSleep Action = "Sleep"
)

// Thresholds parameterizes the policy; defaults match spec.md §4.8.
type Thresholds struct {
	WarmIdleSeconds  int64
	SleepIdleSeconds int64
	MaxCPUPercent    float64
	MaxNetBytes      int64
}

// DefaultThresholds returns the spec's stated defaults: 300s/900s,
// cpu<5%, net<1024B.
func DefaultThresholds() Thresholds {
	return Thresholds{WarmIdleSeconds: 300, SleepIdleSeconds: 900, MaxCPUPercent: 5, MaxNetBytes: 1024}
}

// Recommendation is one non-None decision for an instance.
type Recommendation struct {
	InstanceID string
	Action     Action
	IdleSeconds int64
}

// Evaluate computes recommendations for every instance in a non-pinned,
// non-critical pool, returned sorted by idle seconds descending
// (coldest first).
func Evaluate(instances []*domain.Instance, th Thresholds) []Recommendation {
	var out []Recommendation
	for _, inst := range instances {
		action := evaluateOne(inst, th)
		if action == ActionNone {
			continue
		}
		out = append(out, Recommendation{InstanceID: inst.ID, Action: action, IdleSeconds: inst.Idle.IdleSeconds})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IdleSeconds > out[j].IdleSeconds })
	return out
}

func evaluateOne(inst *domain.Instance, th Thresholds) Action {
	switch inst.Status {
	case domain.StatusRunning:
		if inst.Idle.IdleSeconds >= th.WarmIdleSeconds && inst.Idle.CPUPercent < th.MaxCPUPercent && inst.Idle.NetBytes < th.MaxNetBytes {
			return ActionWarm
		}
	case domain.StatusWarm:
		if inst.Idle.IdleSeconds >= th.SleepIdleSeconds {
			return ActionSleep
		}
	}
	return ActionNone
}

// EvaluateUnderPressure returns the same ordering truncated to cap,
// for use when the caller (memory-pressure-aware reconcile) needs to
// act on only the coldest N instances.
func EvaluateUnderPressure(instances []*domain.Instance, th Thresholds, cap int) []Recommendation {
	recs := Evaluate(instances, th)
	if cap >= 0 && len(recs) > cap {
		return recs[:cap]
	}
	return recs
}

// EligiblePools filters out pinned/critical pools before sleep-policy
// evaluation is applied to their instances.
func EligiblePools(pools []*domain.Pool) []*domain.Pool {
	var out []*domain.Pool
	for _, p := range pools {
		if p.Pinned || p.Critical {
			continue
		}
		out = append(out, p)
	}
	return out
}

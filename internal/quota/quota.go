// Package quota implements the pre-transition quota check and cgroup-v2
// resource caps. Grounded on the original_source tenant quota module's
// compute_tenant_usage/check_quota exact semantics.
package quota

import (
	"fmt"

	"github.com/mvm-project/mvm/internal/domain"
)

// Usage is the current resource consumption for a tenant, computed by
// scanning all persisted instances.
type Usage struct {
	VCPUs   int
	MemMiB  int
	Running int
	Warm    int
}

// ComputeTenantUsage sums vCPUs and memory for Running+Warm instances and
// counts the Running and the Warm ones, across all of the tenant's pools.
func ComputeTenantUsage(instances []*domain.Instance) Usage {
	var u Usage
	for _, i := range instances {
		switch i.Status {
		case domain.StatusRunning:
			u.Running++
			u.VCPUs += int(i.Resources.VCPUs)
			u.MemMiB += int(i.Resources.MemMiB)
		case domain.StatusWarm:
			u.Warm++
			u.VCPUs += int(i.Resources.VCPUs)
			u.MemMiB += int(i.Resources.MemMiB)
		}
	}
	return u
}

// Violation distinguishes which dimension of the quota was exceeded.
type Violation struct {
	VCPUsExceeded   bool
	MemExceeded     bool
	CountExceeded   bool
	Usage           Usage
	Quota           domain.TenantQuota
}

func (v *Violation) Error() string {
	return fmt.Sprintf("quota exceeded: vcpus=%v mem=%v count=%v (usage=%+v quota=%+v)", v.VCPUsExceeded, v.MemExceeded, v.CountExceeded, v.Usage, v.Quota)
}

// CheckQuota reports whether adding one instance of the given resources
// (going to Running if toRunning, else Warm) would exceed the tenant's
// quota. Monotone: if adding (vcpus, memMiB) already fails, any larger
// (vcpus', memMiB') also fails, since usage only grows with the inputs.
func CheckQuota(q domain.TenantQuota, usage Usage, addVCPUs int, addMemMiB int, toRunning bool) error {
	v := &Violation{Usage: usage, Quota: q}
	newVCPUs := usage.VCPUs + addVCPUs
	newMem := usage.MemMiB + addMemMiB
	if newVCPUs > q.MaxVCPUs {
		v.VCPUsExceeded = true
	}
	if newMem > q.MaxMemMiB {
		v.MemExceeded = true
	}
	if toRunning && usage.Running+1 > q.MaxRunning {
		v.CountExceeded = true
	}
	if !toRunning && usage.Warm+1 > q.MaxWarm {
		v.CountExceeded = true
	}
	if v.VCPUsExceeded || v.MemExceeded || v.CountExceeded {
		return domain.WrapError(domain.KindQuotaExceeded, v, "tenant quota check failed")
	}
	return nil
}

package quota

import (
	"testing"

	"github.com/mvm-project/mvm/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestComputeTenantUsage(t *testing.T) {
	instances := []*domain.Instance{
		{Status: domain.StatusRunning, Resources: domain.Resources{VCPUs: 2, MemMiB: 1024}},
		{Status: domain.StatusWarm, Resources: domain.Resources{VCPUs: 1, MemMiB: 512}},
		{Status: domain.StatusStopped, Resources: domain.Resources{VCPUs: 4, MemMiB: 4096}},
	}
	u := ComputeTenantUsage(instances)
	assert.Equal(t, 3, u.VCPUs)
	assert.Equal(t, 1536, u.MemMiB)
	assert.Equal(t, 1, u.Running)
	assert.Equal(t, 1, u.Warm)
}

func TestCheckQuotaMonotonicity(t *testing.T) {
	q := domain.TenantQuota{MaxVCPUs: 4, MaxMemMiB: 2048, MaxRunning: 2, MaxWarm: 2}
	usage := Usage{VCPUs: 3, MemMiB: 1536, Running: 1}

	err := CheckQuota(q, usage, 2, 1024, true)
	assert.Error(t, err)

	// Larger requests must also fail once a smaller one already failed.
	err2 := CheckQuota(q, usage, 4, 2048, true)
	assert.Error(t, err2)
}

func TestCheckQuotaCountDistinctFromResource(t *testing.T) {
	q := domain.TenantQuota{MaxVCPUs: 100, MaxMemMiB: 100000, MaxRunning: 1, MaxWarm: 1}
	usage := Usage{Running: 1}
	err := CheckQuota(q, usage, 1, 128, true)
	assert.Error(t, err)

	var derr *domain.Error
	assert.ErrorAs(t, err, &derr)
	var v *Violation
	assert.ErrorAs(t, err, &v)
	assert.True(t, v.CountExceeded)
	assert.False(t, v.VCPUsExceeded)
	assert.False(t, v.MemExceeded)
}

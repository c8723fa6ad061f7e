package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/mvm-project/mvm/internal/domain"
	"github.com/mvm-project/mvm/internal/store"
	"github.com/mvm-project/mvm/internal/wake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeferredByMinRuntimeHonorsOverride(t *testing.T) {
	r := &Reconciler{deferredThisPass: map[string]bool{}}
	started := time.Now().Add(-1 * time.Second)
	future := time.Now().Add(1 * time.Hour)
	pool := &domain.Pool{RuntimePolicy: domain.RuntimePolicy{MinRuntimeSeconds: 3600}}
	inst := &domain.Instance{ID: "i-aaaaaaaa", EnteredRunningAt: &started, OverrideUntil: &future}

	assert.False(t, r.deferredByMinRuntime(pool, inst))
}

func TestDeferredByMinRuntimeDefersFreshInstance(t *testing.T) {
	r := &Reconciler{deferredThisPass: map[string]bool{}}
	started := time.Now()
	pool := &domain.Pool{RuntimePolicy: domain.RuntimePolicy{MinRuntimeSeconds: 3600}}
	inst := &domain.Instance{ID: "i-bbbbbbbb", EnteredRunningAt: &started}

	assert.True(t, r.deferredByMinRuntime(pool, inst))
	assert.True(t, r.deferredThisPass["i-bbbbbbbb"])
}

func TestDeferredByMinRuntimeZeroPolicyNeverDefers(t *testing.T) {
	r := &Reconciler{deferredThisPass: map[string]bool{}}
	started := time.Now()
	pool := &domain.Pool{}
	inst := &domain.Instance{ID: "i-cccccccc", EnteredRunningAt: &started}

	assert.False(t, r.deferredByMinRuntime(pool, inst))
}

type slowDriver struct{ release chan struct{} }

func (d *slowDriver) Wake(ctx context.Context, tenantID, poolID string) (string, error) {
	<-d.release
	return "10.0.0.2:8080", nil
}

func TestTenantIsWakingReflectsInFlightWake(t *testing.T) {
	driver := &slowDriver{release: make(chan struct{})}
	wakeMgr := wake.New(driver, time.Second)
	r := &Reconciler{Wake: wakeMgr, deferredThisPass: map[string]bool{}}

	assert.False(t, r.tenantIsWaking("acme"))

	go wakeMgr.EnsureRunning(context.Background(), "acme", "workers")
	require.Eventually(t, func() bool { return r.tenantIsWaking("acme") }, time.Second, 5*time.Millisecond)

	close(driver.release)
	require.Eventually(t, func() bool { return !r.tenantIsWaking("acme") }, time.Second, 5*time.Millisecond)
}

func TestDeferTransitionRecordsOncePerInstancePerPass(t *testing.T) {
	r := &Reconciler{deferredThisPass: map[string]bool{}}
	r.deferTransition("acme", "workers", "i-aaaaaaaa")
	assert.True(t, r.deferredThisPass["i-aaaaaaaa"])
	r.deferTransition("acme", "workers", "i-aaaaaaaa") // idempotent, no panic on nil Audit/Metrics
}

func TestCreateInstanceAllocatesLowestFreeOffset(t *testing.T) {
	r := &Reconciler{Store: store.New(t.TempDir())}
	tenant := &domain.Tenant{ID: "acme", NetID: 7, CIDR: "10.7.0.0/24", GatewayIP: "10.7.0.1"}
	pool := &domain.Pool{ID: "workers", Role: domain.RoleWorker, Resources: domain.Resources{VCPUs: 2, MemMiB: 512}}
	existing := []*domain.Instance{{IPOffset: 3}, {IPOffset: 4}}

	inst, err := r.createInstance(tenant, pool, existing)
	require.NoError(t, err)
	assert.Equal(t, 5, inst.IPOffset)
	assert.Equal(t, "10.7.0.5", inst.GuestIP)
	assert.Equal(t, domain.StatusCreated, inst.Status)
	assert.Equal(t, domain.RoleWorker, inst.Role)
}

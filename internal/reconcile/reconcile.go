// Package reconcile drives observed instance state toward a signed
// DesiredState: upsert tenants/pools, diff desired vs actual per status
// class, dispatch lifecycle actions with bounded parallelism, and
// (optionally) prune anything left undeclared. Grounded on the
// teacher's own top-level reconcile-style orchestration in cmd/nova's
// server wiring, generalized to the spec's declarative desired-state
// model; the per-instance min-runtime deferral and victim/candidate
// selection are new to this domain and grounded on original_source's
// pool lifecycle module.
package reconcile

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mvm-project/mvm/internal/audit"
	"github.com/mvm-project/mvm/internal/domain"
	"github.com/mvm-project/mvm/internal/instance"
	"github.com/mvm-project/mvm/internal/metrics"
	"github.com/mvm-project/mvm/internal/netfabric"
	"github.com/mvm-project/mvm/internal/store"
	"github.com/mvm-project/mvm/internal/tracing"
	"github.com/mvm-project/mvm/internal/wake"
)

// Reconciler applies one DesiredState pass against persisted state,
// single-flight per node: a second Run call while one is in flight
// returns KindInternal immediately rather than racing the first.
type Reconciler struct {
	Store       *store.Store
	Fabric      *netfabric.Fabric
	Instances   *instance.Manager
	Metrics     *metrics.Metrics
	Audit       *audit.Logger
	Concurrency int

	// Wake is optional: when set, reconcile takes a read-only snapshot
	// of each tenant's gateway state and defers Warm->Sleep demotions
	// for a tenant currently being woken, so the instance answering the
	// in-flight wake isn't put to sleep out from under it.
	Wake *wake.Manager

	inFlight bool
	flightMu sync.Mutex

	deferredThisPass map[string]bool
}

func New(st *store.Store, fabric *netfabric.Fabric, instances *instance.Manager, m *metrics.Metrics, auditLogger *audit.Logger, concurrency int) *Reconciler {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Reconciler{Store: st, Fabric: fabric, Instances: instances, Metrics: m, Audit: auditLogger, Concurrency: concurrency}
}

// ActionResult records one dispatched lifecycle action's outcome; a
// pass never fails as a whole because one action failed.
type ActionResult struct {
	TenantID   string
	PoolID     string
	InstanceID string
	Action     string
	Err        error
}

// Result is the outcome of one reconcile pass.
type Result struct {
	Actions []ActionResult
	Deferred []string // instance ids deferred by min-runtime policy
	Pruned  []string  // tenant/pool ids pruned
}

// Run executes the 8-step algorithm against ds. Single-flight guarded:
// concurrent calls on the same Reconciler return an error immediately.
func (r *Reconciler) Run(ctx context.Context, ds domain.DesiredState) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "reconcile.Run")
	defer span.End()

	r.flightMu.Lock()
	if r.inFlight {
		r.flightMu.Unlock()
		if r.Metrics != nil {
			r.Metrics.ReconcileErrors.Inc()
		}
		return nil, domain.NewError(domain.KindInternal, "reconcile already in flight for this node")
	}
	r.inFlight = true
	r.flightMu.Unlock()
	defer func() {
		r.flightMu.Lock()
		r.inFlight = false
		r.flightMu.Unlock()
	}()

	start := time.Now()
	r.deferredThisPass = make(map[string]bool)
	res := &Result{}

	// Step 2: upsert tenants, ensure bridges.
	declaredTenants := make(map[string]bool, len(ds.Tenants))
	for _, dt := range ds.Tenants {
		declaredTenants[dt.ID] = true
		tenant, err := r.upsertTenant(dt)
		if err != nil {
			continue
		}
		if err := r.Fabric.EnsureTenantBridge(ctx, tenant); err != nil {
			continue
		}

		declaredPools := make(map[string]bool, len(dt.Pools))
		for _, dp := range dt.Pools {
			declaredPools[dp.ID] = true
			// Step 3: upsert pool record.
			pool, err := r.upsertPool(tenant.ID, dp)
			if err != nil {
				continue
			}
			// Steps 4-6: diff and dispatch for this pool.
			actions := r.reconcilePool(ctx, tenant, pool)
			res.Actions = append(res.Actions, actions...)
		}

		// Step 7a: prune unknown pools for this (declared) tenant.
		if ds.PruneUnknownPools {
			pruned := r.prunePools(ctx, tenant.ID, declaredPools)
			res.Pruned = append(res.Pruned, pruned...)
		}
	}

	// Step 7b: prune unknown tenants.
	if ds.PruneUnknownTenants {
		pruned := r.pruneTenants(ctx, declaredTenants)
		res.Pruned = append(res.Pruned, pruned...)
	}

	for iid := range r.deferredThisPass {
		res.Deferred = append(res.Deferred, iid)
	}

	// Step 8: metrics snapshot.
	if r.Metrics != nil {
		r.Metrics.ReconcileRuns.Inc()
		r.Metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
	}
	return res, nil
}

func (r *Reconciler) upsertTenant(dt domain.DesiredTenant) (*domain.Tenant, error) {
	existing, err := r.Store.LoadTenant(dt.ID)
	quota := domain.DefaultTenantQuota()
	if dt.Quota != nil {
		quota = *dt.Quota
	}
	if err != nil {
		t := &domain.Tenant{
			ID: dt.ID, NetID: dt.NetID, CIDR: dt.CIDR,
			GatewayIP:  gatewayFromCIDR(dt.CIDR),
			BridgeName: bridgeName(dt.NetID),
			Quota:      quota,
			CreatedAt:  time.Now(),
		}
		if dt.SecretsHash != "" {
			t.SecretsEpoch = 1
			t.SecretsHash = dt.SecretsHash
		}
		if err := r.Store.SaveTenant(t); err != nil {
			return nil, err
		}
		return t, nil
	}

	changed := false
	if existing.NetID != dt.NetID || existing.CIDR != dt.CIDR {
		existing.NetID, existing.CIDR = dt.NetID, dt.CIDR
		existing.GatewayIP = gatewayFromCIDR(dt.CIDR)
		changed = true
	}
	if existing.Quota != quota {
		existing.Quota = quota
		changed = true
	}
	if dt.SecretsHash != "" && dt.SecretsHash != existing.SecretsHash {
		existing.SecretsEpoch++
		existing.SecretsHash = dt.SecretsHash
		changed = true
	}
	if changed {
		existing.ConfigVersion++
		if err := r.Store.SaveTenant(existing); err != nil {
			return nil, err
		}
	}
	return existing, nil
}

func (r *Reconciler) upsertPool(tid string, dp domain.DesiredPool) (*domain.Pool, error) {
	existing, err := r.Store.LoadPool(tid, dp.ID)
	if err != nil {
		p := &domain.Pool{
			ID: dp.ID, TenantID: tid, FlakeRef: dp.FlakeRef, Profile: dp.Profile,
			Role: dp.Role, Resources: dp.Resources, Desired: dp.Desired,
			RuntimePolicy: dp.RuntimePolicy, Seccomp: dp.Seccomp, Compression: dp.Compression,
			Routes: dp.Routes, SecretScopes: dp.SecretScopes,
		}
		if err := r.Store.SavePool(p); err != nil {
			return nil, err
		}
		return p, nil
	}
	existing.FlakeRef, existing.Profile, existing.Role = dp.FlakeRef, dp.Profile, dp.Role
	existing.Resources, existing.Desired = dp.Resources, dp.Desired
	existing.RuntimePolicy, existing.Seccomp, existing.Compression = dp.RuntimePolicy, dp.Seccomp, dp.Compression
	existing.Routes, existing.SecretScopes = dp.Routes, dp.SecretScopes
	if err := r.Store.SavePool(existing); err != nil {
		return nil, err
	}
	return existing, nil
}

// reconcilePool diffs one pool's status-class counts against desired
// and dispatches the resulting actions with bounded parallelism.
func (r *Reconciler) reconcilePool(ctx context.Context, tenant *domain.Tenant, pool *domain.Pool) []ActionResult {
	iids, err := r.Store.ListInstances(tenant.ID, pool.ID)
	if err != nil {
		iids = nil
	}
	var all []*domain.Instance
	for _, iid := range iids {
		inst, err := r.Store.LoadInstance(tenant.ID, pool.ID, iid)
		if err == nil {
			all = append(all, inst)
		}
	}

	byStatus := map[domain.InstanceStatus][]*domain.Instance{}
	for _, inst := range all {
		byStatus[inst.Status] = append(byStatus[inst.Status], inst)
	}

	var plan []action

	// Running excess -> demote to Warm, newest first (respects min-runtime
	// on the older, presumably longer-lived instances).
	running := byStatus[domain.StatusRunning]
	sort.Slice(running, func(i, j int) bool { return ts(running[i].EnteredRunningAt).After(ts(running[j].EnteredRunningAt)) })
	if excess := len(running) - pool.Desired.Running; excess > 0 {
		for _, inst := range running[:excess] {
			if r.deferredByMinRuntime(pool, inst) {
				continue
			}
			inst := inst
			plan = append(plan, action{inst, func(ctx context.Context) error { return r.Instances.Warm(ctx, tenant.ID, pool.ID, inst.ID) }, "warm"})
		}
	}

	warm := byStatus[domain.StatusWarm]
	sort.Slice(warm, func(i, j int) bool { return ts(warm[i].EnteredWarmAt).Before(ts(warm[j].EnteredWarmAt)) })
	warmFree := warm
	if excess := len(warm) - pool.Desired.Warm; excess > 0 {
		warmFree = warm[excess:]
		for _, inst := range warm[:excess] {
			if r.deferredByMinRuntime(pool, inst) {
				continue
			}
			if r.tenantIsWaking(tenant.ID) {
				r.deferTransition(tenant.ID, pool.ID, inst.ID)
				continue
			}
			inst := inst
			plan = append(plan, action{inst, func(ctx context.Context) error { return r.Instances.Sleep(ctx, tenant.ID, pool.ID, inst.ID, false) }, "sleep"})
		}
	}

	sleeping := byStatus[domain.StatusSleeping]
	sort.Slice(sleeping, func(i, j int) bool { return ts(sleeping[i].LastStoppedAt).Before(ts(sleeping[j].LastStoppedAt)) })
	sleepingFree := sleeping
	if excess := len(sleeping) - pool.Desired.Sleeping; excess > 0 {
		sleepingFree = sleeping[excess:]
		for _, inst := range sleeping[:excess] {
			inst := inst
			plan = append(plan, action{inst, func(ctx context.Context) error { return r.Instances.Stop(ctx, tenant.ID, pool.ID, inst.ID) }, "stop"})
		}
	}

	// Running shortfall: promote Warm, then Sleeping, then Stopped, then
	// create new instances -- in that preference order. Only instances not
	// already slated for demotion above are eligible candidates.
	if shortfall := pool.Desired.Running - len(running); shortfall > 0 {
		stopped := byStatus[domain.StatusStopped]
		pools := [][]*domain.Instance{warmFree, sleepingFree, stopped}
		for _, bucket := range pools {
			for len(bucket) > 0 && shortfall > 0 {
				inst := bucket[0]
				bucket = bucket[1:]
				shortfall--
				switch inst.Status {
				case domain.StatusWarm:
					plan = append(plan, action{inst, func(ctx context.Context) error { return r.Instances.Start(ctx, tenant.ID, pool.ID, inst.ID) }, "resume"})
				case domain.StatusSleeping:
					plan = append(plan, action{inst, func(ctx context.Context) error { return r.Instances.Wake(ctx, tenant.ID, pool.ID, inst.ID) }, "wake"})
				case domain.StatusStopped:
					plan = append(plan, action{inst, func(ctx context.Context) error { return r.Instances.Start(ctx, tenant.ID, pool.ID, inst.ID) }, "start"})
				}
			}
		}
		for ; shortfall > 0; shortfall-- {
			inst, err := r.createInstance(tenant, pool, all)
			if err != nil {
				continue
			}
			all = append(all, inst)
			inst := inst
			plan = append(plan, action{inst, func(ctx context.Context) error { return r.Instances.Start(ctx, tenant.ID, pool.ID, inst.ID) }, "create"})
		}
	}

	return r.dispatch(ctx, tenant.ID, pool.ID, plan)
}

// action is one reconciliation step: a transition function to run against
// inst, labeled by name for ActionResult reporting.
type action struct {
	inst *domain.Instance
	fn   func(context.Context) error
	name string
}

func (r *Reconciler) dispatch(ctx context.Context, tid, pid string, plan []action) []ActionResult {
	sem := make(chan struct{}, r.Concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var results []ActionResult

	for _, a := range plan {
		a := a
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			err := a.fn(ctx)
			mu.Lock()
			results = append(results, ActionResult{TenantID: tid, PoolID: pid, InstanceID: a.inst.ID, Action: a.name, Err: err})
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

// deferredByMinRuntime reports (and audits, once per instance per pass)
// whether inst must stay in its current status this pass because its
// minimum runtime has not yet elapsed and no override is in effect.
func (r *Reconciler) deferredByMinRuntime(pool *domain.Pool, inst *domain.Instance) bool {
	if inst.OverrideUntil != nil && inst.OverrideUntil.After(time.Now()) {
		return false
	}
	minRuntime := time.Duration(pool.RuntimePolicy.MinRuntimeSeconds) * time.Second
	if minRuntime <= 0 || inst.EnteredRunningAt == nil {
		return false
	}
	if inst.EnteredRunningAt.Add(minRuntime).After(time.Now()) {
		if !r.deferredThisPass[inst.ID] {
			r.deferredThisPass[inst.ID] = true
			if r.Audit != nil {
				_ = r.Audit.Emit(audit.EventTransitionDeferred, inst.TenantID, inst.PoolID, inst.ID, nil)
			}
			if r.Metrics != nil {
				r.Metrics.InstancesDeferred.Inc()
			}
		}
		return true
	}
	return false
}

// tenantIsWaking reports whether tid's gateway is currently mid-wake.
// wake.Manager.GatewayState takes its own internal lock and returns a
// snapshot, so no cross-package lock ordering is introduced here.
func (r *Reconciler) tenantIsWaking(tid string) bool {
	if r.Wake == nil {
		return false
	}
	return r.Wake.GatewayState(tid).Status == wake.StateWaking
}

// deferTransition records a non-min-runtime defer (e.g. a tenant
// currently waking) the same way deferredByMinRuntime does: audited and
// metered once per instance per pass.
func (r *Reconciler) deferTransition(tid, pid, iid string) {
	if r.deferredThisPass[iid] {
		return
	}
	r.deferredThisPass[iid] = true
	if r.Audit != nil {
		_ = r.Audit.Emit(audit.EventTransitionDeferred, tid, pid, iid, nil)
	}
	if r.Metrics != nil {
		r.Metrics.InstancesDeferred.Inc()
	}
}

func (r *Reconciler) createInstance(tenant *domain.Tenant, pool *domain.Pool, existing []*domain.Instance) (*domain.Instance, error) {
	used := map[int]bool{domain.GatewayOffset: true, domain.BuilderOffset: true}
	for _, inst := range existing {
		used[inst.IPOffset] = true
	}
	offset, err := domain.NextOffset(used)
	if err != nil {
		return nil, err
	}
	id, err := domain.GenerateInstanceID()
	if err != nil {
		return nil, err
	}
	prefix := cidrPrefix(tenant.CIDR)
	inst := &domain.Instance{
		ID: id, PoolID: pool.ID, TenantID: tenant.ID,
		Status: domain.StatusCreated, Role: pool.Role,
		TAPName: domain.TAPName(tenant.NetID, offset), MAC: domain.MACAddress(tenant.NetID, offset),
		GuestIP: guestIPFromOffset(tenant.CIDR, offset), GatewayIP: tenant.GatewayIP, IPOffset: offset, CIDRPrefix: prefix,
		Resources: pool.Resources,
	}
	if err := r.Store.SaveInstance(inst); err != nil {
		return nil, err
	}
	if r.Metrics != nil {
		r.Metrics.InstancesCreated.Inc()
	}
	return inst, nil
}

func (r *Reconciler) prunePools(ctx context.Context, tid string, declared map[string]bool) []string {
	pids, err := r.Store.ListPools(tid)
	if err != nil {
		return nil
	}
	var pruned []string
	for _, pid := range pids {
		if declared[pid] {
			continue
		}
		iids, _ := r.Store.ListInstances(tid, pid)
		for _, iid := range iids {
			_ = r.Instances.Destroy(ctx, tid, pid, iid, true)
		}
		pruned = append(pruned, tid+"/"+pid)
	}
	return pruned
}

func (r *Reconciler) pruneTenants(ctx context.Context, declared map[string]bool) []string {
	tids, err := r.Store.ListTenants()
	if err != nil {
		return nil
	}
	var pruned []string
	for _, tid := range tids {
		if declared[tid] {
			continue
		}
		pids, _ := r.Store.ListPools(tid)
		for _, pid := range pids {
			iids, _ := r.Store.ListInstances(tid, pid)
			for _, iid := range iids {
				_ = r.Instances.Destroy(ctx, tid, pid, iid, true)
			}
		}
		tenant, err := r.Store.LoadTenant(tid)
		if err == nil {
			_ = r.Fabric.DestroyTenantBridge(ctx, tenant.BridgeName)
		}
		pruned = append(pruned, tid)
	}
	return pruned
}

func ts(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// Package instance implements the microVM instance lifecycle state
// machine's effects: start, stop, warm, sleep, wake, destroy. Each
// operation validates the transition first (domain.ValidateTransition),
// applies effects, then persists -- failures mid-flight trigger
// best-effort teardown rather than leaving a half-applied instance
// record. Grounded on the teacher's internal/firecracker/vm.go CreateVM/
// StopVM/CreateSnapshot/apiLoadSnapshot, generalized from one FaaS VM
// per invocation to the pool/tenant-scoped instance model.
package instance

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/mvm-project/mvm/internal/audit"
	"github.com/mvm-project/mvm/internal/diskprov"
	"github.com/mvm-project/mvm/internal/domain"
	"github.com/mvm-project/mvm/internal/jailer"
	"github.com/mvm-project/mvm/internal/metrics"
	"github.com/mvm-project/mvm/internal/netfabric"
	"github.com/mvm-project/mvm/internal/quota"
	"github.com/mvm-project/mvm/internal/shell"
	"github.com/mvm-project/mvm/internal/snapshot"
	"github.com/mvm-project/mvm/internal/store"
)

// JailerSettings configures how Launch resolves binaries and chroot
// base directory; a thin projection of config.JailerConfig to avoid an
// import cycle back through internal/config.
type JailerSettings struct {
	JailerBin      string
	FirecrackerBin string
	ChrootBaseDir  string
	ProductionMode bool
}

// Manager applies lifecycle effects for instances, wired to every
// supporting package: persistence, network fabric, disk provisioning,
// snapshotting, jailed process launch, quota enforcement, audit, and
// metrics.
type Manager struct {
	Store   *store.Store
	Fabric  *netfabric.Fabric
	Disks   *diskprov.Provisioner
	Runner  shell.Runner
	Audit   *audit.Logger
	Metrics *metrics.Metrics
	Jailer  JailerSettings

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(st *store.Store, fabric *netfabric.Fabric, disks *diskprov.Provisioner, runner shell.Runner, auditLogger *audit.Logger, m *metrics.Metrics, jc JailerSettings) *Manager {
	return &Manager{Store: st, Fabric: fabric, Disks: disks, Runner: runner, Audit: auditLogger, Metrics: m, Jailer: jc, locks: make(map[string]*sync.Mutex)}
}

// lockFor returns (creating if needed) the per-instance serialization
// lock. A single in-memory lock per instance id ensures lifecycle ops on
// the same instance never overlap, per the reconcile concurrency model.
func (m *Manager) lockFor(iid string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[iid]
	if !ok {
		l = &sync.Mutex{}
		m.locks[iid] = l
	}
	return l
}

type loaded struct {
	tenant   *domain.Tenant
	pool     *domain.Pool
	instance *domain.Instance
}

func (m *Manager) load(tid, pid, iid string) (*loaded, error) {
	t, err := m.Store.LoadTenant(tid)
	if err != nil {
		return nil, err
	}
	p, err := m.Store.LoadPool(tid, pid)
	if err != nil {
		return nil, err
	}
	i, err := m.Store.LoadInstance(tid, pid, iid)
	if err != nil {
		return nil, err
	}
	return &loaded{tenant: t, pool: p, instance: i}, nil
}

func (m *Manager) checkQuota(tid string, addVCPUs, addMemMiB int, toRunning bool) error {
	instances, err := m.Store.ListAllInstances(tid)
	if err != nil {
		return err
	}
	tenant, err := m.Store.LoadTenant(tid)
	if err != nil {
		return err
	}
	usage := quota.ComputeTenantUsage(instances)
	return quota.CheckQuota(tenant.Quota, usage, addVCPUs, addMemMiB, toRunning)
}

func now() *time.Time { t := time.Now(); return &t }

// configDriveContent is injected as config.json on the read-only config
// drive; the guest init reads it to learn its own identity and the
// config/secrets epoch it was built against.
type configDriveContent struct {
	InstanceID    string `json:"instance_id"`
	TenantID      string `json:"tenant_id"`
	PoolID        string `json:"pool_id"`
	ConfigVersion int    `json:"config_version"`
	SecretsEpoch  int    `json:"secrets_epoch"`
}

// Start implements the start operation per the spec's described
// algorithm: promote Created->Ready if a current revision exists,
// validate the transition to Running, check quota, provision network
// and disks, compose and write the boot configuration, launch the
// hypervisor (jailed or direct), and persist.
func (m *Manager) Start(ctx context.Context, tid, pid, iid string) (err error) {
	lock := m.lockFor(iid)
	lock.Lock()
	defer lock.Unlock()

	l, err := m.load(tid, pid, iid)
	if err != nil {
		return err
	}
	inst, pool, tenant := l.instance, l.pool, l.tenant

	if inst.Status == domain.StatusCreated && pool.CurrentRevision != "" {
		inst.Status = domain.StatusReady
		inst.CurrentRevision = pool.CurrentRevision
	}
	if err := domain.ValidateTransition(inst.Status, domain.StatusRunning); err != nil {
		return err
	}

	if err := m.checkQuota(tid, int(pool.Resources.VCPUs), int(pool.Resources.MemMiB), true); err != nil {
		if m.Audit != nil {
			_ = m.Audit.Emit(audit.EventQuotaExceeded, tid, pid, iid, nil)
		}
		return err
	}

	layout := m.Store.Layout

	if err := m.Fabric.EnsureTenantBridge(ctx, tenant); err != nil {
		return err
	}

	var tapUp, cgroupUp bool
	defer func() {
		if err == nil {
			return
		}
		if tapUp {
			_ = m.Fabric.TeardownTAP(ctx, inst.TAPName)
		}
		if cgroupUp {
			_ = quota.RemoveCgroup(tid, iid)
		}
	}()

	if err = m.Fabric.SetupTAP(ctx, inst.TAPName, tenant.BridgeName); err != nil {
		return err
	}
	tapUp = true

	if err = quota.CreateCgroup(tid, iid, pool.Resources.VCPUs, pool.Resources.MemMiB); err != nil {
		return err
	}
	cgroupUp = true

	dataPath := layout.DataVolumePath(tid, pid, iid)
	if err = m.Disks.EnsureDataVolume(ctx, dataPath, pool.Resources.DataDiskMiB); err != nil {
		return err
	}

	var secrets json.RawMessage
	if raw, rerr := os.ReadFile(layout.SecretsFile(tid)); rerr == nil {
		secrets = raw
	} else {
		secrets = json.RawMessage(`{}`)
	}
	secretsPath := layout.SecretsVolumePath(tid, pid, iid)
	if err = m.Disks.CreateSecretsDrive(ctx, secretsPath, secrets); err != nil {
		return err
	}

	configPath := layout.ConfigVolumePath(tid, pid, iid)
	cfgContent := configDriveContent{InstanceID: iid, TenantID: tid, PoolID: pid, ConfigVersion: inst.ConfigVersion, SecretsEpoch: tenant.SecretsEpoch}
	if err = m.Disks.CreateConfigDrive(ctx, configPath, cfgContent); err != nil {
		return err
	}

	revDir := layout.RevisionDir(tid, pid, inst.CurrentRevision)
	boot := bootConfig{
		KernelPath:  revDir + "/vmlinux",
		BootArgs:    bootArgs(inst.GuestIP, inst.GatewayIP, inst.CIDRPrefix),
		RootfsPath:  revDir + "/rootfs.ext4",
		DataPath:    dataPath,
		SecretsPath: secretsPath,
		ConfigPath:  configPath,
		TAPName:     inst.TAPName,
		MAC:         inst.MAC,
		VsockPath:   layout.VsockPath(tid, pid, iid),
		VsockCID:    3,
		VCPUs:       pool.Resources.VCPUs,
		MemMiB:      pool.Resources.MemMiB,
		LogPath:     layout.LogPath(tid, pid, iid),
		LogLevel:    "Warning",
	}
	configFilePath := layout.ConfigFilePath(tid, pid, iid)
	if err = os.MkdirAll(layout.RuntimeDir(tid, pid, iid), 0o750); err != nil {
		return domain.WrapError(domain.KindInternal, err, "mkdir runtime dir")
	}
	if err = writeConfigFile(configFilePath, boot); err != nil {
		return err
	}

	var seccompPath string
	if pool.Seccomp == domain.SeccompStrict {
		seccompPath, err = jailer.MaterializeStrictProfile(layout.RuntimeDir(tid, pid, iid))
		if err != nil {
			return err
		}
	}

	spec := jailer.LaunchSpec{
		Mode:           jailer.ModeJailed,
		JailerBin:      m.Jailer.JailerBin,
		FirecrackerBin: m.Jailer.FirecrackerBin,
		InstanceID:     iid,
		UID:            domain.ComputeUID(tenant.NetID, inst.IPOffset),
		ChrootBaseDir:  m.Jailer.ChrootBaseDir,
		JailRoot:       layout.JailRootDir(tid, pid, iid),
		SocketPath:     layout.SocketPath(tid, pid, iid),
		ConfigFilePath: configFilePath,
		SeccompFilter:  seccompPath,
		LogPath:        layout.LogPath(tid, pid, iid),
		KernelPath:     boot.KernelPath,
		RootfsPath:     boot.RootfsPath,
		DataPath:       dataPath,
		SecretsPath:    secretsPath,
		ProductionMode: m.Jailer.ProductionMode,
	}

	var proc *jailer.Process
	proc, err = jailer.Launch(ctx, m.Runner, spec)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil && proc != nil {
			_ = proc.Cmd.Process.Kill()
		}
	}()

	if err = jailer.WaitForSocket(ctx, spec.SocketPath, proc); err != nil {
		return err
	}

	inst.FirecrackerPID = proc.PID
	inst.Status = domain.StatusRunning
	inst.LastStartedAt = now()
	inst.EnteredRunningAt = now()
	if serr := m.Store.SaveInstance(inst); serr != nil {
		return serr
	}
	if m.Metrics != nil {
		m.Metrics.InstancesStarted.Inc()
	}
	if m.Audit != nil {
		_ = m.Audit.Emit(audit.EventInstanceStarted, tid, pid, iid, nil)
	}
	return nil
}

// Stop implements the stop operation: validate, terminate the process
// (grace then kill), close LUKS if open, tear down cgroup/TAP, delete
// runtime files and ephemeral disks, persist, audit.
func (m *Manager) Stop(ctx context.Context, tid, pid, iid string) error {
	lock := m.lockFor(iid)
	lock.Lock()
	defer lock.Unlock()

	l, err := m.load(tid, pid, iid)
	if err != nil {
		return err
	}
	inst, tenant := l.instance, l.tenant

	if err := domain.ValidateTransition(inst.Status, domain.StatusStopped); err != nil {
		return err
	}

	if inst.FirecrackerPID != 0 {
		terminateProcess(inst.FirecrackerPID, 5*time.Second)
	}

	_ = m.Disks.CloseLUKS(ctx, diskprov.MapperName(tid, iid))
	_ = quota.RemoveCgroup(tid, iid)
	_ = m.Fabric.TeardownTAP(ctx, inst.TAPName)

	layout := m.Store.Layout
	snapshot.RemoveSocketClient(layout.SocketPath(tid, pid, iid))
	_ = os.RemoveAll(layout.RuntimeDir(tid, pid, iid))
	_ = diskprov.RemoveEphemeralDrive(layout.SecretsVolumePath(tid, pid, iid))
	_ = diskprov.RemoveEphemeralDrive(layout.ConfigVolumePath(tid, pid, iid))

	inst.FirecrackerPID = 0
	inst.Status = domain.StatusStopped
	inst.LastStoppedAt = now()
	inst.EnteredRunningAt = nil
	inst.EnteredWarmAt = nil
	if err := m.Store.SaveInstance(inst); err != nil {
		return err
	}
	if m.Metrics != nil {
		m.Metrics.InstancesStopped.Inc()
	}
	if m.Audit != nil {
		_ = m.Audit.Emit(audit.EventInstanceStopped, tid, pid, iid, nil)
	}
	_ = tenant
	return nil
}

// Warm implements the warm operation: pause vCPUs via the hypervisor
// API, stamp entered_warm_at, persist, audit.
func (m *Manager) Warm(ctx context.Context, tid, pid, iid string) error {
	lock := m.lockFor(iid)
	lock.Lock()
	defer lock.Unlock()

	l, err := m.load(tid, pid, iid)
	if err != nil {
		return err
	}
	inst, pool := l.instance, l.pool
	if err := domain.ValidateTransition(inst.Status, domain.StatusWarm); err != nil {
		return err
	}

	socketPath := m.Store.Layout.SocketPath(tid, pid, iid)
	if err := snapshot.Pause(ctx, socketPath); err != nil {
		return err
	}

	// The first instance of a revision to reach Warm lays down the
	// pool-level base snapshot every later delta snapshots in this pool
	// are relative to; a base recorded for another revision is cleared
	// first.
	baseDir := m.Store.Layout.BaseSnapshotDir(tid, pid)
	if pool.CurrentRevision != "" && !snapshot.BaseValid(baseDir, pool.CurrentRevision) {
		if err := snapshot.InvalidateBase(baseDir); err != nil {
			return err
		}
		if err := snapshot.CreateBase(ctx, socketPath, baseDir, pool.CurrentRevision, pool.Compression); err != nil {
			return err
		}
	}

	inst.Status = domain.StatusWarm
	inst.EnteredWarmAt = now()
	if err := m.Store.SaveInstance(inst); err != nil {
		return err
	}
	if m.Audit != nil {
		_ = m.Audit.Emit(audit.EventInstanceWarmed, tid, pid, iid, nil)
	}
	return nil
}

// Sleep implements the sleep(force) operation.
func (m *Manager) Sleep(ctx context.Context, tid, pid, iid string, force bool) error {
	lock := m.lockFor(iid)
	lock.Lock()
	defer lock.Unlock()

	l, err := m.load(tid, pid, iid)
	if err != nil {
		return err
	}
	inst, pool, tenant := l.instance, l.pool, l.tenant

	if err := domain.ValidateTransition(inst.Status, domain.StatusSleeping); err != nil {
		return err
	}

	layout := m.Store.Layout
	socketPath := layout.SocketPath(tid, pid, iid)

	if !force {
		drainTimeout := time.Duration(pool.RuntimePolicy.DrainTimeoutSeconds) * time.Second
		if drainTimeout <= 0 {
			drainTimeout = 5 * time.Second
		}
		if ok := sleepPrepHandshake(ctx, layout.VsockPath(tid, pid, iid), drainTimeout); !ok {
			if m.Audit != nil {
				_ = m.Audit.Emit(audit.EventMinRuntimeOverridden, tid, pid, iid, nil)
			}
		}
	}

	deltaDir := layout.DeltaSnapshotDir(tid, pid, iid)
	if err := snapshot.CreateDelta(ctx, socketPath, deltaDir, inst.CurrentRevision, pool.Compression); err != nil {
		return err
	}

	grace := time.Duration(pool.RuntimePolicy.GracefulShutdownSeconds) * time.Second
	if grace <= 0 {
		grace = 5 * time.Second
	}
	if inst.FirecrackerPID != 0 {
		terminateProcess(inst.FirecrackerPID, grace)
	}

	_ = quota.RemoveCgroup(tid, iid)
	snapshot.RemoveSocketClient(socketPath)
	_ = os.RemoveAll(layout.RuntimeDir(tid, pid, iid))
	// TAP, data volume, and the delta snapshot just written are kept.

	inst.FirecrackerPID = 0
	inst.Status = domain.StatusSleeping
	inst.LastStoppedAt = now()
	inst.EnteredRunningAt = nil
	inst.EnteredWarmAt = nil
	if err := m.Store.SaveInstance(inst); err != nil {
		return err
	}
	if m.Metrics != nil {
		m.Metrics.InstancesSlept.Inc()
	}
	if m.Audit != nil {
		_ = m.Audit.Emit(audit.EventInstanceSlept, tid, pid, iid, nil)
	}
	_ = tenant
	return nil
}

// Wake implements the wake operation: restore from snapshot into a
// freshly direct-launched (no --config-file, no seccomp) process.
func (m *Manager) Wake(ctx context.Context, tid, pid, iid string) (err error) {
	lock := m.lockFor(iid)
	lock.Lock()
	defer lock.Unlock()

	l, err := m.load(tid, pid, iid)
	if err != nil {
		return err
	}
	inst, pool, tenant := l.instance, l.pool, l.tenant

	if err := domain.ValidateTransition(inst.Status, domain.StatusRunning); err != nil {
		return err
	}
	if err := m.checkQuota(tid, int(pool.Resources.VCPUs), int(pool.Resources.MemMiB), true); err != nil {
		if m.Audit != nil {
			_ = m.Audit.Emit(audit.EventQuotaExceeded, tid, pid, iid, nil)
		}
		return err
	}

	layout := m.Store.Layout
	if err := m.Fabric.EnsureTenantBridge(ctx, tenant); err != nil {
		return err
	}
	if err := m.Fabric.SetupTAP(ctx, inst.TAPName, tenant.BridgeName); err != nil {
		return err
	}
	if err := quota.CreateCgroup(tid, iid, pool.Resources.VCPUs, pool.Resources.MemMiB); err != nil {
		return err
	}

	var secrets json.RawMessage
	if raw, rerr := os.ReadFile(layout.SecretsFile(tid)); rerr == nil {
		secrets = raw
	} else {
		secrets = json.RawMessage(`{}`)
	}
	secretsPath := layout.SecretsVolumePath(tid, pid, iid)
	if err := m.Disks.CreateSecretsDrive(ctx, secretsPath, secrets); err != nil {
		return err
	}
	configPath := layout.ConfigVolumePath(tid, pid, iid)
	cfgContent := configDriveContent{InstanceID: iid, TenantID: tid, PoolID: pid, ConfigVersion: inst.ConfigVersion, SecretsEpoch: tenant.SecretsEpoch}
	if err := m.Disks.CreateConfigDrive(ctx, configPath, cfgContent); err != nil {
		return err
	}

	if err := os.MkdirAll(layout.RuntimeDir(tid, pid, iid), 0o750); err != nil {
		return domain.WrapError(domain.KindInternal, err, "mkdir runtime dir")
	}

	spec := jailer.LaunchSpec{
		Mode:           jailer.ModeDirect,
		FirecrackerBin: m.Jailer.FirecrackerBin,
		InstanceID:     iid,
		SocketPath:     layout.SocketPath(tid, pid, iid),
		LogPath:        layout.LogPath(tid, pid, iid),
		ProductionMode: false,
	}
	var proc *jailer.Process
	proc, err = jailer.Launch(ctx, m.Runner, spec)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil && proc != nil {
			_ = proc.Cmd.Process.Kill()
		}
	}()
	if err = jailer.WaitForSocket(ctx, spec.SocketPath, proc); err != nil {
		return err
	}

	restoreErr := snapshot.Restore(ctx, snapshot.RestoreInput{
		DataRoot:   layout.Root,
		TenantID:   tid,
		BaseDir:    layout.BaseSnapshotDir(tid, pid),
		DeltaDir:   layout.DeltaSnapshotDir(tid, pid, iid),
		RuntimeDir: layout.RuntimeDir(tid, pid, iid),
		SocketPath: spec.SocketPath,
	})
	if restoreErr != nil {
		if derr, ok := restoreErr.(*domain.Error); ok && derr.Kind == domain.KindNoSnapshot {
			_ = proc.Cmd.Process.Kill()
			err = derr
			return err
		}
		err = restoreErr
		return err
	}

	signalWake(ctx, layout.VsockPath(tid, pid, iid))

	inst.FirecrackerPID = proc.PID
	inst.Status = domain.StatusRunning
	inst.LastStartedAt = now()
	inst.EnteredRunningAt = now()
	if serr := m.Store.SaveInstance(inst); serr != nil {
		return serr
	}
	if m.Metrics != nil {
		m.Metrics.InstancesWoken.Inc()
	}
	if m.Audit != nil {
		_ = m.Audit.Emit(audit.EventInstanceWoken, tid, pid, iid, nil)
	}
	return nil
}

// Destroy implements the destroy(wipe_volumes) operation.
func (m *Manager) Destroy(ctx context.Context, tid, pid, iid string, wipeVolumes bool) error {
	lock := m.lockFor(iid)
	lock.Lock()
	defer lock.Unlock()

	l, err := m.load(tid, pid, iid)
	if err != nil {
		return err
	}
	inst := l.instance

	if inst.IsActive() {
		lock.Unlock()
		stopErr := m.Stop(ctx, tid, pid, iid)
		lock.Lock()
		if stopErr != nil {
			return stopErr
		}
		inst, err = m.Store.LoadInstance(tid, pid, iid)
		if err != nil {
			return err
		}
	}

	if inst.FirecrackerPID != 0 {
		terminateProcess(inst.FirecrackerPID, 2*time.Second)
	}
	_ = m.Disks.CloseLUKS(ctx, diskprov.MapperName(tid, iid))
	_ = m.Fabric.TeardownTAP(ctx, inst.TAPName)
	_ = quota.RemoveCgroup(tid, iid)

	layout := m.Store.Layout
	instDir := layout.InstanceDir(tid, pid, iid)
	if wipeVolumes {
		if err := os.RemoveAll(instDir); err != nil {
			return domain.WrapError(domain.KindInternal, err, "remove instance dir %s", instDir)
		}
	} else {
		entries, rerr := os.ReadDir(instDir)
		if rerr == nil {
			for _, e := range entries {
				if e.Name() == "volumes" {
					continue
				}
				_ = os.RemoveAll(instDir + "/" + e.Name())
			}
		}
	}

	if m.Metrics != nil {
		m.Metrics.InstancesDestroyed.Inc()
	}
	if m.Audit != nil {
		_ = m.Audit.Emit(audit.EventInstanceDestroyed, tid, pid, iid, map[string]any{"wipe_volumes": wipeVolumes})
	}
	return nil
}

// terminateProcess signals SIGTERM, waits up to grace, then SIGKILL.
func terminateProcess(pid int, grace time.Duration) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return
	}
	done := make(chan struct{})
	go func() {
		_, _ = proc.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		_ = proc.Signal(syscall.SIGKILL)
	}
}

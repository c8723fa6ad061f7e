package store

import "path/filepath"

// Layout resolves the persisted-entity paths under a single DATA_ROOT,
// following the hierarchy: tenants/<tid>/{tenant.json, secrets.json,
// audit.log, pools/<pid>/{pool.json, artifacts/, snapshots/base/,
// instances/<iid>/{instance.json, runtime/, volumes/, snapshots/delta/,
// jail/root/}}}.
type Layout struct {
	Root string
}

func (l Layout) TenantDir(tid string) string { return filepath.Join(l.Root, "tenants", tid) }
func (l Layout) TenantFile(tid string) string { return filepath.Join(l.TenantDir(tid), "tenant.json") }
func (l Layout) SecretsFile(tid string) string { return filepath.Join(l.TenantDir(tid), "secrets.json") }
func (l Layout) AuditLog(tid string) string { return filepath.Join(l.TenantDir(tid), "audit.log") }
func (l Layout) SSHKey(tid string) string { return filepath.Join(l.TenantDir(tid), "ssh_key") }

func (l Layout) PoolDir(tid, pid string) string { return filepath.Join(l.TenantDir(tid), "pools", pid) }
func (l Layout) PoolFile(tid, pid string) string { return filepath.Join(l.PoolDir(tid, pid), "pool.json") }
func (l Layout) BuildHistoryFile(tid, pid string) string {
	return filepath.Join(l.PoolDir(tid, pid), "build_history.json")
}
func (l Layout) ArtifactsDir(tid, pid string) string { return filepath.Join(l.PoolDir(tid, pid), "artifacts") }
func (l Layout) CurrentRevisionLink(tid, pid string) string {
	return filepath.Join(l.ArtifactsDir(tid, pid), "current")
}
func (l Layout) RevisionDir(tid, pid, hash string) string {
	return filepath.Join(l.ArtifactsDir(tid, pid), "revisions", hash)
}
func (l Layout) LastFlakeLockHash(tid, pid string) string {
	return filepath.Join(l.ArtifactsDir(tid, pid), "last_flake_lock.hash")
}
func (l Layout) BaseSnapshotDir(tid, pid string) string {
	return filepath.Join(l.PoolDir(tid, pid), "snapshots", "base")
}

func (l Layout) InstanceDir(tid, pid, iid string) string {
	return filepath.Join(l.PoolDir(tid, pid), "instances", iid)
}
func (l Layout) InstanceFile(tid, pid, iid string) string {
	return filepath.Join(l.InstanceDir(tid, pid, iid), "instance.json")
}
func (l Layout) RuntimeDir(tid, pid, iid string) string {
	return filepath.Join(l.InstanceDir(tid, pid, iid), "runtime")
}
func (l Layout) VolumesDir(tid, pid, iid string) string {
	return filepath.Join(l.InstanceDir(tid, pid, iid), "volumes")
}
func (l Layout) DeltaSnapshotDir(tid, pid, iid string) string {
	return filepath.Join(l.InstanceDir(tid, pid, iid), "snapshots", "delta")
}
func (l Layout) JailRootDir(tid, pid, iid string) string {
	return filepath.Join(l.InstanceDir(tid, pid, iid), "jail", "root")
}

func (l Layout) SocketPath(tid, pid, iid string) string {
	return filepath.Join(l.RuntimeDir(tid, pid, iid), "firecracker.socket")
}
func (l Layout) PIDPath(tid, pid, iid string) string {
	return filepath.Join(l.RuntimeDir(tid, pid, iid), "fc.pid")
}
func (l Layout) LogPath(tid, pid, iid string) string {
	return filepath.Join(l.RuntimeDir(tid, pid, iid), "firecracker.log")
}
func (l Layout) VsockPath(tid, pid, iid string) string {
	return filepath.Join(l.RuntimeDir(tid, pid, iid), "v.sock")
}
func (l Layout) ConfigFilePath(tid, pid, iid string) string {
	return filepath.Join(l.RuntimeDir(tid, pid, iid), "fc.json")
}
func (l Layout) MetricsFIFOPath(tid, pid, iid string) string {
	return filepath.Join(l.RuntimeDir(tid, pid, iid), "metrics.fifo")
}

func (l Layout) DataVolumePath(tid, pid, iid string) string {
	return filepath.Join(l.VolumesDir(tid, pid, iid), "data.ext4")
}
func (l Layout) SecretsVolumePath(tid, pid, iid string) string {
	return filepath.Join(l.VolumesDir(tid, pid, iid), "secrets.ext4")
}
func (l Layout) ConfigVolumePath(tid, pid, iid string) string {
	return filepath.Join(l.VolumesDir(tid, pid, iid), "config.ext4")
}

package quota

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mvm-project/mvm/internal/domain"
)

const cgroupRoot = "/sys/fs/cgroup/mvm"

// CgroupPath returns an instance's cgroup-v2 directory.
func CgroupPath(tid, iid string) string {
	return filepath.Join(cgroupRoot, tid, iid)
}

// CreateCgroup creates the per-instance cgroup-v2 directory and writes
// its resource caps: memory.max, cpu.max, pids.max.
func CreateCgroup(tid, iid string, vcpus uint8, memMiB uint32) error {
	dir := CgroupPath(tid, iid)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return domain.WrapError(domain.KindInternal, err, "mkdir cgroup %s", dir)
	}
	memMax := int64(memMiB) * 1024 * 1024
	cpuMax := fmt.Sprintf("%d 100000", int(vcpus)*100000)
	pidsMax := int(vcpus) * 512

	if err := writeCgroupFile(dir, "memory.max", strconv.FormatInt(memMax, 10)); err != nil {
		return err
	}
	if err := writeCgroupFile(dir, "cpu.max", cpuMax); err != nil {
		return err
	}
	if err := writeCgroupFile(dir, "pids.max", strconv.Itoa(pidsMax)); err != nil {
		return err
	}
	return nil
}

func writeCgroupFile(dir, file, value string) error {
	path := filepath.Join(dir, file)
	if err := os.WriteFile(path, []byte(value), 0o644); err != nil {
		return domain.WrapError(domain.KindInternal, err, "write %s", path)
	}
	return nil
}

// RemoveCgroup migrates any remaining processes in the instance's cgroup
// up to the tenant parent cgroup, then removes the instance's cgroup
// directory.
func RemoveCgroup(tid, iid string) error {
	dir := CgroupPath(tid, iid)
	parent := filepath.Join(cgroupRoot, tid)

	procsPath := filepath.Join(dir, "cgroup.procs")
	if data, err := os.ReadFile(procsPath); err == nil {
		for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
			if line == "" {
				continue
			}
			_ = os.WriteFile(filepath.Join(parent, "cgroup.procs"), []byte(line), 0o644)
		}
	}
	if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
		return domain.WrapError(domain.KindInternal, err, "rmdir cgroup %s", dir)
	}
	return nil
}

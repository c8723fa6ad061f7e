// Package jailer launches the Firecracker hypervisor either chroot-jailed
// (production default) or directly (dev fallback), deriving a unique
// uid/gid per instance and wiring seccomp filters. Socket-readiness
// polling is grounded on the teacher's internal/firecracker/vm.go
// waitForSocket.
package jailer

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mvm-project/mvm/internal/domain"
	"github.com/mvm-project/mvm/internal/shell"
)

// Mode selects jailed vs direct launch.
type Mode string

const (
	ModeJailed Mode = "jailed"
	ModeDirect Mode = "direct"
)

// LaunchSpec describes one hypervisor process to start.
type LaunchSpec struct {
	Mode           Mode
	JailerBin      string
	FirecrackerBin string
	InstanceID     string
	UID            int // ComputeUID(net_id, offset)
	ChrootBaseDir  string
	JailRoot       string // instance jail/root dir, only used when Mode == ModeJailed
	SocketPath     string
	ConfigFilePath string // optional; empty to omit --config-file
	SeccompFilter  string // optional path; empty means baseline (built-in) filter
	LogPath        string

	// Jail staging inputs, hard-linked into JailRoot when Mode == ModeJailed.
	KernelPath string
	RootfsPath string
	DataPath   string // optional
	SecretsPath string // optional

	ProductionMode bool
}

// Process is a launched hypervisor instance.
type Process struct {
	Cmd *exec.Cmd
	PID int
}

// Launch starts the hypervisor per spec, returning once the process has
// been spawned (not once the API socket is ready -- callers poll
// WaitForSocket separately).
func Launch(ctx context.Context, runner shell.Runner, spec LaunchSpec) (*Process, error) {
	if spec.Mode == ModeJailed {
		if _, err := os.Stat(spec.JailerBin); err != nil {
			if spec.ProductionMode {
				return nil, domain.WrapError(domain.KindProductionJailerRequired, err, "jailer binary unavailable in production mode")
			}
			spec.Mode = ModeDirect
		}
	}

	if spec.Mode == ModeJailed {
		if err := stageJailRoot(spec); err != nil {
			return nil, err
		}
		return launchJailed(ctx, spec)
	}
	return launchDirect(ctx, spec)
}

func stageJailRoot(spec LaunchSpec) error {
	devDir := filepath.Join(spec.JailRoot, "dev")
	if err := os.MkdirAll(filepath.Join(devDir, "net"), 0o755); err != nil {
		return domain.WrapError(domain.KindInternal, err, "mkdir jail dev dirs")
	}
	if err := mknodIfAbsent(filepath.Join(devDir, "kvm"), 0o600|unix.S_IFCHR, unix.Mkdev(10, 232)); err != nil {
		return err
	}
	if err := mknodIfAbsent(filepath.Join(devDir, "net", "tun"), 0o600|unix.S_IFCHR, unix.Mkdev(10, 200)); err != nil {
		return err
	}

	links := map[string]string{
		spec.KernelPath: filepath.Join(spec.JailRoot, "vmlinux"),
		spec.RootfsPath: filepath.Join(spec.JailRoot, "rootfs.ext4"),
	}
	if spec.DataPath != "" {
		links[spec.DataPath] = filepath.Join(spec.JailRoot, "data.ext4")
	}
	if spec.SecretsPath != "" {
		links[spec.SecretsPath] = filepath.Join(spec.JailRoot, "secrets.ext4")
	}
	for src, dst := range links {
		if src == "" {
			continue
		}
		_ = os.Remove(dst)
		if err := os.Link(src, dst); err != nil {
			return domain.WrapError(domain.KindInternal, err, "hardlink %s -> %s", src, dst)
		}
	}
	if spec.ConfigFilePath != "" {
		dst := filepath.Join(spec.JailRoot, filepath.Base(spec.ConfigFilePath))
		_ = os.Remove(dst)
		if err := os.Link(spec.ConfigFilePath, dst); err != nil {
			return domain.WrapError(domain.KindInternal, err, "hardlink config %s -> %s", spec.ConfigFilePath, dst)
		}
	}
	return nil
}

func mknodIfAbsent(path string, mode uint32, dev uint64) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := unix.Mknod(path, mode, int(dev)); err != nil && err != unix.EEXIST {
		return domain.WrapError(domain.KindInternal, err, "mknod %s", path)
	}
	return nil
}

func launchJailed(ctx context.Context, spec LaunchSpec) (*Process, error) {
	args := []string{
		"--id", spec.InstanceID,
		"--exec-file", spec.FirecrackerBin,
		"--uid", itoa(spec.UID),
		"--gid", itoa(spec.UID),
		"--chroot-base-dir", spec.ChrootBaseDir,
		"--",
		"--api-sock", "/firecracker.socket",
	}
	if spec.ConfigFilePath != "" {
		args = append(args, "--config-file", "/"+filepath.Base(spec.ConfigFilePath))
	}
	if spec.SeccompFilter != "" {
		args = append(args, "--seccomp-filter", spec.SeccompFilter)
	}
	if spec.LogPath != "" {
		args = append(args, "--log-path", spec.LogPath)
	}
	return spawn(ctx, spec.JailerBin, args)
}

func launchDirect(ctx context.Context, spec LaunchSpec) (*Process, error) {
	args := []string{"--api-sock", spec.SocketPath}
	if spec.ConfigFilePath != "" {
		args = append(args, "--config-file", spec.ConfigFilePath)
	}
	if spec.SeccompFilter != "" {
		args = append(args, "--seccomp-filter", spec.SeccompFilter)
	}
	if spec.LogPath != "" {
		args = append(args, "--log-path", spec.LogPath)
	}
	return spawn(ctx, spec.FirecrackerBin, args)
}

func spawn(_ context.Context, bin string, args []string) (*Process, error) {
	cmd := exec.Command(bin, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, domain.WrapError(domain.KindHypervisorAPI, err, "spawn %s", bin)
	}
	return &Process{Cmd: cmd, PID: cmd.Process.Pid}, nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// WaitForSocket polls for path to appear, up to 30 attempts at 100ms,
// checking the process is still alive between attempts.
func WaitForSocket(ctx context.Context, path string, proc *Process) error {
	const attempts = 30
	const interval = 100 * time.Millisecond
	for i := 0; i < attempts; i++ {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		if proc.Cmd.ProcessState != nil {
			return domain.NewError(domain.KindHypervisorAPI, "process exited before api socket appeared")
		}
		if err := proc.Cmd.Process.Signal(syscall.Signal(0)); err != nil {
			return domain.WrapError(domain.KindHypervisorAPI, err, "process died waiting for socket")
		}
		select {
		case <-ctx.Done():
			return domain.WrapError(domain.KindHypervisorAPI, ctx.Err(), "waiting for api socket")
		case <-time.After(interval):
		}
	}
	return domain.NewError(domain.KindHypervisorAPI, "timed out waiting for api socket %s", path)
}

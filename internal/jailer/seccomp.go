package jailer

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/mvm-project/mvm/internal/domain"
)

// seccompRule mirrors Firecracker's seccompiler JSON rule shape.
type seccompRule struct {
	SyscallName string `json:"syscall"`
}

type seccompThread struct {
	DefaultAction string        `json:"default_action"`
	FilterAction  string        `json:"filter_action"`
	Filter        []seccompRule `json:"filter"`
}

// strictSyscalls is the restrictive allowlist for the three Firecracker
// threads (Vmm, Api, Vcpu), each trapping on anything not explicitly
// permitted. The syscall set is the minimum needed to run a paravirtual
// microVM: memory management, futex-based synchronization, I/O on the
// API socket / vsock / TAP fd, and timers.
var strictSyscalls = []string{
	"read", "write", "close", "poll", "mmap", "mprotect", "munmap",
	"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "ioctl", "readv",
	"writev", "madvise", "accept4", "recvfrom", "sendto", "futex",
	"clock_gettime", "exit", "exit_group", "epoll_wait", "epoll_ctl",
	"timerfd_create", "timerfd_settime", "signalfd4", "eventfd2",
	"getrandom", "openat", "fstat", "lseek", "pread64", "pwrite64",
	"fsync", "dup", "dup2", "socket", "connect", "bind", "listen",
	"setsockopt", "getsockopt", "clone", "sched_getaffinity", "tgkill",
}

func buildStrictFilter() map[string]seccompThread {
	var rules []seccompRule
	for _, name := range strictSyscalls {
		rules = append(rules, seccompRule{SyscallName: name})
	}
	thread := seccompThread{DefaultAction: "trap", FilterAction: "allow", Filter: rules}
	return map[string]seccompThread{
		"Vmm":  thread,
		"Api":  thread,
		"Vcpu": thread,
	}
}

// MaterializeStrictProfile writes the strict seccomp profile JSON to dir
// (a well-known path) once, reusing it for every jailed launch that
// requests SeccompStrict. Returns the profile's path.
func MaterializeStrictProfile(dir string) (string, error) {
	path := filepath.Join(dir, "seccomp-strict.json")
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	data, err := json.MarshalIndent(buildStrictFilter(), "", "  ")
	if err != nil {
		return "", domain.WrapError(domain.KindInternal, err, "marshal strict seccomp profile")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", domain.WrapError(domain.KindInternal, err, "mkdir %s", dir)
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return "", domain.WrapError(domain.KindInternal, err, "write %s", path)
	}
	return path, nil
}

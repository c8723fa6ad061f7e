// Package netfabric owns per-tenant Linux bridges, NAT/forward rules, and
// per-instance TAP attachment. Grounded directly on the teacher's
// internal/firecracker/vm.go ensureBridge/createTAP: idempotent shell-outs
// to ip(8) and iptables(8), with existence checks guarding every rule
// insertion.
package netfabric

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/mvm-project/mvm/internal/domain"
	"github.com/mvm-project/mvm/internal/shell"
)

// Fabric serializes all network-fabric mutations behind a single mutex,
// since kernel netlink calls and iptables table edits are not atomic
// with respect to each other (spec §5 shared-resource discipline).
type Fabric struct {
	mu     sync.Mutex
	runner shell.Runner
}

func New(runner shell.Runner) *Fabric {
	return &Fabric{runner: runner}
}

// EnsureTenantBridge is idempotent: if the bridge already exists with the
// gateway assigned and all three rules present, it does nothing further.
func (f *Fabric) EnsureTenantBridge(ctx context.Context, t *domain.Tenant) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.bridgeExists(ctx, t.BridgeName) {
		if _, err := f.runner.Run(ctx, nil, "ip", "link", "add", t.BridgeName, "type", "bridge"); err != nil {
			return domain.WrapError(domain.KindNetworkSetup, err, "create bridge %s", t.BridgeName)
		}
	}
	prefix := prefixFromCIDR(t.CIDR)
	gwCIDR := fmt.Sprintf("%s/%d", t.GatewayIP, prefix)
	if !f.addrAssigned(ctx, t.BridgeName, gwCIDR) {
		if _, err := f.runner.Run(ctx, nil, "ip", "addr", "add", gwCIDR, "dev", t.BridgeName); err != nil {
			return domain.WrapError(domain.KindNetworkSetup, err, "assign gateway %s to %s", gwCIDR, t.BridgeName)
		}
	}
	if _, err := f.runner.Run(ctx, nil, "ip", "link", "set", t.BridgeName, "up"); err != nil {
		return domain.WrapError(domain.KindNetworkSetup, err, "bring up bridge %s", t.BridgeName)
	}

	if err := f.ensureRule(ctx, []string{"-t", "nat", "-C", "POSTROUTING", "-s", t.CIDR, "!", "-o", t.BridgeName, "-j", "MASQUERADE"}); err != nil {
		return err
	}
	if err := f.ensureRule(ctx, []string{"-C", "FORWARD", "-i", t.BridgeName, "!", "-o", t.BridgeName, "-j", "ACCEPT"}); err != nil {
		return err
	}
	if err := f.ensureRule(ctx, []string{"-C", "FORWARD", "-o", t.BridgeName, "-m", "conntrack", "--ctstate", "RELATED,ESTABLISHED", "-j", "ACCEPT"}); err != nil {
		return err
	}
	return nil
}

// ensureRule installs an iptables rule iff the -C existence check fails.
// checkArgs is the full argv for the -C (check) invocation; the insert
// argv is derived by substituting -A for -C.
func (f *Fabric) ensureRule(ctx context.Context, checkArgs []string) error {
	if _, err := f.runner.Run(ctx, nil, "iptables", checkArgs...); err == nil {
		return nil // already present
	}
	insertArgs := make([]string, len(checkArgs))
	copy(insertArgs, checkArgs)
	for i, a := range insertArgs {
		if a == "-C" {
			insertArgs[i] = "-A"
			break
		}
	}
	if _, err := f.runner.Run(ctx, nil, "iptables", insertArgs...); err != nil {
		return domain.WrapError(domain.KindNetworkSetup, err, "install rule %v", insertArgs)
	}
	return nil
}

func (f *Fabric) bridgeExists(ctx context.Context, name string) bool {
	out, err := f.runner.Run(ctx, nil, "ip", "link", "show", name)
	return err == nil && len(out) > 0
}

func (f *Fabric) addrAssigned(ctx context.Context, dev, cidr string) bool {
	out, err := f.runner.Run(ctx, nil, "ip", "addr", "show", "dev", dev)
	return err == nil && strings.Contains(string(out), cidr)
}

// SetupTAP creates a TAP device, attaches it to the bridge, and brings
// it up.
func (f *Fabric) SetupTAP(ctx context.Context, tapName, bridge string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := f.runner.Run(ctx, nil, "ip", "tuntap", "add", tapName, "mode", "tap"); err != nil {
		return domain.WrapError(domain.KindNetworkSetup, err, "create tap %s", tapName)
	}
	if _, err := f.runner.Run(ctx, nil, "ip", "link", "set", tapName, "master", bridge); err != nil {
		return domain.WrapError(domain.KindNetworkSetup, err, "attach tap %s to %s", tapName, bridge)
	}
	if _, err := f.runner.Run(ctx, nil, "ip", "link", "set", tapName, "up"); err != nil {
		return domain.WrapError(domain.KindNetworkSetup, err, "bring up tap %s", tapName)
	}
	return nil
}

// TeardownTAP removes a TAP device, ignoring absence.
func (f *Fabric) TeardownTAP(ctx context.Context, tapName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, _ = f.runner.Run(ctx, nil, "ip", "link", "delete", tapName)
	return nil
}

// DestroyTenantBridge removes a tenant's bridge, ignoring absence.
func (f *Fabric) DestroyTenantBridge(ctx context.Context, bridgeName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, _ = f.runner.Run(ctx, nil, "ip", "link", "delete", bridgeName)
	return nil
}

func prefixFromCIDR(cidr string) int {
	i := strings.IndexByte(cidr, '/')
	if i < 0 {
		return 24
	}
	var prefix int
	fmt.Sscanf(cidr[i+1:], "%d", &prefix)
	if prefix == 0 {
		return 24
	}
	return prefix
}

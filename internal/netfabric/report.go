package netfabric

import (
	"context"
	"fmt"
	"strings"

	"github.com/mvm-project/mvm/internal/domain"
)

// BridgeReport summarizes the observed state of a tenant bridge against
// what it should be, per the tenant record.
type BridgeReport struct {
	BridgeName      string
	Exists          bool
	Up              bool
	GatewayAssigned bool
	RulesPresent    [3]bool
	CrossTenantTAPs []string // TAPs attached that don't belong to this tenant's prefix
	MissingDropRules []string // other tenant bridges lacking a DROP rule into this one
}

// OK reports whether every check passed.
func (r *BridgeReport) OK() bool {
	if !r.Exists || !r.Up || !r.GatewayAssigned {
		return false
	}
	for _, ok := range r.RulesPresent {
		if !ok {
			return false
		}
	}
	return len(r.CrossTenantTAPs) == 0 && len(r.MissingDropRules) == 0
}

// Verify synthesizes the expected state from t and otherTenants (bridges
// belonging to other tenants on the same node) and checks it against the
// live system.
func (f *Fabric) Verify(ctx context.Context, t *domain.Tenant, otherTenants []*domain.Tenant) (*BridgeReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	r := &BridgeReport{BridgeName: t.BridgeName}
	out, err := f.runner.Run(ctx, nil, "ip", "link", "show", t.BridgeName)
	r.Exists = err == nil && len(out) > 0
	r.Up = r.Exists && strings.Contains(string(out), "UP")

	prefix := prefixFromCIDR(t.CIDR)
	gwCIDR := fmt.Sprintf("%s/%d", t.GatewayIP, prefix)
	r.GatewayAssigned = f.addrAssigned(ctx, t.BridgeName, gwCIDR)

	checks := [][]string{
		{"-t", "nat", "-C", "POSTROUTING", "-s", t.CIDR, "!", "-o", t.BridgeName, "-j", "MASQUERADE"},
		{"-C", "FORWARD", "-i", t.BridgeName, "!", "-o", t.BridgeName, "-j", "ACCEPT"},
		{"-C", "FORWARD", "-o", t.BridgeName, "-m", "conntrack", "--ctstate", "RELATED,ESTABLISHED", "-j", "ACCEPT"},
	}
	for i, args := range checks {
		_, err := f.runner.Run(ctx, nil, "iptables", args...)
		r.RulesPresent[i] = err == nil
	}

	// Cross-tenant TAP attachment: list devices attached to this bridge
	// and flag any whose name doesn't carry this tenant's net_id prefix.
	brOut, _ := f.runner.Run(ctx, nil, "ip", "link", "show", "master", t.BridgeName)
	wantPrefix := fmt.Sprintf("tn%d", t.NetID)
	for _, line := range strings.Split(string(brOut), "\n") {
		name := extractIfaceName(line)
		if name == "" || !strings.HasPrefix(name, "tn") {
			continue
		}
		if !strings.HasPrefix(name, wantPrefix+"i") {
			r.CrossTenantTAPs = append(r.CrossTenantTAPs, name)
		}
	}

	for _, other := range otherTenants {
		if other.ID == t.ID {
			continue
		}
		_, err := f.runner.Run(ctx, nil, "iptables", "-C", "FORWARD", "-i", other.BridgeName, "-o", t.BridgeName, "-j", "DROP")
		if err != nil {
			r.MissingDropRules = append(r.MissingDropRules, other.BridgeName)
		}
	}

	return r, nil
}

func extractIfaceName(line string) string {
	// "NN: tn3i5@if7: <flags> ..." -> "tn3i5"
	i := strings.Index(line, ": ")
	if i < 0 {
		return ""
	}
	rest := line[i+2:]
	j := strings.IndexAny(rest, "@: ")
	if j < 0 {
		return ""
	}
	return rest[:j]
}

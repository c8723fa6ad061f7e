package netfabric

import (
	"context"
	"testing"

	"github.com/mvm-project/mvm/internal/domain"
	"github.com/mvm-project/mvm/internal/shell"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureTenantBridgeIdempotent(t *testing.T) {
	runner := shell.NewFakeRunner()
	fab := New(runner)
	tenant := &domain.Tenant{ID: "acme", NetID: 3, CIDR: "10.240.3.0/24", GatewayIP: "10.240.3.1", BridgeName: "br-tenant-3"}

	// First pass: the bridge gets created; the unscripted fake answers
	// every iptables -C check with success, so no rule is inserted.
	require.NoError(t, fab.EnsureTenantBridge(context.Background(), tenant))
	createCalls := 0
	for _, c := range runner.Calls {
		if c.Name == "ip" && len(c.Args) > 1 && c.Args[0] == "link" && c.Args[1] == "add" {
			createCalls++
		}
	}
	assert.Equal(t, 1, createCalls)

	// Second pass: script the bridge/addr as already present, so a rerun
	// does not attempt to recreate them.
	runner2 := shell.NewFakeRunner()
	runner2.Script(shell.Response{Output: []byte("3: br-tenant-3: <BROADCAST,UP> ...")}, "ip", "link", "show", "br-tenant-3")
	runner2.Script(shell.Response{Output: []byte("inet 10.240.3.1/24 scope global br-tenant-3")}, "ip", "addr", "show", "dev", "br-tenant-3")
	runner2.Script(shell.Response{}, "iptables", "-t", "nat", "-C", "POSTROUTING", "-s", "10.240.3.0/24", "!", "-o", "br-tenant-3", "-j", "MASQUERADE")
	runner2.Script(shell.Response{}, "iptables", "-C", "FORWARD", "-i", "br-tenant-3", "!", "-o", "br-tenant-3", "-j", "ACCEPT")
	runner2.Script(shell.Response{}, "iptables", "-C", "FORWARD", "-o", "br-tenant-3", "-m", "conntrack", "--ctstate", "RELATED,ESTABLISHED", "-j", "ACCEPT")
	fab2 := New(runner2)
	require.NoError(t, fab2.EnsureTenantBridge(context.Background(), tenant))

	for _, c := range runner2.Calls {
		assert.NotEqualf(t, []string{"link", "add", "br-tenant-3", "type", "bridge"}, c.Args, "idempotent rerun should not recreate an existing bridge")
	}
}

func TestSetupAndTeardownTAP(t *testing.T) {
	runner := shell.NewFakeRunner()
	fab := New(runner)
	require.NoError(t, fab.SetupTAP(context.Background(), "tn3i5", "br-tenant-3"))
	require.NoError(t, fab.TeardownTAP(context.Background(), "tn3i5"))
}

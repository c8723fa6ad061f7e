package store

import (
	"os"
	"testing"

	"github.com/mvm-project/mvm/internal/domain"
	"github.com/stretchr/testify/require"
)

func TestTenantRoundTrip(t *testing.T) {
	s := New(t.TempDir())
	tenant := &domain.Tenant{
		ID: "acme", NetID: 3, CIDR: "10.240.3.0/24", GatewayIP: "10.240.3.1",
		BridgeName: "br-tenant-3", Quota: domain.DefaultTenantQuota(),
	}
	require.NoError(t, s.SaveTenant(tenant))

	loaded, err := s.LoadTenant("acme")
	require.NoError(t, err)
	require.Equal(t, tenant.ID, loaded.ID)
	require.Equal(t, tenant.NetID, loaded.NetID)
	require.Equal(t, tenant.Quota, loaded.Quota)
}

func TestLoadTenantNotFound(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.LoadTenant("missing")
	require.Error(t, err)
	var derr *domain.Error
	require.ErrorAs(t, err, &derr)
	require.Equal(t, domain.KindNotFound, derr.Kind)
}

func TestInstanceForwardCompatibleLoad(t *testing.T) {
	root := t.TempDir()
	s := New(root)
	// instance.json written without the newer optional timestamp fields
	path := s.Layout.InstanceFile("acme", "workers", "i-deadbeef")
	raw := `{"id":"i-deadbeef","pool_id":"workers","tenant_id":"acme","status":"Stopped","resources":{"vcpus":2,"mem_mib":1024,"data_disk_mib":2048}}`
	require.NoError(t, os.MkdirAll(s.Layout.InstanceDir("acme", "workers", "i-deadbeef"), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o640))

	inst, err := s.LoadInstance("acme", "workers", "i-deadbeef")
	require.NoError(t, err)
	require.Equal(t, domain.StatusStopped, inst.Status)
	require.Nil(t, inst.LastStartedAt)
	require.Nil(t, inst.EnteredRunningAt)
}

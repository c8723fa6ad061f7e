package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mvm-project/mvm/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeUnderTenantRejectsTraversal(t *testing.T) {
	root := t.TempDir()
	tenantDir := filepath.Join(root, "tenants", "acme")
	require.NoError(t, os.MkdirAll(tenantDir, 0o700))

	outside := filepath.Join(root, "tenants", "other-tenant", "secret")
	require.NoError(t, os.MkdirAll(filepath.Dir(outside), 0o700))

	// A symlink inside acme's tree that escapes to another tenant's dir.
	link := filepath.Join(tenantDir, "escape")
	require.NoError(t, os.Symlink(outside, link))

	_, err := CanonicalizeUnderTenant(root, "acme", link)
	assert.Error(t, err)
	var derr *domain.Error
	assert.ErrorAs(t, err, &derr)
	assert.Equal(t, domain.KindSnapshotIO, derr.Kind)
}

func TestCanonicalizeUnderTenantAcceptsInsidePath(t *testing.T) {
	root := t.TempDir()
	tenantDir := filepath.Join(root, "tenants", "acme", "pools", "workers")
	require.NoError(t, os.MkdirAll(tenantDir, 0o700))

	_, err := CanonicalizeUnderTenant(root, "acme", tenantDir)
	assert.NoError(t, err)
}

func TestRestoreNoBaseReturnsNoSnapshot(t *testing.T) {
	root := t.TempDir()
	baseDir := filepath.Join(root, "tenants", "acme", "pools", "workers", "snapshots", "base")
	require.NoError(t, os.MkdirAll(baseDir, 0o700))

	err := Restore(nil, RestoreInput{
		DataRoot: root, TenantID: "acme", BaseDir: baseDir,
		RuntimeDir: t.TempDir(), SocketPath: "/nonexistent.sock",
	})
	assert.Error(t, err)
	var derr *domain.Error
	assert.ErrorAs(t, err, &derr)
	assert.Equal(t, domain.KindNoSnapshot, derr.Kind)
}

func TestBaseValid(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeMeta(dir, Meta{Type: "base", Revision: "rev-1"}))
	assert.True(t, BaseValid(dir, "rev-1"))
	assert.False(t, BaseValid(dir, "rev-2"))
}

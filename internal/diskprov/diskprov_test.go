package diskprov

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/mvm-project/mvm/internal/shell"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureDataVolumeCreatesOnlyOnce(t *testing.T) {
	runner := shell.NewFakeRunner()
	p := New(runner)
	path := filepath.Join(t.TempDir(), "data.ext4")

	require.NoError(t, p.EnsureDataVolume(context.Background(), path, 2048))
	assert.Len(t, runner.Calls, 1)

	// Second call: file already exists, no further mkfs invocation.
	require.NoError(t, p.EnsureDataVolume(context.Background(), path, 2048))
	assert.Len(t, runner.Calls, 1)
}

func TestMapperNameDeterministic(t *testing.T) {
	assert.Equal(t, "mvm-acme-i-deadbeef", MapperName("acme", "i-deadbeef"))
}

func TestCreateSecretsDriveNeverPassesKeyOnArgv(t *testing.T) {
	runner := shell.NewFakeRunner()
	p := New(runner)
	dest := filepath.Join(t.TempDir(), "secrets.ext4")
	require.NoError(t, p.CreateSecretsDrive(context.Background(), dest, map[string]string{"api_key": "s3cr3t"}))

	for _, c := range runner.Calls {
		for _, a := range c.Args {
			assert.NotContains(t, a, "s3cr3t", "secret value must never appear on argv")
		}
	}
}

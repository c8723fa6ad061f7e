package jailer

import (
	"testing"

	"github.com/mvm-project/mvm/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestComputeUIDMatchesDomain(t *testing.T) {
	// jailer relies on domain.ComputeUID; sanity check the formula it
	// expects to receive is exactly the deterministic one.
	assert.Equal(t, 10000+3*256+5, domain.ComputeUID(3, 5))
}

func TestMaterializeStrictProfileIdempotent(t *testing.T) {
	dir := t.TempDir()
	p1, err := MaterializeStrictProfile(dir)
	assert.NoError(t, err)
	p2, err := MaterializeStrictProfile(dir)
	assert.NoError(t, err)
	assert.Equal(t, p1, p2)
}

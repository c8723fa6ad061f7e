package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateID(t *testing.T) {
	assert.NoError(t, ValidateID("acme"))
	assert.NoError(t, ValidateID("a"))
	assert.Error(t, ValidateID(""))
	assert.Error(t, ValidateID("-acme"))
	assert.Error(t, ValidateID("acme-"))
	assert.Error(t, ValidateID("Acme"))
	assert.Error(t, ValidateID("acme_1"))
}

func TestGenerateInstanceID(t *testing.T) {
	id, err := GenerateInstanceID()
	require.NoError(t, err)
	assert.Len(t, id, 10)
	assert.NoError(t, ValidateInstanceID(id))
}

func TestTAPNameBound(t *testing.T) {
	for netID := 0; netID <= 4095; netID += 137 {
		for off := 0; off <= 254; off += 31 {
			name := TAPName(netID, off)
			assert.LessOrEqualf(t, len(name), 15, "tap name %q for (%d,%d) exceeds 15 chars", name, netID, off)
		}
	}
}

func TestMACDeterminism(t *testing.T) {
	a := MACAddress(3, 5)
	b := MACAddress(3, 5)
	assert.Equal(t, a, b)
	assert.Regexp(t, `^02:fc:`, a)
	assert.NotEqual(t, a, MACAddress(4, 5))
}

func TestComputeUIDCollisionFree(t *testing.T) {
	seen := make(map[int]struct{ net, off int })
	for net := 0; net <= 20; net++ {
		for off := 0; off <= 254; off++ {
			u := ComputeUID(net, off)
			if prev, ok := seen[u]; ok {
				t.Fatalf("uid collision: (%d,%d) and (%d,%d) both produce %d", net, off, prev.net, prev.off, u)
			}
			seen[u] = struct{ net, off int }{net, off}
		}
	}
}

func TestCIDRToMaskBoundaries(t *testing.T) {
	assert.Equal(t, "0.0.0.0", CIDRToMask(0))
	assert.Equal(t, "255.255.255.255", CIDRToMask(32))
	assert.Equal(t, "255.255.255.0", CIDRToMask(24))
	assert.Equal(t, "255.255.255.128", CIDRToMask(25))
}

func TestNextOffset(t *testing.T) {
	off, err := NextOffset(map[int]bool{})
	require.NoError(t, err)
	assert.Equal(t, MinAllocatableOffset, off)

	used := map[int]bool{3: true, 4: true, 6: true}
	off, err = NextOffset(used)
	require.NoError(t, err)
	assert.Equal(t, 5, off)
}

func TestNextOffsetExhausted(t *testing.T) {
	used := make(map[int]bool)
	for i := MinAllocatableOffset; i <= MaxAllocatableOffset; i++ {
		used[i] = true
	}
	_, err := NextOffset(used)
	assert.Error(t, err)
}

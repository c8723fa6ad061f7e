package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGatewayFromCIDR(t *testing.T) {
	assert.Equal(t, "10.30.2.1", gatewayFromCIDR("10.30.2.0/24"))
}

func TestGuestIPFromOffset(t *testing.T) {
	assert.Equal(t, "10.30.2.5", guestIPFromOffset("10.30.2.0/24", 5))
	assert.Equal(t, "10.30.2.254", guestIPFromOffset("10.30.2.0/24", 254))
}

func TestCIDRPrefixDefaultsTo24(t *testing.T) {
	assert.Equal(t, 24, cidrPrefix("not-a-cidr"))
	assert.Equal(t, 20, cidrPrefix("10.0.0.0/20"))
}

func TestBridgeNameFormat(t *testing.T) {
	assert.Equal(t, "br-tenant-3", bridgeName(3))
	assert.NotEqual(t, bridgeName(3), bridgeName(7))
}

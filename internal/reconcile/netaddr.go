package reconcile

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/mvm-project/mvm/internal/domain"
)

// cidrPrefix extracts the prefix length from a CIDR string, defaulting to
// /24 per the normative tenant network shape (mirrors netfabric's own
// fallback for malformed input).
func cidrPrefix(cidr string) int {
	i := strings.IndexByte(cidr, '/')
	if i < 0 {
		return 24
	}
	n, err := strconv.Atoi(cidr[i+1:])
	if err != nil || n == 0 {
		return 24
	}
	return n
}

// gatewayFromCIDR derives the tenant gateway address: the network base
// address plus the reserved gateway offset.
func gatewayFromCIDR(cidr string) string {
	ip, _, err := net.ParseCIDR(cidr)
	if err != nil {
		return ""
	}
	return offsetIP(ip, domain.GatewayOffset)
}

// guestIPFromOffset derives an instance's guest IP from the tenant's
// network base address and its allocated offset.
func guestIPFromOffset(cidr string, offset int) string {
	ip, _, err := net.ParseCIDR(cidr)
	if err != nil {
		return ""
	}
	return offsetIP(ip, offset)
}

func offsetIP(base net.IP, offset int) string {
	v4 := base.To4()
	if v4 == nil {
		return ""
	}
	out := make(net.IP, len(v4))
	copy(out, v4)
	out[3] = byte(offset & 0xff)
	return out.String()
}

// bridgeName derives a tenant's bridge device name from its net_id.
func bridgeName(netID int) string {
	return fmt.Sprintf("br-tenant-%d", netID)
}

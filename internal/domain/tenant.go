package domain

import "time"

// TenantQuota bounds the resources a tenant's pools may collectively
// consume. Defaults mirror the reference fleet-manager implementation
// this module was modeled on.
type TenantQuota struct {
	MaxVCPUs            int `json:"max_vcpus"`
	MaxMemMiB           int `json:"max_mem_mib"`
	MaxRunning           int `json:"max_running"`
	MaxWarm              int `json:"max_warm"`
	MaxPools             int `json:"max_pools"`
	MaxInstancesPerPool  int `json:"max_instances_per_pool"`
	MaxDiskGiB           int `json:"max_disk_gib"`
}

// DefaultTenantQuota returns the standard per-tenant ceiling applied when
// a desired state omits an explicit quota.
func DefaultTenantQuota() TenantQuota {
	return TenantQuota{
		MaxVCPUs:           16,
		MaxMemMiB:          32768,
		MaxRunning:         8,
		MaxWarm:            4,
		MaxPools:           4,
		MaxInstancesPerPool: 16,
		MaxDiskGiB:         100,
	}
}

// Tenant is a security, isolation, and quota boundary. It owns a
// coordinator-assigned network identity, a quota record, and a monotonic
// secrets epoch / config version. Tenants carry no runtime state machine.
type Tenant struct {
	ID          string      `json:"id"`
	NetID       int         `json:"net_id"` // [0,4095], coordinator-assigned
	CIDR        string      `json:"cidr"`   // normatively a /24
	GatewayIP   string      `json:"gateway_ip"`
	BridgeName  string      `json:"bridge_name"`
	Quota       TenantQuota `json:"quota"`
	SecretsHash string      `json:"secrets_hash,omitempty"` // last-applied desired-state hash
	SecretsEpoch int        `json:"secrets_epoch"` // monotonic
	ConfigVersion int       `json:"config_version"` // monotonic
	Pinned      bool        `json:"pinned"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Validate enforces the structural invariants a loader must check before
// trusting a persisted tenant record.
func (t *Tenant) Validate() error {
	if err := ValidateID(t.ID); err != nil {
		return err
	}
	if t.NetID < 0 || t.NetID > 4095 {
		return NewError(KindInvalidID, "tenant %s: net_id %d out of range [0,4095]", t.ID, t.NetID)
	}
	if t.CIDR == "" || t.GatewayIP == "" {
		return NewError(KindInternal, "tenant %s: missing network identity", t.ID)
	}
	return nil
}

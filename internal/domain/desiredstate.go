package domain

// DesiredTenant is one tenant's declared configuration within a
// DesiredState payload.
type DesiredTenant struct {
	ID            string       `json:"id"`
	NetID         int          `json:"net_id"`
	CIDR          string       `json:"cidr"`
	Quota         *TenantQuota `json:"quota,omitempty"`
	SecretsHash   string       `json:"secrets_hash,omitempty"`
	Pools         []DesiredPool `json:"pools"`
}

// DesiredPool is one pool's declared configuration within a
// DesiredState payload.
type DesiredPool struct {
	ID            string        `json:"id"`
	FlakeRef      string        `json:"flake_ref"`
	Profile       string        `json:"profile"`
	Role          Role          `json:"role"`
	Resources     Resources     `json:"resources"`
	Desired       DesiredCounts `json:"desired"`
	RuntimePolicy RuntimePolicy `json:"runtime_policy"`
	Seccomp       SeccompPolicy `json:"seccomp"`
	Compression   Compression   `json:"compression"`
	Routes        *RoutingTable `json:"routes,omitempty"`
	SecretScopes  []string      `json:"secret_scopes,omitempty"`
}

// DesiredState is the declarative input folded by the reconcile loop.
type DesiredState struct {
	SchemaVersion int             `json:"schema_version"`
	NodeID        string          `json:"node_id"`
	Tenants       []DesiredTenant `json:"tenants"`
	PruneUnknownTenants bool      `json:"prune_unknown_tenants"`
	PruneUnknownPools   bool      `json:"prune_unknown_pools"`
}

package domain

// Role is the closed set of pool roles.
type Role string

const (
	RoleGateway  Role = "gateway"
	RoleWorker   Role = "worker"
	RoleBuilder  Role = "builder"
	RoleCapability Role = "capability"
)

// SeccompPolicy is the closed set of jailer seccomp filter levels.
type SeccompPolicy string

const (
	SeccompBaseline SeccompPolicy = "baseline"
	SeccompStrict   SeccompPolicy = "strict"
)

// Compression is the closed set of snapshot compression algorithms.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionLZ4  Compression = "lz4"
	CompressionZstd Compression = "zstd"
)

// RuntimePolicy governs how long an instance must run before reconcile
// will transition it out of Running/Warm, plus graceful shutdown/drain
// timeouts used by stop and sleep.
type RuntimePolicy struct {
	MinRuntimeSeconds        int `json:"min_runtime_seconds"`
	GracefulShutdownSeconds  int `json:"graceful_shutdown_seconds"`
	DrainTimeoutSeconds      int `json:"drain_timeout_seconds"`
}

// DesiredCounts is the per-status target population for a pool.
type DesiredCounts struct {
	Running  int `json:"running"`
	Warm     int `json:"warm"`
	Sleeping int `json:"sleeping"`
}

// Resources is the per-instance resource allotment inherited from a pool.
type Resources struct {
	VCPUs      uint8  `json:"vcpus"`
	MemMiB     uint32 `json:"mem_mib"`
	DataDiskMiB uint32 `json:"data_disk_mib"`
}

// Pool is an identical-image, identical-resource instance group within a
// tenant.
type Pool struct {
	ID            string        `json:"id"`
	TenantID      string        `json:"tenant_id"`
	FlakeRef      string        `json:"flake_ref"`
	Profile       string        `json:"profile"`
	Role          Role          `json:"role"`
	Resources     Resources     `json:"resources"`
	Desired       DesiredCounts `json:"desired"`
	RuntimePolicy RuntimePolicy `json:"runtime_policy"`
	Seccomp       SeccompPolicy `json:"seccomp"`
	Compression   Compression   `json:"compression"`
	Pinned        bool          `json:"pinned"`
	Critical      bool          `json:"critical"`
	SecretScopes  []string      `json:"secret_scopes,omitempty"`
	Routes        *RoutingTable `json:"routes,omitempty"`
	CurrentRevision string      `json:"current_revision,omitempty"`
}

// Validate enforces pool-level invariants: strictly positive resources
// and a desired population within the tenant's per-pool instance cap.
func (p *Pool) Validate(tenantMax int) error {
	if err := ValidateID(p.ID); err != nil {
		return err
	}
	if p.Resources.VCPUs == 0 || p.Resources.MemMiB == 0 || p.Resources.DataDiskMiB == 0 {
		return NewError(KindInvalidID, "pool %s: resources must be strictly positive", p.ID)
	}
	total := p.Desired.Running + p.Desired.Warm + p.Desired.Sleeping
	if total > tenantMax {
		return NewError(KindQuotaExceeded, "pool %s: desired total %d exceeds max_instances_per_pool %d", p.ID, total, tenantMax)
	}
	return nil
}

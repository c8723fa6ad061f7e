// Package config loads daemon configuration from YAML, in the teacher's
// struct-of-structs style (internal/config/config.go). gopkg.in/yaml.v3
// is the teacher's own dependency; the on-disk format here is YAML
// where the teacher uses JSON for its own config, since only yaml.v3
// appears in the retrieval pack for config-file parsing.
package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mvm-project/mvm/internal/domain"
)

// StoreConfig configures the persistence layer's DATA_ROOT.
type StoreConfig struct {
	DataRoot string `yaml:"data_root"`
}

// ReconcileConfig configures reconcile loop pacing and concurrency.
type ReconcileConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	Concurrency     int `yaml:"concurrency"` // default 4
}

// TLSConfig configures the mTLS transport for Agent RPC.
type TLSConfig struct {
	CertFile     string `yaml:"cert_file"`
	KeyFile      string `yaml:"key_file"`
	ClientCAFile string `yaml:"client_ca_file"`
}

// AgentRPCConfig configures the agent's inbound RPC listener.
type AgentRPCConfig struct {
	ListenAddr string    `yaml:"listen_addr"`
	TLS        TLSConfig `yaml:"tls"`
	GRPCAddr   string    `yaml:"grpc_addr,omitempty"`
}

// JailerConfig configures the jailer/launcher component.
type JailerConfig struct {
	JailerBin      string `yaml:"jailer_bin"`
	FirecrackerBin string `yaml:"firecracker_bin"`
	ChrootBaseDir  string `yaml:"chroot_base_dir"`
	ProductionMode bool   `yaml:"production_mode"`
}

// MetricsConfig configures Prometheus exposition.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	ListenAddr string `yaml:"listen_addr"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// LoggingConfig configures the ambient logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
	Path  string `yaml:"path,omitempty"`
}

// AuditConfig configures the audit sink, including the optional
// Postgres durable sink.
type AuditConfig struct {
	PostgresDSN string `yaml:"postgres_dsn,omitempty"`
}

// TrustedKeysConfig names the directory of Ed25519 public keys for
// desired-state signatures. cmd/agent does not load it, and the agent RPC
// handler runs Reconcile requests without checking their Signature.
type TrustedKeysConfig struct {
	Dir string `yaml:"dir"`
}

// AgentConfig is the full on-disk configuration for cmd/agent.
type AgentConfig struct {
	NodeID    string            `yaml:"node_id"`
	Store     StoreConfig       `yaml:"store"`
	Reconcile ReconcileConfig   `yaml:"reconcile"`
	RPC       AgentRPCConfig    `yaml:"rpc"`
	Jailer    JailerConfig      `yaml:"jailer"`
	Metrics   MetricsConfig     `yaml:"metrics"`
	Tracing   TracingConfig     `yaml:"tracing"`
	Logging   LoggingConfig     `yaml:"logging"`
	Audit     AuditConfig       `yaml:"audit"`
	TrustedKeys TrustedKeysConfig `yaml:"trusted_keys"`
	HostdSocketPath string      `yaml:"hostd_socket_path"`
}

// CoordinatorRedisConfig configures the optional shared route-state
// cache.
type CoordinatorRedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// CoordinatorConfig is the full on-disk configuration for
// cmd/coordinator.
type CoordinatorConfig struct {
	Routes              domain.RoutingTable    `yaml:"routes"`
	Nodes               map[string]string      `yaml:"nodes"` // node id -> rpc addr
	GlobalIdleTimeoutSeconds int               `yaml:"global_idle_timeout_seconds"`
	HealthIntervalSeconds    int               `yaml:"health_interval_seconds"`
	WakeTimeoutSeconds       int               `yaml:"wake_timeout_seconds"`
	ReadinessDeadlineSeconds int               `yaml:"readiness_deadline_seconds"`
	RPC                 AgentRPCConfig         `yaml:"rpc"`
	Metrics             MetricsConfig          `yaml:"metrics"`
	Tracing             TracingConfig          `yaml:"tracing"`
	Logging             LoggingConfig          `yaml:"logging"`
	Redis               CoordinatorRedisConfig `yaml:"redis"`
}

// DefaultAgentConfig fills in the daemon's baseline settings.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		Store:     StoreConfig{DataRoot: "/var/lib/mvm"},
		Reconcile: ReconcileConfig{IntervalSeconds: 10, Concurrency: 4},
		Jailer:    JailerConfig{ChrootBaseDir: "/srv/jailer"},
		Metrics:   MetricsConfig{Enabled: true, Namespace: "mvm"},
		Logging:   LoggingConfig{Level: "info"},
		HostdSocketPath: "/run/mvm/hostd.sock",
	}
}

// DefaultCoordinatorConfig fills in the coordinator's baseline settings.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		GlobalIdleTimeoutSeconds: 300,
		HealthIntervalSeconds:    30,
		WakeTimeoutSeconds:       5,
		ReadinessDeadlineSeconds: 10,
		Metrics:                  MetricsConfig{Enabled: true, Namespace: "mvm_coordinator"},
		Logging:                  LoggingConfig{Level: "info"},
	}
}

// LoadAgentConfig reads and parses an agent.yaml, starting from
// defaults so a sparse file still yields a valid configuration.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	cfg := DefaultAgentConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, err, "read %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, domain.WrapError(domain.KindInternal, err, "parse %s", path)
	}
	return &cfg, nil
}

// LoadCoordinatorConfig reads and parses a coordinator.yaml.
func LoadCoordinatorConfig(path string) (*CoordinatorConfig, error) {
	cfg := DefaultCoordinatorConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, err, "read %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, domain.WrapError(domain.KindInternal, err, "parse %s", path)
	}
	declared := make(map[string]bool, len(cfg.Nodes))
	for _, addr := range cfg.Nodes {
		declared[addr] = true
	}
	if err := cfg.Routes.Validate(declared); err != nil {
		return nil, err
	}
	return &cfg, nil
}

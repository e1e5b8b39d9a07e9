package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultConfigPath = "/etc/seedkeeper/config.yaml"

const (
	// StateBackendMemory keeps scheduler state in process only.
	StateBackendMemory = "memory"
	// StateBackendEtcd persists scheduler state to etcd.
	StateBackendEtcd = "etcd"
)

// Config represents the runtime configuration for the seedkeeper scheduler.
type Config struct {
	InstanceName          string               `yaml:"instance_name"`
	FrameworkName         string               `yaml:"framework_name"`
	ClusterName           string               `yaml:"cluster_name"`
	NodeCount             int                  `yaml:"node_count"`
	SeedCount             int                  `yaml:"seed_count"`
	StatusPollIntervalSec int                  `yaml:"status_poll_interval_sec"`
	Resources             ResourcesConfig      `yaml:"resources"`
	API                   APIConfig            `yaml:"api"`
	Metrics               MetricsConfig        `yaml:"metrics"`
	State                 StateConfig          `yaml:"state"`
	LeaderElection        LeaderElectionConfig `yaml:"leader_election"`
	Log                   LogConfig            `yaml:"log"`
}

// Resources is the amount of offer resources a task needs.
type Resources struct {
	CPUs   float64 `yaml:"cpus" json:"cpus"`
	MemMB  float64 `yaml:"mem_mb" json:"mem_mb"`
	DiskMB float64 `yaml:"disk_mb" json:"disk_mb"`
}

// ResourcesConfig holds the requirements of each task kind.
type ResourcesConfig struct {
	Metadata Resources `yaml:"metadata"`
	Server   Resources `yaml:"server"`
	NodeJob  Resources `yaml:"node_job"`
}

// APIConfig controls the HTTP API used by operators and the offer transport.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// MetricsConfig defines observability exposure options.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// StateConfig selects where scheduler state is persisted.
type StateConfig struct {
	Backend            string         `yaml:"backend"`
	EtcdEndpoints      []string       `yaml:"etcd_endpoints"`
	EtcdNamespace      string         `yaml:"etcd_namespace"`
	Key                string         `yaml:"key"`
	DialTimeoutSec     int            `yaml:"dial_timeout_sec"`
	PersistIntervalSec int            `yaml:"persist_interval_sec"`
	EtcdTLS            *EtcdTLSConfig `yaml:"etcd_tls"`
}

// EtcdTLSConfig configures optional TLS settings for connecting to etcd.
type EtcdTLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	Insecure bool   `yaml:"insecure_skip_verify"`
}

// LeaderElectionConfig guards against two schedulers acting on the same cluster.
type LeaderElectionConfig struct {
	Enabled bool   `yaml:"enabled"`
	LockKey string `yaml:"lock_key"`
	TTLSec  int    `yaml:"ttl_sec"`
}

// LogConfig selects the log level and encoding.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ValidationError aggregates multiple configuration validation failures.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Is(target error) bool {
	var other *ValidationError
	return errors.As(target, &other)
}

// Load reads, parses, and validates a configuration from disk.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return decode(f)
}

// Parse decodes and validates a configuration document.
func Parse(data []byte) (*Config, error) {
	return decode(strings.NewReader(string(data)))
}

func decode(r io.Reader) (*Config, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var cfg Config
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks for semantic correctness in the configuration.
func (c *Config) Validate() error {
	problems := make([]string, 0)

	if strings.TrimSpace(c.FrameworkName) == "" {
		problems = append(problems, "framework_name is required")
	}
	if strings.TrimSpace(c.ClusterName) == "" {
		problems = append(problems, "cluster_name is required")
	}
	if c.NodeCount < 0 {
		problems = append(problems, "node_count must be non-negative")
	}
	if c.SeedCount <= 0 {
		problems = append(problems, "seed_count must be greater than zero")
	}
	if c.NodeCount > 0 && c.SeedCount > c.NodeCount {
		problems = append(problems, "seed_count must not exceed node_count")
	}
	if c.StatusPollIntervalSec < 0 {
		problems = append(problems, "status_poll_interval_sec must be non-negative")
	}
	problems = append(problems, c.Resources.Metadata.validate("resources.metadata")...)
	problems = append(problems, c.Resources.Server.validate("resources.server")...)
	problems = append(problems, c.Resources.NodeJob.validate("resources.node_job")...)

	if c.API.Enabled && strings.TrimSpace(c.API.Listen) == "" {
		problems = append(problems, "api.listen must be set when api.enabled is true")
	}
	if c.Metrics.Enabled && !c.API.Enabled {
		problems = append(problems, "metrics.enabled requires api.enabled because metrics are served by the API")
	}

	switch c.State.Backend {
	case StateBackendMemory:
	case StateBackendEtcd:
		if len(c.State.EtcdEndpoints) == 0 {
			problems = append(problems, "state.etcd_endpoints must contain at least one endpoint when state.backend is etcd")
		}
		if strings.TrimSpace(c.State.Key) == "" {
			problems = append(problems, "state.key is required when state.backend is etcd")
		}
	default:
		problems = append(problems, fmt.Sprintf("state.backend %q is not supported (want memory or etcd)", c.State.Backend))
	}
	if c.State.DialTimeoutSec <= 0 {
		problems = append(problems, "state.dial_timeout_sec must be greater than zero")
	}
	if c.State.PersistIntervalSec <= 0 {
		problems = append(problems, "state.persist_interval_sec must be greater than zero")
	}
	if tls := c.State.EtcdTLS; tls != nil && tls.Enabled {
		if strings.TrimSpace(tls.CAFile) == "" {
			problems = append(problems, "state.etcd_tls.ca_file is required when TLS is enabled")
		}
		if strings.TrimSpace(tls.CertFile) == "" {
			problems = append(problems, "state.etcd_tls.cert_file is required when TLS is enabled")
		}
		if strings.TrimSpace(tls.KeyFile) == "" {
			problems = append(problems, "state.etcd_tls.key_file is required when TLS is enabled")
		}
	}

	if c.LeaderElection.Enabled {
		if c.State.Backend != StateBackendEtcd {
			problems = append(problems, "leader_election.enabled requires state.backend etcd")
		}
		if strings.TrimSpace(c.LeaderElection.LockKey) == "" {
			problems = append(problems, "leader_election.lock_key is required")
		}
		if c.LeaderElection.TTLSec <= 0 {
			problems = append(problems, "leader_election.ttl_sec must be greater than zero")
		}
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("log.level %q is not supported", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		problems = append(problems, fmt.Sprintf("log.format %q is not supported (want json or console)", c.Log.Format))
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// ApplyDefaults fills unset fields. It is applied by Load and Parse.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.InstanceName) == "" {
		if host, err := os.Hostname(); err == nil {
			c.InstanceName = host
		}
	}
	if strings.TrimSpace(c.FrameworkName) == "" {
		c.FrameworkName = "seedkeeper"
	}
	if c.SeedCount == 0 {
		c.SeedCount = 2
	}
	if c.Resources.Metadata == (Resources{}) {
		c.Resources.Metadata = Resources{CPUs: 0.1, MemMB: 32, DiskMB: 0}
	}
	if c.Resources.Server == (Resources{}) {
		c.Resources.Server = Resources{CPUs: 1, MemMB: 2048, DiskMB: 1024}
	}
	if c.Resources.NodeJob == (Resources{}) {
		c.Resources.NodeJob = Resources{CPUs: 0.1, MemMB: 32, DiskMB: 0}
	}
	if c.API.Listen == "" {
		c.API.Listen = "127.0.0.1:8080"
	}
	if c.State.Backend == "" {
		c.State.Backend = StateBackendMemory
	}
	if c.State.EtcdNamespace == "" {
		c.State.EtcdNamespace = "/seedkeeper"
	}
	if c.State.Key == "" {
		c.State.Key = "scheduler/state"
	}
	if c.State.DialTimeoutSec == 0 {
		c.State.DialTimeoutSec = 5
	}
	if c.State.PersistIntervalSec == 0 {
		c.State.PersistIntervalSec = 5
	}
	if c.LeaderElection.LockKey == "" {
		c.LeaderElection.LockKey = "/seedkeeper/leader"
	}
	if c.LeaderElection.TTLSec == 0 {
		c.LeaderElection.TTLSec = 30
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

func (r Resources) validate(prefix string) []string {
	var problems []string
	if r.CPUs < 0 {
		problems = append(problems, prefix+".cpus must be non-negative")
	}
	if r.MemMB < 0 {
		problems = append(problems, prefix+".mem_mb must be non-negative")
	}
	if r.DiskMB < 0 {
		problems = append(problems, prefix+".disk_mb must be non-negative")
	}
	return problems
}

// Fits reports whether every requirement in r is covered by available.
func (r Resources) Fits(available Resources) bool {
	return r.CPUs <= available.CPUs && r.MemMB <= available.MemMB && r.DiskMB <= available.DiskMB
}

// StatusPollInterval returns the minimum spacing between status polls of one node.
func (c *Config) StatusPollInterval() time.Duration {
	return time.Duration(c.StatusPollIntervalSec) * time.Second
}

// PersistInterval returns how often changed scheduler state is saved.
func (c *Config) PersistInterval() time.Duration {
	return time.Duration(c.State.PersistIntervalSec) * time.Second
}

// DialTimeout returns the etcd dial timeout as a duration.
func (c *Config) DialTimeout() time.Duration {
	return time.Duration(c.State.DialTimeoutSec) * time.Second
}

// LeaderTTL returns the leadership session TTL as a duration.
func (c *Config) LeaderTTL() time.Duration {
	return time.Duration(c.LeaderElection.TTLSec) * time.Second
}

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDecodeValidConfig(t *testing.T) {
	yaml := `framework_name: dbcluster
cluster_name: prod
node_count: 5
seed_count: 3
status_poll_interval_sec: 15
resources:
  server:
    cpus: 2
    mem_mb: 4096
    disk_mb: 10240
api:
  enabled: true
  listen: 0.0.0.0:9100
metrics:
  enabled: true
state:
  backend: etcd
  etcd_endpoints: ["http://127.0.0.1:2379"]
leader_election:
  enabled: true
log:
  level: debug
  format: console
`

	cfg, err := decode(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("decode returned error: %v", err)
	}

	if cfg.FrameworkName != "dbcluster" {
		t.Fatalf("unexpected framework name: %s", cfg.FrameworkName)
	}
	if cfg.SeedCount != 3 || cfg.NodeCount != 5 {
		t.Fatalf("unexpected counts: nodes=%d seeds=%d", cfg.NodeCount, cfg.SeedCount)
	}
	if cfg.StatusPollInterval() != 15*time.Second {
		t.Fatalf("expected poll interval 15s, got %s", cfg.StatusPollInterval())
	}
	if cfg.Resources.Server.CPUs != 2 || cfg.Resources.Server.DiskMB != 10240 {
		t.Fatalf("unexpected server resources: %+v", cfg.Resources.Server)
	}
	if cfg.Resources.Metadata == (Resources{}) {
		t.Fatal("expected metadata resources default to be applied")
	}
	if cfg.State.Key != "scheduler/state" {
		t.Fatalf("expected default state key, got %q", cfg.State.Key)
	}
	if cfg.State.EtcdNamespace != "/seedkeeper" {
		t.Fatalf("expected default namespace, got %q", cfg.State.EtcdNamespace)
	}
	if cfg.PersistInterval() != 5*time.Second {
		t.Fatalf("expected default persist interval 5s, got %s", cfg.PersistInterval())
	}
	if cfg.LeaderTTL() != 30*time.Second {
		t.Fatalf("expected default leader ttl 30s, got %s", cfg.LeaderTTL())
	}
	if cfg.DialTimeout() != 5*time.Second {
		t.Fatalf("expected default dial timeout 5s, got %s", cfg.DialTimeout())
	}
}

func TestDecodeEmptyDocumentUsesDefaults(t *testing.T) {
	cfg, err := decode(strings.NewReader("cluster_name: dev\n"))
	if err != nil {
		t.Fatalf("decode returned error: %v", err)
	}
	if cfg.FrameworkName != "seedkeeper" {
		t.Fatalf("expected default framework name, got %q", cfg.FrameworkName)
	}
	if cfg.SeedCount != 2 {
		t.Fatalf("expected default seed count 2, got %d", cfg.SeedCount)
	}
	if cfg.StatusPollIntervalSec != 0 {
		t.Fatalf("expected polling on every offer by default, got %d", cfg.StatusPollIntervalSec)
	}
	if cfg.State.Backend != StateBackendMemory {
		t.Fatalf("expected memory backend, got %q", cfg.State.Backend)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Fatalf("unexpected log defaults: %+v", cfg.Log)
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	_, err := decode(strings.NewReader("cluster_name: dev\nmesos_master: \"zk://localhost/mesos\"\n"))
	if err == nil {
		t.Fatal("expected unknown field to be rejected")
	}
	if !strings.Contains(err.Error(), "mesos_master") {
		t.Fatalf("expected error to name the field, got %v", err)
	}
}

func TestValidateDetectsProblems(t *testing.T) {
	yaml := `cluster_name: ""
node_count: 1
seed_count: 2
status_poll_interval_sec: -1
resources:
  server:
    cpus: -1
api:
  enabled: false
metrics:
  enabled: true
state:
  backend: sqlite
leader_election:
  enabled: true
log:
  level: trace
  format: xml
`
	_, err := decode(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}

	want := []string{
		"cluster_name is required",
		"seed_count must not exceed node_count",
		"status_poll_interval_sec must be non-negative",
		"resources.server.cpus must be non-negative",
		"metrics.enabled requires api.enabled",
		`state.backend "sqlite" is not supported`,
		"leader_election.enabled requires state.backend etcd",
		`log.level "trace" is not supported`,
		`log.format "xml" is not supported`,
	}
	joined := strings.Join(verr.Problems, "\n")
	for _, fragment := range want {
		if !strings.Contains(joined, fragment) {
			t.Fatalf("expected problem %q in:\n%s", fragment, joined)
		}
	}
	if !errors.Is(err, &ValidationError{}) {
		t.Fatal("expected errors.Is to match ValidationError")
	}
}

func TestValidateEtcdBackendRequirements(t *testing.T) {
	cfg := Config{ClusterName: "dev"}
	cfg.ApplyDefaults()
	cfg.State.Backend = StateBackendEtcd
	cfg.State.EtcdTLS = &EtcdTLSConfig{Enabled: true}

	err := cfg.Validate()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	joined := strings.Join(verr.Problems, "\n")
	for _, fragment := range []string{"state.etcd_endpoints", "etcd_tls.ca_file", "etcd_tls.cert_file", "etcd_tls.key_file"} {
		if !strings.Contains(joined, fragment) {
			t.Fatalf("expected problem mentioning %q in:\n%s", fragment, joined)
		}
	}
}

func TestResourcesFits(t *testing.T) {
	need := Resources{CPUs: 1, MemMB: 1024, DiskMB: 0}
	if !need.Fits(Resources{CPUs: 1, MemMB: 1024}) {
		t.Fatal("exact match should fit")
	}
	if need.Fits(Resources{CPUs: 0.5, MemMB: 4096, DiskMB: 100}) {
		t.Fatal("insufficient cpus should not fit")
	}
}

func TestLoadFromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("cluster_name: disk\nseed_count: 1\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.ClusterName != "disk" || cfg.SeedCount != 1 {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mormegil-cz/gnubg-sub002/internal/rollout"
	"github.com/mormegil-cz/gnubg-sub002/pkg/api"
)

func TestLoadConfigYAML(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv(DiscoveryKeyEnv, "")
	path := filepath.Join(dir, "pool.yaml")
	content := `pool:
  table_size: 64
  local_units: 4
  stop_timeout: 3s
remote:
  default_port: 5000
  job_timeout: 2m
  hosts: [alpha, "beta:6000"]
slave:
  allow: [10.0.0.0/8]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Pool.TableSize != 64 || cfg.Pool.LocalUnits != 4 || cfg.Pool.StopTimeout.Std() != 3*time.Second {
		t.Fatalf("pool section %+v", cfg.Pool)
	}
	if cfg.Remote.DefaultPort != 5000 || cfg.Remote.JobTimeout.Std() != 2*time.Minute || len(cfg.Remote.Hosts) != 2 {
		t.Fatalf("remote section %+v", cfg.Remote)
	}
	// untouched values keep their defaults
	if cfg.Remote.HandshakeTimeout.Std() != 10*time.Second || cfg.Discovery.Listen != ":4322" {
		t.Fatalf("defaults lost: %+v %+v", cfg.Remote, cfg.Discovery)
	}
}

func TestLoadConfigTOML(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	path := filepath.Join(dir, "pool.toml")
	content := `[pool]
table_size = 32
label = "rack-1"

[discovery]
enabled = true
interval = "750ms"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Pool.TableSize != 32 || cfg.Pool.Label != "rack-1" {
		t.Fatalf("pool section %+v", cfg.Pool)
	}
	if !cfg.Discovery.Enabled || cfg.Discovery.Interval.Std() != 750*time.Millisecond {
		t.Fatalf("discovery section %+v", cfg.Discovery)
	}
}

func TestLoadConfigMissingDefault(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("missing default file is an error: %v", err)
	}
	if cfg.Pool.TableSize != DefaultConfig().Pool.TableSize {
		t.Fatalf("defaults not applied")
	}
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("missing explicit file accepted")
	}
}

func TestLoadConfigValidates(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	path := filepath.Join(dir, "pool.yaml")
	if err := os.WriteFile(path, []byte("remote:\n  default_port: 70000\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := LoadConfig(path)
	var verr ValidationError
	if !errors.As(err, &verr) || verr.Field != "remote.default_port" {
		t.Fatalf("expected ValidationError for port, got %v", err)
	}
}

func TestSecretsMergeDiscoveryKey(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv(DiscoveryKeyEnv, "")
	if err := os.MkdirAll(filepath.Join(dir, "gnubg"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	secrets := "# shared by the whole pool\nGNUBG_DISCOVERY_KEY=\"from-file\"\n"
	if err := os.WriteFile(filepath.Join(dir, "gnubg", "secrets.env"), []byte(secrets), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Discovery.Key != "from-file" {
		t.Fatalf("key %q", cfg.Discovery.Key)
	}

	t.Setenv(DiscoveryKeyEnv, "from-env")
	cfg, _ = LoadConfig("")
	if cfg.Discovery.Key != "from-env" {
		t.Fatalf("environment does not override secrets file: %q", cfg.Discovery.Key)
	}
}

func TestPoolAndSlaveOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Remote.ConnectRetries = 5
	cfg.Slave.Listen = "0.0.0.0:4400"
	cfg.Slave.Allow = []string{"192.168.0.0/16"}
	cfg.Discovery.Enabled = true
	cfg.Discovery.Key = "k"

	opts := cfg.PoolOptions(rollout.Stub{}, nil)
	if opts.Dialer.Retry.MaxRetries != 5 || opts.DefaultPort != 4321 || opts.Dialer.TLS != nil {
		t.Fatalf("pool options %+v", opts)
	}

	id := uuid.New()
	sopts, err := cfg.SlaveOptions(id)
	if err != nil {
		t.Fatalf("slave options: %v", err)
	}
	if sopts.Label != id.String() || sopts.Announcer == nil {
		t.Fatalf("slave options %+v", sopts)
	}
	if a := sopts.Announcer.Announcement; a.Port != 4400 || a.Address != "0.0.0.0" || a.NodeID != id {
		t.Fatalf("announcement %+v", a)
	}

	cfg.Slave.Allow = []string{"not-a-range"}
	if _, err := cfg.SlaveOptions(id); err == nil {
		t.Fatalf("bad allow list accepted")
	}
}

func TestWatchConfigReloads(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	path := filepath.Join(dir, "pool.yaml")
	if err := os.WriteFile(path, []byte("slave:\n  allow: [10.0.0.0/8]\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	changes := make(chan Config, 4)
	if err := WatchConfig(ctx, path, func(c Config) { changes <- c }); err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := os.WriteFile(path, []byte("slave:\n  allow: [172.16.0.0/12]\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	select {
	case c := <-changes:
		if len(c.Slave.Allow) != 1 || c.Slave.Allow[0] != "172.16.0.0/12" {
			t.Fatalf("reloaded allow list %v", c.Slave.Allow)
		}
	case <-ctx.Done():
		t.Fatalf("no reload")
	}
}

func TestStoreHostsAndStats(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "pool.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer s.Close()
	ctx := context.Background()
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	for _, h := range []string{"a:4321", "b:4321", "a:4321"} {
		if err := s.SaveHost(ctx, h); err != nil {
			t.Fatalf("save host: %v", err)
		}
	}
	hosts, err := s.ListHosts(ctx)
	if err != nil || len(hosts) != 2 || hosts[0] != "a:4321" || hosts[1] != "b:4321" {
		t.Fatalf("hosts %v, %v", hosts, err)
	}
	if err := s.DeleteHost(ctx, "a:4321"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	hosts, _ = s.ListHosts(ctx)
	if len(hosts) != 1 || hosts[0] != "b:4321" {
		t.Fatalf("hosts after delete %v", hosts)
	}

	units := []api.Unit{{
		ID: 3, Type: "remote", Address: "b:4321",
		Stats: []api.KindStats{{Kind: "rollout", Submitted: 10, Completed: 8, Failed: 2, AvgLatencyMs: 5}},
	}}
	if err := s.SaveStats(ctx, units); err != nil {
		t.Fatalf("save stats: %v", err)
	}
	units[0].Stats[0] = api.KindStats{Kind: "rollout", Submitted: 4, Completed: 2, Failed: 0, AvgLatencyMs: 20}
	if err := s.SaveStats(ctx, units); err != nil {
		t.Fatalf("save stats: %v", err)
	}
	stats, err := s.HostStats(ctx, "b:4321")
	if err != nil || len(stats) != 1 {
		t.Fatalf("host stats %v, %v", stats, err)
	}
	if got := stats[0]; got.Submitted != 14 || got.Completed != 10 || got.Failed != 2 || got.AvgLatencyMs != 8 {
		t.Fatalf("aggregated stats %+v", got)
	}
}

package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as "10s" in config files.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

type Config struct {
	Pool      PoolConfig      `yaml:"pool" toml:"pool"`
	Remote    RemoteConfig    `yaml:"remote" toml:"remote"`
	Slave     SlaveConfig     `yaml:"slave" toml:"slave"`
	Discovery DiscoveryConfig `yaml:"discovery" toml:"discovery"`
	TLS       TLSConfig       `yaml:"tls" toml:"tls"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
	Store     StoreConfig     `yaml:"store" toml:"store"`
}

type PoolConfig struct {
	TableSize   int      `yaml:"table_size" toml:"table_size"`
	LocalUnits  int      `yaml:"local_units" toml:"local_units"`
	StopTimeout Duration `yaml:"stop_timeout" toml:"stop_timeout"`
	Label       string   `yaml:"label" toml:"label"`
}

type RemoteConfig struct {
	DefaultPort      int      `yaml:"default_port" toml:"default_port"`
	ConnectTimeout   Duration `yaml:"connect_timeout" toml:"connect_timeout"`
	ConnectRetries   int      `yaml:"connect_retries" toml:"connect_retries"`
	HandshakeTimeout Duration `yaml:"handshake_timeout" toml:"handshake_timeout"`
	JobTimeout       Duration `yaml:"job_timeout" toml:"job_timeout"`
	SendTimeout      Duration `yaml:"send_timeout" toml:"send_timeout"`
	Hosts            []string `yaml:"hosts" toml:"hosts"`
}

type SlaveConfig struct {
	Listen string   `yaml:"listen" toml:"listen"`
	Allow  []string `yaml:"allow" toml:"allow"`
}

type DiscoveryConfig struct {
	Enabled  bool     `yaml:"enabled" toml:"enabled"`
	Listen   string   `yaml:"listen" toml:"listen"`     // master side
	Target   string   `yaml:"target" toml:"target"`     // slave side; empty broadcasts
	Interval Duration `yaml:"interval" toml:"interval"` // slave side
	AutoAdd  bool     `yaml:"auto_add" toml:"auto_add"`
	Key      string   `yaml:"-" toml:"-"` // from secrets only
}

type TLSConfig struct {
	Enabled           bool   `yaml:"enabled" toml:"enabled"`
	Cert              string `yaml:"cert" toml:"cert"`
	Key               string `yaml:"key" toml:"key"`
	CACert            string `yaml:"ca_cert" toml:"ca_cert"`
	ServerName        string `yaml:"server_name" toml:"server_name"`
	RequireClientCert bool   `yaml:"require_client_cert" toml:"require_client_cert"`
}

type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled" toml:"enabled"`
	MonitorAddr string `yaml:"monitor_addr" toml:"monitor_addr"`
	Profiling   bool   `yaml:"profiling" toml:"profiling"` // mounts /debug/pprof on the monitor
}

type StoreConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// DefaultConfig is the configuration used when no file is present.
func DefaultConfig() Config {
	return Config{
		Pool: PoolConfig{
			TableSize:   1024,
			LocalUnits:  1,
			StopTimeout: Duration(30 * time.Second),
		},
		Remote: RemoteConfig{
			DefaultPort:      4321,
			ConnectTimeout:   Duration(5 * time.Second),
			ConnectRetries:   2,
			HandshakeTimeout: Duration(10 * time.Second),
			SendTimeout:      Duration(10 * time.Second),
		},
		Slave: SlaveConfig{Listen: ":4321"},
		Discovery: DiscoveryConfig{
			Listen:   ":4322",
			Interval: Duration(5 * time.Second),
			AutoAdd:  true,
		},
		Telemetry: TelemetryConfig{MonitorAddr: "127.0.0.1:9091"},
		Store:     StoreConfig{Path: filepath.Join(configDir(), "pool.db")},
	}
}

func configDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "gnubg")
}

// DefaultConfigPath is $XDG_CONFIG_HOME/gnubg/pool.yaml.
func DefaultConfigPath() string {
	return filepath.Join(configDir(), "pool.yaml")
}

// LoadConfig reads YAML or, for .toml files, TOML configuration over the
// defaults. An empty path resolves DefaultConfigPath; a missing default
// file is not an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}
	content, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decodeConfig(path, content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}

	// secrets stay out of the config file
	secrets, _ := LoadSecretsEnv("")
	if v := os.Getenv(DiscoveryKeyEnv); v != "" {
		secrets[DiscoveryKeyEnv] = v
	}
	if k, ok := secrets[DiscoveryKeyEnv]; ok && k != "" {
		cfg.Discovery.Key = k
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decodeConfig(path string, content []byte, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return toml.Unmarshal(content, cfg)
	}
	return yaml.Unmarshal(content, cfg)
}

// ValidationError reports one invalid configuration value.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config %s=%q: %s", e.Field, e.Value, e.Message)
}

// Validate checks ranges the pool cannot work without.
func (c Config) Validate() error {
	if c.Pool.TableSize < 1 {
		return ValidationError{Field: "pool.table_size", Value: fmt.Sprint(c.Pool.TableSize), Message: "must be at least 1"}
	}
	if c.Pool.LocalUnits < 0 {
		return ValidationError{Field: "pool.local_units", Value: fmt.Sprint(c.Pool.LocalUnits), Message: "must not be negative"}
	}
	if c.Remote.DefaultPort < 1 || c.Remote.DefaultPort > 65535 {
		return ValidationError{Field: "remote.default_port", Value: fmt.Sprint(c.Remote.DefaultPort), Message: "must be between 1 and 65535"}
	}
	if c.Remote.ConnectRetries < 0 {
		return ValidationError{Field: "remote.connect_retries", Value: fmt.Sprint(c.Remote.ConnectRetries), Message: "must not be negative"}
	}
	if c.TLS.Enabled && (c.TLS.Cert == "") != (c.TLS.Key == "") {
		return ValidationError{Field: "tls.cert", Value: c.TLS.Cert, Message: "cert and key must be set together"}
	}
	return nil
}

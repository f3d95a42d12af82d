// Package config loads and validates prefixd configuration: daemon settings
// from prefixd.yaml, the customer inventory from inventory.yaml and the
// escalation playbooks from playbooks.yaml. The three files are combined into
// an immutable Snapshot swapped atomically on reload; in-flight decisions
// always complete against the snapshot they captured.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Mode controls whether decisions reach the announcer.
type Mode string

const (
	// ModeDryRun runs the full decision pipeline but never calls the
	// announcer; resulting mitigations go pending -> expired.
	ModeDryRun Mode = "dry-run"

	// ModeEnforced announces accepted mitigations to all configured peers.
	ModeEnforced Mode = "enforced"
)

// AuthMode selects the API authentication scheme.
type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeBearer AuthMode = "bearer"
)

// Settings is the typed view of prefixd.yaml.
type Settings struct {
	POP  string `mapstructure:"pop"`
	Mode Mode   `mapstructure:"mode"`

	Server     ServerConfig     `mapstructure:"server"`
	BGP        BGPConfig        `mapstructure:"bgp"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Timers     TimersConfig     `mapstructure:"timers"`
	Guardrails GuardrailsConfig `mapstructure:"guardrails"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Log        LogConfig        `mapstructure:"log"`
	Files      FilesConfig      `mapstructure:"files"`

	CORSOrigin                      string `mapstructure:"cors_origin"`
	PreserveAnnouncementsOnShutdown bool   `mapstructure:"preserve_announcements_on_shutdown"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host                    string        `mapstructure:"host"`
	Port                    int           `mapstructure:"port"`
	ReadTimeout             time.Duration `mapstructure:"read_timeout"`
	WriteTimeout            time.Duration `mapstructure:"write_timeout"`
	IdleTimeout             time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdownTimeout time.Duration `mapstructure:"graceful_shutdown_timeout"`
}

// BGPConfig holds speaker settings. Mode "sidecar" talks gRPC to a co-located
// GoBGP; "mock" keeps paths in memory (tests, lab POPs).
type BGPConfig struct {
	Mode     string        `mapstructure:"mode"`
	RouterID string        `mapstructure:"router_id"`
	Sidecar  SidecarConfig `mapstructure:"sidecar"`
	Peers    []PeerConfig  `mapstructure:"peers"`
}

// SidecarConfig holds the gRPC endpoint of the FlowSpec speaker.
type SidecarConfig struct {
	Endpoint       string        `mapstructure:"endpoint"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	CallTimeout    time.Duration `mapstructure:"call_timeout"`
}

// PeerConfig identifies one border router the speaker announces to.
type PeerConfig struct {
	Name    string `mapstructure:"name"`
	Address string `mapstructure:"address"`
}

// StorageConfig holds repository settings.
type StorageConfig struct {
	Backend          string `mapstructure:"backend"`
	ConnectionString string `mapstructure:"connection_string"`
	MaxConnections   int32  `mapstructure:"max_connections"`
	MinConnections   int32  `mapstructure:"min_connections"`
}

// TimersConfig holds TTL bounds and the reconcile cadence.
type TimersConfig struct {
	MinTTLSeconds            int `mapstructure:"min_ttl_seconds"`
	MaxTTLSeconds            int `mapstructure:"max_ttl_seconds"`
	ReconcileIntervalSeconds int `mapstructure:"reconcile_interval_seconds"`
}

// MinTTL returns the minimum mitigation TTL as a duration.
func (t TimersConfig) MinTTL() time.Duration {
	return time.Duration(t.MinTTLSeconds) * time.Second
}

// MaxTTL returns the maximum mitigation TTL as a duration.
func (t TimersConfig) MaxTTL() time.Duration {
	return time.Duration(t.MaxTTLSeconds) * time.Second
}

// ReconcileInterval returns the reconciliation loop cadence.
func (t TimersConfig) ReconcileInterval() time.Duration {
	return time.Duration(t.ReconcileIntervalSeconds) * time.Second
}

// GuardrailsConfig holds guardrail caps and quotas.
type GuardrailsConfig struct {
	MaxPorts          int  `mapstructure:"max_ports"`
	MaxPerCustomer    int  `mapstructure:"max_per_customer"`
	MaxPerPOP         int  `mapstructure:"max_per_pop"`
	MaxGlobal         int  `mapstructure:"max_global"`
	AllowUnknownAssets bool `mapstructure:"allow_unknown_assets"`
}

// AuthConfig holds API authentication settings. The bearer token itself is
// read from the environment variable named by TokenEnv, never from the file.
type AuthConfig struct {
	Mode     AuthMode `mapstructure:"mode"`
	TokenEnv string   `mapstructure:"token_env"`
}

// Token resolves the bearer token from the environment. Returns empty when
// auth mode is not bearer.
func (a AuthConfig) Token() string {
	if a.Mode != AuthModeBearer || a.TokenEnv == "" {
		return ""
	}
	return os.Getenv(a.TokenEnv)
}

// IngestConfig holds rate limiting for the event ingest endpoint.
type IngestConfig struct {
	RateLimitPerMinute int `mapstructure:"rate_limit_per_minute"`
	RateLimitBurst     int `mapstructure:"rate_limit_burst"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// FilesConfig points at the companion config files.
type FilesConfig struct {
	Inventory string `mapstructure:"inventory"`
	Playbooks string `mapstructure:"playbooks"`
	Audit     string `mapstructure:"audit"`
}

// LoadSettings loads prefixd.yaml with environment overrides (PREFIXD_*).
func LoadSettings(path string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("prefixd")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &s, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pop", "")
	v.SetDefault("mode", "dry-run")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.graceful_shutdown_timeout", "30s")

	v.SetDefault("bgp.mode", "mock")
	v.SetDefault("bgp.sidecar.endpoint", "127.0.0.1:50051")
	v.SetDefault("bgp.sidecar.connect_timeout", "10s")
	v.SetDefault("bgp.sidecar.call_timeout", "30s")

	v.SetDefault("storage.backend", "postgres")
	v.SetDefault("storage.connection_string", "")
	v.SetDefault("storage.max_connections", 25)
	v.SetDefault("storage.min_connections", 5)

	v.SetDefault("timers.min_ttl_seconds", 60)
	v.SetDefault("timers.max_ttl_seconds", 86400)
	v.SetDefault("timers.reconcile_interval_seconds", 30)

	v.SetDefault("guardrails.max_ports", 8)
	v.SetDefault("guardrails.max_per_customer", 20)
	v.SetDefault("guardrails.max_per_pop", 200)
	v.SetDefault("guardrails.max_global", 500)
	v.SetDefault("guardrails.allow_unknown_assets", false)

	v.SetDefault("auth.mode", "none")
	v.SetDefault("auth.token_env", "PREFIXD_API_TOKEN")

	v.SetDefault("ingest.rate_limit_per_minute", 600)
	v.SetDefault("ingest.rate_limit_burst", 60)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)
	v.SetDefault("log.compress", true)

	v.SetDefault("files.inventory", "inventory.yaml")
	v.SetDefault("files.playbooks", "playbooks.yaml")

	v.SetDefault("preserve_announcements_on_shutdown", true)
}

// Validate checks settings invariants that cannot be expressed as defaults.
func (s *Settings) Validate() error {
	if s.POP == "" {
		return fmt.Errorf("pop cannot be empty")
	}
	if s.Mode != ModeDryRun && s.Mode != ModeEnforced {
		return fmt.Errorf("invalid mode: %q (must be 'dry-run' or 'enforced')", s.Mode)
	}
	if s.Server.Port <= 0 || s.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", s.Server.Port)
	}
	if s.BGP.Mode != "mock" && s.BGP.Mode != "sidecar" {
		return fmt.Errorf("invalid bgp.mode: %q (must be 'mock' or 'sidecar')", s.BGP.Mode)
	}
	if s.BGP.Mode == "sidecar" {
		if s.BGP.Sidecar.Endpoint == "" {
			return fmt.Errorf("bgp.sidecar.endpoint required in sidecar mode")
		}
		if len(s.BGP.Peers) == 0 {
			return fmt.Errorf("at least one bgp peer required in sidecar mode")
		}
	}
	for i, p := range s.BGP.Peers {
		if p.Name == "" || p.Address == "" {
			return fmt.Errorf("bgp.peers[%d]: name and address are required", i)
		}
	}
	if s.Storage.Backend != "postgres" && s.Storage.Backend != "memory" {
		return fmt.Errorf("invalid storage.backend: %q (must be 'postgres' or 'memory')", s.Storage.Backend)
	}
	if s.Storage.Backend == "postgres" && s.Storage.ConnectionString == "" {
		return fmt.Errorf("storage.connection_string required for postgres backend")
	}
	if s.Timers.MinTTLSeconds <= 0 {
		return fmt.Errorf("timers.min_ttl_seconds must be > 0")
	}
	if s.Timers.MaxTTLSeconds < s.Timers.MinTTLSeconds {
		return fmt.Errorf("timers.max_ttl_seconds must be >= min_ttl_seconds")
	}
	if s.Timers.ReconcileIntervalSeconds <= 0 {
		return fmt.Errorf("timers.reconcile_interval_seconds must be > 0")
	}
	if s.Guardrails.MaxPorts <= 0 || s.Guardrails.MaxPorts > 8 {
		return fmt.Errorf("guardrails.max_ports must be in [1,8]")
	}
	if s.Auth.Mode != AuthModeNone && s.Auth.Mode != AuthModeBearer {
		return fmt.Errorf("invalid auth.mode: %q (must be 'none' or 'bearer')", s.Auth.Mode)
	}
	return nil
}

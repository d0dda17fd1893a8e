// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Operational modes.
const (
	ModeSystem     = "system"     // Interactive: operator confirms risky applies.
	ModeAutonomous = "autonomous" // Unattended: stricter thresholds, no prompts.
)

// Config is the top-level otto-bgp configuration.
type Config struct {
	// Mode selects the operational mode: "system" or "autonomous".
	Mode string `yaml:"mode"`

	LogLevel string `yaml:"log_level"` // "debug", "info", "warn", "error"

	// Directories for generated artifacts.
	OutputDir    string `yaml:"output_dir"`    // Per-AS policy files.
	DiscoveryDir string `yaml:"discovery_dir"` // Discovery YAML + history.
	ReportDir    string `yaml:"report_dir"`    // Deployment matrix + summary.
	AuditLog     string `yaml:"audit_log"`     // JSON-lines audit event file.
	LockPath     string `yaml:"lock_path"`     // Concurrent-run lock file.

	SSH        SSHConfig        `yaml:"ssh"`
	BGPq4      BGPq4Config      `yaml:"bgpq4"`
	RPKI       RPKIConfig       `yaml:"rpki"`
	Guardrails GuardrailsConfig `yaml:"guardrails"`
	NETCONF    NETCONFConfig    `yaml:"netconf"`
	IRRProxy   IRRProxyConfig   `yaml:"irr_proxy"`
}

// SSHConfig controls the BGP collector's SSH sessions.
type SSHConfig struct {
	Username string `yaml:"username"`
	KeyPath  string `yaml:"key_path"`
	// Password auth is permitted but flagged non-production.
	Password       string `yaml:"password"`
	KnownHostsPath string `yaml:"known_hosts_path"`
	// SetupMode accepts and records unknown host keys. Unsafe; every log
	// line emitted under it says so.
	SetupMode      bool          `yaml:"setup_mode"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	MaxWorkers     int           `yaml:"max_workers"`
}

// BGPq4Config controls policy generation through the bgpq4 binary.
type BGPq4Config struct {
	Mode        string        `yaml:"mode"` // "native", "docker", "podman", "auto"
	Timeout     time.Duration `yaml:"timeout"`
	IRRSource   string        `yaml:"irr_source"`
	Aggregate   bool          `yaml:"aggregate"`
	IPv4Enabled bool          `yaml:"ipv4_enabled"`
	IPv6Enabled bool          `yaml:"ipv6_enabled"`
	MaxWorkers  int           `yaml:"max_workers"` // 0 = min(cpu, 8, inputs)
	CacheDir    string        `yaml:"cache_dir"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// RPKIConfig controls VRP-based origin validation.
type RPKIConfig struct {
	Enabled            bool    `yaml:"enabled"`
	VRPCachePath       string  `yaml:"vrp_cache_path"`
	MaxVRPAgeHours     int     `yaml:"max_vrp_age_hours"`
	FailClosed         bool    `yaml:"fail_closed"`
	AllowlistPath      string  `yaml:"allowlist_path"`
	MaxInvalidPercent  float64 `yaml:"max_invalid_percent"`
	MaxNotFoundPercent float64 `yaml:"max_notfound_percent"`
}

// GuardrailsConfig controls the safety check engine.
type GuardrailsConfig struct {
	// EnabledGuardrails lists non-critical guardrails to run. Critical
	// guardrails always run regardless of this list.
	EnabledGuardrails []string `yaml:"enabled_guardrails"`
	// PrefixCountThresholds are percent deviations mapping to MEDIUM, HIGH
	// and CRITICAL, in that order.
	PrefixCountThresholds PrefixCountThresholds `yaml:"prefix_count_thresholds"`
}

// PrefixCountThresholds are percent deltas of total prefix count per router.
type PrefixCountThresholds struct {
	Medium   float64 `yaml:"medium"`
	High     float64 `yaml:"high"`
	Critical float64 `yaml:"critical"`
}

// NETCONFConfig controls the applier's sessions.
type NETCONFConfig struct {
	Username               string        `yaml:"username"`
	KeyPath                string        `yaml:"key_path"`
	Password               string        `yaml:"password"`
	Port                   int           `yaml:"port"`
	Timeout                time.Duration `yaml:"timeout"`
	ConfirmedCommitMinutes int           `yaml:"default_confirmed_commit_minutes"`
	CommitCommentPrefix    string        `yaml:"commit_comment_prefix"`
}

// IRRProxyConfig controls SSH tunnels toward IRR servers.
type IRRProxyConfig struct {
	Enabled           bool           `yaml:"enabled"`
	JumpHost          string         `yaml:"jump_host"`
	JumpUser          string         `yaml:"jump_user"`
	SSHKeyFile        string         `yaml:"ssh_key_file"`
	KnownHostsFile    string         `yaml:"known_hosts_file"`
	ConnectionTimeout time.Duration  `yaml:"connection_timeout"`
	Tunnels           []TunnelConfig `yaml:"tunnels"`
}

// TunnelConfig names one local_port -> remote_host:remote_port forward.
type TunnelConfig struct {
	Name       string `yaml:"name"`
	LocalPort  int    `yaml:"local_port"`
	RemoteHost string `yaml:"remote_host"`
	RemotePort int    `yaml:"remote_port"`
}

// DefaultConfig returns a configuration with reasonable defaults.
func DefaultConfig() *Config {
	return &Config{
		Mode:         ModeSystem,
		LogLevel:     "info",
		OutputDir:    "policies",
		DiscoveryDir: "discovered",
		ReportDir:    "reports",
		AuditLog:     "logs/audit.jsonl",
		LockPath:     "/var/lock/otto-bgp.lock",
		SSH: SSHConfig{
			KnownHostsPath: "/var/lib/otto-bgp/ssh-keys/known_hosts",
			ConnectTimeout: 30 * time.Second,
			CommandTimeout: 60 * time.Second,
			MaxWorkers:     5,
		},
		BGPq4: BGPq4Config{
			Mode:        "auto",
			Timeout:     45 * time.Second,
			IRRSource:   "RADB,RIPE,APNIC",
			Aggregate:   true,
			IPv4Enabled: true,
			IPv6Enabled: true,
			CacheDir:    "cache/bgpq4",
			CacheTTL:    time.Hour,
		},
		RPKI: RPKIConfig{
			Enabled:            true,
			VRPCachePath:       "/var/lib/otto-bgp/rpki/vrp_cache.json",
			MaxVRPAgeHours:     24,
			FailClosed:         true,
			MaxInvalidPercent:  5,
			MaxNotFoundPercent: 50,
		},
		Guardrails: GuardrailsConfig{
			EnabledGuardrails: []string{"prefix_count", "bogon_prefix", "concurrent_operation", "rpki_validation"},
			PrefixCountThresholds: PrefixCountThresholds{
				Medium:   10,
				High:     25,
				Critical: 50,
			},
		},
		NETCONF: NETCONFConfig{
			Port:                   830,
			Timeout:                60 * time.Second,
			ConfirmedCommitMinutes: 5,
			CommitCommentPrefix:    "[Otto BGP]",
		},
		IRRProxy: IRRProxyConfig{
			ConnectionTimeout: 15 * time.Second,
		},
	}
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeSystem, ModeAutonomous:
		// ok
	default:
		return fmt.Errorf("invalid mode: %s (must be system or autonomous)", c.Mode)
	}

	if c.SSH.MaxWorkers < 1 {
		return fmt.Errorf("ssh.max_workers must be >= 1")
	}

	switch c.BGPq4.Mode {
	case "native", "docker", "podman", "auto":
		// ok
	default:
		return fmt.Errorf("invalid bgpq4.mode: %s (must be native, docker, podman, or auto)", c.BGPq4.Mode)
	}

	if c.BGPq4.Timeout <= 0 {
		return fmt.Errorf("bgpq4.timeout must be positive")
	}

	if !c.BGPq4.IPv4Enabled && !c.BGPq4.IPv6Enabled {
		return fmt.Errorf("at least one of bgpq4.ipv4_enabled and bgpq4.ipv6_enabled is required")
	}

	if c.RPKI.Enabled {
		if c.RPKI.VRPCachePath == "" {
			return fmt.Errorf("rpki.vrp_cache_path is required when rpki is enabled")
		}
		if c.RPKI.MaxVRPAgeHours <= 0 {
			return fmt.Errorf("rpki.max_vrp_age_hours must be positive")
		}
		if c.RPKI.MaxInvalidPercent < 0 || c.RPKI.MaxInvalidPercent > 100 {
			return fmt.Errorf("rpki.max_invalid_percent must be within [0, 100]")
		}
		if c.RPKI.MaxNotFoundPercent < 0 || c.RPKI.MaxNotFoundPercent > 100 {
			return fmt.Errorf("rpki.max_notfound_percent must be within [0, 100]")
		}
	}

	t := c.Guardrails.PrefixCountThresholds
	if t.Medium <= 0 || t.High < t.Medium || t.Critical < t.High {
		return fmt.Errorf("prefix_count_thresholds must satisfy 0 < medium <= high <= critical")
	}

	if c.NETCONF.Port < 1 || c.NETCONF.Port > 65535 {
		return fmt.Errorf("invalid netconf.port: %d", c.NETCONF.Port)
	}
	if c.NETCONF.ConfirmedCommitMinutes < 1 {
		return fmt.Errorf("netconf.default_confirmed_commit_minutes must be >= 1")
	}

	if c.IRRProxy.Enabled {
		if c.IRRProxy.JumpHost == "" {
			return fmt.Errorf("irr_proxy.jump_host is required when the proxy is enabled")
		}
		if len(c.IRRProxy.Tunnels) == 0 {
			return fmt.Errorf("irr_proxy.tunnels must not be empty when the proxy is enabled")
		}
		for _, tn := range c.IRRProxy.Tunnels {
			if tn.Name == "" || tn.RemoteHost == "" {
				return fmt.Errorf("irr_proxy tunnel entries need a name and remote_host")
			}
			if tn.LocalPort < 1 || tn.LocalPort > 65535 || tn.RemotePort < 1 || tn.RemotePort > 65535 {
				return fmt.Errorf("irr_proxy tunnel %q has an invalid port", tn.Name)
			}
		}
	}

	return nil
}

// Autonomous reports whether the configuration runs unattended.
func (c *Config) Autonomous() bool {
	return c.Mode == ModeAutonomous
}

// Package model defines taskvault's configuration and the status vocabularies shared across packages.
package model

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the config file read from the vault root.
const ConfigFileName = "config.yaml"

// EnvPrefix prefixes every environment override, e.g. TASKVAULT_AGENT_ID.
const EnvPrefix = "TASKVAULT"

type Config struct {
	Agent    AgentConfig    `yaml:"agent" envconfig:"AGENT"`
	Watcher  WatcherConfig  `yaml:"watcher" envconfig:"WATCHER"`
	Bus      BusConfig      `yaml:"bus" envconfig:"BUS"`
	Loop     LoopConfig     `yaml:"loop" envconfig:"LOOP"`
	Skill    SkillConfig    `yaml:"skill" envconfig:"SKILL"`
	Dispatch DispatchConfig `yaml:"dispatch" envconfig:"DISPATCH"`
	Daemon   DaemonConfig   `yaml:"daemon" envconfig:"DAEMON"`
	Logging  LoggingConfig  `yaml:"logging" envconfig:"LOG"`
	Audit    AuditConfig    `yaml:"audit" envconfig:"AUDIT"`
	Notify   NotifyConfig   `yaml:"notify" envconfig:"NOTIFY"`
}

type AgentConfig struct {
	ID   string `yaml:"id" envconfig:"ID"`
	Role string `yaml:"role" envconfig:"ROLE"` // local | cloud
}

type WatcherConfig struct {
	ScanIntervalSec int `yaml:"scan_interval_sec" envconfig:"SCAN_INTERVAL_SEC"`
	StaleClaimSec   int `yaml:"stale_claim_sec" envconfig:"STALE_CLAIM_SEC"`
}

type BusConfig struct {
	MaxQueueSize  int `yaml:"max_queue_size" envconfig:"MAX_QUEUE_SIZE"`
	DefaultTTLSec int `yaml:"default_ttl_sec" envconfig:"DEFAULT_TTL_SEC"`
}

type LoopConfig struct {
	Enabled          bool     `yaml:"enabled" envconfig:"ENABLED"`
	MaxIterations    int      `yaml:"max_iterations" envconfig:"MAX_ITERATIONS"`
	ApprovalPollSec  int      `yaml:"approval_poll_sec" envconfig:"APPROVAL_POLL_SEC"`
	IterationDelayMs int      `yaml:"iteration_delay_ms" envconfig:"ITERATION_DELAY_MS"`
	OutputLimit      int      `yaml:"output_limit" envconfig:"OUTPUT_LIMIT"`
	ComplexPrefixes  []string `yaml:"complex_prefixes" envconfig:"COMPLEX_PREFIXES"`
}

type SkillConfig struct {
	Command       string   `yaml:"command" envconfig:"COMMAND"`
	Args          []string `yaml:"args,omitempty" envconfig:"ARGS"`
	TimeoutSec    int      `yaml:"timeout_sec" envconfig:"TIMEOUT_SEC"`
	DryRun        bool     `yaml:"dry_run" envconfig:"DRY_RUN"`
	RetryAttempts int      `yaml:"retry_attempts" envconfig:"RETRY_ATTEMPTS"`
	RetryBaseMs   int      `yaml:"retry_base_ms" envconfig:"RETRY_BASE_MS"`
}

type DispatchConfig struct {
	Mode string `yaml:"mode" envconfig:"MODE"` // swarm | direct
	// Routing maps a filename prefix to how a cloud-role agent treats it:
	// "full", "draft" (forced approval) or "skip".
	Routing map[string]string `yaml:"routing,omitempty" envconfig:"ROUTING"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec" envconfig:"SHUTDOWN_TIMEOUT_SEC"`
}

type LoggingConfig struct {
	Level string `yaml:"level" envconfig:"LEVEL"`
}

type AuditConfig struct {
	MaxSizeBytes int64 `yaml:"max_size_bytes" envconfig:"MAX_SIZE_BYTES"`
}

// NotifyConfig enables a desktop notification for each new approval request.
type NotifyConfig struct {
	Enabled bool `yaml:"enabled" envconfig:"ENABLED"`
}

const (
	RoleLocal = "local"
	RoleCloud = "cloud"

	DispatchModeSwarm  = "swarm"
	DispatchModeDirect = "direct"

	RouteFull  = "full"
	RouteDraft = "draft"
	RouteSkip  = "skip"
)

// DefaultConfig returns the configuration written by `taskvault init`.
func DefaultConfig() Config {
	cfg := Config{
		Agent: AgentConfig{ID: "local-01", Role: RoleLocal},
		Loop: LoopConfig{
			Enabled:         true,
			ComplexPrefixes: []string{"ODOO_", "AUDIT_", "PAYMENT_"},
		},
		Skill:    SkillConfig{Command: "claude"},
		Dispatch: DispatchConfig{Mode: DispatchModeSwarm, Routing: DefaultRouting()},
		Logging:  LoggingConfig{Level: "info"},
	}
	cfg.ApplyDefaults()
	return cfg
}

// DefaultRouting is the cloud-role routing table. Prefixes absent from it are handled fully.
func DefaultRouting() map[string]string {
	return map[string]string{
		"EMAIL_":     RouteDraft,
		"LINKEDIN_":  RouteDraft,
		"SALESPOST_": RouteDraft,
		"FACEBOOK_":  RouteDraft,
		"INSTAGRAM_": RouteDraft,
		"TWITTER_":   RouteDraft,
		"SOCIAL_":    RouteDraft,
		"ODOO_":      RouteDraft,
		"AUDIT_":     RouteFull,
		"SCHEDULE_":  RouteFull,
		"ERROR_":     RouteFull,
		"WHATSAPP_":  RouteSkip,
		"PAYMENT_":   RouteSkip,
		"EXECUTE_":   RouteSkip,
	}
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.Agent.ID == "" {
		c.Agent.ID = "local-01"
	}
	if c.Agent.Role == "" {
		c.Agent.Role = RoleLocal
	}
	if c.Watcher.ScanIntervalSec == 0 {
		c.Watcher.ScanIntervalSec = 10
	}
	if c.Watcher.StaleClaimSec == 0 {
		c.Watcher.StaleClaimSec = 3600
	}
	if c.Bus.MaxQueueSize == 0 {
		c.Bus.MaxQueueSize = 1000
	}
	if c.Bus.DefaultTTLSec == 0 {
		c.Bus.DefaultTTLSec = 3600
	}
	if c.Loop.MaxIterations == 0 {
		c.Loop.MaxIterations = 15
	}
	if c.Loop.ApprovalPollSec == 0 {
		c.Loop.ApprovalPollSec = 5
	}
	if c.Loop.IterationDelayMs == 0 {
		c.Loop.IterationDelayMs = 1000
	}
	if c.Loop.OutputLimit == 0 {
		c.Loop.OutputLimit = 2000
	}
	if c.Skill.Command == "" {
		c.Skill.Command = "claude"
	}
	if c.Skill.TimeoutSec == 0 {
		c.Skill.TimeoutSec = 120
	}
	if c.Skill.RetryAttempts == 0 {
		c.Skill.RetryAttempts = 2
	}
	if c.Skill.RetryBaseMs == 0 {
		c.Skill.RetryBaseMs = 1000
	}
	if c.Dispatch.Mode == "" {
		c.Dispatch.Mode = DispatchModeSwarm
	}
	if c.Dispatch.Routing == nil {
		c.Dispatch.Routing = DefaultRouting()
	}
	if c.Daemon.ShutdownTimeoutSec == 0 {
		c.Daemon.ShutdownTimeoutSec = 30
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Audit.MaxSizeBytes == 0 {
		c.Audit.MaxSizeBytes = 10 * 1024 * 1024
	}
}

// Validate rejects values the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Agent.Role {
	case RoleLocal, RoleCloud:
	default:
		return fmt.Errorf("agent.role: unknown role %q", c.Agent.Role)
	}
	switch c.Dispatch.Mode {
	case DispatchModeSwarm, DispatchModeDirect:
	default:
		return fmt.Errorf("dispatch.mode: unknown mode %q", c.Dispatch.Mode)
	}
	for prefix, route := range c.Dispatch.Routing {
		switch route {
		case RouteFull, RouteDraft, RouteSkip:
		default:
			return fmt.Errorf("dispatch.routing[%s]: unknown route %q", prefix, route)
		}
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}
	checks := []struct {
		name string
		val  int
	}{
		{"watcher.scan_interval_sec", c.Watcher.ScanIntervalSec},
		{"watcher.stale_claim_sec", c.Watcher.StaleClaimSec},
		{"bus.max_queue_size", c.Bus.MaxQueueSize},
		{"bus.default_ttl_sec", c.Bus.DefaultTTLSec},
		{"loop.max_iterations", c.Loop.MaxIterations},
		{"loop.output_limit", c.Loop.OutputLimit},
		{"skill.timeout_sec", c.Skill.TimeoutSec},
		{"skill.retry_attempts", c.Skill.RetryAttempts},
	}
	for _, ch := range checks {
		if ch.val <= 0 {
			return fmt.Errorf("%s must be positive, got %d", ch.name, ch.val)
		}
	}
	if c.Agent.ID == "" {
		return fmt.Errorf("agent.id must not be empty")
	}
	return nil
}

// LoadConfig reads <root>/config.yaml when present, applies environment
// overrides and defaults, then validates.
func LoadConfig(root string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(filepath.Join(root, ConfigFileName))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", ConfigFileName, err)
		}
	case os.IsNotExist(err):
		cfg = DefaultConfig()
	default:
		return Config{}, fmt.Errorf("read %s: %w", ConfigFileName, err)
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("env overrides: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Copyright 2026 The Cordon Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Cordon.
//
// Configuration is loaded from a single file specified by:
//   - CORDON_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. The config file is
// the single source of truth; environment variables do not override
// individual values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cordon-systems/cordon/guardian"
)

// Config is the master configuration for Cordon.
type Config struct {
	// Paths configures file locations.
	Paths PathsConfig `yaml:"paths"`

	// Engine configures the container engine.
	Engine EngineConfig `yaml:"engine"`

	// Guardian configures the security policy.
	Guardian GuardianConfig `yaml:"guardian"`

	// Monitor configures resource polling.
	Monitor MonitorConfig `yaml:"monitor"`

	// Manager configures the sandbox fleet.
	Manager ManagerConfig `yaml:"manager"`

	// Audit configures the audit trail.
	Audit AuditConfig `yaml:"audit"`
}

// PathsConfig configures file locations.
type PathsConfig struct {
	// AuditDB is the SQLite audit database file.
	// Default: ~/.cache/cordon/audit.db
	AuditDB string `yaml:"audit_db"`

	// WorkRoot is the host directory under which per-sandbox working
	// directories are created. Default: ~/.cache/cordon/work
	WorkRoot string `yaml:"work_root"`
}

// EngineConfig configures the container engine.
type EngineConfig struct {
	// Binary is the docker-compatible CLI to drive ("docker",
	// "podman"). Default: docker
	Binary string `yaml:"binary"`

	// DefaultImage is the image used when a create request names
	// none. Default: python:3.12-slim
	DefaultImage string `yaml:"default_image"`

	// NetworkMode is the default network mode for sandboxes.
	// Default: none
	NetworkMode string `yaml:"network_mode"`
}

// GuardianConfig configures the security policy.
type GuardianConfig struct {
	// UseDefaultRules prepends the built-in rule set. Default: true.
	UseDefaultRules *bool `yaml:"use_default_rules"`

	// Rules are additional security rules, evaluated after the
	// built-ins.
	Rules []RuleConfig `yaml:"rules"`

	// ACLs restrict host volume bindings.
	ACLs []ACLConfig `yaml:"acls"`

	// ApprovedAgents are approved at startup.
	ApprovedAgents []string `yaml:"approved_agents"`

	// HighRiskTimeout caps approved high-risk commands ("5m").
	HighRiskTimeout string `yaml:"high_risk_timeout"`
}

// RuleConfig is one security rule in the file. Risk and action are
// strings here and validated into guardian types at build time.
type RuleConfig struct {
	Name     string `yaml:"name"`
	Pattern  string `yaml:"pattern"`
	Risk     string `yaml:"risk"`
	Action   string `yaml:"action"`
	Disabled bool   `yaml:"disabled"`
}

// ACLConfig is one volume ACL in the file.
type ACLConfig struct {
	HostPath        string   `yaml:"host_path"`
	Mode            string   `yaml:"mode"`
	AllowedPatterns []string `yaml:"allowed_patterns"`
	BlockedPatterns []string `yaml:"blocked_patterns"`
}

// MonitorConfig configures resource polling.
type MonitorConfig struct {
	// Interval is the polling cadence ("5s"). Default: 5s
	Interval string `yaml:"interval"`
}

// ManagerConfig configures the sandbox fleet.
type ManagerConfig struct {
	// MaxSandboxes caps the fleet. Default: 10
	MaxSandboxes int `yaml:"max_sandboxes"`

	// IdleTimeout is how long a sandbox may sit unused before the
	// reaper removes it ("30m"). Default: 30m
	IdleTimeout string `yaml:"idle_timeout"`

	// RequireApproval rejects agents not listed in
	// guardian.approved_agents instead of approving them implicitly.
	// Default: false
	RequireApproval bool `yaml:"require_approval"`

	// CommandTimeout is the default per-command timeout ("30s").
	// Default: 30s
	CommandTimeout string `yaml:"command_timeout"`

	// Limits are the default resource limits for new sandboxes.
	Limits guardian.ResourceLimits `yaml:"limits"`
}

// AuditConfig configures the audit trail.
type AuditConfig struct {
	// RetentionDays is how many days of entries to keep. Zero
	// disables retention cleanup. Default: 90
	RetentionDays int `yaml:"retention_days"`

	// PoolSize is the SQLite connection pool size. Default: 4
	PoolSize int `yaml:"pool_size"`
}

// Default returns the default configuration. Used as a base before
// loading the config file.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".cache", "cordon")

	return &Config{
		Paths: PathsConfig{
			AuditDB:  filepath.Join(defaultRoot, "audit.db"),
			WorkRoot: filepath.Join(defaultRoot, "work"),
		},
		Engine: EngineConfig{
			Binary:       "docker",
			DefaultImage: "python:3.12-slim",
			NetworkMode:  "none",
		},
		Monitor: MonitorConfig{
			Interval: "5s",
		},
		Manager: ManagerConfig{
			MaxSandboxes:   10,
			IdleTimeout:    "30m",
			CommandTimeout: "30s",
			Limits: guardian.ResourceLimits{
				CPUPercent:     100,
				MemoryMB:       512,
				DiskMB:         1024,
				TimeoutSeconds: 300,
			},
		},
		Audit: AuditConfig{
			RetentionDays: 90,
			PoolSize:      4,
		},
	}
}

// Load loads configuration from the CORDON_CONFIG environment
// variable. Fails when it is not set.
func Load() (*Config, error) {
	configPath := os.Getenv("CORDON_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("CORDON_CONFIG environment variable not set; " +
			"set it to the path of your cordon.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, merged over
// the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside a
// component at runtime.
func (c *Config) Validate() error {
	if c.Manager.MaxSandboxes <= 0 {
		return fmt.Errorf("manager.max_sandboxes must be positive, got %d", c.Manager.MaxSandboxes)
	}
	for _, field := range []struct {
		name  string
		value string
	}{
		{"monitor.interval", c.Monitor.Interval},
		{"manager.idle_timeout", c.Manager.IdleTimeout},
		{"manager.command_timeout", c.Manager.CommandTimeout},
		{"guardian.high_risk_timeout", c.Guardian.HighRiskTimeout},
	} {
		if field.value == "" {
			continue
		}
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
	}
	for _, rule := range c.Guardian.Rules {
		if rule.Name == "" || rule.Pattern == "" {
			return fmt.Errorf("guardian rule needs both name and pattern, got %+v", rule)
		}
		if _, err := guardian.ParseRiskLevel(rule.Risk); err != nil {
			return fmt.Errorf("guardian rule %q: %w", rule.Name, err)
		}
	}
	for _, acl := range c.Guardian.ACLs {
		if acl.HostPath == "" {
			return fmt.Errorf("guardian ACL needs a host_path")
		}
	}
	return nil
}

// Duration parses a duration field that Validate already checked.
// Empty returns the fallback.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// GuardianRules builds the guardian rule set from the file: the
// built-ins (unless disabled) followed by the configured rules.
func (c *Config) GuardianRules() ([]guardian.SecurityRule, error) {
	var rules []guardian.SecurityRule
	if c.Guardian.UseDefaultRules == nil || *c.Guardian.UseDefaultRules {
		rules = guardian.DefaultRules()
	}
	for _, rc := range c.Guardian.Rules {
		risk, err := guardian.ParseRiskLevel(rc.Risk)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", rc.Name, err)
		}
		rules = append(rules, guardian.SecurityRule{
			Name:    rc.Name,
			Pattern: rc.Pattern,
			Risk:    risk,
			Action:  guardian.RuleAction(rc.Action),
			Enabled: !rc.Disabled,
		})
	}
	return rules, nil
}

// GuardianACLs builds the guardian ACL set from the file.
func (c *Config) GuardianACLs() []guardian.VolumeACL {
	acls := make([]guardian.VolumeACL, 0, len(c.Guardian.ACLs))
	for _, ac := range c.Guardian.ACLs {
		mode := ac.Mode
		if mode == "" {
			mode = "ro"
		}
		acls = append(acls, guardian.VolumeACL{
			HostPath:        ac.HostPath,
			Mode:            mode,
			AllowedPatterns: ac.AllowedPatterns,
			BlockedPatterns: ac.BlockedPatterns,
		})
	}
	return acls
}

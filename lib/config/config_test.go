// Copyright 2026 The Cordon Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cordon-systems/cordon/guardian"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Engine.Binary != "docker" {
		t.Errorf("expected binary=docker, got %s", cfg.Engine.Binary)
	}
	if cfg.Engine.NetworkMode != "none" {
		t.Errorf("expected network_mode=none, got %s", cfg.Engine.NetworkMode)
	}
	if cfg.Manager.MaxSandboxes != 10 {
		t.Errorf("expected max_sandboxes=10, got %d", cfg.Manager.MaxSandboxes)
	}
	if cfg.Audit.RetentionDays != 90 {
		t.Errorf("expected retention_days=90, got %d", cfg.Audit.RetentionDays)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
}

func TestLoad_RequiresCordonConfig(t *testing.T) {
	origConfig := os.Getenv("CORDON_CONFIG")
	defer os.Setenv("CORDON_CONFIG", origConfig)

	os.Unsetenv("CORDON_CONFIG")
	if _, err := Load(); err == nil {
		t.Error("expected Load() to fail without CORDON_CONFIG")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cordon.yaml")
	content := `
engine:
  binary: podman
  default_image: node:22-slim
manager:
  max_sandboxes: 3
  idle_timeout: 5m
  limits:
    cpu_percent: 200
    memory_mb: 1024
guardian:
  approved_agents: [a1, a2]
  rules:
    - name: no-curl
      pattern: "curl\\s"
      risk: medium
      action: deny
  acls:
    - host_path: /srv/agents
      mode: rw
audit:
  retention_days: 7
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.Engine.Binary != "podman" {
		t.Errorf("expected binary=podman, got %s", cfg.Engine.Binary)
	}
	if cfg.Manager.MaxSandboxes != 3 {
		t.Errorf("expected max_sandboxes=3, got %d", cfg.Manager.MaxSandboxes)
	}
	if cfg.Manager.Limits.MemoryMB != 1024 {
		t.Errorf("expected memory_mb=1024, got %d", cfg.Manager.Limits.MemoryMB)
	}
	// Unset sections keep their defaults.
	if cfg.Monitor.Interval != "5s" {
		t.Errorf("expected interval=5s, got %s", cfg.Monitor.Interval)
	}
	if cfg.Audit.RetentionDays != 7 {
		t.Errorf("expected retention_days=7, got %d", cfg.Audit.RetentionDays)
	}

	rules, err := cfg.GuardianRules()
	if err != nil {
		t.Fatalf("GuardianRules: %v", err)
	}
	if len(rules) != len(guardian.DefaultRules())+1 {
		t.Errorf("expected built-ins plus 1 rule, got %d", len(rules))
	}
	last := rules[len(rules)-1]
	if last.Name != "no-curl" || last.Risk != guardian.RiskMedium || !last.Enabled {
		t.Errorf("unexpected configured rule: %+v", last)
	}

	acls := cfg.GuardianACLs()
	if len(acls) != 1 || acls[0].HostPath != "/srv/agents" || acls[0].Mode != "rw" {
		t.Errorf("unexpected ACLs: %+v", acls)
	}
}

func TestLoadFile_DisableDefaultRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cordon.yaml")
	content := `
guardian:
  use_default_rules: false
  rules:
    - name: only-rule
      pattern: "badness"
      risk: high
      action: require_approval
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	rules, err := cfg.GuardianRules()
	if err != nil {
		t.Fatalf("GuardianRules: %v", err)
	}
	if len(rules) != 1 || rules[0].Name != "only-rule" {
		t.Errorf("expected exactly the configured rule, got %+v", rules)
	}
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero capacity", func(c *Config) { c.Manager.MaxSandboxes = 0 }},
		{"bad interval", func(c *Config) { c.Monitor.Interval = "five seconds" }},
		{"bad idle timeout", func(c *Config) { c.Manager.IdleTimeout = "later" }},
		{"rule without pattern", func(c *Config) {
			c.Guardian.Rules = []RuleConfig{{Name: "r", Risk: "low", Action: "allow"}}
		}},
		{"rule with unknown risk", func(c *Config) {
			c.Guardian.Rules = []RuleConfig{{Name: "r", Pattern: "x", Risk: "scary", Action: "allow"}}
		}},
		{"acl without host path", func(c *Config) {
			c.Guardian.ACLs = []ACLConfig{{Mode: "ro"}}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation to fail")
			}
		})
	}
}

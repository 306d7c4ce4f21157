// Copyright 2026 The Cordon Authors
// SPDX-License-Identifier: Apache-2.0

package guardian

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"
)

// RiskLevel is the ordered severity assigned to a validated operation.
type RiskLevel int

const (
	// RiskLow means no rule or heuristic flagged the operation.
	RiskLow RiskLevel = iota

	// RiskMedium means an advisory heuristic fired (generous resource
	// limits, a binding with no ACL coverage).
	RiskMedium

	// RiskHigh means a security rule or sensitive-path check fired.
	RiskHigh

	// RiskCritical means a deny rule matched. Critical operations are
	// never approved.
	RiskCritical
)

// String returns the lowercase risk name.
func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseRiskLevel converts a config string to a RiskLevel.
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch strings.ToLower(s) {
	case "low":
		return RiskLow, nil
	case "medium":
		return RiskMedium, nil
	case "high":
		return RiskHigh, nil
	case "critical":
		return RiskCritical, nil
	default:
		return RiskLow, fmt.Errorf("guardian: unknown risk level %q", s)
	}
}

// RuleAction is what a matched SecurityRule does to the decision.
type RuleAction string

const (
	// ActionAllow lets the operation proceed; the rule only
	// contributes its risk level.
	ActionAllow RuleAction = "allow"

	// ActionDeny rejects the operation outright at critical risk.
	ActionDeny RuleAction = "deny"

	// ActionRequireApproval rejects the operation pending out-of-band
	// manual approval.
	ActionRequireApproval RuleAction = "require_approval"
)

// SecurityRule is one pattern-matched policy rule. Rules are immutable
// once loaded and evaluated in the order they were registered.
type SecurityRule struct {
	// Name identifies the rule in decisions and the audit trail.
	Name string

	// Pattern is a case-insensitive regular expression matched against
	// the requested command.
	Pattern string

	// Risk is the severity this rule contributes when it matches.
	Risk RiskLevel

	// Action decides what a match does: allow, deny, or
	// require_approval.
	Action RuleAction

	// Enabled gates evaluation. Disabled rules stay loaded (they still
	// appear in the security summary) but never match.
	Enabled bool
}

// VolumeACL restricts which host paths may be mounted into sandboxes.
// HostPath is prefix-matched against the requested binding.
type VolumeACL struct {
	HostPath      string
	ContainerPath string

	// Mode is "ro" or "rw".
	Mode string

	// AllowedPatterns, when non-empty, whitelists sub-paths under
	// HostPath. BlockedPatterns always escalate. Both are substring
	// patterns, not regexes.
	AllowedPatterns []string
	BlockedPatterns []string
}

// VolumeBinding is one requested host mount, as submitted in an
// OperationRequest.
type VolumeBinding struct {
	HostPath      string
	ContainerPath string
	Mode          string
}

// ResourceLimits caps a sandbox for its whole life. Set once at
// creation; the resource monitor enforces them against live readings.
// CPUPercent is a percentage where 100 means one full core.
type ResourceLimits struct {
	CPUPercent     float64 `yaml:"cpu_percent"`
	MemoryMB       int     `yaml:"memory_mb"`
	DiskMB         int     `yaml:"disk_mb"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`

	// NetworkBandwidthMbps is advisory; the engines in this repository
	// do not shape traffic.
	NetworkBandwidthMbps float64 `yaml:"network_bandwidth_mbps,omitempty"`
}

// OperationRequest asks the Guardian to approve one operation. Never
// persisted; the audit trail records the resulting decision instead.
type OperationRequest struct {
	AgentID        string
	Operation      string
	Command        string
	VolumeBindings []VolumeBinding
	ResourceLimits *ResourceLimits
	Metadata       map[string]string
}

// Decision is the Guardian's verdict. Consumed immediately by the
// caller; the caller is responsible for auditing it.
type Decision struct {
	Approved bool
	Reason   string
	Risk     RiskLevel

	// Conditions are advisory strings attached to an approval: which
	// rules matched, which heuristics fired. Included in the success
	// audit entry so the trail shows what the operation was approved
	// despite.
	Conditions []string

	// TimeoutOverride, when non-zero, replaces the caller's command
	// timeout. Set for approved high-risk commands.
	TimeoutOverride time.Duration
}

// sensitivePathPrefixes are host paths whose binding always escalates
// to high risk. Defined in code: what counts as sensitive is a
// security decision, not an operational knob.
var sensitivePathPrefixes = []string{"/etc", "/boot", "/sys", "/proc"}

// Resource-limit heuristics (advisory, not denials). Requests above
// these escalate to medium and attach a condition.
const (
	generousCPUCores  = 4.0
	generousMemoryMB  = 4096
	generousTimeout   = 3600 * time.Second
	defaultRiskyGrace = 5 * time.Minute
)

// compiledRule pairs a SecurityRule with its compiled pattern.
type compiledRule struct {
	SecurityRule
	re *regexp.Regexp
}

// Guardian evaluates operation requests against security rules, volume
// ACLs, and resource heuristics. Evaluation is stateless per call; the
// mutable state (rules, ACLs, the approved-agent set) is guarded by a
// read-write mutex so validation never blocks validation.
type Guardian struct {
	logger *slog.Logger

	mu       sync.RWMutex
	rules    []compiledRule
	acls     []VolumeACL
	approved map[string]bool

	// highRiskTimeout is the TimeoutOverride applied to approved
	// high-risk commands.
	highRiskTimeout time.Duration
}

// Config holds the parameters for constructing a Guardian.
type Config struct {
	// Rules are evaluated in order. Patterns are compiled
	// case-insensitively at construction; a bad pattern fails New.
	Rules []SecurityRule

	// ACLs restrict volume bindings.
	ACLs []VolumeACL

	// ApprovedAgents seeds the approved set.
	ApprovedAgents []string

	// HighRiskTimeout replaces the caller's timeout on approved
	// high-risk commands. Zero means defaultRiskyGrace.
	HighRiskTimeout time.Duration

	// Logger receives decision logging. Nil means discard.
	Logger *slog.Logger
}

// New compiles the rule set and returns a Guardian.
func New(cfg Config) (*Guardian, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	rules := make([]compiledRule, 0, len(cfg.Rules))
	for _, rule := range cfg.Rules {
		compiled, err := compileRule(rule)
		if err != nil {
			return nil, err
		}
		rules = append(rules, compiled)
	}

	approved := make(map[string]bool, len(cfg.ApprovedAgents))
	for _, agent := range cfg.ApprovedAgents {
		approved[agent] = true
	}

	highRiskTimeout := cfg.HighRiskTimeout
	if highRiskTimeout <= 0 {
		highRiskTimeout = defaultRiskyGrace
	}

	return &Guardian{
		logger:          logger,
		rules:           rules,
		acls:            append([]VolumeACL(nil), cfg.ACLs...),
		approved:        approved,
		highRiskTimeout: highRiskTimeout,
	}, nil
}

// compileRule validates one rule and compiles its pattern.
func compileRule(rule SecurityRule) (compiledRule, error) {
	if rule.Name == "" {
		return compiledRule{}, fmt.Errorf("guardian: rule with empty name")
	}
	re, err := regexp.Compile("(?i)" + rule.Pattern)
	if err != nil {
		return compiledRule{}, fmt.Errorf("guardian: rule %q: %w", rule.Name, err)
	}
	switch rule.Action {
	case ActionAllow, ActionDeny, ActionRequireApproval:
	default:
		return compiledRule{}, fmt.Errorf("guardian: rule %q: unknown action %q", rule.Name, rule.Action)
	}
	return compiledRule{SecurityRule: rule, re: re}, nil
}

// ValidateOperation evaluates one request and returns the decision.
//
// Evaluation:
//  1. Unknown agent → deny at high risk.
//  2. Command matched against every enabled rule in order; a deny
//     match short-circuits at critical.
//  3. Volume bindings checked against sensitive prefixes and ACLs.
//  4. Resource limits checked against the generosity heuristics.
//  5. Critical denies. Medium/high approve with conditions, unless a
//     matched rule requires manual approval.
func (g *Guardian) ValidateOperation(request OperationRequest) Decision {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if !g.approved[request.AgentID] {
		g.logger.Warn("operation denied: agent not approved",
			"agent_id", request.AgentID,
			"operation", request.Operation,
		)
		return Decision{
			Approved: false,
			Reason:   fmt.Sprintf("agent %q is not approved", request.AgentID),
			Risk:     RiskHigh,
		}
	}

	risk := RiskLow
	var conditions []string
	requireApproval := false

	if request.Command != "" {
		for _, rule := range g.rules {
			if !rule.Enabled || !rule.re.MatchString(request.Command) {
				continue
			}
			if rule.Action == ActionDeny {
				g.logger.Warn("operation denied by rule",
					"agent_id", request.AgentID,
					"rule", rule.Name,
					"operation", request.Operation,
				)
				return Decision{
					Approved: false,
					Reason:   fmt.Sprintf("command matches denied pattern (rule %q)", rule.Name),
					Risk:     RiskCritical,
				}
			}
			if rule.Action == ActionRequireApproval {
				requireApproval = true
			}
			if rule.Risk > risk {
				risk = rule.Risk
			}
			conditions = append(conditions, fmt.Sprintf("matched rule %q (%s)", rule.Name, rule.Risk))
		}
	}

	for _, binding := range request.VolumeBindings {
		bindingRisk, condition := g.evaluateBinding(binding)
		if bindingRisk > risk {
			risk = bindingRisk
		}
		if condition != "" {
			conditions = append(conditions, condition)
		}
	}

	if request.ResourceLimits != nil {
		limits := request.ResourceLimits
		if limits.CPUPercent > generousCPUCores*100 {
			risk = maxRisk(risk, RiskMedium)
			conditions = append(conditions, fmt.Sprintf("cpu limit %.1f cores exceeds %.1f", limits.CPUPercent/100, generousCPUCores))
		}
		if limits.MemoryMB > generousMemoryMB {
			risk = maxRisk(risk, RiskMedium)
			conditions = append(conditions, fmt.Sprintf("memory limit %d MB exceeds %d MB", limits.MemoryMB, generousMemoryMB))
		}
		if time.Duration(limits.TimeoutSeconds)*time.Second > generousTimeout {
			risk = maxRisk(risk, RiskMedium)
			conditions = append(conditions, fmt.Sprintf("timeout %ds exceeds %s", limits.TimeoutSeconds, generousTimeout))
		}
	}

	if risk == RiskCritical {
		return Decision{
			Approved:   false,
			Reason:     "operation risk is critical",
			Risk:       risk,
			Conditions: conditions,
		}
	}

	if requireApproval && risk > RiskLow {
		return Decision{
			Approved:   false,
			Reason:     "operation requires manual approval",
			Risk:       risk,
			Conditions: conditions,
		}
	}

	decision := Decision{
		Approved:   true,
		Reason:     "approved",
		Risk:       risk,
		Conditions: conditions,
	}
	if risk >= RiskHigh && request.Command != "" {
		decision.TimeoutOverride = g.highRiskTimeout
		decision.Conditions = append(decision.Conditions,
			fmt.Sprintf("timeout reduced to %s for high-risk command", g.highRiskTimeout))
	}

	if risk > RiskLow {
		g.logger.Info("operation approved with conditions",
			"agent_id", request.AgentID,
			"operation", request.Operation,
			"risk", risk.String(),
			"conditions", len(decision.Conditions),
		)
	}
	return decision
}

// evaluateBinding scores one volume binding. Returns the risk
// contribution and an optional condition string.
func (g *Guardian) evaluateBinding(binding VolumeBinding) (RiskLevel, string) {
	for _, prefix := range sensitivePathPrefixes {
		if binding.HostPath == prefix || strings.HasPrefix(binding.HostPath, prefix+"/") {
			return RiskHigh, fmt.Sprintf("binding %s is under sensitive prefix %s", binding.HostPath, prefix)
		}
	}

	for i := range g.acls {
		acl := &g.acls[i]
		if binding.HostPath != acl.HostPath && !strings.HasPrefix(binding.HostPath, acl.HostPath+"/") {
			continue
		}
		for _, blocked := range acl.BlockedPatterns {
			if strings.Contains(binding.HostPath, blocked) {
				return RiskHigh, fmt.Sprintf("binding %s matches blocked pattern %q", binding.HostPath, blocked)
			}
		}
		if len(acl.AllowedPatterns) > 0 && !matchesAny(binding.HostPath, acl.AllowedPatterns) {
			return RiskMedium, fmt.Sprintf("binding %s is outside the ACL's allowed patterns", binding.HostPath)
		}
		if binding.Mode == "rw" && acl.Mode == "ro" {
			return RiskHigh, fmt.Sprintf("binding %s requests rw but ACL allows ro", binding.HostPath)
		}
		return RiskLow, ""
	}

	return RiskMedium, fmt.Sprintf("no ACL defined for binding %s", binding.HostPath)
}

func matchesAny(path string, patterns []string) bool {
	for _, pattern := range patterns {
		if strings.Contains(path, pattern) {
			return true
		}
	}
	return false
}

func maxRisk(a, b RiskLevel) RiskLevel {
	if a > b {
		return a
	}
	return b
}

// ApproveAgent adds an agent to the approved set.
func (g *Guardian) ApproveAgent(agentID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.approved[agentID] = true
	g.logger.Info("agent approved", "agent_id", agentID)
}

// RevokeAgentApproval removes an agent from the approved set. Existing
// sandboxes are unaffected; the manager handles teardown separately.
func (g *Guardian) RevokeAgentApproval(agentID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.approved, agentID)
	g.logger.Info("agent approval revoked", "agent_id", agentID)
}

// IsApproved reports whether an agent is in the approved set.
func (g *Guardian) IsApproved(agentID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.approved[agentID]
}

// AddRule appends a rule to the evaluation order. Later rules still
// lose to an earlier deny since evaluation short-circuits on deny.
func (g *Guardian) AddRule(rule SecurityRule) error {
	compiled, err := compileRule(rule)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rules = append(g.rules, compiled)
	return nil
}

// AddVolumeACL registers an ACL. Later requests are evaluated against
// it; decisions already returned are unaffected.
func (g *Guardian) AddVolumeACL(acl VolumeACL) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.acls = append(g.acls, acl)
}

// Summary is the read-only security posture snapshot.
type Summary struct {
	TotalRules     int
	EnabledRules   int
	RulesByRisk    map[string]int
	ACLCount       int
	ApprovedAgents []string
}

// SecuritySummary returns rule, ACL, and agent counts by risk bucket.
func (g *Guardian) SecuritySummary() Summary {
	g.mu.RLock()
	defer g.mu.RUnlock()

	summary := Summary{
		TotalRules:  len(g.rules),
		RulesByRisk: make(map[string]int),
		ACLCount:    len(g.acls),
	}
	for _, rule := range g.rules {
		if rule.Enabled {
			summary.EnabledRules++
		}
		summary.RulesByRisk[rule.Risk.String()]++
	}
	for agent := range g.approved {
		summary.ApprovedAgents = append(summary.ApprovedAgents, agent)
	}
	return summary
}

// Copyright 2026 The Cordon Authors
// SPDX-License-Identifier: Apache-2.0

package guardian

// DefaultRules is the baseline rule set applied when the config file
// does not supply one. Deny rules cover irreversible host damage;
// require_approval covers privilege escalation; allow rules tag
// network fetches so they show up in the audit trail at elevated risk.
func DefaultRules() []SecurityRule {
	return []SecurityRule{
		{
			Name:    "destructive-rm",
			Pattern: `rm\s+(-[a-z]*[rf][a-z]*\s+)+(/|/\*|\$HOME|~)(\s|$)`,
			Risk:    RiskCritical,
			Action:  ActionDeny,
			Enabled: true,
		},
		{
			Name:    "filesystem-format",
			Pattern: `\b(mkfs|fdisk|parted)\b`,
			Risk:    RiskCritical,
			Action:  ActionDeny,
			Enabled: true,
		},
		{
			Name:    "raw-disk-write",
			Pattern: `\bdd\b.*\bof=/dev/`,
			Risk:    RiskCritical,
			Action:  ActionDeny,
			Enabled: true,
		},
		{
			Name:    "fork-bomb",
			Pattern: `:\(\)\s*\{.*\};\s*:`,
			Risk:    RiskCritical,
			Action:  ActionDeny,
			Enabled: true,
		},
		{
			Name:    "host-shutdown",
			Pattern: `\b(shutdown|reboot|halt|poweroff)\b`,
			Risk:    RiskCritical,
			Action:  ActionDeny,
			Enabled: true,
		},
		{
			Name:    "kill-init",
			Pattern: `\bkill\s+(-9\s+)?1\b`,
			Risk:    RiskCritical,
			Action:  ActionDeny,
			Enabled: true,
		},
		{
			Name:    "privilege-escalation",
			Pattern: `\b(sudo|su)\b`,
			Risk:    RiskHigh,
			Action:  ActionRequireApproval,
			Enabled: true,
		},
		{
			Name:    "world-writable-root",
			Pattern: `chmod\s+(-[a-z]+\s+)?777\s+/`,
			Risk:    RiskHigh,
			Action:  ActionRequireApproval,
			Enabled: true,
		},
		{
			Name:    "pipe-to-shell",
			Pattern: `\b(curl|wget)\b.*\|\s*(ba)?sh\b`,
			Risk:    RiskHigh,
			Action:  ActionAllow,
			Enabled: true,
		},
		{
			Name:    "network-fetch",
			Pattern: `\b(curl|wget|nc|netcat)\b`,
			Risk:    RiskMedium,
			Action:  ActionAllow,
			Enabled: true,
		},
		{
			Name:    "package-install",
			Pattern: `\b(apt-get|apt|yum|dnf|apk)\s+(install|add)\b`,
			Risk:    RiskMedium,
			Action:  ActionAllow,
			Enabled: true,
		},
	}
}

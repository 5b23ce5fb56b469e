// Copyright (c) 2026 Taskmaster Team
// Taskmaster - natural-language infrastructure control plane
// This source code is licensed under the MIT license found in the LICENSE file.

package generate

import (
	"regexp"

	"github.com/toeirei/taskmaster/internal/model"
)

// Local risk assessment is a floor under whatever the model declares: a
// command matching a critical pattern stays critical no matter how calm the
// model felt about it.

var criticalPatterns = compileAll(
	`rm\s+-rf\s+/`,
	`dd\s+if=/dev/`,
	`mkfs`,
	`fdisk`,
	`parted`,
	`sudo\s+rm\s+-rf`,
	`sudo\s+chmod\s+777`,
	`sudo\s+passwd`,
)

var highPatterns = compileAll(
	`chmod\s+777`,
	`chown\s+-R`,
	`systemctl\s+(stop|disable)`,
	`service\s+\w+\s+(stop|disable)`,
	`iptables\s+-F`,
	`ufw\s+--force\s+reset`,
	`crontab\s+-r`,
	`passwd\s+\w+`,
	`useradd\s+\w+`,
	`groupadd\s+\w+`,
)

var mediumPatterns = compileAll(
	`systemctl\s+(start|restart|reload|enable)`,
	`service\s+\w+\s+(start|restart|reload)`,
	`chmod\s+[0-7]{3,4}`,
	`chown\s+\w+:\w+`,
	`crontab\s+-e`,
	`iptables\s+-\w+`,
	`nft\s+`,
	`ufw\s+(allow|deny)`,
	`apt(-get)?\s+(install|remove|purge)`,
	`yum\s+(install|remove)`,
	`dnf\s+(install|remove)`,
	`pacman\s+-S`,
	`apk\s+(add|del)`,
	`zypper\s+(install|remove)`,
)

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(`(?i)` + p)
	}
	return out
}

// AssessCommandRisk classifies a shell command by pattern. Read-only or
// unrecognized commands default to low.
func AssessCommandRisk(command string) model.RiskLevel {
	for _, re := range criticalPatterns {
		if re.MatchString(command) {
			return model.RiskCritical
		}
	}
	for _, re := range highPatterns {
		if re.MatchString(command) {
			return model.RiskHigh
		}
	}
	for _, re := range mediumPatterns {
		if re.MatchString(command) {
			return model.RiskMedium
		}
	}
	return model.RiskLow
}

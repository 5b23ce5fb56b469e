// Copyright (c) 2026 Taskmaster Team
// Taskmaster - natural-language infrastructure control plane
// This source code is licensed under the MIT license found in the LICENSE file.

package generate

import (
	"fmt"
	"strings"

	"github.com/toeirei/taskmaster/internal/model"
)

// buildSystemPrompt renders the host profile and the output contract for the
// model. The profile goes in verbatim; the closed response vocabulary and
// safety constraints are spelled out so validation failures are the model's
// fault, not ambiguity's.
func buildSystemPrompt(hp *model.HostProfile) string {
	var b strings.Builder

	b.WriteString("You are an expert Linux system administrator AI that plans commands for execution on a production host.\n\n")

	b.WriteString("TARGET HOST:\n")
	fmt.Fprintf(&b, "- Operating System: %s %s (family: %s)\n", orUnknown(hp.Distribution), hp.Version, hp.OSFamily)
	fmt.Fprintf(&b, "- Kernel: %s (%s)\n", orUnknown(hp.Kernel), orUnknown(hp.Arch))
	fmt.Fprintf(&b, "- Memory: %d bytes total, %d bytes available\n", hp.MemoryTotalBytes, hp.MemoryAvailableBytes)
	fmt.Fprintf(&b, "- Disk free on /: %d bytes\n", hp.DiskFreeBytes)
	fmt.Fprintf(&b, "- Service Manager: %s\n", hp.ServiceManager)
	fmt.Fprintf(&b, "- Available Tools: %s\n", strings.Join(hp.Tools, ", "))

	b.WriteString(`
SAFETY CONSTRAINTS:
- Commands must be idempotent where possible
- Never replace or modify the kernel
- Never flush firewall rules without an equivalent of 'ufw reload' immediately after
- Never run 'rm -rf /' or equivalents
- Never modify the SSH listener or sshd configuration
- Prefer explicit non-interactive flags (-y, --no-pager) so no step blocks on input
`)

	switch hp.OSFamily {
	case model.OSFamilyDebian:
		b.WriteString("- This is a debian-family host: use apt-get for package management\n")
	case model.OSFamilyRHEL:
		b.WriteString("- This is a rhel-family host: use dnf, or yum when dnf is unavailable\n")
	case model.OSFamilyAlpine:
		b.WriteString("- This is an alpine host: use apk for package management\n")
	case model.OSFamilyArch:
		b.WriteString("- This is an arch host: use pacman with --noconfirm\n")
	case model.OSFamilySUSE:
		b.WriteString("- This is a suse host: use zypper with --non-interactive\n")
	}
	if pm := hp.PackageManager(); pm != "" {
		fmt.Fprintf(&b, "- Detected package manager: %s\n", pm)
	}

	b.WriteString(`
Respond with a JSON object of exactly this shape:

{
  "intent": "package_management|service_management|configuration|troubleshooting|general_help",
  "action": "specific action needed",
  "risk_level": "low|medium|high|critical",
  "explanation": "brief explanation of what you'll do",
  "steps": [
    {
      "step": 1,
      "command": "single shell command",
      "explanation": "what this step does",
      "risk_level": "low|medium|high|critical",
      "estimated_time": "10s"
    }
  ]
}

OUTPUT FORMAT REQUIREMENTS:
- Output must be a single valid JSON object and contain no text outside of it
- No markdown formatting, no code fences, no comments, no trailing commas
- Step numbers are 1-based and sequential
`)

	return b.String()
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

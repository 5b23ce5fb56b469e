// Copyright (c) 2026 Taskmaster Team
// Taskmaster - natural-language infrastructure control plane
// This source code is licensed under the MIT license found in the LICENSE file.

// Package profile builds HostProfile snapshots by running a small fixed
// battery of read-only probes over a live transport. Probing is best-effort:
// a failed probe degrades its fields to safe defaults and never fails the
// caller.
package profile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/toeirei/taskmaster/internal/logging"
	"github.com/toeirei/taskmaster/internal/model"
	"github.com/toeirei/taskmaster/internal/transport"
)

// DefaultProbeDeadline bounds each individual probe.
const DefaultProbeDeadline = 5 * time.Second

// fileFetchLimit caps SFTP reads of small system files.
const fileFetchLimit = 64 << 10

// toolInventory is the fixed list of tools tested for PATH presence.
var toolInventory = []string{
	"apt", "apt-get", "dnf", "yum", "pacman", "apk", "zypper",
	"systemctl", "service", "ufw", "iptables", "nftables",
	"docker", "podman", "nginx", "curl", "wget", "jq", "git",
	"python3", "node", "make", "gcc", "tar", "gzip",
}

// Profiler captures host snapshots over a transport connection.
type Profiler struct {
	conn          transport.Conn
	probeDeadline time.Duration
	now           func() time.Time
}

// Option tweaks a Profiler.
type Option func(*Profiler)

// WithProbeDeadline overrides the per-probe deadline.
func WithProbeDeadline(d time.Duration) Option {
	return func(p *Profiler) { p.probeDeadline = d }
}

// WithClock overrides the timestamp source for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Profiler) { p.now = now }
}

// New builds a Profiler over the given connection.
func New(conn transport.Conn, opts ...Option) *Profiler {
	p := &Profiler{
		conn:          conn,
		probeDeadline: DefaultProbeDeadline,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Snapshot runs the probe battery and synthesizes a HostProfile. It never
// returns an error; fields that could not be probed hold their zero or
// unknown values.
func (p *Profiler) Snapshot(ctx context.Context) *model.HostProfile {
	hp := &model.HostProfile{
		OSFamily:       model.OSFamilyUnknown,
		ServiceManager: model.ServiceManagerNone,
		CapturedAt:     p.now(),
	}

	p.probeIdentity(ctx, hp)
	p.probeResources(ctx, hp)
	p.probeTools(ctx, hp)
	p.probeServiceManager(ctx, hp)
	p.probeListeningPorts(ctx, hp)

	return hp
}

// run executes one probe command under the probe deadline and returns stdout,
// or "" when the probe failed in any way.
func (p *Profiler) run(ctx context.Context, command string) string {
	probeCtx, cancel := context.WithTimeout(ctx, p.probeDeadline)
	defer cancel()
	res, err := p.conn.Run(probeCtx, command)
	if err != nil || res.ExitCode != 0 {
		logging.Debugf("probe %q degraded: exit=%d err=%v", command, res.ExitCode, err)
		return ""
	}
	return res.Stdout
}

// fetch reads a small remote file, preferring SFTP and falling back to a cat
// probe for targets without an SFTP subsystem.
func (p *Profiler) fetch(ctx context.Context, path string) string {
	if data, err := p.conn.FetchFile(path, fileFetchLimit); err == nil && len(data) > 0 {
		return string(data)
	}
	return p.run(ctx, "cat "+path)
}

func (p *Profiler) probeIdentity(ctx context.Context, hp *model.HostProfile) {
	if release := p.fetch(ctx, "/etc/os-release"); release != "" {
		fields := parseOSRelease(release)
		hp.Distribution = fields["NAME"]
		hp.Version = fields["VERSION_ID"]
		hp.OSFamily = classifyFamily(fields["ID"], fields["ID_LIKE"])
	}
	if out := p.run(ctx, "uname -srm"); out != "" {
		parts := strings.Fields(out)
		if len(parts) >= 2 {
			hp.Kernel = parts[1]
		}
		if len(parts) >= 3 {
			hp.Arch = parts[2]
		}
	}
}

func (p *Profiler) probeResources(ctx context.Context, hp *model.HostProfile) {
	if meminfo := p.fetch(ctx, "/proc/meminfo"); meminfo != "" {
		total, avail := parseMeminfo(meminfo)
		hp.MemoryTotalBytes = total
		hp.MemoryAvailableBytes = avail
	}
	if out := p.run(ctx, "df -kP /"); out != "" {
		hp.DiskFreeBytes = parseDiskFree(out)
	}
}

func (p *Profiler) probeTools(ctx context.Context, hp *model.HostProfile) {
	// One round trip for the whole inventory; each hit echoes its own name.
	var sb strings.Builder
	sb.WriteString("for t in")
	for _, t := range toolInventory {
		sb.WriteString(" ")
		sb.WriteString(t)
	}
	sb.WriteString(`; do command -v "$t" >/dev/null 2>&1 && echo "$t"; done`)

	out := p.run(ctx, sb.String())
	for _, line := range strings.Split(out, "\n") {
		tool := strings.TrimSpace(line)
		if tool != "" {
			hp.Tools = append(hp.Tools, tool)
		}
	}
}

func (p *Profiler) probeServiceManager(ctx context.Context, hp *model.HostProfile) {
	switch {
	case hp.HasTool("systemctl"):
		hp.ServiceManager = model.ServiceManagerSystemd
	case hp.HasTool("service"):
		hp.ServiceManager = model.ServiceManagerSysVInit
	case p.run(ctx, "command -v rc-service") != "":
		hp.ServiceManager = model.ServiceManagerOpenRC
	case p.run(ctx, "command -v initctl") != "":
		hp.ServiceManager = model.ServiceManagerUpstart
	default:
		hp.ServiceManager = model.ServiceManagerNone
	}
}

func (p *Profiler) probeListeningPorts(ctx context.Context, hp *model.HostProfile) {
	out := p.run(ctx, "ss -tulnH")
	if out == "" {
		out = p.run(ctx, "netstat -tuln")
	}
	hp.ListeningPorts = parseListeningPorts(out)
}

// Summary renders a compact one-line profile description used in logs.
func Summary(hp *model.HostProfile) string {
	return fmt.Sprintf("%s %s (%s), kernel %s/%s, %d tools, svc=%s",
		hp.Distribution, hp.Version, hp.OSFamily, hp.Kernel, hp.Arch, len(hp.Tools), hp.ServiceManager)
}

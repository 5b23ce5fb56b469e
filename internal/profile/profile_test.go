// Copyright (c) 2026 Taskmaster Team
// Taskmaster - natural-language infrastructure control plane
// This source code is licensed under the MIT license found in the LICENSE file.

package profile

import (
	"context"
	"testing"
	"time"

	"github.com/toeirei/taskmaster/internal/model"
	"github.com/toeirei/taskmaster/internal/testutil"
)

const ubuntuOSRelease = `NAME="Ubuntu"
VERSION_ID="22.04"
ID=ubuntu
ID_LIKE=debian
`

const sampleMeminfo = `MemTotal:        16384000 kB
MemFree:          1024000 kB
MemAvailable:     8192000 kB
`

const sampleDF = `Filesystem 1024-blocks    Used Available Capacity Mounted on
/dev/vda1    102400000 51200000  51200000      50% /
`

const sampleSS = `tcp   LISTEN 0      4096   0.0.0.0:22    0.0.0.0:*
tcp   LISTEN 0      511    0.0.0.0:80    0.0.0.0:*
udp   UNCONN 0      0      127.0.0.53:53 0.0.0.0:*
`

func ubuntuConn() *testutil.FakeConn {
	return &testutil.FakeConn{
		Files: map[string][]byte{
			"/etc/os-release": []byte(ubuntuOSRelease),
			"/proc/meminfo":   []byte(sampleMeminfo),
		},
		Results: map[string]model.CommandResult{
			"uname -srm": {ExitCode: 0, Stdout: "Linux 5.15.0-91-generic x86_64\n"},
			"df -kP /":   {ExitCode: 0, Stdout: sampleDF},
			"ss -tulnH":  {ExitCode: 0, Stdout: sampleSS},
		},
		RunFunc: func(ctx context.Context, command string) (model.CommandResult, error) {
			// The tool inventory loop.
			return model.CommandResult{ExitCode: 0, Stdout: "apt-get\napt\nsystemctl\ncurl\ngit\n"}, nil
		},
	}
}

func TestSnapshotUbuntu(t *testing.T) {
	captured := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := New(ubuntuConn(), WithClock(func() time.Time { return captured }))
	hp := p.Snapshot(context.Background())

	if hp.OSFamily != model.OSFamilyDebian {
		t.Errorf("os family = %s, want debian", hp.OSFamily)
	}
	if hp.Distribution != "Ubuntu" || hp.Version != "22.04" {
		t.Errorf("distro = %s %s", hp.Distribution, hp.Version)
	}
	if hp.Kernel != "5.15.0-91-generic" || hp.Arch != "x86_64" {
		t.Errorf("kernel/arch = %s/%s", hp.Kernel, hp.Arch)
	}
	if hp.MemoryTotalBytes != 16384000*1024 {
		t.Errorf("memory total = %d", hp.MemoryTotalBytes)
	}
	if hp.MemoryAvailableBytes != 8192000*1024 {
		t.Errorf("memory available = %d", hp.MemoryAvailableBytes)
	}
	if hp.DiskFreeBytes != 51200000*1024 {
		t.Errorf("disk free = %d", hp.DiskFreeBytes)
	}
	if !hp.HasTool("apt-get") || !hp.HasTool("systemctl") {
		t.Errorf("tools missing: %v", hp.Tools)
	}
	if hp.ServiceManager != model.ServiceManagerSystemd {
		t.Errorf("service manager = %s", hp.ServiceManager)
	}
	if len(hp.ListeningPorts) != 3 {
		t.Fatalf("ports = %v", hp.ListeningPorts)
	}
	if hp.ListeningPorts[0] != (model.ListeningPort{Port: 22, Protocol: "tcp"}) {
		t.Errorf("first port = %v", hp.ListeningPorts[0])
	}
	if !hp.CapturedAt.Equal(captured) {
		t.Errorf("captured_at = %v", hp.CapturedAt)
	}
	if hp.PackageManager() != "apt-get" {
		t.Errorf("package manager = %s", hp.PackageManager())
	}
}

func TestSnapshotDegradedHostIsPartial(t *testing.T) {
	// Every probe fails: profile still comes back with safe defaults.
	conn := &testutil.FakeConn{
		RunFunc: func(ctx context.Context, command string) (model.CommandResult, error) {
			return model.CommandResult{ExitCode: 1, Stderr: "probe refused"}, nil
		},
	}
	p := New(conn)
	hp := p.Snapshot(context.Background())

	if hp.OSFamily != model.OSFamilyUnknown {
		t.Errorf("os family = %s, want unknown", hp.OSFamily)
	}
	if hp.ServiceManager != model.ServiceManagerNone {
		t.Errorf("service manager = %s, want none", hp.ServiceManager)
	}
	if len(hp.Tools) != 0 || hp.MemoryTotalBytes != 0 || hp.DiskFreeBytes != 0 {
		t.Errorf("degraded profile carries data: %+v", hp)
	}
}

func TestServiceManagerFallThroughToOpenRC(t *testing.T) {
	conn := &testutil.FakeConn{
		Results: map[string]model.CommandResult{
			"command -v rc-service": {ExitCode: 0, Stdout: "/sbin/rc-service\n"},
		},
		RunFunc: func(ctx context.Context, command string) (model.CommandResult, error) {
			return model.CommandResult{ExitCode: 1}, nil
		},
	}
	hp := New(conn).Snapshot(context.Background())
	if hp.ServiceManager != model.ServiceManagerOpenRC {
		t.Errorf("service manager = %s, want openrc", hp.ServiceManager)
	}
}

func TestClassifyFamily(t *testing.T) {
	cases := []struct {
		id, like string
		want     model.OSFamily
	}{
		{"ubuntu", "debian", model.OSFamilyDebian},
		{"debian", "", model.OSFamilyDebian},
		{"rocky", "rhel centos fedora", model.OSFamilyRHEL},
		{"fedora", "", model.OSFamilyRHEL},
		{"arch", "", model.OSFamilyArch},
		{"alpine", "", model.OSFamilyAlpine},
		{"opensuse-leap", "suse", model.OSFamilySUSE},
		{"plan9", "", model.OSFamilyUnknown},
	}
	for _, c := range cases {
		if got := classifyFamily(c.id, c.like); got != c.want {
			t.Errorf("classifyFamily(%q, %q) = %s, want %s", c.id, c.like, got, c.want)
		}
	}
}

func TestParseListeningPortsNetstatFallback(t *testing.T) {
	out := `Active Internet connections (only servers)
Proto Recv-Q Send-Q Local Address           Foreign Address         State
tcp        0      0 0.0.0.0:22              0.0.0.0:*               LISTEN
tcp6       0      0 :::80                   :::*                    LISTEN
`
	ports := parseListeningPorts(out)
	if len(ports) != 2 {
		t.Fatalf("ports = %v", ports)
	}
	if ports[0].Port != 22 || ports[1].Port != 80 {
		t.Errorf("ports = %v", ports)
	}
}

func TestParseMeminfoIgnoresGarbage(t *testing.T) {
	total, avail := parseMeminfo("garbage\nMemTotal: abc kB\n")
	if total != 0 || avail != 0 {
		t.Errorf("got %d/%d, want zeros", total, avail)
	}
}

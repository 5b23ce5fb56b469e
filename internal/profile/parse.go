// Copyright (c) 2026 Taskmaster Team
// Taskmaster - natural-language infrastructure control plane
// This source code is licensed under the MIT license found in the LICENSE file.

package profile

import (
	"strconv"
	"strings"

	"github.com/toeirei/taskmaster/internal/model"
)

// parseOSRelease parses /etc/os-release key=value lines, stripping quotes.
func parseOSRelease(content string) map[string]string {
	fields := make(map[string]string)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		fields[key] = strings.Trim(value, `"'`)
	}
	return fields
}

// classifyFamily maps os-release ID / ID_LIKE values onto the closed family
// set. ID wins over ID_LIKE.
func classifyFamily(id, idLike string) model.OSFamily {
	for _, probe := range []string{id, idLike} {
		probe = strings.ToLower(probe)
		switch {
		case containsAny(probe, "debian", "ubuntu"):
			return model.OSFamilyDebian
		case containsAny(probe, "rhel", "fedora", "centos", "rocky", "almalinux"):
			return model.OSFamilyRHEL
		case containsAny(probe, "arch"):
			return model.OSFamilyArch
		case containsAny(probe, "alpine"):
			return model.OSFamilyAlpine
		case containsAny(probe, "suse"):
			return model.OSFamilySUSE
		}
	}
	return model.OSFamilyUnknown
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// parseMeminfo extracts MemTotal and MemAvailable from /proc/meminfo, in
// bytes. Values there are reported in kB.
func parseMeminfo(content string) (total, available uint64) {
	for _, line := range strings.Split(content, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch strings.TrimSuffix(fields[0], ":") {
		case "MemTotal":
			total = kb * 1024
		case "MemAvailable":
			available = kb * 1024
		}
	}
	return total, available
}

// parseDiskFree extracts the available-bytes column from `df -kP /` output.
func parseDiskFree(content string) uint64 {
	lines := strings.Split(strings.TrimSpace(content), "\n")
	if len(lines) < 2 {
		return 0
	}
	// POSIX df: Filesystem 1024-blocks Used Available Capacity Mounted-on
	fields := strings.Fields(lines[1])
	if len(fields) < 4 {
		return 0
	}
	kb, err := strconv.ParseUint(fields[3], 10, 64)
	if err != nil {
		return 0
	}
	return kb * 1024
}

// parseListeningPorts parses `ss -tulnH` (or `netstat -tuln`) output into an
// ordered, de-duplicated set of (port, protocol) pairs.
func parseListeningPorts(content string) []model.ListeningPort {
	var ports []model.ListeningPort
	seen := make(map[model.ListeningPort]bool)

	for _, line := range strings.Split(content, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		proto := strings.ToLower(fields[0])
		if !strings.HasPrefix(proto, "tcp") && !strings.HasPrefix(proto, "udp") {
			continue
		}
		// Local address is the 5th column for ss, 4th for netstat; find the
		// first field that looks like addr:port.
		var local string
		for _, f := range fields[1:] {
			if strings.Contains(f, ":") {
				local = f
				break
			}
		}
		if local == "" {
			continue
		}
		idx := strings.LastIndex(local, ":")
		port, err := strconv.ParseUint(local[idx+1:], 10, 16)
		if err != nil || port == 0 {
			continue
		}
		if strings.HasPrefix(proto, "tcp") {
			proto = "tcp"
		} else {
			proto = "udp"
		}
		lp := model.ListeningPort{Port: uint16(port), Protocol: proto}
		if !seen[lp] {
			seen[lp] = true
			ports = append(ports, lp)
		}
	}
	return ports
}

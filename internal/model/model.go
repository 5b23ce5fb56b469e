// Copyright (c) 2026 Taskmaster Team
// Taskmaster - natural-language infrastructure control plane
// This source code is licensed under the MIT license found in the LICENSE file.

// Package model defines the core domain types shared across the
// taskmaster components: host profiles, sessions, plans, steps and
// audit records. Types here carry no behavior beyond small helpers;
// all lifecycle logic lives in the owning components.
package model

import (
	"fmt"
	"time"
)

// OSFamily identifies the broad distribution family of a target host.
type OSFamily string

const (
	OSFamilyDebian  OSFamily = "debian"
	OSFamilyRHEL    OSFamily = "rhel"
	OSFamilyArch    OSFamily = "arch"
	OSFamilyAlpine  OSFamily = "alpine"
	OSFamilySUSE    OSFamily = "suse"
	OSFamilyUnknown OSFamily = "unknown"
)

// ServiceManager identifies the init/service system found on a host.
type ServiceManager string

const (
	ServiceManagerSystemd  ServiceManager = "systemd"
	ServiceManagerSysVInit ServiceManager = "sysvinit"
	ServiceManagerOpenRC   ServiceManager = "openrc"
	ServiceManagerUpstart  ServiceManager = "upstart"
	ServiceManagerNone     ServiceManager = "none"
)

// RiskLevel classifies how dangerous a command or plan is.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// riskRank orders risk levels for comparisons. Unknown values rank below low
// so they never win a max.
var riskRank = map[RiskLevel]int{
	RiskLow:      1,
	RiskMedium:   2,
	RiskHigh:     3,
	RiskCritical: 4,
}

// Valid reports whether r is one of the four known risk levels.
func (r RiskLevel) Valid() bool {
	_, ok := riskRank[r]
	return ok
}

// MaxRisk returns the riskier of a and b.
func MaxRisk(a, b RiskLevel) RiskLevel {
	if riskRank[b] > riskRank[a] {
		return b
	}
	return a
}

// ListeningPort is one (port, protocol) pair from the host's socket table.
type ListeningPort struct {
	Port     uint16 `json:"port"`
	Protocol string `json:"protocol"`
}

// HostProfile is an immutable snapshot of a target host, captured once per
// session and cached until the session closes. Re-profiling produces a new
// snapshot, never a mutation.
type HostProfile struct {
	OSFamily             OSFamily        `json:"os_family"`
	Distribution         string          `json:"distribution"`
	Version              string          `json:"version"`
	Kernel               string          `json:"kernel"`
	Arch                 string          `json:"arch"`
	MemoryTotalBytes     uint64          `json:"memory_total_bytes"`
	MemoryAvailableBytes uint64          `json:"memory_available_bytes"`
	DiskFreeBytes        uint64          `json:"disk_free_bytes"`
	Tools                []string        `json:"tools"`
	ServiceManager       ServiceManager  `json:"service_manager"`
	ListeningPorts       []ListeningPort `json:"listening_ports"`
	CapturedAt           time.Time       `json:"captured_at"`
}

// HasTool reports whether the named tool was found on the host's PATH.
func (p *HostProfile) HasTool(name string) bool {
	for _, t := range p.Tools {
		if t == name {
			return true
		}
	}
	return false
}

// PackageManager returns the preferred package manager for the profiled host,
// or "" when none was detected. Order matters: dnf supersedes yum on modern
// rhel-family hosts.
func (p *HostProfile) PackageManager() string {
	for _, pm := range []string{"apt-get", "apt", "dnf", "yum", "pacman", "apk", "zypper"} {
		if p.HasTool(pm) {
			return pm
		}
	}
	return ""
}

// SessionStatus is the lifecycle state of a registry session.
type SessionStatus string

const (
	SessionConnecting SessionStatus = "connecting"
	SessionConnected  SessionStatus = "connected"
	SessionDegraded   SessionStatus = "degraded"
	SessionClosed     SessionStatus = "closed"
)

// SessionInfo is the externally visible view of a live session. The registry
// owns the mutable session record; callers only ever see this snapshot.
type SessionInfo struct {
	UserID      string        `json:"user_id"`
	SessionID   string        `json:"session_id"`
	Hostname    string        `json:"hostname"`
	Username    string        `json:"username"`
	Port        int           `json:"port"`
	Status      SessionStatus `json:"status"`
	Alive       bool          `json:"alive"`
	ConnectedAt time.Time     `json:"connected_at"`
}

// String returns the user@host:port representation.
func (s SessionInfo) String() string {
	return fmt.Sprintf("%s@%s:%d", s.Username, s.Hostname, s.Port)
}

// StepState is the lifecycle state of one plan step.
type StepState string

const (
	StepPending   StepState = "pending"
	StepApproved  StepState = "approved"
	StepRejected  StepState = "rejected"
	StepExecuting StepState = "executing"
	StepSucceeded StepState = "succeeded"
	StepFailed    StepState = "failed"
	StepSkipped   StepState = "skipped"
)

// Terminal reports whether the state is one a step can never leave.
func (s StepState) Terminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepRejected, StepSkipped:
		return true
	}
	return false
}

// Decision records the reviewer's verdict on a step.
type Decision struct {
	Approved bool      `json:"approved"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// CommandResult captures one remote command execution. ExitCode -1 with a
// filled Stderr is reserved for client-side failures (deadline, channel loss).
type CommandResult struct {
	ExitCode   int           `json:"exit_code"`
	Stdout     string        `json:"stdout"`
	Stderr     string        `json:"stderr"`
	Duration   time.Duration `json:"duration"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Step is one command within a plan. Mutable only via the orchestrator's
// state transitions, under the owning plan's lock.
type Step struct {
	Index        int            `json:"index"`
	Command      string         `json:"command"`
	Explanation  string         `json:"explanation,omitempty"`
	DurationHint string         `json:"expected_duration_hint,omitempty"`
	Risk         RiskLevel      `json:"risk"`
	State        StepState      `json:"state"`
	Decision     *Decision      `json:"decision,omitempty"`
	Result       *CommandResult `json:"result,omitempty"`
}

// PlanStatus is the terminal status of a resolved plan. PlanPending while any
// step is still open.
type PlanStatus string

const (
	PlanPending   PlanStatus = "pending"
	PlanSucceeded PlanStatus = "succeeded"
	PlanFailed    PlanStatus = "failed"
)

// Plan is an ordered, immutable-once-validated sequence of steps derived from
// one user request against one host profile.
type Plan struct {
	PlanID      string     `json:"plan_id"`
	SessionID   string     `json:"session_id"`
	UserID      string     `json:"user_id"`
	CreatedAt   time.Time  `json:"created_at"`
	RequestText string     `json:"request_text"`
	Intent      string     `json:"intent"`
	Action      string     `json:"action"`
	Explanation string     `json:"explanation,omitempty"`
	OverallRisk RiskLevel  `json:"overall_risk"`
	Status      PlanStatus `json:"status"`
	Steps       []Step     `json:"steps"`
}

// Resolved reports whether every step is in a terminal state. A plan with no
// steps is never resolved.
func (p *Plan) Resolved() bool {
	for i := range p.Steps {
		if !p.Steps[i].State.Terminal() {
			return false
		}
	}
	return len(p.Steps) > 0
}

// ChatMessage is one explanatory message bound to a plan. Chat never mutates
// steps.
type ChatMessage struct {
	Role    string    `json:"role"` // "user" or "assistant"
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

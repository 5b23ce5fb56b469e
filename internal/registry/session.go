// Copyright (c) 2026 Taskmaster Team
// Taskmaster - natural-language infrastructure control plane
// This source code is licensed under the MIT license found in the LICENSE file.

package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/toeirei/taskmaster/internal/model"
	"github.com/toeirei/taskmaster/internal/transport"
)

// Session is one live SSH session owned by the registry. The registry is the
// single writer for lifecycle state; hot fields use atomics so the happy path
// never takes the registry lock.
type Session struct {
	UserID    string
	SessionID string
	Hostname  string
	Username  string
	Port      int
	CreatedAt time.Time

	conn transport.Conn

	// sealedCredentials is held only to support reconnection; never exposed.
	sealedCredentials []byte

	status        atomic.Value // model.SessionStatus
	lastActivity  atomic.Int64 // unix nanos
	lastHeartbeat atomic.Int64 // unix nanos

	// heartbeat bookkeeping, owned by the registry's probe loop.
	hbFailures int

	profileMu     sync.Mutex
	cachedProfile *model.HostProfile
}

// Conn returns the live transport. The connection stays valid until Close;
// a concurrent disconnect causes in-flight runs to fail with SessionClosed.
func (s *Session) Conn() transport.Conn { return s.conn }

// Status returns the current lifecycle state.
func (s *Session) Status() model.SessionStatus {
	return s.status.Load().(model.SessionStatus)
}

func (s *Session) setStatus(st model.SessionStatus) {
	// closed is terminal.
	if s.Status() == model.SessionClosed {
		return
	}
	s.status.Store(st)
}

// TouchActivity records a successful execution. Strictly increases.
func (s *Session) TouchActivity(now time.Time) {
	for {
		prev := s.lastActivity.Load()
		next := now.UnixNano()
		if next <= prev {
			next = prev + 1
		}
		if s.lastActivity.CompareAndSwap(prev, next) {
			return
		}
	}
}

// LastActivity returns the time of the last successful execution.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// LastHeartbeat returns the time of the last successful probe.
func (s *Session) LastHeartbeat() time.Time {
	return time.Unix(0, s.lastHeartbeat.Load())
}

// MarkDegraded flags a session whose last run failed client-side. The next
// failed heartbeat closes it.
func (s *Session) MarkDegraded() { s.setStatus(model.SessionDegraded) }

// CachedProfile returns the memoized host profile, if captured.
func (s *Session) CachedProfile() (*model.HostProfile, bool) {
	s.profileMu.Lock()
	defer s.profileMu.Unlock()
	return s.cachedProfile, s.cachedProfile != nil
}

// SetCachedProfile memoizes a profile snapshot for the session's lifetime.
func (s *Session) SetCachedProfile(hp *model.HostProfile) {
	s.profileMu.Lock()
	defer s.profileMu.Unlock()
	s.cachedProfile = hp
}

// Info returns the externally visible snapshot.
func (s *Session) Info() model.SessionInfo {
	status := s.Status()
	return model.SessionInfo{
		UserID:      s.UserID,
		SessionID:   s.SessionID,
		Hostname:    s.Hostname,
		Username:    s.Username,
		Port:        s.Port,
		Status:      status,
		Alive:       status == model.SessionConnected,
		ConnectedAt: s.CreatedAt,
	}
}

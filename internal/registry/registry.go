// Copyright (c) 2026 Taskmaster Team
// Taskmaster - natural-language infrastructure control plane
// This source code is licensed under the MIT license found in the LICENSE file.

// Package registry holds the per-user map of live SSH sessions. It is the
// single writer for session lifecycle: connect, heartbeat, idle eviction,
// disconnect, and the client-departure beacon all flow through here.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/toeirei/taskmaster/internal/audit"
	"github.com/toeirei/taskmaster/internal/logging"
	"github.com/toeirei/taskmaster/internal/model"
	"github.com/toeirei/taskmaster/internal/security"
	"github.com/toeirei/taskmaster/internal/transport"
	"github.com/toeirei/taskmaster/internal/vault"
)

var (
	// ErrNotFound is returned when the (user, session) pair does not exist.
	ErrNotFound = errors.New("session not found")
	// ErrSessionLimit is returned when a user exceeds their session quota.
	ErrSessionLimit = errors.New("per-user session limit reached")
)

// smokeTestCommand verifies a fresh connection actually executes commands.
const smokeTestCommand = `echo "Connection test"`

// Config bundles the registry's closed set of tunables.
type Config struct {
	ConnectDeadline    time.Duration
	HeartbeatInterval  time.Duration
	HeartbeatFailures  int // consecutive failures before eviction
	IdleTimeout        time.Duration
	MaxSessionsPerUser int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		ConnectDeadline:    20 * time.Second,
		HeartbeatInterval:  30 * time.Second,
		HeartbeatFailures:  2,
		IdleTimeout:        60 * time.Minute,
		MaxSessionsPerUser: 8,
	}
}

// Registry is the thread-safe session store. Readers take the shared lock;
// lifecycle writes take the exclusive lock. No lock is held across SSH I/O.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]map[string]*Session // user id -> session id

	dial  transport.Dialer
	vault *vault.Vault
	sink  audit.Sink
	cfg   Config
	now   func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Option configures a Registry.
type Option func(*Registry)

// WithDialer substitutes the SSH dialer (tests).
func WithDialer(d transport.Dialer) Option {
	return func(r *Registry) { r.dial = d }
}

// WithClock substitutes the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New builds a Registry. Call Start to begin heartbeat probing.
func New(v *vault.Vault, sink audit.Sink, cfg Config, opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]map[string]*Session),
		dial: func(hostname string, port int, username string, credential []byte, connectDeadline time.Duration) (transport.Conn, error) {
			return transport.Open(hostname, port, username, credential, connectDeadline)
		},
		vault:  v,
		sink:   sink,
		cfg:    cfg,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect opens a transport, smoke-tests it, and registers the session.
// The credential is sealed for the session's lifetime and the caller's
// plaintext copy is zeroed before return.
func (r *Registry) Connect(userID, hostname string, port int, username string, credential []byte) (model.SessionInfo, error) {
	defer security.Wipe(credential)

	if port == 0 {
		port = 22
	}

	r.mu.RLock()
	count := len(r.sessions[userID])
	r.mu.RUnlock()
	if r.cfg.MaxSessionsPerUser > 0 && count >= r.cfg.MaxSessionsPerUser {
		return model.SessionInfo{}, ErrSessionLimit
	}

	sealed, err := r.vault.Seal(credential)
	if err != nil {
		return model.SessionInfo{}, fmt.Errorf("failed to seal credentials: %w", err)
	}

	conn, err := r.dial(hostname, port, username, credential, r.cfg.ConnectDeadline)
	if err != nil {
		r.sink.Emit(model.AuditRecord{
			UserID:  userID,
			Action:  model.AuditSessionConnect,
			Outcome: model.OutcomeFailed,
			Detail:  fmt.Sprintf("%s@%s:%d: %v", username, hostname, port, err),
		})
		return model.SessionInfo{}, err
	}

	if ok := r.smokeTest(conn); !ok {
		conn.Close()
		r.sink.Emit(model.AuditRecord{
			UserID:  userID,
			Action:  model.AuditSessionConnect,
			Outcome: model.OutcomeFailed,
			Detail:  fmt.Sprintf("%s@%s:%d: connection test failed", username, hostname, port),
		})
		return model.SessionInfo{}, fmt.Errorf("%w: connection test failed", transport.ErrConnect)
	}

	now := r.now()
	sess := &Session{
		UserID:            userID,
		SessionID:         uuid.NewString(),
		Hostname:          hostname,
		Username:          username,
		Port:              port,
		CreatedAt:         now,
		conn:              conn,
		sealedCredentials: sealed,
	}
	sess.status.Store(model.SessionConnected)
	sess.lastActivity.Store(now.UnixNano())
	sess.lastHeartbeat.Store(now.UnixNano())

	r.mu.Lock()
	if r.sessions[userID] == nil {
		r.sessions[userID] = make(map[string]*Session)
	}
	// Re-check the quota under the write lock; two racing connects must not
	// both slip under the limit.
	if r.cfg.MaxSessionsPerUser > 0 && len(r.sessions[userID]) >= r.cfg.MaxSessionsPerUser {
		r.mu.Unlock()
		conn.Close()
		return model.SessionInfo{}, ErrSessionLimit
	}
	r.sessions[userID][sess.SessionID] = sess
	r.mu.Unlock()

	logging.Infof("session %s connected: %s@%s:%d (user %s)", sess.SessionID, username, hostname, port, userID)
	r.sink.Emit(model.AuditRecord{
		UserID:    userID,
		SessionID: sess.SessionID,
		Action:    model.AuditSessionConnect,
		Outcome:   model.OutcomeOK,
		Detail:    fmt.Sprintf("%s@%s:%d", username, hostname, port),
	})
	return sess.Info(), nil
}

// ConnectSealed opens a session from a previously sealed credential blob. A
// blob that fails integrity checks surfaces as an authentication failure and
// creates no session.
func (r *Registry) ConnectSealed(userID, hostname string, port int, username string, sealed []byte) (model.SessionInfo, error) {
	plaintext, err := r.vault.Unseal(sealed)
	if err != nil {
		r.sink.Emit(model.AuditRecord{
			UserID:  userID,
			Action:  model.AuditSessionConnect,
			Outcome: model.OutcomeFailed,
			Detail:  fmt.Sprintf("%s@%s:%d: %v", username, hostname, port, err),
		})
		return model.SessionInfo{}, fmt.Errorf("%w: %w", transport.ErrAuth, err)
	}
	return r.Connect(userID, hostname, port, username, plaintext)
}

func (r *Registry) smokeTest(conn transport.Conn) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := conn.Run(ctx, smokeTestCommand)
	return err == nil && res.ExitCode == 0
}

// Disconnect removes and closes one session. Idempotent: disconnecting an
// unknown session is a no-op.
func (r *Registry) Disconnect(userID, sessionID string) {
	r.mu.Lock()
	sess := r.sessions[userID][sessionID]
	if sess != nil {
		delete(r.sessions[userID], sessionID)
		if len(r.sessions[userID]) == 0 {
			delete(r.sessions, userID)
		}
	}
	r.mu.Unlock()
	if sess == nil {
		return
	}
	r.closeSession(sess, model.AuditSessionDisconnect, model.OutcomeOK, "explicit disconnect")
}

// Lookup returns the live session or ErrNotFound. The handle stays usable
// until closed; concurrent closure makes runs fail with SessionClosed.
func (r *Registry) Lookup(userID, sessionID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess := r.sessions[userID][sessionID]
	if sess == nil {
		return nil, ErrNotFound
	}
	return sess, nil
}

// List returns snapshots of every session the user owns.
func (r *Registry) List(userID string) []model.SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.SessionInfo, 0, len(r.sessions[userID]))
	for _, sess := range r.sessions[userID] {
		out = append(out, sess.Info())
	}
	return out
}

// TerminateUser disconnects every session for a user. Invoked by the
// client-departure beacon; repeated calls terminate the same set exactly once.
func (r *Registry) TerminateUser(userID string) int {
	r.mu.Lock()
	doomed := make([]*Session, 0, len(r.sessions[userID]))
	for _, sess := range r.sessions[userID] {
		doomed = append(doomed, sess)
	}
	delete(r.sessions, userID)
	r.mu.Unlock()

	for _, sess := range doomed {
		r.closeSession(sess, model.AuditSessionDisconnect, model.OutcomeOK, "client departure")
	}
	return len(doomed)
}

// closeSession tears down the transport and emits the closing audit record.
// Must be called after the session is out of the map.
func (r *Registry) closeSession(sess *Session, action model.AuditAction, outcome model.AuditOutcome, detail string) {
	sess.setStatus(model.SessionClosed)
	sess.conn.Close()
	security.Wipe(sess.sealedCredentials)
	logging.Infof("session %s closed: %s", sess.SessionID, detail)
	r.sink.Emit(model.AuditRecord{
		UserID:    sess.UserID,
		SessionID: sess.SessionID,
		Action:    action,
		Outcome:   outcome,
		Detail:    detail,
	})
}

// Start launches the heartbeat/eviction loop.
func (r *Registry) Start() {
	go r.probeLoop()
}

// Stop halts the background loop and closes every session.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })

	r.mu.Lock()
	var all []*Session
	for _, byID := range r.sessions {
		for _, sess := range byID {
			all = append(all, sess)
		}
	}
	r.sessions = make(map[string]map[string]*Session)
	r.mu.Unlock()

	for _, sess := range all {
		r.closeSession(sess, model.AuditSessionDisconnect, model.OutcomeOK, "shutdown")
	}
}

func (r *Registry) probeLoop() {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.ProbeOnce()
		}
	}
}

// ProbeOnce heartbeats every session and evicts the dead and the idle. It is
// exported so tests can drive the scheduler deterministically.
func (r *Registry) ProbeOnce() {
	r.mu.RLock()
	var all []*Session
	for _, byID := range r.sessions {
		for _, sess := range byID {
			all = append(all, sess)
		}
	}
	r.mu.RUnlock()

	now := r.now()
	for _, sess := range all {
		if r.cfg.IdleTimeout > 0 && now.Sub(sess.LastActivity()) > r.cfg.IdleTimeout {
			r.evict(sess, "idle timeout")
			continue
		}

		if sess.Conn().Heartbeat() {
			sess.hbFailures = 0
			sess.lastHeartbeat.Store(r.now().UnixNano())
			continue
		}

		sess.hbFailures++
		logging.Warnf("session %s heartbeat failed (%d consecutive)", sess.SessionID, sess.hbFailures)
		r.sink.Emit(model.AuditRecord{
			UserID:    sess.UserID,
			SessionID: sess.SessionID,
			Action:    model.AuditSessionHeartbeatFailed,
			Outcome:   model.OutcomeDegraded,
			Detail:    fmt.Sprintf("consecutive failures: %d", sess.hbFailures),
		})
		// A degraded session dies on its next failed probe; healthy ones get
		// the configured allowance.
		if sess.Status() == model.SessionDegraded || sess.hbFailures >= r.cfg.HeartbeatFailures {
			r.evict(sess, "heartbeat failures")
		}
	}
}

// evict removes a session discovered dead or idle by the probe loop.
func (r *Registry) evict(sess *Session, reason string) {
	r.mu.Lock()
	cur := r.sessions[sess.UserID][sess.SessionID]
	if cur != sess {
		// Already removed by an explicit disconnect; nothing to do.
		r.mu.Unlock()
		return
	}
	delete(r.sessions[sess.UserID], sess.SessionID)
	if len(r.sessions[sess.UserID]) == 0 {
		delete(r.sessions, sess.UserID)
	}
	r.mu.Unlock()
	r.closeSession(sess, model.AuditSessionEvicted, model.OutcomeDegraded, reason)
}

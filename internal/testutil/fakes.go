// Copyright (c) 2026 Taskmaster Team
// Taskmaster - natural-language infrastructure control plane
// This source code is licensed under the MIT license found in the LICENSE file.

// Package testutil provides lightweight test doubles for the transport and
// registry layers. Tests use these to simulate remote hosts without opening
// real SSH connections.
package testutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/toeirei/taskmaster/internal/model"
	"github.com/toeirei/taskmaster/internal/transport"
)

// FakeConn is a scriptable transport.Conn. Commands resolve against Results
// first, then RunFunc, then a default zero-exit result.
type FakeConn struct {
	mu sync.Mutex

	// Results maps exact command strings to canned results.
	Results map[string]model.CommandResult
	// RunFunc, if set, handles any command not present in Results.
	RunFunc func(ctx context.Context, command string) (model.CommandResult, error)
	// Files backs FetchFile.
	Files map[string][]byte
	// HeartbeatFunc, if set, overrides the default always-true heartbeat.
	HeartbeatFunc func() bool
	// RunDelay makes every Run sleep, for exercising deadlines.
	RunDelay time.Duration

	closed   bool
	commands []string
}

// Run implements transport.Conn.
func (f *FakeConn) Run(ctx context.Context, command string) (model.CommandResult, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return model.CommandResult{ExitCode: -1, Stderr: transport.ErrSessionClosed.Error()}, transport.ErrSessionClosed
	}
	f.commands = append(f.commands, command)
	delay := f.RunDelay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return model.CommandResult{ExitCode: -1, Stderr: transport.ErrDeadlineExceeded.Error()}, transport.ErrDeadlineExceeded
			}
			return model.CommandResult{ExitCode: -1, Stderr: transport.ErrSessionClosed.Error()}, transport.ErrSessionClosed
		}
	}

	f.mu.Lock()
	if f.closed {
		// Torn down while the command was in flight.
		f.mu.Unlock()
		return model.CommandResult{ExitCode: -1, Stderr: transport.ErrSessionClosed.Error()}, transport.ErrSessionClosed
	}
	res, ok := f.Results[command]
	fn := f.RunFunc
	f.mu.Unlock()
	if ok {
		return res, nil
	}
	if fn != nil {
		return fn(ctx, command)
	}
	return model.CommandResult{ExitCode: 0}, nil
}

// Heartbeat implements transport.Conn.
func (f *FakeConn) Heartbeat() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	if f.HeartbeatFunc != nil {
		return f.HeartbeatFunc()
	}
	return true
}

// FetchFile implements transport.Conn.
func (f *FakeConn) FetchFile(path string, limit int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, transport.ErrSessionClosed
	}
	data, ok := f.Files[path]
	if !ok {
		return nil, errors.New("no such file: " + path)
	}
	if int64(len(data)) > limit {
		data = data[:limit]
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Close implements transport.Conn.
func (f *FakeConn) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

// Closed implements transport.Conn.
func (f *FakeConn) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Commands returns every command Run received, in order.
func (f *FakeConn) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.commands))
	copy(out, f.commands)
	return out
}

// FakeDialer returns a transport.Dialer handing out the given connections in
// sequence; once exhausted it returns dialErr (or a fresh default FakeConn
// when dialErr is nil).
func FakeDialer(conns []*FakeConn, dialErr error) transport.Dialer {
	var mu sync.Mutex
	i := 0
	return func(hostname string, port int, username string, credential []byte, connectDeadline time.Duration) (transport.Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		if i < len(conns) {
			c := conns[i]
			i++
			return c, nil
		}
		if dialErr != nil {
			return nil, dialErr
		}
		return &FakeConn{}, nil
	}
}

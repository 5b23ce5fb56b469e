// Copyright (c) 2026 Taskmaster Team
// Taskmaster - natural-language infrastructure control plane
// This source code is licensed under the MIT license found in the LICENSE file.

// Package transport owns the authenticated SSH channel to a single target
// host. Beyond lifecycle management (open, heartbeat, close) it exposes two
// primitives: run one command with a deadline and capture stdout/stderr/exit
// code, and read a small remote file over SFTP.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/toeirei/taskmaster/internal/model"
)

var (
	// ErrConnect is wrapped by all connection-phase failures.
	ErrConnect = errors.New("connect failed")
	// ErrAuth is wrapped when the server rejects our credentials.
	ErrAuth = errors.New("authentication failed")
	// ErrSessionClosed is returned by Run when the channel was torn down
	// underneath an in-flight command.
	ErrSessionClosed = errors.New("session closed")
	// ErrDeadlineExceeded is returned by Run when the per-command deadline
	// expires before the remote command finishes.
	ErrDeadlineExceeded = errors.New("command deadline exceeded")
)

// TruncationMarker is appended to captured output that exceeded the cap.
const TruncationMarker = "\n[output truncated]"

// DefaultMaxOutputBytes caps each of stdout and stderr per command.
const DefaultMaxOutputBytes = 1 << 20 // 1 MiB

// heartbeatDeadline bounds the liveness probe.
const heartbeatDeadline = 5 * time.Second

// Conn is the capability the registry and orchestrator program against. The
// concrete implementation is *Transport; tests substitute fakes.
type Conn interface {
	Run(ctx context.Context, command string) (model.CommandResult, error)
	Heartbeat() bool
	FetchFile(path string, limit int64) ([]byte, error)
	Close()
	Closed() bool
}

// Dialer opens a connection to a host. The registry holds one so tests can
// swap the real SSH dial for a fake.
type Dialer func(hostname string, port int, username string, credential []byte, connectDeadline time.Duration) (Conn, error)

// Transport is a live authenticated SSH client to one host. One command runs
// per exec channel; the underlying TCP connection is reused across commands.
type Transport struct {
	client    *ssh.Client
	maxOutput int64

	closeOnce sync.Once
	closed    atomic.Bool

	sftpMu sync.Mutex
	sftpC  *sftp.Client
}

// Open dials and authenticates a new SSH connection. Credential material is
// disambiguated by content: PEM private-key blocks authenticate via public
// key, anything else is treated as a password. The caller retains ownership
// of the credential bytes and should zero them after use.
func Open(hostname string, port int, username string, credential []byte, connectDeadline time.Duration) (Conn, error) {
	method, err := authMethod(credential)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}

	config := &ssh.ClientConfig{
		User: username,
		Auth: []ssh.AuthMethod{method},
		// Targets are operator-supplied ad hoc hosts; there is no trust
		// store to pin against, matching the original control plane.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         connectDeadline,
	}

	addr := net.JoinHostPort(hostname, fmt.Sprintf("%d", port))
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, fmt.Errorf("%w: %v", ErrAuth, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}

	return &Transport{client: client, maxOutput: DefaultMaxOutputBytes}, nil
}

// authMethod picks the SSH auth method based on the credential content.
func authMethod(credential []byte) (ssh.AuthMethod, error) {
	if bytes.Contains(credential, []byte("PRIVATE KEY")) {
		signer, err := ssh.ParsePrivateKey(credential)
		if err != nil {
			return nil, fmt.Errorf("unable to parse private key: %w", err)
		}
		return ssh.PublicKeys(signer), nil
	}
	if len(credential) == 0 {
		return nil, errors.New("empty credential")
	}
	return ssh.Password(string(credential)), nil
}

// Run executes one command on a fresh exec channel and captures its output.
// The result is always populated; a non-nil error reports a client-side
// failure (deadline, channel loss) and carries exit code -1 in the result.
func (t *Transport) Run(ctx context.Context, command string) (model.CommandResult, error) {
	started := time.Now()
	res := model.CommandResult{StartedAt: started, ExitCode: -1}

	if t.closed.Load() {
		res.Stderr = ErrSessionClosed.Error()
		res.FinishedAt = time.Now()
		return res, ErrSessionClosed
	}

	sess, err := t.client.NewSession()
	if err != nil {
		res.Stderr = fmt.Sprintf("failed to open channel: %v", err)
		res.FinishedAt = time.Now()
		res.Duration = res.FinishedAt.Sub(started)
		return res, fmt.Errorf("%w: %v", ErrSessionClosed, err)
	}
	defer sess.Close()

	stdout := newCappedBuffer(t.maxOutput)
	stderr := newCappedBuffer(t.maxOutput)
	sess.Stdout = stdout
	sess.Stderr = stderr

	done := make(chan error, 1)
	if err := sess.Start(command); err != nil {
		res.Stderr = fmt.Sprintf("failed to start command: %v", err)
		res.FinishedAt = time.Now()
		res.Duration = res.FinishedAt.Sub(started)
		return res, fmt.Errorf("%w: %v", ErrSessionClosed, err)
	}
	go func() { done <- sess.Wait() }()

	var runErr error
	var waitErr error
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		// Abort the in-flight command. Closing the session unblocks Wait.
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		<-done
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			runErr = ErrDeadlineExceeded
		} else {
			runErr = ErrSessionClosed
		}
	}

	res.FinishedAt = time.Now()
	res.Duration = res.FinishedAt.Sub(started)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	if runErr != nil {
		res.ExitCode = -1
		res.Stderr = runErr.Error()
		return res, runErr
	}

	switch e := waitErr.(type) {
	case nil:
		res.ExitCode = 0
	case *ssh.ExitError:
		res.ExitCode = e.ExitStatus()
	default:
		// Channel-level failure with no exit status: the connection is gone.
		res.ExitCode = -1
		if res.Stderr == "" {
			res.Stderr = waitErr.Error()
		}
		return res, fmt.Errorf("%w: %v", ErrSessionClosed, waitErr)
	}
	return res, nil
}

// Heartbeat issues a cheap idempotent probe. False on any error.
func (t *Transport) Heartbeat() bool {
	if t.closed.Load() {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), heartbeatDeadline)
	defer cancel()
	res, err := t.Run(ctx, "true")
	return err == nil && res.ExitCode == 0
}

// FetchFile reads up to limit bytes of a remote file over SFTP. Used by the
// profiler for files whose contents matter verbatim (/etc/os-release,
// /proc/meminfo); callers fall back to exec probes when SFTP is unavailable
// on the target.
func (t *Transport) FetchFile(path string, limit int64) ([]byte, error) {
	if t.closed.Load() {
		return nil, ErrSessionClosed
	}
	c, err := t.sftpClient()
	if err != nil {
		return nil, err
	}
	f, err := c.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open remote file %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, limit)
	n, err := readFull(f, buf)
	if err != nil {
		return nil, fmt.Errorf("failed to read remote file %s: %w", path, err)
	}
	return buf[:n], nil
}

func (t *Transport) sftpClient() (*sftp.Client, error) {
	t.sftpMu.Lock()
	defer t.sftpMu.Unlock()
	if t.sftpC != nil {
		return t.sftpC, nil
	}
	c, err := sftp.NewClient(t.client)
	if err != nil {
		return nil, fmt.Errorf("failed to create sftp client: %w", err)
	}
	t.sftpC = c
	return c, nil
}

// Close tears the connection down. Safe to call multiple times; an in-flight
// Run observes ErrSessionClosed.
func (t *Transport) Close() {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.sftpMu.Lock()
		if t.sftpC != nil {
			_ = t.sftpC.Close()
			t.sftpC = nil
		}
		t.sftpMu.Unlock()
		_ = t.client.Close()
	})
}

// Closed reports whether Close has been called.
func (t *Transport) Closed() bool { return t.closed.Load() }

// readFull reads until buf is full or EOF, returning the byte count.
func readFull(f *sftp.File, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := f.Read(buf[total:])
		total += n
		if err != nil {
			if errors.Is(err, io.EOF) {
				return total, nil
			}
			return total, err
		}
	}
	return total, nil
}

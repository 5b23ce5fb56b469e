// Copyright (c) 2026 Taskmaster Team
// Taskmaster - natural-language infrastructure control plane
// This source code is licensed under the MIT license found in the LICENSE file.

package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/toeirei/taskmaster/internal/audit"
	"github.com/toeirei/taskmaster/internal/model"
	"github.com/toeirei/taskmaster/internal/testutil"
	"github.com/toeirei/taskmaster/internal/transport"
	"github.com/toeirei/taskmaster/internal/vault"
)

func newTestRegistry(t *testing.T, conns []*testutil.FakeConn, opts ...Option) (*Registry, *audit.MemorySink) {
	t.Helper()
	key, err := vault.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	v, err := vault.New(key)
	if err != nil {
		t.Fatal(err)
	}
	sink := audit.NewMemorySink(0)
	cfg := DefaultConfig()
	cfg.MaxSessionsPerUser = 2
	all := append([]Option{WithDialer(testutil.FakeDialer(conns, nil))}, opts...)
	r := New(v, sink, cfg, all...)
	t.Cleanup(r.Stop)
	return r, sink
}

func lastRecord(t *testing.T, sink *audit.MemorySink) model.AuditRecord {
	t.Helper()
	recs := sink.Records()
	if len(recs) == 0 {
		t.Fatal("no audit records")
	}
	return recs[len(recs)-1]
}

func TestConnectRegistersSession(t *testing.T) {
	conn := &testutil.FakeConn{}
	r, sink := newTestRegistry(t, []*testutil.FakeConn{conn})

	info, err := r.Connect("u1", "web-01", 22, "deploy", []byte("password"))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if info.Status != model.SessionConnected || !info.Alive {
		t.Errorf("info = %+v", info)
	}

	cmds := conn.Commands()
	if len(cmds) != 1 || cmds[0] != smokeTestCommand {
		t.Errorf("smoke test not run: %v", cmds)
	}

	rec := lastRecord(t, sink)
	if rec.Action != model.AuditSessionConnect || rec.Outcome != model.OutcomeOK {
		t.Errorf("audit record = %+v", rec)
	}

	if _, err := r.Lookup("u1", info.SessionID); err != nil {
		t.Errorf("Lookup: %v", err)
	}
	if got := len(r.List("u1")); got != 1 {
		t.Errorf("List returned %d sessions", got)
	}
}

func TestConnectWipesCredential(t *testing.T) {
	conn := &testutil.FakeConn{}
	r, _ := newTestRegistry(t, []*testutil.FakeConn{conn})

	cred := []byte("super-secret")
	if _, err := r.Connect("u1", "web-01", 22, "deploy", cred); err != nil {
		t.Fatal(err)
	}
	for i, b := range cred {
		if b != 0 {
			t.Fatalf("credential byte %d not zeroed", i)
		}
	}
}

func TestConnectDialFailureIsAudited(t *testing.T) {
	r, sink := newTestRegistry(t, nil)
	r.dial = testutil.FakeDialer(nil, transport.ErrAuth)

	_, err := r.Connect("u1", "web-01", 22, "deploy", []byte("bad"))
	if !errors.Is(err, transport.ErrAuth) {
		t.Fatalf("err = %v", err)
	}
	rec := lastRecord(t, sink)
	if rec.Action != model.AuditSessionConnect || rec.Outcome != model.OutcomeFailed {
		t.Errorf("audit record = %+v", rec)
	}
	if got := len(r.List("u1")); got != 0 {
		t.Errorf("failed connect left %d sessions behind", got)
	}
}

func TestConnectSmokeTestFailure(t *testing.T) {
	conn := &testutil.FakeConn{
		Results: map[string]model.CommandResult{
			smokeTestCommand: {ExitCode: 127, Stderr: "sh not found"},
		},
	}
	r, _ := newTestRegistry(t, []*testutil.FakeConn{conn})

	_, err := r.Connect("u1", "web-01", 22, "deploy", []byte("pw"))
	if !errors.Is(err, transport.ErrConnect) {
		t.Fatalf("err = %v", err)
	}
	if !conn.Closed() {
		t.Error("transport left open after failed smoke test")
	}
}

func TestSessionLimit(t *testing.T) {
	r, _ := newTestRegistry(t, []*testutil.FakeConn{{}, {}, {}})

	for i := 0; i < 2; i++ {
		if _, err := r.Connect("u1", "host", 22, "deploy", []byte("pw")); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := r.Connect("u1", "host", 22, "deploy", []byte("pw")); !errors.Is(err, ErrSessionLimit) {
		t.Errorf("err = %v, want ErrSessionLimit", err)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	conn := &testutil.FakeConn{}
	r, sink := newTestRegistry(t, []*testutil.FakeConn{conn})

	info, err := r.Connect("u1", "host", 22, "deploy", []byte("pw"))
	if err != nil {
		t.Fatal(err)
	}

	r.Disconnect("u1", info.SessionID)
	if !conn.Closed() {
		t.Error("transport not closed")
	}
	before := len(sink.Records())

	// Second disconnect: same observable result, no extra audit record.
	r.Disconnect("u1", info.SessionID)
	if got := len(sink.Records()); got != before {
		t.Errorf("second disconnect emitted %d extra records", got-before)
	}
	if _, err := r.Lookup("u1", info.SessionID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup after disconnect: %v", err)
	}
}

func TestTerminateUserTerminatesExactlyOnce(t *testing.T) {
	r, _ := newTestRegistry(t, []*testutil.FakeConn{{}, {}})
	for i := 0; i < 2; i++ {
		if _, err := r.Connect("u1", "host", 22, "deploy", []byte("pw")); err != nil {
			t.Fatal(err)
		}
	}

	if n := r.TerminateUser("u1"); n != 2 {
		t.Errorf("first beacon terminated %d sessions, want 2", n)
	}
	if n := r.TerminateUser("u1"); n != 0 {
		t.Errorf("second beacon terminated %d sessions, want 0", n)
	}
}

func TestHeartbeatEvictionRequiresConsecutiveFailures(t *testing.T) {
	// Fail, succeed, fail, fail: eviction only after the final two.
	script := []bool{false, true, false, false}
	i := 0
	conn := &testutil.FakeConn{HeartbeatFunc: func() bool {
		ok := script[i]
		if i < len(script)-1 {
			i++
		}
		return ok
	}}
	r, sink := newTestRegistry(t, []*testutil.FakeConn{conn})
	info, err := r.Connect("u1", "host", 22, "deploy", []byte("pw"))
	if err != nil {
		t.Fatal(err)
	}

	r.ProbeOnce() // fail (1)
	r.ProbeOnce() // success resets
	r.ProbeOnce() // fail (1)
	if _, err := r.Lookup("u1", info.SessionID); err != nil {
		t.Fatal("session evicted before threshold")
	}
	r.ProbeOnce() // fail (2) -> evict
	if _, err := r.Lookup("u1", info.SessionID); !errors.Is(err, ErrNotFound) {
		t.Fatal("session survived two consecutive failures")
	}

	rec := lastRecord(t, sink)
	if rec.Action != model.AuditSessionEvicted {
		t.Errorf("last audit record = %+v", rec)
	}
	if !conn.Closed() {
		t.Error("evicted session's transport not closed")
	}
}

func TestIdleEviction(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	conn := &testutil.FakeConn{}
	r, _ := newTestRegistry(t, []*testutil.FakeConn{conn}, WithClock(clock))

	info, err := r.Connect("u1", "host", 22, "deploy", []byte("pw"))
	if err != nil {
		t.Fatal(err)
	}

	now = now.Add(61 * time.Minute)
	r.ProbeOnce()
	if _, err := r.Lookup("u1", info.SessionID); !errors.Is(err, ErrNotFound) {
		t.Error("idle session not evicted")
	}
}

func TestTouchActivityStrictlyIncreases(t *testing.T) {
	conn := &testutil.FakeConn{}
	r, _ := newTestRegistry(t, []*testutil.FakeConn{conn})
	info, err := r.Connect("u1", "host", 22, "deploy", []byte("pw"))
	if err != nil {
		t.Fatal(err)
	}
	sess, err := r.Lookup("u1", info.SessionID)
	if err != nil {
		t.Fatal(err)
	}

	t0 := sess.LastActivity()
	same := time.Now()
	sess.TouchActivity(same)
	t1 := sess.LastActivity()
	sess.TouchActivity(same) // identical timestamp must still advance
	t2 := sess.LastActivity()

	if !t1.After(t0) || !t2.After(t1) {
		t.Errorf("activity not strictly increasing: %v %v %v", t0, t1, t2)
	}
}

func TestConnectSealedRoundTrip(t *testing.T) {
	conn := &testutil.FakeConn{}
	r, _ := newTestRegistry(t, []*testutil.FakeConn{conn})

	sealed, err := r.vault.Seal([]byte("pw"))
	if err != nil {
		t.Fatal(err)
	}
	info, err := r.ConnectSealed("u1", "host", 22, "deploy", sealed)
	if err != nil {
		t.Fatalf("ConnectSealed: %v", err)
	}
	if info.Status != model.SessionConnected {
		t.Errorf("status = %s", info.Status)
	}
}

func TestConnectSealedTamperedBlob(t *testing.T) {
	r, sink := newTestRegistry(t, []*testutil.FakeConn{{}})

	sealed, err := r.vault.Seal([]byte("pw"))
	if err != nil {
		t.Fatal(err)
	}
	sealed[len(sealed)/2] ^= 0x01

	_, err = r.ConnectSealed("u1", "host", 22, "deploy", sealed)
	if !errors.Is(err, transport.ErrAuth) {
		t.Errorf("err = %v, want ErrAuth", err)
	}
	if !errors.Is(err, vault.ErrCredentialIntegrity) {
		t.Errorf("err = %v, want ErrCredentialIntegrity in chain", err)
	}
	if got := len(r.List("u1")); got != 0 {
		t.Errorf("tampered blob created %d sessions", got)
	}
	rec := lastRecord(t, sink)
	if rec.Action != model.AuditSessionConnect || rec.Outcome != model.OutcomeFailed {
		t.Errorf("audit record = %+v", rec)
	}
}

func TestClosedIsTerminal(t *testing.T) {
	conn := &testutil.FakeConn{}
	r, _ := newTestRegistry(t, []*testutil.FakeConn{conn})
	info, err := r.Connect("u1", "host", 22, "deploy", []byte("pw"))
	if err != nil {
		t.Fatal(err)
	}
	sess, _ := r.Lookup("u1", info.SessionID)
	r.Disconnect("u1", info.SessionID)

	sess.MarkDegraded()
	if sess.Status() != model.SessionClosed {
		t.Errorf("closed session transitioned to %s", sess.Status())
	}
}

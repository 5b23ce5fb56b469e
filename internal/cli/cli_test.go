// Copyright (c) 2026 Taskmaster Team
// Taskmaster - natural-language infrastructure control plane
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"bytes"
	"encoding/base64"
	"path/filepath"
	"strings"
	"testing"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestGenKeyProducesUsableKey(t *testing.T) {
	out, err := runCommand(t, "genkey")
	if err != nil {
		t.Fatalf("genkey: %v", err)
	}
	key := strings.TrimSpace(out)
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		t.Fatalf("genkey output is not base64: %v", err)
	}
	if len(raw) != 32 {
		t.Errorf("key length = %d, want 32", len(raw))
	}
}

func TestInitConfigWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskmaster.yaml")
	out, err := runCommand(t, "init-config", path)
	if err != nil {
		t.Fatalf("init-config: %v", err)
	}
	if !strings.Contains(out, "wrote") {
		t.Errorf("output = %q", out)
	}

	// Second write must refuse.
	if _, err := runCommand(t, "init-config", path); err == nil {
		t.Error("init-config overwrote an existing file")
	}
}

func TestAuditExportRequiresDatabaseSink(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := runCommand(t, "audit", "export", "out.zst")
	if err == nil || !strings.Contains(err.Error(), "database-backed") {
		t.Errorf("err = %v", err)
	}
}

// Copyright (c) 2026 Taskmaster Team
// Taskmaster - natural-language infrastructure control plane
// This source code is licensed under the MIT license found in the LICENSE file.

package vault

import (
	"bytes"
	"errors"
	"testing"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	v, err := New(key)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v
}

func TestSealUnsealRoundTrip(t *testing.T) {
	v := newTestVault(t)
	plaintext := []byte(`{"password":"hunter2"}`)

	sealed, err := v.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(sealed, []byte("hunter2")) {
		t.Fatal("sealed blob contains plaintext")
	}

	got, err := v.Unseal(sealed)
	if err != nil {
		t.Fatalf("Unseal: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestSealUsesFreshNonce(t *testing.T) {
	v := newTestVault(t)
	a, err := v.Seal([]byte("same input"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := v.Seal([]byte("same input"))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a, b) {
		t.Error("two seals of the same plaintext produced identical blobs")
	}
}

func TestUnsealDetectsTampering(t *testing.T) {
	v := newTestVault(t)
	sealed, err := v.Seal([]byte("credential material"))
	if err != nil {
		t.Fatal(err)
	}

	// Flipping any single byte must fail authentication.
	for i := range sealed {
		mutated := append([]byte(nil), sealed...)
		mutated[i] ^= 0x01
		if _, err := v.Unseal(mutated); !errors.Is(err, ErrCredentialIntegrity) {
			t.Fatalf("byte %d: expected ErrCredentialIntegrity, got %v", i, err)
		}
	}
}

func TestUnsealRejectsShortBlob(t *testing.T) {
	v := newTestVault(t)
	if _, err := v.Unseal([]byte("too short")); !errors.Is(err, ErrCredentialIntegrity) {
		t.Errorf("expected ErrCredentialIntegrity, got %v", err)
	}
}

func TestUnsealRejectsForeignKey(t *testing.T) {
	a := newTestVault(t)
	b := newTestVault(t)
	sealed, err := a.Seal([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Unseal(sealed); !errors.Is(err, ErrCredentialIntegrity) {
		t.Errorf("expected ErrCredentialIntegrity, got %v", err)
	}
}

func TestNewRejectsBadKeys(t *testing.T) {
	if _, err := New("not-base64!!"); err == nil {
		t.Error("expected error for invalid base64 key")
	}
	if _, err := New("c2hvcnQ="); err == nil {
		t.Error("expected error for wrong-length key")
	}
}

func TestNewWithoutKeyIsEphemeral(t *testing.T) {
	v, err := New("")
	if err != nil {
		t.Fatalf("New(\"\"): %v", err)
	}
	sealed, err := v.Seal([]byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.Unseal(sealed); err != nil {
		t.Errorf("ephemeral vault should still round trip: %v", err)
	}
}

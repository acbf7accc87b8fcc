// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kiln-build/kiln/lib/hubtoken"
	"github.com/kiln-build/kiln/lib/sealed"
)

func TestLoadSigningKey_Plain(t *testing.T) {
	stateDir := t.TempDir()
	public, private, err := hubtoken.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	if err := hubtoken.SaveKeypair(stateDir, public, private); err != nil {
		t.Fatalf("SaveKeypair: %v", err)
	}

	loaded, cleanup, err := loadSigningKey(stateDir, "", "")
	if err != nil {
		t.Fatalf("loadSigningKey: %v", err)
	}
	defer cleanup()

	// The loaded key must produce tokens the public half verifies.
	now := time.Now()
	tokenBytes, err := hubtoken.Mint(loaded, &hubtoken.Token{
		Subject:   "ci/builder-7",
		Role:      hubtoken.RoleAgent,
		Projects:  []string{"llvm/**"},
		Audience:  hubtoken.HubAudience,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	claims, err := hubtoken.Verify(public, tokenBytes)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "ci/builder-7" {
		t.Errorf("Subject = %q, want ci/builder-7", claims.Subject)
	}
}

func TestLoadSigningKey_Sealed(t *testing.T) {
	stateDir := t.TempDir()

	operator, err := sealed.GenerateKeypair()
	if err != nil {
		t.Fatalf("sealed.GenerateKeypair: %v", err)
	}
	defer operator.Close()

	public, private, err := hubtoken.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	ciphertext, err := sealed.Encrypt(private, []string{operator.PublicKey})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	sealedPath := filepath.Join(stateDir, sealedKeyFile)
	if err := os.WriteFile(sealedPath, []byte(ciphertext), 0600); err != nil {
		t.Fatalf("writing sealed key: %v", err)
	}
	identityPath := filepath.Join(stateDir, "operator.age")
	if err := os.WriteFile(identityPath, []byte(operator.PrivateKey.String()+"\n"), 0600); err != nil {
		t.Fatalf("writing identity: %v", err)
	}

	loaded, cleanup, err := loadSigningKey(stateDir, sealedPath, identityPath)
	if err != nil {
		t.Fatalf("loadSigningKey: %v", err)
	}
	defer cleanup()

	now := time.Now()
	tokenBytes, err := hubtoken.Mint(loaded, &hubtoken.Token{
		Subject:   "maintainer/drhea",
		Role:      hubtoken.RoleSubscriber,
		Projects:  []string{"llvm/main"},
		Audience:  hubtoken.HubAudience,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := hubtoken.Verify(public, tokenBytes); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestLoadSigningKey_SealedRequiresIdentity(t *testing.T) {
	_, _, err := loadSigningKey(t.TempDir(), "key.age", "")
	if err == nil {
		t.Fatal("loadSigningKey with no identity = nil, want error")
	}
}

func TestLoadSigningKey_SealedWrongSize(t *testing.T) {
	stateDir := t.TempDir()

	operator, err := sealed.GenerateKeypair()
	if err != nil {
		t.Fatalf("sealed.GenerateKeypair: %v", err)
	}
	defer operator.Close()

	// Seal something that is not an Ed25519 private key.
	ciphertext, err := sealed.Encrypt([]byte("not a signing key"), []string{operator.PublicKey})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	sealedPath := filepath.Join(stateDir, sealedKeyFile)
	if err := os.WriteFile(sealedPath, []byte(ciphertext), 0600); err != nil {
		t.Fatalf("writing sealed key: %v", err)
	}
	identityPath := filepath.Join(stateDir, "operator.age")
	if err := os.WriteFile(identityPath, []byte(operator.PrivateKey.String()), 0600); err != nil {
		t.Fatalf("writing identity: %v", err)
	}

	_, _, err = loadSigningKey(stateDir, sealedPath, identityPath)
	if err == nil {
		t.Fatal("loadSigningKey with wrong-size plaintext = nil, want error")
	}
}

func TestLoadSigningKey_MissingPlainKey(t *testing.T) {
	_, _, err := loadSigningKey(t.TempDir(), "", "")
	if err == nil {
		t.Fatal("loadSigningKey with empty state dir = nil, want error")
	}
}

func TestResolveStateDir(t *testing.T) {
	if got, err := resolveStateDir("/explicit"); err != nil || got != "/explicit" {
		t.Errorf("resolveStateDir(/explicit) = %q, %v; want /explicit", got, err)
	}

	t.Setenv("KILN_STATE", "/from-env")
	if got, err := resolveStateDir(""); err != nil || got != "/from-env" {
		t.Errorf("resolveStateDir with KILN_STATE = %q, %v; want /from-env", got, err)
	}

	// The flag wins over the environment.
	if got, err := resolveStateDir("/explicit"); err != nil || got != "/explicit" {
		t.Errorf("resolveStateDir flag precedence = %q, %v; want /explicit", got, err)
	}
}

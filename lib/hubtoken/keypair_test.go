// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package hubtoken

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestSaveAndLoadKeypair(t *testing.T) {
	dir := t.TempDir()

	public, private, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}

	if err := SaveKeypair(dir, public, private); err != nil {
		t.Fatalf("SaveKeypair: %v", err)
	}

	loadedPublic, loadedPrivate, err := LoadKeypair(dir)
	if err != nil {
		t.Fatalf("LoadKeypair: %v", err)
	}
	if !bytes.Equal(loadedPublic, public) {
		t.Error("loaded public key differs from saved")
	}
	if !bytes.Equal(loadedPrivate, private) {
		t.Error("loaded private key differs from saved")
	}

	// Private key must not be world-readable.
	info, err := os.Stat(filepath.Join(dir, privateKeyFile))
	if err != nil {
		t.Fatalf("stat private key: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("private key permissions = %o, want 0600", perm)
	}
}

func TestLoadKeypair_Missing(t *testing.T) {
	if _, _, err := LoadKeypair(t.TempDir()); err == nil {
		t.Error("LoadKeypair from empty dir should fail")
	}
}

func TestLoadKeypair_Truncated(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, privateKeyFile), []byte("short"), 0600); err != nil {
		t.Fatalf("write truncated key: %v", err)
	}
	if _, _, err := LoadKeypair(dir); err == nil {
		t.Error("LoadKeypair with truncated private key should fail")
	}
}

func TestLoadOrGenerateKeypair(t *testing.T) {
	dir := t.TempDir()

	public, _, generated, err := LoadOrGenerateKeypair(dir)
	if err != nil {
		t.Fatalf("LoadOrGenerateKeypair: %v", err)
	}
	if !generated {
		t.Error("first call should generate")
	}

	samePublic, _, generated, err := LoadOrGenerateKeypair(dir)
	if err != nil {
		t.Fatalf("LoadOrGenerateKeypair second call: %v", err)
	}
	if generated {
		t.Error("second call should load, not generate")
	}
	if !bytes.Equal(public, samePublic) {
		t.Error("second call returned a different keypair")
	}
}

func TestLoadPublicKey(t *testing.T) {
	dir := t.TempDir()

	public, private, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	if err := SaveKeypair(dir, public, private); err != nil {
		t.Fatalf("SaveKeypair: %v", err)
	}

	loaded, err := LoadPublicKey(PublicKeyPath(dir))
	if err != nil {
		t.Fatalf("LoadPublicKey: %v", err)
	}
	if !bytes.Equal(loaded, public) {
		t.Error("loaded public key differs from saved")
	}
}

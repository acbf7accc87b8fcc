// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"crypto/ed25519"
	"fmt"
	"os"

	"github.com/kiln-build/kiln/lib/hubtoken"
	"github.com/kiln-build/kiln/lib/sealed"
	"github.com/kiln-build/kiln/lib/secret"
)

// loadSigningKey loads the Ed25519 private signing key. With an empty
// sealedKeyPath it reads the plaintext key from the state directory;
// otherwise it decrypts sealedKeyPath with the age identity at
// identityPath. The returned cleanup releases any locked buffers and
// must not run until after signing: the returned key aliases buffer
// memory that cleanup zeroes.
func loadSigningKey(stateDir, sealedKeyPath, identityPath string) (ed25519.PrivateKey, func(), error) {
	if sealedKeyPath == "" {
		_, private, err := hubtoken.LoadKeypair(stateDir)
		if err != nil {
			return nil, nil, err
		}
		return private, func() {}, nil
	}

	if identityPath == "" {
		return nil, nil, fmt.Errorf("--sealed-key requires --identity")
	}

	ciphertext, err := os.ReadFile(sealedKeyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("reading sealed key: %w", err)
	}
	identity, err := secret.ReadFromPath(identityPath)
	if err != nil {
		return nil, nil, fmt.Errorf("reading age identity: %w", err)
	}
	keyBuffer, err := sealed.Decrypt(string(ciphertext), identity)
	if err != nil {
		identity.Close()
		return nil, nil, fmt.Errorf("unsealing signing key: %w", err)
	}
	if keyBuffer.Len() != ed25519.PrivateKeySize {
		identity.Close()
		keyBuffer.Close()
		return nil, nil, fmt.Errorf("unsealed key has %d bytes, want %d", keyBuffer.Len(), ed25519.PrivateKeySize)
	}

	cleanup := func() {
		identity.Close()
		keyBuffer.Close()
	}
	return ed25519.PrivateKey(keyBuffer.Bytes()), cleanup, nil
}

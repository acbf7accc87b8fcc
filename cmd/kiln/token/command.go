// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

// Package token implements the "kiln token" command group: signing
// keypair generation, token minting, and token inspection.
package token

import (
	"os"
	"path/filepath"

	"github.com/kiln-build/kiln/cmd/kiln/cli"
)

// Command returns the "kiln token" command group.
func Command() *cli.Command {
	return &cli.Command{
		Name:    "token",
		Summary: "Manage hub signing keys and access tokens",
		Description: `Manage the Ed25519 keypair the hub verifies tokens with, and mint
or inspect the tokens themselves.

Tokens are minted offline with the private signing key; the hub
never mints. Distribute minted token files to agents and watchers
out of band.`,
		Subcommands: []*cli.Command{
			keygenCommand(),
			mintCommand(),
			inspectCommand(),
		},
	}
}

// resolveStateDir picks the state directory for key material: the
// --state flag if given, then KILN_STATE, then the default cache
// location the hub also uses.
func resolveStateDir(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if env := os.Getenv("KILN_STATE"); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".cache", "kiln"), nil
}

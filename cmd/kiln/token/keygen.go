// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/kiln-build/kiln/cmd/kiln/cli"
	"github.com/kiln-build/kiln/lib/hubtoken"
	"github.com/kiln-build/kiln/lib/sealed"
)

// sealedKeyFile is the private signing key encrypted to age
// recipients. Written instead of the plaintext key when --seal is
// set.
const sealedKeyFile = "hub-signing-key.age"

func keygenCommand() *cli.Command {
	var params struct {
		state      string
		seal       bool
		recipients []string
	}

	return &cli.Command{
		Name:    "keygen",
		Summary: "Generate the hub signing keypair",
		Description: `Generate a fresh Ed25519 signing keypair in the state directory.
The hub reads the public half to verify tokens; 'kiln token mint'
reads the private half to sign them.

With --seal the private key is never written in plaintext: it is
encrypted to the given age recipients, and minting later requires
--sealed-key plus an age identity. Existing key files are never
overwritten.`,
		Usage: "kiln token keygen [flags]",
		Examples: []cli.Example{
			{
				Description: "Generate a plaintext keypair in the default state directory",
				Command:     "kiln token keygen",
			},
			{
				Description: "Generate a keypair sealed to an operator key",
				Command:     "kiln token keygen --seal --recipient age1qqpr9...",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("keygen", pflag.ContinueOnError)
			flagSet.StringVar(&params.state, "state", "", "state directory (default: KILN_STATE or ~/.cache/kiln)")
			flagSet.BoolVar(&params.seal, "seal", false, "encrypt the private key to age recipients instead of writing plaintext")
			flagSet.StringArrayVar(&params.recipients, "recipient", nil, "age recipient public key (repeatable, required with --seal)")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("keygen takes no arguments (got %q)", args[0])
			}

			stateDir, err := resolveStateDir(params.state)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(stateDir, 0700); err != nil {
				return fmt.Errorf("creating state directory: %w", err)
			}

			if params.seal {
				return runSealedKeygen(stateDir, params.recipients)
			}
			if len(params.recipients) > 0 {
				return fmt.Errorf("--recipient requires --seal")
			}
			return runPlainKeygen(stateDir)
		},
	}
}

func runPlainKeygen(stateDir string) error {
	privatePath := filepath.Join(stateDir, "hub-signing-key")
	if err := refuseExisting(privatePath, filepath.Join(stateDir, sealedKeyFile)); err != nil {
		return err
	}

	public, private, err := hubtoken.GenerateKeypair()
	if err != nil {
		return err
	}
	if err := hubtoken.SaveKeypair(stateDir, public, private); err != nil {
		return err
	}

	fmt.Printf("wrote %s (private, 0600)\n", privatePath)
	fmt.Printf("wrote %s (public)\n", hubtoken.PublicKeyPath(stateDir))
	return nil
}

func runSealedKeygen(stateDir string, recipients []string) error {
	if len(recipients) == 0 {
		return fmt.Errorf("--seal requires at least one --recipient")
	}
	for _, recipient := range recipients {
		if err := sealed.ParsePublicKey(recipient); err != nil {
			return fmt.Errorf("recipient %q: %w", recipient, err)
		}
	}

	sealedPath := filepath.Join(stateDir, sealedKeyFile)
	if err := refuseExisting(sealedPath, filepath.Join(stateDir, "hub-signing-key")); err != nil {
		return err
	}

	public, private, err := hubtoken.GenerateKeypair()
	if err != nil {
		return err
	}

	ciphertext, err := sealed.Encrypt(private, recipients)
	if err != nil {
		return fmt.Errorf("sealing private key: %w", err)
	}
	if err := os.WriteFile(sealedPath, []byte(ciphertext), 0600); err != nil {
		return fmt.Errorf("writing sealed key: %w", err)
	}

	publicPath := hubtoken.PublicKeyPath(stateDir)
	if err := os.WriteFile(publicPath, public, 0644); err != nil {
		return fmt.Errorf("writing public key: %w", err)
	}

	fmt.Printf("wrote %s (sealed to %d recipient(s))\n", sealedPath, len(recipients))
	fmt.Printf("wrote %s (public)\n", publicPath)
	return nil
}

// refuseExisting errors if any of the given paths already exists.
// Regeneration must be an explicit decision: a replaced signing key
// silently invalidates every outstanding token.
func refuseExisting(paths ...string) error {
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists; remove it first to regenerate", path)
		}
	}
	return nil
}

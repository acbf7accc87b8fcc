// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/kiln-build/kiln/cmd/kiln/cli"
	"github.com/kiln-build/kiln/lib/hubtoken"
)

// inspectResult is the --json output shape. Timestamps stay as Unix
// seconds, matching the token payload.
type inspectResult struct {
	Subject   string   `json:"subject"`
	Role      string   `json:"role"`
	Projects  []string `json:"projects"`
	Audience  string   `json:"audience"`
	ID        string   `json:"id"`
	IssuedAt  int64    `json:"issued_at"`
	ExpiresAt int64    `json:"expires_at"`
	Expired   bool     `json:"expired"`
	Verified  *bool    `json:"verified,omitempty"`
}

func inspectCommand() *cli.Command {
	var params struct {
		cli.JSONOutput
		state     string
		publicKey string
		verify    bool
	}

	return &cli.Command{
		Name:    "inspect",
		Summary: "Decode a token file and show its claims",
		Description: `Decode a token file and print its claims. Without --verify the
signature is not checked: this shows what the token says, not
whether the hub would accept it.

With --verify the signature and expiry are checked against the
hub's public key, and a bad token exits with code 1.`,
		Usage: "kiln token inspect [flags] <token-file>",
		Examples: []cli.Example{
			{
				Description: "Show the claims of a token",
				Command:     "kiln token inspect builder-7.token",
			},
			{
				Description: "Check a token against the hub's public key",
				Command:     "kiln token inspect --verify builder-7.token",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("inspect", pflag.ContinueOnError)
			params.JSONOutput.AddFlags(flagSet)
			flagSet.StringVar(&params.state, "state", "", "state directory holding the hub public key")
			flagSet.StringVar(&params.publicKey, "public-key", "", "path to the hub public key (default: <state>/hub-signing-key.pub)")
			flagSet.BoolVar(&params.verify, "verify", false, "check the signature and expiry")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("inspect takes exactly one token file")
			}

			tokenBytes, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading token: %w", err)
			}

			claims, err := hubtoken.Decode(tokenBytes)
			if err != nil {
				return fmt.Errorf("decoding token: %w", err)
			}

			now := time.Now()
			result := inspectResult{
				Subject:   claims.Subject,
				Role:      string(claims.Role),
				Projects:  claims.Projects,
				Audience:  claims.Audience,
				ID:        claims.ID,
				IssuedAt:  claims.IssuedAt,
				ExpiresAt: claims.ExpiresAt,
				Expired:   now.Unix() >= claims.ExpiresAt,
			}
			if result.Projects == nil {
				result.Projects = []string{}
			}

			var verifyErr error
			if params.verify {
				verifyErr = verifyToken(params.state, params.publicKey, tokenBytes)
				verified := verifyErr == nil
				result.Verified = &verified
			}

			if done, err := params.EmitJSON(result); done {
				if err != nil {
					return err
				}
				if verifyErr != nil {
					return &cli.ExitError{Code: 1}
				}
				return nil
			}

			fmt.Printf("subject:  %s\n", result.Subject)
			fmt.Printf("role:     %s\n", result.Role)
			fmt.Printf("projects: %s\n", projectList(result.Projects))
			fmt.Printf("audience: %s\n", result.Audience)
			fmt.Printf("id:       %s\n", result.ID)
			fmt.Printf("issued:   %s\n", formatClaimTime(result.IssuedAt))
			if result.Expired {
				fmt.Printf("expires:  %s (EXPIRED)\n", formatClaimTime(result.ExpiresAt))
			} else {
				fmt.Printf("expires:  %s\n", formatClaimTime(result.ExpiresAt))
			}

			if params.verify {
				if verifyErr != nil {
					fmt.Printf("verified: no (%v)\n", verifyErr)
					return &cli.ExitError{Code: 1}
				}
				fmt.Printf("verified: yes\n")
			}
			return nil
		},
	}
}

// verifyToken checks the token signature and expiry against the hub
// public key, resolved from --public-key or the state directory.
func verifyToken(stateFlag, publicKeyPath string, tokenBytes []byte) error {
	if publicKeyPath == "" {
		stateDir, err := resolveStateDir(stateFlag)
		if err != nil {
			return err
		}
		publicKeyPath = hubtoken.PublicKeyPath(stateDir)
	}
	public, err := hubtoken.LoadPublicKey(publicKeyPath)
	if err != nil {
		return err
	}
	_, err = hubtoken.Verify(public, tokenBytes)
	return err
}

func formatClaimTime(unixSeconds int64) string {
	if unixSeconds == 0 {
		return "-"
	}
	return time.Unix(unixSeconds, 0).Local().Format("2006-01-02T15:04:05")
}

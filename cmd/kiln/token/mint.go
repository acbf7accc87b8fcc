// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/kiln-build/kiln/cmd/kiln/cli"
	"github.com/kiln-build/kiln/lib/hubtoken"
)

func mintCommand() *cli.Command {
	var params struct {
		state     string
		sealedKey string
		identity  string
		subject   string
		role      string
		projects  []string
		ttl       time.Duration
		audience  string
		out       string
	}

	return &cli.Command{
		Name:    "mint",
		Summary: "Mint a signed hub access token",
		Description: `Mint a token signed with the hub's private key and write it to a
file. The subject names who holds the token; the role bounds what
it can do (agent emits, subscriber watches, admin both); the
project grants bound which projects it applies to.

Project grants accept glob patterns: 'llvm/*' matches one path
segment, 'llvm/**' matches any depth. A token without project
grants matches nothing.`,
		Usage: "kiln token mint --subject <name> --out <file> [flags]",
		Examples: []cli.Example{
			{
				Description: "Mint an agent token for the CI fleet",
				Command:     "kiln token mint --subject ci/builder-7 --role agent --project 'llvm/**' --out builder-7.token",
			},
			{
				Description: "Mint a short-lived subscriber token with a sealed signing key",
				Command: "kiln token mint --subject maintainer/drhea --project 'llvm/main' --ttl 8h " +
					"--sealed-key ~/.cache/kiln/hub-signing-key.age --identity ~/keys/operator.age --out drhea.token",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("mint", pflag.ContinueOnError)
			flagSet.StringVar(&params.state, "state", "", "state directory holding the plaintext signing key")
			flagSet.StringVar(&params.sealedKey, "sealed-key", "", "path to an age-sealed signing key (requires --identity)")
			flagSet.StringVar(&params.identity, "identity", "", "path to the age identity that unseals the key ('-' for stdin)")
			flagSet.StringVar(&params.subject, "subject", "", "who holds the token (required)")
			flagSet.StringVar(&params.role, "role", string(hubtoken.RoleSubscriber), "token role: agent, subscriber, or admin")
			flagSet.StringArrayVar(&params.projects, "project", nil, "project grant pattern (repeatable)")
			flagSet.DurationVar(&params.ttl, "ttl", 24*time.Hour, "token lifetime")
			flagSet.StringVar(&params.audience, "audience", hubtoken.HubAudience, "audience the token is scoped to")
			flagSet.StringVar(&params.out, "out", "", "file to write the token to (required)")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("mint takes no arguments (got %q)", args[0])
			}
			if params.subject == "" {
				return fmt.Errorf("--subject is required")
			}
			if params.out == "" {
				return fmt.Errorf("--out is required")
			}
			role := hubtoken.Role(params.role)
			if !role.Valid() {
				return fmt.Errorf("invalid role %q (want agent, subscriber, or admin)", params.role)
			}
			if params.ttl <= 0 {
				return fmt.Errorf("--ttl must be positive")
			}

			stateDir, err := resolveStateDir(params.state)
			if err != nil {
				return err
			}
			private, cleanup, err := loadSigningKey(stateDir, params.sealedKey, params.identity)
			if err != nil {
				return err
			}
			defer cleanup()

			now := time.Now()
			expiry := now.Add(params.ttl)
			tokenBytes, err := hubtoken.Mint(private, &hubtoken.Token{
				Subject:   params.subject,
				Role:      role,
				Projects:  params.projects,
				Audience:  params.audience,
				ID:        uuid.NewString(),
				IssuedAt:  now.Unix(),
				ExpiresAt: expiry.Unix(),
			})
			if err != nil {
				return err
			}

			if err := os.WriteFile(params.out, tokenBytes, 0600); err != nil {
				return fmt.Errorf("writing token: %w", err)
			}

			fmt.Printf("wrote %s\n", params.out)
			fmt.Printf("  subject:  %s\n", params.subject)
			fmt.Printf("  role:     %s\n", role)
			fmt.Printf("  projects: %s\n", projectList(params.projects))
			fmt.Printf("  expires:  %s\n", expiry.Local().Format("2006-01-02T15:04:05"))
			return nil
		},
	}
}

func projectList(projects []string) string {
	if len(projects) == 0 {
		return "(none)"
	}
	list := projects[0]
	for _, project := range projects[1:] {
		list += ", " + project
	}
	return list
}

// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands builds the complete kiln CLI command tree.
package commands

import (
	"fmt"

	"github.com/kiln-build/kiln/cmd/kiln/cli"
	historycmd "github.com/kiln-build/kiln/cmd/kiln/history"
	tokencmd "github.com/kiln-build/kiln/cmd/kiln/token"
	"github.com/kiln-build/kiln/lib/version"
)

// Root builds and returns the complete kiln CLI command tree.
func Root() *cli.Command {
	return &cli.Command{
		Name: "kiln",
		Description: `Kiln: real-time build event hub.

Administer a hub (status, live builds), mint and inspect the
tokens that gate access to it, and work with the stored build
history. The long-running pieces are separate binaries: kiln-hub
serves, kiln-agent emits, kiln-watch follows.`,
		Subcommands: []*cli.Command{
			cli.StatusCommand(),
			cli.BuildsCommand(),
			tokencmd.Command(),
			historycmd.Command(),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func(args []string) error {
					fmt.Printf("kiln %s\n", version.Full())
					return nil
				},
			},
		},
		Examples: []cli.Example{
			{
				Description: "Check the local hub",
				Command:     "kiln status",
			},
			{
				Description: "List the live builds a token can see",
				Command:     "kiln builds --token-file ci.token",
			},
			{
				Description: "Generate the hub signing keypair",
				Command:     "kiln token keygen",
			},
			{
				Description: "Mint an agent token",
				Command:     "kiln token mint --subject ci/builder-7 --role agent --project 'llvm/**' --out builder-7.token",
			},
			{
				Description: "Read a finished build out of the history store",
				Command:     "kiln history query --build 4f7cde0a-91a2-4277-b9c5-4ea1f0e2d9fd",
			},
		},
	}
}

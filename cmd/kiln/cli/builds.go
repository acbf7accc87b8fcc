// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/kiln-build/kiln/lib/schema/build"
)

// buildRow mirrors a build snapshot for --json output; the wire type
// carries cbor tags only.
type buildRow struct {
	BuildID            string             `json:"build_id"`
	Project            string             `json:"project"`
	Status             string             `json:"status"`
	Progress           float64            `json:"progress"`
	Metrics            map[string]float64 `json:"metrics,omitempty"`
	Error              string             `json:"error,omitempty"`
	Metadata           map[string]string  `json:"metadata,omitempty"`
	Seq                uint64             `json:"seq"`
	StartedAt          int64              `json:"started_at,omitempty"`
	EndedAt            int64              `json:"ended_at,omitempty"`
	PostTerminalEvents uint64             `json:"post_terminal_events,omitempty"`
}

func buildRowFromSnapshot(snapshot *build.Snapshot) buildRow {
	return buildRow{
		BuildID:            snapshot.BuildID,
		Project:            snapshot.Project,
		Status:             string(snapshot.Status),
		Progress:           snapshot.Progress,
		Metrics:            snapshot.Metrics,
		Error:              snapshot.Error,
		Metadata:           snapshot.Metadata,
		Seq:                snapshot.Seq,
		StartedAt:          snapshot.StartedAt,
		EndedAt:            snapshot.EndedAt,
		PostTerminalEvents: snapshot.PostTerminalEvents,
	}
}

// BuildsCommand returns the "kiln builds" command.
func BuildsCommand() *Command {
	var params struct {
		HubConnection
		JSONOutput
		project string
	}

	return &Command{
		Name:    "builds",
		Summary: "List live builds known to the hub",
		Description: `List the current snapshot of every live build on the hub,
optionally restricted to one project. The hub filters the listing
to the projects the token grants.

Completed builds age out of the live table after the retention
grace; use 'kiln history query' for anything older.`,
		Usage: "kiln builds [flags]",
		Examples: []Example{
			{
				Description: "List all builds visible to the token",
				Command:     "kiln builds --token-file ~/.config/kiln/token",
			},
			{
				Description: "Builds of one project, as JSON",
				Command:     "kiln builds --project llvm/main --json",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("builds", pflag.ContinueOnError)
			params.HubConnection.AddFlags(flagSet)
			params.JSONOutput.AddFlags(flagSet)
			flagSet.StringVar(&params.project, "project", "", "restrict the listing to one project")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("builds takes no arguments (got %q)", args[0])
			}

			client, err := params.connect()
			if err != nil {
				return err
			}

			ctx, cancel := callContext(context.Background())
			defer cancel()

			var fields map[string]any
			if params.project != "" {
				fields = map[string]any{"project": params.project}
			}

			var response struct {
				Builds []build.Snapshot `cbor:"builds"`
			}
			if err := client.Call(ctx, "builds", fields, &response); err != nil {
				return fmt.Errorf("listing builds: %w", err)
			}

			// Newest first, matching what a watcher sees at the top of
			// the screen.
			sort.Slice(response.Builds, func(i, j int) bool {
				return response.Builds[i].StartedAt > response.Builds[j].StartedAt
			})

			rows := make([]buildRow, len(response.Builds))
			for i := range response.Builds {
				rows[i] = buildRowFromSnapshot(&response.Builds[i])
			}
			if done, err := params.EmitJSON(rows); done {
				return err
			}

			if len(response.Builds) == 0 {
				fmt.Println("no live builds")
				return nil
			}

			now := time.Now()
			tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			fmt.Fprintln(tw, "BUILD\tPROJECT\tSTATUS\tPROGRESS\tELAPSED\tERROR")
			for _, snapshot := range response.Builds {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					snapshot.BuildID,
					snapshot.Project,
					snapshot.Status,
					formatProgress(snapshot.Progress),
					formatElapsed(snapshot.StartedAt, snapshot.EndedAt, now),
					truncate(snapshot.Error, 48))
			}
			return tw.Flush()
		},
	}
}

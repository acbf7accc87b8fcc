// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"

	"github.com/spf13/pflag"
)

// statusResult mirrors the hub's status response. The cbor tags must
// match the action's wire fields; the json tags shape --json output.
type statusResult struct {
	UptimeSeconds     float64 `cbor:"uptime_seconds"     json:"uptime_seconds"`
	Connections       int     `cbor:"connections"        json:"connections"`
	ConnectionsOpened uint64  `cbor:"connections_opened" json:"connections_opened"`
	LiveBuilds        int     `cbor:"live_builds"        json:"live_builds"`
	Subscriptions     int     `cbor:"subscriptions"      json:"subscriptions"`
	EventsRouted      uint64  `cbor:"events_routed"      json:"events_routed"`
	FanoutSends       uint64  `cbor:"fanout_sends"       json:"fanout_sends"`
	EnvelopesDropped  uint64  `cbor:"envelopes_dropped"  json:"envelopes_dropped"`
	GapsSignalled     uint64  `cbor:"gaps_signalled"     json:"gaps_signalled"`
	ProtocolErrors    uint64  `cbor:"protocol_errors"    json:"protocol_errors"`
	Forbidden         uint64  `cbor:"forbidden"          json:"forbidden"`
	UnknownBuilds     uint64  `cbor:"unknown_builds"     json:"unknown_builds"`
	Resyncs           uint64  `cbor:"resyncs"            json:"resyncs"`
	FreshViews        uint64  `cbor:"fresh_views"        json:"fresh_views"`
	BacklogReplayed   uint64  `cbor:"backlog_replayed"   json:"backlog_replayed"`
	StoreHealthy      bool    `cbor:"store_healthy"      json:"store_healthy"`
	StoreAppended     uint64  `cbor:"store_appended"     json:"store_appended"`
	StoreDropped      uint64  `cbor:"store_dropped"      json:"store_dropped"`
	StoreQueue        int     `cbor:"store_queue"        json:"store_queue"`
	ProjectsDeclared  int     `cbor:"projects_declared"  json:"projects_declared"`
	ProjectsOpen      bool    `cbor:"projects_open"      json:"projects_open"`
}

// StatusCommand returns the "kiln status" command.
func StatusCommand() *Command {
	var params struct {
		HubConnection
		JSONOutput
	}

	return &Command{
		Name:    "status",
		Summary: "Show hub health and routing statistics",
		Description: `Display operational health of a running hub: uptime, connection
and subscription counts, event routing counters, and history store
health.

The status action is unauthenticated. It exposes only aggregate
counters, never project names or build identifiers.`,
		Usage: "kiln status [flags]",
		Examples: []Example{
			{
				Description: "Show status of the local hub",
				Command:     "kiln status",
			},
			{
				Description: "Query a remote hub as JSON",
				Command:     "kiln status --hub tcp://kiln.example.com:7466 --json",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("status", pflag.ContinueOnError)
			params.HubConnection.AddFlags(flagSet)
			params.JSONOutput.AddFlags(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("status takes no arguments (got %q)", args[0])
			}

			client := params.connectUnauthenticated()
			ctx, cancel := callContext(context.Background())
			defer cancel()

			var status statusResult
			if err := client.Call(ctx, "status", nil, &status); err != nil {
				return fmt.Errorf("querying hub status: %w", err)
			}

			if done, err := params.EmitJSON(status); done {
				return err
			}

			fmt.Printf("Uptime:          %s\n", formatUptime(status.UptimeSeconds))
			fmt.Printf("Connections:     %d (%d opened)\n", status.Connections, status.ConnectionsOpened)
			fmt.Printf("Live builds:     %d\n", status.LiveBuilds)
			fmt.Printf("Subscriptions:   %d\n", status.Subscriptions)

			fmt.Printf("\nRouting\n")
			fmt.Printf("  Events routed:    %d\n", status.EventsRouted)
			fmt.Printf("  Fanout sends:     %d\n", status.FanoutSends)
			fmt.Printf("  Dropped:          %d\n", status.EnvelopesDropped)
			fmt.Printf("  Gaps signalled:   %d\n", status.GapsSignalled)
			fmt.Printf("  Resyncs:          %d (%d fresh views)\n", status.Resyncs, status.FreshViews)
			fmt.Printf("  Backlog replayed: %d\n", status.BacklogReplayed)

			fmt.Printf("\nRejections\n")
			fmt.Printf("  Protocol errors:  %d\n", status.ProtocolErrors)
			fmt.Printf("  Forbidden:        %d\n", status.Forbidden)
			fmt.Printf("  Unknown builds:   %d\n", status.UnknownBuilds)

			fmt.Printf("\nHistory store\n")
			fmt.Printf("  Healthy:          %v\n", status.StoreHealthy)
			fmt.Printf("  Appended:         %d (%d dropped)\n", status.StoreAppended, status.StoreDropped)
			fmt.Printf("  Queue depth:      %d\n", status.StoreQueue)

			fmt.Printf("\nProjects\n")
			fmt.Printf("  Declared:         %d\n", status.ProjectsDeclared)
			fmt.Printf("  Open mode:        %v\n", status.ProjectsOpen)

			return nil
		},
	}
}

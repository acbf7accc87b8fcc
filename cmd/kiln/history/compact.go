// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package history

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/kiln-build/kiln/cmd/kiln/cli"
	historystore "github.com/kiln-build/kiln/history"
)

// compactResult is the --json shape for a compaction pass.
type compactResult struct {
	BuildsCompacted int   `json:"builds_compacted"`
	EventsBundled   int   `json:"events_bundled"`
	BytesIn         int64 `json:"bytes_in"`
	BytesOut        int64 `json:"bytes_out"`
}

func compactCommand() *cli.Command {
	var params struct {
		cli.JSONOutput
		configPath string
		olderThan  time.Duration
	}

	return &cli.Command{
		Name:    "compact",
		Summary: "Fold old per-event rows into compressed bundles",
		Description: `Run one compaction pass over the history store: builds whose
terminal event is older than --older-than have their raw event
rows folded into a single compressed bundle. Queries keep working
across the boundary; compaction changes the storage shape, not
the data.

A hub with a compact_interval runs this on its own. The command
exists for hubs that disable background compaction and for
catching up after long downtime.`,
		Usage: "kiln history compact [flags]",
		Examples: []cli.Example{
			{
				Description: "Compact builds finished more than a day ago",
				Command:     "kiln history compact --older-than 24h",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("compact", pflag.ContinueOnError)
			params.JSONOutput.AddFlags(flagSet)
			flagSet.StringVar(&params.configPath, "config", "", "config file path (overrides KILN_CONFIG)")
			flagSet.DurationVar(&params.olderThan, "older-than", time.Hour, "compact builds whose terminal event is older than this")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("compact takes no arguments (got %q)", args[0])
			}
			if params.olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}

			store, err := openStore(params.configPath)
			if err != nil {
				return err
			}
			defer store.Close()

			compactor, ok := store.(historystore.Compactor)
			if !ok {
				return fmt.Errorf("the configured backend does not support compaction")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()

			stats, err := compactor.Compact(ctx, time.Now().Add(-params.olderThan))
			if err != nil {
				return fmt.Errorf("compacting: %w", err)
			}

			result := compactResult{
				BuildsCompacted: stats.BuildsCompacted,
				EventsBundled:   stats.EventsBundled,
				BytesIn:         stats.BytesIn,
				BytesOut:        stats.BytesOut,
			}
			if done, err := params.EmitJSON(result); done {
				return err
			}

			if stats.BuildsCompacted == 0 {
				fmt.Println("nothing to compact")
				return nil
			}
			fmt.Printf("compacted %d build(s), %d event(s)\n", stats.BuildsCompacted, stats.EventsBundled)
			fmt.Printf("  %s in, %s out\n", formatBytes(stats.BytesIn), formatBytes(stats.BytesOut))
			return nil
		},
	}
}

func formatBytes(bytes int64) string {
	switch {
	case bytes >= 1<<30:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(1<<30))
	case bytes >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(1<<20))
	case bytes >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(1<<10))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package history

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/kiln-build/kiln/cmd/kiln/cli"
	historystore "github.com/kiln-build/kiln/history"
	"github.com/kiln-build/kiln/lib/codec"
	"github.com/kiln-build/kiln/lib/schema/build"
)

// snapshotResult mirrors a stored snapshot for --json output; the
// wire type carries cbor tags only.
type snapshotResult struct {
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

// eventResult is one stored event for --json output, with the payload
// decoded by kind instead of raw CBOR bytes.
type eventResult struct {
	Kind         string             `json:"kind"`
	Seq          uint64             `json:"seq"`
	HubTime      int64              `json:"hub_time"`
	SenderTime   int64              `json:"sender_time,omitempty"`
	PostTerminal bool               `json:"post_terminal,omitempty"`
	Progress     float64            `json:"progress,omitempty"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
	Metadata     map[string]string  `json:"metadata,omitempty"`
	Status       string             `json:"status,omitempty"`
	Error        string             `json:"error,omitempty"`
}

// buildResult is the --json shape for a single-build query: the final
// snapshot plus its full event stream.
type buildResult struct {
	Snapshot snapshotResult `json:"snapshot"`
	Events   []eventResult  `json:"events"`
}

func snapshotResultFrom(snapshot *build.Snapshot) snapshotResult {
	return snapshotResult{
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

func eventResultFrom(event *build.Event) eventResult {
	result := eventResult{
		Kind:         string(event.Kind),
		Seq:          event.Seq,
		HubTime:      event.HubTime,
		SenderTime:   event.SenderTime,
		PostTerminal: event.PostTerminal,
	}
	switch event.Kind {
	case build.KindBuildStart:
		var data build.StartData
		if codec.Unmarshal(event.Data, &data) == nil {
			result.Metadata = data.Metadata
		}
	case build.KindBuildUpdate:
		var data build.UpdateData
		if codec.Unmarshal(event.Data, &data) == nil {
			result.Progress = data.Progress
			result.Metrics = data.Metrics
		}
	case build.KindBuildComplete:
		var data build.CompleteData
		if codec.Unmarshal(event.Data, &data) == nil {
			result.Status = string(data.Status)
			result.Error = data.Error
		}
	}
	return result
}

func queryCommand() *cli.Command {
	var params struct {
		cli.JSONOutput
		configPath string
		project    string
		buildID    string
		limit      int
	}

	return &cli.Command{
		Name:    "query",
		Summary: "Read past builds from the history store",
		Description: `Read the history store directly. With --project, list the stored
snapshots for that project, newest first. With --build, show one
build's final snapshot and its full event stream.

Unlike 'kiln builds' this needs no hub and no token; it reads the
store files named in the configuration.`,
		Usage: "kiln history query [flags]",
		Examples: []cli.Example{
			{
				Description: "Last 20 builds of a project",
				Command:     "kiln history query --project llvm/main",
			},
			{
				Description: "Full event stream of one build, as JSON",
				Command:     "kiln history query --build 4f7cde0a-91a2-4277-b9c5-4ea1f0e2d9fd --json",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("query", pflag.ContinueOnError)
			params.JSONOutput.AddFlags(flagSet)
			flagSet.StringVar(&params.configPath, "config", "", "config file path (overrides KILN_CONFIG)")
			flagSet.StringVar(&params.project, "project", "", "list stored snapshots for this project")
			flagSet.StringVar(&params.buildID, "build", "", "show one build's snapshot and events")
			flagSet.IntVar(&params.limit, "limit", 20, "maximum snapshots to list with --project (0 = all)")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("query takes no arguments (got %q)", args[0])
			}
			if (params.project == "") == (params.buildID == "") {
				return fmt.Errorf("exactly one of --project or --build is required")
			}

			store, err := openStore(params.configPath)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if params.project != "" {
				return runProjectQuery(ctx, store, params.project, params.limit, &params.JSONOutput)
			}
			return runBuildQuery(ctx, store, params.buildID, &params.JSONOutput)
		},
	}
}

func runProjectQuery(ctx context.Context, store historystore.Store, project string, limit int, jsonOut *cli.JSONOutput) error {
	lister, ok := store.(historystore.Lister)
	if !ok {
		return fmt.Errorf("the configured backend cannot list snapshots by project")
	}

	snapshots, err := lister.ListSnapshots(ctx, project, limit)
	if err != nil {
		return fmt.Errorf("listing snapshots: %w", err)
	}

	results := make([]snapshotResult, len(snapshots))
	for i := range snapshots {
		results[i] = snapshotResultFrom(&snapshots[i])
	}
	if done, err := jsonOut.EmitJSON(results); done {
		return err
	}

	if len(snapshots) == 0 {
		fmt.Printf("no stored builds for %s\n", project)
		return nil
	}

	now := time.Now()
	tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "BUILD\tSTATUS\tPROGRESS\tSTARTED\tELAPSED\tERROR")
	for _, snapshot := range snapshots {
		fmt.Fprintf(tw, "%s\t%s\t%.0f%%\t%s\t%s\t%s\n",
			snapshot.BuildID,
			snapshot.Status,
			snapshot.Progress*100,
			formatStamp(snapshot.StartedAt),
			formatSpan(snapshot.StartedAt, snapshot.EndedAt, now),
			clip(snapshot.Error, 48))
	}
	return tw.Flush()
}

func runBuildQuery(ctx context.Context, store historystore.Store, buildID string, jsonOut *cli.JSONOutput) error {
	snapshot, err := store.LatestSnapshot(ctx, buildID)
	if errors.Is(err, historystore.ErrNotFound) {
		return fmt.Errorf("no stored build %s", buildID)
	}
	if err != nil {
		return fmt.Errorf("reading snapshot: %w", err)
	}

	// (0, Seq] covers the whole stream: range queries are
	// exclusive-from, and seqs start at 1.
	events, err := store.QueryRange(ctx, buildID, 0, snapshot.Seq)
	if err != nil {
		return fmt.Errorf("reading events: %w", err)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })

	if jsonOut.OutputJSON {
		result := buildResult{
			Snapshot: snapshotResultFrom(&snapshot),
			Events:   make([]eventResult, len(events)),
		}
		for i := range events {
			result.Events[i] = eventResultFrom(&events[i])
		}
		_, err := jsonOut.EmitJSON(result)
		return err
	}

	fmt.Printf("build:    %s\n", snapshot.BuildID)
	fmt.Printf("project:  %s\n", snapshot.Project)
	fmt.Printf("status:   %s\n", snapshot.Status)
	fmt.Printf("progress: %.0f%%\n", snapshot.Progress*100)
	fmt.Printf("started:  %s\n", formatStamp(snapshot.StartedAt))
	fmt.Printf("ended:    %s\n", formatStamp(snapshot.EndedAt))
	if snapshot.Error != "" {
		fmt.Printf("error:    %s\n", snapshot.Error)
	}
	if len(snapshot.Metadata) > 0 {
		fmt.Printf("metadata: %s\n", formatStringMap(snapshot.Metadata))
	}
	if len(snapshot.Metrics) > 0 {
		fmt.Printf("metrics:  %s\n", formatMetricMap(snapshot.Metrics))
	}
	if snapshot.PostTerminalEvents > 0 {
		fmt.Printf("post-terminal events: %d\n", snapshot.PostTerminalEvents)
	}

	if len(events) == 0 {
		return nil
	}

	fmt.Println()
	tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tKIND\tTIME\tDETAIL")
	for i := range events {
		event := &events[i]
		kind := string(event.Kind)
		if event.PostTerminal {
			kind += "*"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n",
			event.Seq, kind, formatStamp(event.HubTime), eventDetail(event))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for i := range events {
		if events[i].PostTerminal {
			fmt.Println("\n* accepted after the terminal event")
			break
		}
	}
	return nil
}

// eventDetail renders a one-line summary of the event payload, by
// kind. Undecodable payloads degrade to "-" rather than failing the
// whole query.
func eventDetail(event *build.Event) string {
	switch event.Kind {
	case build.KindBuildStart:
		var data build.StartData
		if codec.Unmarshal(event.Data, &data) != nil || len(data.Metadata) == 0 {
			return "-"
		}
		return formatStringMap(data.Metadata)
	case build.KindBuildUpdate:
		var data build.UpdateData
		if codec.Unmarshal(event.Data, &data) != nil {
			return "-"
		}
		detail := fmt.Sprintf("%.0f%%", data.Progress*100)
		if len(data.Metrics) > 0 {
			detail += " " + formatMetricMap(data.Metrics)
		}
		return detail
	case build.KindBuildComplete:
		var data build.CompleteData
		if codec.Unmarshal(event.Data, &data) != nil {
			return "-"
		}
		if data.Error != "" {
			return fmt.Sprintf("%s: %s", data.Status, clip(data.Error, 60))
		}
		return string(data.Status)
	default:
		return "-"
	}
}

func formatStringMap(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", key, m[key]))
	}
	return strings.Join(parts, " ")
}

func formatMetricMap(m map[string]float64) string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s=%g", key, m[key]))
	}
	return strings.Join(parts, " ")
}

func formatStamp(milliseconds int64) string {
	if milliseconds == 0 {
		return "-"
	}
	return time.UnixMilli(milliseconds).Local().Format("2006-01-02T15:04:05")
}

// formatSpan renders the wall time between two epoch-millisecond
// stamps, measuring still-open builds against now.
func formatSpan(startedAt, endedAt int64, now time.Time) string {
	if startedAt == 0 {
		return "-"
	}
	end := now.UnixMilli()
	if endedAt != 0 {
		end = endedAt
	}
	elapsed := time.Duration(end-startedAt) * time.Millisecond
	if elapsed < 0 {
		elapsed = 0
	}
	switch {
	case elapsed < time.Minute:
		return fmt.Sprintf("%ds", int(elapsed/time.Second))
	case elapsed < time.Hour:
		return fmt.Sprintf("%dm %ds", int(elapsed/time.Minute), int((elapsed%time.Minute)/time.Second))
	default:
		return fmt.Sprintf("%dh %dm", int(elapsed/time.Hour), int((elapsed%time.Hour)/time.Minute))
	}
}

func clip(value string, maxLength int) string {
	if len(value) <= maxLength {
		return value
	}
	if maxLength <= 3 {
		return value[:maxLength]
	}
	return value[:maxLength-3] + "..."
}

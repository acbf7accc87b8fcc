// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package watchui

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/kiln-build/kiln/lib/clock"
	"github.com/kiln-build/kiln/lib/schema/build"
	"github.com/kiln-build/kiln/watch"
)

// Printer streams notifications as plain text, one line per
// notification. It is the --plain alternative to the TUI: no escape
// sequences, full build ids, suitable for dumb terminals and pipes.
type Printer struct {
	// Out receives the formatted lines.
	Out io.Writer

	// Source provides the notification stream, normally a running
	// [watch.Watcher].
	Source Source

	// Clock stamps lines that carry no hub timestamp. Nil means the
	// real clock.
	Clock clock.Clock
}

// Run consumes the source until the context is cancelled or the
// notification channel closes, writing one line per notification.
func (p *Printer) Run(ctx context.Context) error {
	clk := p.Clock
	if clk == nil {
		clk = clock.Real()
	}
	notifications := p.Source.Notifications()
	for {
		select {
		case <-ctx.Done():
			return nil
		case note, ok := <-notifications:
			if !ok {
				return nil
			}
			if _, err := fmt.Fprintln(p.Out, eventLine(note, clk.Now())); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		}
	}
}

// eventLine renders one notification as a plain text line. Frames are
// stamped with the hub's clock when the envelope carries one, and
// with now otherwise. Stamps are UTC.
func eventLine(note watch.Notification, now time.Time) string {
	switch note.Kind {
	case watch.NoteConnected:
		welcome := note.Welcome
		line := fmt.Sprintf("%s %-12s connected %s (protocol %d, heartbeat %ds, queue %d)",
			stamp(0, now), "hub", welcome.ConnectionID,
			welcome.Protocol, welcome.HeartbeatSeconds, welcome.QueueCapacity)
		if welcome.StoreDegraded {
			line += " [store degraded]"
		}
		return line

	case watch.NoteDisconnected:
		if note.Err != nil {
			return fmt.Sprintf("%s %-12s disconnected: %v", stamp(0, now), "hub", note.Err)
		}
		return fmt.Sprintf("%s %-12s connection closed", stamp(0, now), "hub")

	case watch.NoteSnapshot:
		snap := note.Snapshot
		line := fmt.Sprintf("%s %-12s snapshot %s %s %3.0f%%",
			stamp(snap.StartedAt, now), snap.Project, snap.BuildID,
			snap.Status, snap.Progress*100)
		if snap.Error != "" {
			line += ": " + snap.Error
		}
		if snap.Resync {
			line += " (resync)"
		}
		if snap.FreshView {
			line += " (fresh view)"
		}
		return line

	case watch.NoteEvent:
		return frameLine(note.Frame, now)

	case watch.NoteGap:
		gap := note.Gap
		return fmt.Sprintf("%s %-12s gap: %d events dropped, resync requested",
			stamp(0, now), gap.Project, gap.Dropped)

	case watch.NoteHubNotice:
		notice := note.Notice
		return fmt.Sprintf("%s %-12s notice %s: %s",
			stamp(0, now), "hub", notice.Code, notice.Message)

	default:
		return fmt.Sprintf("%s %-12s %s", stamp(0, now), "hub", note.Kind)
	}
}

// frameLine renders a BUILD_EVENT envelope by its lifecycle kind.
func frameLine(env *build.Envelope, now time.Time) string {
	prefix := fmt.Sprintf("%s %-12s", stamp(env.Timestamp, now), env.Project)
	var line string
	switch env.Event {
	case build.KindBuildStart:
		line = fmt.Sprintf("%s start %s", prefix, env.BuildID)
		if data, err := env.DecodeStart(); err == nil && len(data.Metadata) > 0 {
			line += " " + formatMetadata(data.Metadata)
		}

	case build.KindBuildUpdate:
		data, err := env.DecodeUpdate()
		if err != nil {
			return fmt.Sprintf("%s update %s (unreadable payload)", prefix, env.BuildID)
		}
		line = fmt.Sprintf("%s update %s %3.0f%%", prefix, env.BuildID, data.Progress*100)
		if len(data.Metrics) > 0 {
			line += " " + formatMetrics(data.Metrics)
		}

	case build.KindBuildComplete:
		data, err := env.DecodeComplete()
		if err != nil {
			return fmt.Sprintf("%s complete %s (unreadable payload)", prefix, env.BuildID)
		}
		line = fmt.Sprintf("%s complete %s %s", prefix, env.BuildID, data.Status)
		if data.Error != "" {
			line += ": " + data.Error
		}

	default:
		line = fmt.Sprintf("%s %s %s", prefix, strings.ToLower(string(env.Event)), env.BuildID)
	}
	if env.PostTerminal {
		line += " (post-terminal)"
	}
	return line
}

// stamp formats an epoch-milliseconds hub timestamp as a UTC clock
// reading, falling back to now for frames that carry none.
func stamp(millis int64, now time.Time) string {
	at := now
	if millis > 0 {
		at = time.UnixMilli(millis)
	}
	return at.UTC().Format("15:04:05")
}

// formatMetadata renders build metadata as sorted key=value pairs.
func formatMetadata(metadata map[string]string) string {
	parts := make([]string, 0, len(metadata))
	for _, key := range slices.Sorted(maps.Keys(metadata)) {
		parts = append(parts, key+"="+metadata[key])
	}
	return strings.Join(parts, " ")
}

// formatMetrics renders build metrics as sorted key=value pairs with
// compact float formatting.
func formatMetrics(metrics map[string]float64) string {
	parts := make([]string, 0, len(metrics))
	for _, key := range slices.Sorted(maps.Keys(metrics)) {
		parts = append(parts, fmt.Sprintf("%s=%.4g", key, metrics[key]))
	}
	return strings.Join(parts, " ")
}

// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package watchui

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/kiln-build/kiln/lib/schema/build"
)

// Table column widths. The metrics column takes whatever remains.
const (
	columnWidthBuild   = 10
	columnWidthStatus  = 9
	progressBarWidth   = 20
	columnWidthElapsed = 7
)

// rowFixedWidth is the width of everything left of the metrics
// column: indent, build, status, progress bar with percent, elapsed,
// and the gaps between them.
const rowFixedWidth = 2 + columnWidthBuild + 2 + columnWidthStatus + 2 +
	progressBarWidth + 5 + 2 + columnWidthElapsed + 2

// View implements tea.Model. Renders the full dashboard frame: header
// rule, build table, event feed, help bar.
func (model Model) View() string {
	if !model.ready {
		return "Loading..."
	}

	var sections []string
	sections = append(sections, model.renderHeader())
	sections = append(sections, model.renderColumnHeads())
	sections = append(sections, model.renderTable())
	sections = append(sections, model.renderFeedRule())
	sections = append(sections, model.feedViewport.View())
	sections = append(sections, model.renderHelp())
	return strings.Join(sections, "\n")
}

// renderHeader renders the top rule in the btop style: the title and
// connection badge embedded in a horizontal rule with stream counters
// on the right.
//
// Example: ─── kiln ─── ● connected conn-8f3a ────── 2 projects  3 active  214 events ─
func (model Model) renderHeader() string {
	separatorStyle := lipgloss.NewStyle().Foreground(model.theme.BorderColor)
	titleStyle := lipgloss.NewStyle().Bold(true).Foreground(model.theme.HeaderForeground)
	faintStyle := lipgloss.NewStyle().Foreground(model.theme.FaintText)

	sep := separatorStyle.Render("─")

	left := sep + sep + sep
	cursor := 3

	left += " " + titleStyle.Render("kiln") + " "
	cursor += 1 + 4 + 1

	for range 3 {
		left += sep
		cursor++
	}

	badgeText, badgeColor := model.connBadge()
	left += " " + lipgloss.NewStyle().Bold(true).Foreground(badgeColor).Render(badgeText)
	cursor += 1 + lipgloss.Width(badgeText)
	if model.conn == connConnected && model.connID != "" {
		left += " " + faintStyle.Render(model.connID)
		cursor += 1 + lipgloss.Width(model.connID)
	}
	left += " "
	cursor++

	counts := model.table.Counts()
	stats := model.source.Stats()
	statsText := fmt.Sprintf("%d projects  %d active  %d finished  %d events",
		counts.Projects, counts.Active, counts.Finished, stats.Events)
	statsRendered := faintStyle.Render(statsText)
	statsWidth := lipgloss.Width(statsText)
	if model.storeDegraded {
		degraded := "[store degraded]"
		statsRendered += "  " + lipgloss.NewStyle().Foreground(model.theme.GapNotice).Render(degraded)
		statsWidth += 2 + lipgloss.Width(degraded)
	}

	rightPortion := " " + statsRendered + " " + sep
	rightWidth := 1 + statsWidth + 1 + 1

	fillCount := model.width - cursor - rightWidth
	if fillCount < 1 {
		fillCount = 1
	}
	fill := ""
	for range fillCount {
		fill += sep
	}

	return left + fill + rightPortion
}

// connBadge returns the connection state indicator and its color.
func (model Model) connBadge() (string, lipgloss.Color) {
	switch model.conn {
	case connConnected:
		return "● connected", model.theme.StatusCompleted
	case connOffline:
		return "○ offline", model.theme.StatusFailed
	default:
		return "◌ connecting", model.theme.StatusRunning
	}
}

// renderColumnHeads renders the table column titles, aligned with the
// row layout.
func (model Model) renderColumnHeads() string {
	heads := fmt.Sprintf("  %-*s  %-*s  %-*s  %*s  %s",
		columnWidthBuild, "BUILD",
		columnWidthStatus, "STATUS",
		progressBarWidth+5, "PROGRESS",
		columnWidthElapsed, "ELAPSED",
		"METRICS")
	return lipgloss.NewStyle().
		Foreground(model.theme.FaintText).
		Width(model.width).
		MaxWidth(model.width).
		Render(heads)
}

// renderTable renders the build rows between the chrome elements,
// with project group headers, selection, and heat tinting.
func (model Model) renderTable() string {
	visible := model.tableHeight()
	now := time.Now()

	if len(model.items) == 0 {
		text := "waiting for builds"
		switch model.conn {
		case connConnecting:
			text = "connecting to hub"
		case connOffline:
			text = "hub offline, retrying"
		}
		return lipgloss.Place(
			model.width, visible,
			lipgloss.Center, lipgloss.Center,
			lipgloss.NewStyle().Foreground(model.theme.FaintText).Render(text),
		)
	}

	renderer := NewTableRenderer(model.theme, model.width)
	var rows []string
	for index := model.scrollOffset; index < model.scrollOffset+visible && index < len(model.items); index++ {
		item := model.items[index]
		selected := index == model.cursor
		var row string
		if item.IsHeader {
			active, finished := model.table.ProjectCounts(item.Project)
			row = renderer.RenderProjectHeader(item.Project, active, finished,
				model.table.resyncing[item.Project], model.table.freshView[item.Project], selected)
		} else {
			row = renderer.RenderRow(item.Row, selected, now)
			// Apply heat tint for recently-changed builds (selection
			// highlight takes priority so hot styling is skipped there).
			if !selected {
				key := rowKey(item.Project, item.Row.BuildID)
				if heat := model.heatTracker.Heat(key, now); heat > 0 {
					accent := model.theme.HotAccentUpdate
					if model.heatTracker.Kind(key) == HeatFailure {
						accent = model.theme.HotAccentFailure
					}
					row = lipgloss.NewStyle().
						Background(accent).
						Width(model.width).
						MaxWidth(model.width).
						Render(row)
				}
			}
		}
		rows = append(rows, row)
	}

	// Pad empty rows.
	if len(rows) < visible {
		emptyStyle := lipgloss.NewStyle().Width(model.width)
		for padding := len(rows); padding < visible; padding++ {
			rows = append(rows, emptyStyle.Render(""))
		}
	}

	return strings.Join(rows, "\n")
}

// renderFeedRule renders the rule separating table from feed, with
// the feed label and scrollback count embedded.
func (model Model) renderFeedRule() string {
	separatorStyle := lipgloss.NewStyle().Foreground(model.theme.BorderColor)
	labelStyle := lipgloss.NewStyle().Bold(true).Foreground(model.theme.HeaderForeground)
	faintStyle := lipgloss.NewStyle().Foreground(model.theme.FaintText)

	sep := separatorStyle.Render("─")

	left := sep + sep + sep + " " + labelStyle.Render("events") + " "
	cursor := 3 + 1 + 6 + 1

	countText := fmt.Sprintf("%d lines", len(model.feed))
	if !model.feedFollow {
		countText += "  [paused]"
	}
	rightPortion := " " + faintStyle.Render(countText) + " " + sep
	rightWidth := 1 + lipgloss.Width(countText) + 1 + 1

	fillCount := model.width - cursor - rightWidth
	if fillCount < 1 {
		fillCount = 1
	}
	fill := ""
	for range fillCount {
		fill += sep
	}

	return left + fill + rightPortion
}

// renderHelp renders the bottom help bar with key hints, list
// position, and transient notices.
func (model Model) renderHelp() string {
	style := lipgloss.NewStyle().Foreground(model.theme.HelpText)

	focusIndicator := "TABLE"
	if model.focusRegion == FocusFeed {
		focusIndicator = "FEED"
	}

	help := fmt.Sprintf(" [%s] q quit  ↑↓ navigate  Tab switch pane  r resync  c clear finished",
		focusIndicator)

	visible := model.tableHeight()
	if len(model.items) > visible && visible > 0 {
		position := ""
		if model.scrollOffset == 0 {
			position = "top"
		} else if model.scrollOffset+visible >= len(model.items) {
			position = "bottom"
		} else {
			percent := float64(model.scrollOffset) / float64(len(model.items)-visible) * 100
			position = fmt.Sprintf("%d%%", int(percent))
		}
		help += fmt.Sprintf("  [%s] %d/%d", position, model.cursor+1, len(model.items))
	} else if len(model.items) > 0 {
		help += fmt.Sprintf("  %d/%d", model.cursor+1, len(model.items))
	}

	if model.actionNotice != "" {
		noticeStyle := lipgloss.NewStyle().
			Foreground(model.theme.StatusCompleted).
			Bold(true)
		help += "  " + noticeStyle.Render(model.actionNotice)
	}

	if model.hubNotice != "" {
		noticeStyle := lipgloss.NewStyle().
			Foreground(model.theme.GapNotice).
			Bold(true)
		help += "  " + noticeStyle.Render("hub: "+model.hubNotice)
	}

	if model.logLine != "" {
		color := model.theme.StatusRunning
		if model.logLevel >= slog.LevelError {
			color = model.theme.StatusFailed
		}
		help += "  " + lipgloss.NewStyle().Foreground(color).Bold(true).Render(model.logLine)
	}

	return style.Render(help)
}

// TableRenderer handles the table-style rendering of build rows
// within a given width: project group headers and per-build rows.
type TableRenderer struct {
	theme Theme
	width int
}

// NewTableRenderer creates a TableRenderer for the given width.
func NewTableRenderer(theme Theme, width int) TableRenderer {
	return TableRenderer{theme: theme, width: width}
}

// RenderProjectHeader renders a project group header line with build
// counts and, when applicable, a resync or fresh-view marker.
//
// Example: ▸ llvm  (2 active, 1 finished)  resyncing…
func (renderer TableRenderer) RenderProjectHeader(project string, active, finished int, resyncing, freshView, selected bool) string {
	marker := ""
	if resyncing {
		marker = "  resyncing…"
	} else if freshView {
		marker = "  snapshot-only view"
	}

	prefix := fmt.Sprintf(" ▸ %s  (%d active, %d finished)", project, active, finished)

	// Truncate the project portion so the line never wraps, keeping
	// the marker visible.
	available := renderer.width - lipgloss.Width(marker)
	if available > 0 && lipgloss.Width(prefix) > available {
		prefix = truncateString(prefix, available-1) + "…"
	}

	if selected {
		return lipgloss.NewStyle().
			Background(renderer.theme.SelectedBackground).
			Foreground(renderer.theme.SelectedForeground).
			Bold(true).
			Width(renderer.width).
			MaxWidth(renderer.width).
			Render(prefix + marker)
	}

	line := lipgloss.NewStyle().
		Foreground(renderer.theme.HeaderForeground).
		Bold(true).
		Render(prefix)
	if marker != "" {
		line += lipgloss.NewStyle().
			Foreground(renderer.theme.GapNotice).
			Bold(true).
			Render(marker)
	}
	return lipgloss.NewStyle().
		Width(renderer.width).
		MaxWidth(renderer.width).
		Render(line)
}

// RenderRow renders a single build as a formatted table row.
//
// Row layout: indent + build + status + progress bar + percent +
// elapsed + metrics (or the error text for failed builds).
//
//	a1b2c3d4…  RUNNING    ████████░░░░░░░░░░░░  42%    3m12s  cache_hit=0.93
func (renderer TableRenderer) RenderRow(row *build.Snapshot, selected bool, now time.Time) string {
	id := row.BuildID
	if lipgloss.Width(id) > columnWidthBuild {
		id = truncateString(id, columnWidthBuild-1) + "…"
	}

	filled, empty := progressCells(row.Progress)
	percent := fmt.Sprintf("%3.0f%%", row.Progress*100)
	elapsed := formatElapsed(rowElapsed(row, now))

	tail := rowTail(row)
	tailWidth := renderer.width - rowFixedWidth
	if tailWidth < 0 {
		tailWidth = 0
	}
	if lipgloss.Width(tail) > tailWidth {
		if tailWidth > 1 {
			tail = truncateString(tail, tailWidth-1) + "…"
		} else {
			tail = ""
		}
	}

	if selected {
		plain := fmt.Sprintf("  %-*s  %-*s  %s%s %s  %*s  %s",
			columnWidthBuild, id,
			columnWidthStatus, string(row.Status),
			filled, empty, percent,
			columnWidthElapsed, elapsed,
			tail)
		return lipgloss.NewStyle().
			Background(renderer.theme.SelectedBackground).
			Foreground(renderer.theme.SelectedForeground).
			Width(renderer.width).
			MaxWidth(renderer.width).
			Render(plain)
	}

	normalStyle := lipgloss.NewStyle().Foreground(renderer.theme.NormalText)
	faintStyle := lipgloss.NewStyle().Foreground(renderer.theme.FaintText)
	statusStyle := lipgloss.NewStyle().Foreground(renderer.theme.StatusColor(row.Status))

	tailStyle := faintStyle
	if row.Error != "" {
		tailStyle = lipgloss.NewStyle().Foreground(renderer.theme.StatusFailed)
	}

	var out strings.Builder
	out.WriteString("  ")
	out.WriteString(normalStyle.Render(fmt.Sprintf("%-*s", columnWidthBuild, id)))
	out.WriteString("  ")
	out.WriteString(statusStyle.Render(fmt.Sprintf("%-*s", columnWidthStatus, string(row.Status))))
	out.WriteString("  ")
	out.WriteString(lipgloss.NewStyle().Foreground(renderer.theme.ProgressFilled).Render(filled))
	out.WriteString(lipgloss.NewStyle().Foreground(renderer.theme.ProgressEmpty).Render(empty))
	out.WriteString(faintStyle.Render(" " + percent))
	out.WriteString("  ")
	out.WriteString(faintStyle.Render(fmt.Sprintf("%*s", columnWidthElapsed, elapsed)))
	out.WriteString("  ")
	out.WriteString(tailStyle.Render(tail))

	return lipgloss.NewStyle().
		Width(renderer.width).
		MaxWidth(renderer.width).
		Render(out.String())
}

// rowTail returns the content of a row's last column: the error text
// for failed builds, otherwise the merged metrics, with a marker for
// post-terminal traffic.
func rowTail(row *build.Snapshot) string {
	if row.Error != "" {
		return row.Error
	}
	tail := formatMetrics(row.Metrics)
	if row.PostTerminalEvents > 0 {
		if tail != "" {
			tail += "  "
		}
		tail += fmt.Sprintf("+%d post-terminal", row.PostTerminalEvents)
	}
	return tail
}

// progressCells splits a [0, 1] progress ratio into filled and empty
// bar segments of [progressBarWidth] total cells.
func progressCells(progress float64) (filled, empty string) {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	cells := int(progress*progressBarWidth + 0.5)
	return strings.Repeat("█", cells), strings.Repeat("░", progressBarWidth-cells)
}

// rowElapsed returns the build's wall-clock duration: start to end
// for finished builds, start to now for live ones. Zero when the
// build has no recorded start (PENDING rows).
func rowElapsed(row *build.Snapshot, now time.Time) time.Duration {
	if row.StartedAt == 0 {
		return 0
	}
	end := now
	if row.EndedAt > 0 {
		end = time.UnixMilli(row.EndedAt)
	}
	elapsed := end.Sub(time.UnixMilli(row.StartedAt))
	if elapsed < 0 {
		elapsed = 0
	}
	return elapsed
}

// formatElapsed renders a duration compactly for the elapsed column:
// seconds under a minute, then m/s, h/m, d/h at growing scales.
func formatElapsed(elapsed time.Duration) string {
	if elapsed <= 0 {
		return "-"
	}
	switch {
	case elapsed < time.Minute:
		return fmt.Sprintf("%ds", int(elapsed.Seconds()))
	case elapsed < time.Hour:
		return fmt.Sprintf("%dm%02ds", int(elapsed.Minutes()), int(elapsed.Seconds())%60)
	case elapsed < 24*time.Hour:
		return fmt.Sprintf("%dh%02dm", int(elapsed.Hours()), int(elapsed.Minutes())%60)
	default:
		return fmt.Sprintf("%dd%dh", int(elapsed.Hours())/24, int(elapsed.Hours())%24)
	}
}

// truncateString truncates a string to maxWidth visual characters.
// Handles multi-byte characters correctly via lipgloss width
// measurement.
func truncateString(text string, maxWidth int) string {
	if lipgloss.Width(text) <= maxWidth {
		return text
	}
	runes := []rune(text)
	for length := len(runes) - 1; length >= 0; length-- {
		candidate := string(runes[:length])
		if lipgloss.Width(candidate) <= maxWidth {
			return candidate
		}
	}
	return ""
}

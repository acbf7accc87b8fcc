// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package watchui

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/kiln-build/kiln/lib/schema/build"
	"github.com/kiln-build/kiln/watch"
)

// Source provides the notification stream and operational counters
// the dashboard renders. A running [watch.Watcher] satisfies it.
type Source interface {
	Notifications() <-chan watch.Notification
	Stats() watch.Stats
}

// Controller is the optional control surface of a Source. When the
// source implements it, the resync key requests a refresh for the
// project under the cursor. [watch.Watcher] implements it.
type Controller interface {
	Resync(project string)
}

// FocusRegion identifies which pane has keyboard focus.
type FocusRegion int

const (
	// FocusTable means navigation keys move the build table cursor.
	FocusTable FocusRegion = iota
	// FocusFeed means navigation keys scroll the event feed.
	FocusFeed
)

// connState tracks the watcher's connection for the header badge.
type connState int

const (
	connConnecting connState = iota
	connConnected
	connOffline
)

// notificationMsg wraps a watcher notification for delivery through
// the bubbletea message loop.
type notificationMsg struct {
	note watch.Notification
}

// heatTickMsg is sent periodically to drive the heat decay animation.
// While any rows are hot, a new tick is scheduled after each one.
type heatTickMsg struct{}

// SourceStoppedMsg tells the model the notification stream has ended
// for good: the watcher gave up or was stopped. The model quits the
// program; the caller that ran the watcher reports the error.
type SourceStoppedMsg struct {
	Err error
}

// actionNoticeFadeMsg is sent after a short delay to clear the action
// feedback notice from the help bar.
type actionNoticeFadeMsg struct{}

// actionNoticeFadeDelay is how long action feedback ("resync
// requested") stays visible.
const actionNoticeFadeDelay = 2 * time.Second

// feedMaxLines bounds the event feed's scrollback.
const feedMaxLines = 400

// chromeLines counts the fixed rows outside the table and feed:
// header, column line, feed rule, help bar.
const chromeLines = 4

// feedLine is one rendered entry of the event feed: plain text plus
// the foreground color it gets in the viewport.
type feedLine struct {
	text  string
	color lipgloss.Color
}

// Model is the bubbletea model for the build dashboard.
type Model struct {
	source        Source
	notifications <-chan watch.Notification

	theme Theme
	keys  KeyMap

	width  int
	height int
	ready  bool

	conn          connState
	connID        string
	storeDegraded bool

	table        *buildTable
	items        []listItem
	cursor       int
	scrollOffset int
	showFinished bool

	focusRegion FocusRegion

	feed         []feedLine
	feedViewport viewport.Model
	feedHeight   int
	feedFollow   bool

	heatTracker *HeatTracker
	tickRunning bool

	// Help bar transient notices.
	actionNotice string
	hubNotice    string
	logLine      string
	logLevel     slog.Level
}

// New creates a dashboard model reading from source. The feed starts
// in follow mode; the table has keyboard focus.
func New(source Source) Model {
	return Model{
		source:        source,
		notifications: source.Notifications(),
		theme:         DefaultTheme,
		keys:          DefaultKeyMap,
		table:         newBuildTable(),
		showFinished:  true,
		feedFollow:    true,
		heatTracker:   NewHeatTracker(),
	}
}

// Init implements tea.Model.
func (model Model) Init() tea.Cmd {
	if model.notifications == nil {
		return nil
	}
	return listenForNotification(model.notifications)
}

// listenForNotification returns a command that blocks on the
// notification channel and wraps the next delivery as a message. The
// returned command must be re-issued after each message to keep the
// stream flowing.
func listenForNotification(channel <-chan watch.Notification) tea.Cmd {
	return func() tea.Msg {
		note, ok := <-channel
		if !ok {
			return SourceStoppedMsg{}
		}
		return notificationMsg{note: note}
	}
}

// Update implements tea.Model.
func (model Model) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch message := message.(type) {
	case tea.WindowSizeMsg:
		model.width = message.Width
		model.height = message.Height
		model.ready = true
		model.updateSizes()
		model.refreshFeed()
		model.ensureCursorVisible()
		return model, nil

	case tea.KeyMsg:
		return model.handleKeys(message)

	case notificationMsg:
		return model.handleNotification(message.note)

	case heatTickMsg:
		return model.handleHeatTick()

	case SourceStoppedMsg:
		model.conn = connOffline
		return model, tea.Quit

	case logRecordMsg:
		model.logLine = message.Summary
		model.logLevel = message.Level
		return model, tea.Tick(logRecordFadeDelay, func(time.Time) tea.Msg {
			return logRecordFadeMsg{}
		})

	case logRecordFadeMsg:
		model.logLine = ""
		return model, nil

	case actionNoticeFadeMsg:
		model.actionNotice = ""
		return model, nil
	}

	return model, nil
}

// handleKeys dispatches keyboard input: global bindings first, then
// navigation routed to whichever pane has focus.
func (model Model) handleKeys(message tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(message, model.keys.Quit):
		return model, tea.Quit

	case key.Matches(message, model.keys.FocusToggle):
		if model.focusRegion == FocusTable {
			model.focusRegion = FocusFeed
		} else {
			model.focusRegion = FocusTable
		}
		return model, nil

	case key.Matches(message, model.keys.Resync):
		return model.requestResync()

	case key.Matches(message, model.keys.ClearFinished):
		removed := model.table.ClearFinished()
		if removed == 0 {
			return model, nil
		}
		model.rebuildItems()
		model.ensureCursorVisible()
		model.actionNotice = fmt.Sprintf("cleared %d finished", removed)
		return model, scheduleActionNoticeFade()
	}

	if model.focusRegion == FocusFeed {
		model.handleFeedKeys(message)
	} else {
		model.handleTableKeys(message)
	}
	return model, nil
}

// requestResync asks the source to resync the project under the
// cursor. A no-op when the source has no control surface or nothing
// is selected.
func (model Model) requestResync() (tea.Model, tea.Cmd) {
	controller, ok := model.source.(Controller)
	if !ok {
		return model, nil
	}
	project := model.selectedProject()
	if project == "" {
		return model, nil
	}
	controller.Resync(project)
	model.actionNotice = "resync requested: " + project
	return model, scheduleActionNoticeFade()
}

// selectedProject returns the project of the item under the cursor,
// for both group headers and build rows.
func (model Model) selectedProject() string {
	if model.cursor < 0 || model.cursor >= len(model.items) {
		return ""
	}
	return model.items[model.cursor].Project
}

// handleTableKeys moves the table cursor.
func (model *Model) handleTableKeys(message tea.KeyMsg) {
	switch {
	case key.Matches(message, model.keys.Up):
		if model.cursor > 0 {
			model.cursor--
		}
	case key.Matches(message, model.keys.Down):
		if model.cursor < len(model.items)-1 {
			model.cursor++
		}
	case key.Matches(message, model.keys.PageUp):
		model.cursor -= model.tableHeight()
		if model.cursor < 0 {
			model.cursor = 0
		}
	case key.Matches(message, model.keys.PageDown):
		model.cursor += model.tableHeight()
		if model.cursor > len(model.items)-1 {
			model.cursor = len(model.items) - 1
		}
		if model.cursor < 0 {
			model.cursor = 0
		}
	case key.Matches(message, model.keys.Home):
		model.cursor = 0
	case key.Matches(message, model.keys.End):
		if len(model.items) > 0 {
			model.cursor = len(model.items) - 1
		}
	}
	model.ensureCursorVisible()
}

// handleFeedKeys scrolls the event feed. Scrolling away from the
// bottom leaves follow mode; jumping to the end re-enters it.
func (model *Model) handleFeedKeys(message tea.KeyMsg) {
	switch {
	case key.Matches(message, model.keys.Up):
		model.feedViewport.LineUp(1)
		model.feedFollow = false
	case key.Matches(message, model.keys.Down):
		model.feedViewport.LineDown(1)
	case key.Matches(message, model.keys.PageUp):
		model.feedViewport.HalfViewUp()
		model.feedFollow = false
	case key.Matches(message, model.keys.PageDown):
		model.feedViewport.HalfViewDown()
	case key.Matches(message, model.keys.Home):
		model.feedViewport.GotoTop()
		model.feedFollow = false
	case key.Matches(message, model.keys.End):
		model.feedViewport.GotoBottom()
		model.feedFollow = true
	}
}

// handleNotification folds one watcher notification into the model:
// connection badge, build table, heat, and the event feed.
func (model Model) handleNotification(note watch.Notification) (tea.Model, tea.Cmd) {
	now := time.Now()
	ignited := false

	ignite := func(row *build.Snapshot) {
		kind := HeatUpdate
		if row.Status == build.StatusFailed || row.Status == build.StatusCancelled {
			kind = HeatFailure
		}
		model.heatTracker.Ignite(rowKey(row.Project, row.BuildID), kind, now)
		ignited = true
	}

	switch note.Kind {
	case watch.NoteConnected:
		model.conn = connConnected
		model.connID = note.Welcome.ConnectionID
		model.storeDegraded = note.Welcome.StoreDegraded

	case watch.NoteDisconnected:
		model.conn = connOffline

	case watch.NoteSnapshot:
		row := model.table.ApplySnapshot(*note.Snapshot)
		// Subscribe bursts paint the initial table without fanfare;
		// only resync snapshots flash, they replace rows that may
		// have drifted during the gap.
		if note.Snapshot.Resync {
			ignite(row)
		}

	case watch.NoteEvent:
		if row := model.table.ApplyEvent(note.Frame); row != nil {
			ignite(row)
		}

	case watch.NoteGap:
		model.table.MarkGap(note.Gap.Project)

	case watch.NoteHubNotice:
		model.hubNotice = fmt.Sprintf("%s: %s", note.Notice.Code, note.Notice.Message)
		if note.Notice.Code == build.CodeStoreUnavailable {
			model.storeDegraded = true
		}
	}

	model.appendFeed(note, now)
	model.rebuildItems()
	model.ensureCursorVisible()

	commands := []tea.Cmd{listenForNotification(model.notifications)}
	if ignited && !model.tickRunning {
		model.tickRunning = true
		commands = append(commands, scheduleHeatTick())
	}
	return model, tea.Batch(commands...)
}

// handleHeatTick processes a heat animation tick. If any rows are
// still hot, schedules another tick; otherwise stops the timer.
func (model Model) handleHeatTick() (tea.Model, tea.Cmd) {
	now := time.Now()
	if model.heatTracker.HasHot(now) {
		return model, scheduleHeatTick()
	}
	model.tickRunning = false
	return model, nil
}

// scheduleHeatTick returns a tea.Cmd that sends a heatTickMsg after
// the animation tick interval.
func scheduleHeatTick() tea.Cmd {
	return tea.Tick(heatTickInterval, func(time.Time) tea.Msg {
		return heatTickMsg{}
	})
}

// scheduleActionNoticeFade returns a tea.Cmd that clears the action
// notice after its display delay.
func scheduleActionNoticeFade() tea.Cmd {
	return tea.Tick(actionNoticeFadeDelay, func(time.Time) tea.Msg {
		return actionNoticeFadeMsg{}
	})
}

// rebuildItems reflattens the table and re-finds the selected item so
// the cursor follows it across reorderings.
func (model *Model) rebuildItems() {
	var selectedKey string
	if model.cursor >= 0 && model.cursor < len(model.items) {
		selectedKey = itemKey(model.items[model.cursor])
	}
	model.items = model.table.Items(model.showFinished)
	if selectedKey != "" {
		for index, item := range model.items {
			if itemKey(item) == selectedKey {
				model.cursor = index
				break
			}
		}
	}
	if model.cursor > len(model.items)-1 {
		model.cursor = len(model.items) - 1
	}
	if model.cursor < 0 {
		model.cursor = 0
	}
}

// itemKey is the stable identity of a visual row across rebuilds.
func itemKey(item listItem) string {
	if item.IsHeader {
		return "header/" + item.Project
	}
	return rowKey(item.Project, item.Row.BuildID)
}

// appendFeed formats the notification as a feed line and refreshes
// the viewport, trimming scrollback beyond [feedMaxLines].
func (model *Model) appendFeed(note watch.Notification, now time.Time) {
	line := feedLine{text: eventLine(note, now), color: model.feedColor(note)}
	model.feed = append(model.feed, line)
	if len(model.feed) > feedMaxLines {
		model.feed = model.feed[len(model.feed)-feedMaxLines:]
	}
	model.refreshFeed()
}

// feedColor picks the foreground color for a feed line by
// notification kind and outcome.
func (model Model) feedColor(note watch.Notification) lipgloss.Color {
	switch note.Kind {
	case watch.NoteConnected:
		return model.theme.StatusCompleted
	case watch.NoteDisconnected:
		return model.theme.StatusFailed
	case watch.NoteSnapshot:
		return model.theme.FaintText
	case watch.NoteGap, watch.NoteHubNotice:
		return model.theme.GapNotice
	case watch.NoteEvent:
		if note.Frame.Event == build.KindBuildComplete {
			if data, err := note.Frame.DecodeComplete(); err == nil && data.Status != build.StatusCompleted {
				return model.theme.StatusFailed
			}
			return model.theme.StatusCompleted
		}
		return model.theme.NormalText
	default:
		return model.theme.NormalText
	}
}

// refreshFeed re-renders the feed viewport content: each line
// truncated to the pane width and tinted by its kind. Follow mode
// pins the view to the newest line.
func (model *Model) refreshFeed() {
	width := model.feedViewport.Width
	lines := make([]string, len(model.feed))
	for index, line := range model.feed {
		text := line.text
		if width > 0 {
			text = ansi.Truncate(text, width, "…")
		}
		lines[index] = lipgloss.NewStyle().Foreground(line.color).Render(text)
	}
	model.feedViewport.SetContent(strings.Join(lines, "\n"))
	if model.feedFollow {
		model.feedViewport.GotoBottom()
	}
}

// updateSizes recalculates pane dimensions after a resize. The feed
// takes a third of the content area, clamped to [3, 10] rows; the
// table gets the rest.
func (model *Model) updateSizes() {
	content := model.height - chromeLines
	feed := content / 3
	if feed < 3 {
		feed = 3
	}
	if feed > 10 {
		feed = 10
	}
	if feed > content-1 {
		feed = content - 1
	}
	if feed < 1 {
		feed = 1
	}
	model.feedHeight = feed
	model.feedViewport.Width = model.width
	model.feedViewport.Height = feed
}

// tableHeight returns the number of build rows that fit between the
// chrome elements.
func (model Model) tableHeight() int {
	height := model.height - chromeLines - model.feedHeight
	if height < 0 {
		height = 0
	}
	return height
}

// ensureCursorVisible adjusts scrollOffset so the cursor is within
// the visible window.
func (model *Model) ensureCursorVisible() {
	visible := model.tableHeight()
	if visible <= 0 {
		return
	}

	// Clamp scrollOffset so we never scroll past the end of the list.
	maxOffset := len(model.items) - visible
	if maxOffset < 0 {
		maxOffset = 0
	}
	if model.scrollOffset > maxOffset {
		model.scrollOffset = maxOffset
	}

	if model.cursor < model.scrollOffset {
		model.scrollOffset = model.cursor
	}
	if model.cursor >= model.scrollOffset+visible {
		model.scrollOffset = model.cursor - visible + 1
	}
}

// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package watchui

import (
	"maps"
	"slices"
	"sort"

	"github.com/kiln-build/kiln/lib/schema/build"
)

// maxFinishedPerProject caps how many finished builds a project keeps
// in the table. A dashboard left open across many builds would
// otherwise grow without bound; older finished builds are dropped,
// newest first retained.
const maxFinishedPerProject = 8

// rowKey uniquely identifies a build row. Build ids are unique per
// hub, but the project prefix keeps keys readable in heat tracking
// and debugging.
func rowKey(project, buildID string) string {
	return project + "/" + buildID
}

// listItem is one visual row of the table: a project group header or
// a build. Exactly one of the two interpretations applies, selected
// by IsHeader.
type listItem struct {
	IsHeader bool
	Project  string

	// Row is the build snapshot for non-header items.
	Row *build.Snapshot
}

// buildTable is the dashboard's view of the streamed builds: a
// client-side replica of the hub's per-build state, fed by snapshots
// (authoritative) and incremental events (applied with the same rules
// the hub uses, so both paths converge on the same row).
type buildTable struct {
	rows map[string]*build.Snapshot

	// resyncing marks projects with a reported gap whose resync
	// snapshots have not arrived yet.
	resyncing map[string]bool

	// freshView marks projects whose last resync was snapshot-only
	// because the history store had no backlog to replay.
	freshView map[string]bool
}

func newBuildTable() *buildTable {
	return &buildTable{
		rows:      make(map[string]*build.Snapshot),
		resyncing: make(map[string]bool),
		freshView: make(map[string]bool),
	}
}

// ApplySnapshot upserts a build row from an authoritative hub
// snapshot. Resync snapshots additionally resolve a pending gap for
// the project and record whether the view is snapshot-only.
func (t *buildTable) ApplySnapshot(snap build.Snapshot) *build.Snapshot {
	row := snap.Clone()
	t.rows[rowKey(snap.Project, snap.BuildID)] = &row
	if snap.Resync {
		delete(t.resyncing, snap.Project)
		if snap.FreshView {
			t.freshView[snap.Project] = true
		} else {
			delete(t.freshView, snap.Project)
		}
	}
	if row.Status.Terminal() {
		t.pruneFinished(snap.Project)
	}
	return &row
}

// ApplyEvent folds one BUILD_EVENT envelope into the table, mirroring
// the hub's state rules: an event for an unknown build creates it
// (BUILD_START as RUNNING, anything else as PENDING), terminal
// statuses absorb, progress is clamped monotonic, metrics merge
// key-wise. Returns the touched row, or nil when the envelope names
// no build or carries a non-lifecycle kind.
func (t *buildTable) ApplyEvent(env *build.Envelope) *build.Snapshot {
	if env.BuildID == "" || !env.Event.Lifecycle() {
		return nil
	}

	key := rowKey(env.Project, env.BuildID)
	row, ok := t.rows[key]
	if !ok {
		row = &build.Snapshot{
			BuildID: env.BuildID,
			Project: env.Project,
			Status:  build.StatusPending,
		}
		t.rows[key] = row
	}

	if env.Seq > row.Seq {
		row.Seq = env.Seq
	}

	if env.PostTerminal || row.Status.Terminal() {
		row.PostTerminalEvents++
		return row
	}

	switch env.Event {
	case build.KindBuildStart:
		data, err := env.DecodeStart()
		if err != nil {
			return row
		}
		row.Status = build.StatusRunning
		if row.StartedAt == 0 {
			row.StartedAt = env.Timestamp
		}
		for key, value := range data.Metadata {
			if row.Metadata == nil {
				row.Metadata = make(map[string]string, len(data.Metadata))
			}
			row.Metadata[key] = value
		}

	case build.KindBuildUpdate:
		data, err := env.DecodeUpdate()
		if err != nil {
			return row
		}
		if data.Progress > row.Progress {
			row.Progress = data.Progress
		}
		for key, value := range data.Metrics {
			if row.Metrics == nil {
				row.Metrics = make(map[string]float64, len(data.Metrics))
			}
			row.Metrics[key] = value
		}

	case build.KindBuildComplete:
		data, err := env.DecodeComplete()
		if err != nil {
			return row
		}
		row.Status = data.Status
		row.Error = data.Error
		row.EndedAt = env.Timestamp
		t.pruneFinished(env.Project)
	}

	return row
}

// MarkGap flags a project as waiting for resync snapshots after a
// GAP_DETECTED notice. The flag clears when the first resync snapshot
// for the project arrives.
func (t *buildTable) MarkGap(project string) {
	t.resyncing[project] = true
}

// Items flattens the table into display order: projects sorted by
// name, each under a group header; within a project running builds
// first (newest start on top), then pending, then finished builds by
// end time. Finished builds are omitted when showFinished is false.
func (t *buildTable) Items(showFinished bool) []listItem {
	byProject := make(map[string][]*build.Snapshot)
	for _, row := range t.rows {
		if !showFinished && row.Status.Terminal() {
			continue
		}
		byProject[row.Project] = append(byProject[row.Project], row)
	}

	var items []listItem
	for _, project := range slices.Sorted(maps.Keys(byProject)) {
		rows := byProject[project]
		sort.Slice(rows, func(i, j int) bool {
			left, right := rowRank(rows[i]), rowRank(rows[j])
			if left != right {
				return left < right
			}
			if rows[i].Status.Terminal() {
				if rows[i].EndedAt != rows[j].EndedAt {
					return rows[i].EndedAt > rows[j].EndedAt
				}
			} else if rows[i].StartedAt != rows[j].StartedAt {
				return rows[i].StartedAt > rows[j].StartedAt
			}
			return rows[i].BuildID < rows[j].BuildID
		})

		items = append(items, listItem{IsHeader: true, Project: project})
		for _, row := range rows {
			items = append(items, listItem{Project: project, Row: row})
		}
	}
	return items
}

// rowRank orders builds within a project: running, then pending, then
// finished.
func rowRank(row *build.Snapshot) int {
	switch {
	case row.Status == build.StatusRunning:
		return 0
	case row.Status == build.StatusPending:
		return 1
	default:
		return 2
	}
}

// ProjectCounts reports the active and finished build counts of one
// project.
func (t *buildTable) ProjectCounts(project string) (active, finished int) {
	for _, row := range t.rows {
		if row.Project != project {
			continue
		}
		if row.Status.Terminal() {
			finished++
		} else {
			active++
		}
	}
	return active, finished
}

// tableCounts summarizes the table for the header line.
type tableCounts struct {
	Projects int
	Active   int
	Finished int
}

func (t *buildTable) Counts() tableCounts {
	projects := make(map[string]bool)
	var counts tableCounts
	for _, row := range t.rows {
		projects[row.Project] = true
		if row.Status.Terminal() {
			counts.Finished++
		} else {
			counts.Active++
		}
	}
	counts.Projects = len(projects)
	return counts
}

// ClearFinished drops all finished builds and returns how many rows
// were removed.
func (t *buildTable) ClearFinished() int {
	removed := 0
	for key, row := range t.rows {
		if row.Status.Terminal() {
			delete(t.rows, key)
			removed++
		}
	}
	return removed
}

// pruneFinished drops the oldest finished builds of a project beyond
// [maxFinishedPerProject].
func (t *buildTable) pruneFinished(project string) {
	var finished []*build.Snapshot
	for _, row := range t.rows {
		if row.Project == project && row.Status.Terminal() {
			finished = append(finished, row)
		}
	}
	if len(finished) <= maxFinishedPerProject {
		return
	}
	sort.Slice(finished, func(i, j int) bool {
		if finished[i].EndedAt != finished[j].EndedAt {
			return finished[i].EndedAt > finished[j].EndedAt
		}
		return finished[i].BuildID < finished[j].BuildID
	})
	for _, row := range finished[maxFinishedPerProject:] {
		delete(t.rows, rowKey(row.Project, row.BuildID))
	}
}

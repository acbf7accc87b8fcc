// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package watchui

import (
	"fmt"
	"testing"
	"time"

	"github.com/kiln-build/kiln/lib/codec"
	"github.com/kiln-build/kiln/lib/schema/build"
)

// testEpoch anchors all hub timestamps in these tests.
var testEpoch = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

func mustMarshal(t *testing.T, value any) codec.RawMessage {
	t.Helper()
	data, err := codec.Marshal(value)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return data
}

// eventEnvelope builds a BUILD_EVENT frame the way the hub fans it
// out: lifecycle kind in the event field, hub time stamped one second
// per seq after the epoch.
func eventEnvelope(t *testing.T, kind build.Kind, project, buildID string, seq uint64, payload any) *build.Envelope {
	t.Helper()
	env := &build.Envelope{
		Kind:      build.KindBuildEvent,
		Event:     kind,
		BuildID:   buildID,
		Project:   project,
		Seq:       seq,
		Timestamp: testEpoch.Add(time.Duration(seq) * time.Second).UnixMilli(),
	}
	if payload != nil {
		env.Data = mustMarshal(t, payload)
	}
	return env
}

func TestBuildTableApplyEventLifecycle(t *testing.T) {
	table := newBuildTable()

	row := table.ApplyEvent(eventEnvelope(t, build.KindBuildStart, "llvm", "build-1", 1,
		build.StartData{Metadata: map[string]string{"target": "x86_64"}}))
	if row == nil {
		t.Fatal("start event should produce a row")
	}
	if row.Status != build.StatusRunning {
		t.Errorf("status after start should be RUNNING, got %s", row.Status)
	}
	if row.StartedAt != testEpoch.Add(time.Second).UnixMilli() {
		t.Errorf("StartedAt should be the start frame's hub time, got %d", row.StartedAt)
	}
	if row.Metadata["target"] != "x86_64" {
		t.Errorf("metadata should carry target, got %v", row.Metadata)
	}

	table.ApplyEvent(eventEnvelope(t, build.KindBuildUpdate, "llvm", "build-1", 2,
		build.UpdateData{Progress: 0.4, Metrics: map[string]float64{"cache_hit": 0.8}}))
	if row.Progress != 0.4 {
		t.Errorf("progress should be 0.4, got %v", row.Progress)
	}

	// A regressing progress value is clamped; metrics still merge.
	table.ApplyEvent(eventEnvelope(t, build.KindBuildUpdate, "llvm", "build-1", 3,
		build.UpdateData{Progress: 0.25, Metrics: map[string]float64{"cache_hit": 0.9, "objects": 100}}))
	if row.Progress != 0.4 {
		t.Errorf("regressing progress should clamp at 0.4, got %v", row.Progress)
	}
	if row.Metrics["cache_hit"] != 0.9 || row.Metrics["objects"] != 100 {
		t.Errorf("metrics should merge key-wise, got %v", row.Metrics)
	}
	if row.Seq != 3 {
		t.Errorf("seq should track the latest frame, got %d", row.Seq)
	}

	table.ApplyEvent(eventEnvelope(t, build.KindBuildComplete, "llvm", "build-1", 4,
		build.CompleteData{Status: build.StatusFailed, Error: "link error"}))
	if row.Status != build.StatusFailed {
		t.Errorf("status should be FAILED, got %s", row.Status)
	}
	if row.Error != "link error" {
		t.Errorf("error should carry the failure text, got %q", row.Error)
	}
	if row.EndedAt != testEpoch.Add(4*time.Second).UnixMilli() {
		t.Errorf("EndedAt should be the complete frame's hub time, got %d", row.EndedAt)
	}

	// Terminal statuses absorb: post-terminal traffic only counts.
	post := eventEnvelope(t, build.KindBuildUpdate, "llvm", "build-1", 5,
		build.UpdateData{Progress: 0.99})
	post.PostTerminal = true
	table.ApplyEvent(post)
	if row.Status != build.StatusFailed || row.Progress != 0.4 {
		t.Errorf("post-terminal event must not mutate the row: %s %v", row.Status, row.Progress)
	}
	if row.PostTerminalEvents != 1 {
		t.Errorf("post-terminal counter should be 1, got %d", row.PostTerminalEvents)
	}
}

func TestBuildTableEventForUnknownBuildCreatesPending(t *testing.T) {
	table := newBuildTable()

	row := table.ApplyEvent(eventEnvelope(t, build.KindBuildUpdate, "llvm", "build-9", 3,
		build.UpdateData{Progress: 0.7}))
	if row == nil {
		t.Fatal("update for an unknown build should create a row")
	}
	if row.Status != build.StatusPending {
		t.Errorf("status should be PENDING before the start arrives, got %s", row.Status)
	}
	if row.Progress != 0.7 {
		t.Errorf("progress should apply to the pending row, got %v", row.Progress)
	}
	if row.StartedAt != 0 {
		t.Errorf("pending row should have no start time, got %d", row.StartedAt)
	}

	table.ApplyEvent(eventEnvelope(t, build.KindBuildStart, "llvm", "build-9", 4, nil))
	if row.Status != build.StatusRunning {
		t.Errorf("late start should move the row to RUNNING, got %s", row.Status)
	}
}

func TestBuildTableIgnoresMalformedEnvelopes(t *testing.T) {
	table := newBuildTable()

	if row := table.ApplyEvent(&build.Envelope{Kind: build.KindBuildEvent, Event: build.KindBuildStart, Project: "llvm"}); row != nil {
		t.Error("envelope without a build id should be ignored")
	}
	if row := table.ApplyEvent(eventEnvelope(t, build.KindHeartbeat, "llvm", "build-1", 1, nil)); row != nil {
		t.Error("non-lifecycle event kind should be ignored")
	}
	if len(table.rows) != 0 {
		t.Errorf("ignored envelopes must not create rows, got %d", len(table.rows))
	}
}

func TestBuildTableSnapshotResolvesGap(t *testing.T) {
	table := newBuildTable()

	table.MarkGap("llvm")
	if !table.resyncing["llvm"] {
		t.Fatal("gap should mark the project as resyncing")
	}

	table.ApplySnapshot(build.Snapshot{
		BuildID: "build-1", Project: "llvm",
		Status: build.StatusRunning, Progress: 0.5, Seq: 7,
		StartedAt: testEpoch.UnixMilli(),
		Resync:    true, FreshView: true,
	})
	if table.resyncing["llvm"] {
		t.Error("resync snapshot should clear the gap marker")
	}
	if !table.freshView["llvm"] {
		t.Error("fresh-view resync should flag the project")
	}

	// A later resync with backlog clears the fresh-view flag.
	table.ApplySnapshot(build.Snapshot{
		BuildID: "build-1", Project: "llvm",
		Status: build.StatusRunning, Progress: 0.6, Seq: 9,
		StartedAt: testEpoch.UnixMilli(),
		Resync:    true,
	})
	if table.freshView["llvm"] {
		t.Error("full resync should clear the fresh-view flag")
	}

	row := table.rows[rowKey("llvm", "build-1")]
	if row == nil || row.Progress != 0.6 || row.Seq != 9 {
		t.Errorf("snapshot should upsert the row, got %+v", row)
	}
}

func TestBuildTableItemsOrdering(t *testing.T) {
	table := newBuildTable()

	table.ApplySnapshot(build.Snapshot{
		BuildID: "aaa", Project: "llvm", Status: build.StatusRunning,
		StartedAt: testEpoch.Add(2 * time.Second).UnixMilli(),
	})
	table.ApplySnapshot(build.Snapshot{
		BuildID: "bbb", Project: "llvm", Status: build.StatusRunning,
		StartedAt: testEpoch.Add(5 * time.Second).UnixMilli(),
	})
	table.ApplySnapshot(build.Snapshot{
		BuildID: "ccc", Project: "llvm", Status: build.StatusCompleted,
		StartedAt: testEpoch.UnixMilli(),
		EndedAt:   testEpoch.Add(9 * time.Second).UnixMilli(),
	})
	table.ApplySnapshot(build.Snapshot{
		BuildID: "ddd", Project: "mlir", Status: build.StatusPending,
	})

	items := table.Items(true)
	want := []struct {
		header  bool
		project string
		buildID string
	}{
		{header: true, project: "llvm"},
		{project: "llvm", buildID: "bbb"}, // newest running first
		{project: "llvm", buildID: "aaa"},
		{project: "llvm", buildID: "ccc"}, // finished last
		{header: true, project: "mlir"},
		{project: "mlir", buildID: "ddd"},
	}
	if len(items) != len(want) {
		t.Fatalf("expected %d items, got %d", len(want), len(items))
	}
	for index, expect := range want {
		item := items[index]
		if item.IsHeader != expect.header || item.Project != expect.project {
			t.Errorf("item %d: got header=%v project=%s", index, item.IsHeader, item.Project)
			continue
		}
		if !expect.header && item.Row.BuildID != expect.buildID {
			t.Errorf("item %d: expected build %s, got %s", index, expect.buildID, item.Row.BuildID)
		}
	}

	// Hiding finished builds drops ccc but keeps the llvm header.
	items = table.Items(false)
	for _, item := range items {
		if !item.IsHeader && item.Row.BuildID == "ccc" {
			t.Error("finished build should be hidden")
		}
	}

	counts := table.Counts()
	if counts.Projects != 2 || counts.Active != 3 || counts.Finished != 1 {
		t.Errorf("counts: %+v", counts)
	}
}

func TestBuildTableClearFinished(t *testing.T) {
	table := newBuildTable()
	table.ApplySnapshot(build.Snapshot{BuildID: "run", Project: "llvm", Status: build.StatusRunning})
	table.ApplySnapshot(build.Snapshot{BuildID: "done", Project: "llvm", Status: build.StatusCompleted})

	if removed := table.ClearFinished(); removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
	if _, ok := table.rows[rowKey("llvm", "done")]; ok {
		t.Error("finished build should be gone")
	}
	if _, ok := table.rows[rowKey("llvm", "run")]; !ok {
		t.Error("running build should remain")
	}
}

func TestBuildTablePrunesOldFinishedBuilds(t *testing.T) {
	table := newBuildTable()

	total := maxFinishedPerProject + 3
	for index := range total {
		table.ApplySnapshot(build.Snapshot{
			BuildID: fmt.Sprintf("build-%02d", index),
			Project: "llvm",
			Status:  build.StatusCompleted,
			EndedAt: testEpoch.Add(time.Duration(index) * time.Minute).UnixMilli(),
		})
	}

	if len(table.rows) != maxFinishedPerProject {
		t.Fatalf("expected %d retained rows, got %d", maxFinishedPerProject, len(table.rows))
	}
	// The oldest three are gone, the newest survive.
	for index := range 3 {
		if _, ok := table.rows[rowKey("llvm", fmt.Sprintf("build-%02d", index))]; ok {
			t.Errorf("build-%02d should have been pruned", index)
		}
	}
	if _, ok := table.rows[rowKey("llvm", fmt.Sprintf("build-%02d", total-1))]; !ok {
		t.Error("newest finished build should be retained")
	}
}

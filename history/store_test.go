// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package history

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"reflect"
	"runtime"
	"testing"
	"time"

	"github.com/kiln-build/kiln/lib/codec"
	"github.com/kiln-build/kiln/lib/schema/build"
)

// testClockEpoch is the fixed start time for fake clocks in these
// tests.
var testClockEpoch = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// makeEvent returns a stored-form event with a real CBOR payload so
// round trips compare meaningful bytes.
func makeEvent(t *testing.T, buildID string, seq uint64, kind build.Kind) build.Event {
	t.Helper()
	data, err := codec.Marshal(map[string]float64{"progress": float64(seq) / 100})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return build.Event{
		Kind:    kind,
		BuildID: buildID,
		Project: "llvm/clang",
		Seq:     seq,
		HubTime: testClockEpoch.UnixMilli() + int64(seq)*1000,
		Data:    data,
	}
}

func makeSnapshot(buildID, project string, status build.Status, seq uint64) build.Snapshot {
	snapshot := build.Snapshot{
		BuildID:   buildID,
		Project:   project,
		Status:    status,
		Progress:  float64(seq) / 100,
		Metrics:   map[string]float64{"cache_hit_rate": 0.93},
		Seq:       seq,
		StartedAt: testClockEpoch.UnixMilli(),
	}
	if status.Terminal() {
		snapshot.EndedAt = testClockEpoch.UnixMilli() + int64(seq)*1000
	}
	return snapshot
}

func requireEvents(t *testing.T, got, want []build.Event) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d", len(got), len(want))
	}
	for i := range want {
		if !reflect.DeepEqual(got[i], want[i]) {
			t.Errorf("event %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

// waitUntil polls until the condition holds or the deadline passes.
func waitUntil(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		runtime.Gosched()
	}
}

// --- Memory store ---

func TestMemoryQueryRangeBounds(t *testing.T) {
	store := NewMemoryStore()
	for seq := uint64(1); seq <= 10; seq++ {
		event := makeEvent(t, "bld-1", seq, build.KindBuildUpdate)
		if err := store.Append(context.Background(), &event); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	cases := []struct {
		name      string
		from, to  uint64
		wantFirst uint64
		wantCount int
	}{
		{name: "interior range", from: 3, to: 7, wantFirst: 4, wantCount: 4},
		{name: "full range", from: 0, to: 10, wantFirst: 1, wantCount: 10},
		{name: "from equals to", from: 5, to: 5, wantCount: 0},
		{name: "beyond stored", from: 10, to: 20, wantCount: 0},
		{name: "single event", from: 9, to: 10, wantFirst: 10, wantCount: 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			events, err := store.QueryRange(context.Background(), "bld-1", tc.from, tc.to)
			if err != nil {
				t.Fatalf("QueryRange: %v", err)
			}
			if len(events) != tc.wantCount {
				t.Fatalf("got %d events, want %d", len(events), tc.wantCount)
			}
			if tc.wantCount > 0 && events[0].Seq != tc.wantFirst {
				t.Errorf("first seq = %d, want %d", events[0].Seq, tc.wantFirst)
			}
		})
	}
}

func TestMemoryQueryRangeUnknownBuild(t *testing.T) {
	store := NewMemoryStore()
	events, err := store.QueryRange(context.Background(), "no-such-build", 0, 100)
	if err != nil {
		t.Fatalf("QueryRange: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("got %d events for unknown build, want 0", len(events))
	}
}

func TestMemoryLatestSnapshotNotFound(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.LatestSnapshot(context.Background(), "no-such-build")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("LatestSnapshot error = %v, want ErrNotFound", err)
	}
}

func TestMemoryPutSnapshotReplaces(t *testing.T) {
	store := NewMemoryStore()
	first := makeSnapshot("bld-1", "llvm/clang", build.StatusRunning, 3)
	if err := store.PutSnapshot(context.Background(), first); err != nil {
		t.Fatalf("PutSnapshot: %v", err)
	}
	second := makeSnapshot("bld-1", "llvm/clang", build.StatusCompleted, 9)
	if err := store.PutSnapshot(context.Background(), second); err != nil {
		t.Fatalf("PutSnapshot: %v", err)
	}

	got, err := store.LatestSnapshot(context.Background(), "bld-1")
	if err != nil {
		t.Fatalf("LatestSnapshot: %v", err)
	}
	if got.Status != build.StatusCompleted || got.Seq != 9 {
		t.Errorf("snapshot = %s seq %d, want COMPLETED seq 9", got.Status, got.Seq)
	}
}

func TestMemorySnapshotIsolation(t *testing.T) {
	store := NewMemoryStore()
	snapshot := makeSnapshot("bld-1", "llvm/clang", build.StatusRunning, 1)
	if err := store.PutSnapshot(context.Background(), snapshot); err != nil {
		t.Fatalf("PutSnapshot: %v", err)
	}

	// Mutating a returned snapshot must not leak into the store.
	got, err := store.LatestSnapshot(context.Background(), "bld-1")
	if err != nil {
		t.Fatalf("LatestSnapshot: %v", err)
	}
	got.Metrics["cache_hit_rate"] = 0

	again, err := store.LatestSnapshot(context.Background(), "bld-1")
	if err != nil {
		t.Fatalf("LatestSnapshot: %v", err)
	}
	if again.Metrics["cache_hit_rate"] != 0.93 {
		t.Errorf("stored metric mutated through returned copy: %v", again.Metrics)
	}
}

func TestMemoryListSnapshots(t *testing.T) {
	store := NewMemoryStore()
	puts := []build.Snapshot{
		makeSnapshot("bld-1", "llvm/clang", build.StatusCompleted, 5),
		makeSnapshot("bld-2", "llvm/clang", build.StatusRunning, 2),
		makeSnapshot("bld-3", "torch-mlir", build.StatusRunning, 1),
	}
	for _, snapshot := range puts {
		if err := store.PutSnapshot(context.Background(), snapshot); err != nil {
			t.Fatalf("PutSnapshot: %v", err)
		}
	}

	snapshots, err := store.ListSnapshots(context.Background(), "llvm/clang", 0)
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(snapshots) != 2 {
		t.Fatalf("got %d snapshots, want 2", len(snapshots))
	}
	for _, snapshot := range snapshots {
		if snapshot.Project != "llvm/clang" {
			t.Errorf("snapshot %s has project %q", snapshot.BuildID, snapshot.Project)
		}
	}

	limited, err := store.ListSnapshots(context.Background(), "llvm/clang", 1)
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("got %d snapshots with limit 1, want 1", len(limited))
	}
}

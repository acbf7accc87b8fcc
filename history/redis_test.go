// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/kiln-build/kiln/lib/clock"
	"github.com/kiln-build/kiln/lib/codec"
	"github.com/kiln-build/kiln/lib/schema/build"
)

func openTestRedis(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := OpenRedis(RedisConfig{
		Addr:        mr.Addr(),
		Compression: CompressionZstd,
		Clock:       clock.Fake(testClockEpoch),
		Logger:      testLogger(),
	})
	if err != nil {
		t.Fatalf("OpenRedis: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRedisPing(t *testing.T) {
	store := openTestRedis(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestRedisQueryRangeBounds(t *testing.T) {
	store := openTestRedis(t)
	want := make([]build.Event, 0, 10)
	for seq := uint64(1); seq <= 10; seq++ {
		event := makeEvent(t, "bld-1", seq, build.KindBuildUpdate)
		if err := store.Append(context.Background(), &event); err != nil {
			t.Fatalf("Append: %v", err)
		}
		want = append(want, event)
	}

	got, err := store.QueryRange(context.Background(), "bld-1", 0, 10)
	if err != nil {
		t.Fatalf("QueryRange: %v", err)
	}
	requireEvents(t, got, want)

	// Exclusive from, inclusive to.
	interior, err := store.QueryRange(context.Background(), "bld-1", 3, 7)
	if err != nil {
		t.Fatalf("QueryRange: %v", err)
	}
	requireEvents(t, interior, want[3:7])

	empty, err := store.QueryRange(context.Background(), "bld-1", 10, 20)
	if err != nil {
		t.Fatalf("QueryRange: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("got %d events past the end, want 0", len(empty))
	}
}

func TestRedisAppendIdempotent(t *testing.T) {
	store := openTestRedis(t)
	event := makeEvent(t, "bld-1", 1, build.KindBuildStart)
	for range 2 {
		if err := store.Append(context.Background(), &event); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	events, err := store.QueryRange(context.Background(), "bld-1", 0, 10)
	if err != nil {
		t.Fatalf("QueryRange: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("got %d events after duplicate append, want 1", len(events))
	}
}

func TestRedisSnapshotRoundTrip(t *testing.T) {
	store := openTestRedis(t)

	_, err := store.LatestSnapshot(context.Background(), "bld-1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("LatestSnapshot on empty store = %v, want ErrNotFound", err)
	}

	snapshot := makeSnapshot("bld-1", "llvm/clang", build.StatusFailed, 4)
	snapshot.Error = "link failed"
	if err := store.PutSnapshot(context.Background(), snapshot); err != nil {
		t.Fatalf("PutSnapshot: %v", err)
	}

	got, err := store.LatestSnapshot(context.Background(), "bld-1")
	if err != nil {
		t.Fatalf("LatestSnapshot: %v", err)
	}
	if got.Status != build.StatusFailed || got.Error != "link failed" {
		t.Errorf("snapshot = %s %q, want FAILED with link error", got.Status, got.Error)
	}
}

func TestRedisListSnapshots(t *testing.T) {
	store := openTestRedis(t)
	early := makeSnapshot("bld-early", "llvm/clang", build.StatusRunning, 1)
	late := makeSnapshot("bld-late", "llvm/clang", build.StatusRunning, 2)
	late.StartedAt = early.StartedAt + 60_000
	other := makeSnapshot("bld-other", "torch-mlir", build.StatusRunning, 1)

	for _, snapshot := range []build.Snapshot{early, late, other} {
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
	if snapshots[0].BuildID != "bld-late" {
		t.Errorf("first snapshot = %s, want bld-late (newest first)", snapshots[0].BuildID)
	}
}

func TestRedisCompact(t *testing.T) {
	store := openTestRedis(t)

	done := make([]build.Event, 0, 5)
	for seq := uint64(1); seq <= 5; seq++ {
		event := makeEvent(t, "bld-done", seq, build.KindBuildUpdate)
		if err := store.Append(context.Background(), &event); err != nil {
			t.Fatalf("Append: %v", err)
		}
		done = append(done, event)
	}
	if err := store.PutSnapshot(context.Background(), makeSnapshot("bld-done", "llvm/clang", build.StatusCompleted, 5)); err != nil {
		t.Fatalf("PutSnapshot: %v", err)
	}

	for seq := uint64(1); seq <= 3; seq++ {
		event := makeEvent(t, "bld-live", seq, build.KindBuildUpdate)
		if err := store.Append(context.Background(), &event); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := store.PutSnapshot(context.Background(), makeSnapshot("bld-live", "llvm/clang", build.StatusRunning, 3)); err != nil {
		t.Fatalf("PutSnapshot: %v", err)
	}

	cutoff := testClockEpoch.Add(10 * time.Minute)
	stats, err := store.Compact(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if stats.BuildsCompacted != 1 || stats.EventsBundled != 5 {
		t.Errorf("stats = %+v, want 1 build, 5 events", stats)
	}

	// Raw members are gone; reads now come from the bundle.
	remaining, err := store.rdb.Exists(context.Background(), store.eventsKey("bld-done")).Result()
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if remaining != 0 {
		t.Error("events key still present after compaction")
	}

	got, err := store.QueryRange(context.Background(), "bld-done", 0, 10)
	if err != nil {
		t.Fatalf("QueryRange after compact: %v", err)
	}
	requireEvents(t, got, done)

	live, err := store.QueryRange(context.Background(), "bld-live", 0, 10)
	if err != nil {
		t.Fatalf("QueryRange: %v", err)
	}
	if len(live) != 3 {
		t.Errorf("live build has %d events, want 3", len(live))
	}

	again, err := store.Compact(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if again.BuildsCompacted != 0 {
		t.Errorf("second pass compacted %d builds, want 0", again.BuildsCompacted)
	}
}

func TestRedisQueryRangeSkipsBundledSeqs(t *testing.T) {
	store := openTestRedis(t)

	done := make([]build.Event, 0, 5)
	for seq := uint64(1); seq <= 5; seq++ {
		event := makeEvent(t, "bld-1", seq, build.KindBuildUpdate)
		if err := store.Append(context.Background(), &event); err != nil {
			t.Fatalf("Append: %v", err)
		}
		done = append(done, event)
	}
	if err := store.PutSnapshot(context.Background(), makeSnapshot("bld-1", "llvm/clang", build.StatusCompleted, 5)); err != nil {
		t.Fatalf("PutSnapshot: %v", err)
	}
	if _, err := store.Compact(context.Background(), testClockEpoch.Add(time.Hour)); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	// Simulate a compaction interrupted between bundle write and
	// member delete: a raw member covered by the bundle reappears.
	stale, err := codec.Marshal(&done[2])
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	err = store.rdb.ZAdd(context.Background(), store.eventsKey("bld-1"), redis.Z{
		Score:  float64(done[2].Seq),
		Member: stale,
	}).Err()
	if err != nil {
		t.Fatalf("ZAdd: %v", err)
	}

	got, err := store.QueryRange(context.Background(), "bld-1", 0, 10)
	if err != nil {
		t.Fatalf("QueryRange: %v", err)
	}
	requireEvents(t, got, done)
}

// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package watchui

import (
	"testing"
	"time"
)

func TestHeatTrackerDecay(t *testing.T) {
	tracker := NewHeatTracker()
	start := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	tracker.Ignite("llvm/build-1", HeatUpdate, start)

	if got := tracker.Heat("llvm/build-1", start); got != 1.0 {
		t.Errorf("heat at ignition should be 1.0, got %v", got)
	}
	halfway := start.Add(heatDecayDuration / 2)
	if got := tracker.Heat("llvm/build-1", halfway); got != 0.5 {
		t.Errorf("heat at half decay should be 0.5, got %v", got)
	}
	decayed := start.Add(heatDecayDuration)
	if got := tracker.Heat("llvm/build-1", decayed); got != 0.0 {
		t.Errorf("heat after full decay should be 0.0, got %v", got)
	}
}

func TestHeatTrackerReignite(t *testing.T) {
	tracker := NewHeatTracker()
	start := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	tracker.Ignite("llvm/build-1", HeatUpdate, start)
	later := start.Add(4 * time.Second)
	tracker.Ignite("llvm/build-1", HeatFailure, later)

	// Re-ignition resets the decay timer and updates the kind.
	if got := tracker.Heat("llvm/build-1", later); got != 1.0 {
		t.Errorf("heat after re-ignition should be 1.0, got %v", got)
	}
	if got := tracker.Kind("llvm/build-1"); got != HeatFailure {
		t.Errorf("kind after re-ignition should be HeatFailure, got %v", got)
	}
}

func TestHeatTrackerHasHotCollectsDecayed(t *testing.T) {
	tracker := NewHeatTracker()
	start := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	tracker.Ignite("llvm/build-1", HeatUpdate, start)
	tracker.Ignite("mlir/build-2", HeatUpdate, start.Add(3*time.Second))

	mid := start.Add(4 * time.Second)
	if !tracker.HasHot(mid) {
		t.Fatal("build-2 should still be hot")
	}

	done := start.Add(10 * time.Second)
	if tracker.HasHot(done) {
		t.Fatal("no build should be hot after full decay")
	}
	if len(tracker.entries) != 0 {
		t.Errorf("decayed entries should be collected, %d remain", len(tracker.entries))
	}
}

func TestHeatTrackerUnknownKey(t *testing.T) {
	tracker := NewHeatTracker()
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	if got := tracker.Heat("missing", now); got != 0.0 {
		t.Errorf("unknown key heat should be 0.0, got %v", got)
	}
	if got := tracker.Kind("missing"); got != HeatUpdate {
		t.Errorf("unknown key kind should default to HeatUpdate, got %v", got)
	}
}

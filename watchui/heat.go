// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package watchui

import (
	"time"
)

// heatDecayDuration is how long a build row glows after a change
// event. Heat starts at 1.0 and decays linearly to 0.0 over this
// duration.
const heatDecayDuration = 5 * time.Second

// heatTickInterval is the re-render interval while any rows are hot.
// 100ms gives ~10fps animation for smooth color decay.
const heatTickInterval = 100 * time.Millisecond

// HeatKind distinguishes change types for color selection.
type HeatKind int

const (
	// HeatUpdate indicates a build started, progressed, or completed
	// successfully (amber glow).
	HeatUpdate HeatKind = iota
	// HeatFailure indicates a build failed or was cancelled (red glow).
	HeatFailure
)

// heatEntry records when and how a build row was last changed.
type heatEntry struct {
	ignition time.Time
	kind     HeatKind
}

// HeatTracker maps build row keys to ignition timestamps for animated
// change highlighting. Each change "ignites" a row, which then decays
// from full intensity to zero over [heatDecayDuration].
type HeatTracker struct {
	entries map[string]heatEntry
}

// NewHeatTracker creates an empty heat tracker.
func NewHeatTracker() *HeatTracker {
	return &HeatTracker{
		entries: make(map[string]heatEntry),
	}
}

// Ignite records a change event for a row. Resets the decay timer if
// the row was already hot.
func (tracker *HeatTracker) Ignite(rowKey string, kind HeatKind, now time.Time) {
	tracker.entries[rowKey] = heatEntry{ignition: now, kind: kind}
}

// Heat returns the current intensity for a row: 1.0 at ignition,
// linearly decaying to 0.0 over [heatDecayDuration]. Returns 0.0 for
// rows that were never ignited or have fully decayed.
func (tracker *HeatTracker) Heat(rowKey string, now time.Time) float64 {
	entry, exists := tracker.entries[rowKey]
	if !exists {
		return 0.0
	}
	elapsed := now.Sub(entry.ignition)
	if elapsed >= heatDecayDuration {
		return 0.0
	}
	return 1.0 - float64(elapsed)/float64(heatDecayDuration)
}

// Kind returns the heat kind for a row. Only meaningful when Heat()
// returns > 0.
func (tracker *HeatTracker) Kind(rowKey string) HeatKind {
	entry, exists := tracker.entries[rowKey]
	if !exists {
		return HeatUpdate
	}
	return entry.kind
}

// HasHot returns true if any tracked row still has heat > 0, meaning
// the tick timer should keep running for animation.
func (tracker *HeatTracker) HasHot(now time.Time) bool {
	for rowKey, entry := range tracker.entries {
		if now.Sub(entry.ignition) < heatDecayDuration {
			return true
		}
		// Garbage-collect fully decayed entries.
		delete(tracker.entries, rowKey)
	}
	return false
}

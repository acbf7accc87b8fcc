// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kiln-build/kiln/lib/codec"
	"github.com/kiln-build/kiln/lib/schema/build"
)

// ErrNotFound is returned by LatestSnapshot when the store has no
// snapshot for the build.
var ErrNotFound = errors.New("history: not found")

// Store is the durable build history. Implementations must be safe
// for concurrent use: the appender writes while resync handlers read.
//
// Writes arrive in seq order per build (the appender is a single
// goroutine fed by the router), so implementations may rely on
// Append never going backwards within one build.
type Store interface {
	// Append persists one applied event.
	Append(ctx context.Context, event *build.Event) error

	// QueryRange returns the build's events with seq in
	// (fromSeq, toSeq], ordered by seq ascending. Exclusive from,
	// inclusive to: QueryRange(b, lastSeen, latest) is exactly the
	// backlog a subscriber at lastSeen is missing. An unknown build
	// yields an empty slice, not an error.
	QueryRange(ctx context.Context, buildID string, fromSeq, toSeq uint64) ([]build.Event, error)

	// LatestSnapshot returns the most recently stored snapshot for
	// the build, or ErrNotFound.
	LatestSnapshot(ctx context.Context, buildID string) (build.Snapshot, error)

	// PutSnapshot stores the build's snapshot, replacing any
	// previous one.
	PutSnapshot(ctx context.Context, snapshot build.Snapshot) error

	// Close releases backend resources. The store is unusable
	// afterwards.
	Close() error
}

// CompactStats summarizes one compaction pass.
type CompactStats struct {
	// BuildsCompacted is the number of builds whose raw event rows
	// were folded into a bundle this pass.
	BuildsCompacted int

	// EventsBundled is the total number of event rows folded.
	EventsBundled int

	// BytesIn is the encoded size of the bundled events before
	// compression; BytesOut the stored bundle payload size.
	BytesIn  int64
	BytesOut int64
}

// Compactor is implemented by backends that can fold the raw event
// rows of closed builds into compressed bundles. Candidates are
// builds whose snapshot is terminal with EndedAt before cutoff.
// Bundled events remain visible through QueryRange.
type Compactor interface {
	Compact(ctx context.Context, cutoff time.Time) (CompactStats, error)
}

// Lister is implemented by backends that can enumerate stored
// snapshots by project, for CLI queries and admin listings.
type Lister interface {
	ListSnapshots(ctx context.Context, project string, limit int) ([]build.Snapshot, error)
}

// encodeSnapshot and decodeSnapshot are the shared CBOR framing for
// snapshot storage across backends.

func encodeSnapshot(snapshot build.Snapshot) ([]byte, error) {
	return codec.Marshal(snapshot)
}

func decodeSnapshot(raw []byte) (build.Snapshot, error) {
	var snapshot build.Snapshot
	if err := codec.Unmarshal(raw, &snapshot); err != nil {
		return build.Snapshot{}, fmt.Errorf("history: decode snapshot: %w", err)
	}
	return snapshot, nil
}

// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package history

import (
	"context"
	"sort"
	"sync"

	"github.com/kiln-build/kiln/lib/schema/build"
)

// MemoryStore is an in-process Store for tests and single-node
// development runs. Nothing survives a restart.
type MemoryStore struct {
	mu        sync.Mutex
	events    map[string][]build.Event
	snapshots map[string]build.Snapshot
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:    make(map[string][]build.Event),
		snapshots: make(map[string]build.Snapshot),
	}
}

// Append records the event at the end of its build's history. Events
// arrive in seq order per build, so the per-build slice stays sorted
// without re-sorting.
func (s *MemoryStore) Append(ctx context.Context, event *build.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event.BuildID] = append(s.events[event.BuildID], *event)
	return nil
}

// QueryRange returns the build's events with seq in (fromSeq, toSeq].
func (s *MemoryStore) QueryRange(ctx context.Context, buildID string, fromSeq, toSeq uint64) ([]build.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := s.events[buildID]
	start := sort.Search(len(stored), func(i int) bool {
		return stored[i].Seq > fromSeq
	})

	var out []build.Event
	for _, event := range stored[start:] {
		if event.Seq > toSeq {
			break
		}
		out = append(out, event)
	}
	return out, nil
}

// LatestSnapshot returns the stored snapshot for the build, or
// ErrNotFound.
func (s *MemoryStore) LatestSnapshot(ctx context.Context, buildID string) (build.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot, ok := s.snapshots[buildID]
	if !ok {
		return build.Snapshot{}, ErrNotFound
	}
	return snapshot.Clone(), nil
}

// PutSnapshot stores the build's snapshot, replacing any previous
// one.
func (s *MemoryStore) PutSnapshot(ctx context.Context, snapshot build.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snapshot.BuildID] = snapshot.Clone()
	return nil
}

// ListSnapshots returns stored snapshots for the project, most
// recently started first. A non-positive limit means no limit.
func (s *MemoryStore) ListSnapshots(ctx context.Context, project string, limit int) ([]build.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var snapshots []build.Snapshot
	for _, snapshot := range s.snapshots {
		if snapshot.Project == project {
			snapshots = append(snapshots, snapshot.Clone())
		}
	}
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].StartedAt > snapshots[j].StartedAt
	})
	if limit > 0 && len(snapshots) > limit {
		snapshots = snapshots[:limit]
	}
	return snapshots, nil
}

// EventCount returns the number of stored events for the build.
// Test helper.
func (s *MemoryStore) EventCount(buildID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events[buildID])
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

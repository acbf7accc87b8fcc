// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package hub

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kiln-build/kiln/lib/schema/build"
)

// errUnknownBuild marks an operation referencing a build the hub has
// no state for and cannot create implicitly (no project on the
// envelope to create it under).
var errUnknownBuild = errors.New("unknown build")

// buildState is one build's live state. The mutex serializes apply
// calls for this build only; concurrent events for different builds
// never contend.
type buildState struct {
	mu   sync.Mutex
	snap build.Snapshot

	// lastAgentSeen is the hub clock in epoch milliseconds at the
	// last applied event or heartbeat from the build's agent. The
	// liveness sweeper fails builds whose agent has gone quiet.
	lastAgentSeen int64
}

// snapshot returns a deep copy of the current state.
func (b *buildState) snapshot() build.Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snap.Clone()
}

// touchAgent records agent liveness at now.
func (b *buildState) touchAgent(now time.Time) {
	b.mu.Lock()
	b.lastAgentSeen = now.UnixMilli()
	b.mu.Unlock()
}

// agentSeen reports the last agent activity time.
func (b *buildState) agentSeen() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.UnixMilli(b.lastAgentSeen)
}

// StateTable holds the live build set. The table mutex covers only
// the map; each build's state has its own lock.
type StateTable struct {
	mu     sync.RWMutex
	builds map[string]*buildState
}

// NewStateTable creates an empty build table.
func NewStateTable() *StateTable {
	return &StateTable{builds: make(map[string]*buildState)}
}

// Project resolves the project of a live build without creating
// state. Used by the router to authorize events that omit the
// project field.
func (t *StateTable) Project(buildID string) (string, bool) {
	t.mu.RLock()
	state, ok := t.builds[buildID]
	t.mu.RUnlock()
	if !ok {
		return "", false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.snap.Project, true
}

// Apply runs one validated lifecycle envelope through the build's
// state machine and returns the accepted event plus the resulting
// snapshot. The returned bool reports whether this apply moved the
// build into a terminal status.
//
// State rules: BUILD_START moves PENDING to RUNNING; an event for an
// unknown build id with a project creates the build as PENDING
// (BUILD_START creates it RUNNING); terminal statuses absorb, so
// later events mutate nothing, bump the post-terminal counter, and
// come back tagged; BUILD_UPDATE progress below the current value is
// clamped to it, never rejected; metrics merge key-wise with the
// latest value winning.
//
// The sequence number is assigned here, under the build's own mutex:
// strictly increasing per build, gap-free at assignment, covering
// post-terminal events too.
func (t *StateTable) Apply(env *build.Envelope, now time.Time) (*build.Event, build.Snapshot, bool, error) {
	var (
		start    build.StartData
		update   build.UpdateData
		complete build.CompleteData
		err      error
	)
	switch env.Kind {
	case build.KindBuildStart:
		start, err = env.DecodeStart()
	case build.KindBuildUpdate:
		update, err = env.DecodeUpdate()
	case build.KindBuildComplete:
		complete, err = env.DecodeComplete()
	default:
		err = fmt.Errorf("kind %s is not a lifecycle event", env.Kind)
	}
	if err != nil {
		return nil, build.Snapshot{}, false, err
	}

	state, err := t.resolve(env)
	if err != nil {
		return nil, build.Snapshot{}, false, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	if env.Project != "" && env.Project != state.snap.Project {
		return nil, build.Snapshot{}, false, fmt.Errorf("project %q does not match build project %q",
			env.Project, state.snap.Project)
	}

	postTerminal := state.snap.Status.Terminal()
	terminal := false

	if postTerminal {
		state.snap.PostTerminalEvents++
	} else {
		switch env.Kind {
		case build.KindBuildStart:
			state.snap.Status = build.StatusRunning
			if state.snap.StartedAt == 0 {
				state.snap.StartedAt = now.UnixMilli()
			}
			for key, value := range start.Metadata {
				if state.snap.Metadata == nil {
					state.snap.Metadata = make(map[string]string, len(start.Metadata))
				}
				state.snap.Metadata[key] = value
			}

		case build.KindBuildUpdate:
			if update.Progress > state.snap.Progress {
				state.snap.Progress = update.Progress
			}
			for key, value := range update.Metrics {
				if state.snap.Metrics == nil {
					state.snap.Metrics = make(map[string]float64, len(update.Metrics))
				}
				state.snap.Metrics[key] = value
			}

		case build.KindBuildComplete:
			state.snap.Status = complete.Status
			state.snap.Error = complete.Error
			state.snap.EndedAt = now.UnixMilli()
			terminal = true
		}
	}

	state.snap.Seq++
	state.lastAgentSeen = now.UnixMilli()

	event := &build.Event{
		Kind:         env.Kind,
		BuildID:      state.snap.BuildID,
		Project:      state.snap.Project,
		Seq:          state.snap.Seq,
		HubTime:      now.UnixMilli(),
		SenderTime:   env.Timestamp,
		Data:         env.Data,
		PostTerminal: postTerminal,
	}
	return event, state.snap.Clone(), terminal, nil
}

// resolve finds the build's state, creating it when the envelope
// carries enough to create it under: BUILD_START creates RUNNING
// state (the status transition happens in Apply), any other
// lifecycle kind with a project creates PENDING state. Without a
// project there is nothing to authorize or fan out against, so the
// event is rejected as an unknown build.
func (t *StateTable) resolve(env *build.Envelope) (*buildState, error) {
	t.mu.RLock()
	state, ok := t.builds[env.BuildID]
	t.mu.RUnlock()
	if ok {
		return state, nil
	}
	if env.Project == "" {
		return nil, fmt.Errorf("%w %q", errUnknownBuild, env.BuildID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if state, ok := t.builds[env.BuildID]; ok {
		return state, nil
	}
	state = &buildState{
		snap: build.Snapshot{
			BuildID: env.BuildID,
			Project: env.Project,
			Status:  build.StatusPending,
		},
	}
	t.builds[env.BuildID] = state
	return state, nil
}

// Snapshot returns a deep copy of one build's state.
func (t *StateTable) Snapshot(buildID string) (build.Snapshot, bool) {
	t.mu.RLock()
	state, ok := t.builds[buildID]
	t.mu.RUnlock()
	if !ok {
		return build.Snapshot{}, false
	}
	return state.snapshot(), true
}

// Snapshots returns deep copies of live builds, ordered by start
// time then build id so subscribe and resync bursts are
// deterministic. A non-empty project filters to that project; empty
// matches all builds.
func (t *StateTable) Snapshots(project string) []build.Snapshot {
	var snaps []build.Snapshot
	for _, state := range t.states() {
		snap := state.snapshot()
		if project == "" || snap.Project == project {
			snaps = append(snaps, snap)
		}
	}
	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].StartedAt != snaps[j].StartedAt {
			return snaps[i].StartedAt < snaps[j].StartedAt
		}
		return snaps[i].BuildID < snaps[j].BuildID
	})
	return snaps
}

// TouchAgent records agent liveness for a build, from heartbeats.
// Unknown ids are ignored: heartbeats never create state.
func (t *StateTable) TouchAgent(buildID string, now time.Time) {
	t.mu.RLock()
	state, ok := t.builds[buildID]
	t.mu.RUnlock()
	if ok {
		state.touchAgent(now)
	}
}

// Evict removes a build from the live table. History retains it.
func (t *StateTable) Evict(buildID string) {
	t.mu.Lock()
	delete(t.builds, buildID)
	t.mu.Unlock()
}

// Len reports the number of live builds.
func (t *StateTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.builds)
}

// states snapshots the live build set for the sweeper.
func (t *StateTable) states() []*buildState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	states := make([]*buildState, 0, len(t.builds))
	for _, state := range t.builds {
		states = append(states, state)
	}
	return states
}

// StatusCounts reports live builds per status for the status action.
func (t *StateTable) StatusCounts() map[build.Status]int {
	counts := make(map[build.Status]int)
	for _, state := range t.states() {
		snap := state.snapshot()
		counts[snap.Status]++
	}
	return counts
}

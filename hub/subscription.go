// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package hub

import (
	"sync"

	"github.com/kiln-build/kiln/lib/schema/build"
)

// kindAll is the index slot for subscriptions with no event filter.
const kindAll = build.Kind("*")

// SubscriptionIndex maps project and event kind to the connections
// interested in them. A forward map drives fan-out; a reverse map
// makes connection teardown O(its own interest) instead of a full
// scan.
//
// One coarse mutex covers both maps. Subscribe and unsubscribe are
// rare next to routing, and Match copies the id set out before the
// caller touches any queue, so the lock is never held across I/O.
type SubscriptionIndex struct {
	mu sync.Mutex

	// byProject is project -> kind -> connection ids. The kindAll
	// slot holds subscriptions that want every kind.
	byProject map[string]map[build.Kind]map[string]struct{}

	// byConn is connection id -> project -> kinds, mirroring
	// byProject for teardown and for replacing a project's filter on
	// repeated SUBSCRIBE.
	byConn map[string]map[string]map[build.Kind]struct{}
}

// NewSubscriptionIndex creates an empty index.
func NewSubscriptionIndex() *SubscriptionIndex {
	return &SubscriptionIndex{
		byProject: make(map[string]map[build.Kind]map[string]struct{}),
		byConn:    make(map[string]map[string]map[build.Kind]struct{}),
	}
}

// Subscribe records the connection's interest in the projects. An
// empty kinds list means all kinds. A repeated SUBSCRIBE for a
// project replaces that project's kind filter rather than extending
// it, so a subscriber can narrow its interest without a round of
// unsubscribes.
func (x *SubscriptionIndex) Subscribe(connID string, projects []string, kinds []build.Kind) {
	slots := []build.Kind{kindAll}
	if len(kinds) > 0 {
		slots = kinds
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	for _, project := range projects {
		x.dropLocked(connID, project)

		forward := x.byProject[project]
		if forward == nil {
			forward = make(map[build.Kind]map[string]struct{})
			x.byProject[project] = forward
		}
		reverse := x.byConn[connID]
		if reverse == nil {
			reverse = make(map[string]map[build.Kind]struct{})
			x.byConn[connID] = reverse
		}
		reverse[project] = make(map[build.Kind]struct{}, len(slots))

		for _, kind := range slots {
			ids := forward[kind]
			if ids == nil {
				ids = make(map[string]struct{})
				forward[kind] = ids
			}
			ids[connID] = struct{}{}
			reverse[project][kind] = struct{}{}
		}
	}
}

// Unsubscribe withdraws interest. An empty kinds list removes the
// whole project; a non-empty list removes only those kinds, leaving
// any remaining interest in place.
func (x *SubscriptionIndex) Unsubscribe(connID string, projects []string, kinds []build.Kind) {
	x.mu.Lock()
	defer x.mu.Unlock()

	for _, project := range projects {
		if len(kinds) == 0 {
			x.dropLocked(connID, project)
			continue
		}
		reverse := x.byConn[connID]
		if reverse == nil {
			continue
		}
		for _, kind := range kinds {
			x.removeLocked(connID, project, kind)
			delete(reverse[project], kind)
		}
		if len(reverse[project]) == 0 {
			delete(reverse, project)
		}
		if len(reverse) == 0 {
			delete(x.byConn, connID)
		}
	}
}

// DropConnection removes every subscription the connection holds.
// Called during stream teardown.
func (x *SubscriptionIndex) DropConnection(connID string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	for project := range x.byConn[connID] {
		x.dropLocked(connID, project)
	}
}

// Match returns the ids of connections subscribed to the project for
// the given event kind: exact-kind subscribers plus all-kind
// subscribers, deduplicated.
func (x *SubscriptionIndex) Match(project string, kind build.Kind) []string {
	x.mu.Lock()
	defer x.mu.Unlock()

	forward := x.byProject[project]
	if forward == nil {
		return nil
	}

	seen := make(map[string]struct{}, len(forward[kindAll])+len(forward[kind]))
	for id := range forward[kindAll] {
		seen[id] = struct{}{}
	}
	for id := range forward[kind] {
		seen[id] = struct{}{}
	}
	if len(seen) == 0 {
		return nil
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	return ids
}

// Projects returns the projects the connection is subscribed to.
func (x *SubscriptionIndex) Projects(connID string) []string {
	x.mu.Lock()
	defer x.mu.Unlock()

	reverse := x.byConn[connID]
	if len(reverse) == 0 {
		return nil
	}
	projects := make([]string, 0, len(reverse))
	for project := range reverse {
		projects = append(projects, project)
	}
	return projects
}

// Len reports the number of connections holding any subscription.
func (x *SubscriptionIndex) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.byConn)
}

// dropLocked removes all of the connection's interest in one project
// from both maps. Caller holds the mutex.
func (x *SubscriptionIndex) dropLocked(connID, project string) {
	reverse := x.byConn[connID]
	for kind := range reverse[project] {
		x.removeLocked(connID, project, kind)
	}
	delete(reverse, project)
	if len(reverse) == 0 {
		delete(x.byConn, connID)
	}
}

// removeLocked removes one (project, kind, conn) edge from the
// forward map, pruning empty levels. Caller holds the mutex.
func (x *SubscriptionIndex) removeLocked(connID, project string, kind build.Kind) {
	forward := x.byProject[project]
	if forward == nil {
		return
	}
	ids := forward[kind]
	if ids == nil {
		return
	}
	delete(ids, connID)
	if len(ids) == 0 {
		delete(forward, kind)
	}
	if len(forward) == 0 {
		delete(x.byProject, project)
	}
}

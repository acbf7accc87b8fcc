// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package hub

import (
	"context"
	"fmt"
	"time"

	"github.com/kiln-build/kiln/lib/schema/build"
)

// resyncQueryTimeout bounds the history reads for one resync. The
// read runs on the requesting connection's reader goroutine; a store
// that cannot answer in this window degrades that one resync to a
// fresh view instead of wedging the connection.
const resyncQueryTimeout = 10 * time.Second

// resync answers a RESYNC_REQUEST: every live build of the project
// as a BUILD_SNAPSHOT tagged resync, then the backlog of events in
// (lastSeenSeq, liveSeq] per build, replayed in order from history.
//
// The replay degrades to snapshots alone, flagged fresh-view, when
// the subscriber has seen nothing (lastSeenSeq zero), when the store
// is unavailable, or when the total gap exceeds the configured
// backlog cap. A project with no live builds yields nothing at all:
// an unknown project and an idle one are indistinguishable here, and
// neither is an error.
//
// Live fan-out continues while the resync is queued, so a new event
// can land between the snapshots and the replayed backlog. That is
// safe by construction: seqs let the subscriber drop anything it has
// already applied, and replaying an event at or below a snapshot's
// seq changes nothing.
func (r *Router) resync(conn *connection, env *build.Envelope) bool {
	data, err := env.DecodeResync()
	if err != nil {
		return r.violation(conn, build.CodeProtocolError, err.Error())
	}
	if !conn.token.ProjectAllowed(data.Project) {
		return r.violation(conn, build.CodeForbidden,
			fmt.Sprintf("token does not grant project %q", data.Project))
	}

	r.resyncs.Add(1)

	snaps := r.table.Snapshots(data.Project)
	if len(snaps) == 0 {
		r.logger.Debug("resync of idle project",
			"connection", conn.id,
			"project", data.Project,
		)
		return true
	}

	if data.LastSeenSeq == 0 {
		// Nothing seen yet: current state is the whole story.
		r.enqueueSnapshots(conn, snaps, true, false)
		return true
	}

	var totalGap uint64
	for _, snap := range snaps {
		if snap.Seq > data.LastSeenSeq {
			totalGap += snap.Seq - data.LastSeenSeq
		}
	}

	storeFailed := r.appender.Unavailable()
	tooLarge := totalGap > uint64(r.maxBacklog)

	var backlog []build.Event
	if !storeFailed && !tooLarge && totalGap > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), resyncQueryTimeout)
		defer cancel()
		for _, snap := range snaps {
			if snap.Seq <= data.LastSeenSeq {
				continue
			}
			events, err := r.store.QueryRange(ctx, snap.BuildID, data.LastSeenSeq, snap.Seq)
			if err != nil {
				r.logger.Warn("resync history read failed",
					"connection", conn.id,
					"project", data.Project,
					"build", snap.BuildID,
					"error", err,
				)
				storeFailed = true
				backlog = nil
				break
			}
			backlog = append(backlog, events...)
		}
	}

	freshView := storeFailed || tooLarge
	if storeFailed {
		r.warn(conn, build.CodeStoreUnavailable,
			"history unavailable, resync degraded to a fresh view")
	}
	if freshView {
		r.freshViews.Add(1)
	}

	r.enqueueSnapshots(conn, snaps, true, freshView)
	for i := range backlog {
		conn.enqueue(backlog[i].Envelope())
	}
	r.backlogReplayed.Add(uint64(len(backlog)))

	r.logger.Debug("resync served",
		"connection", conn.id,
		"project", data.Project,
		"snapshots", len(snaps),
		"backlog", len(backlog),
		"fresh_view", freshView,
	)
	return true
}

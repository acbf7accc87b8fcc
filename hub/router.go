// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package hub

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/kiln-build/kiln/history"
	"github.com/kiln-build/kiln/lib/clock"
	"github.com/kiln-build/kiln/lib/codec"
	"github.com/kiln-build/kiln/lib/hubtoken"
	"github.com/kiln-build/kiln/lib/schema/build"
)

// Router is the inbound frame pipeline: decode, validate, authorize,
// apply, persist, fan out. One Router serves every connection; it is
// safe for concurrent use by all reader goroutines because state
// lives in the table, index, and registry, each with its own
// locking discipline.
//
// Errors never propagate out of Route. Malformed or unauthorized
// frames turn into ERROR envelopes on the offending connection and
// count toward its violation threshold; nothing a single connection
// sends can disturb another connection or build.
type Router struct {
	table    *StateTable
	index    *SubscriptionIndex
	registry *Registry
	projects *ProjectRegistry
	appender *history.Appender
	store    history.Store
	clock    clock.Clock
	logger   *slog.Logger

	violationThreshold int
	maxBacklog         int

	eventsRouted    atomic.Uint64
	fanoutSends     atomic.Uint64
	protocolErrors  atomic.Uint64
	forbidden       atomic.Uint64
	unknownBuilds   atomic.Uint64
	resyncs         atomic.Uint64
	freshViews      atomic.Uint64
	backlogReplayed atomic.Uint64
}

// Route processes one inbound frame from a connection's reader
// goroutine. The raw bytes are the CBOR envelope as read off the
// wire. Returns false when the connection has crossed its violation
// threshold and must close.
func (r *Router) Route(conn *connection, raw []byte) bool {
	conn.touch(r.clock.Now())

	var env build.Envelope
	if err := codec.Unmarshal(raw, &env); err != nil {
		return r.violation(conn, build.CodeProtocolError, fmt.Sprintf("malformed envelope: %v", err))
	}
	if err := env.Validate(); err != nil {
		return r.violation(conn, build.CodeProtocolError, err.Error())
	}

	// The connection's role is fixed by the stream it opened: emit
	// streams are agents, watch streams are subscribers, whatever
	// else the token would allow.
	switch {
	case env.Kind == build.KindHeartbeat:
		r.heartbeat(conn, &env)
		return true

	case env.Kind.Lifecycle():
		if conn.role != hubtoken.RoleAgent {
			return r.violation(conn, build.CodeForbidden,
				fmt.Sprintf("%s is not accepted on a watch stream", env.Kind))
		}
		return r.lifecycle(conn, &env)

	case env.Kind == build.KindSubscribe, env.Kind == build.KindUnsubscribe:
		if conn.role != hubtoken.RoleSubscriber {
			return r.violation(conn, build.CodeForbidden,
				fmt.Sprintf("%s is not accepted on an emit stream", env.Kind))
		}
		return r.subscribe(conn, &env)

	case env.Kind == build.KindResyncRequest:
		if conn.role != hubtoken.RoleSubscriber {
			return r.violation(conn, build.CodeForbidden,
				"RESYNC_REQUEST is not accepted on an emit stream")
		}
		return r.resync(conn, &env)

	default:
		return r.violation(conn, build.CodeProtocolError,
			fmt.Sprintf("%s is an outbound kind", env.Kind))
	}
}

// heartbeat records liveness. Heartbeats are not routed to
// subscribers and not persisted. A heartbeat naming a build touches
// that build; a bare heartbeat touches every build the connection
// has emitted for.
func (r *Router) heartbeat(conn *connection, env *build.Envelope) {
	if conn.role != hubtoken.RoleAgent {
		return
	}
	now := r.clock.Now()
	if env.BuildID != "" {
		r.table.TouchAgent(env.BuildID, now)
		return
	}
	for _, buildID := range conn.ownedBuilds() {
		r.table.TouchAgent(buildID, now)
	}
}

// lifecycle applies a BUILD_START, BUILD_UPDATE, or BUILD_COMPLETE:
// project authorization, the per-build state machine, async
// persistence, then fan-out.
func (r *Router) lifecycle(conn *connection, env *build.Envelope) bool {
	project := env.Project
	if project == "" {
		existing, ok := r.table.Project(env.BuildID)
		if !ok {
			r.unknownBuilds.Add(1)
			return r.warn(conn, build.CodeUnknownBuild,
				fmt.Sprintf("no live build %q and no project to create it under", env.BuildID))
		}
		project = existing
	}
	if !conn.token.ProjectAllowed(project) {
		return r.violation(conn, build.CodeForbidden,
			fmt.Sprintf("token does not grant project %q", project))
	}
	if !r.projects.Accepts(project) {
		return r.violation(conn, build.CodeForbidden,
			fmt.Sprintf("project %q is not declared and the registry is closed", project))
	}

	// A BUILD_START may arrive without a build id; the hub mints one.
	// Subscribers learn it from the fan-out frame. The agent never
	// does, so such builds end through BUILD_COMPLETE only if the
	// agent chose the id itself, otherwise through the grace sweeper.
	if env.BuildID == "" {
		env.BuildID = uuid.NewString()
	}

	event, snap, terminal, err := r.apply(env)
	if err != nil {
		if errors.Is(err, errUnknownBuild) {
			// The build was evicted between the project lookup above
			// and the apply.
			r.unknownBuilds.Add(1)
			return r.warn(conn, build.CodeUnknownBuild, err.Error())
		}
		return r.violation(conn, build.CodeProtocolError, err.Error())
	}

	conn.ownBuild(event.BuildID)

	if terminal {
		r.logger.Info("build finished",
			"build", event.BuildID,
			"project", event.Project,
			"status", snap.Status,
			"seq", event.Seq,
		)
	} else {
		r.logger.Debug("event applied",
			"build", event.BuildID,
			"project", event.Project,
			"kind", event.Kind,
			"seq", event.Seq,
			"post_terminal", event.PostTerminal,
		)
	}
	return true
}

// apply runs one validated envelope through the state machine,
// queues it for persistence, and fans it out. Shared by lifecycle
// routing and the liveness sweeper's synthesized completions.
func (r *Router) apply(env *build.Envelope) (*build.Event, build.Snapshot, bool, error) {
	event, snap, terminal, err := r.table.Apply(env, r.clock.Now())
	if err != nil {
		return nil, build.Snapshot{}, false, err
	}
	r.eventsRouted.Add(1)

	// Persistence is asynchronous: a slow or down store delays
	// history, never routing.
	r.appender.AppendEvent(event)
	if terminal {
		r.appender.PutSnapshot(snap)
	}

	r.fanOut(event)
	return event, snap, terminal, nil
}

// fanOut delivers an accepted event to every matching subscriber
// queue. Deregistered connections are skipped inside Enqueue.
func (r *Router) fanOut(event *build.Event) {
	ids := r.index.Match(event.Project, event.Kind)
	if len(ids) == 0 {
		return
	}
	env := event.Envelope()
	for _, id := range ids {
		r.registry.Enqueue(id, env)
	}
	r.fanoutSends.Add(uint64(len(ids)))
}

// subscribe handles SUBSCRIBE and UNSUBSCRIBE. Projects the token
// does not grant are refused with a single FORBIDDEN violation;
// granted projects in the same frame still take effect, and each one
// gets a burst of BUILD_SNAPSHOT frames for its live builds.
func (r *Router) subscribe(conn *connection, env *build.Envelope) bool {
	data, err := env.DecodeSubscribe()
	if err != nil {
		return r.violation(conn, build.CodeProtocolError, err.Error())
	}

	if env.Kind == build.KindUnsubscribe {
		r.index.Unsubscribe(conn.id, data.Projects, data.Events)
		return true
	}
	return r.applySubscribe(conn, data)
}

// applySubscribe is the SUBSCRIBE core, also invoked for a
// subscription declared in the watch stream handshake.
func (r *Router) applySubscribe(conn *connection, data build.SubscribeData) bool {
	granted := make([]string, 0, len(data.Projects))
	var denied []string
	for _, project := range data.Projects {
		if conn.token.ProjectAllowed(project) {
			granted = append(granted, project)
		} else {
			denied = append(denied, project)
		}
	}

	if len(granted) > 0 {
		r.index.Subscribe(conn.id, granted, data.Events)
		for _, project := range granted {
			snaps := r.table.Snapshots(project)
			r.enqueueSnapshots(conn, snaps, false, false)
		}
		r.logger.Debug("subscribed",
			"connection", conn.id,
			"principal", conn.principal,
			"projects", granted,
		)
	}

	if len(denied) > 0 {
		return r.violation(conn, build.CodeForbidden,
			fmt.Sprintf("token does not grant projects: %s", strings.Join(denied, ", ")))
	}
	return true
}

// enqueueSnapshots tags and delivers a snapshot burst to one
// connection.
func (r *Router) enqueueSnapshots(conn *connection, snaps []build.Snapshot, resync, freshView bool) {
	for i := range snaps {
		snaps[i].Resync = resync
		snaps[i].FreshView = freshView
		env, err := snaps[i].Envelope()
		if err != nil {
			r.logger.Error("encoding snapshot failed",
				"build", snaps[i].BuildID,
				"error", err,
			)
			continue
		}
		conn.enqueue(env)
	}
}

// violation reports a counted error to the connection. Crossing the
// threshold closes it; the ERROR frame is queued first so a draining
// client sees why.
func (r *Router) violation(conn *connection, code build.ErrorCode, message string) bool {
	switch code {
	case build.CodeProtocolError:
		r.protocolErrors.Add(1)
	case build.CodeForbidden:
		r.forbidden.Add(1)
	}
	r.sendError(conn, code, message)

	count := conn.violations.Add(1)
	if int(count) < r.violationThreshold {
		return true
	}
	r.logger.Warn("violation threshold crossed, closing connection",
		"connection", conn.id,
		"principal", conn.principal,
		"violations", count,
		"last_error", message,
	)
	conn.close()
	return false
}

// warn reports an uncounted error (UNKNOWN_BUILD, STORE_UNAVAILABLE):
// advisory, the connection stays healthy.
func (r *Router) warn(conn *connection, code build.ErrorCode, message string) bool {
	r.sendError(conn, code, message)
	return true
}

// sendError queues an ERROR envelope on the connection.
func (r *Router) sendError(conn *connection, code build.ErrorCode, message string) {
	data, err := codec.Marshal(build.ErrorData{Code: code, Message: message})
	if err != nil {
		r.logger.Error("encoding error payload failed", "error", err)
		return
	}
	conn.enqueue(build.Envelope{
		Kind:      build.KindError,
		Data:      data,
		Timestamp: r.clock.Now().UnixMilli(),
	})
}

// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package watch

import "github.com/kiln-build/kiln/lib/schema/build"

// NotificationKind discriminates the payload of a Notification.
type NotificationKind int

const (
	// NoteConnected reports an accepted handshake. Welcome is set.
	NoteConnected NotificationKind = iota

	// NoteDisconnected reports a lost connection the watcher is about
	// to retry. Err is set unless the hub closed the stream cleanly.
	NoteDisconnected

	// NoteSnapshot carries the full state of one build. Snapshot is
	// set. Sent on subscribe and resync; Snapshot.Resync and
	// Snapshot.FreshView tell the two apart.
	NoteSnapshot

	// NoteEvent carries one applied lifecycle event. Frame is set to
	// the BUILD_EVENT envelope: the lifecycle kind in Frame.Event,
	// the hub sequence in Frame.Seq, the payload in Frame.Data.
	NoteEvent

	// NoteGap reports events dropped upstream. Gap is set. The
	// watcher has already requested a resync unless one was sent
	// moments before.
	NoteGap

	// NoteHubNotice carries an ERROR frame from the hub: a warning on
	// a connection that stays open, or the goodbye before it closes.
	// Notice is set.
	NoteHubNotice
)

func (k NotificationKind) String() string {
	switch k {
	case NoteConnected:
		return "connected"
	case NoteDisconnected:
		return "disconnected"
	case NoteSnapshot:
		return "snapshot"
	case NoteEvent:
		return "event"
	case NoteGap:
		return "gap"
	case NoteHubNotice:
		return "hub-notice"
	default:
		return "unknown"
	}
}

// Notification is one delivery from the watcher to its consumer. Kind
// selects which payload field is set; the rest are nil.
type Notification struct {
	Kind NotificationKind

	Welcome  *build.Welcome
	Snapshot *build.Snapshot
	Frame    *build.Envelope
	Gap      *build.GapData
	Notice   *build.ErrorData
	Err      error
}

// Stats is a snapshot of the watcher's operational counters.
type Stats struct {
	// FramesReceived counts every decoded frame, heartbeats included.
	FramesReceived uint64

	// Snapshots and Events count the two delivery kinds forwarded to
	// the consumer.
	Snapshots uint64
	Events    uint64

	// Gaps counts GAP_DETECTED notices; ResyncsSent counts
	// RESYNC_REQUEST frames written, both automatic and manual.
	Gaps        uint64
	ResyncsSent uint64

	// Heartbeats counts hub heartbeat frames.
	Heartbeats uint64

	// Notices counts ERROR frames.
	Notices uint64

	// Reconnects counts established connections that were lost.
	Reconnects uint64
}

// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package build

// Kind identifies the payload shape of an envelope. The protocol is a
// closed set: an envelope whose kind is not listed here is a protocol
// error.
type Kind string

// Inbound kinds from agents.
const (
	// KindBuildStart opens a build. Payload: [StartData].
	KindBuildStart Kind = "BUILD_START"

	// KindBuildUpdate reports progress and metrics for a running
	// build. Payload: [UpdateData].
	KindBuildUpdate Kind = "BUILD_UPDATE"

	// KindBuildComplete closes a build with a terminal status.
	// Payload: [CompleteData].
	KindBuildComplete Kind = "BUILD_COMPLETE"

	// KindHeartbeat is agent liveness during long quiet stretches of
	// a build, and hub keepalive on subscriber streams. No payload.
	// Heartbeats are not routed to subscribers and not persisted.
	KindHeartbeat Kind = "HEARTBEAT"
)

// Inbound kinds from subscribers.
const (
	// KindSubscribe declares interest in projects and event kinds.
	// Payload: [SubscribeData].
	KindSubscribe Kind = "SUBSCRIBE"

	// KindUnsubscribe withdraws interest. Payload: [SubscribeData].
	KindUnsubscribe Kind = "UNSUBSCRIBE"

	// KindResyncRequest asks for snapshots plus backlog replay after
	// a detected gap or reconnect. Payload: [ResyncData].
	KindResyncRequest Kind = "RESYNC_REQUEST"
)

// Outbound kinds to subscribers.
const (
	// KindBuildSnapshot carries the full current state of one build.
	// Sent on subscribe and resync, never as a live increment.
	// Payload: [Snapshot].
	KindBuildSnapshot Kind = "BUILD_SNAPSHOT"

	// KindBuildEvent is an incremental applied event. Carries the
	// hub-assigned seq. Payload: the original inbound payload.
	KindBuildEvent Kind = "BUILD_EVENT"

	// KindGapDetected tells a subscriber its outbound queue dropped
	// events; it should issue a RESYNC_REQUEST. Payload: [GapData].
	KindGapDetected Kind = "GAP_DETECTED"

	// KindError is a protocol or authorization warning on an
	// otherwise healthy connection. Payload: [ErrorData].
	KindError Kind = "ERROR"
)

// AgentEmitted reports whether the kind may be sent by an agent
// connection. Heartbeats count: agents heartbeat during long builds.
func (k Kind) AgentEmitted() bool {
	switch k {
	case KindBuildStart, KindBuildUpdate, KindBuildComplete, KindHeartbeat:
		return true
	}
	return false
}

// SubscriberEmitted reports whether the kind may be sent by a
// subscriber connection.
func (k Kind) SubscriberEmitted() bool {
	switch k {
	case KindSubscribe, KindUnsubscribe, KindResyncRequest, KindHeartbeat:
		return true
	}
	return false
}

// Lifecycle reports whether the kind mutates build state and is
// subject to per-build ordering: BUILD_START, BUILD_UPDATE, or
// BUILD_COMPLETE.
func (k Kind) Lifecycle() bool {
	switch k {
	case KindBuildStart, KindBuildUpdate, KindBuildComplete:
		return true
	}
	return false
}

// Valid reports whether k is a defined protocol kind.
func (k Kind) Valid() bool {
	return k.AgentEmitted() || k.SubscriberEmitted() ||
		k == KindBuildSnapshot || k == KindBuildEvent ||
		k == KindGapDetected || k == KindError
}

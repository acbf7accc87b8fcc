// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package agent

// ConnState is the emitter's position in its connection state
// machine. Transitions are owned by the run loop; [Emitter.State]
// exposes the current value for logging and tests.
//
// The cycle is disconnected -> connecting -> connected, with
// backing-off between failed attempts. A handshake refusal or an
// exhausted attempt budget ends the run loop instead of circling.
type ConnState int32

const (
	// StateDisconnected is the rest state: no connection, no attempt
	// in flight. Entered at creation and after every connection loss.
	StateDisconnected ConnState = iota

	// StateBackingOff is the wait between failed connection attempts.
	// The run loop keeps absorbing events into the outbox while it
	// waits out the interval.
	StateBackingOff

	// StateConnecting covers the dial and the handshake exchange.
	StateConnecting

	// StateConnected is an established stream with an accepted
	// welcome. The attempt counter and backoff interval reset on
	// entry.
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateBackingOff:
		return "backing-off"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package build

import "fmt"

// ProtocolVersion is the wire protocol version spoken on emit and
// watch streams. Clients send it in the stream handshake; the hub
// rejects versions it does not speak.
const ProtocolVersion = 1

// Hello carries the handshake fields a client sends when opening an
// emit or watch stream, beyond the transport-level "action" and
// "token" fields that lib/service consumes.
type Hello struct {
	// Protocol is the client's wire protocol version. Zero is
	// treated as version 1 for clients predating the field.
	Protocol int `cbor:"protocol,omitempty"`

	// Subscribe is an optional initial subscription for watch
	// streams, applied before the first event is queued. Declaring
	// projects here saves a round trip and lets the hub size the
	// connection's outbound queue with any per-project override.
	Subscribe *SubscribeData `cbor:"subscribe,omitempty"`
}

// Welcome is the first frame the hub sends on an emit or watch
// stream. On success OK is true and the operational fields describe
// the hub's service parameters; on rejection OK is false, Error
// carries the human-readable reason, and Code classifies it.
//
// The ok/error fields mirror the transport's response envelope, so a
// client can decode the first frame as a Welcome regardless of
// whether the handshake was rejected by the transport layer
// (authentication) or by the hub (authorization, protocol version).
type Welcome struct {
	OK    bool      `cbor:"ok"`
	Error string    `cbor:"error,omitempty"`
	Code  ErrorCode `cbor:"code,omitempty"`

	// ConnectionID is the hub-assigned identifier for this
	// connection, echoed in hub log lines for correlation.
	ConnectionID string `cbor:"connection_id,omitempty"`

	// HeartbeatSeconds is the interval at which the peer should send
	// (agents) or expect (subscribers) heartbeat frames.
	HeartbeatSeconds int `cbor:"heartbeat_seconds,omitempty"`

	// QueueCapacity is the per-connection outbound queue size. A
	// subscriber that falls more than this many events behind starts
	// losing events and receives GAP_DETECTED.
	QueueCapacity int `cbor:"queue_capacity,omitempty"`

	// StoreDegraded reports that the history store was unavailable
	// when the stream opened. Resyncs will return snapshot-only
	// views until the store recovers.
	StoreDegraded bool `cbor:"store_degraded,omitempty"`

	// Protocol is the hub's wire protocol version.
	Protocol int `cbor:"protocol,omitempty"`
}

// RefusalError is a rejected stream handshake: the hub answered with
// an unwelcome. Retrying with the same token and protocol cannot
// succeed, so clients treat it as permanent.
type RefusalError struct {
	Code    ErrorCode
	Message string
}

func (e *RefusalError) Error() string {
	return fmt.Sprintf("stream refused: %s (%s)", e.Message, e.Code)
}

// Refusal returns the handshake rejection as a *RefusalError, or nil
// if the welcome accepted the stream.
func (w *Welcome) Refusal() error {
	if w.OK {
		return nil
	}
	return &RefusalError{Code: w.Code, Message: w.Error}
}

// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package build

// ErrorCode classifies ERROR frames. Subscribers and agents branch on
// the code; Message is for humans.
type ErrorCode string

const (
	// CodeProtocolError covers malformed envelopes: unknown kind,
	// missing required fields, payloads that fail validation. Counted
	// against the connection's violation threshold.
	CodeProtocolError ErrorCode = "PROTOCOL_ERROR"

	// CodeForbidden means the sender's token does not grant the
	// project it tried to touch.
	CodeForbidden ErrorCode = "FORBIDDEN"

	// CodeUnknownBuild means an operation referenced a build the hub
	// has no state for and cannot create implicitly.
	CodeUnknownBuild ErrorCode = "UNKNOWN_BUILD"

	// CodeQueueOverflow accompanies a connection close when the
	// subscriber's queue overflowed beyond recovery. Ordinary drops
	// surface as GAP_DETECTED instead.
	CodeQueueOverflow ErrorCode = "QUEUE_OVERFLOW"

	// CodeStoreUnavailable means a resync could not read history; the
	// response degraded to a fresh view.
	CodeStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
)

// Valid reports whether the code is part of the taxonomy.
func (c ErrorCode) Valid() bool {
	switch c {
	case CodeProtocolError, CodeForbidden, CodeUnknownBuild,
		CodeQueueOverflow, CodeStoreUnavailable:
		return true
	}
	return false
}

// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

// Package hub implements the Kiln event hub: the single process that
// accepts build lifecycle events from agents, serializes them per
// build, persists them through an async appender, and fans them out
// to subscribers.
//
// The hub is composed of four explicitly owned pieces wired together
// by [Hub]:
//
//   - [Registry]: live connections, each with a bounded outbound
//     queue. A full queue drops its oldest envelope rather than
//     blocking the router; the affected subscriber is told via
//     GAP_DETECTED and recovers with a resync.
//   - [StateTable]: per-build state machines. Sequence numbers are
//     assigned under each build's own mutex, so builds never contend
//     with each other.
//   - [SubscriptionIndex]: project/kind interest maps for fan-out.
//   - [Router]: the inbound pipeline. Decode, validate, authorize,
//     apply, persist, fan out. Safe for concurrent use by every
//     connection's reader goroutine.
//
// Each connection runs two goroutines: a reader that decodes frames
// and calls the router, and a drainer that writes queued envelopes to
// the socket. No lock is held across a store call or a socket write.
package hub

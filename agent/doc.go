// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent is the emitter side of the Kiln protocol: the client
// library a build wrapper uses to report one build's lifecycle to the
// hub.
//
// The center is [Emitter]. Its Start, Update, and Complete methods
// are thin adapters over a typed event channel: each builds an
// envelope and hands it to the run loop, which owns the connection.
// [Emitter.Run] drives an explicit connection state machine
// (disconnected, connecting, connected, backing off) with capped
// attempts and exponentially growing retry intervals. Events that
// could not be written ride in an outbox and are replayed after
// reconnect; replays are harmless because the hub clamps regressive
// progress and absorbs terminal states, so a duplicate update mutates
// nothing.
//
// Progress comes from one of two sources: [ScanOutput] parses
// ninja-style "[N/M]" and percent prefixes off the wrapped command's
// stdout, and [WatchProgressFile] tails a progress file with inotify
// for build systems that write their status to disk instead.
package agent

// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

// Package history is the hub's durable event store: every applied
// lifecycle event and the latest snapshot of every build, queryable
// by per-build sequence range for resync backlog replay.
//
// The hub never writes to a Store directly from the routing path.
// All writes go through an [Appender], a single background goroutine
// with a bounded queue and retry backoff, so a slow or unavailable
// backend costs the hub nothing but replay depth.
//
// Three backends implement [Store]: [SQLiteStore] (the default,
// single file, WAL mode), [RedisStore] (shared deployments), and
// [MemoryStore] (tests and throwaway dev runs). SQLite and Redis
// also implement [Compactor]: event rows of long-closed builds are
// folded into compressed, digest-checked bundles that QueryRange
// reads transparently.
package history

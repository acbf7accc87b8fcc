// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

// Package watch is the subscriber side of the Kiln protocol: the
// client library a dashboard or tool uses to follow builds through
// the hub.
//
// [Watcher.Run] owns the watch stream. It declares the initial
// subscription in the handshake, forwards the snapshot burst and
// every subsequent frame as [Notification] values on a single
// channel, and reconnects with backoff when the stream drops. The
// watcher tracks the highest sequence number seen per project; on a
// GAP_DETECTED notice, and again after every reconnect, it requests a
// resync from that position so the hub can replay the missed backlog.
//
// Consumers range over [Watcher.Notifications] and switch on the
// notification kind. Connection transitions arrive on the same
// channel, so a consumer needs no second signal path to render
// "reconnecting" state.
package watch

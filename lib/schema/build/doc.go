// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

// Package build defines the Kiln wire protocol and build data model:
// envelope and payload shapes for agent and subscriber streams, the
// build status enumeration, applied event records, and build
// snapshots.
//
// The protocol is a closed set of tagged variants: every frame is an
// [Envelope] whose Kind selects a statically known payload shape.
// Anything that does not match a known kind, or whose payload fails
// validation, is a protocol error — the hub never guesses at intent.
//
// All types serialize as CBOR (see lib/codec). The envelope's Data
// field is a raw CBOR value decoded on demand by the kind-specific
// helpers, so the router can route and persist frames without paying
// for payload decoding it does not need.
package build

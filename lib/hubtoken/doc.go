// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

// Package hubtoken implements Ed25519-signed bearer tokens for
// authenticating agents and subscribers to the Kiln hub.
//
// The hub accepts connections from many principals on shared
// listeners (a Unix socket locally, optionally TCP for remote agents)
// with no inherent way to distinguish callers. Each caller presents a
// token in its first frame. The token proves the caller's identity,
// fixes its role (agent, subscriber, or admin), and carries the
// project patterns it may touch. The hub verifies tokens
// cryptographically; no authority round-trip is involved.
//
// # Wire format
//
// A token is raw bytes: CBOR-encoded payload followed by a 64-byte
// Ed25519 signature over the payload bytes.
//
//	[CBOR payload bytes] [64-byte Ed25519 signature]
//
// The split point is always len(token) - 64. No header, no length
// prefix, no base64 — the algorithm is fixed and the signature size
// is constant.
//
// # Project authorization
//
// Projects form a /-separated hierarchy ("llvm", "llvm/clang",
// "ci/nightly/torch-mlir"). Token project patterns use glob syntax:
// "llvm/*" grants the direct children of llvm, "ci/**" grants the
// whole ci subtree, "*" or "**" grants everything. An empty pattern
// list grants nothing.
//
// # Dependencies
//
// This package depends on crypto/ed25519 for signing, lib/codec for
// CBOR encoding, and standard library packages only. Both the hub and
// the clients import it without pulling in either side's dependency
// tree.
package hubtoken

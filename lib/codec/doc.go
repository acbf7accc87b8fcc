// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Kiln's standard CBOR encoding configuration.
//
// Everything that crosses a process or durability boundary in Kiln is
// CBOR: the hub wire protocol (agent and subscriber streams, admin
// request/response), identity tokens, history store event rows, and
// compacted build bundles. This package provides the shared encoding
// and decoding modes so every package encodes identically without
// duplicating configuration.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items.
// Same logical data always produces identical bytes, which is what
// makes bundle digests and token signatures stable.
//
// For buffer-oriented operations (tokens, history rows, bundles):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (hub sockets):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// CBOR items are self-delimiting, so socket streams need no length
// framing: peers encode and decode one envelope at a time directly on
// the connection.
package codec

// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

// Package service provides the socket transport shared by kiln's hub
// and its command-line clients.
//
// A kiln service listens on a stream socket (Unix by default, TCP for
// remote build agents) and speaks a CBOR protocol with action
// dispatch: the first value a client sends is a CBOR map whose
// "action" field selects a handler. Three handler flavors cover the
// hub's needs:
//
//   - Handle: unauthenticated request-response, one request per
//     connection (status and health queries).
//   - HandleAuth: authenticated request-response. The server verifies
//     the request's bearer token before invoking the handler.
//   - HandleAuthStream: authenticated long-lived streams. After
//     verification the handler owns the connection and frames its own
//     bidirectional CBOR traffic (build event emission, watching).
//
// Authentication uses lib/hubtoken bearer tokens: an Ed25519-signed
// CBOR payload carried in the request's "token" field. The server
// checks the signature, expiry, and audience; role and project
// authorization stay with the handlers, which receive the verified
// token.
//
// ServiceClient is the matching client side: Call for request-response
// actions, OpenStream for streaming ones. Both accept Unix socket
// paths and tcp:// addresses.
package service

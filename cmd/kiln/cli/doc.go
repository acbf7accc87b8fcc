// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli provides the kiln command tree: the Command dispatch
// framework (help text, flag parsing, typo suggestions) and the
// commands that talk to a running hub.
//
// Commands that operate on local state (token minting, history
// maintenance) live in sibling packages and plug into the same tree.
package cli

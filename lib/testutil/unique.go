// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"sync/atomic"
)

var uniqueCounter atomic.Uint64

// UniqueID returns a string of the form "prefix-N" where N is a
// monotonically increasing integer. Use this instead of time.Now()
// when tests need unique identifiers for build ids, token ids, or
// project names that must be distinguishable in shared fixtures.
//
//	buildID := testutil.UniqueID("build")     // "build-1", "build-2", ...
//	project := testutil.UniqueID("proj")      // "proj-3", ...
func UniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, uniqueCounter.Add(1))
}

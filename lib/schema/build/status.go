// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package build

// Status is the lifecycle state of a build.
//
// The state machine is PENDING → RUNNING → {COMPLETED, FAILED,
// CANCELLED}. PENDING is entered implicitly when a build id is first
// referenced by a non-start event (out-of-order tolerance); RUNNING is
// entered on BUILD_START. The three terminal states are absorbing:
// once reached, no event changes the build's status again.
type Status string

const (
	// StatusPending is a build known only by reference: an event
	// arrived for its id before its BUILD_START.
	StatusPending Status = "PENDING"

	// StatusRunning is a build whose BUILD_START has been applied.
	StatusRunning Status = "RUNNING"

	// StatusCompleted is a build that finished successfully.
	StatusCompleted Status = "COMPLETED"

	// StatusFailed is a build that finished with an error, or was
	// marked failed by the hub after its agent stopped heartbeating.
	StatusFailed Status = "FAILED"

	// StatusCancelled is a build that was cancelled before finishing.
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether the status is absorbing: COMPLETED, FAILED,
// or CANCELLED.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is one of the five defined statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"time"
)

// formatUptime formats seconds as a human-readable uptime string.
func formatUptime(seconds float64) string {
	duration := time.Duration(seconds * float64(time.Second))
	hours := int(duration / time.Hour)
	minutes := int((duration % time.Hour) / time.Minute)
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}

// formatElapsed formats the wall time of a build from its start and
// end timestamps (Unix milliseconds). A running build (endedAt zero)
// is measured against now. Returns "-" when the build never started.
func formatElapsed(startedAt, endedAt int64, now time.Time) string {
	if startedAt == 0 {
		return "-"
	}
	end := now.UnixMilli()
	if endedAt != 0 {
		end = endedAt
	}
	elapsed := time.Duration(end-startedAt) * time.Millisecond
	if elapsed < 0 {
		elapsed = 0
	}
	switch {
	case elapsed < time.Minute:
		return fmt.Sprintf("%ds", int(elapsed/time.Second))
	case elapsed < time.Hour:
		minutes := int(elapsed / time.Minute)
		seconds := int((elapsed % time.Minute) / time.Second)
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		hours := int(elapsed / time.Hour)
		minutes := int((elapsed % time.Hour) / time.Minute)
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
}

// formatProgress renders a 0..1 completion ratio as a percentage.
func formatProgress(progress float64) string {
	return fmt.Sprintf("%.0f%%", progress*100)
}

// truncate shortens a string to maxLength, appending "..." if truncated.
func truncate(value string, maxLength int) string {
	if len(value) <= maxLength {
		return value
	}
	if maxLength <= 3 {
		return value[:maxLength]
	}
	return value[:maxLength-3] + "..."
}

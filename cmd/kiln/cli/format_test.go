// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"testing"
	"time"
)

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		seconds float64
		want    string
	}{
		{0, "0m"},
		{59, "0m"},
		{90, "1m"},
		{3600, "1h 0m"},
		{3725, "1h 2m"},
		{174600, "48h 30m"},
	}

	for _, test := range tests {
		if got := formatUptime(test.seconds); got != test.want {
			t.Errorf("formatUptime(%v) = %q, want %q", test.seconds, got, test.want)
		}
	}
}

func TestFormatElapsed(t *testing.T) {
	now := time.UnixMilli(20_000_000)

	tests := []struct {
		name      string
		startedAt int64
		endedAt   int64
		want      string
	}{
		{"never started", 0, 0, "-"},
		{"running, measured against now", 19_970_000, 0, "30s"},
		{"finished under a minute", 1_000_000, 1_042_000, "42s"},
		{"finished minutes", 1_000_000, 1_095_000, "1m 35s"},
		{"finished hours", 1_000_000, 12_100_000, "3h 5m"},
		{"clock skew clamps to zero", 2_000_000, 1_000_000, "0s"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := formatElapsed(test.startedAt, test.endedAt, now)
			if got != test.want {
				t.Errorf("formatElapsed(%d, %d) = %q, want %q",
					test.startedAt, test.endedAt, got, test.want)
			}
		})
	}
}

func TestFormatProgress(t *testing.T) {
	tests := []struct {
		progress float64
		want     string
	}{
		{0, "0%"},
		{0.333, "33%"},
		{0.87, "87%"},
		{1, "100%"},
	}

	for _, test := range tests {
		if got := formatProgress(test.progress); got != test.want {
			t.Errorf("formatProgress(%v) = %q, want %q", test.progress, got, test.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		value     string
		maxLength int
		want      string
	}{
		{"short", 10, "short"},
		{"exactly ten", 11, "exactly ten"},
		{"this is a long error message", 10, "this is..."},
		{"abcdef", 3, "abc"},
		{"abcdef", 2, "ab"},
	}

	for _, test := range tests {
		if got := truncate(test.value, test.maxLength); got != test.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", test.value, test.maxLength, got, test.want)
		}
	}
}

// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"slices"
	"strings"
	"testing"
)

func TestParseProgress(t *testing.T) {
	cases := []struct {
		line string
		want float64
		ok   bool
	}{
		{"[42/1337] CXX lib/Dialect/Torch/IR/TorchOps.cpp.o", 42.0 / 1337, true},
		{"[1/2] LINK check-all", 0.5, true},
		{"[0/5] Re-checking globbed directories", 0, true},
		{"[7/3] restat", 1, true},
		{"[5/0] broken total", 0, false},
		{"[ 57%] Building CXX object foo.cpp.o", 0.57, true},
		{"[100%] Built target all", 1, true},
		{"[3%] Scanning dependencies", 0.03, true},
		{"[101%] overshoot", 0, false},
		{" [1/2] indented", 0, false},
		{"ninja: build stopped: subcommand failed.", 0, false},
		{"warning: edge [2/4] mentioned mid-line", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		got, ok := ParseProgress(tc.line)
		if ok != tc.ok || got != tc.want {
			t.Errorf("ParseProgress(%q) = %v, %v; want %v, %v", tc.line, got, ok, tc.want, tc.ok)
		}
	}
}

func TestScanOutputReportsSteps(t *testing.T) {
	input := strings.Join([]string{
		"[1/100] CXX a.o",
		"[3/100] CXX b.o",
		"[7/100] CXX c.o",
		"ninja: warning: something unrelated",
		"[100/100] LINK final",
		"[100/100] restat",
	}, "\n") + "\n"

	var reported []float64
	var echoed strings.Builder
	err := ScanOutput(strings.NewReader(input), &echoed, 0.05, func(p float64) {
		reported = append(reported, p)
	})
	if err != nil {
		t.Fatalf("ScanOutput: %v", err)
	}

	// 0.03 is within the 0.05 step of 0.01 and is suppressed; the
	// terminal value always reports, but only once.
	want := []float64{0.01, 0.07, 1}
	if !slices.Equal(reported, want) {
		t.Errorf("reported = %v, want %v", reported, want)
	}
	if echoed.String() != input {
		t.Errorf("passthrough mangled output:\n%q\nwant:\n%q", echoed.String(), input)
	}
}

func TestScanOutputNilPassthrough(t *testing.T) {
	var reported []float64
	err := ScanOutput(strings.NewReader("[5/10] CXX a.o\n"), nil, 0, func(p float64) {
		reported = append(reported, p)
	})
	if err != nil {
		t.Fatalf("ScanOutput: %v", err)
	}
	if !slices.Equal(reported, []float64{0.5}) {
		t.Errorf("reported = %v, want [0.5]", reported)
	}
}

func TestScanOutputLongLine(t *testing.T) {
	// A 100KB compiler invocation line must not break the scanner or
	// the progress lines after it.
	long := "[1/4] CXX " + strings.Repeat("x", 100*1024)
	input := long + "\n[4/4] LINK done\n"

	var reported []float64
	err := ScanOutput(strings.NewReader(input), nil, 0, func(p float64) {
		reported = append(reported, p)
	})
	if err != nil {
		t.Fatalf("ScanOutput: %v", err)
	}
	if !slices.Equal(reported, []float64{0.25, 1}) {
		t.Errorf("reported = %v, want [0.25 1]", reported)
	}
}

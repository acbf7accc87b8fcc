// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
)

// Build tool progress prefixes. Ninja counts edges as "[42/1337]";
// cmake and make in percent mode print "[ 57%]". Both appear at the
// start of the line only, so mentions in warning text do not count.
var (
	ninjaProgress   = regexp.MustCompile(`^\[(\d+)/(\d+)\]`)
	percentProgress = regexp.MustCompile(`^\[\s*(\d{1,3})%\]`)
)

// ParseProgress extracts a completion ratio from one line of build
// tool output. Returns false for lines without a recognizable
// progress prefix, including malformed ones (zero total, percent
// over 100).
func ParseProgress(line string) (float64, bool) {
	if m := ninjaProgress.FindStringSubmatch(line); m != nil {
		done, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, false
		}
		total, err := strconv.Atoi(m[2])
		if err != nil || total <= 0 {
			return 0, false
		}
		// Ninja restarts can briefly report more edges than the
		// total it printed earlier.
		if done > total {
			return 1, true
		}
		return float64(done) / float64(total), true
	}
	if m := percentProgress.FindStringSubmatch(line); m != nil {
		pct, err := strconv.Atoi(m[1])
		if err != nil || pct > 100 {
			return 0, false
		}
		return float64(pct) / 100, true
	}
	return 0, false
}

// defaultMinStep suppresses progress reports closer than one percent
// to the previous one. Ninja prints a line per edge; a 100k-edge
// build would otherwise turn into 100k update frames.
const defaultMinStep = 0.01

// ScanOutput reads build tool output line by line, copies every line
// to passthrough (unless nil), and calls report for each parsed
// progress value that advances by at least minStep over the last
// reported one. A value of exactly 1 is always reported. minStep
// of zero takes the default. Returns the scanner's read error, if
// any; a build tool line longer than the scanner limit counts as
// one.
func ScanOutput(r io.Reader, passthrough io.Writer, minStep float64, report func(float64)) error {
	if minStep <= 0 {
		minStep = defaultMinStep
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lastReported := -1.0
	for scanner.Scan() {
		line := scanner.Text()
		if passthrough != nil {
			fmt.Fprintln(passthrough, line)
		}
		progress, ok := ParseProgress(line)
		if !ok {
			continue
		}
		if progress < 1 && progress-lastReported < minStep {
			continue
		}
		if progress == 1 && lastReported == 1 {
			continue
		}
		lastReported = progress
		report(progress)
	}
	return scanner.Err()
}

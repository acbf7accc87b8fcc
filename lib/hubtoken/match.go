// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package hubtoken

import (
	"path"
	"strings"
)

// MatchPattern checks whether a project matches a glob pattern using
// Kiln's hierarchical project naming:
//
//   - Exact match: "llvm" matches only "llvm"
//   - Single-segment wildcard: "llvm/*" matches "llvm/clang" but not "llvm/clang/tools"
//   - Recursive wildcard: "ci/**" matches "ci/nightly", "ci/nightly/torch-mlir", etc.
//   - Universal: "**" matches any project, as does the shorthand "*"
//     for flat project names
//   - Interior recursive: "ci/**/release" matches "ci/release", "ci/arm/release", etc.
//   - Character wildcards: "?" matches a single non-slash character
//
// Wildcards in * and ? work in all positions, including around **.
// The single-segment wildcard "*" does not match "/" — this is the
// standard path.Match behavior and matches the gitignore convention.
// Use "**" to match across hierarchy boundaries.
//
// Returns false for malformed patterns (unmatched brackets, etc.)
// rather than propagating errors — a malformed pattern should never
// grant access.
func MatchPattern(pattern, project string) bool {
	// Universal match.
	if pattern == "**" {
		return true
	}

	// No ** in the pattern — delegate to path.Match which handles
	// single-segment * and ? correctly (not matching /).
	if !strings.Contains(pattern, "**") {
		matched, err := path.Match(pattern, project)
		if err != nil {
			// Malformed pattern — deny.
			return false
		}
		return matched
	}

	// Pattern contains **. Handle the three cases: suffix, prefix, interior.

	// Suffix: "ci/**" or "team-*/**" — match the prefix (with glob
	// wildcards), then anything after.
	if strings.HasSuffix(pattern, "/**") {
		prefix := pattern[:len(pattern)-3]
		// ** matches zero additional segments: entire project is the prefix.
		if matchGlob(prefix, project) {
			return true
		}
		// ** matches one or more additional segments.
		return hasMatchingPrefix(prefix, project)
	}

	// Prefix: "**/release" or "**/build-*" — match anything before,
	// then the suffix (with glob wildcards).
	if strings.HasPrefix(pattern, "**/") {
		suffix := pattern[3:]
		// ** matches zero additional segments: entire project is the suffix.
		if matchGlob(suffix, project) {
			return true
		}
		// ** matches one or more additional segments.
		return hasMatchingSuffix(suffix, project)
	}

	// Interior: "ci/**/release" or "team-*/**/build-?" — split on the
	// first /**, match prefix and suffix independently with glob
	// wildcards.
	separatorIndex := strings.Index(pattern, "/**/")
	if separatorIndex >= 0 {
		prefix := pattern[:separatorIndex]
		suffix := pattern[separatorIndex+4:]

		// Zero-segment case: ** matches nothing, prefix and suffix
		// are adjacent. "ci/**/release" matches "ci/release".
		if matchGlob(prefix+"/"+suffix, project) {
			return true
		}

		// Multi-segment case: prefix matches the start, suffix matches
		// the end, with at least one segment between for ** to consume.
		prefixDepth := strings.Count(prefix, "/") + 1
		suffixDepth := strings.Count(suffix, "/") + 1
		segments := strings.Split(project, "/")

		if len(segments) < prefixDepth+1+suffixDepth {
			return false
		}

		prefixCandidate := strings.Join(segments[:prefixDepth], "/")
		if !matchGlob(prefix, prefixCandidate) {
			return false
		}

		suffixCandidate := strings.Join(segments[len(segments)-suffixDepth:], "/")
		if !matchGlob(suffix, suffixCandidate) {
			return false
		}

		// Verify segments consumed by ** are all non-empty (reject
		// project names with consecutive slashes between prefix and
		// suffix).
		for _, segment := range segments[prefixDepth : len(segments)-suffixDepth] {
			if segment == "" {
				return false
			}
		}
		return true
	}

	// Multiple ** segments or other complex patterns — not supported.
	// Deny by default.
	return false
}

// matchGlob matches a pattern against a string using path.Match
// semantics (wildcards * and ? do not cross / boundaries). Returns
// false for malformed patterns.
func matchGlob(pattern, s string) bool {
	matched, err := path.Match(pattern, s)
	return err == nil && matched
}

// hasMatchingPrefix reports whether the project starts with segments
// that match the given glob pattern, with at least one additional
// segment after the matched portion. The pattern's depth (number of
// /-separated segments) determines how many leading segments of the
// project are tested.
func hasMatchingPrefix(pattern, project string) bool {
	depth := strings.Count(pattern, "/") + 1
	segments := strings.SplitN(project, "/", depth+1)
	if len(segments) <= depth {
		return false
	}
	candidate := strings.Join(segments[:depth], "/")
	return matchGlob(pattern, candidate)
}

// hasMatchingSuffix reports whether the project ends with segments
// that match the given glob pattern, with at least one additional
// segment before the matched portion.
func hasMatchingSuffix(pattern, project string) bool {
	depth := strings.Count(pattern, "/") + 1
	segments := strings.Split(project, "/")
	if len(segments) <= depth {
		return false
	}
	candidate := strings.Join(segments[len(segments)-depth:], "/")
	return matchGlob(pattern, candidate)
}

// MatchAnyPattern checks whether a project matches any of the given
// glob patterns. Returns true on the first match. Returns false if
// the patterns slice is empty (default-deny).
func MatchAnyPattern(patterns []string, project string) bool {
	for _, pattern := range patterns {
		if MatchPattern(pattern, project) {
			return true
		}
	}
	return false
}

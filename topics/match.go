// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import "strings"

const (
	// Separator delimits topic and pattern segments.
	Separator = "."

	// Wildcard matches exactly one segment. A pattern consisting only of
	// Wildcard matches every topic regardless of its segment count.
	Wildcard = "*"
)

// Match reports whether topic matches pattern.
// Rules:
// - "*" as the entire pattern matches every non-empty topic.
// - Otherwise a "*" segment matches exactly one non-empty topic segment and
//   both sides must have the same number of segments.
// - Empty segments are literal: "a..b" has three segments, the middle one
//   empty, and only an empty pattern segment matches it.
// - Empty topics, empty patterns and patterns with a segment that mixes "*"
//   with other characters never match.
func Match(topic, pattern string) bool {
	if topic == "" || pattern == "" {
		return false
	}
	if pattern == Wildcard {
		return true
	}
	if pattern == topic {
		return !strings.Contains(pattern, Wildcard)
	}

	pi, ti := 0, 0
	for {
		pSeg, pNext := nextSegment(pattern, pi)
		tSeg, tNext := nextSegment(topic, ti)

		if pSeg == Wildcard {
			if tSeg == "" {
				return false
			}
		} else if strings.Contains(pSeg, Wildcard) || pSeg != tSeg {
			return false
		}

		pDone, tDone := pNext < 0, tNext < 0
		if pDone || tDone {
			// Segment counts must agree.
			return pDone && tDone
		}
		pi, ti = pNext, tNext
	}
}

// MatchAny reports whether topic matches at least one of the patterns.
func MatchAny(topic string, patterns []string) bool {
	for _, p := range patterns {
		if Match(topic, p) {
			return true
		}
	}
	return false
}

// nextSegment returns the segment starting at i and the index of the
// following segment, or -1 when the returned segment is the last one.
func nextSegment(s string, i int) (string, int) {
	j := strings.Index(s[i:], Separator)
	if j < 0 {
		return s[i:], -1
	}
	return s[i : i+j], i + j + len(Separator)
}

// Split splits a topic or pattern into its segments, keeping empty ones.
func Split(s string) []string {
	return strings.Split(s, Separator)
}

// IsGlobal reports whether pattern is the global wildcard.
func IsGlobal(pattern string) bool {
	return pattern == Wildcard
}

// HasWildcard reports whether any segment of pattern is a wildcard.
func HasWildcard(pattern string) bool {
	return strings.Contains(pattern, Wildcard)
}

// LiteralPrefix returns the first segment of pattern when it is literal.
// The subscription index buckets patterns by this segment.
func LiteralPrefix(pattern string) (string, bool) {
	first, _ := nextSegment(pattern, 0)
	if strings.Contains(first, Wildcard) {
		return "", false
	}
	return first, true
}

// FirstSegment returns the first segment of a concrete topic.
func FirstSegment(topic string) string {
	first, _ := nextSegment(topic, 0)
	return first
}

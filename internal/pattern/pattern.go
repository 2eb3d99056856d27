// Package pattern implements the PatternMatcher: deciding whether a string
// matches a pattern, where a pattern is a delimited regex, a leading-dot
// extension, or a shell glob.
package pattern

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/ryanuber/go-glob"
)

// Matches reports whether value matches pattern. Dispatch is on pattern
// shape:
//
//   - delimited regex: pattern begins and ends with "/" -- the enclosed
//     expression is compiled and tested against value.
//   - extension: pattern begins with "." -- true iff value ends with
//     pattern.
//   - glob (default): "*" and "?" match within one path segment, "**"
//     matches across segments. Bracket character classes are not
//     interpreted; "[" and "]" match themselves literally.
//
// An invalid regex is logged and returns false; it never panics or
// propagates an error to the caller.
func Matches(value, pattern string) bool {
	switch {
	case isDelimitedRegex(pattern):
		return matchesRegex(value, pattern[1:len(pattern)-1])
	case strings.HasPrefix(pattern, "."):
		return strings.HasSuffix(value, pattern)
	default:
		return matchesGlob(value, pattern)
	}
}

func isDelimitedRegex(pattern string) bool {
	return len(pattern) >= 2 && strings.HasPrefix(pattern, "/") && strings.HasSuffix(pattern, "/")
}

func matchesRegex(value, expr string) bool {
	re, err := regexp.Compile(expr)
	if err != nil {
		slog.Warn("pattern: invalid regex, treating as non-match", "pattern", expr, "error", err)
		return false
	}
	return re.MatchString(value)
}

// matchesGlob special-cases "**" as a cross-directory wildcard and
// delegates everything else to go-glob. go-glob's own "*" already
// matches "/", which would make "*" and "**" indistinguishable; this
// project keeps "*"/"?" scoped to a single path segment and gives "**"
// the documented "zero or more path segments" meaning, by splitting the
// pattern on "**" and matching each literal-and-single-segment-glob piece
// against value in order, letting "**" absorb anything (including
// further "/") between pieces.
func matchesGlob(value, pattern string) bool {
	if !strings.Contains(pattern, "**") {
		return singleSegmentGlob(pattern, value)
	}
	pieces := strings.Split(pattern, "**")
	return matchPieces(pieces, value)
}

// matchPieces matches a sequence of single-segment glob pieces, joined
// conceptually by "**" wildcards that may each consume any substring
// (including one containing "/"), against value. The first piece is
// anchored to a prefix of value; each "**" gap may then absorb zero or
// more characters before the next piece is matched exactly.
func matchPieces(pieces []string, value string) bool {
	if len(pieces) == 1 {
		return singleSegmentGlob(pieces[0], value)
	}

	head, tail := pieces[0], pieces[1:]
	// A "**" that fills a whole path segment ("**/" at the start or "/**/"
	// in the middle) may also stand for zero segments, absorbing the "/"
	// that follows it.
	collapse := strings.HasPrefix(tail[0], "/") && (head == "" || strings.HasSuffix(head, "/"))
	for end := 0; end <= len(value); end++ {
		if !singleSegmentGlob(head, value[:end]) {
			continue
		}
		for gapEnd := end; gapEnd <= len(value); gapEnd++ {
			if matchPieces(tail, value[gapEnd:]) {
				return true
			}
		}
		if collapse && matchPieces(append([]string{tail[0][1:]}, tail[1:]...), value[end:]) {
			return true
		}
	}
	return false
}

// singleSegmentGlob matches pattern (no "**") against value, with "*" and
// "?" not permitted to match across a "/" boundary in value. go-glob only
// knows "*", so it is used directly when value has no "/" and pattern has
// no "?"; any other pattern with a wildcard goes through segmentMatch.
func singleSegmentGlob(pattern, value string) bool {
	if !strings.Contains(value, "/") && !strings.Contains(pattern, "?") {
		return glob.Glob(pattern, value)
	}
	if !strings.ContainsAny(pattern, "*?") {
		return glob.Glob(pattern, value)
	}
	return segmentMatch(pattern, value)
}

// segmentMatch is a small backtracking matcher for "*" and "?" that
// refuses to let either cross a "/" in value.
func segmentMatch(pattern, value string) bool {
	if pattern == "" {
		return value == ""
	}

	switch pattern[0] {
	case '*':
		rest := pattern[1:]
		for i := 0; i <= len(value); i++ {
			if i > 0 && value[i-1] == '/' {
				break
			}
			if segmentMatch(rest, value[i:]) {
				return true
			}
		}
		return false
	case '?':
		if value == "" || value[0] == '/' {
			return false
		}
		return segmentMatch(pattern[1:], value[1:])
	default:
		if value == "" || value[0] != pattern[0] {
			return false
		}
		return segmentMatch(pattern[1:], value[1:])
	}
}

// MatchesAny reports whether value matches any pattern in patterns (OR).
func MatchesAny(value string, patterns []string) bool {
	for _, p := range patterns {
		if Matches(value, p) {
			return true
		}
	}
	return false
}

// MatchesAll reports whether value matches every pattern in patterns
// (AND). An empty pattern list is vacuously true.
func MatchesAll(value string, patterns []string) bool {
	for _, p := range patterns {
		if !Matches(value, p) {
			return false
		}
	}
	return true
}

// Package similarity provides the string primitives used by mapping discovery:
// edit distance, normalized similarity, and identifier/path normalization.
package similarity

import (
	"regexp"
	"strings"
)

var (
	camelBoundary = regexp.MustCompile(`([a-z])([A-Z])`)
	noisePrefix   = regexp.MustCompile(`^(get|set|post|put|delete|patch|request|response|dto)\s`)
	versionSeg    = regexp.MustCompile(`^v\d+$`)
)

// Normalize converts camelCase or PascalCase identifiers to lowercase words
// and strips one leading verb/noise word.
//
//	Normalize("getUserName") == "user name"
//	Normalize("OrderDto")    == "order dto"
func Normalize(name string) string {
	words := strings.ToLower(camelBoundary.ReplaceAllString(name, "$1 $2"))
	words = noisePrefix.ReplaceAllString(words, "")
	return strings.TrimSpace(words)
}

// Levenshtein computes the edit distance between a and b with unit cost for
// insertion, deletion and substitution.
func Levenshtein(a, b string) int {
	if a == b {
		return 0
	}
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	// Keep a as the shorter string so the rows stay small
	if len(a) > len(b) {
		a, b = b, a
	}

	prev := make([]int, len(a)+1)
	curr := make([]int, len(a)+1)
	for i := range prev {
		prev[i] = i
	}

	for j := 1; j <= len(b); j++ {
		curr[0] = j
		for i := 1; i <= len(a); i++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[i] = min(
				prev[i]+1,      // deletion
				curr[i-1]+1,    // insertion
				prev[i-1]+cost, // substitution
			)
		}
		prev, curr = curr, prev
	}

	return prev[len(a)]
}

// Similarity returns 1 - distance/max(len(a), len(b)). It returns 0 when
// either string is empty.
func Similarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	maxLen := max(len(a), len(b))
	return 1 - float64(Levenshtein(a, b))/float64(maxLen)
}

// NameSimilarity compares two identifiers after normalization.
func NameSimilarity(a, b string) float64 {
	return Similarity(Normalize(a), Normalize(b))
}

// NormalizePath reduces an HTTP path to its resource segments: version
// segments, a leading "api" segment and {param} placeholders are removed.
//
//	NormalizePath("/api/v2/users/{id}") == "users"
func NormalizePath(path string) string {
	raw := strings.Split(strings.ToLower(path), "/")
	segments := make([]string, 0, len(raw))
	for _, seg := range raw {
		seg = strings.TrimSpace(seg)
		if seg == "" || versionSeg.MatchString(seg) {
			continue
		}
		segments = append(segments, seg)
	}

	if len(segments) > 0 && segments[0] == "api" {
		segments = segments[1:]
	}

	kept := segments[:0]
	for _, seg := range segments {
		if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
			continue
		}
		kept = append(kept, seg)
	}

	return strings.Join(kept, "/")
}

// PathSimilarity compares two paths after NormalizePath.
func PathSimilarity(a, b string) float64 {
	return Similarity(NormalizePath(a), NormalizePath(b))
}

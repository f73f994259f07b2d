package cache

import "strings"

// Wildcard marks a prefix pattern when it is the last character.
const Wildcard = "*"

// IsPrefixPattern reports whether pattern ends in the wildcard marker.
func IsPrefixPattern(pattern string) bool {
	return strings.HasSuffix(pattern, Wildcard)
}

// MatchPattern reports whether key is covered by pattern: equal to it, or,
// for a prefix pattern, starting with the part before the wildcard.
func MatchPattern(pattern, key string) bool {
	if IsPrefixPattern(pattern) {
		return strings.HasPrefix(key, strings.TrimSuffix(pattern, Wildcard))
	}
	return pattern == key
}

// Package routing provides the reserved-path matching used to route
// operational endpoints (health, metrics, admin) around the filter
// pipeline.
package routing

import "strings"

// MatchesPrefix checks if path matches prefix with boundary enforcement.
// The path must either equal the prefix, the prefix must end with "/",
// or the character after the prefix in path must be "/".
func MatchesPrefix(path, prefix string) bool {
	if prefix == "" {
		return false
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) {
		return true
	}
	if prefix[len(prefix)-1] == '/' {
		return true
	}
	return path[len(prefix)] == '/'
}

// Reserved reports whether path belongs to one of the gateway's own
// endpoint prefixes rather than a proxied interface.
func Reserved(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if MatchesPrefix(path, prefix) {
			return true
		}
	}
	return false
}

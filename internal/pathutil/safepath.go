// Package pathutil screens request paths before they are proxied.
package pathutil

import (
	"net/url"
	"strings"
)

// Unsafe reports request paths that should never reach the upstream: NUL
// bytes, backslashes and "." or ".." segments, also when percent-encoded once
// or twice. rawPath is the escaped form, r.URL.EscapedPath().
func Unsafe(rawPath string) bool {
	if rawPath == "" {
		return false
	}
	once, err := url.PathUnescape(rawPath)
	if err != nil {
		return true
	}
	// scanners double-encode traversal as %252e%252e
	twice, err := url.PathUnescape(once)
	if err != nil {
		twice = once
	}
	return hostile(rawPath) || hostile(once) || hostile(twice)
}

func hostile(p string) bool {
	if strings.ContainsAny(p, "\x00\\") {
		return true
	}
	for seg := range strings.SplitSeq(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

package security

import (
	"path"
	"path/filepath"
	"strings"
)

// withinPath reports whether p equals prefix or lies below it.
// "/tmp" matches "/tmp/foo" but not "/tmpevil".
func withinPath(p, prefix string) bool {
	if p == prefix {
		return true
	}
	if strings.HasSuffix(prefix, string(filepath.Separator)) {
		return strings.HasPrefix(p, prefix)
	}
	return strings.HasPrefix(p, prefix+string(filepath.Separator))
}

// firstPrefixMatch returns the first prefix any candidate lies within.
func firstPrefixMatch(candidates, prefixes []string) (string, bool) {
	for _, prefix := range prefixes {
		for _, c := range candidates {
			if withinPath(c, prefix) {
				return prefix, true
			}
		}
	}
	return "", false
}

// firstGlobMatch returns the first pattern that matches host. Patterns are
// lowercased at construction; a malformed pattern never matches.
func firstGlobMatch(host string, patterns []string) (string, bool) {
	for _, p := range patterns {
		if ok, err := path.Match(p, host); err == nil && ok {
			return p, true
		}
	}
	return "", false
}

func toLower(ss []string) []string {
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
